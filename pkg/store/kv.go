// Copyright 2025 Certen Protocol
//
// KV is the narrow storage contract the core depends on: get/set/delete,
// multi-get, and the named atomic operations defined in atomic.go. No
// read-compare-write sequence on the application side is ever trusted; only
// the atomic operations provide safety (see pkg/store/postgres.go).

package store

import "context"

// KV is the minimal byte-oriented store every backend implements.
type KV interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Set(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	MGet(ctx context.Context, keys [][]byte) ([][]byte, error)
}

// ErrNotFound is returned by Get for a missing key. Backends must return
// this exact sentinel (never a driver-specific not-found error) so callers
// can use errors.Is uniformly.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "store: key not found" }

// Key-layout helpers. Every record kind gets a fixed prefix so raw stores
// stay greppable.

func AccountKey(pubKeyDERB64 string) []byte {
	return []byte("account:" + pubKeyDERB64)
}

func ChannelKey(channelID string) []byte {
	return []byte("payment_channel:" + channelID)
}

func SignatureStateKey(channelID string) []byte {
	return []byte("signature_state:latest:" + channelID)
}

func PayWordStateKey(channelID string) []byte {
	return []byte("payword_state:latest:" + channelID)
}

func PayTreeStateKey(variant string, channelID string) []byte {
	switch variant {
	case "paytree_first_opt":
		return []byte("paytree_first_opt_state:latest:" + channelID)
	case "paytree_second_opt":
		return []byte("paytree_second_opt_state:latest:" + channelID)
	default:
		return []byte("paytree_state:latest:" + channelID)
	}
}

// Channel index names, scored by created_at epoch seconds.
const (
	IndexAllChannels    = "payment_channels:all"
	IndexOpenChannels   = "payment_channels:open"
	IndexClosedChannels = "payment_channels:closed"
)
