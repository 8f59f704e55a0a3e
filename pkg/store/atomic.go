// Copyright 2025 Certen Protocol
//
// Named atomic operations. Status codes are shared across all three
// payment-save operations; vendor-side control flow branches on the exact
// values (see pkg/vendor), so they are part of the storage contract, not an
// implementation detail.

package store

import (
	"context"
	"time"

	"github.com/certen/settlement/pkg/settlement"
)

const (
	CodeRejected       = 0 // not strictly greater than stored / collision
	CodeStored         = 1 // accepted and persisted
	CodeChannelMissing = 2 // channel record absent from this store
	CodeExceedsWindow  = 3 // counter exceeds the channel's commitment window
)

// AccountRepo is the issuer's exclusive view over Account records.
type AccountRepo interface {
	Get(ctx context.Context, pubKeyDERB64 string) (*settlement.Account, error)
	Register(ctx context.Context, pubKeyDERB64 string) (settlement.Account, error)
	UpdateBalance(ctx context.Context, pubKeyDERB64 string, delta int64) (settlement.Account, error)
}

// IssuerChannelRepo is the issuer's authoritative view over channels.
type IssuerChannelRepo interface {
	// CreateExclusive implements create_channel_exclusive: a conditional
	// SET that succeeds (code 1) only if channelID does not already exist.
	CreateExclusive(ctx context.Context, ch settlement.Channel) (code int, err error)
	Get(ctx context.Context, channelID string) (*settlement.Channel, error)
	// Delete is the compensating action when a post-create debit fails.
	Delete(ctx context.Context, channelID string) error
	MarkClosed(ctx context.Context, channelID string, closePayloadB64, clientSigB64, vendorSigB64 string, balance int64, closedAt time.Time) error
	// ListByIndex scans one of the channel indices (IndexAllChannels,
	// IndexOpenChannels, IndexClosedChannels) in reverse score order,
	// returning the channel IDs in positions [start, stop] inclusive,
	// ZREVRANGE-style. stop = -1 means "to the end".
	ListByIndex(ctx context.Context, index string, start, stop int) ([]string, error)
}

// VendorChannelRepo is a vendor's read-mostly replica of channel metadata
// plus its own latest-state records. It is advisory: always re-verified
// against the issuer on cache miss.
type VendorChannelRepo interface {
	GetByChannelID(ctx context.Context, channelID string) (*settlement.Channel, error)
	GetSignatureState(ctx context.Context, channelID string) (*settlement.SignatureState, error)
	GetPayWordState(ctx context.Context, channelID string) (*settlement.PayWordState, error)
	GetPayTreeState(ctx context.Context, variant string, channelID string) (*settlement.PayTreeState, error)

	// SaveChannelAndInitialState implements save_channel_and_initial_state:
	// writes both the channel record and the first latest-state record
	// atomically iff neither key exists, updating the channel indices.
	SaveChannelAndInitialState(ctx context.Context, ch settlement.Channel, state interface{}) (code int, err error)

	SaveSignaturePayment(ctx context.Context, channelID string, newState settlement.SignatureState) (code int, current *settlement.SignatureState, err error)
	SavePayWordPayment(ctx context.Context, channelID string, newState settlement.PayWordState) (code int, current *settlement.PayWordState, err error)
	SavePayTreePayment(ctx context.Context, variant string, channelID string, newState settlement.PayTreeState) (code int, current *settlement.PayTreeState, err error)

	MarkClosed(ctx context.Context, channelID string, closePayloadB64, clientSigB64, vendorSigB64 string, balance int64) error
}
