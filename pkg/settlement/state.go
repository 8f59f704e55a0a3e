// Copyright 2025 Certen Protocol
//
// Latest payment state: one record per channel, kept in a separate key from
// the channel record so that streaming payments only ever rewrite one small
// record instead of the whole channel aggregate.

package settlement

import "time"

// SignatureState is the latest accepted state for a signature-variant
// channel: the cumulative amount the client has signed off on.
type SignatureState struct {
	ChannelID             string    `json:"channel_id"`
	CumulativeOwedAmount  int64     `json:"cumulative_owed_amount"`
	PayloadB64            string    `json:"payload_b64"`
	ClientSignatureB64    string    `json:"client_signature_b64"`
	CreatedAt             time.Time `json:"created_at"`
}

// Counter returns the ordering key strict-monotonicity is enforced over.
func (s SignatureState) Counter() int64 { return s.CumulativeOwedAmount }

// PayWordState is the latest accepted state for a PayWord-variant channel.
type PayWordState struct {
	ChannelID          string    `json:"channel_id"`
	K                  int       `json:"k"`
	TokenB64           string    `json:"token_b64"`
	PayloadB64         string    `json:"payload_b64"`
	ClientSignatureB64 string    `json:"client_signature_b64"`
	CreatedAt          time.Time `json:"created_at"`
}

func (s PayWordState) Counter() int64 { return int64(s.K) }

// PayTreeState is the latest accepted state for any of the three PayTree
// variants (plain / first-opt / second-opt). NodeCacheB64 is populated for
// first-opt (authenticator siblings only) and second-opt (siblings plus
// every computed interior node) so the pruning cache survives process
// restarts and is shared across vendor instances via the store rather than
// held only in-process; it is left empty for the plain variant, which sends
// full proofs and needs no cache.
type PayTreeState struct {
	ChannelID          string            `json:"channel_id"`
	I                  int               `json:"i"`
	LeafB64            string            `json:"leaf_b64"`
	SiblingsB64        []string          `json:"siblings_b64"`
	NodeCacheB64       map[string]string `json:"node_cache_b64,omitempty"`
	PayloadB64         string            `json:"payload_b64"`
	ClientSignatureB64 string            `json:"client_signature_b64"`
	CreatedAt          time.Time         `json:"created_at"`
}

func (s PayTreeState) Counter() int64 { return int64(s.I) }
