// Copyright 2025 Certen Protocol

package settlement

import "time"

// Variant discriminates the commitment scheme a channel was opened with.
type Variant string

const (
	VariantSignature        Variant = "signature"
	VariantPayWord          Variant = "payword"
	VariantPayTreePlain     Variant = "paytree"
	VariantPayTreeFirstOpt  Variant = "paytree_first_opt"
	VariantPayTreeSecondOpt Variant = "paytree_second_opt"
)

// HashAlgSHA256 is the only accepted value of the hash_alg field carried in
// PayWord/PayTree open payloads; any other value is rejected at open time
// (ValidateOpen) and again by the issuer's PayWord/PayTree settlement
// verification.
const HashAlgSHA256 = "sha256"

// Channel is the authoritative channel record. Commitment-only fields are
// zero-valued and omitted from JSON for the signature variant.
type Channel struct {
	ChannelID       string    `json:"channel_id"`
	Variant         Variant   `json:"variant"`
	ClientPubDERB64 string    `json:"client_public_key_der_b64"`
	VendorPubDERB64 string    `json:"vendor_public_key_der_b64"`
	SaltB64         string    `json:"salt_b64"`
	Amount          int64     `json:"amount"`
	Balance         int64     `json:"balance"`
	IsClosed        bool      `json:"is_closed"`
	CreatedAt       time.Time `json:"created_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`

	// Commitment fields, present only for non-signature variants.
	RootB64   string `json:"root_b64,omitempty"`
	UnitValue int64  `json:"unit_value,omitempty"`
	MaxK      int    `json:"max_k,omitempty"`
	MaxI      int    `json:"max_i,omitempty"`
	HashAlg   string `json:"hash_alg,omitempty"`

	// Close bookkeeping, populated once IsClosed.
	ClosePayloadB64         string `json:"close_payload_b64,omitempty"`
	ClientCloseSignatureB64 string `json:"client_close_signature_b64,omitempty"`
	VendorCloseSignatureB64 string `json:"vendor_close_signature_b64,omitempty"`
}

// Window returns the commitment window size for payword/paytree variants
// (max_k or max_i), or 0 for the signature variant, which has none.
func (c Channel) Window() int {
	switch c.Variant {
	case VariantPayWord:
		return c.MaxK
	case VariantPayTreePlain, VariantPayTreeFirstOpt, VariantPayTreeSecondOpt:
		return c.MaxI
	default:
		return 0
	}
}

// ValidateOpen enforces the constructor-time invariants common to every
// variant at channel-open time: amount > 0, and for commitment variants
// window*unit_value <= amount.
func (c Channel) ValidateOpen() error {
	if c.Amount <= 0 {
		return Coded(400, "INVALID_AMOUNT", ErrValidation, "amount must be positive")
	}
	switch c.Variant {
	case VariantSignature:
		return nil
	case VariantPayWord:
		if c.HashAlg != HashAlgSHA256 {
			return Coded(400, "UNSUPPORTED_HASH_ALG", ErrModeMismatch, "hash_alg must be sha256")
		}
		if c.MaxK <= 0 || c.UnitValue <= 0 {
			return Coded(400, "INVALID_WINDOW", ErrValidation, "max_k and unit_value must be positive")
		}
		if int64(c.MaxK)*c.UnitValue > c.Amount {
			return Coded(400, "WINDOW_EXCEEDS_AMOUNT", ErrCapacityExceeded, "max_k*unit_value exceeds amount")
		}
		return nil
	case VariantPayTreePlain, VariantPayTreeFirstOpt, VariantPayTreeSecondOpt:
		if c.HashAlg != HashAlgSHA256 {
			return Coded(400, "UNSUPPORTED_HASH_ALG", ErrModeMismatch, "hash_alg must be sha256")
		}
		if c.MaxI <= 0 || c.UnitValue <= 0 {
			return Coded(400, "INVALID_WINDOW", ErrValidation, "max_i and unit_value must be positive")
		}
		if int64(c.MaxI)*c.UnitValue > c.Amount {
			return Coded(400, "WINDOW_EXCEEDS_AMOUNT", ErrCapacityExceeded, "max_i*unit_value exceeds amount")
		}
		return nil
	default:
		return Coded(400, "UNKNOWN_VARIANT", ErrModeMismatch, "unrecognized channel variant")
	}
}
