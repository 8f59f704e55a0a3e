// Copyright 2025 Certen Protocol

package settlement

import (
	"crypto/rand"
	"errors"
	"testing"
)

func TestApplyDelta(t *testing.T) {
	acc := NewAccount("key")
	if acc.Balance != InitialBalance {
		t.Fatalf("new account balance = %d, want %d", acc.Balance, InitialBalance)
	}

	debited, err := acc.ApplyDelta(-1000)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if debited.Balance != InitialBalance-1000 {
		t.Fatalf("debited balance = %d, want %d", debited.Balance, InitialBalance-1000)
	}

	if _, err := acc.ApplyDelta(-(InitialBalance + 1)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance on overdraft, got %v", err)
	}

	// Exactly draining the balance is allowed; zero is not negative.
	drained, err := acc.ApplyDelta(-InitialBalance)
	if err != nil {
		t.Fatalf("drain to zero: %v", err)
	}
	if drained.Balance != 0 {
		t.Fatalf("drained balance = %d, want 0", drained.Balance)
	}
}

func TestComputeChannelID(t *testing.T) {
	clientPub := []byte("client-der")
	vendorPub := []byte("vendor-der")
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		t.Fatalf("generate salt: %v", err)
	}

	id1 := ComputeChannelID(clientPub, vendorPub, salt)
	id2 := ComputeChannelID(clientPub, vendorPub, salt)
	if id1 != id2 {
		t.Fatalf("channel id derivation is not deterministic")
	}
	if len(id1) != 43 { // 32 bytes, url-safe base64 without padding
		t.Fatalf("channel id length = %d, want 43", len(id1))
	}

	otherSalt := make([]byte, 32)
	if _, err := rand.Read(otherSalt); err != nil {
		t.Fatalf("generate other salt: %v", err)
	}
	if ComputeChannelID(clientPub, vendorPub, otherSalt) == id1 {
		t.Fatalf("different salts produced the same channel id")
	}
	if ComputeChannelID(vendorPub, clientPub, salt) == id1 {
		t.Fatalf("swapping the key order produced the same channel id")
	}
}

func TestChannelValidateOpen(t *testing.T) {
	base := Channel{Amount: 1000}

	cases := []struct {
		name    string
		mutate  func(*Channel)
		wantErr error
	}{
		{"signature ok", func(c *Channel) { c.Variant = VariantSignature }, nil},
		{"zero amount", func(c *Channel) { c.Variant = VariantSignature; c.Amount = 0 }, ErrValidation},
		{"negative amount", func(c *Channel) { c.Variant = VariantSignature; c.Amount = -5 }, ErrValidation},
		{"payword ok", func(c *Channel) {
			c.Variant = VariantPayWord
			c.MaxK, c.UnitValue, c.HashAlg = 10, 100, HashAlgSHA256
		}, nil},
		{"payword window exceeds amount", func(c *Channel) {
			c.Variant = VariantPayWord
			c.MaxK, c.UnitValue, c.HashAlg = 11, 100, HashAlgSHA256
		}, ErrCapacityExceeded},
		{"payword bad hash alg", func(c *Channel) {
			c.Variant = VariantPayWord
			c.MaxK, c.UnitValue, c.HashAlg = 10, 100, "sha512"
		}, ErrModeMismatch},
		{"payword zero unit value", func(c *Channel) {
			c.Variant = VariantPayWord
			c.MaxK, c.UnitValue, c.HashAlg = 10, 0, HashAlgSHA256
		}, ErrValidation},
		{"paytree ok", func(c *Channel) {
			c.Variant = VariantPayTreePlain
			c.MaxI, c.UnitValue, c.HashAlg = 10, 100, HashAlgSHA256
		}, nil},
		{"paytree window exceeds amount", func(c *Channel) {
			c.Variant = VariantPayTreeSecondOpt
			c.MaxI, c.UnitValue, c.HashAlg = 101, 10, HashAlgSHA256
		}, ErrCapacityExceeded},
		{"paytree bad hash alg", func(c *Channel) {
			c.Variant = VariantPayTreeFirstOpt
			c.MaxI, c.UnitValue, c.HashAlg = 10, 100, "md5"
		}, ErrModeMismatch},
		{"unknown variant", func(c *Channel) { c.Variant = "bogus" }, ErrModeMismatch},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ch := base
			tc.mutate(&ch)
			err := ch.ValidateOpen()
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestChannelWindow(t *testing.T) {
	if (Channel{Variant: VariantSignature}).Window() != 0 {
		t.Errorf("signature channels have no window")
	}
	if got := (Channel{Variant: VariantPayWord, MaxK: 7}).Window(); got != 7 {
		t.Errorf("payword window = %d, want 7", got)
	}
	if got := (Channel{Variant: VariantPayTreeSecondOpt, MaxI: 15}).Window(); got != 15 {
		t.Errorf("paytree window = %d, want 15", got)
	}
}

func TestCodedError_UnwrapsToSentinel(t *testing.T) {
	err := Coded(409, "REPLAY", ErrReplay, "counter %d already seen", 5)
	if !errors.Is(err, ErrReplay) {
		t.Fatalf("Coded error must unwrap to its sentinel")
	}
	var coded *CodedError
	if !errors.As(err, &coded) {
		t.Fatalf("expected errors.As to find the CodedError")
	}
	if coded.Status != 409 || coded.Code != "REPLAY" {
		t.Fatalf("status/code = %d/%s, want 409/REPLAY", coded.Status, coded.Code)
	}

	bare := Coded(404, "NOT_FOUND", ErrChannelNotFound, "")
	if bare.Error() != ErrChannelNotFound.Error() {
		t.Fatalf("empty-format Coded must keep the sentinel's message")
	}
}
