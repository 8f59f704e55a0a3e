// Copyright 2025 Certen Protocol
//
// End-to-end scenario test for the signature commitment variant: open,
// stream a few increasing cumulative amounts into the vendor, settle, and
// confirm both the non-monotonic and capacity-exceeded rejections.

package settlement_test

import (
	"context"
	"errors"
	"testing"

	"github.com/certen/settlement/pkg/cryptoenv"
	"github.com/certen/settlement/pkg/issuer"
	"github.com/certen/settlement/pkg/settlement"
)

type signaturePaymentPayload struct {
	ChannelID            string `json:"channel_id"`
	CumulativeOwedAmount int64  `json:"cumulative_owed_amount"`
}

func signPayment(t *testing.T, h *harness, channelID string, amount int64) cryptoenv.Envelope {
	t.Helper()
	env, err := cryptoenv.Sign(h.clientKey, signaturePaymentPayload{
		ChannelID:            channelID,
		CumulativeOwedAmount: amount,
	})
	if err != nil {
		t.Fatalf("sign payment: %v", err)
	}
	return env
}

func TestSignatureChannel_StreamAndSettle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ch := h.openChannel(ctx, issuer.OpenRequest{
		Amount:  1000,
		Variant: settlement.VariantSignature,
	})

	for _, amount := range []int64{100, 250, 600, 999} {
		env := signPayment(t, h, ch.ChannelID, amount)
		state, err := h.vendorSvc.ReceiveSignaturePayment(ctx, ch.ChannelID, env)
		if err != nil {
			t.Fatalf("receive payment %d: %v", amount, err)
		}
		if state.CumulativeOwedAmount != amount {
			t.Fatalf("expected cumulative %d, got %d", amount, state.CumulativeOwedAmount)
		}
	}

	preClient, preVendor := h.balances(ctx)

	if err := h.vendorSvc.SettleChannel(ctx, ch.ChannelID); err != nil {
		t.Fatalf("settle channel: %v", err)
	}

	postClient, postVendor := h.balances(ctx)
	if postVendor-preVendor != 999 {
		t.Errorf("expected vendor to be credited 999, got delta %d", postVendor-preVendor)
	}
	if postClient-preClient != 1 {
		t.Errorf("expected client to be refunded 1, got delta %d", postClient-preClient)
	}

	closed, err := h.issuerSvc.GetChannel(ctx, ch.ChannelID)
	if err != nil {
		t.Fatalf("reload channel: %v", err)
	}
	if !closed.IsClosed || closed.Balance != 999 {
		t.Errorf("issuer channel after settle = closed:%v balance:%d, want closed with balance 999", closed.IsClosed, closed.Balance)
	}

	// Settling an already-closed channel is a no-op, not an error.
	if err := h.vendorSvc.SettleChannel(ctx, ch.ChannelID); err != nil {
		t.Errorf("re-settling a closed channel should be a no-op, got %v", err)
	}
}

func TestSignatureChannel_ReplayIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ch := h.openChannel(ctx, issuer.OpenRequest{
		Amount:  1000,
		Variant: settlement.VariantSignature,
	})

	env := signPayment(t, h, ch.ChannelID, 300)
	first, err := h.vendorSvc.ReceiveSignaturePayment(ctx, ch.ChannelID, env)
	if err != nil {
		t.Fatalf("first payment: %v", err)
	}
	second, err := h.vendorSvc.ReceiveSignaturePayment(ctx, ch.ChannelID, env)
	if err != nil {
		t.Fatalf("replayed identical payment should be idempotent, got error: %v", err)
	}
	if second.PayloadB64 != first.PayloadB64 || second.ClientSignatureB64 != first.ClientSignatureB64 {
		t.Errorf("replayed payment returned a different state than the first acceptance")
	}
}

func TestSignatureChannel_NonMonotonicRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ch := h.openChannel(ctx, issuer.OpenRequest{
		Amount:  1000,
		Variant: settlement.VariantSignature,
	})

	if _, err := h.vendorSvc.ReceiveSignaturePayment(ctx, ch.ChannelID, signPayment(t, h, ch.ChannelID, 500)); err != nil {
		t.Fatalf("first payment: %v", err)
	}
	_, err := h.vendorSvc.ReceiveSignaturePayment(ctx, ch.ChannelID, signPayment(t, h, ch.ChannelID, 200))
	if !errors.Is(err, settlement.ErrNonMonotonic) {
		t.Fatalf("expected ErrNonMonotonic for a decreasing amount, got %v", err)
	}
}

func TestSignatureChannel_CapacityExceededRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ch := h.openChannel(ctx, issuer.OpenRequest{
		Amount:  1000,
		Variant: settlement.VariantSignature,
	})

	_, err := h.vendorSvc.ReceiveSignaturePayment(ctx, ch.ChannelID, signPayment(t, h, ch.ChannelID, 1500))
	if !errors.Is(err, settlement.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded for an amount above channel capacity, got %v", err)
	}
}
