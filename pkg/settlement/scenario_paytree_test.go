// Copyright 2025 Certen Protocol
//
// End-to-end scenario test for the plain PayTree variant: build a tree,
// open a channel committing to its root, stream full proofs for increasing
// leaf indices, settle, and confirm an invalid-proof rejection.

package settlement_test

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/certen/settlement/pkg/cryptoenv"
	"github.com/certen/settlement/pkg/issuer"
	"github.com/certen/settlement/pkg/paytree"
	"github.com/certen/settlement/pkg/settlement"
)

type paytreePaymentPayload struct {
	ChannelID   string   `json:"channel_id"`
	I           int      `json:"i"`
	LeafB64     string   `json:"leaf_b64"`
	SiblingsB64 []string `json:"siblings_b64,omitempty"`
}

func newPaytree(t *testing.T, maxI int) *paytree.Tree {
	t.Helper()
	secrets := make([][32]byte, maxI+1)
	for i := range secrets {
		if _, err := rand.Read(secrets[i][:]); err != nil {
			t.Fatalf("generate paytree secret %d: %v", i, err)
		}
	}
	tree, err := paytree.BuildFromSecrets(secrets)
	if err != nil {
		t.Fatalf("build paytree: %v", err)
	}
	return tree
}

func signPaytreePayment(t *testing.T, h *harness, channelID string, i int, proof paytree.Proof) cryptoenv.Envelope {
	t.Helper()
	siblingsB64 := make([]string, len(proof.Siblings))
	for idx, s := range proof.Siblings {
		siblingsB64[idx] = paytree.EncodeSiblingB64(s)
	}
	env, err := cryptoenv.Sign(h.clientKey, paytreePaymentPayload{
		ChannelID:   channelID,
		I:           i,
		LeafB64:     paytree.EncodeSiblingB64(proof.Leaf),
		SiblingsB64: siblingsB64,
	})
	if err != nil {
		t.Fatalf("sign paytree payment: %v", err)
	}
	return env
}

func TestPayTreeChannel_StreamAndSettle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	maxI := 7
	tree := newPaytree(t, maxI)

	ch := h.openChannel(ctx, issuer.OpenRequest{
		Amount:    1000,
		Variant:   settlement.VariantPayTreePlain,
		RootB64:   paytree.EncodeSiblingB64(tree.Root()),
		UnitValue: 100,
		MaxI:      maxI,
		HashAlg:   settlement.HashAlgSHA256,
	})

	for _, i := range []int{2, 4, 7} {
		proof, err := tree.BuildProof(i)
		if err != nil {
			t.Fatalf("build proof for i=%d: %v", i, err)
		}
		env := signPaytreePayment(t, h, ch.ChannelID, i, proof)
		state, err := h.vendorSvc.ReceivePayTreePayment(ctx, ch.ChannelID, env)
		if err != nil {
			t.Fatalf("receive paytree payment i=%d: %v", i, err)
		}
		if state.I != i {
			t.Fatalf("expected i=%d, got %d", i, state.I)
		}
	}

	preClient, preVendor := h.balances(ctx)

	if err := h.vendorSvc.SettleChannel(ctx, ch.ChannelID); err != nil {
		t.Fatalf("settle channel: %v", err)
	}

	postClient, postVendor := h.balances(ctx)
	if postVendor-preVendor != 700 { // i=7 * unit_value=100
		t.Errorf("expected vendor credited 700, got delta %d", postVendor-preVendor)
	}
	if postClient-preClient != 300 {
		t.Errorf("expected client refunded 300, got delta %d", postClient-preClient)
	}

	closed, err := h.issuerSvc.GetChannel(ctx, ch.ChannelID)
	if err != nil {
		t.Fatalf("reload channel: %v", err)
	}
	if !closed.IsClosed || closed.Balance != 700 {
		t.Errorf("issuer channel after settle = closed:%v balance:%d, want closed with balance 700", closed.IsClosed, closed.Balance)
	}
}

func TestPayTreeChannel_InvalidProofRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	maxI := 7
	tree := newPaytree(t, maxI)
	ch := h.openChannel(ctx, issuer.OpenRequest{
		Amount:    1000,
		Variant:   settlement.VariantPayTreePlain,
		RootB64:   paytree.EncodeSiblingB64(tree.Root()),
		UnitValue: 10,
		MaxI:      maxI,
		HashAlg:   settlement.HashAlgSHA256,
	})

	proof, err := tree.BuildProof(2)
	if err != nil {
		t.Fatalf("build proof: %v", err)
	}
	// Corrupt one sibling so the recomputed root no longer matches.
	proof.Siblings[0][0] ^= 0xFF

	_, err = h.vendorSvc.ReceivePayTreePayment(ctx, ch.ChannelID, signPaytreePayment(t, h, ch.ChannelID, 2, proof))
	if !errors.Is(err, settlement.ErrInvalidSignature) {
		t.Fatalf("expected an invalid-proof rejection, got %v", err)
	}
}

func TestPayTreeChannel_IndexExceedsWindowRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	maxI := 3
	tree := newPaytree(t, maxI)
	ch := h.openChannel(ctx, issuer.OpenRequest{
		Amount:    1000,
		Variant:   settlement.VariantPayTreePlain,
		RootB64:   paytree.EncodeSiblingB64(tree.Root()),
		UnitValue: 10,
		MaxI:      maxI,
		HashAlg:   settlement.HashAlgSHA256,
	})

	// i=3, the window's last index, is accepted.
	proof, err := tree.BuildProof(3)
	if err != nil {
		t.Fatalf("build proof: %v", err)
	}
	if _, err := h.vendorSvc.ReceivePayTreePayment(ctx, ch.ChannelID, signPaytreePayment(t, h, ch.ChannelID, 3, proof)); err != nil {
		t.Fatalf("i=3 (the window's last index) should be accepted: %v", err)
	}

	// i=4 exceeds max_i and must be rejected before the proof is even checked.
	_, err = h.vendorSvc.ReceivePayTreePayment(ctx, ch.ChannelID, signPaytreePayment(t, h, ch.ChannelID, 4, proof))
	if !errors.Is(err, settlement.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded for i beyond max_i, got %v", err)
	}
}
