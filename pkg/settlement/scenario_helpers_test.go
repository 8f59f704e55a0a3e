// Copyright 2025 Certen Protocol
//
// Shared fixtures for the end-to-end scenario tests below: a real
// issuer.Service behind an httptest server, a real vendor.Service talking to
// it through issuerclient.Client, and two independent in-memory DevStores
// standing in for the issuer's and the vendor's separate databases.

package settlement_test

import (
	"context"
	"crypto/ecdsa"
	"net/http"
	"net/http/httptest"
	"testing"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/certen/settlement/pkg/cryptoenv"
	"github.com/certen/settlement/pkg/issuer"
	"github.com/certen/settlement/pkg/issuerclient"
	"github.com/certen/settlement/pkg/server"
	"github.com/certen/settlement/pkg/settlement"
	"github.com/certen/settlement/pkg/store"
	"github.com/certen/settlement/pkg/vendor"
)

// openPayload mirrors issuer.Service's unexported signing payload field for
// field; cryptoenv.CanonicalJSON sorts keys, so an independently declared
// struct with the same json tags produces byte-identical signed bytes.
type openPayload struct {
	ClientPubDERB64 string `json:"client_public_key_der_b64"`
	VendorPubDERB64 string `json:"vendor_public_key_der_b64"`
	Amount          int64  `json:"amount"`
	RootB64         string `json:"root_b64,omitempty"`
	UnitValue       int64  `json:"unit_value,omitempty"`
	MaxK            int    `json:"max_k,omitempty"`
	MaxI            int    `json:"max_i,omitempty"`
	HashAlg         string `json:"hash_alg,omitempty"`
}

type harness struct {
	t *testing.T

	issuerSvc *issuer.Service
	issuerTS  *httptest.Server

	vendorSvc *vendor.Service

	clientKey *ecdsa.PrivateKey
	vendorKey *ecdsa.PrivateKey

	clientPubB64 string
	vendorPubB64 string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	issuerKV := store.NewDevKV(dbm.NewMemDB())
	issuerDev := store.NewDevStore(issuerKV)
	issuerKey, err := cryptoenv.GenerateKey()
	if err != nil {
		t.Fatalf("generate issuer key: %v", err)
	}
	issuerSvc := issuer.NewService(issuerDev.Accounts(), issuerDev.IssuerChannels(), issuerKey, nil)

	mux := http.NewServeMux()
	server.NewIssuerHandlers(issuerSvc, nil).RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	issuerClient := issuerclient.New(ts.URL)

	vendorKV := store.NewDevKV(dbm.NewMemDB())
	vendorDev := store.NewDevStore(vendorKV)

	clientKey, err := cryptoenv.GenerateKey()
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	vendorKey, err := cryptoenv.GenerateKey()
	if err != nil {
		t.Fatalf("generate vendor key: %v", err)
	}
	clientPubB64, err := cryptoenv.MarshalPublicKeyDER(&clientKey.PublicKey)
	if err != nil {
		t.Fatalf("marshal client pub key: %v", err)
	}
	vendorPubB64, err := cryptoenv.MarshalPublicKeyDER(&vendorKey.PublicKey)
	if err != nil {
		t.Fatalf("marshal vendor pub key: %v", err)
	}

	if _, err := issuerSvc.RegisterAccount(ctx, clientPubB64); err != nil {
		t.Fatalf("register client account: %v", err)
	}
	if _, err := issuerSvc.RegisterAccount(ctx, vendorPubB64); err != nil {
		t.Fatalf("register vendor account: %v", err)
	}

	vendorSvc := vendor.NewService(vendorDev.VendorChannels(), issuerClient, vendorKey, vendorPubB64, nil)

	return &harness{
		t:            t,
		issuerSvc:    issuerSvc,
		issuerTS:     ts,
		vendorSvc:    vendorSvc,
		clientKey:    clientKey,
		vendorKey:    vendorKey,
		clientPubB64: clientPubB64,
		vendorPubB64: vendorPubB64,
	}
}

// openChannel signs and submits an open-channel request for req (Variant,
// RootB64, etc. caller-supplied), returning the resulting channel.
func (h *harness) openChannel(ctx context.Context, req issuer.OpenRequest) *settlement.Channel {
	h.t.Helper()
	req.ClientPubDERB64 = h.clientPubB64
	req.VendorPubDERB64 = h.vendorPubB64

	payload := openPayload{
		ClientPubDERB64: req.ClientPubDERB64,
		VendorPubDERB64: req.VendorPubDERB64,
		Amount:          req.Amount,
		RootB64:         req.RootB64,
		UnitValue:       req.UnitValue,
		MaxK:            req.MaxK,
		MaxI:            req.MaxI,
		HashAlg:         req.HashAlg,
	}
	env, err := cryptoenv.Sign(h.clientKey, payload)
	if err != nil {
		h.t.Fatalf("sign open payload: %v", err)
	}
	req.OpenEnvelope = env

	ch, err := h.issuerSvc.OpenChannel(ctx, req)
	if err != nil {
		h.t.Fatalf("open channel: %v", err)
	}
	return ch
}

func (h *harness) balances(ctx context.Context) (clientBalance, vendorBalance int64) {
	h.t.Helper()
	cAcc, err := h.issuerSvc.GetAccount(ctx, h.clientPubB64)
	if err != nil {
		h.t.Fatalf("get client account: %v", err)
	}
	vAcc, err := h.issuerSvc.GetAccount(ctx, h.vendorPubB64)
	if err != nil {
		h.t.Fatalf("get vendor account: %v", err)
	}
	return cAcc.Balance, vAcc.Balance
}
