// Copyright 2025 Certen Protocol
//
// HTTP client the Vendor uses to reach the Issuer: channel lookup and
// settlement submission.

package issuerclient

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/certen/settlement/pkg/cryptoenv"
	"github.com/certen/settlement/pkg/settlement"
)

// Client is a thin typed shim over the issuer's HTTP surface. Every method
// maps a 404 response to settlement.ErrChannelNotFound and wraps transport
// failures and every other non-2xx response in settlement.ErrUpstreamUnavailable
// so the vendor can treat them uniformly.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger
}

// Option configures a Client.
type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New constructs a Client against baseURL (e.g. "http://issuer:8080"),
// defaulting to a 10s request timeout.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     log.New(log.Writer(), "[IssuerClient] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetChannel fetches the authoritative channel record, used by the vendor
// on a cache miss.
func (c *Client) GetChannel(ctx context.Context, channelID string) (*settlement.Channel, error) {
	var ch settlement.Channel
	if err := c.doJSON(ctx, http.MethodGet, "/issuer/channels/"+channelID, nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// GetPublicKey fetches and parses the issuer's ECDSA public key, used to
// verify anything the issuer signs back (currently unused by the streaming
// payment path but part of the issuer's published surface).
func (c *Client) GetPublicKey(ctx context.Context) (*ecdsa.PublicKey, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var resp struct {
		PublicKeyDERB64 string `json:"public_key_der_b64"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/issuer/keys/public", nil, &resp); err != nil {
		return nil, err
	}
	return cryptoenv.ParsePublicKeyDER(resp.PublicKeyDERB64)
}

// SignatureSettleRequest is the wire shape submitted to
// POST /issuer/channels/{channel_id}/settlements for a signature-variant channel.
type SignatureSettleRequest struct {
	VendorPubDERB64      string             `json:"vendor_public_key_der_b64"`
	CumulativeOwedAmount int64              `json:"cumulative_owed_amount"`
	ClientEnvelope       cryptoenv.Envelope `json:"client_envelope"`
	VendorSignatureB64   string             `json:"vendor_signature_b64"`
}

func (c *Client) SettleSignature(ctx context.Context, channelID string, req SignatureSettleRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/issuer/channels/"+channelID+"/settlements", req, nil)
}

// PayWordSettleRequest is the wire shape for PayWord settlement submission.
type PayWordSettleRequest struct {
	VendorPubDERB64    string `json:"vendor_public_key_der_b64"`
	K                  int    `json:"k"`
	TokenB64           string `json:"token_b64"`
	VendorSignatureB64 string `json:"vendor_signature_b64"`
}

func (c *Client) SettlePayWord(ctx context.Context, channelID string, req PayWordSettleRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/issuer/channels/"+channelID+"/settlements", req, nil)
}

// PayTreeSettleRequest is the wire shape for any of the three PayTree
// variants' settlement submission (the issuer determines which by the
// channel's own recorded variant, not by the request).
type PayTreeSettleRequest struct {
	VendorPubDERB64    string   `json:"vendor_public_key_der_b64"`
	I                  int      `json:"i"`
	LeafB64            string   `json:"leaf_b64"`
	SiblingsB64        []string `json:"siblings_b64"`
	VendorSignatureB64 string   `json:"vendor_signature_b64"`
}

func (c *Client) SettlePayTree(ctx context.Context, channelID string, req PayTreeSettleRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/issuer/channels/"+channelID+"/settlements", req, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("issuerclient: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("issuerclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return settlement.Coded(502, "UPSTREAM_UNAVAILABLE", settlement.ErrUpstreamUnavailable, "issuer request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return settlement.Coded(404, "CHANNEL_NOT_FOUND", settlement.ErrChannelNotFound, "issuer returned 404 for %s", path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return settlement.Coded(502, "UPSTREAM_UNAVAILABLE", settlement.ErrUpstreamUnavailable,
			"issuer returned status %d for %s: %s", resp.StatusCode, path, string(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("issuerclient: decode response for %s: %w", path, err)
	}
	return nil
}
