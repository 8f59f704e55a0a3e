// Copyright 2025 Certen Protocol
//
// Issuer-side channel lifecycle: open, settle, get. Each open/settle is the
// same locked-funds-then-credit-back saga with a different per-variant
// verification predicate swapped in.

package issuer

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"time"

	"github.com/certen/settlement/pkg/cryptoenv"
	"github.com/certen/settlement/pkg/payword"
	"github.com/certen/settlement/pkg/paytree"
	"github.com/certen/settlement/pkg/settlement"
	"github.com/certen/settlement/pkg/store"
)

// Service implements the issuer's half of the protocol: minting accounts,
// locking funds into channels, verifying settlement proofs, and crediting
// balances back out.
type Service struct {
	accounts store.AccountRepo
	channels store.IssuerChannelRepo
	issuerKey *ecdsa.PrivateKey
	logger    *log.Logger
}

func NewService(accounts store.AccountRepo, channels store.IssuerChannelRepo, issuerKey *ecdsa.PrivateKey, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(log.Writer(), "[Issuer] ", log.LstdFlags)
	}
	return &Service{accounts: accounts, channels: channels, issuerKey: issuerKey, logger: logger}
}

// RegisterAccount mints a fresh account with the protocol's initial balance,
// idempotently (a second registration of the same key just returns it).
func (s *Service) RegisterAccount(ctx context.Context, pubKeyDERB64 string) (settlement.Account, error) {
	if _, err := cryptoenv.ParsePublicKeyDER(pubKeyDERB64); err != nil {
		return settlement.Account{}, settlement.Coded(400, "INVALID_PUBLIC_KEY", settlement.ErrValidation, "invalid public key: %v", err)
	}
	return s.accounts.Register(ctx, pubKeyDERB64)
}

func (s *Service) GetAccount(ctx context.Context, pubKeyDERB64 string) (*settlement.Account, error) {
	return s.accounts.Get(ctx, pubKeyDERB64)
}

// IssuerKey exposes the issuer's signing key so the HTTP layer can publish
// the corresponding public key without duplicating key storage.
func (s *Service) IssuerKey() *ecdsa.PrivateKey {
	return s.issuerKey
}

// OpenRequest carries the fields common to every channel-open variant; the
// Variant field selects which commitment scheme applies, and the commitment
// fields after it are left zero for the signature variant.
type OpenRequest struct {
	ClientPubDERB64 string
	VendorPubDERB64 string
	Amount          int64
	OpenEnvelope    cryptoenv.Envelope // client-signed over the canonical open payload

	Variant   settlement.Variant
	RootB64   string
	UnitValue int64
	MaxK      int
	MaxI      int
	HashAlg   string
}

// openPayload is the canonical struct the client signs for any open request;
// field presence/zero-values differ by variant but the shape is shared so
// canonical JSON sorting is stable.
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

// OpenChannel verifies the client's signature, checks balances, and opens
// a channel of the requested variant, locking req.Amount out of the
// client's spendable balance. It is the single entrypoint behind every
// variant's open endpoint.
func (s *Service) OpenChannel(ctx context.Context, req OpenRequest) (*settlement.Channel, error) {
	clientPub, err := cryptoenv.ParsePublicKeyDER(req.ClientPubDERB64)
	if err != nil {
		return nil, settlement.Coded(400, "INVALID_PUBLIC_KEY", settlement.ErrValidation, "invalid client public key: %v", err)
	}
	payloadBytes, err := cryptoenv.Verify(clientPub, req.OpenEnvelope)
	if err != nil {
		return nil, settlement.Coded(401, "INVALID_SIGNATURE", settlement.ErrInvalidSignature, "invalid client signature for open channel request")
	}

	// The declared fields must match the signed payload exactly: a request
	// whose top-level client key differs from the one inside the signed
	// payload is a key-confusion attempt, not a transcription error.
	var signed openPayload
	if err := unmarshalJSON(payloadBytes, &signed); err != nil {
		return nil, settlement.Coded(400, "BAD_ENVELOPE", settlement.ErrValidation, "undecodable open payload")
	}
	declared := openPayload{
		ClientPubDERB64: req.ClientPubDERB64,
		VendorPubDERB64: req.VendorPubDERB64,
		Amount:          req.Amount,
		RootB64:         req.RootB64,
		UnitValue:       req.UnitValue,
		MaxK:            req.MaxK,
		MaxI:            req.MaxI,
		HashAlg:         req.HashAlg,
	}
	if signed != declared {
		return nil, settlement.Coded(400, "PAYLOAD_MISMATCH", settlement.ErrValidation, "declared open-channel fields do not match the signed payload")
	}

	clientAcc, err := s.accounts.Get(ctx, req.ClientPubDERB64)
	if err != nil {
		return nil, settlement.Coded(404, "ACCOUNT_NOT_FOUND", settlement.ErrAccountNotFound, "client account not registered")
	}
	if _, err := s.accounts.Get(ctx, req.VendorPubDERB64); err != nil {
		return nil, settlement.Coded(404, "ACCOUNT_NOT_FOUND", settlement.ErrAccountNotFound, "vendor account not registered")
	}
	if clientAcc.Balance < req.Amount {
		return nil, settlement.Coded(400, "INSUFFICIENT_BALANCE", settlement.ErrInsufficientBalance, "insufficient client balance to lock funds")
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("issuer: generate salt: %w", err)
	}
	saltB64 := base64.StdEncoding.EncodeToString(salt)
	channelID := settlement.ComputeChannelID(mustDecode(req.ClientPubDERB64), mustDecode(req.VendorPubDERB64), salt)

	ch := settlement.Channel{
		ChannelID:       channelID,
		Variant:         req.Variant,
		ClientPubDERB64: req.ClientPubDERB64,
		VendorPubDERB64: req.VendorPubDERB64,
		SaltB64:         saltB64,
		Amount:          req.Amount,
		CreatedAt:       time.Now().UTC(),
		RootB64:         req.RootB64,
		UnitValue:       req.UnitValue,
		MaxK:            req.MaxK,
		MaxI:            req.MaxI,
		HashAlg:         req.HashAlg,
	}
	if err := ch.ValidateOpen(); err != nil {
		return nil, err
	}

	code, err := s.channels.CreateExclusive(ctx, ch)
	if err != nil {
		return nil, fmt.Errorf("issuer: create channel: %w", err)
	}
	if code == store.CodeRejected {
		return nil, settlement.Coded(409, "CHANNEL_ALREADY_OPEN", settlement.ErrChannelAlreadyOpen, "payment channel already open")
	}

	if _, err := s.accounts.UpdateBalance(ctx, req.ClientPubDERB64, -req.Amount); err != nil {
		if delErr := s.channels.Delete(ctx, channelID); delErr != nil {
			s.logger.Printf("open_channel: failed to roll back channel %s after balance debit failure: %v", channelID, delErr)
		}
		return nil, fmt.Errorf("issuer: lock client funds: %w", err)
	}
	return &ch, nil
}

func mustDecode(b64 string) []byte {
	b, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil
	}
	return b
}

func (s *Service) GetChannel(ctx context.Context, channelID string) (*settlement.Channel, error) {
	return s.channels.Get(ctx, channelID)
}

// ListChannels pages through one of the channel indices ("all", "open",
// "closed") newest-first and resolves each ID to its full channel record.
// IDs whose record has vanished between the index scan and the fetch are
// skipped rather than failing the whole page.
func (s *Service) ListChannels(ctx context.Context, status string, start, stop int) ([]*settlement.Channel, error) {
	var index string
	switch status {
	case "", "all":
		index = store.IndexAllChannels
	case "open":
		index = store.IndexOpenChannels
	case "closed":
		index = store.IndexClosedChannels
	default:
		return nil, settlement.Coded(400, "INVALID_STATUS", settlement.ErrValidation, "status must be all, open or closed")
	}
	ids, err := s.channels.ListByIndex(ctx, index, start, stop)
	if err != nil {
		return nil, fmt.Errorf("issuer: list channels: %w", err)
	}
	channels := make([]*settlement.Channel, 0, len(ids))
	for _, id := range ids {
		ch, err := s.channels.Get(ctx, id)
		if err != nil {
			continue
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

// settleResult is whatever a variant-specific Settle* method verified
// before calling into the shared three-step saga.
type settleResult struct {
	channel              *settlement.Channel
	cumulativeOwedAmount int64
	closePayloadB64      string
	clientCloseSigB64    string
	vendorCloseSigB64    string
}

// closeChannel performs the shared three-step settle saga: credit the
// vendor, refund the client remainder, mark the channel closed — reversing
// the credits already applied when a later step fails, and returning a fatal
// ErrInvariantViolation if any of those reversals itself fails.
func (s *Service) closeChannel(ctx context.Context, r settleResult) (vendorBalance, clientBalance int64, err error) {
	ch := r.channel
	remainder := ch.Amount - r.cumulativeOwedAmount

	vendorAcc, err := s.accounts.UpdateBalance(ctx, ch.VendorPubDERB64, r.cumulativeOwedAmount)
	if err != nil {
		return 0, 0, fmt.Errorf("issuer: credit vendor: %w", err)
	}

	clientAcc, err := s.accounts.UpdateBalance(ctx, ch.ClientPubDERB64, remainder)
	if err != nil {
		if _, rbErr := s.accounts.UpdateBalance(ctx, ch.VendorPubDERB64, -r.cumulativeOwedAmount); rbErr != nil {
			return 0, 0, settlement.Coded(500, "INVARIANT_VIOLATION", settlement.ErrInvariantViolation,
				"credit client remainder failed (%v) and vendor credit rollback also failed (%v)", err, rbErr)
		}
		return 0, 0, fmt.Errorf("issuer: credit client remainder: %w", err)
	}

	if err := s.channels.MarkClosed(ctx, ch.ChannelID, r.closePayloadB64, r.clientCloseSigB64, r.vendorCloseSigB64, r.cumulativeOwedAmount, time.Now().UTC()); err != nil {
		_, vendorRBErr := s.accounts.UpdateBalance(ctx, ch.VendorPubDERB64, -r.cumulativeOwedAmount)
		_, clientRBErr := s.accounts.UpdateBalance(ctx, ch.ClientPubDERB64, -remainder)
		if vendorRBErr != nil || clientRBErr != nil {
			return 0, 0, settlement.Coded(500, "INVARIANT_VIOLATION", settlement.ErrInvariantViolation,
				"mark channel closed failed (%v) and balance rollback also failed (vendor=%v client=%v)", err, vendorRBErr, clientRBErr)
		}
		return 0, 0, fmt.Errorf("issuer: mark channel closed: %w", err)
	}

	return vendorAcc.Balance, clientAcc.Balance, nil
}

// SignatureSettleRequest is the vendor-signed close for a signature-variant
// channel: the client's highest accepted cumulative amount, co-signed by
// the vendor at redemption time.
type SignatureSettleRequest struct {
	ChannelID              string
	VendorPubDERB64        string
	CumulativeOwedAmount   int64
	ClientEnvelope         cryptoenv.Envelope // client's original signed payload+sig
	VendorSignatureB64     string             // vendor co-signs the same payload bytes
}

type signatureSettlePayload struct {
	ChannelID            string `json:"channel_id"`
	CumulativeOwedAmount int64  `json:"cumulative_owed_amount"`
}

func (s *Service) SettleSignature(ctx context.Context, req SignatureSettleRequest) (vendorBalance, clientBalance int64, err error) {
	ch, err := s.channels.Get(ctx, req.ChannelID)
	if err != nil {
		return 0, 0, settlement.Coded(404, "CHANNEL_NOT_FOUND", settlement.ErrChannelNotFound, "payment channel not found")
	}
	if ch.IsClosed {
		return 0, 0, settlement.Coded(409, "CHANNEL_CLOSED", settlement.ErrChannelClosed, "payment channel already closed")
	}
	if ch.Variant != settlement.VariantSignature {
		return 0, 0, settlement.Coded(409, "MODE_MISMATCH", settlement.ErrModeMismatch, "payment channel is not a signature-variant channel")
	}
	if req.VendorPubDERB64 != ch.VendorPubDERB64 {
		return 0, 0, settlement.Coded(403, "VENDOR_MISMATCH", settlement.ErrVendorMismatch, "mismatched vendor public key for channel")
	}
	if req.CumulativeOwedAmount > ch.Amount {
		return 0, 0, settlement.Coded(400, "CAPACITY_EXCEEDED", settlement.ErrCapacityExceeded, "invalid owed amount")
	}

	clientPub, err := cryptoenv.ParsePublicKeyDER(ch.ClientPubDERB64)
	if err != nil {
		return 0, 0, fmt.Errorf("issuer: parse client public key: %w", err)
	}
	payloadBytes, err := cryptoenv.Verify(clientPub, req.ClientEnvelope)
	if err != nil {
		return 0, 0, settlement.Coded(401, "INVALID_SIGNATURE", settlement.ErrInvalidSignature, "invalid client signature for settlement")
	}
	var claimed signatureSettlePayload
	if err := unmarshalJSON(payloadBytes, &claimed); err != nil || claimed.ChannelID != req.ChannelID || claimed.CumulativeOwedAmount != req.CumulativeOwedAmount {
		return 0, 0, settlement.Coded(400, "BAD_ENVELOPE", settlement.ErrValidation, "client payload does not match claimed settlement amount")
	}

	vendorPub, err := cryptoenv.ParsePublicKeyDER(ch.VendorPubDERB64)
	if err != nil {
		return 0, 0, fmt.Errorf("issuer: parse vendor public key: %w", err)
	}
	if _, err := cryptoenv.Verify(vendorPub, cryptoenv.Envelope{PayloadB64: req.ClientEnvelope.PayloadB64, SignatureB64: req.VendorSignatureB64}); err != nil {
		return 0, 0, settlement.Coded(401, "INVALID_SIGNATURE", settlement.ErrInvalidSignature, "invalid vendor signature for settlement")
	}

	vBal, cBal, err := s.closeChannel(ctx, settleResult{
		channel:              ch,
		cumulativeOwedAmount: req.CumulativeOwedAmount,
		closePayloadB64:      req.ClientEnvelope.PayloadB64,
		clientCloseSigB64:    req.ClientEnvelope.SignatureB64,
		vendorCloseSigB64:    req.VendorSignatureB64,
	})
	return vBal, cBal, err
}

// PayWordSettleRequest is the vendor-signed close for a PayWord channel: the
// highest-counter token the vendor collected, plus its own signature over
// the settlement payload.
type PayWordSettleRequest struct {
	ChannelID          string
	VendorPubDERB64    string
	K                  int
	TokenB64           string
	VendorSignatureB64 string
}

type paywordSettlePayload struct {
	ChannelID string `json:"channel_id"`
	K         int    `json:"k"`
	TokenB64  string `json:"token_b64"`
}

func (s *Service) SettlePayWord(ctx context.Context, req PayWordSettleRequest) (vendorBalance, clientBalance int64, err error) {
	ch, err := s.channels.Get(ctx, req.ChannelID)
	if err != nil {
		return 0, 0, settlement.Coded(404, "CHANNEL_NOT_FOUND", settlement.ErrChannelNotFound, "payment channel not found")
	}
	if ch.IsClosed {
		return 0, 0, settlement.Coded(409, "CHANNEL_CLOSED", settlement.ErrChannelClosed, "payment channel already closed")
	}
	if ch.Variant != settlement.VariantPayWord {
		return 0, 0, settlement.Coded(409, "MODE_MISMATCH", settlement.ErrModeMismatch, "payment channel is not PayWord-enabled")
	}
	if ch.HashAlg != settlement.HashAlgSHA256 {
		return 0, 0, settlement.Coded(400, "UNSUPPORTED_HASH_ALG", settlement.ErrModeMismatch, "hash_alg must be sha256")
	}
	if req.VendorPubDERB64 != ch.VendorPubDERB64 {
		return 0, 0, settlement.Coded(403, "VENDOR_MISMATCH", settlement.ErrVendorMismatch, "mismatched vendor public key for channel")
	}
	if req.K > ch.MaxK {
		return 0, 0, settlement.Coded(400, "CAPACITY_EXCEEDED", settlement.ErrCapacityExceeded, "k exceeds PayWord max_k for this channel")
	}

	payload := paywordSettlePayload{ChannelID: req.ChannelID, K: req.K, TokenB64: req.TokenB64}
	canon, err := cryptoenv.CanonicalJSON(payload)
	if err != nil {
		return 0, 0, fmt.Errorf("issuer: canonicalize settlement payload: %w", err)
	}
	vendorPub, err := cryptoenv.ParsePublicKeyDER(ch.VendorPubDERB64)
	if err != nil {
		return 0, 0, fmt.Errorf("issuer: parse vendor public key: %w", err)
	}
	if _, err := cryptoenv.Verify(vendorPub, cryptoenv.Envelope{
		PayloadB64:   base64.StdEncoding.EncodeToString(canon),
		SignatureB64: req.VendorSignatureB64,
	}); err != nil {
		return 0, 0, settlement.Coded(401, "INVALID_SIGNATURE", settlement.ErrInvalidSignature, "invalid vendor signature for PayWord settlement")
	}

	root, err := decodeHash(ch.RootB64)
	if err != nil {
		return 0, 0, settlement.Coded(400, "BAD_ENVELOPE", settlement.ErrValidation, "invalid PayWord root encoding: %v", err)
	}
	token, err := decodeHash(req.TokenB64)
	if err != nil {
		return 0, 0, settlement.Coded(400, "BAD_ENVELOPE", settlement.ErrValidation, "invalid PayWord token encoding: %v", err)
	}
	if !payword.VerifyFromRoot(token, req.K, root) {
		return 0, 0, settlement.Coded(400, "INVALID_PROOF", settlement.ErrInvalidSignature, "invalid PayWord token for k (root mismatch)")
	}

	cumulative := int64(req.K) * ch.UnitValue
	if cumulative > ch.Amount {
		return 0, 0, settlement.Coded(400, "CAPACITY_EXCEEDED", settlement.ErrCapacityExceeded, "invalid owed amount")
	}

	vBal, cBal, err := s.closeChannel(ctx, settleResult{
		channel:              ch,
		cumulativeOwedAmount: cumulative,
		vendorCloseSigB64:    req.VendorSignatureB64,
	})
	return vBal, cBal, err
}

// PayTreeSettleRequest is the vendor-signed close for any PayTree variant:
// the highest-index leaf/siblings proof the vendor collected.
type PayTreeSettleRequest struct {
	ChannelID          string
	VendorPubDERB64    string
	I                  int
	LeafB64            string
	SiblingsB64        []string
	VendorSignatureB64 string
}

type paytreeSettlePayload struct {
	ChannelID   string   `json:"channel_id"`
	I           int      `json:"i"`
	LeafB64     string   `json:"leaf_b64"`
	SiblingsB64 []string `json:"siblings_b64"`
}

func (s *Service) SettlePayTree(ctx context.Context, req PayTreeSettleRequest) (vendorBalance, clientBalance int64, err error) {
	ch, err := s.channels.Get(ctx, req.ChannelID)
	if err != nil {
		return 0, 0, settlement.Coded(404, "CHANNEL_NOT_FOUND", settlement.ErrChannelNotFound, "payment channel not found")
	}
	if ch.IsClosed {
		return 0, 0, settlement.Coded(409, "CHANNEL_CLOSED", settlement.ErrChannelClosed, "payment channel already closed")
	}
	switch ch.Variant {
	case settlement.VariantPayTreePlain, settlement.VariantPayTreeFirstOpt, settlement.VariantPayTreeSecondOpt:
	default:
		return 0, 0, settlement.Coded(409, "MODE_MISMATCH", settlement.ErrModeMismatch, "payment channel is not PayTree-enabled")
	}
	if ch.HashAlg != settlement.HashAlgSHA256 {
		return 0, 0, settlement.Coded(400, "UNSUPPORTED_HASH_ALG", settlement.ErrModeMismatch, "hash_alg must be sha256")
	}
	if req.VendorPubDERB64 != ch.VendorPubDERB64 {
		return 0, 0, settlement.Coded(403, "VENDOR_MISMATCH", settlement.ErrVendorMismatch, "mismatched vendor public key for channel")
	}
	if req.I > ch.MaxI {
		return 0, 0, settlement.Coded(400, "CAPACITY_EXCEEDED", settlement.ErrCapacityExceeded, "i exceeds PayTree max_i for this channel")
	}

	payload := paytreeSettlePayload{ChannelID: req.ChannelID, I: req.I, LeafB64: req.LeafB64, SiblingsB64: req.SiblingsB64}
	canon, err := cryptoenv.CanonicalJSON(payload)
	if err != nil {
		return 0, 0, fmt.Errorf("issuer: canonicalize settlement payload: %w", err)
	}
	vendorPub, err := cryptoenv.ParsePublicKeyDER(ch.VendorPubDERB64)
	if err != nil {
		return 0, 0, fmt.Errorf("issuer: parse vendor public key: %w", err)
	}
	if _, err := cryptoenv.Verify(vendorPub, cryptoenv.Envelope{
		PayloadB64:   base64.StdEncoding.EncodeToString(canon),
		SignatureB64: req.VendorSignatureB64,
	}); err != nil {
		return 0, 0, settlement.Coded(401, "INVALID_SIGNATURE", settlement.ErrInvalidSignature, "invalid vendor signature for PayTree settlement")
	}

	root, err := decodeHash(ch.RootB64)
	if err != nil {
		return 0, 0, settlement.Coded(400, "BAD_ENVELOPE", settlement.ErrValidation, "invalid PayTree root encoding: %v", err)
	}
	leaf, err := decodeHash(req.LeafB64)
	if err != nil {
		return 0, 0, settlement.Coded(400, "BAD_ENVELOPE", settlement.ErrValidation, "invalid PayTree leaf encoding: %v", err)
	}
	siblings := make([][32]byte, len(req.SiblingsB64))
	for i, sb := range req.SiblingsB64 {
		h, err := decodeHash(sb)
		if err != nil {
			return 0, 0, settlement.Coded(400, "BAD_ENVELOPE", settlement.ErrValidation, "invalid PayTree sibling encoding: %v", err)
		}
		siblings[i] = h
	}
	depth := paytree.DepthForCount(ch.MaxI + 1)
	ok, err := paytree.VerifyProof(root, req.I, depth, paytree.Proof{Leaf: leaf, Siblings: siblings})
	if err != nil {
		return 0, 0, settlement.Coded(400, "BAD_ENVELOPE", settlement.ErrValidation, "invalid PayTree proof shape: %v", err)
	}
	if !ok {
		return 0, 0, settlement.Coded(400, "INVALID_PROOF", settlement.ErrInvalidSignature, "invalid PayTree proof (root mismatch)")
	}

	cumulative := int64(req.I) * ch.UnitValue
	if cumulative > ch.Amount {
		return 0, 0, settlement.Coded(400, "CAPACITY_EXCEEDED", settlement.ErrCapacityExceeded, "invalid owed amount")
	}

	vBal, cBal, err := s.closeChannel(ctx, settleResult{
		channel:              ch,
		cumulativeOwedAmount: cumulative,
		vendorCloseSigB64:    req.VendorSignatureB64,
	})
	return vBal, cBal, err
}
