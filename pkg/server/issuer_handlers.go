// Copyright 2025 Certen Protocol
//
// Issuer HTTP API: manual path parsing off a single *http.ServeMux, JSON
// in/out via encoding/json, errors via the shared writeError idiom.

package server

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/certen/settlement/pkg/cryptoenv"
	"github.com/certen/settlement/pkg/issuer"
	"github.com/certen/settlement/pkg/settlement"
)

// IssuerHandlers serves the Issuer's HTTP surface.
type IssuerHandlers struct {
	svc    *issuer.Service
	logger *log.Logger
}

func NewIssuerHandlers(svc *issuer.Service, logger *log.Logger) *IssuerHandlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[IssuerAPI] ", log.LstdFlags)
	}
	return &IssuerHandlers{svc: svc, logger: logger}
}

// RegisterRoutes wires every Issuer endpoint onto mux.
func (h *IssuerHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/issuer/accounts", h.handleRegisterAccount)
	mux.HandleFunc("/issuer/keys/public", h.handlePublicKey)
	mux.HandleFunc("/issuer/channels", h.handleChannelsRoot)
	mux.HandleFunc("/issuer/channels/payword", h.openHandler(settlement.VariantPayWord))
	mux.HandleFunc("/issuer/channels/paytree", h.openHandler(settlement.VariantPayTreePlain))
	mux.HandleFunc("/issuer/channels/paytree_first_opt", h.openHandler(settlement.VariantPayTreeFirstOpt))
	mux.HandleFunc("/issuer/channels/paytree_second_opt", h.openHandler(settlement.VariantPayTreeSecondOpt))
	mux.HandleFunc("/issuer/channels/", h.handleChannelByID)
}

type registerAccountRequest struct {
	PublicKeyDERB64 string `json:"public_key_der_b64"`
}

func (h *IssuerHandlers) handleRegisterAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only POST is allowed")
		return
	}
	var req registerAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}
	acc, err := h.svc.RegisterAccount(r.Context(), req.PublicKeyDERB64)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, acc)
}

func (h *IssuerHandlers) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET is allowed")
		return
	}
	pubDERB64, err := cryptoenv.MarshalPublicKeyDER(&h.svc.IssuerKey().PublicKey)
	if err != nil {
		h.logger.Printf("marshal issuer public key: %v", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to marshal public key")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"public_key_der_b64": pubDERB64})
}

// handleChannelsRoot dispatches /issuer/channels itself: POST opens a
// signature-variant channel, GET pages through the channel indices
// (?status=all|open|closed&start=N&stop=M, newest-first).
func (h *IssuerHandlers) handleChannelsRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.openHandler(settlement.VariantSignature)(w, r)
	case http.MethodGet:
		q := r.URL.Query()
		start := queryInt(q.Get("start"), 0)
		stop := queryInt(q.Get("stop"), -1)
		channels, err := h.svc.ListChannels(r.Context(), q.Get("status"), start, stop)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"channels": channels})
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET and POST are allowed")
	}
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// openChannelRequest covers the fields needed by any of the five open
// variants; commitment-only fields are simply absent for the signature
// variant.
type openChannelRequest struct {
	ClientPubDERB64 string             `json:"client_public_key_der_b64"`
	VendorPubDERB64 string             `json:"vendor_public_key_der_b64"`
	Amount          int64              `json:"amount"`
	Envelope        cryptoenv.Envelope `json:"envelope"`
	RootB64         string             `json:"root_b64,omitempty"`
	UnitValue       int64              `json:"unit_value,omitempty"`
	MaxK            int                `json:"max_k,omitempty"`
	MaxI            int                `json:"max_i,omitempty"`
	HashAlg         string             `json:"hash_alg,omitempty"`
}

func (h *IssuerHandlers) openHandler(variant settlement.Variant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only POST is allowed")
			return
		}
		var req openChannelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
			return
		}
		ch, err := h.svc.OpenChannel(r.Context(), issuer.OpenRequest{
			ClientPubDERB64: req.ClientPubDERB64,
			VendorPubDERB64: req.VendorPubDERB64,
			Amount:          req.Amount,
			OpenEnvelope:    req.Envelope,
			Variant:         variant,
			RootB64:         req.RootB64,
			UnitValue:       req.UnitValue,
			MaxK:            req.MaxK,
			MaxI:            req.MaxI,
			HashAlg:         req.HashAlg,
		})
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		h.writeJSON(w, http.StatusCreated, ch)
	}
}

// handleChannelByID dispatches GET /issuer/channels/{channel_id} and
// POST /issuer/channels/{channel_id}/settlements.
func (h *IssuerHandlers) handleChannelByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/issuer/channels/")
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		h.writeError(w, http.StatusNotFound, "NOT_FOUND", "channel id is required")
		return
	}

	if strings.HasSuffix(path, "/settlements") {
		channelID := strings.TrimSuffix(path, "/settlements")
		h.handleSettle(w, r, channelID)
		return
	}

	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET is allowed")
		return
	}
	ch, err := h.svc.GetChannel(r.Context(), path)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ch)
}

// settlementRequest is a superset of the three variant-specific settle
// payloads; the handler decides which fields matter once it knows the
// channel's variant.
type settlementRequest struct {
	VendorPubDERB64      string              `json:"vendor_public_key_der_b64"`
	VendorSignatureB64   string              `json:"vendor_signature_b64"`
	CumulativeOwedAmount int64               `json:"cumulative_owed_amount,omitempty"`
	ClientEnvelope       *cryptoenv.Envelope `json:"client_envelope,omitempty"`
	K                    int                 `json:"k,omitempty"`
	TokenB64             string              `json:"token_b64,omitempty"`
	I                    int                 `json:"i,omitempty"`
	LeafB64              string              `json:"leaf_b64,omitempty"`
	SiblingsB64          []string            `json:"siblings_b64,omitempty"`
}

func (h *IssuerHandlers) handleSettle(w http.ResponseWriter, r *http.Request, channelID string) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only POST is allowed")
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "failed to read request body")
		return
	}
	var req settlementRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}

	ch, err := h.svc.GetChannel(r.Context(), channelID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	var (
		vendorBalance, clientBalance int64
		settleErr                   error
	)
	switch ch.Variant {
	case settlement.VariantSignature:
		if req.ClientEnvelope == nil {
			h.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "client_envelope is required for a signature-variant settlement")
			return
		}
		vendorBalance, clientBalance, settleErr = h.svc.SettleSignature(r.Context(), issuer.SignatureSettleRequest{
			ChannelID:            channelID,
			VendorPubDERB64:      req.VendorPubDERB64,
			CumulativeOwedAmount: req.CumulativeOwedAmount,
			ClientEnvelope:       *req.ClientEnvelope,
			VendorSignatureB64:   req.VendorSignatureB64,
		})
	case settlement.VariantPayWord:
		vendorBalance, clientBalance, settleErr = h.svc.SettlePayWord(r.Context(), issuer.PayWordSettleRequest{
			ChannelID:          channelID,
			VendorPubDERB64:    req.VendorPubDERB64,
			K:                  req.K,
			TokenB64:           req.TokenB64,
			VendorSignatureB64: req.VendorSignatureB64,
		})
	case settlement.VariantPayTreePlain, settlement.VariantPayTreeFirstOpt, settlement.VariantPayTreeSecondOpt:
		vendorBalance, clientBalance, settleErr = h.svc.SettlePayTree(r.Context(), issuer.PayTreeSettleRequest{
			ChannelID:          channelID,
			VendorPubDERB64:    req.VendorPubDERB64,
			I:                  req.I,
			LeafB64:            req.LeafB64,
			SiblingsB64:        req.SiblingsB64,
			VendorSignatureB64: req.VendorSignatureB64,
		})
	default:
		h.writeError(w, http.StatusConflict, "MODE_MISMATCH", "unrecognized channel variant")
		return
	}
	if settleErr != nil {
		h.writeServiceError(w, settleErr)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{
		"vendor_balance": vendorBalance,
		"client_balance": clientBalance,
	})
}

func (h *IssuerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Printf("error encoding response: %v", err)
	}
}

func (h *IssuerHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func (h *IssuerHandlers) writeServiceError(w http.ResponseWriter, err error) {
	status, code := statusForError(err)
	if status >= 500 {
		h.logger.Printf("internal error: %v", err)
	}
	h.writeError(w, status, code, err.Error())
}
