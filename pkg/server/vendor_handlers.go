// Copyright 2025 Certen Protocol
//
// Vendor HTTP API: payment submission per commitment mode, and settlement
// closure requests. Same manual-path-parsing, writeJSON/writeError idiom as
// pkg/server/issuer_handlers.go.

package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/certen/settlement/pkg/cryptoenv"
	"github.com/certen/settlement/pkg/vendor"
)

// VendorHandlers serves a Vendor's HTTP surface.
type VendorHandlers struct {
	svc    *vendor.Service
	logger *log.Logger
}

func NewVendorHandlers(svc *vendor.Service, logger *log.Logger) *VendorHandlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[VendorAPI] ", log.LstdFlags)
	}
	return &VendorHandlers{svc: svc, logger: logger}
}

// RegisterRoutes wires every Vendor endpoint onto mux.
func (h *VendorHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/vendor/channels/", h.handleChannels)
}

// handleChannels dispatches both:
//   POST /vendor/channels/{mode}/{channel_id}/payments
//   POST /vendor/channels/{mode}/{channel_id}/closure-requests
func (h *VendorHandlers) handleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only POST is allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/vendor/channels/")
	path = strings.TrimSuffix(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) != 3 {
		h.writeError(w, http.StatusNotFound, "NOT_FOUND", "expected /vendor/channels/{mode}/{channel_id}/{action}")
		return
	}
	mode, channelID, action := parts[0], parts[1], parts[2]

	switch action {
	case "payments":
		h.handlePayment(w, r, mode, channelID)
	case "closure-requests":
		h.handleClosureRequest(w, r, channelID)
	default:
		h.writeError(w, http.StatusNotFound, "NOT_FOUND", "unrecognized action: "+action)
	}
}

func (h *VendorHandlers) handlePayment(w http.ResponseWriter, r *http.Request, mode, channelID string) {
	var env cryptoenv.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		h.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}

	var (
		resp interface{}
		err  error
	)
	switch mode {
	case "signature":
		resp, err = h.svc.ReceiveSignaturePayment(r.Context(), channelID, env)
	case "payword":
		resp, err = h.svc.ReceivePayWordPayment(r.Context(), channelID, env)
	case "paytree", "paytree_first_opt", "paytree_second_opt":
		resp, err = h.svc.ReceivePayTreePayment(r.Context(), channelID, env)
	default:
		h.writeError(w, http.StatusNotFound, "NOT_FOUND", "unrecognized payment mode")
		return
	}
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *VendorHandlers) handleClosureRequest(w http.ResponseWriter, r *http.Request, channelID string) {
	if err := h.svc.SettleChannel(r.Context(), channelID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"channel_id": channelID, "status": "closed"})
}

func (h *VendorHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Printf("error encoding response: %v", err)
	}
}

func (h *VendorHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func (h *VendorHandlers) writeServiceError(w http.ResponseWriter, err error) {
	status, code := statusForError(err)
	if status >= 500 {
		h.logger.Printf("internal error: %v", err)
	}
	h.writeError(w, status, code, err.Error())
}
