// Copyright 2025 Certen Protocol

package server

import (
	"errors"
	"net/http"

	"github.com/certen/settlement/pkg/settlement"
)

// statusForError maps a settlement error to the HTTP status and machine code
// the API surface reports for it, shared by both the Issuer and Vendor
// handlers. A *settlement.CodedError carries its own status/code; anything
// else is matched against the sentinel set, falling back to 500.
func statusForError(err error) (status int, code string) {
	var coded *settlement.CodedError
	if errors.As(err, &coded) {
		return coded.Status, coded.Code
	}

	switch {
	case errors.Is(err, settlement.ErrChannelNotFound), errors.Is(err, settlement.ErrAccountNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, settlement.ErrChannelAlreadyOpen), errors.Is(err, settlement.ErrChannelClosed),
		errors.Is(err, settlement.ErrReplay), errors.Is(err, settlement.ErrNonMonotonic):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, settlement.ErrInvalidSignature):
		return http.StatusUnauthorized, "INVALID_SIGNATURE"
	case errors.Is(err, settlement.ErrVendorMismatch):
		return http.StatusForbidden, "VENDOR_MISMATCH"
	case errors.Is(err, settlement.ErrModeMismatch), errors.Is(err, settlement.ErrCapacityExceeded),
		errors.Is(err, settlement.ErrInsufficientBalance), errors.Is(err, settlement.ErrValidation):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, settlement.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "UPSTREAM_UNAVAILABLE"
	case errors.Is(err, settlement.ErrInvariantViolation):
		return http.StatusInternalServerError, "INVARIANT_VIOLATION"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}
