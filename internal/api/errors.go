package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/reyestr-project/dispatch/internal/registry"
)

// errorEnvelope is the uniform error body: a machine-readable kind, a
// human-readable message and optional details.
type errorEnvelope struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error kinds surfaced in the envelope.
const (
	kindBadRequest       = "BadRequest"
	kindUnauthorized     = "Unauthorized"
	kindForbidden        = "Forbidden"
	kindNotFound         = "NotFound"
	kindConflict         = "Conflict"
	kindTimeout          = "Timeout"
	kindStoreUnavailable = "StoreUnavailable"
	kindTooManyRequests  = "TooManyRequests"
	kindInternal         = "Internal"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeErrorKind(w http.ResponseWriter, status int, kind, msg string, details map[string]any) {
	writeJSON(w, status, errorEnvelope{Kind: kind, Message: msg, Details: details})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeErrorKind(w, http.StatusBadRequest, kindBadRequest, msg, nil)
}

// writeError maps an error from the service layer onto the envelope.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrBadInput):
		writeErrorKind(w, http.StatusBadRequest, kindBadRequest, err.Error(), nil)
	case errors.Is(err, registry.ErrUnauthorized):
		writeErrorKind(w, http.StatusUnauthorized, kindUnauthorized, "missing or invalid credential", nil)
	case errors.Is(err, registry.ErrForbidden):
		writeErrorKind(w, http.StatusForbidden, kindForbidden, "not permitted", nil)
	case errors.Is(err, registry.ErrNotFound):
		writeErrorKind(w, http.StatusNotFound, kindNotFound, err.Error(), nil)
	case errors.Is(err, registry.ErrTaskNotHeld),
		errors.Is(err, registry.ErrInvalidProgress),
		errors.Is(err, registry.ErrConflict):
		writeErrorKind(w, http.StatusConflict, kindConflict, err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		writeErrorKind(w, http.StatusRequestTimeout, kindTimeout, "deadline exceeded", nil)
	case errors.Is(err, registry.ErrStoreUnavailable):
		writeErrorKind(w, http.StatusServiceUnavailable, kindStoreUnavailable, "store unavailable", nil)
	default:
		writeErrorKind(w, http.StatusInternalServerError, kindInternal, "internal error", nil)
	}
}
