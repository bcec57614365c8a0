// Package httpapi binds the kernel's services to the JSON HTTP surface:
// route wiring, auth header resolution, error mapping, and the project
// export/import archive format.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/symbolkernel/kernel/internal/kerrors"
	"github.com/symbolkernel/kernel/internal/users"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("httpapi: response encode failed", "error", err)
	}
}

// writeError maps the kernel error taxonomy to HTTP statuses. Forbidden
// maps to 404 except on explicit admin-only endpoints, so resource
// existence never leaks through authorization.
func writeError(w http.ResponseWriter, err error) {
	var validationErr *kerrors.ValidationError
	var readOnlyErr *kerrors.ReadOnlyDomainError
	var busyErr *kerrors.BusyError
	var conflictErr *kerrors.ConflictError

	switch {
	case errors.As(err, &readOnlyErr):
		body := map[string]any{"error": readOnlyErr.Error(), "domainId": readOnlyErr.DomainID}
		if readOnlyErr.SymbolID != "" {
			body["symbolId"] = readOnlyErr.SymbolID
		}
		writeJSON(w, http.StatusBadRequest, body)
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": validationErr.Error(), "field": validationErr.FieldPath})
	case errors.As(err, &busyErr):
		writeJSON(w, http.StatusConflict, map[string]any{"status": "context busy", "error": busyErr.Error()})
	case errors.As(err, &conflictErr):
		writeJSON(w, http.StatusConflict, map[string]any{"error": conflictErr.Error()})
	case errors.Is(err, users.ErrInvalidCredentials), errors.Is(err, kerrors.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
	case errors.Is(err, users.ErrAlreadyInitialized):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "already initialized"})
	case errors.Is(err, kerrors.ErrForbidden):
		// Leaking existence is worse than a blunt 404 on mixed-audience
		// endpoints; the explicitly admin-gated routes use forbidden().
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	case errors.Is(err, kerrors.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	case errors.Is(err, kerrors.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	case errors.Is(err, kerrors.ErrBusy):
		writeJSON(w, http.StatusConflict, map[string]any{"status": "context busy"})
	case errors.Is(err, kerrors.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case errors.Is(err, kerrors.ErrUnavailable):
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "dependency unavailable", "reason": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func forbidden(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, map[string]any{"error": "admin privileges required"})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": msg})
}

// decodeBody parses a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return kerrors.NewValidationError("body", "invalid JSON body")
	}
	return nil
}
