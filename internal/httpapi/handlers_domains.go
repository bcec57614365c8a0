package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/symbolkernel/kernel/internal/authctx"
	"github.com/symbolkernel/kernel/internal/kerrors"
	"github.com/symbolkernel/kernel/internal/registry"
)

func (s *Server) handleDomainsList(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	domains, err := s.registry.ListDomains(r.Context(), auth.UserID, auth.IsAdmin())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domains)
}

func (s *Server) handleDomainsMetadata(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	metadata, err := s.registry.GetMetadata(r.Context(), auth.UserID, auth.IsAdmin())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metadata)
}

func (s *Server) handleDomainsCreate(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	var req struct {
		ID          string   `json:"id"`
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Invariants  []string `json:"invariants"`
		ReadOnly    bool     `json:"readOnly"`
		Global      bool     `json:"global"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	owner := auth.UserID
	if req.Global {
		if !auth.IsAdmin() {
			forbidden(w)
			return
		}
		owner = ""
	}
	d := &registry.Domain{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Invariants:  req.Invariants,
		ReadOnly:    req.ReadOnly,
		Enabled:     true,
		OwnerUserID: owner,
	}
	if err := s.registry.CreateDomain(r.Context(), d); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleDomainExists(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	_, err := s.registry.Get(r.Context(), r.PathValue("id"), auth.UserID, auth.IsAdmin())
	exists := err == nil
	if err != nil && !errors.Is(err, kerrors.ErrNotFound) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exists": exists})
}

func (s *Server) handleDomainEnabled(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	d, err := s.registry.Get(r.Context(), r.PathValue("id"), auth.UserID, auth.IsAdmin())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": d.Enabled})
}

func (s *Server) handleDomainToggle(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.registry.ToggleDomain(r.Context(), id, req.Enabled, auth.UserID, auth.IsAdmin()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": req.Enabled})
}

func (s *Server) handleDomainUpdate(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	var req struct {
		Name        *string  `json:"name"`
		Description *string  `json:"description"`
		Invariants  []string `json:"invariants"`
		ReadOnly    *bool    `json:"readOnly"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.registry.UpdateDomainMetadata(r.Context(), r.PathValue("id"), registry.DomainMetadataUpdate{
		Name:        req.Name,
		Description: req.Description,
		Invariants:  req.Invariants,
		ReadOnly:    req.ReadOnly,
	}, auth.UserID, auth.IsAdmin())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDomainDelete(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	id := r.PathValue("id")
	if err := s.registry.DeleteDomain(r.Context(), id, auth.UserID, auth.IsAdmin()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleDomainSymbols(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	symbols, err := s.registry.GetSymbols(r.Context(), r.PathValue("id"), auth.UserID, auth.IsAdmin())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, symbols)
}

func (s *Server) handleDomainQuery(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(w, "limit must be an integer")
			return
		}
		limit = parsed
	}
	result, err := s.registry.Query(r.Context(), r.PathValue("id"), auth.UserID, auth.IsAdmin(), q.Get("tag"), limit, q.Get("lastId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
