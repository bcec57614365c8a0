package httpapi

import (
	"net/http"

	"github.com/symbolkernel/kernel/internal/authctx"
	"github.com/symbolkernel/kernel/internal/users"
)

func (s *Server) handleUserMe(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	u, err := s.users.Get(r.Context(), auth.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u.Public())
}

func (s *Server) handleUsersList(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	list, err := s.users.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]users.Public, 0, len(list))
	for _, u := range list {
		out = append(out, u.Public())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUsersCreate(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	role := authctx.Role(req.Role)
	if role == "" {
		role = authctx.RoleUser
	}
	u, err := s.users.Create(r.Context(), req.Username, req.Password, role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u.Public())
}

func (s *Server) handleUsersGet(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	u, err := s.users.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u.Public())
}

func (s *Server) handleUsersUpdate(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	var req struct {
		Role    *string `json:"role"`
		Enabled *bool   `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	update := users.Update{Enabled: req.Enabled}
	if req.Role != nil {
		role := authctx.Role(*req.Role)
		update.Role = &role
	}
	u, err := s.users.Update(r.Context(), r.PathValue("id"), update)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u.Public())
}

func (s *Server) handleUsersDelete(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	id := r.PathValue("id")
	if id == auth.UserID {
		badRequest(w, "cannot delete the authenticated account")
		return
	}
	if err := s.users.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleUsersRotateKey(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	key, err := s.users.RotateAPIKey(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"apiKey": key})
}
