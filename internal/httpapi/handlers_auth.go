package httpapi

import (
	"net/http"

	"github.com/symbolkernel/kernel/internal/authctx"
)

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	initialized, err := s.users.Initialized(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	authenticated := false
	if _, ok := s.resolveAuth(r); ok {
		authenticated = true
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"initialized":   initialized,
		"authenticated": authenticated,
	})
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleAuthSetup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	u, err := s.users.Setup(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := s.jwt.Generate(u)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": u.Public(), "token": token})
}

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	u, err := s.users.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := s.jwt.Generate(u)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": u.Public(), "token": token})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	var req struct {
		OldPassword string `json:"oldPassword"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.users.ChangePassword(r.Context(), auth.UserID, req.OldPassword, req.NewPassword); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
