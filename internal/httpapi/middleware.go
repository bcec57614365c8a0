package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/symbolkernel/kernel/internal/authctx"
)

// resolveAuth turns the request's credential headers into an
// AuthContext. Precedence: internal service key, session token (bearer
// or x-auth-token), per-user API key.
func (s *Server) resolveAuth(r *http.Request) (authctx.AuthContext, bool) {
	if s.internalKey != "" {
		if key := r.Header.Get("x-internal-key"); key != "" {
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.internalKey)) == 1 {
				return authctx.System(), true
			}
			return authctx.AuthContext{}, false
		}
	}

	token := r.Header.Get("x-auth-token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token != "" {
		auth, err := s.jwt.Validate(token)
		if err != nil {
			return authctx.AuthContext{}, false
		}
		// Role and enabled state come from the live record, not the
		// token, so disabling a user takes effect immediately.
		u, err := s.users.Get(r.Context(), auth.UserID)
		if err != nil || !u.Enabled {
			return authctx.AuthContext{}, false
		}
		return u.AuthContext(), true
	}

	if apiKey := r.Header.Get("x-api-key"); apiKey != "" {
		u, err := s.users.ByAPIKey(r.Context(), apiKey)
		if err != nil {
			return authctx.AuthContext{}, false
		}
		return u.AuthContext(), true
	}

	return authctx.AuthContext{}, false
}

// authed wraps a handler with credential resolution; unauthenticated
// requests get a uniform 401.
func (s *Server) authed(next func(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth, ok := s.resolveAuth(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next(w, r, auth)
	}
}

// adminOnly additionally requires the admin role, answering 403 (these
// endpoints are explicitly admin-gated, so existence is not a secret).
func (s *Server) adminOnly(next func(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext)) http.HandlerFunc {
	return s.authed(func(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
		if !auth.IsAdmin() {
			forbidden(w)
			return
		}
		next(w, r, auth)
	})
}
