package httpapi

import (
	"net/http"
	"time"

	"github.com/symbolkernel/kernel/internal/authctx"
)

func (s *Server) handleTracesList(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(w, "since must be RFC 3339")
			return
		}
		since = parsed
	}
	traces, err := s.traces.List(r.Context(), since, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, traces)
}

func (s *Server) handleTracesGet(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	tr, err := s.traces.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleSystemPromptGet(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	writeJSON(w, http.StatusOK, map[string]any{"prompt": s.prompts.System()})
}

func (s *Server) handleSystemPromptSet(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.prompts.SetSystem(r.Context(), req.Prompt); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleMCPPromptGet(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	writeJSON(w, http.StatusOK, map[string]any{"prompt": s.prompts.MCP()})
}

func (s *Server) handleMCPPromptSet(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.prompts.SetMCP(r.Context(), req.Prompt); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
