package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/symbolkernel/kernel/internal/authctx"
	"github.com/symbolkernel/kernel/internal/scheduler"
)

func (s *Server) handleAgentsList(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	agents, err := s.agents.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

type agentRequest struct {
	ID       string `json:"id"`
	Prompt   string `json:"prompt"`
	Schedule string `json:"schedule"`
	Enabled  bool   `json:"enabled"`
}

func (s *Server) upsertAgent(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext, id string) {
	var req agentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if id != "" {
		req.ID = id
	}
	agent := &scheduler.Agent{
		ID:          req.ID,
		Prompt:      req.Prompt,
		Schedule:    req.Schedule,
		Enabled:     req.Enabled,
		OwnerUserID: "",
	}
	if err := s.agents.Upsert(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAgentsUpsert(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	s.upsertAgent(w, r, auth, "")
}

func (s *Server) handleAgentsPut(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	s.upsertAgent(w, r, auth, r.PathValue("id"))
}

func (s *Server) handleAgentsGet(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	agent, err := s.agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAgentsDelete(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	id := r.PathValue("id")
	if err := s.agents.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// handleAgentTrigger runs an agent outside its schedule. The execution
// happens in the background under the scheduler's single-flight guard.
func (s *Server) handleAgentTrigger(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	id := r.PathValue("id")
	if _, err := s.agents.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.sched.TriggerNow(r.Context(), id)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "triggered", "agentId": id})
}

func (s *Server) handleAgentLogs(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	q := r.URL.Query()
	limit := 50
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(w, "limit must be an integer")
			return
		}
		limit = parsed
	}
	includeTraces := strings.EqualFold(q.Get("includeTraces"), "true")
	logs, err := s.agentRunner.GetExecutionLogs(r.Context(), q.Get("agentId"), limit, includeTraces)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
