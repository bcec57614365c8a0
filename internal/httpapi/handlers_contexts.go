package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/symbolkernel/kernel/internal/authctx"
	"github.com/symbolkernel/kernel/internal/session"
	"github.com/symbolkernel/kernel/internal/toolloop"
)

func (s *Server) handleContextsList(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	list, err := s.sessions.ListSessions(r.Context(), auth.UserID, auth.IsAdmin())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleContextsCreate(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	var req struct {
		Type     string            `json:"type"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Type == "" {
		req.Type = session.TypeConversation
	}
	sess, err := s.sessions.CreateSession(r.Context(), req.Type, req.Metadata, auth.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleContextArchive(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	id := r.PathValue("id")
	if err := s.sessions.CloseSession(r.Context(), id, auth.UserID, auth.IsAdmin()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "closed"})
}

func (s *Server) handleContextHistory(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	id := r.PathValue("id")
	if _, err := s.sessions.GetSession(r.Context(), id, auth.UserID, auth.IsAdmin()); err != nil {
		writeError(w, err)
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(w, "since must be RFC 3339")
			return
		}
		since = parsed
	}
	groups, err := s.sessions.GetHistoryGrouped(r.Context(), id, since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

// handleContextTrigger enqueues a message; when the session is idle the
// queue drains immediately on a background turn.
func (s *Server) handleContextTrigger(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	id := r.PathValue("id")
	if _, err := s.sessions.GetSession(r.Context(), id, auth.UserID, auth.IsAdmin()); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Message  string `json:"message"`
		SourceID string `json:"sourceId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Message == "" {
		badRequest(w, "message is required")
		return
	}
	if err := s.sessions.EnqueueMessage(r.Context(), id, req.Message, req.SourceID); err != nil {
		writeError(w, err)
		return
	}

	busy, err := s.sessions.HasActiveMessage(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !busy {
		s.startQueuedTurn(id, auth)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "contextSessionId": id})
}

// startQueuedTurn pops and processes the next queued message on a
// background goroutine, if the lock can be taken.
func (s *Server) startQueuedTurn(sessionID string, auth authctx.AuthContext) {
	go func() {
		ctx := context.Background()
		queued, err := s.sessions.PopNextMessage(ctx, sessionID)
		if err != nil || queued == nil {
			return
		}
		messageID := fmt.Sprintf("queued-%d", time.Now().UnixMilli())
		if err := s.sessions.SetActiveMessage(ctx, sessionID, messageID); err != nil {
			// Lost the race: the current holder drains the queue instead.
			return
		}
		executor, err := s.executorFor(sessionID, auth)
		if err != nil {
			_ = s.sessions.ClearActiveMessage(ctx, sessionID)
			s.logger.Error("httpapi: executor construction failed", "session", sessionID, "error", err)
			return
		}
		if err := s.processor.ProcessMessage(ctx, sessionID, queued.Message, executor, s.prompts.System(), toolloop.ProcessOptions{
			MessageID:      messageID,
			RecordUserTurn: true,
		}); err != nil {
			s.logger.Error("httpapi: queued turn failed", "session", sessionID, "error", err)
		}
	}()
}

func (s *Server) executorFor(sessionID string, auth authctx.AuthContext) (*toolloop.Executor, error) {
	scope := toolloop.Scope{SessionID: sessionID, UserID: auth.UserID, IsAdmin: auth.IsAdmin()}
	guard := func(ctx context.Context) (bool, error) { return s.sessions.WriteAllowed(ctx, sessionID) }
	return s.factory(scope, guard)
}
