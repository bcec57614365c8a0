package httpapi

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/symbolkernel/kernel/internal/authctx"
	"github.com/symbolkernel/kernel/internal/toolloop"
)

// handleChat accepts one chat turn: it takes the session's
// active-message lock and hands off to the inference loop in the
// background, answering 202 immediately. A busy session answers 409.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	var req struct {
		Message          string `json:"message"`
		ContextSessionID string `json:"contextSessionId"`
		MessageID        string `json:"messageId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Message == "" {
		badRequest(w, "message is required")
		return
	}
	if req.ContextSessionID == "" {
		badRequest(w, "contextSessionId is required")
		return
	}
	if _, err := s.sessions.GetSession(r.Context(), req.ContextSessionID, auth.UserID, auth.IsAdmin()); err != nil {
		writeError(w, err)
		return
	}
	messageID := req.MessageID
	if messageID == "" {
		messageID = uuid.New().String()
	}

	if err := s.sessions.SetActiveMessage(r.Context(), req.ContextSessionID, messageID); err != nil {
		writeError(w, err)
		return
	}
	executor, err := s.executorFor(req.ContextSessionID, auth)
	if err != nil {
		_ = s.sessions.ClearActiveMessage(r.Context(), req.ContextSessionID)
		writeError(w, err)
		return
	}

	s.processor.ProcessMessageAsync(req.ContextSessionID, req.Message, executor, s.prompts.System(), toolloop.ProcessOptions{
		MessageID:      messageID,
		RecordUserTurn: true,
	})

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":           "processing",
		"contextSessionId": req.ContextSessionID,
		"messageId":        messageID,
	})
}

// handleChatStop requests cooperative cancellation of the in-flight turn.
func (s *Server) handleChatStop(w http.ResponseWriter, r *http.Request, auth authctx.AuthContext) {
	var req struct {
		ContextSessionID string `json:"contextSessionId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ContextSessionID == "" {
		badRequest(w, "contextSessionId is required")
		return
	}
	if err := s.sessions.RequestCancellation(r.Context(), req.ContextSessionID, auth.UserID, auth.IsAdmin()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancellation requested"})
}
