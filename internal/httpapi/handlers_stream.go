package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/symbolkernel/kernel/internal/authctx"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is same-origin or key-authenticated; the credential check
	// below is the real gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleTraceStream upgrades to a websocket and pushes traces as they
// are recorded, so integrations can watch reasoning chains live instead
// of polling GET /api/traces.
func (s *Server) handleTraceStream(w http.ResponseWriter, r *http.Request, _ authctx.AuthContext) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close handshakes are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	since := time.Now()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			traces, err := s.traces.List(r.Context(), since, 0)
			if err != nil {
				s.logger.Warn("httpapi: trace stream read failed", "error", err)
				return
			}
			for _, tr := range traces {
				if err := conn.WriteJSON(tr); err != nil {
					return
				}
				if !tr.CreatedAt.Before(since) {
					since = tr.CreatedAt.Add(time.Nanosecond)
				}
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
