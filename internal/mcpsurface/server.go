package mcpsurface

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/symbolkernel/kernel/internal/kerrors"
	"github.com/symbolkernel/kernel/internal/observability"
	"github.com/symbolkernel/kernel/internal/toolloop"
	"github.com/symbolkernel/kernel/internal/users"
)

// restrictedTools is always hidden from the MCP surface, regardless of
// role: operations with blast radius beyond the registry (secrets,
// agent management, system execution, speech, user-message injection,
// file writes, outbound web access, test listing, transactions).
var restrictedTools = map[string]bool{
	"get_secrets":          true,
	"manage_agents":        true,
	"system_execute":       true,
	"speak":                true,
	"send_user_message":    true,
	"write_file":           true,
	"web_fetch":            true,
	"web_search":           true,
	"web_post":             true,
	"list_tests":           true,
	"symbolic_transaction": true,
}

// adminOnlyTools is hidden unless the caller's role is admin.
var adminOnlyTools = map[string]bool{
	"upsert_symbols": true,
	"delete_symbols": true,
	"create_domain":  true,
}

// PromptSource supplies the MCP prompt served over prompts/get.
type PromptSource interface {
	MCP() string
}

// Server is the SSE + JSON-RPC control surface.
type Server struct {
	sessions  *SessionStore
	users     *users.Service
	factory   toolloop.ExecutorFactory
	prompts   PromptSource
	keepAlive time.Duration
	logger    *slog.Logger
}

// Config tunes the server.
type Config struct {
	KeepAlive time.Duration
}

// NewServer constructs the MCP surface.
func NewServer(sessions *SessionStore, userSvc *users.Service, factory toolloop.ExecutorFactory, prompts PromptSource, cfg Config, logger *slog.Logger) *Server {
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	return &Server{
		sessions:  sessions,
		users:     userSvc,
		factory:   factory,
		prompts:   prompts,
		keepAlive: keepAlive,
		logger:    observability.OrDefault(logger),
	}
}

// HandleSSE serves GET /mcp/sse: authenticates the API key, allocates a
// session, and holds the stream open with keep-alive comments. The first
// event points the client at its session-scoped JSON-RPC endpoint.
func (s *Server) HandleSSE(w http.ResponseWriter, r *http.Request) {
	apiKey := r.Header.Get("x-api-key")
	u, err := s.users.ByAPIKey(r.Context(), apiKey)
	if err != nil {
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	sess, err := s.sessions.Create(r.Context(), u.ID, u.Role)
	if err != nil {
		http.Error(w, `{"error":"session allocation failed"}`, http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := s.sessions.Delete(context.Background(), sess.ID); err != nil {
			s.logger.Warn("mcp: session cleanup failed", "session", sess.ID, "error", err)
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	endpoint := endpointURL(r, sess.ID)
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint)
	flusher.Flush()
	s.logger.Info("mcp: session opened", "session", sess.ID, "user", u.Username)

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("mcp: session closed", "session", sess.ID)
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

// endpointURL builds the absolute JSON-RPC endpoint for this deployment.
func endpointURL(r *http.Request, sessionID string) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/mcp/messages?sessionId=%s", scheme, r.Host, sessionID)
}

// HandleMessages serves POST /mcp/messages?sessionId=…: the JSON-RPC
// endpoint referenced by the SSE endpoint event.
func (s *Server) HandleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	sess, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		http.Error(w, `{"error":"Session not found"}`, http.StatusNotFound)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, errorResponse(nil, kerrors.RPCInvalidRequest, "invalid JSON-RPC payload"))
		return
	}
	if req.JSONRPC != "2.0" {
		writeJSON(w, errorResponse(req.ID, kerrors.RPCInvalidRequest, "jsonrpc must be \"2.0\""))
		return
	}

	resp := s.dispatch(r.Context(), sess, &req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) dispatch(ctx context.Context, sess *Session, req *JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "symbolkernel", "version": "1.0.0"},
			"capabilities": map[string]any{
				"tools":   map[string]any{},
				"prompts": map[string]any{},
			},
		})
	case "notifications/initialized":
		return nil
	case "ping":
		return resultResponse(req.ID, map[string]any{})
	case "prompts/list":
		return resultResponse(req.ID, map[string]any{
			"prompts": []PromptInfo{{Name: "activation", Description: "The kernel's activation prompt for external integrations."}},
		})
	case "prompts/get":
		var params promptGetParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return errorResponse(req.ID, kerrors.RPCInvalidRequest, "invalid prompts/get params")
			}
		}
		return resultResponse(req.ID, map[string]any{
			"messages": []map[string]any{{
				"role":    "user",
				"content": map[string]any{"type": "text", "text": s.prompts.MCP()},
			}},
		})
	case "tools/list":
		return s.toolsList(sess, req)
	case "tools/call":
		return s.toolsCall(ctx, sess, req)
	case "domains/list":
		return s.callTool(ctx, sess, req.ID, "list_domains", nil)
	case "domains/get":
		return s.callTool(ctx, sess, req.ID, "get_domain", req.Params)
	case "symbols/search":
		return s.callTool(ctx, sess, req.ID, "search_symbols", req.Params)
	case "symbols/activate":
		return s.callTool(ctx, sess, req.ID, "activate_symbols", req.Params)
	case "context/build":
		return s.callTool(ctx, sess, req.ID, "build_context", req.Params)
	default:
		return errorResponse(req.ID, kerrors.RPCMethodNotFound, "method not found: "+req.Method)
	}
}

// visible reports whether a tool may be shown to and called by this
// session.
func visible(sess *Session, name string) bool {
	if restrictedTools[name] {
		return false
	}
	if adminOnlyTools[name] && !sess.IsAdmin() {
		return false
	}
	return true
}

func (s *Server) executor(sess *Session) (*toolloop.Executor, error) {
	scope := toolloop.Scope{SessionID: sess.ID, UserID: sess.UserID, IsAdmin: sess.IsAdmin()}
	return s.factory(scope, nil)
}

func (s *Server) toolsList(sess *Session, req *JSONRPCRequest) *JSONRPCResponse {
	exec, err := s.executor(sess)
	if err != nil {
		return errorResponse(req.ID, kerrors.RPCInternalError, err.Error())
	}
	var tools []ToolInfo
	for _, def := range exec.Definitions() {
		if !visible(sess, def.Name) {
			continue
		}
		tools = append(tools, ToolInfo{Name: def.Name, Description: def.Description, InputSchema: def.Schema})
	}
	return resultResponse(req.ID, map[string]any{"tools": tools})
}

func (s *Server) toolsCall(ctx context.Context, sess *Session, req *JSONRPCRequest) *JSONRPCResponse {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, kerrors.RPCInvalidRequest, "invalid tools/call params")
	}
	return s.callTool(ctx, sess, req.ID, params.Name, params.Arguments)
}

// callTool enforces the visibility filters, then runs the tool and
// renders its result in MCP content shape.
func (s *Server) callTool(ctx context.Context, sess *Session, id any, name string, args json.RawMessage) *JSONRPCResponse {
	if restrictedTools[name] {
		return errorResponse(id, kerrors.RPCInternalError, fmt.Sprintf("tool %q is not available on this surface", name))
	}
	if adminOnlyTools[name] && !sess.IsAdmin() {
		return errorResponse(id, kerrors.RPCInternalError, fmt.Sprintf("tool %q requires admin privileges", name))
	}
	exec, err := s.executor(sess)
	if err != nil {
		return errorResponse(id, kerrors.RPCInternalError, err.Error())
	}
	if _, ok := exec.Lookup(name); !ok {
		return errorResponse(id, kerrors.RPCMethodNotFound, "unknown tool: "+name)
	}
	content, isErr := exec.Execute(ctx, name, args)
	return resultResponse(id, map[string]any{
		"content": []map[string]any{{"type": "text", "text": content}},
		"isError": isErr,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("mcp: response encode failed", "error", err)
	}
}
