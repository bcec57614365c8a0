package mcpsurface

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/symbolkernel/kernel/internal/authctx"
	"github.com/symbolkernel/kernel/internal/kerrors"
	"github.com/symbolkernel/kernel/internal/store"
	"github.com/symbolkernel/kernel/internal/toolloop"
	"github.com/symbolkernel/kernel/internal/users"
)

type fixedPrompts struct{}

func (fixedPrompts) MCP() string { return "mcp prompt text" }

func testTools() []*toolloop.Tool {
	simple := func(name string, adminOnly bool) *toolloop.Tool {
		return &toolloop.Tool{
			Name:      name,
			Schema:    toolloop.SchemaFor(&struct{}{}),
			AdminOnly: adminOnly,
			Handler: func(ctx context.Context, scope toolloop.Scope, args json.RawMessage) (any, error) {
				return map[string]string{"tool": name}, nil
			},
		}
	}
	return []*toolloop.Tool{
		simple("list_domains", false),
		simple("upsert_symbols", true),
		simple("manage_agents", true),
		simple("search_symbols", false),
	}
}

func newTestServer(t *testing.T) (*Server, *SessionStore, *users.Service, store.KV) {
	t.Helper()
	kv, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	userSvc := users.NewService(kv)
	sessions := NewSessionStore(kv, time.Hour)
	factory := func(scope toolloop.Scope, guard toolloop.WriteGuard) (*toolloop.Executor, error) {
		return toolloop.NewExecutor(testTools(), scope, guard, nil, nil)
	}
	server := NewServer(sessions, userSvc, factory, fixedPrompts{}, Config{KeepAlive: 50 * time.Millisecond}, nil)
	return server, sessions, userSvc, kv
}

func rpc(t *testing.T, server *Server, sessionID, method string, params any) *JSONRPCResponse {
	t.Helper()
	req := JSONRPCRequest{JSONRPC: "2.0", ID: 1, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(t, err)
		req.Params = data
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq := httptest.NewRequest(http.MethodPost, "/mcp/messages?sessionId="+sessionID, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.HandleMessages(rec, httpReq)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp JSONRPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return &resp
}

func TestHandleMessages_UnknownSession(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	body := bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	req := httptest.NewRequest(http.MethodPost, "/mcp/messages?sessionId=nope", body)
	rec := httptest.NewRecorder()
	server.HandleMessages(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "Session not found")
}

func TestHandleMessages_CoreMethods(t *testing.T) {
	server, sessions, _, _ := newTestServer(t)
	sess, err := sessions.Create(context.Background(), "u1", authctx.RoleUser)
	require.NoError(t, err)

	t.Run("initialize", func(t *testing.T) {
		resp := rpc(t, server, sess.ID, "initialize", nil)
		require.Nil(t, resp.Error)
		result := resp.Result.(map[string]any)
		require.Equal(t, "2024-11-05", result["protocolVersion"])
	})

	t.Run("ping", func(t *testing.T) {
		resp := rpc(t, server, sess.ID, "ping", nil)
		require.Nil(t, resp.Error)
	})

	t.Run("prompts", func(t *testing.T) {
		resp := rpc(t, server, sess.ID, "prompts/get", promptGetParams{Name: "activation"})
		require.Nil(t, resp.Error)
		raw, err := json.Marshal(resp.Result)
		require.NoError(t, err)
		require.Contains(t, string(raw), "mcp prompt text")
	})

	t.Run("method not found", func(t *testing.T) {
		resp := rpc(t, server, sess.ID, "resources/list", nil)
		require.NotNil(t, resp.Error)
		require.Equal(t, kerrors.RPCMethodNotFound, resp.Error.Code)
	})

	t.Run("notification gets no body", func(t *testing.T) {
		body := bytes.NewReader([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
		req := httptest.NewRequest(http.MethodPost, "/mcp/messages?sessionId="+sess.ID, body)
		rec := httptest.NewRecorder()
		server.HandleMessages(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code)
	})
}

func toolNames(t *testing.T, resp *JSONRPCResponse) []string {
	t.Helper()
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var parsed struct {
		Tools []ToolInfo `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(raw, &parsed))
	names := make([]string, 0, len(parsed.Tools))
	for _, tool := range parsed.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func TestToolFiltering(t *testing.T) {
	server, sessions, _, _ := newTestServer(t)
	ctx := context.Background()

	userSess, err := sessions.Create(ctx, "u1", authctx.RoleUser)
	require.NoError(t, err)
	adminSess, err := sessions.Create(ctx, "a1", authctx.RoleAdmin)
	require.NoError(t, err)

	t.Run("restricted tools hidden for everyone", func(t *testing.T) {
		names := toolNames(t, rpc(t, server, adminSess.ID, "tools/list", nil))
		require.NotContains(t, names, "manage_agents")
		require.Contains(t, names, "upsert_symbols")
	})

	t.Run("admin-only tools hidden from users", func(t *testing.T) {
		names := toolNames(t, rpc(t, server, userSess.ID, "tools/list", nil))
		require.NotContains(t, names, "upsert_symbols")
		require.Contains(t, names, "list_domains")
	})

	t.Run("admin-only call refused for users", func(t *testing.T) {
		resp := rpc(t, server, userSess.ID, "tools/call", toolCallParams{Name: "upsert_symbols"})
		require.NotNil(t, resp.Error)
		require.Equal(t, kerrors.RPCInternalError, resp.Error.Code)
		require.Contains(t, resp.Error.Message, "requires admin privileges")
	})

	t.Run("admin-only call succeeds for admins", func(t *testing.T) {
		resp := rpc(t, server, adminSess.ID, "tools/call", toolCallParams{Name: "upsert_symbols"})
		require.Nil(t, resp.Error)
	})

	t.Run("restricted call refused for admins", func(t *testing.T) {
		resp := rpc(t, server, adminSess.ID, "tools/call", toolCallParams{Name: "manage_agents"})
		require.NotNil(t, resp.Error)
		require.Equal(t, kerrors.RPCInternalError, resp.Error.Code)
	})

	t.Run("registry helper methods route to tools", func(t *testing.T) {
		resp := rpc(t, server, userSess.ID, "domains/list", nil)
		require.Nil(t, resp.Error)
		raw, err := json.Marshal(resp.Result)
		require.NoError(t, err)
		require.Contains(t, string(raw), "list_domains")
	})
}

func TestSSELifecycle(t *testing.T) {
	server, sessions, userSvc, _ := newTestServer(t)
	ctx := context.Background()

	u, err := userSvc.Create(ctx, "alice", "correct-horse", authctx.RoleUser)
	require.NoError(t, err)
	apiKey, err := userSvc.RotateAPIKey(ctx, u.ID)
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(server.HandleSSE))
	defer ts.Close()

	t.Run("missing key rejected", func(t *testing.T) {
		resp, err := http.Get(ts.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("endpoint event and cleanup on disconnect", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
		require.NoError(t, err)
		req.Header.Set("x-api-key", apiKey)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		scanner := bufio.NewScanner(resp.Body)
		var endpoint string
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				endpoint = strings.TrimPrefix(line, "data: ")
				break
			}
		}
		require.Contains(t, endpoint, "/mcp/messages?sessionId=")
		sessionID := endpoint[strings.Index(endpoint, "sessionId=")+len("sessionId="):]

		sess, err := sessions.Get(ctx, sessionID)
		require.NoError(t, err)
		require.Equal(t, u.ID, sess.UserID)

		// Disconnecting frees the session.
		resp.Body.Close()
		require.Eventually(t, func() bool {
			_, err := sessions.Get(ctx, sessionID)
			return err != nil
		}, 2*time.Second, 20*time.Millisecond)
	})
}
