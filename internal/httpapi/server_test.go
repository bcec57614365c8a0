package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/symbolkernel/kernel/internal/llm"
	"github.com/symbolkernel/kernel/internal/prompts"
	"github.com/symbolkernel/kernel/internal/registry"
	"github.com/symbolkernel/kernel/internal/scheduler"
	"github.com/symbolkernel/kernel/internal/session"
	"github.com/symbolkernel/kernel/internal/store"
	"github.com/symbolkernel/kernel/internal/testrunner"
	"github.com/symbolkernel/kernel/internal/toolloop"
	"github.com/symbolkernel/kernel/internal/trace"
	"github.com/symbolkernel/kernel/internal/users"
)

// gatedProvider blocks each Chat call until release is closed, so tests
// can observe the busy state of an in-flight turn.
type gatedProvider struct {
	mu       sync.Mutex
	gate     chan struct{}
	response *llm.Response
}

func newGatedProvider() *gatedProvider {
	return &gatedProvider{gate: make(chan struct{}), response: &llm.Response{Text: "model answer"}}
}

func (p *gatedProvider) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.gate:
	default:
		close(p.gate)
	}
}

func (p *gatedProvider) Name() string        { return "gated" }
func (p *gatedProvider) Models() []llm.Model { return nil }
func (p *gatedProvider) SupportsTools() bool { return true }

func (p *gatedProvider) Chat(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	select {
	case <-p.gate:
		return p.response, nil
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("gated provider timed out")
	}
}

func (p *gatedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, llm.ErrNoEmbeddings
}

type harness struct {
	ts       *httptest.Server
	provider *gatedProvider
	sessions *session.Machine
	registry *registry.Registry

	adminToken string
	userToken  string
	adminID    string
	userID     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	kv, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	ctx := context.Background()

	userSvc := users.NewService(kv)
	jwtSvc := users.NewJWTService("test-secret", time.Hour)
	machine := session.NewMachine(kv, nil, nil)
	sink := trace.NewSink(kv, nil)
	reg := registry.New(kv, nil, nil, nil)
	promptStore, err := prompts.NewStore(ctx, kv)
	require.NoError(t, err)

	provider := newGatedProvider()
	processor := toolloop.NewProcessor(machine, provider, toolloop.ProcessorConfig{MaxSteps: 4}, nil, nil)

	agentStore := scheduler.NewStore(kv)
	testStore := testrunner.NewStore(kv)
	tools := toolloop.BuiltinTools(toolloop.Deps{
		Registry: reg,
		Traces:   sink,
		Sessions: machine,
		Agents:   scheduler.NewAdmin(agentStore),
		Tests:    testStore,
	})
	factory := func(scope toolloop.Scope, guard toolloop.WriteGuard) (*toolloop.Executor, error) {
		return toolloop.NewExecutor(tools, scope, guard, nil, nil)
	}

	agentRunner := scheduler.NewRunner(agentStore, machine, processor, factory, sink, promptStore, nil)
	sched := scheduler.New(agentStore, agentRunner, nil, scheduler.WithTickInterval(time.Hour))
	testRunner := testrunner.NewRunner(testStore, machine, processor, factory, sink, promptStore, nil, nil)

	server := NewServer(Deps{
		Users:       userSvc,
		JWT:         jwtSvc,
		Sessions:    machine,
		Processor:   processor,
		Factory:     factory,
		Registry:    reg,
		Traces:      sink,
		Agents:      agentStore,
		AgentRunner: agentRunner,
		Scheduler:   sched,
		Tests:       testStore,
		TestRunner:  testRunner,
		Prompts:     promptStore,
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	h := &harness{ts: ts, provider: provider, sessions: machine, registry: reg}

	// First account becomes the admin via setup; a second account is a
	// plain user.
	var setupResp struct {
		User  users.Public `json:"user"`
		Token string       `json:"token"`
	}
	h.doJSON(t, http.MethodPost, "/api/auth/setup", "", map[string]string{
		"username": "root", "password": "root-password",
	}, http.StatusCreated, &setupResp)
	h.adminToken = setupResp.Token
	h.adminID = setupResp.User.ID

	var created users.Public
	h.doJSON(t, http.MethodPost, "/api/users", h.adminToken, map[string]string{
		"username": "alice", "password": "alice-password", "role": "user",
	}, http.StatusCreated, &created)
	h.userID = created.ID

	var loginResp struct {
		Token string `json:"token"`
	}
	h.doJSON(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "alice", "password": "alice-password",
	}, http.StatusOK, &loginResp)
	h.userToken = loginResp.Token

	return h
}

// doJSON performs a request and decodes the response when out is non-nil.
func (h *harness) doJSON(t *testing.T, method, path, token string, body any, wantStatus int, out any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, wantStatus, resp.StatusCode, "%s %s: %s", method, path, payload)
	if out != nil {
		require.NoError(t, json.Unmarshal(payload, out))
	}
}

func TestAuthFlow(t *testing.T) {
	h := newHarness(t)

	t.Run("status reflects initialization", func(t *testing.T) {
		var status struct {
			Initialized bool `json:"initialized"`
		}
		h.doJSON(t, http.MethodGet, "/api/auth/status", "", nil, http.StatusOK, &status)
		require.True(t, status.Initialized)
	})

	t.Run("second setup conflicts", func(t *testing.T) {
		h.doJSON(t, http.MethodPost, "/api/auth/setup", "", map[string]string{
			"username": "again", "password": "again-password",
		}, http.StatusConflict, nil)
	})

	t.Run("bad login is 401", func(t *testing.T) {
		h.doJSON(t, http.MethodPost, "/api/auth/login", "", map[string]string{
			"username": "alice", "password": "wrong",
		}, http.StatusUnauthorized, nil)
	})

	t.Run("users list is admin-only", func(t *testing.T) {
		h.doJSON(t, http.MethodGet, "/api/users", h.userToken, nil, http.StatusForbidden, nil)
		var list []users.Public
		h.doJSON(t, http.MethodGet, "/api/users", h.adminToken, nil, http.StatusOK, &list)
		require.Len(t, list, 2)
	})

	t.Run("me works for everyone", func(t *testing.T) {
		var me users.Public
		h.doJSON(t, http.MethodGet, "/api/users/me", h.userToken, nil, http.StatusOK, &me)
		require.Equal(t, "alice", me.Username)
	})

	t.Run("no credential is 401", func(t *testing.T) {
		h.doJSON(t, http.MethodGet, "/api/contexts", "", nil, http.StatusUnauthorized, nil)
	})
}

func TestChatFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var sess session.Session
	h.doJSON(t, http.MethodPost, "/api/contexts", h.userToken, map[string]any{
		"type": "conversation",
	}, http.StatusCreated, &sess)

	var chatResp struct {
		Status    string `json:"status"`
		MessageID string `json:"messageId"`
	}
	h.doJSON(t, http.MethodPost, "/api/chat", h.userToken, map[string]string{
		"message": "ping", "contextSessionId": sess.ID, "messageId": "m1",
	}, http.StatusAccepted, &chatResp)
	require.Equal(t, "m1", chatResp.MessageID)

	// While processing the session is busy: lock held, second chat 409.
	has, err := h.sessions.HasActiveMessage(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, has)
	h.doJSON(t, http.MethodPost, "/api/chat", h.userToken, map[string]string{
		"message": "again", "contextSessionId": sess.ID, "messageId": "m2",
	}, http.StatusConflict, nil)

	// Let the model answer and the turn complete.
	h.provider.release()
	require.Eventually(t, func() bool {
		busy, err := h.sessions.HasActiveMessage(ctx, sess.ID)
		return err == nil && !busy
	}, 5*time.Second, 10*time.Millisecond)

	var groups []session.TurnGroup
	h.doJSON(t, http.MethodGet, "/api/contexts/"+sess.ID+"/history", h.userToken, nil, http.StatusOK, &groups)
	require.Len(t, groups, 1)
	require.Equal(t, "m1", groups[0].CorrelationID)
	require.Equal(t, session.RoleUser, groups[0].Turns[0].Role)
	require.Equal(t, session.RoleModel, groups[0].Turns[len(groups[0].Turns)-1].Role)
}

func TestChatStop(t *testing.T) {
	h := newHarness(t)
	var sess session.Session
	h.doJSON(t, http.MethodPost, "/api/contexts", h.userToken, map[string]any{}, http.StatusCreated, &sess)

	h.doJSON(t, http.MethodPost, "/api/chat", h.userToken, map[string]string{
		"message": "ping", "contextSessionId": sess.ID, "messageId": "m1",
	}, http.StatusAccepted, nil)
	h.doJSON(t, http.MethodPost, "/api/chat/stop", h.userToken, map[string]string{
		"contextSessionId": sess.ID,
	}, http.StatusOK, nil)
	h.provider.release()

	require.Eventually(t, func() bool {
		busy, err := h.sessions.HasActiveMessage(context.Background(), sess.ID)
		return err == nil && !busy
	}, 5*time.Second, 10*time.Millisecond)
}

func TestForeignSessionLooksMissing(t *testing.T) {
	h := newHarness(t)
	var sess session.Session
	h.doJSON(t, http.MethodPost, "/api/contexts", h.adminToken, map[string]any{}, http.StatusCreated, &sess)

	// Another user cannot see it, and cannot learn it exists.
	h.doJSON(t, http.MethodGet, "/api/contexts/"+sess.ID+"/history", h.userToken, nil, http.StatusNotFound, nil)
}

func TestDomainLifecycle(t *testing.T) {
	h := newHarness(t)

	h.doJSON(t, http.MethodPost, "/api/domains", h.adminToken, map[string]any{
		"id": "d1", "name": "Domain One", "global": true,
	}, http.StatusCreated, nil)

	t.Run("duplicate conflicts", func(t *testing.T) {
		h.doJSON(t, http.MethodPost, "/api/domains", h.adminToken, map[string]any{
			"id": "d1", "name": "dup", "global": true,
		}, http.StatusConflict, nil)
	})

	t.Run("exists and enabled", func(t *testing.T) {
		var exists struct {
			Exists bool `json:"exists"`
		}
		h.doJSON(t, http.MethodGet, "/api/domains/d1/exists", h.userToken, nil, http.StatusOK, &exists)
		require.True(t, exists.Exists)
	})

	t.Run("symbol upsert and fetch", func(t *testing.T) {
		h.doJSON(t, http.MethodPost, "/api/domains/d1/symbols", h.adminToken, map[string]any{
			"id": "sym-a", "kind": "pattern", "name": "Alpha",
		}, http.StatusOK, nil)
		var sym registry.Symbol
		h.doJSON(t, http.MethodGet, "/api/symbols/sym-a", h.userToken, nil, http.StatusOK, &sym)
		require.Equal(t, "Alpha", sym.Name)
	})

	t.Run("non-admin cannot write a global domain", func(t *testing.T) {
		h.doJSON(t, http.MethodPost, "/api/domains/d1/symbols", h.userToken, map[string]any{
			"id": "sym-b", "kind": "pattern", "name": "Beta",
		}, http.StatusNotFound, nil)
	})

	t.Run("read-only domain rejects writes with its id", func(t *testing.T) {
		h.doJSON(t, http.MethodPatch, "/api/domains/d1", h.adminToken, map[string]any{
			"readOnly": true,
		}, http.StatusOK, nil)
		var errBody struct {
			DomainID string `json:"domainId"`
		}
		h.doJSON(t, http.MethodPost, "/api/domains/d1/symbols", h.userToken, map[string]any{
			"id": "sym-c", "kind": "pattern", "name": "Gamma",
		}, http.StatusBadRequest, &errBody)
		require.Equal(t, "d1", errBody.DomainID)

		// Reads still work, then restore writability.
		h.doJSON(t, http.MethodGet, "/api/domains/d1/symbols", h.userToken, nil, http.StatusOK, nil)
		h.doJSON(t, http.MethodPatch, "/api/domains/d1", h.adminToken, map[string]any{
			"readOnly": false,
		}, http.StatusOK, nil)
	})

	t.Run("rename cascades references", func(t *testing.T) {
		h.doJSON(t, http.MethodPost, "/api/domains/d1/symbols", h.adminToken, map[string]any{
			"id": "sym-linker", "kind": "pattern", "name": "Linker", "linked_patterns": []string{"sym-a"},
		}, http.StatusOK, nil)
		h.doJSON(t, http.MethodPost, "/api/domains/d1/symbols/rename", h.adminToken, map[string]string{
			"oldId": "sym-a", "newId": "sym-a2",
		}, http.StatusOK, nil)

		h.doJSON(t, http.MethodGet, "/api/symbols/sym-a", h.userToken, nil, http.StatusNotFound, nil)
		var linker registry.Symbol
		h.doJSON(t, http.MethodGet, "/api/symbols/sym-linker", h.userToken, nil, http.StatusOK, &linker)
		require.Equal(t, []string{"sym-a2"}, linker.LinkedPatterns)
	})

	t.Run("rename collision is 409", func(t *testing.T) {
		h.doJSON(t, http.MethodPost, "/api/domains/d1/symbols/rename", h.adminToken, map[string]string{
			"oldId": "sym-a2", "newId": "sym-linker",
		}, http.StatusConflict, nil)
	})

	t.Run("search requires query or time filter", func(t *testing.T) {
		h.doJSON(t, http.MethodGet, "/api/symbols/search", h.userToken, nil, http.StatusBadRequest, nil)
	})

	t.Run("invalid substrate is a 400 naming the field", func(t *testing.T) {
		var errBody struct {
			Field string `json:"field"`
		}
		h.doJSON(t, http.MethodPost, "/api/domains/d1/symbols", h.adminToken, map[string]any{
			"id": "sym-bad", "kind": "pattern", "name": "Bad",
			"facets": map[string]any{"substrate": []string{"plasma"}},
		}, http.StatusBadRequest, &errBody)
		require.Equal(t, "facets.substrate", errBody.Field)
	})
}

func TestAgentEndpoints(t *testing.T) {
	h := newHarness(t)

	h.doJSON(t, http.MethodPost, "/api/agents", h.adminToken, map[string]any{
		"id": "a1", "prompt": "do the rounds", "schedule": "*/1 * * * *", "enabled": true,
	}, http.StatusOK, nil)

	t.Run("invalid cron rejected", func(t *testing.T) {
		h.doJSON(t, http.MethodPost, "/api/agents", h.adminToken, map[string]any{
			"id": "a2", "prompt": "p", "schedule": "not-cron", "enabled": true,
		}, http.StatusBadRequest, nil)
	})

	t.Run("non-admin refused", func(t *testing.T) {
		h.doJSON(t, http.MethodGet, "/api/agents", h.userToken, nil, http.StatusForbidden, nil)
	})

	t.Run("get and delete", func(t *testing.T) {
		var agent scheduler.Agent
		h.doJSON(t, http.MethodGet, "/api/agents/a1", h.adminToken, nil, http.StatusOK, &agent)
		require.Equal(t, "do the rounds", agent.Prompt)
		h.doJSON(t, http.MethodDelete, "/api/agents/a1", h.adminToken, nil, http.StatusOK, nil)
		h.doJSON(t, http.MethodGet, "/api/agents/a1", h.adminToken, nil, http.StatusNotFound, nil)
	})
}

func TestProjectExportImportRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Seed state.
	h.doJSON(t, http.MethodPost, "/api/domains", h.adminToken, map[string]any{
		"id": "d1", "name": "Domain One", "global": true,
	}, http.StatusCreated, nil)
	h.doJSON(t, http.MethodPost, "/api/domains/d1/symbols", h.adminToken, map[string]any{
		"id": "sym-a", "kind": "pattern", "name": "Alpha",
	}, http.StatusOK, nil)
	h.doJSON(t, http.MethodPost, "/api/agents", h.adminToken, map[string]any{
		"id": "a1", "prompt": "p", "schedule": "*/5 * * * *", "enabled": true,
	}, http.StatusOK, nil)
	h.doJSON(t, http.MethodPut, "/api/prompts/system", h.adminToken, map[string]string{
		"prompt": "custom system prompt",
	}, http.StatusOK, nil)

	// Export.
	req, err := http.NewRequest(http.MethodPost, h.ts.URL+"/api/project/export", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+h.adminToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	require.Contains(t, resp.Header.Get("Content-Disposition"), "project.szproject")
	archive, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	// Mutate state so the import visibly restores it.
	h.doJSON(t, http.MethodDelete, "/api/domains/d1/symbols/sym-a", h.adminToken, nil, http.StatusOK, nil)
	h.doJSON(t, http.MethodPut, "/api/prompts/system", h.adminToken, map[string]string{
		"prompt": "overwritten",
	}, http.StatusOK, nil)

	// Import.
	var importResp struct {
		Domains int `json:"domains"`
		Symbols int `json:"symbols"`
	}
	h.doJSON(t, http.MethodPost, "/api/project/import", h.adminToken, map[string]string{
		"data": base64.StdEncoding.EncodeToString(archive),
	}, http.StatusOK, &importResp)
	require.Equal(t, 1, importResp.Domains)
	require.Equal(t, 1, importResp.Symbols)

	// Restored byte-for-byte where it matters.
	restored, err := h.registry.FindByID(ctx, "sym-a", "", true)
	require.NoError(t, err)
	require.Equal(t, "Alpha", restored.Name)

	var prompt struct {
		Prompt string `json:"prompt"`
	}
	h.doJSON(t, http.MethodGet, "/api/prompts/system", h.adminToken, nil, http.StatusOK, &prompt)
	require.Equal(t, "custom system prompt", prompt.Prompt)

	var agents []scheduler.Agent
	h.doJSON(t, http.MethodGet, "/api/agents", h.adminToken, nil, http.StatusOK, &agents)
	require.Len(t, agents, 1)
	require.Equal(t, "a1", agents[0].ID)
}

func TestInternalKeyRejectedWhenUnconfigured(t *testing.T) {
	h := newHarness(t)

	// Rebuild the handler with an internal key configured is not needed:
	// the harness server has none, so the header must be rejected.
	req, err := http.NewRequest(http.MethodGet, h.ts.URL+"/api/users", nil)
	require.NoError(t, err)
	req.Header.Set("x-internal-key", "anything")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
