package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/symbolkernel/kernel/internal/mcpsurface"
	"github.com/symbolkernel/kernel/internal/observability"
	"github.com/symbolkernel/kernel/internal/prompts"
	"github.com/symbolkernel/kernel/internal/registry"
	"github.com/symbolkernel/kernel/internal/scheduler"
	"github.com/symbolkernel/kernel/internal/session"
	"github.com/symbolkernel/kernel/internal/testrunner"
	"github.com/symbolkernel/kernel/internal/toolloop"
	"github.com/symbolkernel/kernel/internal/trace"
	"github.com/symbolkernel/kernel/internal/users"
)

// Server binds every kernel service to its HTTP routes.
type Server struct {
	users       *users.Service
	jwt         *users.JWTService
	sessions    *session.Machine
	processor   *toolloop.Processor
	factory     toolloop.ExecutorFactory
	registry    *registry.Registry
	traces      *trace.Sink
	agents      *scheduler.Store
	agentRunner *scheduler.Runner
	sched       *scheduler.Scheduler
	tests       *testrunner.Store
	testRunner  *testrunner.Runner
	prompts     *prompts.Store
	mcp         *mcpsurface.Server

	internalKey string
	degraded    func() bool
	logger      *slog.Logger
}

// Deps wires the server.
type Deps struct {
	Users       *users.Service
	JWT         *users.JWTService
	Sessions    *session.Machine
	Processor   *toolloop.Processor
	Factory     toolloop.ExecutorFactory
	Registry    *registry.Registry
	Traces      *trace.Sink
	Agents      *scheduler.Store
	AgentRunner *scheduler.Runner
	Scheduler   *scheduler.Scheduler
	Tests       *testrunner.Store
	TestRunner  *testrunner.Runner
	Prompts     *prompts.Store
	MCP         *mcpsurface.Server

	InternalKey string
	Degraded    func() bool
	Logger      *slog.Logger
}

// NewServer constructs the HTTP server.
func NewServer(deps Deps) *Server {
	degraded := deps.Degraded
	if degraded == nil {
		degraded = func() bool { return false }
	}
	return &Server{
		users:       deps.Users,
		jwt:         deps.JWT,
		sessions:    deps.Sessions,
		processor:   deps.Processor,
		factory:     deps.Factory,
		registry:    deps.Registry,
		traces:      deps.Traces,
		agents:      deps.Agents,
		agentRunner: deps.AgentRunner,
		sched:       deps.Scheduler,
		tests:       deps.Tests,
		testRunner:  deps.TestRunner,
		prompts:     deps.Prompts,
		mcp:         deps.MCP,
		internalKey: deps.InternalKey,
		degraded:    degraded,
		logger:      observability.OrDefault(deps.Logger),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Auth.
	mux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	mux.HandleFunc("POST /api/auth/setup", s.handleAuthSetup)
	mux.HandleFunc("POST /api/auth/login", s.handleAuthLogin)
	mux.HandleFunc("POST /api/auth/change-password", s.authed(s.handleChangePassword))

	// Users (admin except /me).
	mux.HandleFunc("GET /api/users/me", s.authed(s.handleUserMe))
	mux.HandleFunc("GET /api/users", s.adminOnly(s.handleUsersList))
	mux.HandleFunc("POST /api/users", s.adminOnly(s.handleUsersCreate))
	mux.HandleFunc("GET /api/users/{id}", s.adminOnly(s.handleUsersGet))
	mux.HandleFunc("PATCH /api/users/{id}", s.adminOnly(s.handleUsersUpdate))
	mux.HandleFunc("DELETE /api/users/{id}", s.adminOnly(s.handleUsersDelete))
	mux.HandleFunc("POST /api/users/{id}/apikey", s.adminOnly(s.handleUsersRotateKey))

	// Contexts and chat.
	mux.HandleFunc("GET /api/contexts", s.authed(s.handleContextsList))
	mux.HandleFunc("POST /api/contexts", s.authed(s.handleContextsCreate))
	mux.HandleFunc("POST /api/contexts/{id}/archive", s.authed(s.handleContextArchive))
	mux.HandleFunc("GET /api/contexts/{id}/history", s.authed(s.handleContextHistory))
	mux.HandleFunc("POST /api/contexts/{id}/trigger", s.authed(s.handleContextTrigger))
	mux.HandleFunc("POST /api/chat", s.authed(s.handleChat))
	mux.HandleFunc("POST /api/chat/stop", s.authed(s.handleChatStop))

	// Domains and symbols.
	mux.HandleFunc("GET /api/domains", s.authed(s.handleDomainsList))
	mux.HandleFunc("GET /api/domains/metadata", s.authed(s.handleDomainsMetadata))
	mux.HandleFunc("POST /api/domains", s.authed(s.handleDomainsCreate))
	mux.HandleFunc("GET /api/domains/{id}/exists", s.authed(s.handleDomainExists))
	mux.HandleFunc("GET /api/domains/{id}/enabled", s.authed(s.handleDomainEnabled))
	mux.HandleFunc("POST /api/domains/{id}/toggle", s.authed(s.handleDomainToggle))
	mux.HandleFunc("PATCH /api/domains/{id}", s.authed(s.handleDomainUpdate))
	mux.HandleFunc("DELETE /api/domains/{id}", s.authed(s.handleDomainDelete))
	mux.HandleFunc("GET /api/domains/{id}/symbols", s.authed(s.handleDomainSymbols))
	mux.HandleFunc("GET /api/domains/{id}/query", s.authed(s.handleDomainQuery))
	mux.HandleFunc("POST /api/domains/{id}/symbols", s.authed(s.handleSymbolUpsert))
	mux.HandleFunc("POST /api/domains/{id}/symbols/bulk", s.authed(s.handleSymbolBulkUpsert))
	mux.HandleFunc("DELETE /api/domains/{domain}/symbols/{symbol}", s.authed(s.handleSymbolDelete))
	mux.HandleFunc("POST /api/domains/{id}/symbols/rename", s.authed(s.handleSymbolRename))
	mux.HandleFunc("GET /api/symbols/search", s.authed(s.handleSymbolSearch))
	mux.HandleFunc("POST /api/symbols/refactor", s.authed(s.handleSymbolRefactor))
	mux.HandleFunc("POST /api/symbols/compress", s.authed(s.handleSymbolCompress))
	mux.HandleFunc("GET /api/symbols/{id}", s.authed(s.handleSymbolGet))

	// Tests.
	mux.HandleFunc("GET /api/tests/sets", s.authed(s.handleTestSetsList))
	mux.HandleFunc("POST /api/tests/sets", s.authed(s.handleTestSetsUpsert))
	mux.HandleFunc("GET /api/tests/runs", s.authed(s.handleTestRunsList))
	mux.HandleFunc("POST /api/tests/runs", s.authed(s.handleTestRunStart))
	mux.HandleFunc("POST /api/tests/runs/{id}/stop", s.authed(s.handleTestRunStop))
	mux.HandleFunc("POST /api/tests/runs/{id}/resume", s.authed(s.handleTestRunResume))
	mux.HandleFunc("GET /api/tests/runs/{id}/results", s.authed(s.handleTestRunResults))
	mux.HandleFunc("POST /api/tests/runs/{run}/cases/{case}/rerun", s.authed(s.handleTestCaseRerun))

	// Traces.
	mux.HandleFunc("GET /api/traces", s.authed(s.handleTracesList))
	mux.HandleFunc("GET /api/traces/stream", s.authed(s.handleTraceStream))
	mux.HandleFunc("GET /api/traces/{id}", s.authed(s.handleTracesGet))

	// Agents (admin-only: agent prompts run with elevated scope).
	mux.HandleFunc("GET /api/agents", s.adminOnly(s.handleAgentsList))
	mux.HandleFunc("POST /api/agents", s.adminOnly(s.handleAgentsUpsert))
	mux.HandleFunc("GET /api/agents/logs", s.adminOnly(s.handleAgentLogs))
	mux.HandleFunc("GET /api/agents/{id}", s.adminOnly(s.handleAgentsGet))
	mux.HandleFunc("PUT /api/agents/{id}", s.adminOnly(s.handleAgentsPut))
	mux.HandleFunc("DELETE /api/agents/{id}", s.adminOnly(s.handleAgentsDelete))
	mux.HandleFunc("POST /api/agents/{id}/trigger", s.adminOnly(s.handleAgentTrigger))

	// Project export/import.
	mux.HandleFunc("POST /api/project/export", s.adminOnly(s.handleProjectExport))
	mux.HandleFunc("POST /api/project/import", s.adminOnly(s.handleProjectImport))

	// Prompts.
	mux.HandleFunc("GET /api/prompts/system", s.authed(s.handleSystemPromptGet))
	mux.HandleFunc("PUT /api/prompts/system", s.adminOnly(s.handleSystemPromptSet))
	mux.HandleFunc("GET /api/prompts/mcp", s.authed(s.handleMCPPromptGet))
	mux.HandleFunc("PUT /api/prompts/mcp", s.adminOnly(s.handleMCPPromptSet))

	// MCP control channel.
	if s.mcp != nil {
		mux.HandleFunc("GET /mcp/sse", s.mcp.HandleSSE)
		mux.HandleFunc("POST /mcp/messages", s.mcp.HandleMessages)
	}

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.degraded() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}
