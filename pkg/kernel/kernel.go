// Package kernel assembles the full service from its parts: store,
// registry, vector index, LLM adapters, session machine, inference
// loop, scheduler, test runner, and the HTTP/MCP surfaces. The CLI is a
// thin shell around this package.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/symbolkernel/kernel/internal/backoffx"
	"github.com/symbolkernel/kernel/internal/config"
	"github.com/symbolkernel/kernel/internal/httpapi"
	"github.com/symbolkernel/kernel/internal/llm"
	"github.com/symbolkernel/kernel/internal/mcpsurface"
	"github.com/symbolkernel/kernel/internal/observability"
	"github.com/symbolkernel/kernel/internal/prompts"
	"github.com/symbolkernel/kernel/internal/registry"
	"github.com/symbolkernel/kernel/internal/scheduler"
	"github.com/symbolkernel/kernel/internal/session"
	"github.com/symbolkernel/kernel/internal/store"
	"github.com/symbolkernel/kernel/internal/testrunner"
	"github.com/symbolkernel/kernel/internal/toolloop"
	"github.com/symbolkernel/kernel/internal/trace"
	"github.com/symbolkernel/kernel/internal/users"
	"github.com/symbolkernel/kernel/internal/vectorindex"
)

// Kernel is the assembled service.
type Kernel struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	kv        store.KV
	users     *users.Service
	jwt       *users.JWTService
	prompts   *prompts.Store
	traces    *trace.Sink
	registry  *registry.Registry
	indexer   vectorindex.Indexer
	sessions  *session.Machine
	processor *toolloop.Processor
	factory   toolloop.ExecutorFactory

	agentStore  *scheduler.Store
	agentRunner *scheduler.Runner
	scheduler   *scheduler.Scheduler
	testStore   *testrunner.Store
	testRunner  *testrunner.Runner

	httpServer *http.Server
	degraded   bool

	primary  llm.Provider
	baseline llm.Provider

	tracer      *observability.Tracer
	stopCleanup chan struct{}
}

// Options overrides parts of the assembly, used by tests and the CLI.
type Options struct {
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	KV       store.KV
	Primary  llm.Provider
	Baseline llm.Provider
}

// New assembles a Kernel from configuration. A missing LLM credential or
// unreachable store does not fail assembly; the kernel starts degraded
// and keeps serving health and registry reads where possible.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Kernel, error) {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LoggingConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		})
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}

	k := &Kernel{cfg: cfg, logger: logger, metrics: metrics, stopCleanup: make(chan struct{})}

	kv := opts.KV
	if kv == nil {
		kv = k.openStoreDegradable(ctx)
	}
	k.kv = kv

	k.users = users.NewService(kv)
	k.jwt = users.NewJWTService(cfg.Server.JWTSecret, 24*time.Hour)
	k.traces = trace.NewSink(kv, logger)

	promptStore, err := prompts.NewStore(ctx, kv)
	if err != nil {
		return nil, fmt.Errorf("kernel: load prompts: %w", err)
	}
	k.prompts = promptStore

	k.primary = opts.Primary
	k.baseline = opts.Baseline
	if k.primary == nil && cfg.LLM.Primary.APIKey != "" {
		provider, err := llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:       cfg.LLM.Primary.APIKey,
			BaseURL:      cfg.LLM.Primary.BaseURL,
			DefaultModel: cfg.LLM.Primary.Model,
		})
		if err != nil {
			logger.Warn("kernel: primary provider unavailable", "error", err)
		} else {
			k.primary = provider
		}
	}
	if k.baseline == nil && cfg.LLM.Baseline.APIKey != "" {
		provider, err := llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:       cfg.LLM.Baseline.APIKey,
			BaseURL:      cfg.LLM.Baseline.BaseURL,
			DefaultModel: cfg.LLM.Baseline.Model,
		})
		if err != nil {
			logger.Warn("kernel: baseline provider unavailable", "error", err)
		} else {
			k.baseline = provider
		}
	}
	if k.primary == nil {
		k.degraded = true
		logger.Warn("kernel: no primary LLM provider configured, chat turns will fail")
	}

	k.indexer, err = k.buildIndexer()
	if err != nil {
		logger.Warn("kernel: vector indexer unavailable, semantic search disabled", "error", err)
		k.degraded = true
	}
	k.registry = registry.New(kv, indexerOrNil(k.indexer), logger, metrics)
	if src, ok := k.indexer.(interface{ SetSource(vectorindex.SymbolSource) }); ok {
		src.SetSource(k.registry)
	}

	k.sessions = session.NewMachine(kv, logger, metrics)
	k.processor = toolloop.NewProcessor(k.sessions, k.primary, toolloop.ProcessorConfig{
		MaxSteps: cfg.Session.MaxIterations,
		Model:    cfg.LLM.Primary.Model,
	}, logger, metrics)

	k.agentStore = scheduler.NewStore(kv)
	k.testStore = testrunner.NewStore(kv)

	toolDeps := toolloop.Deps{
		Registry: k.registry,
		Traces:   k.traces,
		Sessions: k.sessions,
		Agents:   scheduler.NewAdmin(k.agentStore),
		Tests:    k.testStore,
	}
	tools := toolloop.BuiltinTools(toolDeps)
	k.factory = func(scope toolloop.Scope, guard toolloop.WriteGuard) (*toolloop.Executor, error) {
		return toolloop.NewExecutor(tools, scope, guard, logger, metrics)
	}

	k.agentRunner = scheduler.NewRunner(k.agentStore, k.sessions, k.processor, k.factory, k.traces, k.prompts, logger)
	tickInterval := scheduler.DefaultTickInterval
	if d, err := time.ParseDuration(cfg.Scheduler.TickInterval); err == nil && d > 0 {
		tickInterval = d
	}
	k.scheduler = scheduler.New(k.agentStore, k.agentRunner, metrics,
		scheduler.WithTickInterval(tickInterval),
		scheduler.WithLogger(logger),
	)

	k.testRunner = testrunner.NewRunner(k.testStore, k.sessions, k.processor, k.factory, k.traces, k.prompts, k.baseline, logger)

	sessionTTL := mcpsurface.DefaultSessionTTL
	if d, err := time.ParseDuration(cfg.MCP.SessionTTL); err == nil && d > 0 {
		sessionTTL = d
	}
	keepAlive := 30 * time.Second
	if d, err := time.ParseDuration(cfg.MCP.KeepAlive); err == nil && d > 0 {
		keepAlive = d
	}
	mcpSessions := mcpsurface.NewSessionStore(kv, sessionTTL)
	mcpServer := mcpsurface.NewServer(mcpSessions, k.users, k.factory, k.prompts, mcpsurface.Config{KeepAlive: keepAlive}, logger)

	api := httpapi.NewServer(httpapi.Deps{
		Users:       k.users,
		JWT:         k.jwt,
		Sessions:    k.sessions,
		Processor:   k.processor,
		Factory:     k.factory,
		Registry:    k.registry,
		Traces:      k.traces,
		Agents:      k.agentStore,
		AgentRunner: k.agentRunner,
		Scheduler:   k.scheduler,
		Tests:       k.testStore,
		TestRunner:  k.testRunner,
		Prompts:     k.prompts,
		MCP:         mcpServer,
		InternalKey: cfg.InternalKey(),
		Degraded:    func() bool { return k.degraded },
		Logger:      logger,
	})
	k.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tracer, err := observability.NewTracer(ctx, observability.TracingConfig{
		Enabled:        cfg.Observability.Tracing.Enabled,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: cfg.Observability.Tracing.ServiceVersion,
		Environment:    cfg.Observability.Tracing.Environment,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		Insecure:       cfg.Observability.Tracing.Insecure,
	})
	if err != nil {
		logger.Warn("kernel: tracing init failed", "error", err)
		tracer = observability.NewNoopTracer()
	}
	k.tracer = tracer

	return k, nil
}

// openStoreDegradable opens the configured store with bounded retries.
// An unreachable store is not fatal: the kernel falls back to an
// in-memory substrate and serves in degraded mode, so /api/health stays
// up and reports the condition.
func (k *Kernel) openStoreDegradable(ctx context.Context) store.KV {
	var opened store.KV
	err := backoffx.Retry(time.Sleep, backoffx.StorePolicy(), func(attempt int) error {
		kv, openErr := store.Open(ctx, store.DriverConfig{Driver: k.cfg.Store.Driver, DSN: k.cfg.Store.DSN})
		if openErr != nil {
			k.logger.Warn("kernel: store open failed", "attempt", attempt, "error", openErr)
			return openErr
		}
		opened = kv
		return nil
	})
	if err == nil {
		return opened
	}
	k.logger.Error("kernel: store unreachable, continuing degraded on an in-memory substrate", "error", err)
	k.degraded = true
	fallback, fbErr := store.OpenSQLite(":memory:")
	if fbErr != nil {
		// The in-memory driver failing means something is deeply wrong;
		// there is nothing left to serve from.
		panic(fmt.Sprintf("kernel: in-memory store fallback failed: %v", fbErr))
	}
	return fallback
}

func (k *Kernel) buildIndexer() (vectorindex.Indexer, error) {
	var embedder vectorindex.Embedder
	if k.baseline != nil {
		embedder = k.baseline
	} else {
		return nil, errors.New("no embedding-capable provider configured")
	}
	switch k.cfg.VectorIndex.Backend {
	case "postgres":
		backend, err := vectorindex.NewPostgresBackend(context.Background(), k.cfg.Store.DSN, embedder)
		if err != nil {
			return nil, err
		}
		return backend, nil
	default:
		backend, err := vectorindex.NewSQLiteBackend(k.cfg.VectorIndex.Path, embedder)
		if err != nil {
			return nil, err
		}
		return backend, nil
	}
}

// indexerOrNil avoids handing the registry a typed-nil interface.
func indexerOrNil(idx vectorindex.Indexer) registry.Indexer {
	if idx == nil {
		return nil
	}
	return idx
}

// Start runs crash recovery, then the scheduler and cleanup loops, then
// serves HTTP until ctx is cancelled.
func (k *Kernel) Start(ctx context.Context) error {
	// Recovery runs to completion before the scheduler starts, so the
	// two never contend for the same agent session locks.
	k.recover(ctx)
	k.scheduler.Start(ctx)
	go k.cleanupLoop(ctx)

	k.logger.Info("kernel: serving", "addr", k.cfg.Server.Addr)
	errCh := make(chan error, 1)
	go func() {
		if err := k.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		return k.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// Handler exposes the HTTP routes for tests and embedded use.
func (k *Kernel) Handler() http.Handler { return k.httpServer.Handler }

// recover re-enters every interrupted turn found at startup.
func (k *Kernel) recover(ctx context.Context) {
	recovered, err := k.sessions.Recover(ctx)
	if err != nil {
		k.logger.Error("kernel: recovery scan failed", "error", err)
		return
	}
	for _, item := range recovered {
		k.logger.Info("kernel: re-entering interrupted turn", "session", item.SessionID, "message", item.MessageID)
		executor, err := k.factory(toolloop.Scope{
			SessionID: item.SessionID,
			UserID:    item.UserID,
			IsAdmin:   item.UserID == "",
		}, nil)
		if err != nil {
			k.logger.Error("kernel: recovery executor failed", "session", item.SessionID, "error", err)
			continue
		}
		if err := k.processor.ProcessMessage(ctx, item.SessionID, item.Message, executor, k.prompts.System(), toolloop.ProcessOptions{
			MessageID:      item.MessageID,
			RecordUserTurn: false,
		}); err != nil {
			k.logger.Error("kernel: recovered turn failed", "session", item.SessionID, "message", item.MessageID, "error", err)
		}
	}
}

// cleanupLoop periodically removes expired test-origin sessions.
func (k *Kernel) cleanupLoop(ctx context.Context) {
	interval := k.cfg.Session.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-k.stopCleanup:
			return
		case <-ticker.C:
			removed, err := k.sessions.CleanupTestSessions(ctx, k.cfg.Session.TestSessionTTL)
			if err != nil {
				k.logger.Warn("kernel: test session cleanup failed", "error", err)
			} else if removed > 0 {
				k.logger.Info("kernel: cleaned up test sessions", "count", removed)
			}
		}
	}
}

// Shutdown stops the scheduler, the HTTP listener, and releases the
// store and indexer.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.scheduler.Stop()
	close(k.stopCleanup)
	var firstErr error
	if err := k.httpServer.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := k.tracer.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if k.indexer != nil {
		if err := k.indexer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := k.kv.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Registry exposes the symbol registry for CLI subcommands.
func (k *Kernel) Registry() *registry.Registry { return k.registry }

// Users exposes account management for CLI subcommands.
func (k *Kernel) Users() *users.Service { return k.users }
