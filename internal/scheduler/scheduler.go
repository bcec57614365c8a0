package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/symbolkernel/kernel/internal/observability"
)

// DefaultTickInterval is how often schedules are evaluated.
const DefaultTickInterval = time.Second

// Scheduler wakes on fixed ticks, evaluates every enabled agent's cron
// expression against the wall clock, and executes agents that came due
// since the last tick. At most one execution per agent is in flight; a
// tick for a running agent is dropped, not queued.
type Scheduler struct {
	store   *Store
	runner  *Runner
	logger  *slog.Logger
	metrics *observability.Metrics

	tickInterval time.Duration
	now          func() time.Time

	mu       sync.Mutex
	running  map[string]bool
	lastTick time.Time
	started  bool
	stop     chan struct{}
	done     chan struct{}
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithTickInterval overrides the tick cadence.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = observability.OrDefault(logger) }
}

// New constructs a Scheduler.
func New(store *Store, runner *Runner, metrics *observability.Metrics, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		runner:       runner,
		logger:       slog.Default(),
		metrics:      metrics,
		tickInterval: DefaultTickInterval,
		now:          time.Now,
		running:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background tick loop. Calling Start twice is a
// no-op. Recovery must have finished before Start so the loop does not
// compete with it for agent sessions.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.lastTick = s.now()
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
}

// Stop halts the tick loop and waits for it to exit. In-flight agent
// executions finish on their own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick evaluates all enabled agents due in (lastTick, now].
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	since := s.lastTick
	s.lastTick = now
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SchedulerTicks.Inc()
	}

	agents, err := s.store.List(ctx)
	if err != nil {
		s.logger.Error("scheduler: list agents failed", "error", err)
		return
	}
	for _, a := range agents {
		if !a.Enabled {
			continue
		}
		next, err := nextRun(a.Schedule, since)
		if err != nil {
			s.logger.Warn("scheduler: unparseable schedule", "agent", a.ID, "schedule", a.Schedule, "error", err)
			continue
		}
		if next.After(now) {
			continue
		}
		s.dispatch(ctx, a.ID)
	}
}

// dispatch runs one agent unless it is already in flight.
func (s *Scheduler) dispatch(ctx context.Context, agentID string) {
	s.mu.Lock()
	if s.running[agentID] {
		s.mu.Unlock()
		s.logger.Info("scheduler: agent still running, tick dropped", "agent", agentID)
		if s.metrics != nil {
			s.metrics.SchedulerDroppedTicks.WithLabelValues(agentID).Inc()
		}
		return
	}
	s.running[agentID] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.running, agentID)
			s.mu.Unlock()
		}()
		exec, err := s.runner.ExecuteAgent(ctx, agentID, "")
		status := ExecutionCompleted
		if err != nil {
			status = ExecutionFailed
			s.logger.Error("scheduler: agent execution failed", "agent", agentID, "error", err)
		} else if exec != nil {
			status = exec.Status
		}
		if s.metrics != nil {
			s.metrics.SchedulerExecutions.WithLabelValues(string(status)).Inc()
		}
	}()
}

// IsRunning reports whether an agent execution is in flight.
func (s *Scheduler) IsRunning(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[agentID]
}

// TriggerNow dispatches an agent outside its schedule, honoring the same
// single-flight guard. The execution outlives the caller's request, so
// its context is detached from cancellation.
func (s *Scheduler) TriggerNow(ctx context.Context, agentID string) {
	s.dispatch(context.WithoutCancel(ctx), agentID)
}
