package testrunner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/symbolkernel/kernel/internal/kerrors"
	"github.com/symbolkernel/kernel/internal/llm"
	"github.com/symbolkernel/kernel/internal/observability"
	"github.com/symbolkernel/kernel/internal/session"
	"github.com/symbolkernel/kernel/internal/toolloop"
	"github.com/symbolkernel/kernel/internal/trace"
)

// SystemPromptSource supplies the activation prompt for test turns.
type SystemPromptSource interface {
	System() string
}

// Runner executes test runs.
type Runner struct {
	store     *Store
	sessions  *session.Machine
	processor *toolloop.Processor
	factory   toolloop.ExecutorFactory
	traces    *trace.Sink
	prompts   SystemPromptSource
	baseline  llm.Provider
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	stopped map[string]bool
}

// NewRunner constructs a Runner. baseline may be nil; comparison falls
// back to the primary provider then.
func NewRunner(store *Store, sessions *session.Machine, processor *toolloop.Processor, factory toolloop.ExecutorFactory, traces *trace.Sink, prompts SystemPromptSource, baseline llm.Provider, logger *slog.Logger) *Runner {
	return &Runner{
		store:     store,
		sessions:  sessions,
		processor: processor,
		factory:   factory,
		traces:    traces,
		prompts:   prompts,
		baseline:  baseline,
		logger:    observability.OrDefault(logger),
		now:       time.Now,
		stopped:   make(map[string]bool),
	}
}

// StartRun creates a run for a test set and executes it in the
// background. The returned run is the initial running snapshot.
func (r *Runner) StartRun(ctx context.Context, testSetID string, compareWithBaseModel bool) (*TestRun, error) {
	set, err := r.store.GetSet(ctx, testSetID)
	if err != nil {
		return nil, err
	}
	run := &TestRun{
		ID:                   uuid.New().String(),
		TestSetID:            set.ID,
		Status:               RunRunning,
		CompareWithBaseModel: compareWithBaseModel,
		StartedAt:            r.now(),
		Summary:              Summary{Total: len(set.Tests)},
	}
	for _, tc := range set.Tests {
		run.Results = append(run.Results, CaseResult{ID: tc.ID, Prompt: tc.Prompt, Status: CasePending})
	}
	if err := r.store.PutRun(ctx, run); err != nil {
		return nil, err
	}
	go r.execute(context.Background(), run.ID)
	return run, nil
}

// Stop flags a running run to halt after the current case.
func (r *Runner) Stop(ctx context.Context, runID string) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != RunRunning {
		return kerrors.ErrInvalid
	}
	r.mu.Lock()
	r.stopped[runID] = true
	r.mu.Unlock()
	return nil
}

// Resume continues a stopped run's pending cases.
func (r *Runner) Resume(ctx context.Context, runID string) (*TestRun, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != RunStopped {
		return nil, kerrors.ErrInvalid
	}
	r.mu.Lock()
	delete(r.stopped, runID)
	r.mu.Unlock()
	run.Status = RunRunning
	if err := r.store.PutRun(ctx, run); err != nil {
		return nil, err
	}
	go r.execute(context.Background(), runID)
	return run, nil
}

// RerunCase re-executes a single case of a completed or stopped run.
func (r *Runner) RerunCase(ctx context.Context, runID, caseID string) (*TestRun, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	set, err := r.store.GetSet(ctx, run.TestSetID)
	if err != nil {
		return nil, err
	}
	var target *TestCase
	for i := range set.Tests {
		if set.Tests[i].ID == caseID {
			target = &set.Tests[i]
			break
		}
	}
	if target == nil {
		return nil, kerrors.ErrNotFound
	}
	result := r.runCase(ctx, run, target)
	for i := range run.Results {
		if run.Results[i].ID == caseID {
			run.Results[i] = result
			break
		}
	}
	r.recount(run)
	if err := r.store.PutRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (r *Runner) isStopped(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped[runID]
}

// execute walks the run's pending cases in order, persisting progress
// after each.
func (r *Runner) execute(ctx context.Context, runID string) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		r.logger.Error("testrunner: load run failed", "run", runID, "error", err)
		return
	}
	set, err := r.store.GetSet(ctx, run.TestSetID)
	if err != nil {
		run.Status = RunFailed
		_ = r.store.PutRun(ctx, run)
		return
	}
	cases := map[string]*TestCase{}
	for i := range set.Tests {
		cases[set.Tests[i].ID] = &set.Tests[i]
	}

	for i := range run.Results {
		if run.Results[i].Status != CasePending {
			continue
		}
		if r.isStopped(runID) {
			run.Status = RunStopped
			_ = r.store.PutRun(ctx, run)
			return
		}
		tc, ok := cases[run.Results[i].ID]
		if !ok {
			run.Results[i].Status = CaseErrored
			run.Results[i].Error = "case no longer exists in test set"
			continue
		}
		run.Results[i].Status = CaseRunning
		_ = r.store.PutRun(ctx, run)
		run.Results[i] = r.runCase(ctx, run, tc)
		r.recount(run)
		if err := r.store.PutRun(ctx, run); err != nil {
			r.logger.Error("testrunner: persist run failed", "run", runID, "error", err)
		}
	}
	run.Status = RunCompleted
	run.FinishedAt = r.now()
	r.recount(run)
	if err := r.store.PutRun(ctx, run); err != nil {
		r.logger.Error("testrunner: persist run failed", "run", runID, "error", err)
	}
}

// runCase executes one case in a fresh test-origin session and grades
// the activations its traces show.
func (r *Runner) runCase(ctx context.Context, run *TestRun, tc *TestCase) CaseResult {
	result := CaseResult{ID: tc.ID, Prompt: tc.Prompt}

	s, err := r.sessions.CreateSession(ctx, session.TypeConversation, map[string]string{
		session.MetadataTestOrigin: "true",
	}, "")
	if err != nil {
		result.Status = CaseErrored
		result.Error = err.Error()
		return result
	}

	started := r.now()
	messageID := fmt.Sprintf("test-%s-%d", tc.ID, started.UnixMilli())
	if err := r.sessions.SetActiveMessage(ctx, s.ID, messageID); err != nil {
		result.Status = CaseErrored
		result.Error = err.Error()
		return result
	}

	scope := toolloop.Scope{SessionID: s.ID, IsAdmin: true}
	guard := func(ctx context.Context) (bool, error) { return r.sessions.WriteAllowed(ctx, s.ID) }
	executor, err := r.factory(scope, guard)
	if err != nil {
		_ = r.sessions.ClearActiveMessage(ctx, s.ID)
		result.Status = CaseErrored
		result.Error = err.Error()
		return result
	}

	if err := r.processor.ProcessMessage(ctx, s.ID, tc.Prompt, executor, r.prompts.System(), toolloop.ProcessOptions{
		MessageID:      messageID,
		RecordUserTurn: true,
	}); err != nil {
		result.Status = CaseErrored
		result.Error = err.Error()
		return result
	}

	result.SignalZeroResponse = r.finalModelTurn(ctx, s.ID, messageID)
	activated := r.activatedSymbols(ctx, s.ID, started)
	for _, expected := range tc.ExpectedActivations {
		if !activated[expected] {
			result.MissingActivations = append(result.MissingActivations, expected)
		}
	}
	if len(result.MissingActivations) == 0 {
		result.Status = CasePassed
	} else {
		result.Status = CaseFailed
	}

	if run.CompareWithBaseModel {
		baseline, err := r.processor.RunBaselineTest(ctx, r.baseline, tc.Prompt)
		if err != nil {
			r.logger.Warn("testrunner: baseline failed", "case", tc.ID, "error", err)
		} else {
			result.BaselineResponse = baseline
			if eval, err := r.processor.EvaluateComparison(ctx, result.SignalZeroResponse, baseline); err == nil {
				result.Evaluation = eval
			}
		}
	}

	if err := r.sessions.CloseSession(ctx, s.ID, "", true); err != nil {
		r.logger.Warn("testrunner: close test session failed", "session", s.ID, "error", err)
	}
	return result
}

// activatedSymbols collects every symbol id the turn's traces touched.
func (r *Runner) activatedSymbols(ctx context.Context, sessionID string, since time.Time) map[string]bool {
	out := map[string]bool{}
	traces, err := r.traces.ListBySession(ctx, sessionID, since)
	if err != nil {
		return out
	}
	for _, tr := range traces {
		if tr.EntryNode != "" {
			out[tr.EntryNode] = true
		}
		if tr.OutputNode != "" {
			out[tr.OutputNode] = true
		}
		for _, step := range tr.ActivationPath {
			out[step.SymbolID] = true
		}
	}
	return out
}

func (r *Runner) finalModelTurn(ctx context.Context, sessionID, messageID string) string {
	turns, err := r.sessions.GetHistory(ctx, sessionID, time.Time{})
	if err != nil {
		return ""
	}
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].CorrelationID == messageID && turns[i].Role == session.RoleModel {
			return turns[i].Content
		}
	}
	return ""
}

func (r *Runner) recount(run *TestRun) {
	summary := Summary{Total: len(run.Results)}
	for _, res := range run.Results {
		switch res.Status {
		case CasePassed:
			summary.Completed++
			summary.Passed++
		case CaseFailed:
			summary.Completed++
			summary.Failed++
		case CaseErrored:
			summary.Completed++
			summary.Failed++
		}
	}
	run.Summary = summary
}
