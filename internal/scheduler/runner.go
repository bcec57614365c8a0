package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/symbolkernel/kernel/internal/observability"
	"github.com/symbolkernel/kernel/internal/session"
	"github.com/symbolkernel/kernel/internal/toolloop"
	"github.com/symbolkernel/kernel/internal/trace"
)

// SystemPromptSource supplies the activation prompt for agent turns.
type SystemPromptSource interface {
	System() string
}

// Runner executes one agent turn: it ensures the agent's context
// session exists, acquires its lock, runs the prompt through the
// inference loop, and records the execution log.
type Runner struct {
	store     *Store
	sessions  *session.Machine
	processor *toolloop.Processor
	factory   toolloop.ExecutorFactory
	traces    *trace.Sink
	prompts   SystemPromptSource
	logger    *slog.Logger
	now       func() time.Time
}

// NewRunner constructs a Runner.
func NewRunner(store *Store, sessions *session.Machine, processor *toolloop.Processor, factory toolloop.ExecutorFactory, traces *trace.Sink, prompts SystemPromptSource, logger *slog.Logger) *Runner {
	return &Runner{
		store:     store,
		sessions:  sessions,
		processor: processor,
		factory:   factory,
		traces:    traces,
		prompts:   prompts,
		logger:    observability.OrDefault(logger),
		now:       time.Now,
	}
}

// ExecuteAgent runs one turn of the agent's prompt (or messageOverride
// when non-empty) and returns the execution log entry. A Busy error
// means the agent session already has an in-flight turn; the run is
// dropped and recorded as failed.
func (r *Runner) ExecuteAgent(ctx context.Context, agentID, messageOverride string) (*ExecutionLog, error) {
	agent, err := r.store.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	sessionID, err := r.ensureSession(ctx, agent)
	if err != nil {
		return nil, err
	}

	messageID := fmt.Sprintf("agent-%s-%d", agentID, r.now().UnixMilli())
	exec := &ExecutionLog{AgentID: agentID, Status: ExecutionRunning, StartedAt: r.now()}
	if err := r.store.AppendExecution(ctx, exec); err != nil {
		return nil, err
	}

	finish := func(status ExecutionStatus, errStr string) {
		exec.Status = status
		exec.Error = errStr
		exec.FinishedAt = r.now()
		if err := r.store.UpdateExecution(ctx, exec); err != nil {
			r.logger.Error("scheduler: failed to update execution log", "execution", exec.ID, "error", err)
		}
		agent.LastRunAt = exec.StartedAt
		agent.LastRunStatus = string(status)
		if err := r.store.put(ctx, agent); err != nil {
			r.logger.Error("scheduler: failed to update agent last-run", "agent", agentID, "error", err)
		}
	}

	if err := r.sessions.SetActiveMessage(ctx, sessionID, messageID); err != nil {
		// Busy means a previous run of this agent still holds the lock;
		// the run is dropped rather than queued.
		finish(ExecutionFailed, err.Error())
		return exec, err
	}

	scope := toolloop.Scope{SessionID: sessionID, UserID: agent.OwnerUserID, IsAdmin: agent.OwnerUserID == ""}
	guard := func(ctx context.Context) (bool, error) { return r.sessions.WriteAllowed(ctx, sessionID) }
	executor, err := r.factory(scope, guard)
	if err != nil {
		_ = r.sessions.ClearActiveMessage(ctx, sessionID)
		finish(ExecutionFailed, err.Error())
		return exec, err
	}

	message := agent.Prompt
	if messageOverride != "" {
		message = messageOverride
	}

	runErr := r.processor.ProcessMessage(ctx, sessionID, message, executor, r.prompts.System(), toolloop.ProcessOptions{
		MessageID:      messageID,
		RecordUserTurn: true,
		TurnMetadata:   map[string]string{"kind": toolloop.KindAgentUpdate, "agent_id": agentID},
	})

	traces, traceErr := r.traces.ListBySession(ctx, sessionID, exec.StartedAt)
	if traceErr != nil {
		r.logger.Warn("scheduler: failed to read traces for execution", "execution", exec.ID, "error", traceErr)
	}
	exec.TraceCount = len(traces)
	for _, tr := range traces {
		exec.TraceIDs = append(exec.TraceIDs, tr.ID)
	}
	exec.ResponsePreview = r.responsePreview(ctx, sessionID, messageID)

	if runErr != nil {
		finish(ExecutionFailed, runErr.Error())
		return exec, runErr
	}
	finish(ExecutionCompleted, "")
	return exec, nil
}

// ensureSession finds or creates the agent-type context session backing
// this agent.
func (r *Runner) ensureSession(ctx context.Context, agent *Agent) (string, error) {
	if agent.SessionID != "" {
		if _, err := r.sessions.GetSession(ctx, agent.SessionID, "", true); err == nil {
			return agent.SessionID, nil
		}
	}
	s, err := r.sessions.CreateSession(ctx, session.TypeAgent, map[string]string{"agent_id": agent.ID}, agent.OwnerUserID)
	if err != nil {
		return "", err
	}
	agent.SessionID = s.ID
	if err := r.store.put(ctx, agent); err != nil {
		return "", err
	}
	return s.ID, nil
}

// responsePreview summarizes the terminal model turn of the run.
func (r *Runner) responsePreview(ctx context.Context, sessionID, messageID string) string {
	turns, err := r.sessions.GetHistory(ctx, sessionID, time.Time{})
	if err != nil {
		return ""
	}
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if t.CorrelationID == messageID && t.Role == session.RoleModel {
			const maxPreview = 280
			if len(t.Content) > maxPreview {
				return t.Content[:maxPreview] + "…"
			}
			return t.Content
		}
	}
	return ""
}

// GetExecutionLogs returns execution records, newest first, attaching
// full traces when includeTraces is set.
func (r *Runner) GetExecutionLogs(ctx context.Context, agentID string, limit int, includeTraces bool) ([]*ExecutionLog, error) {
	logs, err := r.store.ListExecutions(ctx, agentID, limit)
	if err != nil {
		return nil, err
	}
	if includeTraces {
		for _, exec := range logs {
			var attached []*trace.Trace
			for _, id := range exec.TraceIDs {
				tr, err := r.traces.Get(ctx, id)
				if err != nil {
					continue
				}
				attached = append(attached, tr)
			}
			exec.Traces = attached
		}
	}
	return logs, nil
}
