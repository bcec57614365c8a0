package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/symbolkernel/kernel/internal/llm"
	"github.com/symbolkernel/kernel/internal/session"
	"github.com/symbolkernel/kernel/internal/store"
	"github.com/symbolkernel/kernel/internal/toolloop"
	"github.com/symbolkernel/kernel/internal/trace"
)

type fakeProvider struct {
	responses []*llm.Response
	calls     int
}

func (p *fakeProvider) Name() string        { return "fake" }
func (p *fakeProvider) Models() []llm.Model { return nil }
func (p *fakeProvider) SupportsTools() bool { return true }

func (p *fakeProvider) Chat(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if p.calls >= len(p.responses) {
		return nil, fmt.Errorf("fake provider exhausted")
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func (p *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, llm.ErrNoEmbeddings
}

type staticPrompts struct{}

func (staticPrompts) System() string { return "activation prompt" }

func newTestRunner(t *testing.T, responses ...*llm.Response) (*Runner, *Store, *session.Machine, *trace.Sink) {
	t.Helper()
	kv, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	agentStore := NewStore(kv)
	machine := session.NewMachine(kv, nil, nil)
	sink := trace.NewSink(kv, nil)
	provider := &fakeProvider{responses: responses}
	processor := toolloop.NewProcessor(machine, provider, toolloop.ProcessorConfig{MaxSteps: 4}, nil, nil)

	logTrace := &toolloop.Tool{
		Name:    "log_trace",
		Schema:  toolloop.SchemaFor(&struct{}{}),
		Mutates: true,
		Handler: func(ctx context.Context, scope toolloop.Scope, args json.RawMessage) (any, error) {
			tr := &trace.Trace{SessionID: scope.SessionID, EntryNode: "sym-a"}
			if err := sink.Record(ctx, tr); err != nil {
				return nil, err
			}
			return map[string]string{"trace_id": tr.ID}, nil
		},
	}
	factory := func(scope toolloop.Scope, guard toolloop.WriteGuard) (*toolloop.Executor, error) {
		return toolloop.NewExecutor([]*toolloop.Tool{logTrace}, scope, guard, nil, nil)
	}

	runner := NewRunner(agentStore, machine, processor, factory, sink, staticPrompts{}, nil)
	return runner, agentStore, machine, sink
}

func TestExecuteAgent_Completes(t *testing.T) {
	runner, agentStore, machine, _ := newTestRunner(t,
		&llm.Response{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "log_trace", Input: json.RawMessage(`{}`)}}},
		&llm.Response{Text: "agent finished its rounds"},
	)
	ctx := context.Background()
	require.NoError(t, agentStore.Upsert(ctx, &Agent{ID: "a1", Prompt: "check the registry", Schedule: "* * * * *", Enabled: true}))

	exec, err := runner.ExecuteAgent(ctx, "a1", "")
	require.NoError(t, err)
	require.Equal(t, ExecutionCompleted, exec.Status)
	require.Equal(t, 1, exec.TraceCount)
	require.Contains(t, exec.ResponsePreview, "agent finished")
	require.False(t, exec.FinishedAt.IsZero())

	// The agent got a persistent agent-type session with history.
	agent, err := agentStore.Get(ctx, "a1")
	require.NoError(t, err)
	require.NotEmpty(t, agent.SessionID)
	require.Equal(t, string(ExecutionCompleted), agent.LastRunStatus)

	sess, err := machine.GetSession(ctx, agent.SessionID, "", true)
	require.NoError(t, err)
	require.Equal(t, session.TypeAgent, sess.Type)

	turns, err := machine.GetHistory(ctx, agent.SessionID, time.Time{})
	require.NoError(t, err)
	require.NotEmpty(t, turns)
	terminal := turns[len(turns)-1]
	require.Equal(t, toolloop.KindAgentUpdate, terminal.Metadata["kind"])
	require.Equal(t, "a1", terminal.Metadata["agent_id"])
}

func TestExecuteAgent_BusySessionDropsRun(t *testing.T) {
	runner, agentStore, machine, _ := newTestRunner(t, &llm.Response{Text: "unused"})
	ctx := context.Background()
	require.NoError(t, agentStore.Upsert(ctx, &Agent{ID: "a1", Prompt: "p", Schedule: "* * * * *", Enabled: true}))

	// First run creates the session; grab its lock to simulate an
	// in-flight turn.
	exec, err := runner.ExecuteAgent(ctx, "a1", "")
	require.NoError(t, err)
	require.Equal(t, ExecutionCompleted, exec.Status)

	agent, err := agentStore.Get(ctx, "a1")
	require.NoError(t, err)
	require.NoError(t, machine.SetActiveMessage(ctx, agent.SessionID, "held"))

	exec, err = runner.ExecuteAgent(ctx, "a1", "")
	require.Error(t, err)
	require.Equal(t, ExecutionFailed, exec.Status)
}

func TestExecuteAgent_MessageOverride(t *testing.T) {
	runner, agentStore, machine, _ := newTestRunner(t, &llm.Response{Text: "done"})
	ctx := context.Background()
	require.NoError(t, agentStore.Upsert(ctx, &Agent{ID: "a1", Prompt: "default prompt", Schedule: "* * * * *", Enabled: true}))

	_, err := runner.ExecuteAgent(ctx, "a1", "override message")
	require.NoError(t, err)

	agent, err := agentStore.Get(ctx, "a1")
	require.NoError(t, err)
	turns, err := machine.GetHistory(ctx, agent.SessionID, time.Time{})
	require.NoError(t, err)
	require.Equal(t, "override message", turns[0].Content)
}

func TestGetExecutionLogs_IncludeTraces(t *testing.T) {
	runner, agentStore, _, _ := newTestRunner(t,
		&llm.Response{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "log_trace", Input: json.RawMessage(`{}`)}}},
		&llm.Response{Text: "done"},
	)
	ctx := context.Background()
	require.NoError(t, agentStore.Upsert(ctx, &Agent{ID: "a1", Prompt: "p", Schedule: "* * * * *", Enabled: true}))
	_, err := runner.ExecuteAgent(ctx, "a1", "")
	require.NoError(t, err)

	logs, err := runner.GetExecutionLogs(ctx, "a1", 1, true)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	attached, ok := logs[0].Traces.([]*trace.Trace)
	require.True(t, ok)
	require.Len(t, attached, 1)
	require.Equal(t, "sym-a", attached[0].EntryNode)
}
