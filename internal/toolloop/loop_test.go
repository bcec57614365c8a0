package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/symbolkernel/kernel/internal/llm"
	"github.com/symbolkernel/kernel/internal/session"
	"github.com/symbolkernel/kernel/internal/store"
	"github.com/symbolkernel/kernel/internal/trace"
)

// scriptedProvider returns canned responses in order.
type scriptedProvider struct {
	responses []*llm.Response
	calls     int
	requests  []*llm.Request
}

func (p *scriptedProvider) Name() string        { return "scripted" }
func (p *scriptedProvider) Models() []llm.Model { return nil }
func (p *scriptedProvider) SupportsTools() bool { return true }

func (p *scriptedProvider) Chat(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	p.requests = append(p.requests, req)
	if p.calls >= len(p.responses) {
		return nil, fmt.Errorf("scripted provider exhausted after %d calls", p.calls)
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func (p *scriptedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, llm.ErrNoEmbeddings
}

func finalText(text string) *llm.Response {
	return &llm.Response{Text: text}
}

func toolCall(id, name, input string) *llm.Response {
	return &llm.Response{ToolCalls: []llm.ToolCall{{ID: id, Name: name, Input: json.RawMessage(input)}}}
}

type echoArgs struct {
	Value string `json:"value"`
}

func echoTool() *Tool {
	return &Tool{
		Name:        "echo",
		Description: "Echo the value back.",
		Schema:      SchemaFor(&echoArgs{}),
		Handler: func(ctx context.Context, scope Scope, args json.RawMessage) (any, error) {
			var a echoArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return nil, err
			}
			return map[string]string{"echo": a.Value}, nil
		},
	}
}

func failTool() *Tool {
	return &Tool{
		Name:        "explode",
		Description: "Always fails.",
		Schema:      SchemaFor(&struct{}{}),
		Handler: func(ctx context.Context, scope Scope, args json.RawMessage) (any, error) {
			return nil, fmt.Errorf("boom")
		},
	}
}

func newFixture(t *testing.T, responses ...*llm.Response) (*session.Machine, *Processor, *scriptedProvider, string) {
	t.Helper()
	kv, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	machine := session.NewMachine(kv, nil, nil)
	provider := &scriptedProvider{responses: responses}
	processor := NewProcessor(machine, provider, ProcessorConfig{MaxSteps: 4}, nil, nil)

	s, err := machine.CreateSession(context.Background(), session.TypeConversation, nil, "u1")
	require.NoError(t, err)
	return machine, processor, provider, s.ID
}

func newExecutor(t *testing.T, scope Scope, guard WriteGuard, tools ...*Tool) *Executor {
	t.Helper()
	exec, err := NewExecutor(tools, scope, guard, nil, nil)
	require.NoError(t, err)
	return exec
}

func TestProcessMessage_FinalText(t *testing.T) {
	machine, processor, provider, sid := newFixture(t, finalText("pong"))
	ctx := context.Background()
	exec := newExecutor(t, Scope{SessionID: sid}, nil, echoTool())

	require.NoError(t, machine.SetActiveMessage(ctx, sid, "m1"))
	require.NoError(t, processor.ProcessMessage(ctx, sid, "ping", exec, "system prompt", ProcessOptions{
		MessageID:      "m1",
		RecordUserTurn: true,
	}))

	require.Equal(t, 1, provider.calls)
	require.Equal(t, "system prompt", provider.requests[0].System)

	turns, err := machine.GetHistory(ctx, sid, time.Time{})
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, session.RoleUser, turns[0].Role)
	require.Equal(t, "m1", turns[0].CorrelationID)
	require.Equal(t, session.RoleModel, turns[1].Role)
	require.Equal(t, "pong", turns[1].Content)
	require.Equal(t, "m1", turns[1].CorrelationID)

	// Lock is released.
	has, err := machine.HasActiveMessage(ctx, sid)
	require.NoError(t, err)
	require.False(t, has)
}

func TestProcessMessage_ToolRoundTrip(t *testing.T) {
	machine, processor, provider, sid := newFixture(t,
		toolCall("c1", "echo", `{"value":"hi"}`),
		finalText("done"),
	)
	ctx := context.Background()
	exec := newExecutor(t, Scope{SessionID: sid}, nil, echoTool())

	require.NoError(t, machine.SetActiveMessage(ctx, sid, "m1"))
	require.NoError(t, processor.ProcessMessage(ctx, sid, "go", exec, "", ProcessOptions{
		MessageID:      "m1",
		RecordUserTurn: true,
	}))

	require.Equal(t, 2, provider.calls)

	turns, err := machine.GetHistory(ctx, sid, time.Time{})
	require.NoError(t, err)
	require.Len(t, turns, 3) // user, tool, model
	require.Equal(t, session.RoleTool, turns[1].Role)
	require.Contains(t, turns[1].Content, `"echo":"hi"`)
	require.Equal(t, "m1", turns[1].CorrelationID)

	// The second request carried the tool result back to the model.
	second := provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	require.Equal(t, "tool", last.Role)
	require.Len(t, last.ToolResults, 1)
	require.Equal(t, "c1", last.ToolResults[0].ToolCallID)
	require.False(t, last.ToolResults[0].IsError)
}

func TestProcessMessage_ToolErrorContinuesLoop(t *testing.T) {
	machine, processor, _, sid := newFixture(t,
		toolCall("c1", "explode", `{}`),
		finalText("recovered"),
	)
	ctx := context.Background()
	exec := newExecutor(t, Scope{SessionID: sid}, nil, failTool())

	require.NoError(t, machine.SetActiveMessage(ctx, sid, "m1"))
	require.NoError(t, processor.ProcessMessage(ctx, sid, "go", exec, "", ProcessOptions{
		MessageID:      "m1",
		RecordUserTurn: true,
	}))

	turns, err := machine.GetHistory(ctx, sid, time.Time{})
	require.NoError(t, err)
	require.Len(t, turns, 3)
	require.Contains(t, turns[1].Content, "boom")
	require.Equal(t, "recovered", turns[2].Content)
}

func TestProcessMessage_StepBudgetExceededIsSuccess(t *testing.T) {
	// Every step asks for another tool call; the budget (4) runs out.
	responses := []*llm.Response{
		toolCall("c1", "echo", `{"value":"1"}`),
		toolCall("c2", "echo", `{"value":"2"}`),
		toolCall("c3", "echo", `{"value":"3"}`),
		toolCall("c4", "echo", `{"value":"4"}`),
	}
	machine, processor, _, sid := newFixture(t, responses...)
	ctx := context.Background()
	exec := newExecutor(t, Scope{SessionID: sid}, nil, echoTool())

	require.NoError(t, machine.SetActiveMessage(ctx, sid, "m1"))
	require.NoError(t, processor.ProcessMessage(ctx, sid, "go", exec, "", ProcessOptions{
		MessageID:      "m1",
		RecordUserTurn: true,
	}))

	turns, err := machine.GetHistory(ctx, sid, time.Time{})
	require.NoError(t, err)
	terminal := turns[len(turns)-1]
	require.Equal(t, session.RoleModel, terminal.Role)
	require.Equal(t, KindBudgetExceeded, terminal.Metadata["kind"])

	// Session returned to idle.
	has, err := machine.HasActiveMessage(ctx, sid)
	require.NoError(t, err)
	require.False(t, has)
}

func TestProcessMessage_Cancellation(t *testing.T) {
	machine, processor, provider, sid := newFixture(t, finalText("never used"))
	ctx := context.Background()
	exec := newExecutor(t, Scope{SessionID: sid}, nil, echoTool())

	require.NoError(t, machine.SetActiveMessage(ctx, sid, "m1"))
	require.NoError(t, machine.RequestCancellation(ctx, sid, "u1", false))

	require.NoError(t, processor.ProcessMessage(ctx, sid, "go", exec, "", ProcessOptions{
		MessageID:      "m1",
		RecordUserTurn: true,
	}))

	// The model was never called; exactly one cancelled turn exists.
	require.Equal(t, 0, provider.calls)
	turns, err := machine.GetHistory(ctx, sid, time.Time{})
	require.NoError(t, err)
	cancelled := 0
	for _, turn := range turns {
		if turn.Metadata["kind"] == KindCancelled {
			cancelled++
		}
	}
	require.Equal(t, 1, cancelled)

	// The flag was cleared with the lock.
	flagged, err := machine.CancellationRequested(ctx, sid)
	require.NoError(t, err)
	require.False(t, flagged)
}

func TestProcessMessage_DrainsQueue(t *testing.T) {
	machine, processor, _, sid := newFixture(t,
		finalText("answer one"),
		finalText("answer two"),
	)
	ctx := context.Background()
	exec := newExecutor(t, Scope{SessionID: sid}, nil, echoTool())

	require.NoError(t, machine.EnqueueMessage(ctx, sid, "second question", "src"))
	require.NoError(t, machine.SetActiveMessage(ctx, sid, "m1"))
	require.NoError(t, processor.ProcessMessage(ctx, sid, "first question", exec, "", ProcessOptions{
		MessageID:      "m1",
		RecordUserTurn: true,
	}))

	turns, err := machine.GetHistory(ctx, sid, time.Time{})
	require.NoError(t, err)
	require.Len(t, turns, 4)
	require.Equal(t, "first question", turns[0].Content)
	require.Equal(t, "answer one", turns[1].Content)
	require.Equal(t, "second question", turns[2].Content)
	require.True(t, strings.HasPrefix(turns[2].CorrelationID, "queued-"))
	require.Equal(t, "answer two", turns[3].Content)

	// Queue fully drained, lock free.
	queued, err := machine.HasQueuedMessages(ctx, sid)
	require.NoError(t, err)
	require.False(t, queued)
	has, err := machine.HasActiveMessage(ctx, sid)
	require.NoError(t, err)
	require.False(t, has)
}

func TestProcessMessage_RecoveryDoesNotDuplicateUserTurn(t *testing.T) {
	machine, processor, _, sid := newFixture(t, finalText("recovered answer"))
	ctx := context.Background()
	exec := newExecutor(t, Scope{SessionID: sid}, nil, echoTool())

	// Simulate the pre-crash state: user turn recorded, lock held.
	require.NoError(t, machine.SetActiveMessage(ctx, sid, "m1"))
	require.NoError(t, machine.RecordMessage(ctx, sid, &session.Turn{
		ID: "m1", Role: session.RoleUser, Content: "ping", CorrelationID: "m1",
	}))

	require.NoError(t, processor.ProcessMessage(ctx, sid, "ping", exec, "", ProcessOptions{
		MessageID:      "m1",
		RecordUserTurn: false,
	}))

	turns, err := machine.GetHistory(ctx, sid, time.Time{})
	require.NoError(t, err)
	require.Len(t, turns, 2) // exactly one additional model turn
	require.Equal(t, session.RoleModel, turns[1].Role)
}

func TestProcessMessage_LLMErrorRecordsFailureTurn(t *testing.T) {
	machine, processor, _, sid := newFixture(t) // provider exhausted immediately
	ctx := context.Background()
	exec := newExecutor(t, Scope{SessionID: sid}, nil, echoTool())

	require.NoError(t, machine.SetActiveMessage(ctx, sid, "m1"))
	err := processor.ProcessMessage(ctx, sid, "go", exec, "", ProcessOptions{
		MessageID:      "m1",
		RecordUserTurn: true,
	})
	require.Error(t, err)

	turns, herr := machine.GetHistory(ctx, sid, time.Time{})
	require.NoError(t, herr)
	terminal := turns[len(turns)-1]
	require.Equal(t, KindError, terminal.Metadata["kind"])

	// Lock released even on failure.
	has, herr := machine.HasActiveMessage(ctx, sid)
	require.NoError(t, herr)
	require.False(t, has)
}

func TestExecutor_AdminOnlyAndValidation(t *testing.T) {
	adminTool := &Tool{
		Name:        "wipe",
		Description: "Admin only.",
		Schema:      SchemaFor(&struct{}{}),
		AdminOnly:   true,
		Handler: func(ctx context.Context, scope Scope, args json.RawMessage) (any, error) {
			return "ok", nil
		},
	}

	t.Run("non-admin refused", func(t *testing.T) {
		exec := newExecutor(t, Scope{UserID: "u1"}, nil, adminTool)
		content, isErr := exec.Execute(context.Background(), "wipe", nil)
		require.True(t, isErr)
		require.Contains(t, content, "requires admin privileges")
	})

	t.Run("admin allowed", func(t *testing.T) {
		exec := newExecutor(t, Scope{UserID: "u1", IsAdmin: true}, nil, adminTool)
		_, isErr := exec.Execute(context.Background(), "wipe", nil)
		require.False(t, isErr)
	})

	t.Run("unknown tool", func(t *testing.T) {
		exec := newExecutor(t, Scope{}, nil)
		content, isErr := exec.Execute(context.Background(), "nope", nil)
		require.True(t, isErr)
		require.Contains(t, content, string(ToolErrorNotFound))
	})

	t.Run("schema validation failure", func(t *testing.T) {
		exec := newExecutor(t, Scope{}, nil, echoTool())
		content, isErr := exec.Execute(context.Background(), "echo", json.RawMessage(`{"value": 7}`))
		require.True(t, isErr)
		require.Contains(t, content, string(ToolErrorInvalidInput))
	})
}

func TestExecutor_WriteGuardBlocksMutationsOnClosedSession(t *testing.T) {
	mutating := &Tool{
		Name:        "write_thing",
		Description: "Writes.",
		Schema:      SchemaFor(&struct{}{}),
		Mutates:     true,
		Handler: func(ctx context.Context, scope Scope, args json.RawMessage) (any, error) {
			return "wrote", nil
		},
	}
	guard := func(ctx context.Context) (bool, error) { return false, nil }
	exec := newExecutor(t, Scope{}, guard, mutating)

	content, isErr := exec.Execute(context.Background(), "write_thing", nil)
	require.True(t, isErr)
	require.Contains(t, content, "closed")
}

func TestLogTraceTool(t *testing.T) {
	kv, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	sink := trace.NewSink(kv, nil)

	tool := &Tool{
		Name:    "log_trace",
		Schema:  SchemaFor(&logTraceArgs{}),
		Mutates: true,
		Handler: logTraceHandler(sink),
	}
	exec := newExecutor(t, Scope{SessionID: "sess-1"}, nil, tool)

	args := `{"entry_node":"sym-a","activation_path":[{"symbol_id":"sym-b","reason":"linked"}],"output_node":"sym-c","status":"complete"}`
	content, isErr := exec.Execute(context.Background(), "log_trace", json.RawMessage(args))
	require.False(t, isErr, content)

	traces, err := sink.ListBySession(context.Background(), "sess-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, traces, 1)
	require.Equal(t, "sym-a", traces[0].EntryNode)
	require.Equal(t, "sym-b", traces[0].ActivationPath[0].SymbolID)
	require.Equal(t, "sess-1", traces[0].SessionID)
}
