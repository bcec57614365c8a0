package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/symbolkernel/kernel/internal/kerrors"
	"github.com/symbolkernel/kernel/internal/store"
	"github.com/symbolkernel/kernel/internal/toolloop"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kv, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return NewStore(kv)
}

func TestValidateSchedule(t *testing.T) {
	require.NoError(t, ValidateSchedule("*/1 * * * *"))
	require.NoError(t, ValidateSchedule("@hourly"))
	require.Error(t, ValidateSchedule("not a cron"))
	require.Error(t, ValidateSchedule("61 * * * *"))
}

func TestNextRun(t *testing.T) {
	after := time.Date(2026, 8, 1, 12, 0, 30, 0, time.UTC)
	next, err := nextRun("*/1 * * * *", after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 8, 1, 12, 1, 0, 0, time.UTC), next)
}

func TestStore_UpsertValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Upsert(ctx, &Agent{ID: "", Prompt: "p", Schedule: "* * * * *"})
	require.ErrorIs(t, err, kerrors.ErrInvalid)

	err = s.Upsert(ctx, &Agent{ID: "a1", Prompt: "", Schedule: "* * * * *"})
	require.ErrorIs(t, err, kerrors.ErrInvalid)

	err = s.Upsert(ctx, &Agent{ID: "a1", Prompt: "p", Schedule: "bogus"})
	require.ErrorIs(t, err, kerrors.ErrInvalid)

	require.NoError(t, s.Upsert(ctx, &Agent{ID: "a1", Prompt: "p", Schedule: "* * * * *", Enabled: true}))
}

func TestStore_UpsertPreservesCreatedAtAndSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &Agent{ID: "a1", Prompt: "p", Schedule: "* * * * *", SessionID: "sess-1"}
	require.NoError(t, s.Upsert(ctx, first))

	update := &Agent{ID: "a1", Prompt: "p2", Schedule: "*/5 * * * *"}
	require.NoError(t, s.Upsert(ctx, update))

	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	require.True(t, first.CreatedAt.Equal(got.CreatedAt), "CreatedAt changed: %v -> %v", first.CreatedAt, got.CreatedAt)
	require.Equal(t, "sess-1", got.SessionID)
	require.Equal(t, "p2", got.Prompt)
}

func TestStore_ListDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, &Agent{ID: "b", Prompt: "p", Schedule: "* * * * *"}))
	require.NoError(t, s.Upsert(ctx, &Agent{ID: "a", Prompt: "p", Schedule: "* * * * *"}))

	agents, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	require.Equal(t, "a", agents[0].ID)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	require.ErrorIs(t, err, kerrors.ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, "a"), kerrors.ErrNotFound)
}

func TestStore_ReplaceAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, &Agent{ID: "old", Prompt: "p", Schedule: "* * * * *"}))

	require.NoError(t, s.ReplaceAll(ctx, []*Agent{
		{ID: "new1", Prompt: "p", Schedule: "* * * * *"},
		{ID: "new2", Prompt: "p", Schedule: "* * * * *"},
	}))

	agents, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	_, err = s.Get(ctx, "old")
	require.ErrorIs(t, err, kerrors.ErrNotFound)
}

func TestStore_ExecutionLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &ExecutionLog{AgentID: "a1", Status: ExecutionRunning, StartedAt: time.Now().Add(-time.Minute)}
	require.NoError(t, s.AppendExecution(ctx, first))
	second := &ExecutionLog{AgentID: "a2", Status: ExecutionRunning, StartedAt: time.Now()}
	require.NoError(t, s.AppendExecution(ctx, second))

	first.Status = ExecutionCompleted
	first.TraceCount = 3
	require.NoError(t, s.UpdateExecution(ctx, first))

	// Newest first, filter by agent, limit respected.
	logs, err := s.ListExecutions(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, "a2", logs[0].AgentID)

	logs, err = s.ListExecutions(ctx, "a1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, ExecutionCompleted, logs[0].Status)
	require.Equal(t, 3, logs[0].TraceCount)

	logs, err = s.ListExecutions(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
}

func TestAdminAdapter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	admin := NewAdmin(s)

	require.NoError(t, admin.UpsertAgent(ctx, toolloop.AgentSummary{
		ID: "a1", Prompt: "do the thing", Schedule: "*/2 * * * *", Enabled: true,
	}))
	list, err := admin.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "*/2 * * * *", list[0].Schedule)

	require.NoError(t, admin.DeleteAgent(ctx, "a1"))
	list, err = admin.ListAgents(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestScheduler_StartStopIdempotent(t *testing.T) {
	s := newTestStore(t)
	sched := New(s, nil, nil, WithTickInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)
	sched.Start(ctx) // second start is a no-op
	sched.Stop()
	sched.Stop() // second stop is a no-op
}
