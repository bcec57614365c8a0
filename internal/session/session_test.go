package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/symbolkernel/kernel/internal/kerrors"
	"github.com/symbolkernel/kernel/internal/store"
)

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	kv, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return NewMachine(kv, nil, nil)
}

func TestCreateSession_Defaults(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, TypeConversation, nil, "u1")
	require.NoError(t, err)
	require.Equal(t, StatusOpen, s.Status)
	require.Empty(t, s.ActiveMessageID)

	_, err = m.CreateSession(ctx, "workspace", nil, "")
	require.ErrorIs(t, err, kerrors.ErrInvalid)
}

func TestGetSession_ForbiddenLooksLikeNotFound(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, TypeConversation, nil, "alice")
	require.NoError(t, err)

	_, err = m.GetSession(ctx, s.ID, "bob", false)
	require.ErrorIs(t, err, kerrors.ErrNotFound)

	_, err = m.GetSession(ctx, "no-such-session", "bob", false)
	require.ErrorIs(t, err, kerrors.ErrNotFound)

	got, err := m.GetSession(ctx, s.ID, "bob", true)
	require.NoError(t, err)
	require.Equal(t, s.ID, got.ID)
}

func TestListSessions_Visibility(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()
	_, err := m.CreateSession(ctx, TypeConversation, nil, "alice")
	require.NoError(t, err)
	_, err = m.CreateSession(ctx, TypeConversation, nil, "bob")
	require.NoError(t, err)

	mine, err := m.ListSessions(ctx, "alice", false)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	all, err := m.ListSessions(ctx, "", true)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestActiveMessageLock(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, TypeConversation, nil, "u1")
	require.NoError(t, err)

	require.NoError(t, m.SetActiveMessage(ctx, s.ID, "m1"))

	has, err := m.HasActiveMessage(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, has)

	// Second acquisition fails Busy.
	err = m.SetActiveMessage(ctx, s.ID, "m2")
	var busy *kerrors.BusyError
	require.ErrorAs(t, err, &busy)
	require.Equal(t, s.ID, busy.SessionID)

	// Release is idempotent.
	require.NoError(t, m.ClearActiveMessage(ctx, s.ID))
	require.NoError(t, m.ClearActiveMessage(ctx, s.ID))

	require.NoError(t, m.SetActiveMessage(ctx, s.ID, "m2"))
}

func TestCancellationFlag(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, TypeConversation, nil, "u1")
	require.NoError(t, err)

	cancelled, err := m.CancellationRequested(ctx, s.ID)
	require.NoError(t, err)
	require.False(t, cancelled)

	require.NoError(t, m.RequestCancellation(ctx, s.ID, "u1", false))
	cancelled, err = m.CancellationRequested(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, cancelled)

	// Lock release clears the flag.
	require.NoError(t, m.ClearActiveMessage(ctx, s.ID))
	cancelled, err = m.CancellationRequested(ctx, s.ID)
	require.NoError(t, err)
	require.False(t, cancelled)
}

func TestCloseSession(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, TypeConversation, nil, "u1")
	require.NoError(t, err)

	// Closing a busy session is refused.
	require.NoError(t, m.SetActiveMessage(ctx, s.ID, "m1"))
	err = m.CloseSession(ctx, s.ID, "u1", false)
	var busy *kerrors.BusyError
	require.ErrorAs(t, err, &busy)

	require.NoError(t, m.ClearActiveMessage(ctx, s.ID))
	require.NoError(t, m.CloseSession(ctx, s.ID, "u1", false))
	// Idempotent.
	require.NoError(t, m.CloseSession(ctx, s.ID, "u1", false))

	// Closed sessions refuse the lock and new queue entries.
	err = m.SetActiveMessage(ctx, s.ID, "m2")
	require.ErrorIs(t, err, kerrors.ErrInvalid)
	require.Error(t, m.EnqueueMessage(ctx, s.ID, "hello", ""))

	allowed, err := m.WriteAllowed(ctx, s.ID)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestQueueFIFO(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, TypeConversation, nil, "u1")
	require.NoError(t, err)

	require.NoError(t, m.EnqueueMessage(ctx, s.ID, "first", "src1"))
	require.NoError(t, m.EnqueueMessage(ctx, s.ID, "second", "src2"))

	has, err := m.HasQueuedMessages(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, has)

	qm, err := m.PopNextMessage(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, "first", qm.Message)
	require.Equal(t, "src1", qm.SourceID)

	qm, err = m.PopNextMessage(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, "second", qm.Message)

	qm, err = m.PopNextMessage(ctx, s.ID)
	require.NoError(t, err)
	require.Nil(t, qm)
}

func TestHistoryGrouping(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, TypeConversation, nil, "u1")
	require.NoError(t, err)

	base := time.Now()
	turns := []*Turn{
		{Role: RoleUser, Content: "q1", CorrelationID: "m1", Timestamp: base},
		{Role: RoleTool, Content: "t1", CorrelationID: "m1", Timestamp: base.Add(time.Millisecond)},
		{Role: RoleModel, Content: "a1", CorrelationID: "m1", Timestamp: base.Add(2 * time.Millisecond)},
		{Role: RoleUser, Content: "q2", CorrelationID: "m2", Timestamp: base.Add(3 * time.Millisecond)},
		{Role: RoleModel, Content: "a2", CorrelationID: "m2", Timestamp: base.Add(4 * time.Millisecond)},
	}
	for _, turn := range turns {
		require.NoError(t, m.RecordMessage(ctx, s.ID, turn))
	}

	groups, err := m.GetHistoryGrouped(ctx, s.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Equal(t, "m1", groups[0].CorrelationID)
	require.Len(t, groups[0].Turns, 3)
	require.Equal(t, "m2", groups[1].CorrelationID)
	require.Len(t, groups[1].Turns, 2)

	// since filter drops the earlier group.
	groups, err = m.GetHistoryGrouped(ctx, s.ID, base.Add(3*time.Millisecond))
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, "m2", groups[0].CorrelationID)
}

func TestHistoryPreservesAppendOrderOnEqualTimestamps(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, TypeConversation, nil, "u1")
	require.NoError(t, err)

	// A frozen clock gives every turn the same timestamp; ordering must
	// still follow append order, not member content.
	frozen := time.Now()
	m.now = func() time.Time { return frozen }
	contents := []string{"zulu", "alpha", "mike"}
	for _, content := range contents {
		require.NoError(t, m.RecordMessage(ctx, s.ID, &Turn{
			Role: RoleUser, Content: content, CorrelationID: "m1", Timestamp: frozen,
		}))
	}

	turns, err := m.GetHistory(ctx, s.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, turns, 3)
	for i, content := range contents {
		require.Equal(t, content, turns[i].Content)
	}

	// Same for the queue.
	require.NoError(t, m.EnqueueMessage(ctx, s.ID, "zulu", ""))
	require.NoError(t, m.EnqueueMessage(ctx, s.ID, "alpha", ""))
	qm, err := m.PopNextMessage(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, "zulu", qm.Message)
}

func TestRecovery(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()

	// Session with an interrupted turn: lock held, user turn present.
	s1, err := m.CreateSession(ctx, TypeConversation, nil, "u1")
	require.NoError(t, err)
	require.NoError(t, m.SetActiveMessage(ctx, s1.ID, "m1"))
	require.NoError(t, m.RecordMessage(ctx, s1.ID, &Turn{Role: RoleUser, Content: "ping", CorrelationID: "m1"}))

	// Session with a stale lock and no user turn.
	s2, err := m.CreateSession(ctx, TypeConversation, nil, "u1")
	require.NoError(t, err)
	require.NoError(t, m.SetActiveMessage(ctx, s2.ID, "stale"))

	// Idle session.
	_, err = m.CreateSession(ctx, TypeConversation, nil, "u1")
	require.NoError(t, err)

	recovered, err := m.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	require.Equal(t, s1.ID, recovered[0].SessionID)
	require.Equal(t, "m1", recovered[0].MessageID)
	require.Equal(t, "ping", recovered[0].Message)

	// The stale lock was cleared.
	has, err := m.HasActiveMessage(ctx, s2.ID)
	require.NoError(t, err)
	require.False(t, has)

	// The interrupted session keeps its original lock for re-entry.
	has, err = m.HasActiveMessage(ctx, s1.ID)
	require.NoError(t, err)
	require.True(t, has)
}

func TestCleanupTestSessions(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()

	old, err := m.CreateSession(ctx, TypeConversation, map[string]string{MetadataTestOrigin: "true"}, "")
	require.NoError(t, err)
	fresh, err := m.CreateSession(ctx, TypeConversation, map[string]string{MetadataTestOrigin: "true"}, "")
	require.NoError(t, err)
	normal, err := m.CreateSession(ctx, TypeConversation, nil, "")
	require.NoError(t, err)

	// Age the first session beyond the TTL.
	m.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	// Recreate fresh's timestamp under the shifted clock so it survives.
	freshRecord, err := m.GetSession(ctx, fresh.ID, "", true)
	require.NoError(t, err)
	freshRecord.CreatedAt = m.now()
	require.NoError(t, m.put(ctx, freshRecord))

	removed, err := m.CleanupTestSessions(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = m.GetSession(ctx, old.ID, "", true)
	require.ErrorIs(t, err, kerrors.ErrNotFound)
	_, err = m.GetSession(ctx, fresh.ID, "", true)
	require.NoError(t, err)
	_, err = m.GetSession(ctx, normal.ID, "", true)
	require.NoError(t, err)
}

func TestAttachments(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()

	id, err := m.SaveAttachment(ctx, &Attachment{Name: "notes.txt", Content: "hello"})
	require.NoError(t, err)

	att, err := m.GetAttachment(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "hello", att.Content)

	_, err = m.GetAttachment(ctx, "missing")
	require.ErrorIs(t, err, kerrors.ErrNotFound)
}
