package session

import (
	"context"
	"strings"
	"time"
)

// RecoveredTurn describes one session whose in-flight turn was
// interrupted by a crash: the lock was held at startup and the most
// recent user turn identifies the work to re-enter.
type RecoveredTurn struct {
	SessionID string
	MessageID string // the original active message id, preserved for client correlation
	Message   string
	UserID    string
}

// Recover scans every open session that still holds an active-message
// lock and returns the turns to re-run. The original lock value is kept
// in place so re-entry uses the same message id; sessions with a lock
// but no user turn are stale artifacts and the lock is simply cleared.
// Recovery is idempotent: running it twice over the same state yields
// the same set (re-entry clears each lock as it completes).
func (m *Machine) Recover(ctx context.Context) ([]RecoveredTurn, error) {
	ids, err := m.kv.SMembers(ctx, keySessions)
	if err != nil {
		return nil, err
	}
	var out []RecoveredTurn
	for _, id := range ids {
		s, err := m.load(ctx, id)
		if err != nil {
			continue
		}
		if s.Status != StatusOpen || s.ActiveMessageID == "" {
			continue
		}
		turns, err := m.GetHistory(ctx, id, time.Time{})
		if err != nil {
			m.logger.Warn("session: recovery could not read history", "session", id, "error", err)
			continue
		}
		var lastUser *Turn
		for i := len(turns) - 1; i >= 0; i-- {
			if turns[i].Role == RoleUser {
				lastUser = turns[i]
				break
			}
		}
		if lastUser == nil {
			m.logger.Info("session: clearing stale lock with no user turn", "session", id)
			if err := m.ClearActiveMessage(ctx, id); err != nil {
				m.logger.Warn("session: failed to clear stale lock", "session", id, "error", err)
			}
			continue
		}
		out = append(out, RecoveredTurn{
			SessionID: id,
			MessageID: s.ActiveMessageID,
			Message:   lastUser.Content,
			UserID:    s.UserID,
		})
	}
	return out, nil
}

// MetadataTestOrigin marks sessions created by the test runner; they are
// garbage-collected when left open past the TTL.
const MetadataTestOrigin = "test_origin"

// CleanupTestSessions removes test-origin sessions left open longer than
// ttl. Returns the number of sessions removed.
func (m *Machine) CleanupTestSessions(ctx context.Context, ttl time.Duration) (int, error) {
	ids, err := m.kv.SMembers(ctx, keySessions)
	if err != nil {
		return 0, err
	}
	removed := 0
	cutoff := m.now().Add(-ttl)
	for _, id := range ids {
		s, err := m.load(ctx, id)
		if err != nil {
			continue
		}
		if !strings.EqualFold(s.Metadata[MetadataTestOrigin], "true") {
			continue
		}
		if s.Status == StatusOpen && s.CreatedAt.Before(cutoff) {
			if err := m.Delete(ctx, id); err != nil {
				m.logger.Warn("session: test cleanup failed", "session", id, "error", err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// Delete removes a session, its history, queue, sequence counters, and
// lock keys.
func (m *Machine) Delete(ctx context.Context, id string) error {
	if err := m.kv.Delete(ctx, historyKey(id)); err != nil {
		return err
	}
	if err := m.kv.Delete(ctx, historySeqKey(id)); err != nil {
		return err
	}
	if err := m.kv.Delete(ctx, queueKey(id)); err != nil {
		return err
	}
	if err := m.kv.Delete(ctx, queueSeqKey(id)); err != nil {
		return err
	}
	if err := m.ClearActiveMessage(ctx, id); err != nil {
		return err
	}
	if err := m.kv.Delete(ctx, sessionKey(id)); err != nil {
		return err
	}
	return m.kv.SRem(ctx, keySessions, id)
}
