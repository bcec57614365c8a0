// Package session implements the context session machine: a per-session
// active-message lock with a FIFO queue, cancellation signaling,
// idempotent crash recovery, and authorization-scoped access. Sessions
// are conversation or agent workspaces; every chat turn runs under the
// session's lock so history never interleaves.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/symbolkernel/kernel/internal/kerrors"
	"github.com/symbolkernel/kernel/internal/observability"
	"github.com/symbolkernel/kernel/internal/store"
)

// Session types.
const (
	TypeConversation = "conversation"
	TypeAgent        = "agent"
)

// Session statuses.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Turn roles.
const (
	RoleUser  = "user"
	RoleModel = "model"
	RoleTool  = "tool"
)

const (
	keySessions      = "sz:contexts"
	keySessionPrefix = "sz:context:"
	keyHistoryPrefix = "sz:history:"
)

func sessionKey(id string) string    { return keySessionPrefix + id }
func activeKey(id string) string     { return keySessionPrefix + id + ":active" }
func cancelKey(id string) string     { return keySessionPrefix + id + ":cancel" }
func queueKey(id string) string      { return keySessionPrefix + id + ":queue" }
func queueSeqKey(id string) string   { return keySessionPrefix + id + ":queue:seq" }
func historyKey(id string) string    { return keyHistoryPrefix + id }
func historySeqKey(id string) string { return keyHistoryPrefix + id + ":seq" }

// Session is a conversational or agent workspace.
type Session struct {
	ID                    string            `json:"id"`
	Type                  string            `json:"type"`
	Status                string            `json:"status"`
	UserID                string            `json:"userId,omitempty"`
	ActiveMessageID       string            `json:"activeMessageId,omitempty"`
	CancellationRequested bool              `json:"cancellationRequested,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	CreatedAt             time.Time         `json:"createdAt"`
	UpdatedAt             time.Time         `json:"updatedAt"`
}

// Turn is one history entry.
type Turn struct {
	ID            string            `json:"id"`
	Role          string            `json:"role"`
	Content       string            `json:"content"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlationId"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// TurnGroup is the turns sharing one correlation id: a user turn plus
// the model and tool turns it produced.
type TurnGroup struct {
	CorrelationID string  `json:"correlationId"`
	Turns         []*Turn `json:"turns"`
}

// QueuedMessage is one pending message awaiting the session lock. The
// id keeps two identical messages enqueued at the same instant distinct
// in the queue's sorted set.
type QueuedMessage struct {
	ID         string    `json:"id"`
	Message    string    `json:"message"`
	SourceID   string    `json:"sourceId,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Machine is the session service. All lock operations compare-and-swap a
// single per-session key, so a crashed worker can never leave two
// holders: the key is the only source of truth.
type Machine struct {
	kv      store.KV
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewMachine constructs the session machine.
func NewMachine(kv store.KV, logger *slog.Logger, metrics *observability.Metrics) *Machine {
	return &Machine{kv: kv, logger: observability.OrDefault(logger), metrics: metrics, now: time.Now}
}

// CreateSession opens a new idle session.
func (m *Machine) CreateSession(ctx context.Context, sessionType string, metadata map[string]string, ownerUserID string) (*Session, error) {
	if sessionType != TypeConversation && sessionType != TypeAgent {
		return nil, kerrors.NewValidationError("type", "type must be conversation or agent")
	}
	now := m.now()
	s := &Session{
		ID:        uuid.New().String(),
		Type:      sessionType,
		Status:    StatusOpen,
		UserID:    ownerUserID,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.put(ctx, s); err != nil {
		return nil, err
	}
	if err := m.kv.SAdd(ctx, keySessions, s.ID); err != nil {
		return nil, err
	}
	return s, nil
}

// ListSessions returns the sessions visible to the caller: admins see
// all, users see only their own.
func (m *Machine) ListSessions(ctx context.Context, userID string, isAdmin bool) ([]*Session, error) {
	ids, err := m.kv.SMembers(ctx, keySessions)
	if err != nil {
		return nil, err
	}
	var out []*Session
	for _, id := range ids {
		s, err := m.load(ctx, id)
		if err != nil {
			continue
		}
		if isAdmin || s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// GetSession returns one session. NotFound covers both "does not exist"
// and "exists but forbidden" so the call is not an existence oracle.
func (m *Machine) GetSession(ctx context.Context, id string, userID string, isAdmin bool) (*Session, error) {
	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isAdmin && s.UserID != userID {
		return nil, kerrors.ErrNotFound
	}
	return s, nil
}

// CloseSession marks a session closed. Closing is only allowed from the
// idle state and is idempotent.
func (m *Machine) CloseSession(ctx context.Context, id string, userID string, isAdmin bool) error {
	s, err := m.GetSession(ctx, id, userID, isAdmin)
	if err != nil {
		return err
	}
	if s.Status == StatusClosed {
		return nil
	}
	if active, err := m.activeMessage(ctx, id); err != nil {
		return err
	} else if active != "" {
		return &kerrors.BusyError{SessionID: id}
	}
	s.Status = StatusClosed
	s.UpdatedAt = m.now()
	return m.put(ctx, s)
}

// WriteAllowed reports whether the session accepts mutations: closed
// sessions serve history reads only.
func (m *Machine) WriteAllowed(ctx context.Context, id string) (bool, error) {
	s, err := m.load(ctx, id)
	if err != nil {
		return false, err
	}
	return s.Status == StatusOpen, nil
}

// load returns the raw session with the lock and cancellation keys
// folded into the view.
func (m *Machine) load(ctx context.Context, id string) (*Session, error) {
	data, err := m.kv.Get(ctx, sessionKey(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, kerrors.ErrNotFound
		}
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", id, err)
	}
	active, err := m.activeMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	s.ActiveMessageID = active
	if _, err := m.kv.Get(ctx, cancelKey(id)); err == nil {
		s.CancellationRequested = true
	}
	return &s, nil
}

func (m *Machine) put(ctx context.Context, s *Session) error {
	clone := *s
	// The lock and cancellation flags live in their own keys; never
	// persist them in the record or a stale write could shadow the lock.
	clone.ActiveMessageID = ""
	clone.CancellationRequested = false
	data, err := json.Marshal(&clone)
	if err != nil {
		return err
	}
	return m.kv.Set(ctx, sessionKey(s.ID), data, 0)
}

func (m *Machine) activeMessage(ctx context.Context, id string) (string, error) {
	data, err := m.kv.Get(ctx, activeKey(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}
