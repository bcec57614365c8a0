package mcpsurface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/symbolkernel/kernel/internal/authctx"
	"github.com/symbolkernel/kernel/internal/kerrors"
	"github.com/symbolkernel/kernel/internal/store"
)

const keySessionPrefix = "mcp:session:"

// DefaultSessionTTL bounds how long a connection's JSON-RPC endpoint
// stays valid; the record is written once at connect and the SSE stream
// does not extend it.
const DefaultSessionTTL = time.Hour

// Session is one live SSE connection's identity record.
type Session struct {
	ID        string       `json:"id"`
	UserID    string       `json:"userId"`
	UserRole  authctx.Role `json:"userRole"`
	CreatedAt time.Time    `json:"createdAt"`
}

// IsAdmin reports whether this connection carries admin privileges.
func (s *Session) IsAdmin() bool { return s.UserRole == authctx.RoleAdmin }

// SessionStore tracks live MCP sessions with a short TTL.
type SessionStore struct {
	kv  store.KV
	ttl time.Duration
}

// NewSessionStore constructs the session store. ttl <= 0 uses the default.
func NewSessionStore(kv store.KV, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{kv: kv, ttl: ttl}
}

// Create allocates a session for the connecting user.
func (s *SessionStore) Create(ctx context.Context, userID string, role authctx.Role) (*Session, error) {
	sess := &Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		UserRole:  role,
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	if err := s.kv.Set(ctx, keySessionPrefix+sess.ID, data, s.ttl); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get resolves a live session id; expired and unknown ids are NotFound.
func (s *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.kv.Get(ctx, keySessionPrefix+id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, kerrors.ErrNotFound
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("mcpsurface: decode session %s: %w", id, err)
	}
	return &sess, nil
}

// Delete drops a session immediately, called on SSE disconnect.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, keySessionPrefix+id)
}
