package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/symbolkernel/kernel/internal/kerrors"
	"github.com/symbolkernel/kernel/internal/store"
)

const (
	keyAgents          = "sz:agents"
	keyAgentPrefix     = "sz:agent:"
	keyExecutions      = "sz:agents:executions"
	keyExecutionPrefix = "sz:agents:execution:"
)

// Store persists agents and their execution history.
type Store struct {
	kv  store.KV
	now func() time.Time
}

// NewStore constructs the agent store.
func NewStore(kv store.KV) *Store {
	return &Store{kv: kv, now: time.Now}
}

// Upsert validates and writes an agent definition.
func (s *Store) Upsert(ctx context.Context, a *Agent) error {
	if a.ID == "" {
		return kerrors.NewValidationError("id", "agent id is required")
	}
	if a.Prompt == "" {
		return kerrors.NewValidationError("prompt", "agent prompt is required")
	}
	if err := ValidateSchedule(a.Schedule); err != nil {
		return err
	}
	now := s.now()
	if existing, err := s.Get(ctx, a.ID); err == nil {
		a.CreatedAt = existing.CreatedAt
		if a.SessionID == "" {
			a.SessionID = existing.SessionID
		}
		if a.LastRunAt.IsZero() {
			a.LastRunAt = existing.LastRunAt
			a.LastRunStatus = existing.LastRunStatus
		}
	} else if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if err := s.put(ctx, a); err != nil {
		return err
	}
	return s.kv.SAdd(ctx, keyAgents, a.ID)
}

func (s *Store) put(ctx context.Context, a *Agent) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, keyAgentPrefix+a.ID, data, 0)
}

// Get returns an agent by id.
func (s *Store) Get(ctx context.Context, id string) (*Agent, error) {
	data, err := s.kv.Get(ctx, keyAgentPrefix+id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, kerrors.ErrNotFound
		}
		return nil, err
	}
	var a Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("scheduler: decode agent %s: %w", id, err)
	}
	return &a, nil
}

// List returns all agents sorted by id.
func (s *Store) List(ctx context.Context) ([]*Agent, error) {
	ids, err := s.kv.SMembers(ctx, keyAgents)
	if err != nil {
		return nil, err
	}
	out := make([]*Agent, 0, len(ids))
	for _, id := range ids {
		a, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes an agent definition. Its execution history is kept.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, keyAgentPrefix+id); err != nil {
		return err
	}
	return s.kv.SRem(ctx, keyAgents, id)
}

// ReplaceAll swaps the full agent set, used by project import. It deletes
// every existing agent, then upserts the new ones one by one; it is not
// atomic, so an error part way leaves a partial set.
func (s *Store) ReplaceAll(ctx context.Context, agents []*Agent) error {
	existing, err := s.kv.SMembers(ctx, keyAgents)
	if err != nil {
		return err
	}
	for _, id := range existing {
		if err := s.kv.Delete(ctx, keyAgentPrefix+id); err != nil {
			return err
		}
		if err := s.kv.SRem(ctx, keyAgents, id); err != nil {
			return err
		}
	}
	for _, a := range agents {
		if err := s.Upsert(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// AppendExecution writes a new execution record into the time-ordered log.
func (s *Store) AppendExecution(ctx context.Context, exec *ExecutionLog) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = s.now()
	}
	if err := s.putExecution(ctx, exec); err != nil {
		return err
	}
	return s.kv.ZAdd(ctx, keyExecutions, float64(exec.StartedAt.UnixMilli()), exec.ID)
}

// UpdateExecution rewrites an existing execution record.
func (s *Store) UpdateExecution(ctx context.Context, exec *ExecutionLog) error {
	return s.putExecution(ctx, exec)
}

func (s *Store) putExecution(ctx context.Context, exec *ExecutionLog) error {
	clone := *exec
	clone.Traces = nil
	data, err := json.Marshal(&clone)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, keyExecutionPrefix+exec.ID, data, 0)
}

// GetExecution returns one execution record.
func (s *Store) GetExecution(ctx context.Context, id string) (*ExecutionLog, error) {
	data, err := s.kv.Get(ctx, keyExecutionPrefix+id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, kerrors.ErrNotFound
		}
		return nil, err
	}
	var exec ExecutionLog
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("scheduler: decode execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions returns execution records newest first, optionally
// filtered by agent id. limit <= 0 means no limit.
func (s *Store) ListExecutions(ctx context.Context, agentID string, limit int) ([]*ExecutionLog, error) {
	ids, err := s.kv.ZRange(ctx, keyExecutions, 0, -1)
	if err != nil {
		return nil, err
	}
	var out []*ExecutionLog
	for i := len(ids) - 1; i >= 0; i-- {
		exec, err := s.GetExecution(ctx, ids[i])
		if err != nil {
			continue
		}
		if agentID != "" && exec.AgentID != agentID {
			continue
		}
		out = append(out, exec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
