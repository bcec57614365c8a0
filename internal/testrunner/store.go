package testrunner

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
	keyTestSets      = "sz:test_sets"
	keyTestSetPrefix = "sz:test_set:"
	keyTestRuns      = "sz:test_runs"
	keyTestRunPrefix = "sz:test_run:"
)

// Store persists test sets and runs.
type Store struct {
	kv  store.KV
	now func() time.Time
}

// NewStore constructs the test store.
func NewStore(kv store.KV) *Store {
	return &Store{kv: kv, now: time.Now}
}

// UpsertSet writes a test set, assigning ids where missing.
func (s *Store) UpsertSet(ctx context.Context, set *TestSet) error {
	if set.ID == "" {
		set.ID = uuid.New().String()
	}
	if set.Name == "" {
		return kerrors.NewValidationError("name", "test set name is required")
	}
	for i := range set.Tests {
		if set.Tests[i].ID == "" {
			set.Tests[i].ID = uuid.New().String()
		}
	}
	now := s.now()
	if set.CreatedAt.IsZero() {
		set.CreatedAt = now
	}
	set.UpdatedAt = now
	data, err := json.Marshal(set)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, keyTestSetPrefix+set.ID, data, 0); err != nil {
		return err
	}
	return s.kv.SAdd(ctx, keyTestSets, set.ID)
}

// GetSet returns one test set.
func (s *Store) GetSet(ctx context.Context, id string) (*TestSet, error) {
	data, err := s.kv.Get(ctx, keyTestSetPrefix+id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, kerrors.ErrNotFound
		}
		return nil, err
	}
	var set TestSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("testrunner: decode set %s: %w", id, err)
	}
	return &set, nil
}

// ListSets returns all test sets sorted by name.
func (s *Store) ListSets(ctx context.Context) ([]*TestSet, error) {
	ids, err := s.kv.SMembers(ctx, keyTestSets)
	if err != nil {
		return nil, err
	}
	out := make([]*TestSet, 0, len(ids))
	for _, id := range ids {
		set, err := s.GetSet(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, set)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteSet removes a test set.
func (s *Store) DeleteSet(ctx context.Context, id string) error {
	if _, err := s.GetSet(ctx, id); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, keyTestSetPrefix+id); err != nil {
		return err
	}
	return s.kv.SRem(ctx, keyTestSets, id)
}

// ListTestSetNames implements the tool catalog contract.
func (s *Store) ListTestSetNames(ctx context.Context) ([]string, error) {
	sets, err := s.ListSets(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(sets))
	for _, set := range sets {
		names = append(names, set.Name)
	}
	return names, nil
}

// PutRun writes a run record.
func (s *Store) PutRun(ctx context.Context, run *TestRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, keyTestRunPrefix+run.ID, data, 0); err != nil {
		return err
	}
	return s.kv.SAdd(ctx, keyTestRuns, run.ID)
}

// GetRun returns one run.
func (s *Store) GetRun(ctx context.Context, id string) (*TestRun, error) {
	data, err := s.kv.Get(ctx, keyTestRunPrefix+id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, kerrors.ErrNotFound
		}
		return nil, err
	}
	var run TestRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("testrunner: decode run %s: %w", id, err)
	}
	return &run, nil
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]*TestRun, error) {
	ids, err := s.kv.SMembers(ctx, keyTestRuns)
	if err != nil {
		return nil, err
	}
	out := make([]*TestRun, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}
