// Package trace persists the structured records of symbolic reasoning
// chains that the model emits through the log_trace tool. These are
// domain objects served over the API, distinct from the OpenTelemetry
// tracing that internal/observability configures for operational
// visibility.
package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/symbolkernel/kernel/internal/kerrors"
	"github.com/symbolkernel/kernel/internal/observability"
	"github.com/symbolkernel/kernel/internal/store"
)

const (
	keyTraces      = "sz:traces"
	keyTracePrefix = "sz:trace:"
)

// PathStep is one hop in an activation path.
type PathStep struct {
	SymbolID string `json:"symbol_id"`
	Reason   string `json:"reason,omitempty"`
	LinkType string `json:"link_type,omitempty"`
}

// SourceContext records where an activation chain originated.
type SourceContext struct {
	SymbolDomain  string `json:"symbol_domain,omitempty"`
	TriggerVector string `json:"trigger_vector,omitempty"`
}

// Trace is one recorded symbolic reasoning chain.
type Trace struct {
	ID             string        `json:"id"`
	SessionID      string        `json:"sessionId,omitempty"`
	EntryNode      string        `json:"entry_node"`
	ActivatedBy    string        `json:"activated_by,omitempty"`
	ActivationPath []PathStep    `json:"activation_path,omitempty"`
	SourceContext  SourceContext `json:"source_context"`
	OutputNode     string        `json:"output_node,omitempty"`
	Status         string        `json:"status,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// Sink records and serves traces.
type Sink struct {
	kv     store.KV
	logger *slog.Logger
	now    func() time.Time
}

// NewSink constructs a trace sink over the shared key-value store.
func NewSink(kv store.KV, logger *slog.Logger) *Sink {
	return &Sink{kv: kv, logger: observability.OrDefault(logger), now: time.Now}
}

// Record persists tr, assigning an id and timestamp when absent.
func (s *Sink) Record(ctx context.Context, tr *Trace) error {
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = s.now()
	}
	data, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("trace: encode %s: %w", tr.ID, err)
	}
	if err := s.kv.Set(ctx, keyTracePrefix+tr.ID, data, 0); err != nil {
		return err
	}
	return s.kv.ZAdd(ctx, keyTraces, float64(tr.CreatedAt.UnixMilli()), tr.ID)
}

// Get returns one trace by id.
func (s *Sink) Get(ctx context.Context, id string) (*Trace, error) {
	data, err := s.kv.Get(ctx, keyTracePrefix+id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, kerrors.ErrNotFound
		}
		return nil, err
	}
	var tr Trace
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("trace: decode %s: %w", id, err)
	}
	return &tr, nil
}

// List returns traces in insertion order, newest last, skipping entries
// created before since (zero = everything). limit <= 0 means no limit.
func (s *Sink) List(ctx context.Context, since time.Time, limit int) ([]*Trace, error) {
	ids, err := s.kv.ZRange(ctx, keyTraces, 0, -1)
	if err != nil {
		return nil, err
	}
	var out []*Trace
	for _, id := range ids {
		tr, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, kerrors.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !since.IsZero() && tr.CreatedAt.Before(since) {
			continue
		}
		out = append(out, tr)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListBySession returns the traces tagged with sessionID created at or
// after since. The test runner and agent execution log both read this to
// count the activity one turn produced.
func (s *Sink) ListBySession(ctx context.Context, sessionID string, since time.Time) ([]*Trace, error) {
	all, err := s.List(ctx, since, 0)
	if err != nil {
		return nil, err
	}
	var out []*Trace
	for _, tr := range all {
		if tr.SessionID == sessionID {
			out = append(out, tr)
		}
	}
	return out, nil
}
