package vectorindex

import (
	"context"
	"sync"

	"github.com/symbolkernel/kernel/internal/registry"
)

// SymbolSource is the narrow registry capability Reindex walks. Set via
// SetSource after both the registry and its indexer are constructed:
// the registry needs its indexer at construction time while the
// indexer's rebuild needs the registry as a data source, so wiring
// breaks the cycle with a setter rather than a constructor argument.
type SymbolSource interface {
	ListDomains(ctx context.Context, userID string, isAdmin bool) ([]*registry.Domain, error)
	GetSymbols(ctx context.Context, domainID string, userID string, isAdmin bool) ([]*registry.Symbol, error)
}

// reindexState tracks the single in-flight rebuild guard and progress
// counters shared by both backends. Only one rebuild runs at a time; a
// second attempt reports already-running.
type reindexState struct {
	mu      sync.Mutex
	running bool
	total   int
	pending int
	source  SymbolSource
}

// SetSource wires the registry this backend reindexes from.
func (b *SQLiteBackend) SetSource(s SymbolSource) { b.reindex.source = s }

// SetSource wires the registry this backend reindexes from.
func (b *PostgresBackend) SetSource(s SymbolSource) { b.reindex.source = s }

func (rs *reindexState) progress() ReindexProgress {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return ReindexProgress{Running: rs.running, Total: rs.total, Pending: rs.pending}
}

// runReindex drives the reset-then-walk-then-index sequence. Rebuild is
// idempotent: reset, then walk all domains, indexing each symbol.
// includeDisabled controls whether disabled domains are still walked
// (they are indexed but not served until re-enabled, matching the
// registry's own Enabled semantics).
func runReindex(ctx context.Context, rs *reindexState, reset func(context.Context) error, index func(context.Context, *registry.Symbol) (bool, error), includeDisabled bool) (ReindexProgress, error) {
	rs.mu.Lock()
	if rs.running {
		rs.mu.Unlock()
		return ReindexProgress{}, ErrRebuildInProgress
	}
	rs.running = true
	rs.total = 0
	rs.pending = 0
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.running = false
		rs.mu.Unlock()
	}()

	if rs.source == nil {
		return ReindexProgress{}, nil
	}

	if err := reset(ctx); err != nil {
		return ReindexProgress{}, err
	}

	domains, err := rs.source.ListDomains(ctx, "", true)
	if err != nil {
		return ReindexProgress{}, err
	}

	var all []*registry.Symbol
	for _, d := range domains {
		if !d.Enabled && !includeDisabled {
			continue
		}
		symbols, err := rs.source.GetSymbols(ctx, d.ID, "", true)
		if err != nil {
			return ReindexProgress{}, err
		}
		all = append(all, symbols...)
	}

	rs.mu.Lock()
	rs.total = len(all)
	rs.pending = len(all)
	rs.mu.Unlock()

	for _, sym := range all {
		if _, err := index(ctx, sym); err != nil {
			return rs.progress(), err
		}
		rs.mu.Lock()
		rs.pending--
		rs.mu.Unlock()
	}

	rs.mu.Lock()
	rs.running = false
	rs.mu.Unlock()
	return rs.progress(), nil
}

func (b *SQLiteBackend) Reindex(ctx context.Context, includeDisabled bool) (ReindexProgress, error) {
	return runReindex(ctx, &b.reindex, b.ResetCollection, b.IndexSymbol, includeDisabled)
}

func (b *PostgresBackend) Reindex(ctx context.Context, includeDisabled bool) (ReindexProgress, error) {
	return runReindex(ctx, &b.reindex, b.ResetCollection, b.IndexSymbol, includeDisabled)
}
