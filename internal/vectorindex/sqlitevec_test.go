package vectorindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/symbolkernel/kernel/internal/registry"
)

// hashEmbedder produces deterministic vectors so cosine ranking is
// predictable: each known text maps to a fixed axis.
type hashEmbedder struct {
	vectors map[string][]float32
	fail    bool
}

func (e *hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, context.DeadlineExceeded
	}
	if vec, ok := e.vectors[text]; ok {
		return vec, nil
	}
	return []float32{1, 0, 0}, nil
}

func sym(id, domain, name string) *registry.Symbol {
	return &registry.Symbol{ID: id, Kind: registry.KindPattern, Name: name, SymbolDomain: domain}
}

func newBackend(t *testing.T, embedder Embedder) *SQLiteBackend {
	t.Helper()
	b, err := NewSQLiteBackend(":memory:", embedder)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestIndexAndSearchRanking(t *testing.T) {
	embedder := &hashEmbedder{vectors: map[string][]float32{
		"close":    {1, 0.1, 0},
		"far":      {0, 1, 0},
		"thequery": {1, 0, 0},
	}}
	b := newBackend(t, embedder)
	ctx := context.Background()

	ok, err := b.IndexSymbol(ctx, sym("s-close", "d1", "close"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.IndexSymbol(ctx, sym("s-far", "d1", "far"))
	require.NoError(t, err)
	require.True(t, ok)

	results, err := b.Search(ctx, "thequery", registry.SearchOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "s-close", results[0].SymbolID)
	require.Greater(t, results[0].Score, results[1].Score)
}

func TestSearchDomainFilter(t *testing.T) {
	b := newBackend(t, &hashEmbedder{})
	ctx := context.Background()

	_, err := b.IndexSymbol(ctx, sym("s1", "d1", "one"))
	require.NoError(t, err)
	_, err = b.IndexSymbol(ctx, sym("s2", "d2", "two"))
	require.NoError(t, err)

	results, err := b.Search(ctx, "anything", registry.SearchOptions{Domains: []string{"d2"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "s2", results[0].SymbolID)
}

func TestIndexSymbol_EmbedFailureMeansUnindexable(t *testing.T) {
	b := newBackend(t, &hashEmbedder{fail: true})
	ok, err := b.IndexSymbol(context.Background(), sym("s1", "d1", "x"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemoveAndCount(t *testing.T) {
	b := newBackend(t, &hashEmbedder{})
	ctx := context.Background()

	_, err := b.IndexSymbol(ctx, sym("s1", "d1", "one"))
	require.NoError(t, err)
	n, err := b.CountCollection(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	require.NoError(t, b.RemoveSymbol(ctx, "s1"))
	n, err = b.CountCollection(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	require.NoError(t, b.HealthCheck(ctx))
}

// staticSource serves a fixed domain set for rebuilds.
type staticSource struct {
	domains []*registry.Domain
	symbols map[string][]*registry.Symbol
}

func (s *staticSource) ListDomains(ctx context.Context, userID string, isAdmin bool) ([]*registry.Domain, error) {
	return s.domains, nil
}

func (s *staticSource) GetSymbols(ctx context.Context, domainID string, userID string, isAdmin bool) ([]*registry.Symbol, error) {
	return s.symbols[domainID], nil
}

func TestReindex(t *testing.T) {
	b := newBackend(t, &hashEmbedder{})
	ctx := context.Background()

	// Pre-existing junk should be wiped by the rebuild.
	_, err := b.IndexSymbol(ctx, sym("stale", "gone", "stale"))
	require.NoError(t, err)

	b.SetSource(&staticSource{
		domains: []*registry.Domain{
			{ID: "d1", Enabled: true},
			{ID: "d2", Enabled: false},
		},
		symbols: map[string][]*registry.Symbol{
			"d1": {sym("s1", "d1", "one"), sym("s2", "d1", "two")},
			"d2": {sym("s3", "d2", "three")},
		},
	})

	progress, err := b.Reindex(ctx, false)
	require.NoError(t, err)
	require.False(t, progress.Running)
	require.Equal(t, 2, progress.Total)
	require.Equal(t, 0, progress.Pending)

	n, err := b.CountCollection(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	// includeDisabled walks disabled domains too.
	progress, err = b.Reindex(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 3, progress.Total)
}
