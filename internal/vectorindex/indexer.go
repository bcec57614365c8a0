// Package vectorindex keeps a semantic index over registry symbols,
// synchronized by a call after every registry mutation, and serves
// nearest-neighbor queries with domain pre-filtering.
package vectorindex

import (
	"context"
	"errors"

	"github.com/symbolkernel/kernel/internal/registry"
)

// ErrRebuildInProgress is returned by Reindex when a rebuild is already
// running.
var ErrRebuildInProgress = errors.New("vectorindex: reindex already running")

// Embedder is the narrow capability the indexer needs from the LLM
// layer. Kept local (rather than importing internal/llm) to avoid a
// cycle: llm is a leaf package, vectorindex and llm both sit below
// toolloop, and registry must not depend on either.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ReindexProgress is the queue state exposed while a rebuild runs.
type ReindexProgress struct {
	Running bool
	Total   int
	Pending int
}

// Indexer is the full index contract: index, remove, search, reset,
// count, health check, and rebuild.
type Indexer interface {
	IndexSymbol(ctx context.Context, sym *registry.Symbol) (bool, error)
	RemoveSymbol(ctx context.Context, id string) error
	Search(ctx context.Context, query string, opts registry.SearchOptions) ([]registry.ScoredSymbol, error)
	ResetCollection(ctx context.Context) error
	CountCollection(ctx context.Context) (int64, error)
	HealthCheck(ctx context.Context) error
	Reindex(ctx context.Context, includeDisabled bool) (ReindexProgress, error)
	Close() error
}

// SymbolText renders the text an embedding is computed over: name plus
// the fields most likely to carry semantic content. Kept as a free
// function so both backends embed identically.
func SymbolText(sym *registry.Symbol) string {
	text := sym.Name
	if sym.Role != "" {
		text += " " + sym.Role
	}
	if sym.FailureMode != "" {
		text += " " + sym.FailureMode
	}
	for _, c := range sym.ActivationConditions {
		text += " " + c
	}
	if sym.Data.Payload != "" {
		text += " " + sym.Data.Payload
	}
	return text
}
