package registry

import (
	"context"
	"sort"

	"github.com/symbolkernel/kernel/internal/kerrors"
)

// SemanticSearcher is the vector-index capability the registry's Search
// delegates to. Kept separate from Indexer since read-only callers (e.g.
// a reporting CLI) may wire a searcher without write access.
type SemanticSearcher interface {
	Search(ctx context.Context, query string, opts SearchOptions) ([]ScoredSymbol, error)
}

// ScoredSymbol pairs a symbol id with its semantic similarity score.
type ScoredSymbol struct {
	SymbolID string
	Score    float64
}

// SearchOptions narrows a search.
type SearchOptions struct {
	Limit          int
	TimeGTE        string   // encoded timestamp lower bound, inclusive
	TimeBetween    [2]string
	MetadataFilter map[string]string
	Domains        []string
}

// QueryResult is one page of a structured Query call.
type QueryResult struct {
	Symbols []*Symbol
	LastID  string // cursor for the next page; "" when exhausted
}

// Query lists symbols in a domain, optionally filtered by tag,
// paginated by a lastId cursor. Pagination walks symbol ids in sorted
// order, same as GetSymbols, so a cursor from one call remains valid
// across retries.
func (r *Registry) Query(ctx context.Context, domainID string, userID string, isAdmin bool, tag string, limit int, lastID string) (*QueryResult, error) {
	d, err := r.store.getDomain(ctx, domainID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if !canRead(d, userID, isAdmin) {
		return nil, kerrors.ErrNotFound
	}
	symbolIDs, err := r.store.listSymbolIDs(ctx, domainID)
	if err != nil {
		return nil, err
	}
	sort.Strings(symbolIDs)

	start := 0
	if lastID != "" {
		for i, id := range symbolIDs {
			if id > lastID {
				start = i
				break
			}
			start = i + 1
		}
	}
	if limit <= 0 {
		limit = len(symbolIDs)
	}

	result := &QueryResult{}
	for i := start; i < len(symbolIDs) && len(result.Symbols) < limit; i++ {
		sym, err := r.store.getSymbol(ctx, symbolIDs[i])
		if err != nil {
			continue
		}
		if tag != "" && sym.SymbolTag != tag {
			continue
		}
		result.Symbols = append(result.Symbols, sym)
	}
	if len(result.Symbols) > 0 {
		result.LastID = result.Symbols[len(result.Symbols)-1].ID
	}
	return result, nil
}

// Search runs a semantic query when a query string is present,
// delegating to the configured SemanticSearcher; with no query string
// the time and metadata filters produce a filtered scan instead. Either
// way the candidate domain set is restricted to what the caller can
// read, and results order by score then id so pagination is
// deterministic.
func (r *Registry) Search(ctx context.Context, query string, userID string, isAdmin bool, opts SearchOptions) ([]ScoredSymbol, error) {
	if query == "" {
		return r.filteredScan(ctx, userID, isAdmin, opts)
	}
	searcher, ok := r.indexer.(SemanticSearcher)
	if r.indexer == nil || !ok {
		return nil, kerrors.ErrUnavailable
	}

	allowed := map[string]bool{}
	domains, err := r.ListDomains(ctx, userID, isAdmin)
	if err != nil {
		return nil, err
	}
	for _, d := range domains {
		allowed[d.ID] = true
	}

	scoped := opts
	if len(opts.Domains) > 0 {
		var filtered []string
		for _, id := range opts.Domains {
			if allowed[id] {
				filtered = append(filtered, id)
			}
		}
		scoped.Domains = filtered
	} else {
		for id := range allowed {
			scoped.Domains = append(scoped.Domains, id)
		}
	}
	if len(scoped.Domains) == 0 {
		return nil, nil
	}

	results, err := searcher.Search(ctx, query, scoped)
	if err != nil {
		return nil, err
	}

	// Defense in depth: even if the indexer ignored the domain scope,
	// never return a symbol the caller cannot read.
	out := make([]ScoredSymbol, 0, len(results))
	for _, res := range results {
		sym, err := r.store.getSymbol(ctx, res.SymbolID)
		if err != nil {
			continue
		}
		if allowed[sym.SymbolDomain] {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].SymbolID < out[j].SymbolID
	})
	return out, nil
}

// filteredScan serves query-less searches: a walk over the caller's
// visible domains narrowed by time and metadata filters. Every match
// scores 1.0; ordering falls back to id.
func (r *Registry) filteredScan(ctx context.Context, userID string, isAdmin bool, opts SearchOptions) ([]ScoredSymbol, error) {
	if opts.TimeGTE == "" && opts.TimeBetween[0] == "" && len(opts.MetadataFilter) == 0 {
		return nil, kerrors.NewValidationError("query", "search requires a query string, a time filter, or a metadata filter")
	}

	domains, err := r.ListDomains(ctx, userID, isAdmin)
	if err != nil {
		return nil, err
	}
	scoped := map[string]bool{}
	for _, id := range opts.Domains {
		scoped[id] = true
	}

	var out []ScoredSymbol
	for _, d := range domains {
		if len(scoped) > 0 && !scoped[d.ID] {
			continue
		}
		symbolIDs, err := r.store.listSymbolIDs(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		for _, sid := range symbolIDs {
			sym, err := r.store.getSymbol(ctx, sid)
			if err != nil {
				continue
			}
			if !matchesTimeFilter(sym, opts) || !matchesMetadata(sym, opts.MetadataFilter) {
				continue
			}
			out = append(out, ScoredSymbol{SymbolID: sym.ID, Score: 1.0})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].SymbolID < out[j].SymbolID
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// matchesTimeFilter compares a symbol's updated_at against the encoded
// day-bucketed bounds.
func matchesTimeFilter(sym *Symbol, opts SearchOptions) bool {
	ts, err := decodeMillis(sym.UpdatedAt)
	if err != nil {
		return false
	}
	if opts.TimeGTE != "" {
		bound, err := decodeMillis(opts.TimeGTE)
		if err != nil || ts < bound {
			return false
		}
	}
	if opts.TimeBetween[0] != "" && opts.TimeBetween[1] != "" {
		lo, err1 := decodeMillis(opts.TimeBetween[0])
		hi, err2 := decodeMillis(opts.TimeBetween[1])
		if err1 != nil || err2 != nil || ts < lo || ts > hi {
			return false
		}
	}
	return true
}

// matchesMetadata matches the filterable descriptive fields by key.
func matchesMetadata(sym *Symbol, filter map[string]string) bool {
	for key, want := range filter {
		var got string
		switch key {
		case "kind":
			got = string(sym.Kind)
		case "symbol_tag":
			got = sym.SymbolTag
		case "role":
			got = sym.Role
		case "name":
			got = sym.Name
		case "triad":
			got = sym.Triad
		case "macro":
			got = sym.Macro
		default:
			return false
		}
		if got != want {
			return false
		}
	}
	return true
}
