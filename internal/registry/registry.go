package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/symbolkernel/kernel/internal/kerrors"
	"github.com/symbolkernel/kernel/internal/observability"
	"github.com/symbolkernel/kernel/internal/store"
)

// Indexer is the subset of the vector indexer's contract the
// registry depends on, kept as a narrow interface here to avoid an
// import cycle (vectorindex observes registry, not the reverse).
type Indexer interface {
	IndexSymbol(ctx context.Context, sym *Symbol) (bool, error)
	RemoveSymbol(ctx context.Context, id string) error
}

// Registry is the symbol registry service.
type Registry struct {
	store   *kvStore
	indexer Indexer
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// New constructs a Registry. indexer may be nil, in which case symbol
// writes skip index synchronization (used in tests and by a kernel
// running without a vector index).
func New(kv store.KV, indexer Indexer, logger *slog.Logger, metrics *observability.Metrics) *Registry {
	return &Registry{
		store:   &kvStore{kv: kv},
		indexer: indexer,
		logger:  observability.OrDefault(logger),
		metrics: metrics,
		now:     time.Now,
	}
}

// CreateDomain creates a new domain. Domain ids must be unique.
func (r *Registry) CreateDomain(ctx context.Context, d *Domain) error {
	if d.ID == "" {
		return kerrors.NewValidationError("id", "domain id is required")
	}
	if _, err := r.store.getDomain(ctx, d.ID); err == nil {
		return &kerrors.ConflictError{Resource: "domain", ID: d.ID}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return r.store.putDomain(ctx, d)
}

// DeleteDomain removes a domain and all its symbols.
func (r *Registry) DeleteDomain(ctx context.Context, id string, userID string, isAdmin bool) error {
	d, err := r.store.getDomain(ctx, id)
	if err != nil {
		return mapNotFound(err)
	}
	if err := canWrite(d, userID, isAdmin); err != nil {
		return err
	}
	symbolIDs, err := r.store.listSymbolIDs(ctx, id)
	if err != nil {
		return err
	}
	for _, sid := range symbolIDs {
		if r.indexer != nil {
			_ = r.indexer.RemoveSymbol(ctx, sid)
		}
		if err := r.store.deleteSymbol(ctx, id, sid); err != nil {
			return err
		}
	}
	return r.store.deleteDomain(ctx, id)
}

// ToggleDomain flips a domain's enabled flag. ReadOnly toggles are
// gated separately via UpdateDomainMetadata and restricted to admins.
func (r *Registry) ToggleDomain(ctx context.Context, id string, enabled bool, userID string, isAdmin bool) error {
	d, err := r.store.getDomain(ctx, id)
	if err != nil {
		return mapNotFound(err)
	}
	if err := canWrite(d, userID, isAdmin); err != nil {
		return err
	}
	d.Enabled = enabled
	return r.store.putDomain(ctx, d)
}

// DomainMetadataUpdate carries the mutable fields UpdateDomainMetadata accepts.
type DomainMetadataUpdate struct {
	Name        *string
	Description *string
	Invariants  []string
	ReadOnly    *bool
}

// UpdateDomainMetadata applies a partial update to domain metadata.
func (r *Registry) UpdateDomainMetadata(ctx context.Context, id string, update DomainMetadataUpdate, userID string, isAdmin bool) (*Domain, error) {
	d, err := r.store.getDomain(ctx, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if err := canWrite(d, userID, isAdmin); err != nil {
		return nil, err
	}
	if update.ReadOnly != nil && *update.ReadOnly != d.ReadOnly {
		if err := canToggleReadOnly(isAdmin); err != nil {
			return nil, err
		}
		d.ReadOnly = *update.ReadOnly
	}
	if update.Name != nil {
		d.Name = *update.Name
	}
	if update.Description != nil {
		d.Description = *update.Description
	}
	if update.Invariants != nil {
		d.Invariants = update.Invariants
	}
	if err := r.store.putDomain(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// ListDomains returns global domains plus the user's owned domains.
// userID="" with isAdmin=true returns every domain (system and
// recovery paths only).
func (r *Registry) ListDomains(ctx context.Context, userID string, isAdmin bool) ([]*Domain, error) {
	ids, err := r.store.listDomainIDs(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Domain
	for _, id := range ids {
		d, err := r.store.getDomain(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if isAdmin || canRead(d, userID, isAdmin) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DomainMetadata is the symbol-free summary GetMetadata serves.
type DomainMetadata struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	ReadOnly    bool   `json:"readOnly"`
	SymbolCount int    `json:"symbolCount"`
}

// GetMetadata summarizes every domain the caller can see without
// materializing symbols.
func (r *Registry) GetMetadata(ctx context.Context, userID string, isAdmin bool) ([]DomainMetadata, error) {
	domains, err := r.ListDomains(ctx, userID, isAdmin)
	if err != nil {
		return nil, err
	}
	out := make([]DomainMetadata, 0, len(domains))
	for _, d := range domains {
		ids, err := r.store.listSymbolIDs(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, DomainMetadata{
			ID:          d.ID,
			Name:        d.Name,
			Description: d.Description,
			Enabled:     d.Enabled,
			ReadOnly:    d.ReadOnly,
			SymbolCount: len(ids),
		})
	}
	return out, nil
}

// Get returns a domain with its symbols materialized, migrating legacy
// shapes opportunistically on load.
func (r *Registry) Get(ctx context.Context, id string, userID string, isAdmin bool) (*Domain, error) {
	d, err := r.store.getDomain(ctx, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if !canRead(d, userID, isAdmin) {
		return nil, kerrors.ErrNotFound
	}
	symbolIDs, err := r.store.listSymbolIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	symbols := make([]*Symbol, 0, len(symbolIDs))
	for _, sid := range symbolIDs {
		sym, err := r.store.getSymbol(ctx, sid)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if migrated := migrateSymbolShape(sym); migrated {
			if err := r.store.putSymbol(ctx, sym); err != nil {
				r.logger.Warn("registry: failed to persist migrated symbol", "symbol", sym.ID, "error", err)
			}
		}
		symbols = append(symbols, sym)
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].ID < symbols[j].ID })
	d.Symbols = symbols
	return d, nil
}

// migrateSymbolShape rewrites legacy lattice-membership shapes in
// place, reporting whether a rewrite happened.
func migrateSymbolShape(sym *Symbol) bool {
	if sym.Kind != KindLattice {
		return false
	}
	changed := false
	// Legacy lattices sometimes stored membership only in LinkedPatterns;
	// unify it into Lattice.Members going forward.
	if len(sym.Lattice.Members) == 0 && len(sym.LinkedPatterns) > 0 {
		sym.Lattice.Members = append([]string(nil), sym.LinkedPatterns...)
		changed = true
	}
	return changed
}

func (r *Registry) symbolExists(ctx context.Context, id string) bool {
	_, err := r.store.getSymbol(ctx, id)
	return err == nil
}

// UpsertSymbol validates and stores a symbol, then synchronizes the
// vector index. The indexer call happens synchronously after the
// registry write so search never lags a mutation.
func (r *Registry) UpsertSymbol(ctx context.Context, domainID string, sym *Symbol, bypassValidation bool, userID string, isAdmin bool) error {
	d, err := r.store.getDomain(ctx, domainID)
	if err != nil {
		return mapNotFound(err)
	}
	if err := canWrite(d, userID, isAdmin); err != nil {
		return err
	}
	sym.SymbolDomain = domainID
	if err := validateSymbol(ctx, d, sym, bypassValidation, r.symbolExists); err != nil {
		return err
	}
	now := EncodeTimestamp(r.now())
	if sym.CreatedAt == "" {
		sym.CreatedAt = now
	}
	sym.UpdatedAt = now

	if err := r.store.putSymbol(ctx, sym); err != nil {
		return err
	}
	return r.syncIndex(ctx, d, sym)
}

// syncIndex enforces the consistency preference that only symbols both
// storable and searchable are kept: an unindexable symbol is removed
// from the registry again.
func (r *Registry) syncIndex(ctx context.Context, d *Domain, sym *Symbol) error {
	if r.indexer == nil {
		return nil
	}
	ok, err := r.indexer.IndexSymbol(ctx, sym)
	if err != nil {
		return fmt.Errorf("registry: index symbol %s: %w", sym.ID, err)
	}
	if !ok {
		if delErr := r.store.deleteSymbol(ctx, d.ID, sym.ID); delErr != nil {
			return fmt.Errorf("registry: symbol %s unindexable and could not be removed: %w", sym.ID, delErr)
		}
		r.logger.Warn("registry: symbol rejected by indexer, removed", "symbol", sym.ID)
	}
	return nil
}

// BulkUpsert upserts many symbols in one call.
func (r *Registry) BulkUpsert(ctx context.Context, domainID string, symbols []*Symbol, opts BulkUpsertOptions) error {
	d, err := r.store.getDomain(ctx, domainID)
	if err != nil {
		return mapNotFound(err)
	}
	if err := canWrite(d, opts.UserID, opts.IsAdmin); err != nil {
		return err
	}
	for _, sym := range symbols {
		sym.SymbolDomain = domainID
		if err := validateSymbol(ctx, d, sym, opts.BypassValidation, r.symbolExists); err != nil {
			return fmt.Errorf("symbol %s: %w", sym.ID, err)
		}
	}
	now := EncodeTimestamp(r.now())
	for _, sym := range symbols {
		if sym.CreatedAt == "" {
			sym.CreatedAt = now
		}
		sym.UpdatedAt = now
		if err := r.store.putSymbol(ctx, sym); err != nil {
			return err
		}
		if err := r.syncIndex(ctx, d, sym); err != nil {
			return err
		}
	}
	return nil
}

// DeleteSymbol removes a symbol, optionally cascading reference
// cleanup.
func (r *Registry) DeleteSymbol(ctx context.Context, domainID, id string, userID string, isAdmin bool, cascade bool) error {
	d, err := r.store.getDomain(ctx, domainID)
	if err != nil {
		return mapNotFound(err)
	}
	if err := canWrite(d, userID, isAdmin); err != nil {
		return err
	}
	if r.indexer != nil {
		_ = r.indexer.RemoveSymbol(ctx, id)
	}
	if err := r.store.deleteSymbol(ctx, domainID, id); err != nil {
		return err
	}
	if cascade {
		return r.cascadeRemoveReference(ctx, id)
	}
	return nil
}

// DeleteSymbols removes many symbols in one call.
func (r *Registry) DeleteSymbols(ctx context.Context, domainID string, ids []string, cascade bool, userID string, isAdmin bool) error {
	for _, id := range ids {
		if err := r.DeleteSymbol(ctx, domainID, id, userID, isAdmin, cascade); err != nil {
			return err
		}
	}
	return nil
}

// FindByID looks up a symbol across all domains the caller can see.
func (r *Registry) FindByID(ctx context.Context, id string, userID string, isAdmin bool) (*Symbol, error) {
	sym, err := r.store.getSymbol(ctx, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	d, err := r.store.getDomain(ctx, sym.SymbolDomain)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if !canRead(d, userID, isAdmin) {
		return nil, kerrors.ErrNotFound
	}
	return sym, nil
}

// GetSymbols returns all symbols in a domain (no pagination).
func (r *Registry) GetSymbols(ctx context.Context, domainID string, userID string, isAdmin bool) ([]*Symbol, error) {
	d, err := r.Get(ctx, domainID, userID, isAdmin)
	if err != nil {
		return nil, err
	}
	return d.Symbols, nil
}

// ClearAll wipes every domain and symbol. Used by project import and
// tests only; callers must already be authorized as admin.
func (r *Registry) ClearAll(ctx context.Context) error {
	ids, err := r.store.listDomainIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		symbolIDs, err := r.store.listSymbolIDs(ctx, id)
		if err != nil {
			return err
		}
		for _, sid := range symbolIDs {
			if r.indexer != nil {
				_ = r.indexer.RemoveSymbol(ctx, sid)
			}
			if err := r.store.deleteSymbol(ctx, id, sid); err != nil {
				return err
			}
		}
		if err := r.store.deleteDomain(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func mapNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return kerrors.ErrNotFound
	}
	return err
}
