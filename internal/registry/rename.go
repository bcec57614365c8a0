package registry

import (
	"context"
	"fmt"

	"github.com/symbolkernel/kernel/internal/kerrors"
)

// RefactorOperation is the closed set of bulk-rewrite operations the
// registry exposes over the symbol graph.
type RefactorOperation string

const (
	RefactorRename   RefactorOperation = "rename"
	RefactorCompress RefactorOperation = "compress"
)

// allSymbols walks every domain's symbol set. The registry has no
// secondary index over references, so rename/compress necessarily scan;
// acceptable since these are rare, operator-invoked calls.
func (r *Registry) allSymbols(ctx context.Context) ([]*Symbol, error) {
	domainIDs, err := r.store.listDomainIDs(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Symbol
	for _, did := range domainIDs {
		symbolIDs, err := r.store.listSymbolIDs(ctx, did)
		if err != nil {
			return nil, err
		}
		for _, sid := range symbolIDs {
			sym, err := r.store.getSymbol(ctx, sid)
			if err != nil {
				continue
			}
			out = append(out, sym)
		}
	}
	return out, nil
}

func rewriteRefs(refs []string, oldID, newID string) ([]string, bool) {
	changed := false
	out := make([]string, len(refs))
	for i, ref := range refs {
		if ref == oldID {
			out[i] = newID
			changed = true
		} else {
			out[i] = ref
		}
	}
	return out, changed
}

// PropagateRename renames a symbol id and rewrites every reference to
// it across every domain. A genuine collision (oldID and newID both
// live) fails with Conflict before any write. The whole operation is
// idempotent under retry: when oldID is already gone and newID holds
// the renamed symbol, applying it again is a success that only finishes
// any reference rewrites a crashed earlier attempt left behind.
func (r *Registry) PropagateRename(ctx context.Context, domainID, oldID, newID string, userID string, isAdmin bool) error {
	if oldID == newID {
		return nil
	}
	d, err := r.store.getDomain(ctx, domainID)
	if err != nil {
		return mapNotFound(err)
	}
	if err := canWrite(d, userID, isAdmin); err != nil {
		return err
	}

	sym, oldErr := r.store.getSymbol(ctx, oldID)
	if _, err := r.store.getSymbol(ctx, newID); err == nil {
		if oldErr == nil {
			return &kerrors.ConflictError{Resource: "symbol", ID: newID}
		}
		// oldID gone, newID present: the rename already happened.
		return r.rewriteAllReferences(ctx, oldID, newID)
	}
	if oldErr != nil {
		return mapNotFound(oldErr)
	}

	renamed := *sym
	renamed.ID = newID
	if err := r.store.putSymbol(ctx, &renamed); err != nil {
		return err
	}
	if err := r.syncIndex(ctx, d, &renamed); err != nil {
		return err
	}
	if err := r.store.deleteSymbol(ctx, sym.SymbolDomain, oldID); err != nil {
		return err
	}
	if r.indexer != nil {
		_ = r.indexer.RemoveSymbol(ctx, oldID)
	}

	return r.rewriteAllReferences(ctx, oldID, newID)
}

// rewriteAllReferences rewrites every linked_patterns/lattice.members/
// persona.linked_personas entry pointing at oldID to point at newID.
func (r *Registry) rewriteAllReferences(ctx context.Context, oldID, newID string) error {
	symbols, err := r.allSymbols(ctx)
	if err != nil {
		return err
	}
	for _, sym := range symbols {
		dirty := false
		if refs, changed := rewriteRefs(sym.LinkedPatterns, oldID, newID); changed {
			sym.LinkedPatterns = refs
			dirty = true
		}
		if refs, changed := rewriteRefs(sym.Lattice.Members, oldID, newID); changed {
			sym.Lattice.Members = refs
			dirty = true
		}
		if refs, changed := rewriteRefs(sym.Persona.LinkedPersonas, oldID, newID); changed {
			sym.Persona.LinkedPersonas = refs
			dirty = true
		}
		if !dirty {
			continue
		}
		if err := r.store.putSymbol(ctx, sym); err != nil {
			return fmt.Errorf("registry: rewrite references in %s: %w", sym.ID, err)
		}
		d, err := r.store.getDomain(ctx, sym.SymbolDomain)
		if err == nil {
			_ = r.syncIndex(ctx, d, sym)
		}
	}
	return nil
}

// CompressSymbols merges symbols: create newSymbol, rewrite references
// from each oldId to newSymbol.id, then delete all oldIds. Each step is
// a single-key write, so on partial failure the caller sees a
// well-defined residual state (new
// symbol present, some references rewritten, some old symbols still
// present) and may retry idempotently — already-merged oldIds are
// skipped rather than treated as an error.
func (r *Registry) CompressSymbols(ctx context.Context, domainID string, newSymbol *Symbol, oldIDs []string, userID string, isAdmin bool) error {
	d, err := r.store.getDomain(ctx, domainID)
	if err != nil {
		return mapNotFound(err)
	}
	if err := canWrite(d, userID, isAdmin); err != nil {
		return err
	}
	newSymbol.SymbolDomain = domainID
	if err := validateSymbol(ctx, d, newSymbol, true, nil); err != nil {
		return err
	}
	now := EncodeTimestamp(r.now())
	if newSymbol.CreatedAt == "" {
		newSymbol.CreatedAt = now
	}
	newSymbol.UpdatedAt = now
	if err := r.store.putSymbol(ctx, newSymbol); err != nil {
		return err
	}
	if err := r.syncIndex(ctx, d, newSymbol); err != nil {
		return err
	}

	for _, id := range oldIDs {
		if id == newSymbol.ID {
			continue
		}
		sym, err := r.store.getSymbol(ctx, id)
		if err != nil {
			continue // already merged or never existed: idempotent no-op
		}
		if err := r.rewriteAllReferences(ctx, id, newSymbol.ID); err != nil {
			return err
		}
		if r.indexer != nil {
			_ = r.indexer.RemoveSymbol(ctx, id)
		}
		if err := r.store.deleteSymbol(ctx, sym.SymbolDomain, id); err != nil {
			return err
		}
	}
	return nil
}

// cascadeRemoveReference strips refs to a deleted symbol id from every
// other symbol's reference lists, used when DeleteSymbol is called with
// cascade=true.
func (r *Registry) cascadeRemoveReference(ctx context.Context, removedID string) error {
	symbols, err := r.allSymbols(ctx)
	if err != nil {
		return err
	}
	for _, sym := range symbols {
		dirty := false
		if refs := removeRef(sym.LinkedPatterns, removedID); len(refs) != len(sym.LinkedPatterns) {
			sym.LinkedPatterns = refs
			dirty = true
		}
		if refs := removeRef(sym.Lattice.Members, removedID); len(refs) != len(sym.Lattice.Members) {
			sym.Lattice.Members = refs
			dirty = true
		}
		if refs := removeRef(sym.Persona.LinkedPersonas, removedID); len(refs) != len(sym.Persona.LinkedPersonas) {
			sym.Persona.LinkedPersonas = refs
			dirty = true
		}
		if !dirty {
			continue
		}
		if err := r.store.putSymbol(ctx, sym); err != nil {
			return err
		}
	}
	return nil
}

func removeRef(refs []string, id string) []string {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref != id {
			out = append(out, ref)
		}
	}
	return out
}

// RefactorUpdate is one entry in a refactor batch: exactly one of
// Rename or Compress must be set.
type RefactorUpdate struct {
	Domain  string
	Op      RefactorOperation
	Rename  *RenameUpdate
	Compress *CompressUpdate
}

type RenameUpdate struct {
	OldID string
	NewID string
}

type CompressUpdate struct {
	NewSymbol *Symbol
	OldIDs    []string
}

// ProcessRefactorOperation applies a batch of rename/compress updates
// in order, stopping at the first error so the caller can retry the
// remaining updates idempotently.
func (r *Registry) ProcessRefactorOperation(ctx context.Context, updates []RefactorUpdate, userID string, isAdmin bool) error {
	for i, u := range updates {
		switch u.Op {
		case RefactorRename:
			if u.Rename == nil || u.Rename.OldID == "" || u.Rename.NewID == "" {
				return kerrors.NewValidationError("rename", "rename update requires oldId and newId")
			}
			if err := r.PropagateRename(ctx, u.Domain, u.Rename.OldID, u.Rename.NewID, userID, isAdmin); err != nil {
				return fmt.Errorf("update %d (rename): %w", i, err)
			}
		case RefactorCompress:
			if u.Compress == nil || u.Compress.NewSymbol == nil {
				return kerrors.NewValidationError("compress", "compress update requires a newSymbol")
			}
			if err := r.CompressSymbols(ctx, u.Domain, u.Compress.NewSymbol, u.Compress.OldIDs, userID, isAdmin); err != nil {
				return fmt.Errorf("update %d (compress): %w", i, err)
			}
		default:
			return kerrors.NewValidationError("op", "unknown refactor operation: "+string(u.Op))
		}
	}
	return nil
}
