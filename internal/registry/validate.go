package registry

import (
	"context"

	"github.com/symbolkernel/kernel/internal/kerrors"
)

// validateSymbol checks symbol invariants at upsert time. refExists is
// used to check linked_patterns/lattice.members/persona.linked_personas
// when bypassValidation is false.
func validateSymbol(ctx context.Context, domain *Domain, sym *Symbol, bypassValidation bool, refExists func(ctx context.Context, id string) bool) error {
	if sym.ID == "" {
		return kerrors.NewValidationError("id", "symbol id is required")
	}
	switch sym.Kind {
	case KindPattern, KindLattice, KindPersona, KindData:
	default:
		return kerrors.NewValidationError("kind", "kind must be one of pattern, lattice, persona, data")
	}
	if sym.Name == "" {
		return kerrors.NewValidationError("name", "name is required")
	}
	if sym.SymbolDomain != domain.ID {
		return kerrors.NewValidationError("symbol_domain", "symbol_domain must equal the owning domain id")
	}
	for _, sub := range sym.Facets.Substrate {
		if !ValidSubstrates[sub] {
			return kerrors.NewValidationError("facets.substrate", "unknown substrate value: "+sub)
		}
	}

	if bypassValidation || refExists == nil {
		return nil
	}

	allRefs := make([]string, 0, len(sym.LinkedPatterns)+len(sym.Lattice.Members)+len(sym.Persona.LinkedPersonas))
	allRefs = append(allRefs, sym.LinkedPatterns...)
	allRefs = append(allRefs, sym.Lattice.Members...)
	allRefs = append(allRefs, sym.Persona.LinkedPersonas...)
	for _, ref := range allRefs {
		if ref == sym.ID {
			continue // self-reference is permitted; cycles are expected
		}
		if !refExists(ctx, ref) {
			return kerrors.NewValidationError("linked references", "referenced symbol does not exist: "+ref)
		}
	}
	return nil
}
