package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/symbolkernel/kernel/internal/store"
)

// Key prefixes for the registry's slice of the store.
const (
	keyDomains      = "sz:domains"
	keyDomainPrefix = "sz:domain:"
	keySymbolPrefix = "sz:symbol:"
)

func domainKey(id string) string { return keyDomainPrefix + id }
func symbolKey(id string) string { return keySymbolPrefix + id }
func domainSymbolsKey(domainID string) string { return keyDomainPrefix + domainID + ":symbols" }

// kvStore is the thin persistence layer the Registry builds on, isolating
// JSON marshaling from the policy/validation logic in registry.go.
type kvStore struct {
	kv store.KV
}

func (s *kvStore) putDomain(ctx context.Context, d *Domain) error {
	clone := *d
	clone.Symbols = nil // the symbols slice is a materialized view, never persisted
	data, err := json.Marshal(&clone)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, domainKey(d.ID), data, 0); err != nil {
		return err
	}
	return s.kv.SAdd(ctx, keyDomains, d.ID)
}

func (s *kvStore) getDomain(ctx context.Context, id string) (*Domain, error) {
	data, err := s.kv.Get(ctx, domainKey(id))
	if err != nil {
		return nil, err
	}
	var d Domain
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("registry: decode domain %s: %w", id, err)
	}
	return &d, nil
}

func (s *kvStore) deleteDomain(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, domainKey(id)); err != nil {
		return err
	}
	return s.kv.SRem(ctx, keyDomains, id)
}

func (s *kvStore) listDomainIDs(ctx context.Context) ([]string, error) {
	return s.kv.SMembers(ctx, keyDomains)
}

func (s *kvStore) putSymbol(ctx context.Context, sym *Symbol) error {
	data, err := json.Marshal(sym)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, symbolKey(sym.ID), data, 0); err != nil {
		return err
	}
	return s.kv.SAdd(ctx, domainSymbolsKey(sym.SymbolDomain), sym.ID)
}

func (s *kvStore) getSymbol(ctx context.Context, id string) (*Symbol, error) {
	data, err := s.kv.Get(ctx, symbolKey(id))
	if err != nil {
		return nil, err
	}
	var sym Symbol
	if err := json.Unmarshal(data, &sym); err != nil {
		return nil, fmt.Errorf("registry: decode symbol %s: %w", id, err)
	}
	return &sym, nil
}

func (s *kvStore) deleteSymbol(ctx context.Context, domainID, id string) error {
	if err := s.kv.Delete(ctx, symbolKey(id)); err != nil {
		return err
	}
	return s.kv.SRem(ctx, domainSymbolsKey(domainID), id)
}

func (s *kvStore) listSymbolIDs(ctx context.Context, domainID string) ([]string, error) {
	return s.kv.SMembers(ctx, domainSymbolsKey(domainID))
}
