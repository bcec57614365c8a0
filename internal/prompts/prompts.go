// Package prompts holds the two process-wide prompt singletons: the
// activation prompt that initializes every chat turn and the MCP prompt
// served to external integrations. Both are durable in the store and
// cached in memory; writers persist first, then overwrite the cache, so
// a reader on another worker may lag by one write until it reloads.
package prompts

import (
	"context"
	"errors"
	"sync"

	"github.com/symbolkernel/kernel/internal/store"
)

const (
	keySystemPrompt = "sz:system_prompt"
	keyMCPPrompt    = "sz:mcp_prompt"
)

// DefaultSystemPrompt seeds a fresh installation.
const DefaultSystemPrompt = `You are a symbolic reasoning assistant. Use the available tools to read and update the symbol registry, and record every reasoning chain you follow with the log_trace tool.`

// Store caches the prompt singletons over the key-value store.
type Store struct {
	kv store.KV

	mu     sync.RWMutex
	system string
	mcp    string
}

// NewStore constructs the prompt store and loads both singletons. Missing
// values fall back to defaults without error.
func NewStore(ctx context.Context, kv store.KV) (*Store, error) {
	s := &Store{kv: kv, system: DefaultSystemPrompt}
	if data, err := kv.Get(ctx, keySystemPrompt); err == nil {
		s.system = string(data)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if data, err := kv.Get(ctx, keyMCPPrompt); err == nil {
		s.mcp = string(data)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return s, nil
}

// System returns the active system prompt.
func (s *Store) System() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.system
}

// SetSystem persists then caches a new system prompt.
func (s *Store) SetSystem(ctx context.Context, prompt string) error {
	if err := s.kv.Set(ctx, keySystemPrompt, []byte(prompt), 0); err != nil {
		return err
	}
	s.mu.Lock()
	s.system = prompt
	s.mu.Unlock()
	return nil
}

// MCP returns the active MCP prompt.
func (s *Store) MCP() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mcp
}

// SetMCP persists then caches a new MCP prompt.
func (s *Store) SetMCP(ctx context.Context, prompt string) error {
	if err := s.kv.Set(ctx, keyMCPPrompt, []byte(prompt), 0); err != nil {
		return err
	}
	s.mu.Lock()
	s.mcp = prompt
	s.mu.Unlock()
	return nil
}
