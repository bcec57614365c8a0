// Package store defines the key-value substrate the kernel is built on:
// atomic single-key operations, set/sorted-set/hash primitives, and
// TTL, with an embedded SQLite adapter and a server-grade Postgres
// adapter behind the one interface.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrCASMismatch is returned by CompareAndSwap when the stored value does
// not match the expected old value.
var ErrCASMismatch = errors.New("store: compare-and-swap mismatch")

// ErrNotFound is returned when a key/member does not exist.
var ErrNotFound = errors.New("store: not found")

// KV is the atomic key-value substrate every durable component in this
// kernel is built on top of: session locks and history, domains and
// symbols, agents and execution logs, MCP sessions.
type KV interface {
	// Get returns the raw value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set unconditionally stores value at key, with optional ttl (0 = no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// CompareAndSwap atomically replaces key's value with newValue only if
	// the current value equals oldValue (oldValue=nil means "key absent").
	// This is the single primitive the session lock is built on.
	CompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte) (bool, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys returns all keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Sorted-set primitives, used for time-ordered indexes (e.g. the
	// agent execution log).
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRange(ctx context.Context, key string, offset, limit int) ([]string, error)
	ZRem(ctx context.Context, key string, member string) error

	// Set primitives, used for unordered membership (e.g. domain symbol
	// id sets, test-session tracking).
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error

	// Hash primitives, used for grouped fields under one logical key.
	HSet(ctx context.Context, key, field string, value []byte) error
	HGet(ctx context.Context, key, field string) ([]byte, error)
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	HDel(ctx context.Context, key, field string) error

	// Close releases underlying resources (pool, file handle).
	Close() error
}

// ZAppend layers an append-only queue on top of a sorted set, used by
// the session message queue and turn history.
func ZAppend(ctx context.Context, kv KV, key string, member string, seq int64) error {
	return kv.ZAdd(ctx, key, float64(seq), member)
}
