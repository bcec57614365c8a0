package store

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresKV is the server-grade KV adapter, speaking to Postgres via
// jackc/pgx/v5's database/sql driver.
type PostgresKV struct {
	db *sql.DB
}

// NewPostgresKV wraps an existing connection pool without running
// migrations, used by tests that substitute a mock driver.
func NewPostgresKV(db *sql.DB) *PostgresKV {
	return &PostgresKV{db: db}
}

// OpenPostgres opens a connection pool against dsn and ensures schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresKV, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	p := &PostgresKV{db: db}
	if err := p.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresKV) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			expires_at BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS kv_zset (
			key TEXT NOT NULL,
			member TEXT NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (key, member)
		)`,
		`CREATE TABLE IF NOT EXISTS kv_set (
			key TEXT NOT NULL,
			member TEXT NOT NULL,
			PRIMARY KEY (key, member)
		)`,
		`CREATE TABLE IF NOT EXISTS kv_hash (
			key TEXT NOT NULL,
			field TEXT NOT NULL,
			value BYTEA NOT NULL,
			PRIMARY KEY (key, field)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (p *PostgresKV) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt sql.NullInt64
	err := p.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = $1`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid && expiresAt.Int64 < nowMs() {
		_, _ = p.db.ExecContext(ctx, `DELETE FROM kv WHERE key = $1`, key)
		return nil, ErrNotFound
	}
	return value, nil
}

func (p *PostgresKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: nowMs() + ttl.Milliseconds(), Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, expiresAt)
	return err
}

func (p *PostgresKV) CompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var current []byte
	var expiresAt sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = $1 FOR UPDATE`, key).Scan(&current, &expiresAt)
	switch {
	case err == sql.ErrNoRows:
		current = nil
	case err != nil:
		return false, err
	case expiresAt.Valid && expiresAt.Int64 < nowMs():
		current = nil
	}

	if !bytes.Equal(current, oldValue) {
		return false, nil
	}

	if newValue == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = $1`, key); err != nil {
			return false, err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv (key, value, expires_at) VALUES ($1, $2, NULL)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = NULL
		`, key, newValue); err != nil {
			return false, err
		}
	}

	return true, tx.Commit()
}

// Delete removes a key of any type, the way redis DEL does: the plain
// value and any set/sorted-set/hash stored under the same key name.
func (p *PostgresKV) Delete(ctx context.Context, key string) error {
	for _, stmt := range []string{
		`DELETE FROM kv WHERE key = $1`,
		`DELETE FROM kv_zset WHERE key = $1`,
		`DELETE FROM kv_set WHERE key = $1`,
		`DELETE FROM kv_hash WHERE key = $1`,
	} {
		if _, err := p.db.ExecContext(ctx, stmt, key); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key FROM kv WHERE key LIKE $1`, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (p *PostgresKV) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO kv_zset (key, member, score) VALUES ($1, $2, $3)
		ON CONFLICT (key, member) DO UPDATE SET score = excluded.score
	`, key, member, score)
	return err
}

func (p *PostgresKV) ZRange(ctx context.Context, key string, offset, limit int) ([]string, error) {
	query := `SELECT member FROM kv_zset WHERE key = $1 ORDER BY score ASC, member ASC LIMIT $2 OFFSET $3`
	if limit <= 0 {
		limit = -1
	}
	rows, err := p.db.QueryContext(ctx, query, key, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (p *PostgresKV) ZRem(ctx context.Context, key string, member string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM kv_zset WHERE key = $1 AND member = $2`, key, member)
	return err
}

func (p *PostgresKV) SAdd(ctx context.Context, key string, members ...string) error {
	for _, m := range members {
		if _, err := p.db.ExecContext(ctx, `
			INSERT INTO kv_set (key, member) VALUES ($1, $2) ON CONFLICT (key, member) DO NOTHING
		`, key, m); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresKV) SMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT member FROM kv_set WHERE key = $1`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	sort.Strings(members)
	return members, rows.Err()
}

func (p *PostgresKV) SRem(ctx context.Context, key string, members ...string) error {
	for _, m := range members {
		if _, err := p.db.ExecContext(ctx, `DELETE FROM kv_set WHERE key = $1 AND member = $2`, key, m); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresKV) HSet(ctx context.Context, key, field string, value []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO kv_hash (key, field, value) VALUES ($1, $2, $3)
		ON CONFLICT (key, field) DO UPDATE SET value = excluded.value
	`, key, field, value)
	return err
}

func (p *PostgresKV) HGet(ctx context.Context, key, field string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx, `SELECT value FROM kv_hash WHERE key = $1 AND field = $2`, key, field).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return value, err
}

func (p *PostgresKV) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT field, value FROM kv_hash WHERE key = $1`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]byte)
	for rows.Next() {
		var field string
		var value []byte
		if err := rows.Scan(&field, &value); err != nil {
			return nil, err
		}
		out[field] = value
	}
	return out, rows.Err()
}

func (p *PostgresKV) HDel(ctx context.Context, key, field string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM kv_hash WHERE key = $1 AND field = $2`, key, field)
	return err
}

func (p *PostgresKV) Close() error {
	return p.db.Close()
}
