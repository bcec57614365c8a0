package store

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteKV is the embedded KV adapter, backed by the pure-Go
// modernc.org/sqlite driver.
type SQLiteKV struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a SQLite-backed KV store at path.
func OpenSQLite(path string) (*SQLiteKV, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers
	s := &SQLiteKV{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteKV) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS kv_zset (
			key TEXT NOT NULL,
			member TEXT NOT NULL,
			score REAL NOT NULL,
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
			value BLOB NOT NULL,
			PRIMARY KEY (key, field)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func nowMs() int64 { return time.Now().UnixMilli() }

func (s *SQLiteKV) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid && expiresAt.Int64 < nowMs() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *SQLiteKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: nowMs() + ttl.Milliseconds(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, expiresAt)
	return err
}

// CompareAndSwap is the sole atomicity primitive the session lock is
// built on. It runs inside a transaction so the read-compare-write
// sequence is indivisible from any concurrent caller's perspective.
func (s *SQLiteKV) CompareAndSwap(ctx context.Context, key string, oldValue, newValue []byte) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var current []byte
	var expiresAt sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&current, &expiresAt)
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
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return false, err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv (key, value, expires_at) VALUES (?, ?, NULL)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = NULL
		`, key, newValue); err != nil {
			return false, err
		}
	}

	return true, tx.Commit()
}

// Delete removes a key of any type, the way redis DEL does: the plain
// value and any set/sorted-set/hash stored under the same key name.
func (s *SQLiteKV) Delete(ctx context.Context, key string) error {
	for _, stmt := range []string{
		`DELETE FROM kv WHERE key = ?`,
		`DELETE FROM kv_zset WHERE key = ?`,
		`DELETE FROM kv_set WHERE key = ?`,
		`DELETE FROM kv_hash WHERE key = ?`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv WHERE key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
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

func escapeLike(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '\\', '%', '_':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLiteKV) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_zset (key, member, score) VALUES (?, ?, ?)
		ON CONFLICT(key, member) DO UPDATE SET score = excluded.score
	`, key, member, score)
	return err
}

func (s *SQLiteKV) ZRange(ctx context.Context, key string, offset, limit int) ([]string, error) {
	query := `SELECT member FROM kv_zset WHERE key = ? ORDER BY score ASC, member ASC LIMIT ? OFFSET ?`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, query, key, limit, offset)
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

func (s *SQLiteKV) ZRem(ctx context.Context, key string, member string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_zset WHERE key = ? AND member = ?`, key, member)
	return err
}

func (s *SQLiteKV) SAdd(ctx context.Context, key string, members ...string) error {
	for _, m := range members {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_set (key, member) VALUES (?, ?)
			ON CONFLICT(key, member) DO NOTHING
		`, key, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteKV) SMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT member FROM kv_set WHERE key = ?`, key)
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

func (s *SQLiteKV) SRem(ctx context.Context, key string, members ...string) error {
	for _, m := range members {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_set WHERE key = ? AND member = ?`, key, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteKV) HSet(ctx context.Context, key, field string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_hash (key, field, value) VALUES (?, ?, ?)
		ON CONFLICT(key, field) DO UPDATE SET value = excluded.value
	`, key, field, value)
	return err
}

func (s *SQLiteKV) HGet(ctx context.Context, key, field string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_hash WHERE key = ? AND field = ?`, key, field).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *SQLiteKV) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT field, value FROM kv_hash WHERE key = ?`, key)
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

func (s *SQLiteKV) HDel(ctx context.Context, key, field string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_hash WHERE key = ? AND field = ?`, key, field)
	return err
}

func (s *SQLiteKV) Close() error {
	return s.db.Close()
}
