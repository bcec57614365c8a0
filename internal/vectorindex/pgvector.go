package vectorindex

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/symbolkernel/kernel/internal/registry"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresBackend is the server-grade index backend. It targets plain
// Postgres via jackc/pgx/v5 (matching internal/store's driver choice)
// rather than assuming the pgvector extension is installed: embeddings
// are stored as
// bytea and ranked with the same application-side cosine scan as
// SQLiteBackend; no ranking happens in SQL.
type PostgresBackend struct {
	db       *sql.DB
	embedder Embedder
	ownsDB   bool
	reindex  reindexState
}

// NewPostgresBackend opens a connection against dsn and ensures schema.
func NewPostgresBackend(ctx context.Context, dsn string, embedder Embedder) (*PostgresBackend, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("vectorindex: ping postgres: %w", err)
	}
	b := &PostgresBackend{db: db, embedder: embedder, ownsDB: true}
	if err := b.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *PostgresBackend) migrate(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS symbol_vectors (
			id        TEXT PRIMARY KEY,
			domain_id TEXT NOT NULL,
			text      TEXT NOT NULL,
			embedding BYTEA NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("vectorindex: create table: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_symbol_vectors_domain ON symbol_vectors(domain_id)`)
	return err
}

func (b *PostgresBackend) IndexSymbol(ctx context.Context, sym *registry.Symbol) (bool, error) {
	text := SymbolText(sym)
	vec, err := b.embedder.Embed(ctx, text)
	if err != nil {
		return false, nil
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO symbol_vectors (id, domain_id, text, embedding) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET domain_id = excluded.domain_id, text = excluded.text, embedding = excluded.embedding
	`, sym.ID, sym.SymbolDomain, text, encodeEmbedding(vec))
	if err != nil {
		return false, fmt.Errorf("vectorindex: upsert %s: %w", sym.ID, err)
	}
	return true, nil
}

func (b *PostgresBackend) RemoveSymbol(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM symbol_vectors WHERE id = $1`, id)
	return err
}

func (b *PostgresBackend) Search(ctx context.Context, query string, opts registry.SearchOptions) ([]registry.ScoredSymbol, error) {
	vec, err := b.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: embed query: %w", err)
	}

	sqlQuery := `SELECT id, domain_id, embedding FROM symbol_vectors WHERE 1=1`
	var args []any
	if len(opts.Domains) > 0 {
		sqlQuery += fmt.Sprintf(" AND domain_id = ANY($%d)", len(args)+1)
		args = append(args, toAnyArray(opts.Domains))
	}

	rows, err := b.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []registry.ScoredSymbol
	for rows.Next() {
		var id, domainID string
		var blob []byte
		if err := rows.Scan(&id, &domainID, &blob); err != nil {
			return nil, err
		}
		results = append(results, registry.ScoredSymbol{SymbolID: id, Score: cosineSimilarity(vec, decodeEmbedding(blob))})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	limit := opts.Limit
	if limit <= 0 || limit > len(results) {
		limit = len(results)
	}
	return results[:limit], nil
}

func toAnyArray(ss []string) []string { return ss } // pgx driver accepts []string directly for ANY($1)

func (b *PostgresBackend) ResetCollection(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM symbol_vectors`)
	return err
}

func (b *PostgresBackend) CountCollection(ctx context.Context) (int64, error) {
	var n int64
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM symbol_vectors`).Scan(&n)
	return n, err
}

func (b *PostgresBackend) HealthCheck(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *PostgresBackend) Close() error {
	if !b.ownsDB {
		return nil
	}
	return b.db.Close()
}
