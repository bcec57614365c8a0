package vectorindex

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"

	"github.com/symbolkernel/kernel/internal/registry"
	_ "modernc.org/sqlite"
)

// SQLiteBackend is the embedded index backend: a brute-force cosine
// scan over float32 blobs. Acceptable for the symbol counts this kernel
// expects (thousands, not millions); Postgres is the scale-out path.
type SQLiteBackend struct {
	db       *sql.DB
	embedder Embedder
	reindex  reindexState
}

// NewSQLiteBackend opens (or creates) the vector store at path. path may
// be ":memory:" for tests.
func NewSQLiteBackend(path string, embedder Embedder) (*SQLiteBackend, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	b := &SQLiteBackend{db: db, embedder: embedder}
	if err := b.init(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) init() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS symbol_vectors (
			id        TEXT PRIMARY KEY,
			domain_id TEXT NOT NULL,
			text      TEXT NOT NULL,
			embedding BLOB NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("vectorindex: create table: %w", err)
	}
	_, err = b.db.Exec(`CREATE INDEX IF NOT EXISTS idx_symbol_vectors_domain ON symbol_vectors(domain_id)`)
	return err
}

// IndexSymbol embeds and upserts sym. Returns false (unindexable) only
// when embedding itself fails; the registry treats that as the signal
// to drop the symbol, not a transient error.
func (b *SQLiteBackend) IndexSymbol(ctx context.Context, sym *registry.Symbol) (bool, error) {
	text := SymbolText(sym)
	vec, err := b.embedder.Embed(ctx, text)
	if err != nil {
		return false, nil
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO symbol_vectors (id, domain_id, text, embedding) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET domain_id=excluded.domain_id, text=excluded.text, embedding=excluded.embedding`,
		sym.ID, sym.SymbolDomain, text, encodeEmbedding(vec))
	if err != nil {
		return false, fmt.Errorf("vectorindex: upsert %s: %w", sym.ID, err)
	}
	return true, nil
}

func (b *SQLiteBackend) RemoveSymbol(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM symbol_vectors WHERE id = ?`, id)
	return err
}

// Search embeds query and ranks stored vectors by cosine similarity,
// restricted to opts.Domains when non-empty.
func (b *SQLiteBackend) Search(ctx context.Context, query string, opts registry.SearchOptions) ([]registry.ScoredSymbol, error) {
	vec, err := b.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: embed query: %w", err)
	}

	sqlQuery := `SELECT id, domain_id, embedding FROM symbol_vectors WHERE 1=1`
	var args []any
	if len(opts.Domains) > 0 {
		placeholders := ""
		for i, d := range opts.Domains {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, d)
		}
		sqlQuery += fmt.Sprintf(" AND domain_id IN (%s)", placeholders)
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
		score := cosineSimilarity(vec, decodeEmbedding(blob))
		results = append(results, registry.ScoredSymbol{SymbolID: id, Score: score})
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

func (b *SQLiteBackend) ResetCollection(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM symbol_vectors`)
	return err
}

func (b *SQLiteBackend) CountCollection(ctx context.Context) (int64, error) {
	var n int64
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM symbol_vectors`).Scan(&n)
	return n, err
}

func (b *SQLiteBackend) HealthCheck(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func encodeEmbedding(vec []float32) []byte {
	data := make([]byte, len(vec)*4)
	for i, f := range vec {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		vec[i] = math.Float32frombits(bits)
	}
	return vec
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
