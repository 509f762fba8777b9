package recall

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/pgvector/pgvector-go"

	"inference-mesh/internal/observability/metrics"
	"inference-mesh/internal/resilience/circuitbreaker"
)

// lookupTimeout bounds recall queries so a slow database never delays
// dispatch by more than this.
const lookupTimeout = 5 * time.Second

// Postgres is a pgvector-backed recall store. Lookups try an exact context
// hash first, then fall back to cosine similarity over prompt embeddings when
// an Embedder is configured.
//
// All query paths run through a circuit-breaker guard: when Postgres
// misbehaves, recall fails fast and the mesh dispatches to backends as if
// every lookup missed.
type Postgres struct {
	db        *circuitbreaker.GuardedDB
	embedder  Embedder
	threshold float64
}

// NewPostgres creates a recall store over an open database handle. embedder
// may be nil, which disables semantic matching and leaves exact-hash recall.
func NewPostgres(db *sql.DB, embedder Embedder, threshold float64) *Postgres {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSimilarityThreshold
	}
	return &Postgres{
		db:        circuitbreaker.NewGuardedDB(db),
		embedder:  embedder,
		threshold: threshold,
	}
}

// Migrate creates the recall schema. The vector extension is attempted but
// failure is tolerated: without it, semantic search queries will fail and
// recall degrades to exact matching.
func Migrate(db *sql.DB) error {
	_, _ = db.Exec(`CREATE EXTENSION IF NOT EXISTS vector`)

	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS recall_entries (
    id           SERIAL PRIMARY KEY,
    context_hash TEXT NOT NULL UNIQUE,
    prompt       TEXT NOT NULL,
    content      TEXT NOT NULL,
    embedding    vector(1536),
    created_at   TIMESTAMPTZ DEFAULT now(),
    updated_at   TIMESTAMPTZ DEFAULT now()
)`); err != nil {
		return fmt.Errorf("Migrate: %w", err)
	}

	if _, err := db.Exec(`
CREATE INDEX IF NOT EXISTS idx_recall_entries_embedding
ON recall_entries USING hnsw (embedding vector_cosine_ops)`); err != nil {
		// Index creation needs pgvector; exact-hash recall works without it.
		slog.Warn("recall vector index not created, semantic recall degraded",
			slog.Any("error", err))
	}
	return nil
}

// Recall implements the mesh recall contract: exact hash match first, then
// similarity search over the prompt embedding.
func (p *Postgres) Recall(ctx context.Context, prompt, contextHash string) ([]string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	start := time.Now()
	defer func() { metrics.RecordDBQuery("recall_lookup", time.Since(start)) }()

	content, ok, err := p.exactMatch(ctx, contextHash)
	if err != nil {
		metrics.RecordRecallLookup("error")
		return nil, false, err
	}
	if ok {
		metrics.RecordRecallLookup("hit_exact")
		return []string{content}, true, nil
	}

	if p.embedder == nil {
		metrics.RecordRecallLookup("miss")
		return nil, false, nil
	}

	chunks, ok, err := p.semanticMatch(ctx, prompt)
	switch {
	case err != nil:
		metrics.RecordRecallLookup("error")
	case ok:
		metrics.RecordRecallLookup("hit_semantic")
	default:
		metrics.RecordRecallLookup("miss")
	}
	return chunks, ok, err
}

func (p *Postgres) exactMatch(ctx context.Context, contextHash string) (string, bool, error) {
	const query = `SELECT content FROM recall_entries WHERE context_hash = $1`

	rows, err := p.db.QueryContext(ctx, query, contextHash)
	if err != nil {
		return "", false, fmt.Errorf("Recall: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return "", false, rows.Err()
	}
	var content string
	if err := rows.Scan(&content); err != nil {
		return "", false, fmt.Errorf("Recall: Scan: %w", err)
	}
	return content, true, nil
}

func (p *Postgres) semanticMatch(ctx context.Context, prompt string) ([]string, bool, error) {
	vec, err := p.embedder.Embed(ctx, prompt)
	if err != nil {
		return nil, false, fmt.Errorf("Recall: %w", err)
	}

	// Cosine distance operator; similarity = 1 - distance.
	const query = `
SELECT content, 1 - (embedding <=> $1) AS similarity
FROM recall_entries
WHERE embedding IS NOT NULL
ORDER BY embedding <=> $1
LIMIT 1`

	rows, err := p.db.QueryContext(ctx, query, pgvector.NewVector(vec))
	if err != nil {
		return nil, false, fmt.Errorf("Recall: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, false, rows.Err()
	}
	var content string
	var similarity float64
	if err := rows.Scan(&content, &similarity); err != nil {
		return nil, false, fmt.Errorf("Recall: Scan: %w", err)
	}
	if similarity < p.threshold {
		return nil, false, nil
	}
	return []string{content}, true, nil
}

// Store upserts a completed response. The embedding is best-effort: an
// embedder failure stores the entry without a vector, keeping exact-hash
// recall intact.
func (p *Postgres) Store(ctx context.Context, prompt, contextHash string, chunks []string) error {
	content := ""
	for _, c := range chunks {
		content += c
	}

	var vector any
	if p.embedder != nil {
		vec, err := p.embedder.Embed(ctx, prompt)
		if err != nil {
			slog.Warn("recall embedding failed, storing without vector",
				slog.Any("error", err))
		} else {
			vector = pgvector.NewVector(vec)
		}
	}

	const query = `
INSERT INTO recall_entries (context_hash, prompt, content, embedding, created_at, updated_at)
VALUES ($1, $2, $3, $4, NOW(), NOW())
ON CONFLICT (context_hash)
DO UPDATE SET
	prompt = EXCLUDED.prompt,
	content = EXCLUDED.content,
	embedding = EXCLUDED.embedding,
	updated_at = NOW()`

	start := time.Now()
	_, err := p.db.ExecContext(ctx, query, contextHash, prompt, content, vector)
	metrics.RecordDBQuery("recall_store", time.Since(start))
	if err != nil {
		return fmt.Errorf("Store: %w", err)
	}
	return nil
}

// Healthy reports whether the guard currently admits database calls.
func (p *Postgres) Healthy() bool {
	return !p.db.IsOpen()
}
