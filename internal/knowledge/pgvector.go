package knowledge

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGVectorIndex stores chunks in PostgreSQL with the pgvector extension.
type PGVectorIndex struct {
	pool *pgxpool.Pool
	dim  int
}

func NewPGVectorIndex(ctx context.Context, databaseURL string, dim int) (*PGVectorIndex, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS kb_chunks (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, dim),
		`CREATE INDEX IF NOT EXISTS idx_kb_chunks_source ON kb_chunks (source);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return &PGVectorIndex{pool: pool, dim: dim}, nil
}

func (x *PGVectorIndex) Backend() string { return "pgvector" }

func (x *PGVectorIndex) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range chunks {
		if len(c.Embedding) != x.dim {
			return fmt.Errorf("chunk %q: embedding dim %d, want %d", c.ID, len(c.Embedding), x.dim)
		}
		batch.Queue(
			`INSERT INTO kb_chunks (id, source, content, embedding, updated_at)
			 VALUES ($1, $2, $3, $4::vector, now())
			 ON CONFLICT (id) DO UPDATE SET
				source = EXCLUDED.source,
				content = EXCLUDED.content,
				embedding = EXCLUDED.embedding,
				updated_at = now()`,
			c.ID, c.Source, c.Content, vectorLiteral(c.Embedding),
		)
	}
	if err := x.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert chunks: %w", err)
	}
	return nil
}

func (x *PGVectorIndex) Search(ctx context.Context, embedding []float32, topN int, minScore float64) ([]Match, error) {
	if topN <= 0 {
		return []Match{}, nil
	}
	rows, err := x.pool.Query(ctx,
		`SELECT id, source, content, score FROM (
			SELECT id, source, content, 1 - (embedding <=> $1::vector) AS score FROM kb_chunks
		 ) scored
		 WHERE score >= $3
		 ORDER BY score DESC, id ASC
		 LIMIT $2`,
		vectorLiteral(embedding), topN, minScore,
	)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	matches := make([]Match, 0, topN)
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.Source, &m.Content, &m.Score); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matches: %w", err)
	}
	return matches, nil
}

func (x *PGVectorIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := x.pool.QueryRow(ctx, `SELECT COUNT(*) FROM kb_chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

func (x *PGVectorIndex) Ping(ctx context.Context) error {
	return x.pool.Ping(ctx)
}

func (x *PGVectorIndex) Close() error {
	x.pool.Close()
	return nil
}

func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 8)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
