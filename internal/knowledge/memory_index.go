package knowledge

import (
	"context"
	"fmt"
	"sync"
)

// MemoryIndex is a brute-force cosine index held in process.
type MemoryIndex struct {
	mu     sync.RWMutex
	dim    int
	chunks map[string]Chunk
}

func NewMemoryIndex(dim int) *MemoryIndex {
	return &MemoryIndex{dim: dim, chunks: make(map[string]Chunk)}
}

func (x *MemoryIndex) Backend() string { return "memory" }

func (x *MemoryIndex) Upsert(_ context.Context, chunks []Chunk) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, c := range chunks {
		if c.ID == "" {
			return fmt.Errorf("chunk id is required")
		}
		if x.dim > 0 && len(c.Embedding) != x.dim {
			return fmt.Errorf("chunk %q: embedding dim %d, want %d", c.ID, len(c.Embedding), x.dim)
		}
		emb := make([]float32, len(c.Embedding))
		copy(emb, c.Embedding)
		c.Embedding = emb
		x.chunks[c.ID] = c
	}
	return nil
}

func (x *MemoryIndex) Search(ctx context.Context, embedding []float32, topN int, minScore float64) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topN <= 0 {
		return []Match{}, nil
	}
	x.mu.RLock()
	matches := make([]Match, 0, len(x.chunks))
	for _, c := range x.chunks {
		score := cosine(embedding, c.Embedding)
		if score < minScore {
			continue
		}
		matches = append(matches, Match{ID: c.ID, Source: c.Source, Content: c.Content, Score: score})
	}
	x.mu.RUnlock()

	sortMatches(matches)
	if len(matches) > topN {
		matches = matches[:topN]
	}
	return matches, nil
}

func (x *MemoryIndex) Count(context.Context) (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.chunks), nil
}

func (x *MemoryIndex) Ping(context.Context) error { return nil }

func (x *MemoryIndex) Close() error { return nil }
