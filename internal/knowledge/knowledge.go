// Package knowledge provides the similarity-search knowledge base: chunk
// storage, nearest-neighbour search and text embedding.
package knowledge

import (
	"context"
	"math"
	"sort"
)

// Chunk is one indexed passage of a source document.
type Chunk struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"-"`
}

// Match is a search hit. Score is cosine similarity in [-1, 1].
type Match struct {
	ID      string  `json:"id"`
	Source  string  `json:"source"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Searcher returns at most topN chunks scoring at least minScore, ordered by
// score descending then id ascending. Identical inputs against an unchanged
// index yield identical results.
type Searcher interface {
	Search(ctx context.Context, embedding []float32, topN int, minScore float64) ([]Match, error)
}

// Index is a writable Searcher.
type Index interface {
	Searcher
	Upsert(ctx context.Context, chunks []Chunk) error
	Count(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Backend() string
	Close() error
}

// Embedder turns text into fixed-size vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Sources returns the distinct sources of matches in rank order.
func Sources(matches []Match) []string {
	out := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		ref := m.Source
		if ref == "" {
			ref = m.ID
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
}
