package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// IndexConfig selects the knowledge-base backend.
type IndexConfig struct {
	Backend     string
	DatabaseURL string
	Dimension   int
}

func NewIndex(ctx context.Context, cfg IndexConfig) (Index, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return NewMemoryIndex(cfg.Dimension), nil
	case "pgvector":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, errors.New("KB_DATABASE_URL is required for pgvector backend")
		}
		return NewPGVectorIndex(ctx, cfg.DatabaseURL, cfg.Dimension)
	default:
		return nil, fmt.Errorf("unsupported knowledge backend %q", cfg.Backend)
	}
}

// EmbedderConfig selects the embedding backend.
type EmbedderConfig struct {
	Mode      string
	URL       string
	APIKey    string
	Model     string
	Dimension int
}

// NewEmbedder builds an embedder. In auto mode the HTTP embedder is used
// when a URL is configured, the hashing embedder otherwise.
func NewEmbedder(cfg EmbedderConfig) (Embedder, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}
	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.URL) != "" {
			return NewHTTPEmbedder(cfg.URL, cfg.APIKey, cfg.Model, cfg.Dimension), nil
		}
		return NewHashEmbedder(cfg.Dimension), nil
	case "openai", "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("EMBEDDING_URL is required for openai embedding mode")
		}
		return NewHTTPEmbedder(cfg.URL, cfg.APIKey, cfg.Model, cfg.Dimension), nil
	case "hash":
		return NewHashEmbedder(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unsupported embedding mode %q", cfg.Mode)
	}
}
