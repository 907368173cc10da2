package memory

import (
	"context"
	"fmt"
	"strings"
)

// NewStore picks a backend from the DATABASE_URL scheme: postgres:// or
// postgresql:// for PostgreSQL, sqlite: for an embedded SQLite file, and
// the in-memory store when empty.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	raw := strings.TrimSpace(databaseURL)
	lower := strings.ToLower(raw)
	switch {
	case raw == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return NewPostgresStore(ctx, raw)
	case strings.HasPrefix(lower, "sqlite:"):
		path := strings.TrimPrefix(raw[len("sqlite:"):], "//")
		return NewSQLiteStore(ctx, path)
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme in %q", raw)
	}
}
