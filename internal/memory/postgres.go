package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/faqflow/internal/faq"
)

// PostgresStore persists session memory in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS faq_sessions (
			session_id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_interaction_at TIMESTAMPTZ
		);`,
		`CREATE TABLE IF NOT EXISTS faq_interactions (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES faq_sessions (session_id),
			user_id TEXT,
			query TEXT NOT NULL,
			response TEXT NOT NULL,
			confidence TEXT NOT NULL CHECK (confidence IN ('none', 'low', 'medium', 'high')),
			intent TEXT,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_faq_interactions_session_created ON faq_interactions (session_id, created_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_faq_interactions_user ON faq_interactions (user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_faq_interactions_created ON faq_interactions (created_at);`,
		`CREATE TABLE IF NOT EXISTS user_contexts (
			user_id TEXT PRIMARY KEY,
			preferences JSONB NOT NULL DEFAULT '{}'::jsonb,
			interaction_count BIGINT NOT NULL DEFAULT 0,
			last_active TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Backend() string { return "postgres" }

func (s *PostgresStore) History(ctx context.Context, sessionID string, limit int) ([]faq.Interaction, error) {
	limit = clampLimit(limit)

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, COALESCE(user_id, ''), query, response, confidence, intent, metadata, created_at
		 FROM faq_interactions WHERE session_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, persistenceErr("query history", err)
	}
	defer rows.Close()

	items := make([]faq.Interaction, 0, limit)
	for rows.Next() {
		var (
			it         faq.Interaction
			confidence string
			metadata   []byte
		)
		if err := rows.Scan(&it.ID, &it.SessionID, &it.UserID, &it.Query, &it.Response, &confidence, &it.Intent, &metadata, &it.CreatedAt); err != nil {
			return nil, persistenceErr("scan history row", err)
		}
		it.Confidence = faq.Confidence(confidence)
		it.Metadata = decodeMap(metadata)
		it.CreatedAt = it.CreatedAt.UTC()
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("iterate history rows", err)
	}

	// Oldest first so the window can be appended to a prompt as-is.
	reverse(items)
	return items, nil
}

func (s *PostgresStore) CountInteractions(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM faq_interactions WHERE session_id=$1`, sessionID).Scan(&n); err != nil {
		return 0, persistenceErr("count interactions", err)
	}
	return n, nil
}

func (s *PostgresStore) AppendInteraction(ctx context.Context, sessionID, userID string, in faq.Interaction) (faq.Interaction, error) {
	if err := checkInteraction(sessionID, in); err != nil {
		return faq.Interaction{}, err
	}
	metadata, err := encodeMap(in.Metadata)
	if err != nil {
		return faq.Interaction{}, fmt.Errorf("%w: metadata: %v", faq.ErrValidation, err)
	}

	now := time.Now().UTC()
	requested := in.CreatedAt
	if requested.IsZero() {
		requested = now
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return faq.Interaction{}, persistenceErr("begin append", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The upsert takes the session row lock, serializing appends per session.
	var last *time.Time
	if err := tx.QueryRow(ctx,
		`INSERT INTO faq_sessions (session_id, created_at) VALUES ($1, $2)
		 ON CONFLICT (session_id) DO UPDATE SET session_id = EXCLUDED.session_id
		 RETURNING last_interaction_at`,
		sessionID, now,
	).Scan(&last); err != nil {
		return faq.Interaction{}, persistenceErr("upsert session", err)
	}
	var lastTS time.Time
	if last != nil {
		lastTS = last.UTC()
	}

	rec := in
	rec.SessionID = sessionID
	rec.UserID = userID
	rec.CreatedAt = nextTimestamp(requested, lastTS)
	rec.Metadata = decodeMap(metadata)

	var userCol *string
	if userID != "" {
		userCol = &userID
	}
	if err := tx.QueryRow(ctx,
		`INSERT INTO faq_interactions (session_id, user_id, query, response, confidence, intent, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
		 RETURNING id`,
		sessionID, userCol, rec.Query, rec.Response, string(rec.Confidence), rec.Intent, string(metadata), rec.CreatedAt,
	).Scan(&rec.ID); err != nil {
		return faq.Interaction{}, persistenceErr("insert interaction", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE faq_sessions SET last_interaction_at=$2 WHERE session_id=$1`,
		sessionID, rec.CreatedAt,
	); err != nil {
		return faq.Interaction{}, persistenceErr("touch session", err)
	}

	if userID != "" {
		if _, err := tx.Exec(ctx,
			`INSERT INTO user_contexts (user_id, preferences, interaction_count, last_active, created_at)
			 VALUES ($1, '{}'::jsonb, 1, $2, $3)
			 ON CONFLICT (user_id) DO UPDATE SET
				interaction_count = user_contexts.interaction_count + 1,
				last_active = EXCLUDED.last_active`,
			userID, rec.CreatedAt, now,
		); err != nil {
			return faq.Interaction{}, persistenceErr("upsert user context", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return faq.Interaction{}, persistenceErr("commit append", err)
	}
	return rec, nil
}

func (s *PostgresStore) UserStats(ctx context.Context, userID string) (faq.UserContext, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT user_id, preferences, interaction_count, last_active, created_at
		 FROM user_contexts WHERE user_id=$1`,
		userID,
	)
	return scanUserContext(row, userID)
}

func (s *PostgresStore) SetPreferences(ctx context.Context, userID string, prefs map[string]any) (faq.UserContext, error) {
	raw, err := encodeMap(prefs)
	if err != nil {
		return faq.UserContext{}, fmt.Errorf("%w: preferences: %v", faq.ErrValidation, err)
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE user_contexts SET preferences=$2::jsonb WHERE user_id=$1
		 RETURNING user_id, preferences, interaction_count, last_active, created_at`,
		userID, string(raw),
	)
	return scanUserContext(row, userID)
}

func scanUserContext(row pgx.Row, userID string) (faq.UserContext, error) {
	var (
		u     faq.UserContext
		prefs []byte
	)
	if err := row.Scan(&u.UserID, &prefs, &u.InteractionCount, &u.LastActive, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return faq.UserContext{}, fmt.Errorf("user %q: %w", userID, faq.ErrNotFound)
		}
		return faq.UserContext{}, persistenceErr("scan user context", err)
	}
	u.Preferences = decodeMap(prefs)
	u.LastActive = u.LastActive.UTC()
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func (s *PostgresStore) SessionStats(ctx context.Context, sessionID string) (faq.SessionStats, error) {
	stats := faq.SessionStats{SessionID: sessionID}
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), MIN(created_at), MAX(created_at),
			COALESCE(AVG(CASE WHEN confidence = 'high' THEN 1 ELSE 0 END), 0)::float8
		 FROM faq_interactions WHERE session_id=$1`,
		sessionID,
	).Scan(&stats.TotalInteractions, &stats.FirstInteraction, &stats.LastInteraction, &stats.HighConfidenceRatio); err != nil {
		return faq.SessionStats{}, persistenceErr("session stats", err)
	}
	return stats, nil
}

func (s *PostgresStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM faq_interactions WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, persistenceErr("prune interactions", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return persistenceErr("ping", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
