package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ent0n29/faqflow/internal/faq"
)

// SQLiteStore persists session memory in an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
	// Serializes writers so concurrent appends never race for the write lock.
	writeMu sync.Mutex
}

// NewSQLiteStore opens (or creates) the database at path. ":memory:" is
// accepted for throwaway stores.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS faq_sessions (
			session_id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			last_interaction_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS faq_interactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES faq_sessions (session_id),
			user_id TEXT,
			query TEXT NOT NULL,
			response TEXT NOT NULL,
			confidence TEXT NOT NULL CHECK (confidence IN ('none', 'low', 'medium', 'high')),
			intent TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_faq_interactions_session_created ON faq_interactions (session_id, created_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_faq_interactions_user ON faq_interactions (user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_faq_interactions_created ON faq_interactions (created_at);`,
		`CREATE TABLE IF NOT EXISTS user_contexts (
			user_id TEXT PRIMARY KEY,
			preferences TEXT NOT NULL DEFAULT '{}',
			interaction_count INTEGER NOT NULL DEFAULT 0,
			last_active INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Backend() string { return "sqlite" }

func (s *SQLiteStore) History(ctx context.Context, sessionID string, limit int) ([]faq.Interaction, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, COALESCE(user_id, ''), query, response, confidence, intent, metadata, created_at
		 FROM faq_interactions WHERE session_id=? ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, limit,
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
			intent     sql.NullString
			metadata   string
			created    int64
		)
		if err := rows.Scan(&it.ID, &it.SessionID, &it.UserID, &it.Query, &it.Response, &confidence, &intent, &metadata, &created); err != nil {
			return nil, persistenceErr("scan history row", err)
		}
		it.Confidence = faq.Confidence(confidence)
		if intent.Valid {
			it.Intent = &intent.String
		}
		it.Metadata = decodeMap([]byte(metadata))
		it.CreatedAt = time.UnixMicro(created).UTC()
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("iterate history rows", err)
	}
	reverse(items)
	return items, nil
}

func (s *SQLiteStore) CountInteractions(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM faq_interactions WHERE session_id=?`, sessionID).Scan(&n); err != nil {
		return 0, persistenceErr("count interactions", err)
	}
	return n, nil
}

func (s *SQLiteStore) AppendInteraction(ctx context.Context, sessionID, userID string, in faq.Interaction) (faq.Interaction, error) {
	if err := checkInteraction(sessionID, in); err != nil {
		return faq.Interaction{}, err
	}
	metadata, err := encodeMap(in.Metadata)
	if err != nil {
		return faq.Interaction{}, fmt.Errorf("%w: metadata: %v", faq.ErrValidation, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	requested := in.CreatedAt
	if requested.IsZero() {
		requested = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return faq.Interaction{}, persistenceErr("begin append", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO faq_sessions (session_id, created_at) VALUES (?, ?) ON CONFLICT (session_id) DO NOTHING`,
		sessionID, now.UnixMicro(),
	); err != nil {
		return faq.Interaction{}, persistenceErr("upsert session", err)
	}
	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT last_interaction_at FROM faq_sessions WHERE session_id=?`, sessionID,
	).Scan(&last); err != nil {
		return faq.Interaction{}, persistenceErr("read session", err)
	}
	var lastTS time.Time
	if last.Valid {
		lastTS = time.UnixMicro(last.Int64).UTC()
	}

	rec := in
	rec.SessionID = sessionID
	rec.UserID = userID
	rec.CreatedAt = nextTimestamp(requested, lastTS)
	rec.Metadata = decodeMap(metadata)

	var userCol, intentCol sql.NullString
	if userID != "" {
		userCol = sql.NullString{String: userID, Valid: true}
	}
	if rec.Intent != nil {
		intentCol = sql.NullString{String: *rec.Intent, Valid: true}
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO faq_interactions (session_id, user_id, query, response, confidence, intent, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, userCol, rec.Query, rec.Response, string(rec.Confidence), intentCol, string(metadata), rec.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return faq.Interaction{}, persistenceErr("insert interaction", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return faq.Interaction{}, persistenceErr("interaction id", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE faq_sessions SET last_interaction_at=? WHERE session_id=?`,
		rec.CreatedAt.UnixMicro(), sessionID,
	); err != nil {
		return faq.Interaction{}, persistenceErr("touch session", err)
	}

	if userID != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_contexts (user_id, preferences, interaction_count, last_active, created_at)
			 VALUES (?, '{}', 1, ?, ?)
			 ON CONFLICT (user_id) DO UPDATE SET
				interaction_count = interaction_count + 1,
				last_active = excluded.last_active`,
			userID, rec.CreatedAt.UnixMicro(), now.UnixMicro(),
		); err != nil {
			return faq.Interaction{}, persistenceErr("upsert user context", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return faq.Interaction{}, persistenceErr("commit append", err)
	}
	return rec, nil
}

func (s *SQLiteStore) UserStats(ctx context.Context, userID string) (faq.UserContext, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, preferences, interaction_count, last_active, created_at FROM user_contexts WHERE user_id=?`,
		userID,
	)
	return scanSQLiteUser(row, userID)
}

func (s *SQLiteStore) SetPreferences(ctx context.Context, userID string, prefs map[string]any) (faq.UserContext, error) {
	raw, err := encodeMap(prefs)
	if err != nil {
		return faq.UserContext{}, fmt.Errorf("%w: preferences: %v", faq.ErrValidation, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE user_contexts SET preferences=? WHERE user_id=?`, string(raw), userID)
	if err != nil {
		return faq.UserContext{}, persistenceErr("update preferences", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faq.UserContext{}, fmt.Errorf("user %q: %w", userID, faq.ErrNotFound)
	}
	return s.UserStats(ctx, userID)
}

func scanSQLiteUser(row *sql.Row, userID string) (faq.UserContext, error) {
	var (
		u                  faq.UserContext
		prefs              string
		lastActive, create int64
	)
	if err := row.Scan(&u.UserID, &prefs, &u.InteractionCount, &lastActive, &create); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return faq.UserContext{}, fmt.Errorf("user %q: %w", userID, faq.ErrNotFound)
		}
		return faq.UserContext{}, persistenceErr("scan user context", err)
	}
	u.Preferences = decodeMap([]byte(prefs))
	u.LastActive = time.UnixMicro(lastActive).UTC()
	u.CreatedAt = time.UnixMicro(create).UTC()
	return u, nil
}

func (s *SQLiteStore) SessionStats(ctx context.Context, sessionID string) (faq.SessionStats, error) {
	stats := faq.SessionStats{SessionID: sessionID}
	var first, last sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(created_at), MAX(created_at),
			COALESCE(AVG(CASE WHEN confidence = 'high' THEN 1.0 ELSE 0.0 END), 0.0)
		 FROM faq_interactions WHERE session_id=?`,
		sessionID,
	).Scan(&stats.TotalInteractions, &first, &last, &stats.HighConfidenceRatio); err != nil {
		return faq.SessionStats{}, persistenceErr("session stats", err)
	}
	if first.Valid {
		t := time.UnixMicro(first.Int64).UTC()
		stats.FirstInteraction = &t
	}
	if last.Valid {
		t := time.UnixMicro(last.Int64).UTC()
		stats.LastInteraction = &t
	}
	return stats, nil
}

func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM faq_interactions WHERE created_at < ?`, cutoff.UTC().UnixMicro())
	if err != nil {
		return 0, persistenceErr("prune interactions", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return persistenceErr("ping", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
