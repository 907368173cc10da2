package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ent0n29/faqflow/internal/faq"
)

const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 50
)

// Store owns persistence of sessions, interactions and user contexts.
// History is returned in chronological order, newest last.
type Store interface {
	History(ctx context.Context, sessionID string, limit int) ([]faq.Interaction, error)
	CountInteractions(ctx context.Context, sessionID string) (int, error)
	// AppendInteraction writes one turn atomically. When userID is set the
	// user's interaction_count and last_active are updated in the same
	// transaction. Appends to one session are serialized so timestamps are
	// strictly increasing within the session.
	AppendInteraction(ctx context.Context, sessionID, userID string, in faq.Interaction) (faq.Interaction, error)
	UserStats(ctx context.Context, userID string) (faq.UserContext, error)
	SetPreferences(ctx context.Context, userID string, prefs map[string]any) (faq.UserContext, error)
	SessionStats(ctx context.Context, sessionID string) (faq.SessionStats, error)
	// PruneBefore deletes interactions older than cutoff. User counters are untouched.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Backend() string
	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// nextTimestamp picks the write time for a new interaction: the requested
// time, pushed forward past the session's latest entry when needed.
func nextTimestamp(requested, last time.Time) time.Time {
	ts := requested.UTC().Truncate(time.Microsecond)
	if !last.IsZero() && !ts.After(last) {
		ts = last.Add(time.Microsecond)
	}
	return ts
}

func checkInteraction(sessionID string, in faq.Interaction) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", faq.ErrValidation)
	}
	if !in.Confidence.Valid() {
		return fmt.Errorf("%w: confidence %q", faq.ErrValidation, in.Confidence)
	}
	return nil
}

func persistenceErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", faq.ErrPersistence, op, err)
}

func encodeMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func decodeMap(raw []byte) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

func reverse(items []faq.Interaction) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
