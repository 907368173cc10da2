package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/ent0n29/faqflow/internal/faq"
)

type memSession struct {
	createdAt    time.Time
	interactions []faq.Interaction
}

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
	users    map[string]*faq.UserContext
	nextID   int64
	now      func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*memSession),
		users:    make(map[string]*faq.UserContext),
		now:      time.Now,
	}
}

func (s *InMemoryStore) Backend() string { return "memory" }

func (s *InMemoryStore) History(_ context.Context, sessionID string, limit int) ([]faq.Interaction, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess := s.sessions[sessionID]
	if sess == nil || len(sess.interactions) == 0 {
		return []faq.Interaction{}, nil
	}
	arr := sess.interactions
	if limit > len(arr) {
		limit = len(arr)
	}
	out := make([]faq.Interaction, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, cloneInteraction(arr[i]))
	}
	return out, nil
}

func (s *InMemoryStore) CountInteractions(_ context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess := s.sessions[sessionID]; sess != nil {
		return len(sess.interactions), nil
	}
	return 0, nil
}

func (s *InMemoryStore) AppendInteraction(ctx context.Context, sessionID, userID string, in faq.Interaction) (faq.Interaction, error) {
	if err := checkInteraction(sessionID, in); err != nil {
		return faq.Interaction{}, err
	}
	if err := ctx.Err(); err != nil {
		return faq.Interaction{}, persistenceErr("append interaction", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	requested := in.CreatedAt
	if requested.IsZero() {
		requested = now
	}
	sess := s.sessions[sessionID]
	if sess == nil {
		sess = &memSession{createdAt: now}
		s.sessions[sessionID] = sess
	}
	var last time.Time
	if n := len(sess.interactions); n > 0 {
		last = sess.interactions[n-1].CreatedAt
	}

	s.nextID++
	rec := cloneInteraction(in)
	rec.ID = s.nextID
	rec.SessionID = sessionID
	rec.UserID = userID
	rec.CreatedAt = nextTimestamp(requested, last)
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	sess.interactions = append(sess.interactions, rec)

	if userID != "" {
		u := s.users[userID]
		if u == nil {
			u = &faq.UserContext{UserID: userID, Preferences: map[string]any{}, CreatedAt: now}
			s.users[userID] = u
		}
		u.InteractionCount++
		u.LastActive = rec.CreatedAt
	}
	return cloneInteraction(rec), nil
}

func (s *InMemoryStore) UserStats(_ context.Context, userID string) (faq.UserContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u := s.users[userID]
	if u == nil {
		return faq.UserContext{}, fmt.Errorf("user %q: %w", userID, faq.ErrNotFound)
	}
	out := *u
	out.Preferences = maps.Clone(u.Preferences)
	return out, nil
}

func (s *InMemoryStore) SetPreferences(_ context.Context, userID string, prefs map[string]any) (faq.UserContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID]
	if u == nil {
		return faq.UserContext{}, fmt.Errorf("user %q: %w", userID, faq.ErrNotFound)
	}
	u.Preferences = maps.Clone(prefs)
	if u.Preferences == nil {
		u.Preferences = map[string]any{}
	}
	out := *u
	out.Preferences = maps.Clone(u.Preferences)
	return out, nil
}

func (s *InMemoryStore) SessionStats(_ context.Context, sessionID string) (faq.SessionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := faq.SessionStats{SessionID: sessionID}
	sess := s.sessions[sessionID]
	if sess == nil || len(sess.interactions) == 0 {
		return stats, nil
	}
	high := 0
	for _, it := range sess.interactions {
		if it.Confidence == faq.ConfidenceHigh {
			high++
		}
	}
	first := sess.interactions[0].CreatedAt
	last := sess.interactions[len(sess.interactions)-1].CreatedAt
	stats.TotalInteractions = len(sess.interactions)
	stats.FirstInteraction = &first
	stats.LastInteraction = &last
	stats.HighConfidenceRatio = float64(high) / float64(len(sess.interactions))
	return stats, nil
}

func (s *InMemoryStore) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for _, sess := range s.sessions {
		kept := sess.interactions[:0]
		for _, it := range sess.interactions {
			if it.CreatedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, it)
		}
		sess.interactions = kept
	}
	return deleted, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }

func cloneInteraction(in faq.Interaction) faq.Interaction {
	out := in
	out.Metadata = maps.Clone(in.Metadata)
	if in.Intent != nil {
		v := *in.Intent
		out.Intent = &v
	}
	return out
}
