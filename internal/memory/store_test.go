package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/faqflow/internal/faq"
)

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, NewInMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "faq.db"))
		if err != nil {
			t.Fatalf("NewSQLiteStore() error = %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func turn(query, response string, c faq.Confidence, intent string) faq.Interaction {
	return faq.Interaction{
		Query:      query,
		Response:   response,
		Confidence: c,
		Intent:     faq.StringPtr(intent),
		Metadata:   map[string]any{"keywords": []any{"fees"}},
	}
}

func TestHistoryOfUnknownSessionIsEmpty(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		got, err := s.History(ctx, "0b6a3d7e-3c55-4f0e-9a77-5f9a2c1d4e10", 10)
		if err != nil {
			t.Fatalf("History() error = %v", err)
		}
		if got == nil || len(got) != 0 {
			t.Fatalf("History() = %#v, want empty non-nil slice", got)
		}
		n, err := s.CountInteractions(ctx, "0b6a3d7e-3c55-4f0e-9a77-5f9a2c1d4e10")
		if err != nil || n != 0 {
			t.Fatalf("CountInteractions() = %d, %v, want 0, nil", n, err)
		}
	})
}

func TestAppendRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first, err := s.AppendInteraction(ctx, "sess-1", "", turn("Q0", "R0", faq.ConfidenceLow, ""))
		if err != nil {
			t.Fatalf("AppendInteraction() error = %v", err)
		}
		second, err := s.AppendInteraction(ctx, "sess-1", "", turn("Q", "R", faq.ConfidenceHigh, "I"))
		if err != nil {
			t.Fatalf("AppendInteraction() error = %v", err)
		}
		if !second.CreatedAt.After(first.CreatedAt) {
			t.Fatalf("second.CreatedAt = %v, want after %v", second.CreatedAt, first.CreatedAt)
		}

		hist, err := s.History(ctx, "sess-1", 10)
		if err != nil {
			t.Fatalf("History() error = %v", err)
		}
		if len(hist) != 2 {
			t.Fatalf("len(History()) = %d, want 2", len(hist))
		}
		got := hist[1]
		if got.Query != "Q" || got.Response != "R" || got.Confidence != faq.ConfidenceHigh {
			t.Fatalf("History()[1] = %+v, want Q/R/high", got)
		}
		if got.Intent == nil || *got.Intent != "I" {
			t.Fatalf("History()[1].Intent = %v, want I", got.Intent)
		}
		if hist[0].Intent != nil {
			t.Fatalf("History()[0].Intent = %v, want nil", *hist[0].Intent)
		}
		if !got.CreatedAt.After(hist[0].CreatedAt) {
			t.Fatalf("history not chronological: %v then %v", hist[0].CreatedAt, got.CreatedAt)
		}
		if _, ok := got.Metadata["keywords"]; !ok {
			t.Fatalf("History()[1].Metadata = %v, want keywords", got.Metadata)
		}
	})
}

func TestAppendKeepsTimestampsStrictlyIncreasing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		var prev time.Time
		for i := 0; i < 3; i++ {
			in := turn(fmt.Sprintf("Q%d", i), "R", faq.ConfidenceMedium, "")
			in.CreatedAt = fixed
			got, err := s.AppendInteraction(ctx, "sess-ts", "", in)
			if err != nil {
				t.Fatalf("AppendInteraction() error = %v", err)
			}
			if !got.CreatedAt.After(prev) {
				t.Fatalf("CreatedAt[%d] = %v, want after %v", i, got.CreatedAt, prev)
			}
			prev = got.CreatedAt
		}
	})
}

func TestHistoryLimitReturnsNewestWindow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			if _, err := s.AppendInteraction(ctx, "sess-win", "", turn(fmt.Sprintf("Q%d", i), "R", faq.ConfidenceLow, "")); err != nil {
				t.Fatalf("AppendInteraction() error = %v", err)
			}
		}
		hist, err := s.History(ctx, "sess-win", 2)
		if err != nil {
			t.Fatalf("History() error = %v", err)
		}
		if len(hist) != 2 || hist[0].Query != "Q3" || hist[1].Query != "Q4" {
			t.Fatalf("History(limit=2) = %+v, want Q3,Q4", hist)
		}
		n, err := s.CountInteractions(ctx, "sess-win")
		if err != nil || n != 5 {
			t.Fatalf("CountInteractions() = %d, %v, want 5", n, err)
		}
	})
}

func TestConcurrentAppendsCountEveryUserInteraction(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const n = 16
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				sessionID := fmt.Sprintf("sess-%d", i%3)
				if _, err := s.AppendInteraction(ctx, sessionID, "user-1", turn("Q", "R", faq.ConfidenceLow, "")); err != nil {
					errs <- err
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("AppendInteraction() error = %v", err)
		}
		u, err := s.UserStats(ctx, "user-1")
		if err != nil {
			t.Fatalf("UserStats() error = %v", err)
		}
		if u.InteractionCount != n {
			t.Fatalf("InteractionCount = %d, want %d", u.InteractionCount, n)
		}
	})
}

func TestUserStatsUnknownUser(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.UserStats(context.Background(), "ghost")
		if !errors.Is(err, faq.ErrNotFound) {
			t.Fatalf("UserStats() error = %v, want ErrNotFound", err)
		}
		_, err = s.SetPreferences(context.Background(), "ghost", map[string]any{"lang": "en"})
		if !errors.Is(err, faq.ErrNotFound) {
			t.Fatalf("SetPreferences() error = %v, want ErrNotFound", err)
		}
	})
}

func TestSetPreferences(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.AppendInteraction(ctx, "sess-p", "user-p", turn("Q", "R", faq.ConfidenceLow, "")); err != nil {
			t.Fatalf("AppendInteraction() error = %v", err)
		}
		u, err := s.SetPreferences(ctx, "user-p", map[string]any{"lang": "it"})
		if err != nil {
			t.Fatalf("SetPreferences() error = %v", err)
		}
		if u.Preferences["lang"] != "it" {
			t.Fatalf("Preferences = %v, want lang=it", u.Preferences)
		}
		if u.InteractionCount != 1 {
			t.Fatalf("InteractionCount = %d, want 1", u.InteractionCount)
		}
	})
}

func TestSessionStats(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		empty, err := s.SessionStats(ctx, "sess-none")
		if err != nil {
			t.Fatalf("SessionStats() error = %v", err)
		}
		if empty.TotalInteractions != 0 || empty.FirstInteraction != nil {
			t.Fatalf("SessionStats(empty) = %+v", empty)
		}

		for _, c := range []faq.Confidence{faq.ConfidenceHigh, faq.ConfidenceLow, faq.ConfidenceHigh, faq.ConfidenceNone} {
			if _, err := s.AppendInteraction(ctx, "sess-st", "", turn("Q", "R", c, "")); err != nil {
				t.Fatalf("AppendInteraction() error = %v", err)
			}
		}
		stats, err := s.SessionStats(ctx, "sess-st")
		if err != nil {
			t.Fatalf("SessionStats() error = %v", err)
		}
		if stats.TotalInteractions != 4 {
			t.Fatalf("TotalInteractions = %d, want 4", stats.TotalInteractions)
		}
		if stats.HighConfidenceRatio != 0.5 {
			t.Fatalf("HighConfidenceRatio = %v, want 0.5", stats.HighConfidenceRatio)
		}
		if stats.FirstInteraction == nil || stats.LastInteraction == nil || !stats.LastInteraction.After(*stats.FirstInteraction) {
			t.Fatalf("interaction bounds = %v..%v", stats.FirstInteraction, stats.LastInteraction)
		}
	})
}

func TestPruneBeforeKeepsUserCounters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		old := turn("old", "R", faq.ConfidenceLow, "")
		old.CreatedAt = time.Now().Add(-48 * time.Hour)
		if _, err := s.AppendInteraction(ctx, "sess-old", "user-r", old); err != nil {
			t.Fatalf("AppendInteraction() error = %v", err)
		}
		if _, err := s.AppendInteraction(ctx, "sess-new", "user-r", turn("new", "R", faq.ConfidenceLow, "")); err != nil {
			t.Fatalf("AppendInteraction() error = %v", err)
		}
		n, err := s.PruneBefore(ctx, time.Now().Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("PruneBefore() error = %v", err)
		}
		if n != 1 {
			t.Fatalf("PruneBefore() = %d, want 1", n)
		}
		u, err := s.UserStats(ctx, "user-r")
		if err != nil {
			t.Fatalf("UserStats() error = %v", err)
		}
		if u.InteractionCount != 2 {
			t.Fatalf("InteractionCount = %d, want 2", u.InteractionCount)
		}
	})
}

func TestAppendRejectsInvalidConfidence(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.AppendInteraction(context.Background(), "sess-bad", "", turn("Q", "R", faq.Confidence("sure"), ""))
		if !errors.Is(err, faq.ErrValidation) {
			t.Fatalf("AppendInteraction() error = %v, want ErrValidation", err)
		}
	})
}

func TestNewStoreSelectsBackend(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, "")
	if err != nil {
		t.Fatalf("NewStore(\"\") error = %v", err)
	}
	if s.Backend() != "memory" {
		t.Fatalf("Backend() = %q, want memory", s.Backend())
	}

	s, err = NewStore(ctx, "sqlite:"+filepath.Join(t.TempDir(), "x.db"))
	if err != nil {
		t.Fatalf("NewStore(sqlite) error = %v", err)
	}
	defer s.Close()
	if s.Backend() != "sqlite" {
		t.Fatalf("Backend() = %q, want sqlite", s.Backend())
	}

	if _, err := NewStore(ctx, "mysql://nope"); err == nil {
		t.Fatalf("NewStore(mysql) error = nil, want error")
	}
}

func TestRetentionJanitorPrunes(t *testing.T) {
	s := NewInMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	old := turn("old", "R", faq.ConfidenceLow, "")
	old.CreatedAt = time.Now().Add(-2 * time.Hour)
	if _, err := s.AppendInteraction(ctx, "sess-j", "", old); err != nil {
		t.Fatalf("AppendInteraction() error = %v", err)
	}

	StartRetentionJanitor(ctx, s, time.Hour, 5*time.Millisecond, nil)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, _ := s.CountInteractions(ctx, "sess-j")
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("janitor did not prune expired interactions")
}
