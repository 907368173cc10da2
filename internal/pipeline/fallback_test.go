package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/faqflow/internal/faq"
	"github.com/ent0n29/faqflow/internal/knowledge"
	"github.com/ent0n29/faqflow/internal/reliability"
	"github.com/ent0n29/faqflow/internal/scrape"
)

func newTestFallback(s *fakeSearcher, g *scriptedGenerator, web WebSource, urls []string) *FallbackRetriever {
	cfg := DefaultFallbackConfig()
	cfg.URLs = urls
	cfg.Budget = 2 * time.Second
	cfg.RetrievalTimeout = 100 * time.Millisecond
	cfg.GenerationTimeout = 100 * time.Millisecond
	cfg.Retry = reliability.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	return NewFallbackRetriever(knowledge.NewHashEmbedder(32), s, g, web, cfg, discardLogger())
}

func TestFallbackRelaxedSearchAnswers(t *testing.T) {
	s := &fakeSearcher{matches: matchesFor(0.6, 0.55, 0.4)}
	g := &scriptedGenerator{text: highReply}
	ans, err := newTestFallback(s, g, nil, nil).Run(context.Background(), StageInput{Query: "fees", Intent: faq.StringPtr("fees")})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if ans.Confidence != faq.ConfidenceMedium {
		t.Fatalf("Confidence = %q, want medium", ans.Confidence)
	}
	if len(ans.Sources) != 2 {
		t.Fatalf("Sources = %v, want the two matches above 0.5", ans.Sources)
	}
	if ans.Metadata["fallback_source"] != SourceKnowledgeBase {
		t.Fatalf("fallback_source = %v", ans.Metadata["fallback_source"])
	}
	if s.topNs[0] != 10 {
		t.Fatalf("topN = %d, want 10", s.topNs[0])
	}
}

func TestFallbackUsesWebSource(t *testing.T) {
	s := &fakeSearcher{}
	g := &scriptedGenerator{text: highReply}
	web := &fakeWeb{pages: []scrape.Page{
		{URL: "https://example.edu/fees", Text: "Tuition fees are due on the first day of each semester."},
		{URL: "https://example.edu/parking", Text: "Parking permits are sold at the desk."},
	}}
	ans, err := newTestFallback(s, g, web, []string{"https://example.edu/fees"}).Run(context.Background(), StageInput{Query: "tuition fees due"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if ans.Metadata["fallback_source"] != SourceWeb {
		t.Fatalf("fallback_source = %v, want web", ans.Metadata["fallback_source"])
	}
	if ans.Confidence != faq.ConfidenceMedium {
		t.Fatalf("Confidence = %q, want web answers capped at medium", ans.Confidence)
	}
	if len(ans.Sources) != 1 || ans.Sources[0] != "https://example.edu/fees" {
		t.Fatalf("Sources = %v", ans.Sources)
	}
}

func TestFallbackRetriesFlakyWebPage(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("Tuition fees are due on the first day of each semester."))
	}))
	defer srv.Close()

	g := &scriptedGenerator{text: highReply}
	f := newTestFallback(&fakeSearcher{}, g, scrape.NewFetcher(time.Second), []string{srv.URL})
	ans, err := f.Run(context.Background(), StageInput{Query: "tuition fees due"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("page hits = %d, want 2", got)
	}
	if ans.Metadata["fallback_source"] != SourceWeb {
		t.Fatalf("fallback_source = %v, want web", ans.Metadata["fallback_source"])
	}
	if ans.Confidence == faq.ConfidenceNone {
		t.Fatalf("Confidence = none, want a grounded answer")
	}
}

func TestFallbackCanonicalWhenNothingGrounds(t *testing.T) {
	s := &fakeSearcher{matches: matchesFor(0.3)}
	g := &scriptedGenerator{text: highReply}
	web := &fakeWeb{pages: []scrape.Page{{URL: "https://example.edu/parking", Text: "Parking permits."}}}
	ans, err := newTestFallback(s, g, web, []string{"https://example.edu/parking"}).Run(context.Background(), StageInput{Query: "weather forecast", Intent: faq.StringPtr("x")})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if ans.Text != faq.DefaultOutOfScopeAnswer || ans.Confidence != faq.ConfidenceNone {
		t.Fatalf("Run() = %+v, want canonical answer", ans)
	}
	if ans.Intent != nil || len(ans.Sources) != 0 {
		t.Fatalf("canonical answer must have no intent and no sources: %+v", ans)
	}
	if g.Calls() != 0 {
		t.Fatalf("generator calls = %d, want 0", g.Calls())
	}
}

func TestFallbackRetriesTransientFailures(t *testing.T) {
	s := &fakeSearcher{err: errors.New("connection reset")}
	g := &scriptedGenerator{text: highReply}
	_, err := newTestFallback(s, g, nil, nil).Run(context.Background(), StageInput{Query: "fees"})
	if !errors.Is(err, faq.ErrUpstreamUnavailable) {
		t.Fatalf("Run() error = %v, want ErrUpstreamUnavailable", err)
	}
	if s.Calls() != 4 {
		t.Fatalf("search calls = %d, want 1 attempt + 3 retries", s.Calls())
	}
}

func TestFallbackWebRescuesUnavailableKnowledgeBase(t *testing.T) {
	s := &fakeSearcher{err: errors.New("connection reset")}
	g := &scriptedGenerator{text: highReply}
	web := &fakeWeb{pages: []scrape.Page{{URL: "https://example.edu/fees", Text: "Tuition fees are due monthly."}}}
	ans, err := newTestFallback(s, g, web, []string{"https://example.edu/fees"}).Run(context.Background(), StageInput{Query: "tuition fees"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if ans.Metadata["fallback_source"] != SourceWeb {
		t.Fatalf("fallback_source = %v, want web", ans.Metadata["fallback_source"])
	}
}

func TestFallbackTimeoutsDegradeToCanonical(t *testing.T) {
	s := &fakeSearcher{matches: matchesFor(0.9), delay: time.Second}
	g := &scriptedGenerator{text: highReply}
	ans, err := newTestFallback(s, g, nil, nil).Run(context.Background(), StageInput{Query: "fees"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if ans.Confidence != faq.ConfidenceNone || ans.Text != faq.DefaultOutOfScopeAnswer {
		t.Fatalf("Run() = %+v, want canonical answer", ans)
	}
}

func TestFallbackBudgetExhaustionDegradesToCanonical(t *testing.T) {
	s := &fakeSearcher{matches: matchesFor(0.9)}
	g := &scriptedGenerator{text: highReply, delay: time.Second}
	f := newTestFallback(s, g, nil, nil)
	f.cfg.Budget = 50 * time.Millisecond
	f.cfg.GenerationTimeout = time.Second

	ans, err := f.Run(context.Background(), StageInput{Query: "fees"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if ans.Confidence != faq.ConfidenceNone || ans.Metadata["fallback_reason"] != "budget_exhausted" {
		t.Fatalf("Run() = %+v, want budget_exhausted canonical answer", ans)
	}
}

func TestFallbackPropagatesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &fakeSearcher{matches: matchesFor(0.9), delay: time.Second}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	f := newTestFallback(s, &scriptedGenerator{}, nil, nil)
	f.cfg.RetrievalTimeout = 5 * time.Second
	_, err := f.Run(ctx, StageInput{Query: "fees"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}
