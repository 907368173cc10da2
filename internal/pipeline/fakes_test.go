package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/faqflow/internal/faq"
	"github.com/ent0n29/faqflow/internal/knowledge"
	"github.com/ent0n29/faqflow/internal/llm"
	"github.com/ent0n29/faqflow/internal/reliability"
	"github.com/ent0n29/faqflow/internal/scrape"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedGenerator replies with text or err, optionally after delay, and
// records every prompt it receives.
type scriptedGenerator struct {
	mu      sync.Mutex
	text    string
	err     error
	delay   time.Duration
	calls   int
	prompts []string
}

func (g *scriptedGenerator) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	g.mu.Lock()
	g.calls++
	g.prompts = append(g.prompts, req.Prompt)
	text, err, delay := g.text, g.err, g.delay
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return llm.Response{}, err
	}
	return llm.Response{Text: text}, nil
}

func (g *scriptedGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *scriptedGenerator) LastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return ""
	}
	return g.prompts[len(g.prompts)-1]
}

// fakeSearcher returns matches at or above minScore, capped at topN.
type fakeSearcher struct {
	mu      sync.Mutex
	matches []knowledge.Match
	err     error
	delay   time.Duration
	calls   int
	topNs   []int
}

func (s *fakeSearcher) Search(ctx context.Context, _ []float32, topN int, minScore float64) ([]knowledge.Match, error) {
	s.mu.Lock()
	s.calls++
	s.topNs = append(s.topNs, topN)
	matches, err, delay := s.matches, s.err, s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	var out []knowledge.Match
	for _, m := range matches {
		if m.Score >= minScore && len(out) < topN {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeSearcher) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeWeb struct {
	pages []scrape.Page
	errs  []error
	calls int
}

func (w *fakeWeb) Relevant(_ context.Context, query string, _ []string, _ int, minRelevance float64, _ reliability.RetryPolicy) ([]scrape.Page, []error) {
	w.calls++
	var out []scrape.Page
	for _, p := range w.pages {
		if scrape.Relevance(query, p.Text) >= minRelevance {
			out = append(out, p)
		}
	}
	return out, w.errs
}

// fakeStage returns a fixed answer and records its inputs.
type fakeStage struct {
	mu     sync.Mutex
	answer faq.Answer
	err    error
	inputs []StageInput
}

func (s *fakeStage) Run(_ context.Context, in StageInput) (faq.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, in)
	if s.err != nil {
		return faq.Answer{}, s.err
	}
	return s.answer, nil
}

func (s *fakeStage) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inputs)
}

// failingStore fails every call with a persistence error.
type failingStore struct {
	appends int
}

var errStoreDown = errors.New("connection refused")

func (s *failingStore) History(context.Context, string, int) ([]faq.Interaction, error) {
	return nil, errors.Join(faq.ErrPersistence, errStoreDown)
}

func (s *failingStore) AppendInteraction(context.Context, string, string, faq.Interaction) (faq.Interaction, error) {
	s.appends++
	return faq.Interaction{}, errors.Join(faq.ErrPersistence, errStoreDown)
}

func matchesFor(scores ...float64) []knowledge.Match {
	out := make([]knowledge.Match, 0, len(scores))
	for i, s := range scores {
		out = append(out, knowledge.Match{
			ID:      string(rune('a'+i)) + "#0",
			Source:  "faq://" + string(rune('a'+i)),
			Content: "Tuition fees are due on the first day of each semester.",
			Score:   s,
		})
	}
	return out
}

const (
	highReply = "<response><answer>Tuition fees are due on the first day of each semester.</answer><confidence>high</confidence><sources>faq://a</sources></response>"
	lowReply  = "<response><answer>I am not sure.</answer><confidence>low</confidence><sources></sources></response>"
)
