package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/faqflow/internal/faq"
	"github.com/ent0n29/faqflow/internal/knowledge"
	"github.com/ent0n29/faqflow/internal/reliability"
)

func newTestResponder(s *fakeSearcher, g *scriptedGenerator) *Responder {
	cfg := DefaultResponderConfig()
	cfg.RetrievalTimeout = 200 * time.Millisecond
	cfg.GenerationTimeout = 200 * time.Millisecond
	return NewResponder(knowledge.NewHashEmbedder(32), s, g, cfg)
}

func TestResponderHighConfidence(t *testing.T) {
	s := &fakeSearcher{matches: matchesFor(0.95, 0.9, 0.8, 0.6)}
	g := &scriptedGenerator{text: highReply}
	ans, err := newTestResponder(s, g).Run(context.Background(), StageInput{Query: "When are fees due?", Intent: faq.StringPtr("fees")})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if ans.Confidence != faq.ConfidenceHigh {
		t.Fatalf("Confidence = %q, want high", ans.Confidence)
	}
	if len(ans.Sources) != 3 || ans.Sources[0] != "faq://a" {
		t.Fatalf("Sources = %v, want three sources in rank order", ans.Sources)
	}
	if ans.Intent == nil || *ans.Intent != "fees" {
		t.Fatalf("Intent = %v, want fees", ans.Intent)
	}
	if s.topNs[0] != 3 {
		t.Fatalf("topN = %d, want 3", s.topNs[0])
	}
}

func TestResponderNoSurvivorsSkipsGeneration(t *testing.T) {
	s := &fakeSearcher{matches: matchesFor(0.6, 0.5)}
	g := &scriptedGenerator{text: highReply}
	ans, err := newTestResponder(s, g).Run(context.Background(), StageInput{Query: "anything"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if ans.Confidence != faq.ConfidenceNone || ans.Text != faq.DefaultOutOfScopeAnswer {
		t.Fatalf("Run() = %+v, want out-of-scope none", ans)
	}
	if g.Calls() != 0 {
		t.Fatalf("generator calls = %d, want 0", g.Calls())
	}
	if ans.Sources == nil || len(ans.Sources) != 0 {
		t.Fatalf("Sources = %#v, want empty", ans.Sources)
	}
}

func TestResponderUsesHistoryWindow(t *testing.T) {
	s := &fakeSearcher{matches: matchesFor(0.9)}
	g := &scriptedGenerator{text: highReply}
	r := newTestResponder(s, g)
	r.cfg.HistoryWindow = 2

	history := []faq.Interaction{
		{Query: "oldest?", Response: "r0"},
		{Query: "What are the admission requirements?", Response: "r1"},
		{Query: "And the deadline?", Response: "r2"},
	}
	if _, err := r.Run(context.Background(), StageInput{Query: "What about the fees for that program?", History: history}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	prompt := g.LastPrompt()
	if strings.Contains(prompt, "oldest?") {
		t.Fatalf("prompt includes turns beyond the window:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Q1: What are the admission requirements?") || !strings.Contains(prompt, "Q2: And the deadline?") {
		t.Fatalf("prompt missing history window:\n%s", prompt)
	}
	if !strings.Contains(prompt, "[Source 1 - faq://a]:") {
		t.Fatalf("prompt missing sources:\n%s", prompt)
	}
}

func TestResponderGenerationTimeout(t *testing.T) {
	s := &fakeSearcher{matches: matchesFor(0.9)}
	g := &scriptedGenerator{text: highReply, delay: time.Second}
	_, err := newTestResponder(s, g).Run(context.Background(), StageInput{Query: "fees"})
	if !errors.Is(err, faq.ErrGenerationTimeout) {
		t.Fatalf("Run() error = %v, want ErrGenerationTimeout", err)
	}
}

func TestResponderRetrievalTimeout(t *testing.T) {
	s := &fakeSearcher{matches: matchesFor(0.9), delay: time.Second}
	_, err := newTestResponder(s, &scriptedGenerator{}).Run(context.Background(), StageInput{Query: "fees"})
	if !errors.Is(err, faq.ErrRetrievalTimeout) {
		t.Fatalf("Run() error = %v, want ErrRetrievalTimeout", err)
	}
}

func TestResponderUpstreamUnavailable(t *testing.T) {
	s := &fakeSearcher{err: &reliability.StatusError{Upstream: "kb", Code: 503}}
	_, err := newTestResponder(s, &scriptedGenerator{}).Run(context.Background(), StageInput{Query: "fees"})
	if !errors.Is(err, faq.ErrUpstreamUnavailable) {
		t.Fatalf("Run() error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestResponderPropagatesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &fakeSearcher{matches: matchesFor(0.9), delay: time.Second}
	_, err := newTestResponder(s, &scriptedGenerator{}).Run(ctx, StageInput{Query: "fees"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}
