package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/faqflow/internal/faq"
	"github.com/ent0n29/faqflow/internal/knowledge"
	"github.com/ent0n29/faqflow/internal/llm"
)

// StageInput is what the answering stages receive from the orchestrator.
type StageInput struct {
	Query    string
	History  []faq.Interaction
	Intent   *string
	Keywords []string
}

// Stage produces an answer for a graded query.
type Stage interface {
	Run(ctx context.Context, in StageInput) (faq.Answer, error)
}

type ResponderConfig struct {
	TopN              int
	MinScore          float64
	HistoryWindow     int
	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration
	Confidence        ConfidencePolicy
	OutOfScopeAnswer  string
}

func DefaultResponderConfig() ResponderConfig {
	return ResponderConfig{
		TopN:              3,
		MinScore:          0.7,
		HistoryWindow:     5,
		RetrievalTimeout:  5 * time.Second,
		GenerationTimeout: 30 * time.Second,
		Confidence:        DefaultConfidencePolicy(),
	}
}

// grounding retrieves passages and generates answers over them. It is
// shared by the primary and fallback stages.
type grounding struct {
	embedder  knowledge.Embedder
	searcher  knowledge.Searcher
	generator llm.Generator
}

// search embeds query and runs one similarity search under timeout.
func (g grounding) search(ctx context.Context, query string, topN int, minScore float64, timeout time.Duration) ([]knowledge.Match, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vectors, err := g.embedder.Embed(callCtx, []string{query})
	if err != nil {
		return nil, callError(ctx, callCtx, err, faq.ErrRetrievalTimeout, "embed query")
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: embed query: got %d vectors", faq.ErrUpstreamUnavailable, len(vectors))
	}
	matches, err := g.searcher.Search(callCtx, vectors[0], topN, minScore)
	if err != nil {
		return nil, callError(ctx, callCtx, err, faq.ErrRetrievalTimeout, "knowledge base search")
	}
	return matches, nil
}

// answer asks the generator for a reply grounded in matches and derives
// its confidence. len(matches) must be > 0.
func (g grounding) answer(ctx context.Context, in StageInput, matches []knowledge.Match, timeout time.Duration, policy ConfidencePolicy) (faq.Answer, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := g.generator.Generate(callCtx, llm.Request{
		Query:   in.Query,
		Prompt:  buildAnswerPrompt(in.Query, in.History, matches),
		Context: contextPassages(matches),
	})
	if err != nil {
		return faq.Answer{}, callError(ctx, callCtx, err, faq.ErrGenerationTimeout, "generate answer")
	}

	gen := parseAnswer(resp.Text)
	confidence := DeriveConfidence(ConfidenceInputs{
		Docs:       len(matches),
		TopScore:   matches[0].Score,
		SelfReport: gen.SelfReport,
		Uncertain:  gen.Uncertain,
	}, policy)
	if gen.Text == "" {
		confidence = faq.ConfidenceNone
	}

	return faq.Answer{
		Text:       gen.Text,
		Confidence: confidence,
		Intent:     in.Intent,
		Sources:    knowledge.Sources(matches),
		Metadata: map[string]any{
			"retrieved_docs": len(matches),
			"top_score":      matches[0].Score,
			"self_reported":  string(gen.SelfReport),
		},
	}, nil
}

// callError maps a failed sub-call. Caller cancellation is returned unchanged.
// An expired per-call deadline becomes timeoutErr, any other failure
// ErrUpstreamUnavailable.
func callError(parent, call context.Context, err, timeoutErr error, op string) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", timeoutErr, op, err)
	}
	return fmt.Errorf("%w: %s: %w", faq.ErrUpstreamUnavailable, op, err)
}

// Responder is the primary answering stage: a strict similarity search
// over the knowledge base followed by grounded generation.
type Responder struct {
	grounding
	cfg ResponderConfig
}

func NewResponder(embedder knowledge.Embedder, searcher knowledge.Searcher, generator llm.Generator, cfg ResponderConfig) *Responder {
	def := DefaultResponderConfig()
	if cfg.TopN <= 0 {
		cfg.TopN = def.TopN
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = def.RetrievalTimeout
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = def.GenerationTimeout
	}
	if cfg.Confidence == (ConfidencePolicy{}) {
		cfg.Confidence = def.Confidence
	}
	return &Responder{
		grounding: grounding{embedder: embedder, searcher: searcher, generator: generator},
		cfg:       cfg,
	}
}

func (r *Responder) Run(ctx context.Context, in StageInput) (faq.Answer, error) {
	in.History = lastN(in.History, r.cfg.HistoryWindow)

	matches, err := r.search(ctx, in.Query, r.cfg.TopN, r.cfg.MinScore, r.cfg.RetrievalTimeout)
	if err != nil {
		return faq.Answer{}, err
	}
	if len(matches) == 0 {
		ans := faq.OutOfKnowledge(r.cfg.OutOfScopeAnswer)
		ans.Intent = in.Intent
		ans.Metadata = map[string]any{"retrieved_docs": 0}
		return ans, nil
	}

	ans, err := r.answer(ctx, in, matches, r.cfg.GenerationTimeout, r.cfg.Confidence)
	if err != nil {
		return faq.Answer{}, err
	}
	if ans.Confidence == faq.ConfidenceNone && ans.Text == "" {
		ans.Text = faq.OutOfKnowledge(r.cfg.OutOfScopeAnswer).Text
	}
	return ans, nil
}

func lastN(history []faq.Interaction, n int) []faq.Interaction {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
