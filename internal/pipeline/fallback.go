package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ent0n29/faqflow/internal/faq"
	"github.com/ent0n29/faqflow/internal/knowledge"
	"github.com/ent0n29/faqflow/internal/llm"
	"github.com/ent0n29/faqflow/internal/policy"
	"github.com/ent0n29/faqflow/internal/reliability"
	"github.com/ent0n29/faqflow/internal/scrape"
)

// WebSource fetches external pages relevant to a query.
type WebSource interface {
	Relevant(ctx context.Context, query string, urls []string, maxURLs int, minRelevance float64, retry reliability.RetryPolicy) ([]scrape.Page, []error)
}

type FallbackConfig struct {
	TopN              int
	MinScore          float64
	URLs              []string
	MaxURLs           int
	MinRelevance      float64
	Budget            time.Duration
	Retry             reliability.RetryPolicy
	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration
	Confidence        ConfidencePolicy
	OutOfScopeAnswer  string
}

func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		TopN:              10,
		MinScore:          0.5,
		MaxURLs:           scrape.DefaultMaxURLs,
		MinRelevance:      scrape.DefaultMinRelevance,
		Budget:            30 * time.Second,
		Retry:             reliability.RetryPolicy{MaxRetries: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		RetrievalTimeout:  5 * time.Second,
		GenerationTimeout: 30 * time.Second,
		Confidence:        DefaultConfidencePolicy(),
	}
}

// Fallback source labels recorded in answer metadata.
const (
	SourceKnowledgeBase = "knowledge_base"
	SourceWeb           = "web"
	SourceNone          = "none"
)

// FallbackRetriever is the broader second attempt: a relaxed knowledge-base
// search, then configured web pages, then the canonical out-of-knowledge
// answer. It fails only when a backend is unreachable and no source
// produced a grounded answer. Running out of budget yields the canonical answer.
type FallbackRetriever struct {
	grounding
	web    WebSource
	cfg    FallbackConfig
	logger *slog.Logger
}

func NewFallbackRetriever(embedder knowledge.Embedder, searcher knowledge.Searcher, generator llm.Generator, web WebSource, cfg FallbackConfig, logger *slog.Logger) *FallbackRetriever {
	def := DefaultFallbackConfig()
	if cfg.TopN <= 0 {
		cfg.TopN = def.TopN
	}
	if cfg.MaxURLs <= 0 {
		cfg.MaxURLs = def.MaxURLs
	}
	if cfg.MinRelevance <= 0 {
		cfg.MinRelevance = def.MinRelevance
	}
	if cfg.Budget <= 0 {
		cfg.Budget = def.Budget
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry = def.Retry
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
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackRetriever{
		grounding: grounding{embedder: embedder, searcher: searcher, generator: generator},
		web:       web,
		cfg:       cfg,
		logger:    logger,
	}
}

func (f *FallbackRetriever) Run(ctx context.Context, in StageInput) (faq.Answer, error) {
	budgetCtx, cancel := context.WithTimeout(ctx, f.cfg.Budget)
	defer cancel()

	var unavailable []error

	ans, err := f.fromKnowledgeBase(budgetCtx, in)
	switch {
	case err == nil && ans.Confidence != faq.ConfidenceNone:
		return ans, nil
	case err != nil:
		if ctx.Err() != nil {
			return faq.Answer{}, ctx.Err()
		}
		if budgetCtx.Err() != nil {
			return f.canonical("budget_exhausted"), nil
		}
		if errors.Is(err, faq.ErrUpstreamUnavailable) {
			unavailable = append(unavailable, err)
		}
		f.logger.Warn("fallback knowledge base attempt failed", "error", err)
	}

	ans, err = f.fromWeb(budgetCtx, in)
	switch {
	case err == nil && ans.Confidence != faq.ConfidenceNone:
		return ans, nil
	case err != nil:
		if ctx.Err() != nil {
			return faq.Answer{}, ctx.Err()
		}
		if budgetCtx.Err() != nil {
			return f.canonical("budget_exhausted"), nil
		}
		if errors.Is(err, faq.ErrUpstreamUnavailable) {
			unavailable = append(unavailable, err)
		}
		f.logger.Warn("fallback web attempt failed", "error", err)
	}

	if len(unavailable) > 0 {
		return faq.Answer{}, fmt.Errorf("fallback: %w", errors.Join(unavailable...))
	}
	return f.canonical("exhausted"), nil
}

func (f *FallbackRetriever) fromKnowledgeBase(ctx context.Context, in StageInput) (faq.Answer, error) {
	var matches []knowledge.Match
	err := reliability.Retry(ctx, f.cfg.Retry, func(ctx context.Context) error {
		var err error
		matches, err = f.search(ctx, in.Query, f.cfg.TopN, f.cfg.MinScore, f.cfg.RetrievalTimeout)
		return err
	})
	if err != nil {
		return faq.Answer{}, err
	}
	if len(matches) == 0 {
		return f.canonical("no_matches"), nil
	}
	return f.generate(ctx, in, matches, SourceKnowledgeBase)
}

func (f *FallbackRetriever) fromWeb(ctx context.Context, in StageInput) (faq.Answer, error) {
	if f.web == nil || len(f.cfg.URLs) == 0 {
		return f.canonical("no_web_source"), nil
	}
	pages, errs := f.web.Relevant(ctx, in.Query, f.cfg.URLs, f.cfg.MaxURLs, f.cfg.MinRelevance, f.cfg.Retry)
	for _, err := range errs {
		f.logger.Warn("fallback page fetch failed", "error", policy.LogSafe(err.Error(), 200))
	}
	matches := webMatches(in.Query, pages, f.cfg.TopN, f.cfg.MinRelevance)
	if len(matches) == 0 {
		return f.canonical("no_relevant_pages"), nil
	}
	ans, err := f.generate(ctx, in, matches, SourceWeb)
	if err != nil {
		return faq.Answer{}, err
	}
	// Keyword overlap is a weaker signal than embedding similarity.
	ans.Confidence = faq.MinConfidence(ans.Confidence, faq.ConfidenceMedium)
	return ans, nil
}

func (f *FallbackRetriever) generate(ctx context.Context, in StageInput, matches []knowledge.Match, source string) (faq.Answer, error) {
	var ans faq.Answer
	err := reliability.Retry(ctx, f.cfg.Retry, func(ctx context.Context) error {
		var err error
		ans, err = f.answer(ctx, in, matches, f.cfg.GenerationTimeout, f.cfg.Confidence)
		return err
	})
	if err != nil {
		return faq.Answer{}, err
	}
	ans.Metadata["fallback_source"] = source
	return ans, nil
}

func (f *FallbackRetriever) canonical(reason string) faq.Answer {
	ans := faq.OutOfKnowledge(f.cfg.OutOfScopeAnswer)
	ans.Metadata = map[string]any{"fallback_source": SourceNone, "fallback_reason": reason}
	return ans
}

// webMatches turns relevant pages into ranked passages scored by keyword relevance.
func webMatches(query string, pages []scrape.Page, topN int, minRelevance float64) []knowledge.Match {
	var matches []knowledge.Match
	for _, p := range pages {
		for i, chunk := range scrape.Chunk(p.Text, 1000, 0) {
			score := scrape.Relevance(query, chunk)
			if score < minRelevance {
				continue
			}
			matches = append(matches, knowledge.Match{
				ID:      fmt.Sprintf("%s#%d", p.URL, i),
				Source:  p.URL,
				Content: chunk,
				Score:   score,
			})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if topN > 0 && len(matches) > topN {
		matches = matches[:topN]
	}
	return matches
}
