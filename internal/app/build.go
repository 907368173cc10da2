package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/faqflow/internal/config"
	"github.com/ent0n29/faqflow/internal/httpapi"
	"github.com/ent0n29/faqflow/internal/ingest"
	"github.com/ent0n29/faqflow/internal/knowledge"
	"github.com/ent0n29/faqflow/internal/llm"
	"github.com/ent0n29/faqflow/internal/memory"
	"github.com/ent0n29/faqflow/internal/observability"
	"github.com/ent0n29/faqflow/internal/pipeline"
	"github.com/ent0n29/faqflow/internal/reliability"
	"github.com/ent0n29/faqflow/internal/scrape"
)

// Version is reported by the status endpoint, telemetry and the MCP server.
const Version = "0.3.0"

// Knowledge bundles the knowledge base and the pieces that fill it.
type Knowledge struct {
	Index    knowledge.Index
	Embedder knowledge.Embedder
	Fetcher  *scrape.Fetcher
	Ingester *ingest.Ingester
}

// BuildKnowledge opens the configured index and embedder.
func BuildKnowledge(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Knowledge, error) {
	embedder, err := knowledge.NewEmbedder(knowledge.EmbedderConfig{
		Mode:      cfg.EmbeddingMode,
		URL:       cfg.EmbeddingURL,
		APIKey:    cfg.EmbeddingKey,
		Model:     cfg.EmbeddingModel,
		Dimension: cfg.EmbeddingDim,
	})
	if err != nil {
		return nil, fmt.Errorf("embedder init failed: %w", err)
	}
	index, err := knowledge.NewIndex(ctx, knowledge.IndexConfig{
		Backend:     cfg.KBBackend,
		DatabaseURL: cfg.KBDatabaseURL,
		Dimension:   cfg.EmbeddingDim,
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge index init failed: %w", err)
	}
	fetcher := scrape.NewFetcher(10 * time.Second)
	return &Knowledge{
		Index:    index,
		Embedder: embedder,
		Fetcher:  fetcher,
		Ingester: ingest.New(index, embedder, fetcher, ingest.Config{}, logger),
	}, nil
}

// Seed loads the sample FAQ into an empty index when enabled and ingests
// the configured seed URLs. Seed failures are logged, not fatal.
func (k *Knowledge) Seed(ctx context.Context, cfg config.Config, logger *slog.Logger) {
	if cfg.KBSeedSample {
		n, err := k.Index.Count(ctx)
		switch {
		case err != nil:
			logger.Warn("knowledge base count failed", "error", err)
		case n == 0:
			res, err := k.Ingester.Documents(ctx, ingest.SampleFAQ())
			if err != nil {
				logger.Warn("sample faq seed failed", "error", err)
			} else {
				logger.Info("sample faq seeded", "documents", res.Documents, "chunks", res.Chunks)
			}
		}
	}
	if len(cfg.KBSeedURLs) > 0 {
		res, err := k.Ingester.URLs(ctx, cfg.KBSeedURLs)
		if err != nil {
			logger.Warn("seed url ingest failed", "error", err)
			return
		}
		logger.Info("seed urls ingested", "documents", res.Documents, "chunks", res.Chunks, "failed", res.Failed)
	}
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Orchestrator *pipeline.Orchestrator
	Store        memory.Store
	Knowledge    *Knowledge
	Metrics      *observability.Metrics
	Telemetry    *observability.Telemetry
	Agents       map[string]string

	// Cleanup should be called on shutdown to flush telemetry and release the stores.
	Cleanup func() error
}

// Build wires the full query service. ctx bounds background work such as
// the retention janitor.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	tel, err := observability.InitTelemetry(ctx, observability.TelemetryConfig{
		ServiceName:    "faqflow",
		ServiceVersion: Version,
		TraceFile:      cfg.TraceFile,
		MetricsFile:    cfg.MetricsFile,
		MetricInterval: cfg.MetricInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}

	store, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("session store init failed: %w", err)
	}

	kb, err := BuildKnowledge(ctx, cfg, logger)
	if err != nil {
		_ = store.Close()
		_ = tel.Shutdown(context.Background())
		return nil, err
	}

	generator, err := llm.NewGenerator(llm.Config{
		Mode:         cfg.LLMMode,
		BaseURL:      cfg.LLMBaseURL,
		APIKey:       cfg.LLMAPIKey,
		Model:        cfg.LLMModel,
		GeminiAPIKey: cfg.GeminiAPIKey,
		GeminiModel:  cfg.GeminiModel,
	})
	if err != nil {
		_ = kb.Index.Close()
		_ = store.Close()
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("generator init failed: %w", err)
	}

	kb.Seed(ctx, cfg, logger)
	memory.StartRetentionJanitor(ctx, store, cfg.SessionRetention, cfg.JanitorInterval, logger)

	policy := pipeline.ConfidencePolicy{
		HighMinDocs:   cfg.ConfidenceHighMinDocs,
		HighMinScore:  cfg.ConfidenceHighMinScore,
		MediumMinDocs: cfg.ConfidenceMediumMinDocs,
	}

	keywords := pipeline.NewKeywordGrader(nil, nil)
	var grader pipeline.Grader = keywords
	graderName := "keyword"
	if strings.EqualFold(cfg.GraderMode, "llm") {
		grader = pipeline.NewLLMGrader(generator, keywords, cfg.GraderTimeout, logger)
		graderName = "llm:" + llm.Describe(generator)
	}

	responder := pipeline.NewResponder(kb.Embedder, kb.Index, generator, pipeline.ResponderConfig{
		TopN:              cfg.ResponderTopN,
		MinScore:          cfg.ResponderMinScore,
		HistoryWindow:     cfg.ResponderHistoryWindow,
		RetrievalTimeout:  cfg.RetrievalTimeout,
		GenerationTimeout: cfg.GenerationTimeout,
		Confidence:        policy,
		OutOfScopeAnswer:  cfg.OutOfScopeAnswer,
	})

	var web pipeline.WebSource
	if len(cfg.FallbackURLs) > 0 {
		web = kb.Fetcher
	}
	fallback := pipeline.NewFallbackRetriever(kb.Embedder, kb.Index, generator, web, pipeline.FallbackConfig{
		TopN:              cfg.FallbackTopN,
		MinScore:          cfg.FallbackMinScore,
		URLs:              cfg.FallbackURLs,
		Budget:            cfg.FallbackBudget,
		Retry:             reliability.RetryPolicy{MaxRetries: cfg.FallbackMaxRetries, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		RetrievalTimeout:  cfg.RetrievalTimeout,
		GenerationTimeout: cfg.GenerationTimeout,
		Confidence:        policy,
		OutOfScopeAnswer:  cfg.OutOfScopeAnswer,
	}, logger)

	orchestrator, err := pipeline.NewOrchestrator(store, grader, responder, fallback, pipeline.Config{
		HistoryWindow:     cfg.ResponderHistoryWindow,
		FallbackThreshold: cfg.FallbackThreshold,
		StoreTimeout:      cfg.StoreTimeout,
		OutOfScopeAnswer:  cfg.OutOfScopeAnswer,
	}, pipeline.Options{Metrics: metrics, Telemetry: tel, Logger: logger})
	if err != nil {
		_ = kb.Index.Close()
		_ = store.Close()
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	fallbackName := "knowledge_base"
	if web != nil {
		fallbackName = fmt.Sprintf("knowledge_base,web(%d urls)", len(cfg.FallbackURLs))
	}
	agents := map[string]string{
		"grader":    graderName,
		"responder": llm.Describe(generator),
		"fallback":  fallbackName,
		"embedder":  fmt.Sprintf("%T", kb.Embedder),
		"version":   Version,
	}

	api := httpapi.New(cfg, httpapi.Deps{
		Queries: orchestrator,
		Store:   store,
		KB:      kb.Index,
		Metrics: metrics,
		Logger:  logger,
		Agents:  agents,
	})

	cleanup := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(
			tel.Shutdown(shutdownCtx),
			kb.Index.Close(),
			store.Close(),
		)
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Orchestrator: orchestrator,
		Store:        store,
		Knowledge:    kb,
		Metrics:      metrics,
		Telemetry:    tel,
		Agents:       agents,
		Cleanup:      cleanup,
	}, nil
}
