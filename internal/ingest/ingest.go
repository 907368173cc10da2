// Package ingest loads documents into the knowledge base: text is chunked,
// embedded in batches and upserted into the index.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ent0n29/faqflow/internal/knowledge"
	"github.com/ent0n29/faqflow/internal/reliability"
	"github.com/ent0n29/faqflow/internal/scrape"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 0
	DefaultBatchSize    = 32
)

// Document is one source to index. When Question is set the chunks are
// embedded by the question instead of their body, which suits FAQ entries.
type Document struct {
	Source   string
	Question string
	Text     string
}

// Result counts what one ingestion run wrote.
type Result struct {
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
	Failed    int `json:"failed"`
}

type Config struct {
	ChunkSize    int
	ChunkOverlap int
	BatchSize    int
	Retry        reliability.RetryPolicy
}

type Ingester struct {
	index    knowledge.Index
	embedder knowledge.Embedder
	fetcher  *scrape.Fetcher
	cfg      Config
	logger   *slog.Logger
}

func New(index knowledge.Index, embedder knowledge.Embedder, fetcher *scrape.Fetcher, cfg Config, logger *slog.Logger) *Ingester {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = DefaultChunkOverlap
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry = reliability.RetryPolicy{MaxRetries: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 4 * time.Second}
	}
	if fetcher == nil {
		fetcher = scrape.NewFetcher(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{index: index, embedder: embedder, fetcher: fetcher, cfg: cfg, logger: logger}
}

// Documents chunks, embeds and upserts docs. Chunk ids are "source#index",
// so re-ingesting a source overwrites its previous chunks.
func (i *Ingester) Documents(ctx context.Context, docs []Document) (Result, error) {
	var res Result
	var pending []knowledge.Chunk
	var texts []string

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		var vectors [][]float32
		err := reliability.Retry(ctx, i.cfg.Retry, func(ctx context.Context) error {
			var err error
			vectors, err = i.embedder.Embed(ctx, texts)
			if err == nil && len(vectors) != len(texts) {
				return reliability.Permanent(fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(texts)))
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("embed batch: %w", err)
		}
		for j := range pending {
			pending[j].Embedding = vectors[j]
		}
		if err := i.index.Upsert(ctx, pending); err != nil {
			return fmt.Errorf("upsert batch: %w", err)
		}
		res.Chunks += len(pending)
		pending, texts = nil, nil
		return nil
	}

	for _, doc := range docs {
		source := strings.TrimSpace(doc.Source)
		if source == "" {
			return res, errors.New("document source is required")
		}
		pieces := scrape.Chunk(doc.Text, i.cfg.ChunkSize, i.cfg.ChunkOverlap)
		if len(pieces) == 0 {
			i.logger.Warn("skipping empty document", "source", source)
			continue
		}
		for n, piece := range pieces {
			embedText := piece
			if q := strings.TrimSpace(doc.Question); q != "" {
				embedText = q
			}
			pending = append(pending, knowledge.Chunk{
				ID:      fmt.Sprintf("%s#%d", source, n),
				Source:  source,
				Content: piece,
			})
			texts = append(texts, embedText)
			if len(pending) >= i.cfg.BatchSize {
				if err := flush(); err != nil {
					return res, err
				}
			}
		}
		res.Documents++
	}
	if err := flush(); err != nil {
		return res, err
	}
	return res, nil
}

// URLs fetches each page and ingests its visible text. Pages that cannot be
// fetched are logged and counted as failed.
func (i *Ingester) URLs(ctx context.Context, urls []string) (Result, error) {
	docs := make([]Document, 0, len(urls))
	failed := 0
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		var page scrape.Page
		err := reliability.Retry(ctx, i.cfg.Retry, func(ctx context.Context) error {
			var err error
			page, err = i.fetcher.Fetch(ctx, u)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return Result{Failed: failed}, ctx.Err()
			}
			failed++
			i.logger.Warn("fetch failed", "url", u, "error", err)
			continue
		}
		docs = append(docs, Document{Source: u, Text: page.Text})
	}
	res, err := i.Documents(ctx, docs)
	res.Failed += failed
	return res, err
}

// Files ingests local text files. The file path is the source reference.
func (i *Ingester) Files(ctx context.Context, paths []string) (Result, error) {
	docs := make([]Document, 0, len(paths))
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return Result{}, fmt.Errorf("read %s: %w", p, err)
		}
		text := string(raw)
		switch strings.ToLower(filepath.Ext(p)) {
		case ".html", ".htm":
			_, extracted, err := scrape.ExtractText(strings.NewReader(text))
			if err != nil {
				return Result{}, fmt.Errorf("parse %s: %w", p, err)
			}
			text = extracted
		}
		docs = append(docs, Document{Source: filepath.ToSlash(p), Text: text})
	}
	return i.Documents(ctx, docs)
}
