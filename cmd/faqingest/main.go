// Command faqingest loads web pages, local files or the bundled sample FAQ
// into the knowledge base.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ent0n29/faqflow/internal/app"
	"github.com/ent0n29/faqflow/internal/config"
	"github.com/ent0n29/faqflow/internal/ingest"
	"github.com/ent0n29/faqflow/internal/observability"
)

type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	if v = strings.TrimSpace(v); v != "" {
		*l = append(*l, v)
	}
	return nil
}

func main() {
	var urls, files listFlag
	var sample bool
	flag.Var(&urls, "url", "page to ingest (repeatable)")
	flag.Var(&files, "file", "local text or HTML file to ingest (repeatable)")
	flag.BoolVar(&sample, "sample", false, "ingest the bundled sample FAQ")
	flag.Parse()

	if len(urls) == 0 && len(files) == 0 && !sample {
		fmt.Fprintln(os.Stderr, "faqingest: nothing to ingest; pass -url, -file or -sample")
		os.Exit(2)
	}
	if err := run(urls, files, sample); err != nil {
		fmt.Fprintf(os.Stderr, "faqingest: %v\n", err)
		os.Exit(1)
	}
}

func run(urls, files []string, sample bool) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, closer, err := observability.NewLogger(cfg.LogLevel, cfg.LogFile, os.Stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kb, err := app.BuildKnowledge(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer kb.Index.Close()

	var total ingest.Result
	add := func(r ingest.Result) {
		total.Documents += r.Documents
		total.Chunks += r.Chunks
		total.Failed += r.Failed
	}
	if sample {
		r, err := kb.Ingester.Documents(ctx, ingest.SampleFAQ())
		if err != nil {
			return fmt.Errorf("sample: %w", err)
		}
		add(r)
	}
	if len(urls) > 0 {
		r, err := kb.Ingester.URLs(ctx, urls)
		if err != nil {
			return fmt.Errorf("urls: %w", err)
		}
		add(r)
	}
	if len(files) > 0 {
		r, err := kb.Ingester.Files(ctx, files)
		if err != nil {
			return fmt.Errorf("files: %w", err)
		}
		add(r)
	}

	count, err := kb.Index.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("faqingest: documents=%d chunks=%d failed=%d index_total=%d backend=%s\n",
		total.Documents, total.Chunks, total.Failed, count, kb.Index.Backend())
	if total.Documents == 0 && total.Failed > 0 {
		return errors.New("every source failed")
	}
	return nil
}
