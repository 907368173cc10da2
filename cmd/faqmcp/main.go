// Command faqmcp serves the FAQ pipeline as MCP tools over stdio.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ent0n29/faqflow/internal/app"
	"github.com/ent0n29/faqflow/internal/config"
	"github.com/ent0n29/faqflow/internal/mcptools"
	"github.com/ent0n29/faqflow/internal/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "faqmcp: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// stdout carries the MCP stream.
	logger, closer, err := observability.NewLogger(cfg.LogLevel, cfg.LogFile, os.Stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer built.Cleanup()

	s := mcptools.NewServer(app.Version, built.Orchestrator, built.Store)
	return server.ServeStdio(s)
}
