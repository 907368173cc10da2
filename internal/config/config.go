package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/faqflow/internal/faq"
)

// Config contains all runtime settings for the FAQ query service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	DatabaseURL      string
	SessionRetention time.Duration
	JanitorInterval  time.Duration
	StoreTimeout     time.Duration

	KBBackend     string
	KBDatabaseURL string
	KBSeedURLs    []string
	KBSeedSample  bool

	EmbeddingMode  string
	EmbeddingURL   string
	EmbeddingKey   string
	EmbeddingModel string
	EmbeddingDim   int

	LLMMode      string
	LLMBaseURL   string
	LLMAPIKey    string
	LLMModel     string
	GeminiAPIKey string
	GeminiModel  string

	GraderMode    string
	GraderTimeout time.Duration

	ResponderTopN          int
	ResponderMinScore      float64
	ResponderHistoryWindow int

	FallbackThreshold  faq.Confidence
	FallbackTopN       int
	FallbackMinScore   float64
	FallbackURLs       []string
	FallbackBudget     time.Duration
	FallbackMaxRetries int

	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration

	ConfidenceHighMinDocs   int
	ConfidenceHighMinScore  float64
	ConfidenceMediumMinDocs int

	OutOfScopeAnswer string

	LogLevel       string
	LogFile        string
	TraceFile      string
	MetricsFile    string
	MetricInterval time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "faqflow"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		KBBackend:        envOrDefault("KB_BACKEND", "memory"),
		KBDatabaseURL:    stringsTrimSpace("KB_DATABASE_URL"),
		KBSeedURLs:       listFromEnv("KB_SEED_URLS"),
		EmbeddingMode:    envOrDefault("EMBEDDING_MODE", "auto"),
		EmbeddingURL:     stringsTrimSpace("EMBEDDING_URL"),
		EmbeddingKey:     stringsTrimSpace("EMBEDDING_API_KEY"),
		EmbeddingModel:   envOrDefault("EMBEDDING_MODEL", "text-embedding-3-small"),
		LLMMode:          envOrDefault("LLM_MODE", "auto"),
		LLMBaseURL:       stringsTrimSpace("LLM_BASE_URL"),
		LLMAPIKey:        stringsTrimSpace("LLM_API_KEY"),
		LLMModel:         envOrDefault("LLM_MODEL", "gpt-4o-mini"),
		GeminiAPIKey:     stringsTrimSpace("GEMINI_API_KEY"),
		GeminiModel:      envOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		GraderMode:       envOrDefault("GRADER_MODE", "keyword"),
		FallbackURLs:     listFromEnv("FALLBACK_URLS"),
		OutOfScopeAnswer: envOrDefault("OUT_OF_SCOPE_ANSWER", faq.DefaultOutOfScopeAnswer),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		LogFile:          stringsTrimSpace("LOG_FILE"),
		TraceFile:        stringsTrimSpace("TRACE_FILE"),
		MetricsFile:      stringsTrimSpace("METRICS_FILE"),

		ShutdownTimeout:         15 * time.Second,
		SessionRetention:        30 * 24 * time.Hour,
		JanitorInterval:         time.Hour,
		StoreTimeout:            5 * time.Second,
		KBSeedSample:            true,
		EmbeddingDim:            256,
		GraderTimeout:           10 * time.Second,
		ResponderTopN:           3,
		ResponderMinScore:       0.7,
		ResponderHistoryWindow:  5,
		FallbackTopN:            10,
		FallbackMinScore:        0.5,
		FallbackBudget:          30 * time.Second,
		FallbackMaxRetries:      3,
		RetrievalTimeout:        5 * time.Second,
		GenerationTimeout:       30 * time.Second,
		ConfidenceHighMinDocs:   2,
		ConfidenceHighMinScore:  0.85,
		ConfidenceMediumMinDocs: 1,
		MetricInterval:          30 * time.Second,
	}

	threshold, err := faq.ParseConfidence(envOrDefault("FALLBACK_THRESHOLD", string(faq.ConfidenceMedium)))
	if err != nil {
		return Config{}, fmt.Errorf("FALLBACK_THRESHOLD parse error: %w", err)
	}
	cfg.FallbackThreshold = threshold

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"SESSION_RETENTION", &cfg.SessionRetention},
		{"SESSION_JANITOR_INTERVAL", &cfg.JanitorInterval},
		{"STORE_TIMEOUT", &cfg.StoreTimeout},
		{"GRADER_TIMEOUT", &cfg.GraderTimeout},
		{"FALLBACK_BUDGET", &cfg.FallbackBudget},
		{"RETRIEVAL_TIMEOUT", &cfg.RetrievalTimeout},
		{"GENERATION_TIMEOUT", &cfg.GenerationTimeout},
		{"METRICS_INTERVAL", &cfg.MetricInterval},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"EMBEDDING_DIM", &cfg.EmbeddingDim},
		{"RESPONDER_TOP_N", &cfg.ResponderTopN},
		{"RESPONDER_HISTORY_WINDOW", &cfg.ResponderHistoryWindow},
		{"FALLBACK_TOP_N", &cfg.FallbackTopN},
		{"FALLBACK_MAX_RETRIES", &cfg.FallbackMaxRetries},
		{"CONFIDENCE_HIGH_MIN_DOCS", &cfg.ConfidenceHighMinDocs},
		{"CONFIDENCE_MEDIUM_MIN_DOCS", &cfg.ConfidenceMediumMinDocs},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"RESPONDER_MIN_SCORE", &cfg.ResponderMinScore},
		{"FALLBACK_MIN_SCORE", &cfg.FallbackMinScore},
		{"CONFIDENCE_HIGH_MIN_SCORE", &cfg.ConfidenceHighMinScore},
	}
	for _, f := range floats {
		if *f.dst, err = floatFromEnv(f.key, *f.dst); err != nil {
			return Config{}, err
		}
	}

	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.KBSeedSample, err = boolFromEnv("KB_SEED_SAMPLE", cfg.KBSeedSample)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.EmbeddingDim <= 0:
		return fmt.Errorf("EMBEDDING_DIM must be positive")
	case c.ResponderTopN <= 0:
		return fmt.Errorf("RESPONDER_TOP_N must be positive")
	case c.FallbackTopN < c.ResponderTopN:
		return fmt.Errorf("FALLBACK_TOP_N must be >= RESPONDER_TOP_N")
	case c.ResponderHistoryWindow <= 0:
		return fmt.Errorf("RESPONDER_HISTORY_WINDOW must be positive")
	case c.ResponderMinScore < -1 || c.ResponderMinScore > 1:
		return fmt.Errorf("RESPONDER_MIN_SCORE must be within [-1, 1]")
	case c.FallbackMinScore < -1 || c.FallbackMinScore > c.ResponderMinScore:
		return fmt.Errorf("FALLBACK_MIN_SCORE must be within [-1, RESPONDER_MIN_SCORE]")
	case c.FallbackMaxRetries < 0:
		return fmt.Errorf("FALLBACK_MAX_RETRIES must be >= 0")
	case c.FallbackBudget <= 0, c.RetrievalTimeout <= 0, c.GenerationTimeout <= 0, c.StoreTimeout <= 0:
		return fmt.Errorf("timeouts must be positive")
	case c.ConfidenceMediumMinDocs <= 0 || c.ConfidenceHighMinDocs < c.ConfidenceMediumMinDocs:
		return fmt.Errorf("CONFIDENCE_HIGH_MIN_DOCS must be >= CONFIDENCE_MEDIUM_MIN_DOCS >= 1")
	case strings.TrimSpace(c.OutOfScopeAnswer) == "":
		return fmt.Errorf("OUT_OF_SCOPE_ANSWER must not be empty")
	}
	switch strings.ToLower(c.GraderMode) {
	case "keyword", "llm":
	default:
		return fmt.Errorf("GRADER_MODE must be keyword or llm, got %q", c.GraderMode)
	}
	if c.SessionRetention > 0 && c.JanitorInterval <= 0 {
		return fmt.Errorf("SESSION_JANITOR_INTERVAL must be positive when SESSION_RETENTION is set")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// listFromEnv splits a comma-separated variable, dropping empty items.
func listFromEnv(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
