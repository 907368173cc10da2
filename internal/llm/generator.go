package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Request is one generation call. Context carries the grounding passages
// that were rendered into Prompt.
type Request struct {
	Query   string   `json:"query,omitempty"`
	Prompt  string   `json:"prompt"`
	Context []string `json:"context,omitempty"`
}

// Response is the generated text.
type Response struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

// Generator produces text from a prompt. Implementations may be slow,
// non-deterministic and fail.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Config controls generator construction.
type Config struct {
	Mode         string
	BaseURL      string
	APIKey       string
	Model        string
	GeminiAPIKey string
	GeminiModel  string
}

func NewGenerator(cfg Config) (Generator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoGenerator(cfg), nil
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" && strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, errors.New("LLM_API_KEY or LLM_BASE_URL is required for openai mode")
		}
		return NewOpenAIGenerator(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, errors.New("GEMINI_API_KEY is required for gemini mode")
		}
		return NewGeminiGenerator(cfg.GeminiAPIKey, cfg.GeminiModel), nil
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported LLM mode %q", cfg.Mode)
	}
}

// newAutoGenerator prefers an OpenAI-compatible endpoint, then Gemini, and
// chains both when both are configured. Without credentials it returns the mock.
func newAutoGenerator(cfg Config) Generator {
	var chain []Generator
	if strings.TrimSpace(cfg.APIKey) != "" || strings.TrimSpace(cfg.BaseURL) != "" {
		chain = append(chain, NewOpenAIGenerator(cfg.BaseURL, cfg.APIKey, cfg.Model))
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		chain = append(chain, NewGeminiGenerator(cfg.GeminiAPIKey, cfg.GeminiModel))
	}
	switch len(chain) {
	case 0:
		return NewMockGenerator()
	case 1:
		return chain[0]
	default:
		return NewFallbackGenerator(chain[0], chain[1])
	}
}

// Describe names the generator chain for status output.
func Describe(g Generator) string {
	switch v := g.(type) {
	case *OpenAIGenerator:
		return "openai:" + v.model
	case *GeminiGenerator:
		return "gemini:" + v.modelID
	case *MockGenerator:
		return "mock"
	case *FallbackGenerator:
		return Describe(v.Primary()) + "," + Describe(v.Secondary())
	case nil:
		return "none"
	default:
		return fmt.Sprintf("%T", g)
	}
}
