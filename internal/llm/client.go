// Package llm provides the LLM clients the memory pipeline calls for routing,
// filtering, extraction, and summarization. All pipeline calls request
// structured JSON output; providers that support schema enforcement get the
// schema at the API level, the rest get lenient extraction on the way back.
package llm

import (
	"context"
	"fmt"
	"time"
)

// LLMClient defines the interface for LLM providers.
type LLMClient interface {
	// Complete sends a prompt and returns the raw completion.
	Complete(ctx context.Context, prompt string) (string, error)

	// CompleteStructured sends a prompt expecting JSON conforming to schema.
	// Schema may be nil, in which case only JSON mode is requested.
	CompleteStructured(ctx context.Context, systemPrompt, userPrompt string, schema *ResponseSchema) (string, error)
}

// ResponseSchema is a provider-neutral JSON schema for structured output.
type ResponseSchema struct {
	Name   string
	Schema map[string]interface{}
}

// Config holds LLM client configuration.
type Config struct {
	Provider   string // "openai" or "gemini"
	APIKey     string
	Model      string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// NewClient creates an LLM client based on configuration.
func NewClient(cfg Config) (LLMClient, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}

	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIClient(cfg), nil
	case "gemini":
		return NewGeminiClient(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s (use 'openai' or 'gemini')", cfg.Provider)
	}
}
