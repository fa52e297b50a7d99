package engine

import (
	"fmt"
	"time"
)

// Provider names accepted by New.
const (
	ProviderNone   = "none"
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Config selects and tunes the inference backend.
type Config struct {
	Provider  string
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
}

// New returns the Engine for cfg.Provider wrapped in its rate limiter.
// ProviderNone (or an empty provider) yields a nil Engine, which agents
// treat as "no LLM available" and fall back to their deterministic paths.
func New(cfg Config) (Engine, error) {
	var e Engine
	switch cfg.Provider {
	case "", ProviderNone:
		return nil, nil
	case ProviderOllama:
		base := cfg.BaseURL
		if base == "" {
			base = "http://localhost:11434"
		}
		e = NewOllamaEngine(base, cfg.Timeout)
	case ProviderOpenAI:
		e = NewOpenAIEngine(cfg.BaseURL, cfg.APIKey, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	return WithRateLimit(e, cfg.RateLimit, cfg.Burst), nil
}
