package llm

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	Provider          string
	Model             string
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
	MaxPromptTokens   int
}

// APIKeyFromEnv returns the value of env, or the provider's conventional variable when env is empty.
func APIKeyFromEnv(provider, env string) string {
	if env != "" {
		return os.Getenv(env)
	}
	switch strings.ToLower(provider) {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "gemini", "google":
		return os.Getenv("GEMINI_API_KEY")
	}
	return ""
}

// New builds the configured completer wrapped with the token budget and rate limiter.
// An empty or "none" provider yields Unavailable.
func New(cfg Config, logger *zap.Logger) (Completer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var base Completer
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "none":
		return Unavailable{}, nil
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an api key")
		}
		base = NewAnthropic(cfg.APIKey, cfg.Model, cfg.BaseURL)
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an api key")
		}
		base = NewOpenAI(cfg.APIKey, cfg.Model, cfg.BaseURL)
	case "ollama":
		c, err := NewOllama(cfg.BaseURL, cfg.Model, nil)
		if err != nil {
			return nil, err
		}
		base = c
	case "gemini", "google":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("gemini provider requires an api key")
		}
		base = NewGemini(cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if cfg.MaxPromptTokens > 0 {
		b, err := NewBudget(base, cfg.MaxPromptTokens)
		if err != nil {
			return nil, err
		}
		base = b
	}
	return NewLimited(base, LimitOptions{
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		MaxRetries:        cfg.MaxRetries,
		Timeout:           cfg.Timeout,
	}, logger.Named("llm").With(zap.String("provider", provider))), nil
}
