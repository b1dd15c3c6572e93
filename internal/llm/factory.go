package llm

import (
	"fmt"
	"log/slog"
	"strings"

	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	openaiopt "github.com/openai/openai-go/option"

	"github.com/samsaffron/toolstream/internal/config"
)

// ParseProviderModel parses "provider:model" or just "provider" from a flag value.
// Model will be empty if not specified.
func ParseProviderModel(s string) (string, string, error) {
	parts := strings.SplitN(s, ":", 2)
	provider := strings.TrimSpace(parts[0])
	if provider == "" {
		return "", "", fmt.Errorf("invalid provider format: %q", s)
	}
	model := ""
	if len(parts) == 2 {
		model = strings.TrimSpace(parts[1])
	}
	switch provider {
	case "anthropic", "openai", "openai_compat":
		return provider, model, nil
	}
	return "", "", fmt.Errorf("unknown provider: %s", provider)
}

// NewProvider creates the configured transport, wrapped with retry and,
// when enabled, a circuit breaker. The breaker sits outside retry so that one
// exhausted retry sequence counts as a single failure.
func NewProvider(cfg *config.Config, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base, err := newBaseProvider(cfg)
	if err != nil {
		return nil, err
	}

	var provider Provider = WrapWithRetry(base, RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseBackoff: cfg.Retry.BaseBackoff,
		MaxBackoff:  cfg.Retry.MaxBackoff,
	}, logger)

	if cfg.Breaker.Enabled {
		provider = WrapWithBreaker(provider, BreakerConfig{
			Enabled:     true,
			MaxFailures: cfg.Breaker.MaxFailures,
			Timeout:     cfg.Breaker.Timeout,
			Interval:    cfg.Breaker.Interval,
		}, logger)
	}
	return provider, nil
}

func newBaseProvider(cfg *config.Config) (Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		if cfg.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("anthropic: no API key (set anthropic.api_key or ANTHROPIC_API_KEY)")
		}
		var opts []anthropicopt.RequestOption
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicopt.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		return NewAnthropicProvider(cfg.Anthropic.APIKey, cfg.Anthropic.Model, opts...), nil
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("openai: no API key (set openai.api_key or OPENAI_API_KEY)")
		}
		var opts []openaiopt.RequestOption
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiopt.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		return NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.Model, opts...), nil
	case "openai_compat":
		c := cfg.OpenAICompat
		if c.BaseURL == "" {
			return nil, fmt.Errorf("openai_compat: base_url is required")
		}
		return NewOpenAICompatProviderWithHeaders(c.BaseURL, c.APIKey, c.Model, c.Name, c.Headers), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}
