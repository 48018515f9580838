// Package providers adapts model vendor SDKs to agent.Model.
package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/config"
	"github.com/haasonsaas/parley/internal/retry"
)

// Config is shared by every provider.
type Config struct {
	APIKey  string
	BaseURL string
	// Model is the default model id.
	Model string
	// Timeout bounds one HTTP round trip. Default: 2m
	Timeout time.Duration
	// MaxRetries counts retries after the first attempt. Default: 2
	MaxRetries int
	// RetryDelay is the initial backoff. Default: 1s
	RetryDelay time.Duration
}

func (c Config) withDefaults(model string) Config {
	if c.Model == "" {
		c.Model = model
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return c
}

// withRetry runs op with exponential backoff, retrying only errors that
// IsRetryable classifies as transient.
func withRetry[T any](ctx context.Context, cfg Config, op func() (T, error)) (T, error) {
	value, res := retry.DoWithValue(ctx, retry.Exponential(cfg.MaxRetries+1, cfg.RetryDelay, 30*time.Second), func() (T, error) {
		v, err := op()
		if err != nil && !IsRetryable(err) {
			return v, retry.Permanent(err)
		}
		return v, err
	})
	return value, res.Err
}

// New builds the model named by cfg.Provider. When cfg lists fallbacks the
// result fails over to them in order.
func New(cfg config.LLMConfig) (agent.Model, error) {
	primary, err := newSingle(cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.Fallbacks) == 0 {
		return primary, nil
	}
	fallbacks := make([]agent.Model, 0, len(cfg.Fallbacks))
	for i, fb := range cfg.Fallbacks {
		m, err := newSingle(fb)
		if err != nil {
			return nil, fmt.Errorf("failed to create fallback %d: %w", i, err)
		}
		fallbacks = append(fallbacks, m)
	}
	return NewFailover(primary, fallbacks, FailoverConfig{Cooldown: cfg.FailoverCooldown}), nil
}

func newSingle(cfg config.LLMConfig) (agent.Model, error) {
	pc := Config{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	}
	switch cfg.Provider {
	case "", "anthropic":
		return NewAnthropic(pc)
	case "openai":
		return NewOpenAI(pc)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
