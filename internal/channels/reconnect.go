package channels

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/parley/internal/retry"
)

// ReconnectConfig controls how adapters re-establish platform connections.
type ReconnectConfig struct {
	// MaxAttempts of 0 retries until the context ends.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       bool
}

// DefaultReconnectConfig returns a baseline reconnection config.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
		Factor:       2,
		Jitter:       true,
	}
}

// Reconnector keeps a long-running connection function alive.
type Reconnector struct {
	Config ReconnectConfig
	Logger *slog.Logger
}

// Run calls connect until it returns nil, returns a permanent error, or ctx
// ends. Errors are retried with exponential backoff; a connection that stayed
// up for longer than MaxDelay resets the attempt counter.
func (r *Reconnector) Run(ctx context.Context, connect func(context.Context) error) error {
	if connect == nil {
		return errors.New("reconnector: connect func is nil")
	}
	cfg := r.Config
	defaults := DefaultReconnectConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaults.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}
	if cfg.Factor <= 0 {
		cfg.Factor = defaults.Factor
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		started := time.Now()
		err := connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || retry.IsPermanent(err) {
			return err
		}
		if time.Since(started) > cfg.MaxDelay {
			attempt = 0
		}
		attempt++
		logger.Warn("connection lost, reconnecting", "attempt", attempt, "error", err)
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return err
		}

		backoff := retry.Backoff{Initial: cfg.InitialDelay, Max: cfg.MaxDelay, Factor: cfg.Factor, Jitter: cfg.Jitter}
		if err := retry.Sleep(ctx, backoff.Delay(attempt)); err != nil {
			return err
		}
	}
}
