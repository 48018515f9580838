// Package retry runs operations with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff describes the wait between attempts.
type Backoff struct {
	// Initial is the wait after the first failure. Default: 100ms
	Initial time.Duration
	// Max caps every wait. Default: 10s
	Max time.Duration
	// Factor multiplies the wait after each failure. Default: 2
	Factor float64
	// Jitter scales each wait by a random factor in [0.5, 1.5).
	Jitter bool
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = 100 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 10 * time.Second
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Factor <= 0 {
		b.Factor = 2
	}
	return b
}

// Delay returns the wait after the given failed attempt, counting from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := math.Min(float64(b.Initial)*math.Pow(b.Factor, float64(attempt-1)), float64(b.Max))
	if b.Jitter {
		d *= 0.5 + rand.Float64() // #nosec G404 -- jitter does not need crypto randomness
	}
	return time.Duration(d)
}

// Config bounds a retried operation.
type Config struct {
	// MaxAttempts counts the first call. Values below 1 mean one attempt.
	MaxAttempts int
	Backoff
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Exponential is a jittered doubling policy.
func Exponential(maxAttempts int, initial, max time.Duration) Config {
	return Config{
		MaxAttempts: maxAttempts,
		Backoff:     Backoff{Initial: initial, Max: max, Factor: 2, Jitter: true},
	}
}

// Result reports how a retried operation ended.
type Result struct {
	Attempts int
	// Err is the last error with any Permanent wrapper removed.
	Err error
}

// Do calls op until it succeeds, returns a Permanent error, runs out of
// attempts, or ctx ends.
func Do(ctx context.Context, cfg Config, op func() error) Result {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	var res Result
	for res.Attempts < cfg.MaxAttempts {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		res.Attempts++
		err := op()
		if err == nil {
			res.Err = nil
			return res
		}
		var permanent *PermanentError
		if errors.As(err, &permanent) {
			res.Err = permanent.Err
			return res
		}
		res.Err = err
		if res.Attempts == cfg.MaxAttempts {
			break
		}

		wait := cfg.Delay(res.Attempts)
		if cfg.OnRetry != nil {
			cfg.OnRetry(res.Attempts, err, wait)
		}
		if err := Sleep(ctx, wait); err != nil {
			res.Err = err
			return res
		}
	}
	return res
}

// DoWithValue is Do for operations that produce a value.
func DoWithValue[T any](ctx context.Context, cfg Config, op func() (T, error)) (T, Result) {
	var value T
	res := Do(ctx, cfg, func() error {
		v, err := op()
		if err == nil {
			value = v
		}
		return err
	})
	return value, res
}

// Sleep waits for d or until ctx ends, returning ctx's error in that case.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PermanentError marks an error that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do stops immediately. It returns nil for nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err or anything it wraps is Permanent.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
