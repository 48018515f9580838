package channels

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket guarding outbound platform calls.
type RateLimiter struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	capacity   float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter allows bursts of capacity, refilled at rate per second.
// A non-positive rate disables limiting.
func NewRateLimiter(rate float64, capacity int) *RateLimiter {
	if capacity < 1 {
		capacity = 1
	}
	return &RateLimiter{
		rate:       rate,
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	for {
		delay := r.reserve()
		if delay == 0 {
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Allow takes a token if one is available.
func (r *RateLimiter) Allow() bool {
	if r == nil {
		return true
	}
	return r.reserve() == 0
}

// reserve takes a token and returns 0, or returns how long until one refills.
func (r *RateLimiter) reserve() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rate <= 0 {
		return 0
	}
	now := r.now()
	r.tokens += now.Sub(r.lastRefill).Seconds() * r.rate
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}
	r.lastRefill = now

	if r.tokens >= 1 {
		r.tokens--
		return 0
	}
	return time.Duration((1 - r.tokens) / r.rate * float64(time.Second))
}
