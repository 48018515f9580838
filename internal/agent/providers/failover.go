package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/parley/internal/agent"
)

// FailoverConfig configures a Failover model.
type FailoverConfig struct {
	// Threshold is the number of consecutive failures before a model is
	// skipped. Default: 3
	Threshold int

	// Cooldown is how long a skipped model stays skipped. Default: 30s
	Cooldown time.Duration
}

type breakerState struct {
	failures int
	openedAt time.Time
}

// Failover tries each model in order, moving to the next one when a call
// fails for a reason another vendor might not share. The last model is
// always tried so a request never fails without reaching a provider.
type Failover struct {
	models []agent.Model
	cfg    FailoverConfig
	now    func() time.Time

	mu     sync.Mutex
	states []breakerState
}

// NewFailover wraps primary and its fallbacks.
func NewFailover(primary agent.Model, fallbacks []agent.Model, cfg FailoverConfig) *Failover {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	all := append([]agent.Model{primary}, fallbacks...)
	return &Failover{
		models: all,
		cfg:    cfg,
		now:    time.Now,
		states: make([]breakerState, len(all)),
	}
}

// Name reports the primary model's name.
func (f *Failover) Name() string {
	return f.models[0].Name()
}

// Generate implements agent.Model.
func (f *Failover) Generate(ctx context.Context, req *agent.GenerateRequest) (*agent.GenerateResponse, error) {
	var errs []error
	last := len(f.models) - 1

	for i, m := range f.models {
		if i < last && !f.available(i) {
			continue
		}

		attempt := req
		if i > 0 && req.Model != "" {
			// A model id only means something to the primary vendor.
			clone := *req
			clone.Model = ""
			attempt = &clone
		}

		resp, err := m.Generate(ctx, attempt)
		if err == nil {
			f.recordSuccess(i)
			return resp, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))

		if ctx.Err() != nil || !ShouldFailover(err) {
			return nil, err
		}
		f.recordFailure(i)
	}

	if len(errs) == 1 {
		return nil, errors.Unwrap(errs[0])
	}
	return nil, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

// ShouldFailover reports whether err warrants trying a different vendor.
func ShouldFailover(err error) bool {
	return reasonOf(err).Failover()
}

func (f *Failover) available(i int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.states[i]
	if s.failures < f.cfg.Threshold {
		return true
	}
	return f.now().Sub(s.openedAt) >= f.cfg.Cooldown
}

func (f *Failover) recordSuccess(i int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[i] = breakerState{}
}

func (f *Failover) recordFailure(i int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &f.states[i]
	s.failures++
	if s.failures >= f.cfg.Threshold {
		s.openedAt = f.now()
	}
}
