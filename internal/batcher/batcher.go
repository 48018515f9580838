// Package batcher coalesces bursts of inbound events into one batch per
// conversation and guarantees a single in-flight handler per conversation.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
)

var (
	// ErrStopped is returned by Submit after Stop has been called.
	ErrStopped = errors.New("batcher stopped")

	// ErrInvalidEvent is returned for events without a conversation or content.
	ErrInvalidEvent = errors.New("invalid inbound event")
)

// Policy selects how the debounce window reacts to new events.
type Policy string

const (
	// PolicyExtend resets the window on every event, waiting for the sender to go quiet.
	PolicyExtend Policy = "extend"
	// PolicyFixed anchors the window at the first buffered event.
	PolicyFixed Policy = "fixed"
)

// Handler processes one batch. A non-nil error returns the batch's events to
// the head of the conversation buffer for another attempt.
type Handler func(ctx context.Context, batch *models.Batch) error

// Config holds the debounce settings.
type Config struct {
	Policy Policy
	// Debounce is the quiet period before a batch is handed off.
	Debounce time.Duration
	// MaxWait caps how long the first buffered event can wait.
	MaxWait time.Duration
	// RetryDelay is used when a turn is in flight or a handoff failed.
	RetryDelay time.Duration
}

// DefaultConfig returns the default batching settings.
func DefaultConfig() Config {
	return Config{
		Policy:     PolicyExtend,
		Debounce:   500 * time.Millisecond,
		MaxWait:    2 * time.Second,
		RetryDelay: 250 * time.Millisecond,
	}
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Batcher) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(b *Batcher) {
		b.metrics = metrics
	}
}

// conversation is the per-conversation buffer, timer and processing flag.
type conversation struct {
	events  []*models.InboundEvent
	firstAt time.Time
	timer   *time.Timer
	gen     uint64
	busy    bool
	attempt int
	// requeued is set while the buffer holds a failed batch awaiting retry.
	requeued bool
}

// Batcher buffers inbound events per conversation.
type Batcher struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu       sync.Mutex
	convs    map[models.ConversationID]*conversation
	stopped  bool
	inflight sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Batcher that hands batches to handler.
func New(cfg Config, handler Handler, opts ...Option) *Batcher {
	defaults := DefaultConfig()
	if cfg.Policy == "" {
		cfg.Policy = defaults.Policy
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaults.MaxWait
	}
	if cfg.MaxWait < cfg.Debounce {
		cfg.MaxWait = cfg.Debounce
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Batcher{
		cfg:     cfg,
		handler: handler,
		logger:  slog.Default(),
		now:     time.Now,
		convs:   make(map[models.ConversationID]*conversation),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "batcher")
	return b
}

// Submit buffers an event for its conversation. Processing happens
// asynchronously once the debounce window closes.
func (b *Batcher) Submit(ctx context.Context, event *models.InboundEvent) error {
	if event == nil || event.ConversationID == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidEvent)
	}
	if event.IsEmpty() {
		return fmt.Errorf("%w: event has no content", ErrInvalidEvent)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrStopped
	}

	now := b.now()
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = now
	}
	c := b.convs[event.ConversationID]
	if c == nil {
		c = &conversation{}
		b.convs[event.ConversationID] = c
	}
	c.events = append(c.events, event)

	switch {
	case len(c.events) == 1:
		c.firstAt = now
		b.armLocked(event.ConversationID, c, b.cfg.Debounce)
	case c.timer == nil:
		// Events buffered behind a failed handoff are waiting on nothing.
		b.armLocked(event.ConversationID, c, b.cfg.Debounce)
	case b.cfg.Policy == PolicyExtend && !c.requeued:
		b.armLocked(event.ConversationID, c, b.cfg.Debounce)
	}
	return nil
}

// armLocked (re)starts the conversation timer, never past the max-wait cap.
func (b *Batcher) armLocked(id models.ConversationID, c *conversation, delay time.Duration) {
	if !c.firstAt.IsZero() {
		if remaining := c.firstAt.Add(b.cfg.MaxWait).Sub(b.now()); remaining < delay {
			delay = remaining
		}
	}
	if delay < 0 {
		delay = 0
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(delay, func() {
		b.fire(id, gen)
	})
}

// fire hands the buffered events off if no turn is in flight.
func (b *Batcher) fire(id models.ConversationID, gen uint64) {
	b.mu.Lock()
	c := b.convs[id]
	if c == nil || c.gen != gen {
		b.mu.Unlock()
		return
	}
	c.timer = nil
	if len(c.events) == 0 {
		b.cleanupLocked(id, c)
		b.mu.Unlock()
		return
	}
	if c.busy {
		// A turn is in flight; try again shortly instead of interleaving.
		c.gen++
		retry := c.gen
		c.timer = time.AfterFunc(b.cfg.RetryDelay, func() {
			b.fire(id, retry)
		})
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked(id, c)
	b.inflight.Add(1)
	b.mu.Unlock()

	b.run(id, batch)
}

func (b *Batcher) takeLocked(id models.ConversationID, c *conversation) *models.Batch {
	c.attempt++
	batch := &models.Batch{
		ConversationID: id,
		Events:         c.events,
		Attempt:        c.attempt,
	}
	c.events = nil
	c.firstAt = time.Time{}
	c.requeued = false
	c.busy = true
	return batch
}

func (b *Batcher) run(id models.ConversationID, batch *models.Batch) {
	defer b.inflight.Done()
	if b.metrics != nil {
		b.metrics.BatchSize.Observe(float64(len(batch.Events)))
	}

	err := b.invoke(batch)

	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.convs[id]
	c.busy = false

	if err != nil {
		if errors.Is(err, errHandlerPanic) {
			b.logger.Error("batch handler panicked, dropping batch",
				"conversation_id", id, "events", len(batch.Events), "error", err)
			c.attempt = 0
		} else {
			// Requeue at the head so arrival order is kept.
			c.events = append(batch.Events, c.events...)
			c.firstAt = batch.FirstArrival()
			c.requeued = true
			if b.metrics != nil {
				b.metrics.BatchRequeues.Inc()
			}
			b.logger.Warn("batch handoff failed, requeued",
				"conversation_id", id, "events", len(batch.Events), "attempt", batch.Attempt, "error", err)
			if b.stopped {
				b.logger.Error("batcher stopped with unprocessed events",
					"conversation_id", id, "events", len(c.events))
				return
			}
			if c.timer != nil {
				c.timer.Stop()
			}
			c.gen++
			gen := c.gen
			c.timer = time.AfterFunc(b.cfg.RetryDelay, func() {
				b.fire(id, gen)
			})
			return
		}
	} else {
		c.attempt = 0
	}

	if len(c.events) > 0 && (b.stopped || c.timer == nil) {
		if b.stopped {
			next := b.takeLocked(id, c)
			b.inflight.Add(1)
			go b.run(id, next)
			return
		}
		b.armLocked(id, c, b.cfg.Debounce)
		return
	}
	b.cleanupLocked(id, c)
}

var errHandlerPanic = errors.New("batch handler panic")

func (b *Batcher) invoke(batch *models.Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()
	return b.handler(b.ctx, batch)
}

func (b *Batcher) cleanupLocked(id models.ConversationID, c *conversation) {
	if len(c.events) == 0 && !c.busy && c.timer == nil {
		delete(b.convs, id)
	}
}

// Flush closes the conversation's debounce window immediately. When no turn
// is in flight the batch is processed before Flush returns.
func (b *Batcher) Flush(id models.ConversationID) {
	b.mu.Lock()
	c := b.convs[id]
	if c == nil || len(c.events) == 0 {
		b.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	gen := c.gen
	b.mu.Unlock()

	b.fire(id, gen)
}

// Pending returns the number of buffered events for a conversation.
func (b *Batcher) Pending(id models.ConversationID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c := b.convs[id]; c != nil {
		return len(c.events)
	}
	return 0
}

// Busy reports whether a batch for the conversation is being processed.
func (b *Batcher) Busy(id models.ConversationID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.convs[id]
	return c != nil && c.busy
}

// Stop rejects further events, hands off every buffered batch and waits for
// in-flight handlers. If ctx expires first, handlers are cancelled.
func (b *Batcher) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	for id, c := range b.convs {
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		if c.busy || len(c.events) == 0 {
			continue
		}
		batch := b.takeLocked(id, c)
		b.inflight.Add(1)
		go b.run(id, batch)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		return fmt.Errorf("waiting for in-flight batches: %w", ctx.Err())
	}
}
