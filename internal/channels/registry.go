package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/parley/internal/confirm"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
)

// Registry routes outbound traffic to the adapter owning a conversation's
// channel. It also delivers confirmation prompts for the gate.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.ChannelType]Outbound
	limiters map[models.ChannelType]*RateLimiter
	started  []Adapter

	rate    float64
	burst   int
	logger  *slog.Logger
	metrics *observability.Metrics
}

var _ confirm.Notifier = (*Registry)(nil)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithMetrics records delivery failures.
func WithMetrics(m *observability.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithRateLimit limits sends per channel to rate per second with the given burst.
func WithRateLimit(rate float64, burst int) RegistryOption {
	return func(r *Registry) {
		r.rate = rate
		r.burst = burst
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		adapters: make(map[models.ChannelType]Outbound),
		limiters: make(map[models.ChannelType]*RateLimiter),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "channels")
	return r
}

// Register adds an adapter, replacing any previous one for the same channel.
func (r *Registry) Register(out Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[out.Type()] = out
	if r.rate > 0 {
		r.limiters[out.Type()] = NewRateLimiter(r.rate, r.burst)
	}
}

// Get returns the adapter for a channel.
func (r *Registry) Get(channel models.ChannelType) (Outbound, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out, ok := r.adapters[channel]
	return out, ok
}

// Types lists registered channels in name order.
func (r *Registry) Types() []models.ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]models.ChannelType, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// StartAll starts every registered Adapter. If one fails, the adapters
// already started are stopped again.
func (r *Registry) StartAll(ctx context.Context, sink Sink) error {
	for _, t := range r.Types() {
		out, _ := r.Get(t)
		adapter, ok := out.(Adapter)
		if !ok {
			continue
		}
		if err := adapter.Start(ctx, sink); err != nil {
			stopErr := r.StopAll(ctx)
			return errors.Join(fmt.Errorf("failed to start %s adapter: %w", t, err), stopErr)
		}
		r.mu.Lock()
		r.started = append(r.started, adapter)
		r.mu.Unlock()
		r.logger.Info("channel adapter started", "channel", t)
	}
	return nil
}

// StopAll stops started adapters in reverse start order.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.started = nil
	r.mu.Unlock()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop %s adapter: %w", started[i].Type(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) route(conversationID models.ConversationID) (Outbound, *RateLimiter, error) {
	channel := conversationID.Channel()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out, ok := r.adapters[channel]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	return out, r.limiters[channel], nil
}

// Send delivers msg, splitting it to fit the channel's message size. The
// reply reference goes on the first piece, actions and attachments on the
// last. The returned id is the last piece's.
func (r *Registry) Send(ctx context.Context, msg OutboundMessage) (string, error) {
	out, limiter, err := r.route(msg.ConversationID)
	if err != nil {
		return "", err
	}

	content := msg.Content
	if ts, ok := out.(TableStyler); ok {
		content = RewriteTables(content, ts.TableStyle())
	}
	chunks := SplitMessage(content, maxLength(out))
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	var lastID string
	for i, chunk := range chunks {
		part := OutboundMessage{ConversationID: msg.ConversationID, Content: chunk}
		if i == 0 {
			part.ReplyTo = msg.ReplyTo
		}
		if i == len(chunks)-1 {
			part.Attachments = msg.Attachments
			part.Actions = msg.Actions
		}
		if err := limiter.Wait(ctx); err != nil {
			return lastID, err
		}
		id, err := out.Send(ctx, part)
		if err != nil {
			r.recordFailure(msg.ConversationID, err)
			return lastID, fmt.Errorf("failed to send to %s: %w", msg.ConversationID, err)
		}
		lastID = id
	}
	return lastID, nil
}

// Edit replaces the text of a sent message.
func (r *Registry) Edit(ctx context.Context, conversationID models.ConversationID, channelMessageID, text string) error {
	out, limiter, err := r.route(conversationID)
	if err != nil {
		return err
	}
	if chunks := SplitMessage(text, maxLength(out)); len(chunks) > 0 {
		text = chunks[0]
	}
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	if err := out.Edit(ctx, conversationID, channelMessageID, text); err != nil {
		r.recordFailure(conversationID, err)
		return fmt.Errorf("failed to edit message in %s: %w", conversationID, err)
	}
	return nil
}

// SendPrompt delivers a confirmation prompt with approve and deny buttons.
func (r *Registry) SendPrompt(ctx context.Context, p confirm.Prompt) (string, error) {
	return r.Send(ctx, OutboundMessage{
		ConversationID: p.ConversationID,
		Content:        p.Text,
		Actions:        ConfirmActions(p.RequestID),
	})
}

// EditPrompt rewrites a prompt once it is resolved.
func (r *Registry) EditPrompt(ctx context.Context, conversationID models.ConversationID, messageID, text string) error {
	if messageID == "" {
		return nil
	}
	return r.Edit(ctx, conversationID, messageID, text)
}

func (r *Registry) recordFailure(conversationID models.ConversationID, err error) {
	r.logger.Warn("outbound delivery failed",
		"conversation_id", conversationID,
		"error", err)
	if r.metrics != nil {
		r.metrics.DeliveryFailures.WithLabelValues(string(conversationID.Channel())).Inc()
	}
}

func maxLength(out Outbound) int {
	if l, ok := out.(MessageLimiter); ok && l.MaxMessageLength() > 0 {
		return l.MaxMessageLength()
	}
	return DefaultMaxMessageLength
}
