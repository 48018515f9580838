// Package gateway wires the turn pipeline together and exposes it over HTTP.
//
// The Processor is the channels.Sink every adapter submits to. It routes
// confirmation answers straight to the gate, buffers everything else in the
// batcher, and runs each batch through the tracker, the orchestrator and
// outbound delivery.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/batcher"
	"github.com/haasonsaas/parley/internal/cache"
	"github.com/haasonsaas/parley/internal/channels"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
)

// Event kinds recorded by the events-received metric.
const (
	kindMessage      = "message"
	kindConfirmation = "confirmation"
	kindWake         = "wake"
	kindDuplicate    = "duplicate"
)

// SystemSender is the sender recorded on wake events.
const SystemSender = "system"

// Runner runs one turn. *agent.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, in agent.RunInput) *agent.RunResult
}

// Tracker is the turn bookkeeping the processor drives.
type Tracker interface {
	BeginTurn(ctx context.Context, batch *models.Batch) (*models.Turn, []*models.Message, error)
	History(ctx context.Context, turn *models.Turn, inbound []*models.Message) ([]*models.Message, error)
	FinalizeTurn(ctx context.Context, turn *models.Turn, produced []*models.Message, state models.TurnState, cause error) error
	RecordDelivery(ctx context.Context, messageID, channelMessageID string) error
	AbortStale(ctx context.Context) (int, error)
}

// Gate is the confirmation surface used for inbound answers and recovery.
type Gate interface {
	Resolve(ctx context.Context, conversationID models.ConversationID, requestID string, approved bool, by string) (bool, error)
	HasOpen(ctx context.Context, conversationID models.ConversationID) (bool, error)
	MatchReply(text string) (approved bool, ok bool)
	Sweep(ctx context.Context) (int, error)
	RunSweeper(ctx context.Context)
}

// Sender delivers replies. *channels.Registry implements it.
type Sender interface {
	Send(ctx context.Context, msg channels.OutboundMessage) (string, error)
}

// ErrorReporter receives orchestration and persistence failures.
type ErrorReporter interface {
	ReportTurnError(ctx context.Context, turn *models.Turn, err error)
}

// LogReporter reports errors to a logger.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) ReportTurnError(ctx context.Context, turn *models.Turn, err error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(ctx, "turn failed",
		"conversation_id", turn.ConversationID,
		"turn_id", turn.ID,
		"phase", agent.PhaseOf(err),
		"error", err)
}

// ProcessorConfig tunes the pipeline.
type ProcessorConfig struct {
	Batcher batcher.Config
	// TurnTimeout bounds one orchestrator run. Default: 10m
	TurnTimeout time.Duration
	// FallbackMessage is delivered when a turn fails before the orchestrator
	// produced a reply.
	FallbackMessage string
	// DedupeWindow is how long a channel message id is remembered so
	// platform redeliveries are dropped. Default: 10m
	DedupeWindow time.Duration
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the logger.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithProcessorMetrics sets the metrics sink.
func WithProcessorMetrics(m *observability.Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// WithErrorReporter replaces the default log reporter.
func WithErrorReporter(r ErrorReporter) ProcessorOption {
	return func(p *Processor) {
		if r != nil {
			p.reporter = r
		}
	}
}

// Processor is the pipeline glue between adapters and the core.
type Processor struct {
	tracker  Tracker
	runner   Runner
	gate     Gate
	sender   Sender
	reporter ErrorReporter
	cfg      ProcessorConfig
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	batcher *batcher.Batcher
	seen    *cache.Seen
	cancel  context.CancelFunc
}

var _ channels.Sink = (*Processor)(nil)

// NewProcessor creates a processor. gate may be nil when no tool needs
// confirmation.
func NewProcessor(tracker Tracker, runner Runner, gate Gate, sender Sender, cfg ProcessorConfig, opts ...ProcessorOption) *Processor {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 10 * time.Minute
	}
	if cfg.FallbackMessage == "" {
		cfg.FallbackMessage = agent.DefaultFallbackMessage
	}
	p := &Processor{
		tracker: tracker,
		runner:  runner,
		gate:    gate,
		sender:  sender,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		seen:    cache.NewSeen(cfg.DedupeWindow, 0),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "gateway")
	if p.reporter == nil {
		p.reporter = LogReporter{Logger: p.logger}
	}
	p.batcher = batcher.New(cfg.Batcher, p.processBatch,
		batcher.WithLogger(p.logger),
		batcher.WithMetrics(p.metrics))
	return p
}

// Recover aborts turns left running by a previous process and times out
// confirmations whose deadline passed while nothing was sweeping.
func (p *Processor) Recover(ctx context.Context) error {
	aborted, err := p.tracker.AbortStale(ctx)
	if err != nil {
		return fmt.Errorf("failed to abort stale turns: %w", err)
	}
	var swept int
	if p.gate != nil {
		if swept, err = p.gate.Sweep(ctx); err != nil {
			return fmt.Errorf("failed to sweep confirmations: %w", err)
		}
	}
	if aborted > 0 || swept > 0 {
		p.logger.Info("recovered after restart", "aborted_turns", aborted, "expired_confirmations", swept)
	}
	return nil
}

// Start runs the confirmation sweeper until Stop.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	if p.gate != nil {
		go p.gate.RunSweeper(ctx)
	}
}

// Stop rejects new events and waits for in-flight turns.
func (p *Processor) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	return p.batcher.Stop(ctx)
}

// Submit accepts an inbound event from an adapter or the HTTP API.
func (p *Processor) Submit(ctx context.Context, event *models.InboundEvent) error {
	if event == nil {
		return fmt.Errorf("%w: nil event", batcher.ErrInvalidEvent)
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = p.now()
	}

	key := cache.EventKey(string(event.ConversationID), event.ChannelMessageID)
	if p.seen.Observe(key) {
		p.countEvent(event.ConversationID, kindDuplicate)
		p.logger.Debug("dropped redelivered event",
			"conversation_id", event.ConversationID,
			"channel_message_id", event.ChannelMessageID)
		return nil
	}
	if err := p.accept(ctx, event); err != nil {
		p.seen.Forget(key)
		return err
	}
	return nil
}

func (p *Processor) accept(ctx context.Context, event *models.InboundEvent) error {
	if event.Confirmation != nil {
		p.countEvent(event.ConversationID, kindConfirmation)
		return p.resolveConfirmation(ctx, event)
	}

	if p.gate != nil && len(event.Attachments) == 0 && event.Origin != models.OriginSystem {
		if approved, ok := p.gate.MatchReply(event.Content); ok {
			won, err := p.answerOpen(ctx, event, approved)
			if err != nil {
				return err
			}
			if won {
				p.countEvent(event.ConversationID, kindConfirmation)
				return nil
			}
		}
	}

	kind := kindMessage
	if event.Origin == models.OriginSystem {
		kind = kindWake
	}
	p.countEvent(event.ConversationID, kind)
	return p.batcher.Submit(ctx, event)
}

// DeliverWakeEvent re-enters a conversation with system-originated
// content, as reminders and automations do.
func (p *Processor) DeliverWakeEvent(ctx context.Context, conversationID models.ConversationID, content string) error {
	if _, err := models.ParseConversationID(string(conversationID)); err != nil {
		return fmt.Errorf("%w: %v", batcher.ErrInvalidEvent, err)
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: wake content is required", batcher.ErrInvalidEvent)
	}
	return p.Submit(ctx, &models.InboundEvent{
		ConversationID: conversationID,
		Content:        content,
		Sender:         SystemSender,
		Origin:         models.OriginSystem,
	})
}

// HandleOrphan turns a user answer that no live turn was waiting for into
// a wake event, so the conversation can pick up the decision. Timeouts are
// only logged.
func (p *Processor) HandleOrphan(ctx context.Context, pc *models.PendingConfirmation) {
	var verb string
	switch pc.Status {
	case models.ConfirmationApproved:
		verb = "approved"
	case models.ConfirmationDenied:
		verb = "denied"
	default:
		p.logger.Info("confirmation expired without a waiting turn",
			"conversation_id", pc.ConversationID,
			"confirmation_id", pc.ID,
			"tool", pc.ToolName)
		return
	}
	content := fmt.Sprintf("The user %s the earlier request to run %s, but the turn that asked was interrupted and the tool did not run.", verb, pc.ToolName)
	if verb == "approved" {
		content += " Run it again if it is still needed."
	}
	if err := p.DeliverWakeEvent(context.WithoutCancel(ctx), pc.ConversationID, content); err != nil {
		p.logger.Warn("failed to deliver confirmation wake event",
			"conversation_id", pc.ConversationID,
			"confirmation_id", pc.ID,
			"error", err)
	}
}

// Flush hands a conversation's buffered events off without waiting for
// the debounce window.
func (p *Processor) Flush(conversationID models.ConversationID) {
	p.batcher.Flush(conversationID)
}

// Busy reports whether a turn is running for the conversation.
func (p *Processor) Busy(conversationID models.ConversationID) bool {
	return p.batcher.Busy(conversationID)
}

func (p *Processor) resolveConfirmation(ctx context.Context, event *models.InboundEvent) error {
	if p.gate == nil {
		return errors.New("confirmations are not enabled")
	}
	reply := event.Confirmation
	by := reply.By
	if by == "" {
		by = event.Sender
	}
	won, err := p.gate.Resolve(ctx, event.ConversationID, reply.RequestID, reply.Approved, by)
	if err != nil {
		return fmt.Errorf("failed to resolve confirmation: %w", err)
	}
	if !won {
		p.logger.Debug("confirmation answer ignored",
			"conversation_id", event.ConversationID,
			"confirmation_id", reply.RequestID)
	}
	return nil
}

// answerOpen resolves the conversation's open confirmation with a free-text
// answer. It reports false when nothing was open, so the text is processed
// as a normal message.
func (p *Processor) answerOpen(ctx context.Context, event *models.InboundEvent, approved bool) (bool, error) {
	open, err := p.gate.HasOpen(ctx, event.ConversationID)
	if err != nil {
		return false, fmt.Errorf("failed to check open confirmation: %w", err)
	}
	if !open {
		return false, nil
	}
	won, err := p.gate.Resolve(ctx, event.ConversationID, "", approved, event.Sender)
	if err != nil {
		return false, fmt.Errorf("failed to resolve confirmation: %w", err)
	}
	return won, nil
}

// processBatch is the batcher handler. Returning an error requeues the
// batch; that only happens when nothing of the turn was persisted.
func (p *Processor) processBatch(ctx context.Context, batch *models.Batch) error {
	turn, inbound, err := p.tracker.BeginTurn(ctx, batch)
	if err != nil {
		return fmt.Errorf("failed to begin turn: %w", err)
	}
	ctx = observability.WithTurn(observability.WithConversation(ctx, string(turn.ConversationID)), turn.ID)
	logger := p.logger.With("conversation_id", turn.ConversationID, "turn_id", turn.ID)

	res := p.run(ctx, turn, inbound)
	turn.Iterations = res.Iterations

	// The outcome is persisted even when shutdown cancelled the run.
	persistCtx := context.WithoutCancel(ctx)
	if err := p.tracker.FinalizeTurn(persistCtx, turn, res.Messages, res.State, res.Err); err != nil {
		p.reporter.ReportTurnError(persistCtx, turn, fmt.Errorf("failed to finalize turn: %w", err))
		return nil
	}
	if res.Err != nil {
		p.reporter.ReportTurnError(persistCtx, turn, res.Err)
	}

	logger.Info("turn finished",
		"state", res.State,
		"iterations", res.Iterations,
		"messages", len(res.Messages))

	p.deliver(persistCtx, logger, turn, batch, res.Reply)
	return nil
}

// run never panics: the turn is already persisted as running, so a panic
// below becomes an errored result that is finalized and delivered.
func (p *Processor) run(ctx context.Context, turn *models.Turn, inbound []*models.Message) (res *agent.RunResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("turn panicked", "conversation_id", turn.ConversationID, "turn_id", turn.ID,
				"panic", r, "stack", string(debug.Stack()))
			res = p.failed(turn, fmt.Errorf("turn panicked: %v", r))
		}
	}()
	history, err := p.tracker.History(ctx, turn, inbound)
	if err != nil {
		return p.failed(turn, fmt.Errorf("failed to load history: %w", err))
	}
	runCtx, cancel := context.WithTimeout(ctx, p.cfg.TurnTimeout)
	defer cancel()
	res = p.runner.Run(runCtx, agent.RunInput{Turn: turn, Inbound: inbound, History: history})
	if res == nil {
		return p.failed(turn, errors.New("orchestrator returned no result"))
	}
	return res
}

// failed builds an errored result carrying only the fallback reply.
func (p *Processor) failed(turn *models.Turn, err error) *agent.RunResult {
	reply := &models.Message{
		ConversationID: turn.ConversationID,
		TurnID:         turn.ID,
		Direction:      models.DirectionOutbound,
		Role:           models.RoleAssistant,
		Origin:         models.OriginSystem,
		Content:        p.cfg.FallbackMessage,
		CreatedAt:      p.now(),
	}
	reply.ID = uuid.NewString()
	return &agent.RunResult{
		State:    models.TurnErrored,
		Messages: []*models.Message{reply},
		Reply:    reply,
		Err:      err,
	}
}

func (p *Processor) deliver(ctx context.Context, logger *slog.Logger, turn *models.Turn, batch *models.Batch, reply *models.Message) {
	if reply == nil || (reply.Content == "" && len(reply.Attachments) == 0) {
		return
	}
	if turn.ConversationID.Channel() == models.ChannelAPI {
		// API clients read replies back through the messages endpoint.
		return
	}
	channelID, err := p.sender.Send(ctx, channels.OutboundMessage{
		ConversationID: turn.ConversationID,
		Content:        reply.Content,
		ReplyTo:        replyTarget(batch),
		Attachments:    reply.Attachments,
	})
	if err != nil {
		logger.Error("failed to deliver reply", "message_id", reply.ID, "error", err)
		return
	}
	if channelID == "" {
		return
	}
	if err := p.tracker.RecordDelivery(ctx, reply.ID, channelID); err != nil {
		logger.Warn("failed to record delivery", "message_id", reply.ID, "error", err)
	}
}

func (p *Processor) countEvent(conversationID models.ConversationID, kind string) {
	if p.metrics == nil {
		return
	}
	p.metrics.EventsReceived.WithLabelValues(string(conversationID.Channel()), kind).Inc()
}

// replyTarget is the channel-native id of the latest human message.
func replyTarget(batch *models.Batch) string {
	for i := len(batch.Events) - 1; i >= 0; i-- {
		e := batch.Events[i]
		if e.Origin != models.OriginSystem && e.ChannelMessageID != "" {
			return e.ChannelMessageID
		}
	}
	return ""
}
