// Package confirm implements the confirmation gate: a persisted
// pending → approved/denied/timed_out state machine that suspends gated
// tool calls until the user answers or the deadline passes.
package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/pkg/models"
)

// Resolver names recorded when the gate itself settles a confirmation.
const (
	ResolvedByTimeout = "timeout"
	ResolvedByPrompt  = "prompt_failed"
)

// Prompt is what the channel shows the user.
type Prompt struct {
	ConversationID models.ConversationID
	RequestID      string
	ToolName       string
	Summary        string
	Text           string
	Deadline       time.Time
}

// Notifier delivers prompts through the owning channel. SendPrompt returns
// the channel-native message id used for later edits.
type Notifier interface {
	SendPrompt(ctx context.Context, p Prompt) (string, error)
	EditPrompt(ctx context.Context, conversationID models.ConversationID, messageID, text string) error
}

// OrphanHandler receives resolutions that no live request is waiting for,
// typically after a restart.
type OrphanHandler func(ctx context.Context, pc *models.PendingConfirmation)

// Request describes one gated tool call.
type Request struct {
	ConversationID models.ConversationID
	TurnID         string
	ToolCallID     string
	ToolName       string
	Arguments      json.RawMessage
	// Summary is the human-readable rendering of the arguments.
	Summary string
}

// Decision is the outcome handed back to the orchestrator.
type Decision struct {
	RequestID string
	Status    models.ConfirmationStatus
	By        string

	promptEdited bool
}

// Approved reports whether the tool may run.
func (d Decision) Approved() bool {
	return d.Status == models.ConfirmationApproved
}

// Config controls deadlines and reply words.
type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
	ApproveWords  []string
	DenyWords     []string
}

// DefaultConfig returns the gate defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           5 * time.Minute,
		SweepInterval: 30 * time.Second,
		ApproveWords:  []string{"yes", "y", "approve", "ok"},
		DenyWords:     []string{"no", "n", "deny", "cancel"},
	}
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithOrphanHandler sets the hook for resolutions without a waiter.
func WithOrphanHandler(fn OrphanHandler) Option {
	return func(g *Gate) { g.onOrphan = fn }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// Gate coordinates pending confirmations.
type Gate struct {
	store    storage.ConfirmationStore
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	onOrphan OrphanHandler
	now      func() time.Time

	mu      sync.Mutex
	waiters map[string]chan Decision
}

// New creates a gate. Zero config fields take their defaults.
func New(store storage.ConfirmationStore, notifier Notifier, cfg Config, opts ...Option) *Gate {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if len(cfg.ApproveWords) == 0 {
		cfg.ApproveWords = def.ApproveWords
	}
	if len(cfg.DenyWords) == 0 {
		cfg.DenyWords = def.DenyWords
	}
	g := &Gate{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		waiters:  make(map[string]chan Decision),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "confirm")
	return g
}

// Request persists a pending confirmation, prompts the user and blocks
// until the confirmation is resolved, its deadline passes, or ctx ends.
// A second request while one is open for the conversation fails with
// storage.ErrConfirmationOpen.
func (g *Gate) Request(ctx context.Context, req Request) (Decision, error) {
	now := g.now()
	pc := &models.PendingConfirmation{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		TurnID:         req.TurnID,
		ToolCallID:     req.ToolCallID,
		ToolName:       req.ToolName,
		Arguments:      req.Arguments,
		Deadline:       now.Add(g.cfg.TTL),
		Status:         models.ConfirmationPending,
		CreatedAt:      now,
	}
	summary := req.Summary
	if summary == "" {
		summary = string(req.Arguments)
	}
	pc.Prompt = g.promptText(req.ToolName, summary, pc.Deadline)

	if err := g.store.CreateConfirmation(ctx, pc); err != nil {
		return Decision{}, fmt.Errorf("failed to create confirmation: %w", err)
	}

	ch := make(chan Decision, 1)
	g.mu.Lock()
	g.waiters[pc.ID] = ch
	g.mu.Unlock()
	defer g.dropWaiter(pc.ID)

	logger := g.logger.With("conversation_id", pc.ConversationID, "confirmation_id", pc.ID, "tool", pc.ToolName)

	msgID, err := g.notifier.SendPrompt(ctx, Prompt{
		ConversationID: pc.ConversationID,
		RequestID:      pc.ID,
		ToolName:       pc.ToolName,
		Summary:        summary,
		Text:           pc.Prompt,
		Deadline:       pc.Deadline,
	})
	if err != nil {
		// Nobody can answer a prompt that was never shown.
		logger.Warn("confirmation prompt failed, denying", "error", err)
		g.resolve(ctx, pc, models.ConfirmationDenied, ResolvedByPrompt)
		return g.await(ctx, ch, pc)
	}
	pc.PromptMessageID = msgID
	if msgID != "" {
		if err := g.store.SetConfirmationPrompt(ctx, pc.ID, msgID); err != nil {
			logger.Warn("failed to record prompt message id", "error", err)
		}
	}

	wait := pc.Deadline.Sub(g.now())
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case d := <-ch:
		return g.catchUp(ctx, pc, d), nil
	case <-timer.C:
		g.resolve(ctx, pc, models.ConfirmationTimedOut, ResolvedByTimeout)
		return g.await(ctx, ch, pc)
	case <-ctx.Done():
		// The turn is gone; free the conversation and retire the prompt.
		g.resolve(context.WithoutCancel(ctx), pc, models.ConfirmationTimedOut, ResolvedByTimeout)
		return Decision{RequestID: pc.ID, Status: models.ConfirmationTimedOut, By: ResolvedByTimeout}, ctx.Err()
	}
}

// catchUp edits the prompt for a decision whose resolver ran before the
// prompt's message id was stored and so could not edit it.
func (g *Gate) catchUp(ctx context.Context, pc *models.PendingConfirmation, d Decision) Decision {
	if d.promptEdited || pc.PromptMessageID == "" {
		return d
	}
	settled := *pc
	settled.Status = d.Status
	settled.ResolvedBy = d.By
	if err := g.notifier.EditPrompt(ctx, settled.ConversationID, settled.PromptMessageID, ResolutionText(&settled)); err != nil {
		g.logger.Warn("failed to edit confirmation prompt", "confirmation_id", pc.ID, "error", err)
	}
	d.promptEdited = true
	return d
}

// await collects the decision delivered by whichever resolution won.
func (g *Gate) await(ctx context.Context, ch <-chan Decision, pc *models.PendingConfirmation) (Decision, error) {
	select {
	case d := <-ch:
		return d, nil
	default:
	}
	// The winning write may have come from elsewhere; read it back.
	stored, err := g.store.GetConfirmation(ctx, pc.ID)
	if err == nil && stored.Status.Resolved() {
		return Decision{RequestID: pc.ID, Status: stored.Status, By: stored.ResolvedBy}, nil
	}
	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Resolve answers a confirmation. An empty requestID targets the
// conversation's open confirmation. It reports whether this call settled
// it; duplicates and answers after the deadline return false.
func (g *Gate) Resolve(ctx context.Context, conversationID models.ConversationID, requestID string, approved bool, by string) (bool, error) {
	var (
		pc  *models.PendingConfirmation
		err error
	)
	if requestID == "" {
		pc, err = g.store.OpenConfirmation(ctx, conversationID)
	} else {
		pc, err = g.store.GetConfirmation(ctx, requestID)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load confirmation: %w", err)
	}
	if conversationID != "" && pc.ConversationID != conversationID {
		return false, nil
	}
	if pc.Status != models.ConfirmationPending {
		return false, nil
	}

	status := models.ConfirmationDenied
	if approved {
		status = models.ConfirmationApproved
	}
	won, err := g.resolveAt(ctx, pc, status, by, g.now())
	if err != nil {
		return false, err
	}
	if !won && pc.Expired(g.now()) {
		// Late answer: make sure the timeout is recorded promptly.
		g.resolve(ctx, pc, models.ConfirmationTimedOut, ResolvedByTimeout)
	}
	return won, nil
}

// HasOpen reports whether the conversation has a pending confirmation.
func (g *Gate) HasOpen(ctx context.Context, conversationID models.ConversationID) (bool, error) {
	_, err := g.store.OpenConfirmation(ctx, conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load open confirmation: %w", err)
	}
	return true, nil
}

// Sweep times out every expired pending confirmation from persisted state.
func (g *Gate) Sweep(ctx context.Context) (int, error) {
	expired, err := g.store.ExpiredConfirmations(ctx, g.now(), 100)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired confirmations: %w", err)
	}
	n := 0
	for _, pc := range expired {
		if g.resolve(ctx, pc, models.ConfirmationTimedOut, ResolvedByTimeout) {
			n++
		}
	}
	if n > 0 {
		g.logger.Info("timed out expired confirmations", "count", n)
	}
	return n, nil
}

// RunSweeper sweeps once immediately and then every SweepInterval until
// ctx is cancelled.
func (g *Gate) RunSweeper(ctx context.Context) {
	if _, err := g.Sweep(ctx); err != nil {
		g.logger.Error("confirmation sweep failed", "error", err)
	}
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.Sweep(ctx); err != nil {
				g.logger.Error("confirmation sweep failed", "error", err)
			}
		}
	}
}

// MatchReply classifies free text as an approve or deny word. ok is false
// when the text is neither.
func (g *Gate) MatchReply(text string) (approved bool, ok bool) {
	word := strings.ToLower(strings.TrimFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	}))
	if word == "" {
		return false, false
	}
	for _, w := range g.cfg.ApproveWords {
		if strings.EqualFold(w, word) {
			return true, true
		}
	}
	for _, w := range g.cfg.DenyWords {
		if strings.EqualFold(w, word) {
			return false, true
		}
	}
	return false, false
}

// resolve is resolveAt for the gate's own transitions; failures are logged.
func (g *Gate) resolve(ctx context.Context, pc *models.PendingConfirmation, status models.ConfirmationStatus, by string) bool {
	won, err := g.resolveAt(ctx, pc, status, by, g.now())
	if err != nil {
		g.logger.Error("failed to resolve confirmation",
			"confirmation_id", pc.ID,
			"status", status,
			"error", err)
		return false
	}
	return won
}

// resolveAt performs the compare-and-set and, when it wins, edits the
// prompt and hands the decision to the waiter or the orphan hook.
func (g *Gate) resolveAt(ctx context.Context, pc *models.PendingConfirmation, status models.ConfirmationStatus, by string, at time.Time) (bool, error) {
	won, err := g.store.ResolveConfirmation(ctx, pc.ID, storage.ConfirmationResolution{Status: status, By: by, At: at})
	if err != nil {
		return false, fmt.Errorf("failed to resolve confirmation: %w", err)
	}
	if !won {
		return false, nil
	}

	settled := *pc
	settled.Status = status
	settled.ResolvedBy = by
	settled.ResolvedAt = at
	if settled.PromptMessageID == "" {
		if stored, err := g.store.GetConfirmation(ctx, pc.ID); err == nil {
			settled.PromptMessageID = stored.PromptMessageID
		}
	}

	if g.metrics != nil {
		outcome := string(status)
		if by == ResolvedByPrompt {
			outcome = ResolvedByPrompt
		}
		g.metrics.Confirmations.WithLabelValues(outcome).Inc()
	}
	g.logger.Info("confirmation resolved",
		"conversation_id", pc.ConversationID,
		"confirmation_id", pc.ID,
		"tool", pc.ToolName,
		"status", status,
		"by", by)

	if settled.PromptMessageID != "" {
		text := ResolutionText(&settled)
		if err := g.notifier.EditPrompt(ctx, settled.ConversationID, settled.PromptMessageID, text); err != nil {
			g.logger.Warn("failed to edit confirmation prompt", "confirmation_id", pc.ID, "error", err)
		}
	}

	g.mu.Lock()
	ch, ok := g.waiters[pc.ID]
	delete(g.waiters, pc.ID)
	g.mu.Unlock()

	if ok {
		ch <- Decision{RequestID: pc.ID, Status: status, By: by, promptEdited: settled.PromptMessageID != ""}
	} else if g.onOrphan != nil {
		g.onOrphan(ctx, &settled)
	}
	return true, nil
}

func (g *Gate) dropWaiter(id string) {
	g.mu.Lock()
	delete(g.waiters, id)
	g.mu.Unlock()
}

func (g *Gate) promptText(tool, summary string, deadline time.Time) string {
	return fmt.Sprintf("Approval needed to run %s:\n%s\n\nReply %q to approve or %q to deny. Expires at %s.",
		tool, summary, g.cfg.ApproveWords[0], g.cfg.DenyWords[0], deadline.UTC().Format("15:04 MST"))
}

// ResolutionText is the text a prompt is edited to once settled.
func ResolutionText(pc *models.PendingConfirmation) string {
	switch pc.Status {
	case models.ConfirmationApproved:
		if pc.ResolvedBy != "" {
			return fmt.Sprintf("Approved by %s: %s", pc.ResolvedBy, pc.ToolName)
		}
		return "Approved: " + pc.ToolName
	case models.ConfirmationTimedOut:
		return "Expired without an answer: " + pc.ToolName
	default:
		if pc.ResolvedBy == ResolvedByPrompt {
			return "Could not ask for approval: " + pc.ToolName
		}
		if pc.ResolvedBy != "" {
			return fmt.Sprintf("Denied by %s: %s", pc.ResolvedBy, pc.ToolName)
		}
		return "Denied: " + pc.ToolName
	}
}
