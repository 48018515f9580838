// Package threads assigns turn identity and thread lineage to inbound
// messages and persists turns transactionally.
package threads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/retry"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/pkg/models"
)

// InterruptedError is the error marker stamped on turns found running at startup.
const InterruptedError = "interrupted"

// Store is the persistence surface the tracker needs.
type Store interface {
	storage.MessageStore
	storage.TurnStore
}

// Config tunes history assembly and finalize retries.
type Config struct {
	// HistoryLimit bounds the recent-message window; 0 means unbounded.
	HistoryLimit int
	// FinalizeRetries is how many extra attempts FinalizeTurn makes.
	FinalizeRetries int
	// RetryDelay is the initial backoff between finalize attempts.
	RetryDelay time.Duration
}

// Tracker computes turn identity and thread roots.
type Tracker struct {
	store   Store
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string
}

// NewTracker creates a tracker on top of store. logger and metrics may be nil.
func NewTracker(store Store, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	if cfg.FinalizeRetries < 0 {
		cfg.FinalizeRetries = 0
	}
	return &Tracker{
		store:   store,
		cfg:     cfg,
		logger:  logger.With("component", "threads"),
		metrics: metrics,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// BeginTurn allocates a turn for the batch, resolves each event's thread
// root and persists the turn with its inbound messages in one transaction.
// On error nothing was persisted and the batch should be retried.
func (t *Tracker) BeginTurn(ctx context.Context, batch *models.Batch) (*models.Turn, []*models.Message, error) {
	if batch == nil || len(batch.Events) == 0 {
		return nil, nil, errors.New("batch has no events")
	}
	now := t.now()
	turn := &models.Turn{
		ID:             t.newID(),
		ConversationID: batch.ConversationID,
		State:          models.TurnRunning,
		StartedAt:      now,
	}

	msgs := make([]*models.Message, 0, len(batch.Events))
	local := make(map[string]*models.Message, len(batch.Events))
	for _, ev := range batch.Events {
		msg := &models.Message{
			ID:               t.newID(),
			ConversationID:   batch.ConversationID,
			TurnID:           turn.ID,
			Direction:        models.DirectionInbound,
			Role:             models.RoleUser,
			Origin:           ev.Origin,
			Content:          ev.Content,
			Attachments:      ev.Attachments,
			ChannelMessageID: ev.ChannelMessageID,
			Sender:           ev.Sender,
			CreatedAt:        ev.ReceivedAt,
		}
		if msg.Origin == "" {
			msg.Origin = models.OriginUser
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		msg.ThreadRootID = msg.ID

		if ev.ReplyTo != "" {
			parent, err := t.lookup(ctx, batch.ConversationID, ev.ReplyTo, local)
			if err != nil {
				return nil, nil, err
			}
			if parent != nil {
				msg.ReplyToID = parent.ID
				msg.ThreadRootID = rootOf(parent)
			}
		}
		if ev.ForwardOf != "" {
			parent, err := t.lookup(ctx, batch.ConversationID, ev.ForwardOf, local)
			if err != nil {
				return nil, nil, err
			}
			if parent != nil {
				msg.ForwardOfID = parent.ID
				if msg.ReplyToID == "" {
					msg.ThreadRootID = rootOf(parent)
				}
			}
		}

		local[msg.ID] = msg
		if msg.ChannelMessageID != "" {
			local[msg.ChannelMessageID] = msg
		}
		msgs = append(msgs, msg)
	}

	if err := t.store.CreateTurn(ctx, turn, msgs); err != nil {
		t.persistenceError("begin")
		return nil, nil, fmt.Errorf("failed to begin turn: %w", err)
	}
	t.logger.Debug("turn started",
		"conversation_id", turn.ConversationID, "turn_id", turn.ID, "messages", len(msgs))
	return turn, msgs, nil
}

// lookup resolves a reference by internal id, then by channel-native id,
// then against earlier events of the same batch. Unknown references
// return nil so the message becomes its own thread root.
func (t *Tracker) lookup(ctx context.Context, conv models.ConversationID, ref string, local map[string]*models.Message) (*models.Message, error) {
	msg, err := t.store.GetMessage(ctx, ref)
	switch {
	case err == nil && msg.ConversationID == conv:
		return msg, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("failed to resolve parent %s: %w", ref, err)
	}

	msg, err = t.store.GetMessageByChannelID(ctx, conv, ref)
	switch {
	case err == nil:
		return msg, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("failed to resolve parent %s: %w", ref, err)
	}

	if msg, ok := local[ref]; ok {
		return msg, nil
	}
	t.logger.Debug("unknown parent, starting new thread", "conversation_id", conv, "ref", ref)
	return nil, nil
}

func rootOf(m *models.Message) string {
	if m.ThreadRootID != "" {
		return m.ThreadRootID
	}
	return m.ID
}

// FinalizeTurn persists produced messages in order and stamps the terminal
// state in one transaction, retrying transient failures. For errored turns
// the last outbound message carries the error marker.
func (t *Tracker) FinalizeTurn(ctx context.Context, turn *models.Turn, produced []*models.Message, state models.TurnState, cause error) error {
	if !state.Terminal() {
		return fmt.Errorf("cannot finalize turn with state %q", state)
	}
	now := t.now()
	turn.State = state
	turn.FinishedAt = now
	if cause != nil {
		turn.Error = cause.Error()
	} else if state == models.TurnErrored && turn.Error == "" {
		turn.Error = "unknown error"
	}

	for _, m := range produced {
		if m.ID == "" {
			m.ID = t.newID()
		}
		m.ConversationID = turn.ConversationID
		m.TurnID = turn.ID
		if m.Direction == "" {
			m.Direction = models.DirectionOutbound
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
	}
	if state == models.TurnErrored {
		markError(produced, turn.Error)
	}

	res := retry.Do(ctx, retry.Config{
		MaxAttempts: t.cfg.FinalizeRetries + 1,
		Backoff:     retry.Backoff{Initial: t.cfg.RetryDelay, Max: 5 * time.Second, Jitter: true},
		OnRetry: func(attempt int, err error, wait time.Duration) {
			t.logger.Warn("finalize attempt failed, retrying",
				"turn_id", turn.ID, "attempt", attempt, "wait", wait, "error", err)
		},
	}, func() error {
		err := t.store.FinalizeTurn(ctx, turn, produced)
		if errors.Is(err, storage.ErrTurnNotRunning) {
			return retry.Permanent(err)
		}
		return err
	})
	if res.Err != nil {
		t.persistenceError("finalize")
		t.logger.Error("failed to finalize turn",
			"conversation_id", turn.ConversationID, "turn_id", turn.ID,
			"attempts", res.Attempts, "error", res.Err)
		return fmt.Errorf("failed to finalize turn %s: %w", turn.ID, res.Err)
	}

	if t.metrics != nil {
		t.metrics.TurnsTotal.WithLabelValues(string(state)).Inc()
		t.metrics.TurnIterations.Observe(float64(turn.Iterations))
		t.metrics.TurnDuration.Observe(turn.FinishedAt.Sub(turn.StartedAt).Seconds())
	}
	return nil
}

func markError(msgs []*models.Message, marker string) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant {
			if msgs[i].Error == "" {
				msgs[i].Error = marker
			}
			return
		}
	}
}

// RecordDelivery patches the channel-native id of a delivered message. It
// is best effort: the message is already persisted and delivered.
func (t *Tracker) RecordDelivery(ctx context.Context, messageID, channelMessageID string) error {
	if channelMessageID == "" {
		return nil
	}
	if err := t.store.SetChannelMessageID(ctx, messageID, channelMessageID); err != nil {
		t.persistenceError("delivery")
		t.logger.Warn("failed to record delivery",
			"message_id", messageID, "channel_message_id", channelMessageID, "error", err)
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

// History builds the model context for a turn: the recent conversation
// window plus the thread chain of every inbound message that continues an
// earlier thread. Errored turns and the current turn are excluded.
func (t *Tracker) History(ctx context.Context, turn *models.Turn, inbound []*models.Message) ([]*models.Message, error) {
	opts := storage.HistoryOptions{Limit: t.cfg.HistoryLimit, ExcludeTurnID: turn.ID}
	recent, err := t.store.History(ctx, turn.ConversationID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	seen := make(map[string]bool, len(recent))
	merged := make([]*models.Message, 0, len(recent))
	add := func(m *models.Message) {
		if !seen[m.ID] {
			seen[m.ID] = true
			merged = append(merged, m)
		}
	}
	for _, m := range recent {
		add(m)
	}

	roots := make(map[string]bool)
	for _, m := range inbound {
		if m.ThreadRootID == "" || m.ThreadRootID == m.ID || roots[m.ThreadRootID] {
			continue
		}
		roots[m.ThreadRootID] = true
		chain, err := t.store.ThreadMessages(ctx, turn.ConversationID, m.ThreadRootID, storage.HistoryOptions{ExcludeTurnID: turn.ID})
		if err != nil {
			return nil, fmt.Errorf("failed to load thread %s: %w", m.ThreadRootID, err)
		}
		for _, c := range chain {
			add(c)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Seq < merged[j].Seq })
	return merged, nil
}

// AbortStale marks turns left running by a previous process as errored.
// It returns how many turns were aborted.
func (t *Tracker) AbortStale(ctx context.Context) (int, error) {
	running, err := t.store.ListRunningTurns(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list running turns: %w", err)
	}
	aborted := 0
	for _, turn := range running {
		if err := t.FinalizeTurn(ctx, turn, nil, models.TurnErrored, errors.New(InterruptedError)); err != nil {
			if errors.Is(err, storage.ErrTurnNotRunning) {
				continue
			}
			return aborted, err
		}
		aborted++
		t.logger.Warn("aborted interrupted turn", "conversation_id", turn.ConversationID, "turn_id", turn.ID)
	}
	return aborted, nil
}

func (t *Tracker) persistenceError(op string) {
	if t.metrics != nil {
		t.metrics.PersistenceErrors.WithLabelValues(op).Inc()
	}
}
