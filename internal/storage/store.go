// Package storage persists messages, turns, confirmations, reminders and
// notes for the turn processor.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/parley/pkg/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrConfirmationOpen is returned when a conversation already has a
	// pending confirmation.
	ErrConfirmationOpen = errors.New("confirmation already open for conversation")

	// ErrTurnNotRunning is returned when finalizing a turn that is not running.
	ErrTurnNotRunning = errors.New("turn is not running")
)

// HistoryOptions filters message reads used to build model context.
type HistoryOptions struct {
	// Limit caps the number of most recent messages returned. Zero means no cap.
	Limit int

	// IncludeFailed includes messages of errored turns.
	IncludeFailed bool

	// ExcludeTurnID drops messages of one turn, usually the one in flight.
	ExcludeTurnID string
}

// MessageStore reads and patches persisted messages.
type MessageStore interface {
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	GetMessageByChannelID(ctx context.Context, conversationID models.ConversationID, channelMessageID string) (*models.Message, error)
	SetChannelMessageID(ctx context.Context, messageID, channelMessageID string) error
	History(ctx context.Context, conversationID models.ConversationID, opts HistoryOptions) ([]*models.Message, error)
	ThreadMessages(ctx context.Context, conversationID models.ConversationID, rootID string, opts HistoryOptions) ([]*models.Message, error)
	TurnMessages(ctx context.Context, turnID string) ([]*models.Message, error)
}

// TurnStore writes turns together with their messages.
type TurnStore interface {
	// CreateTurn persists a running turn and its inbound messages in one
	// transaction, assigning each message the next conversation sequence.
	CreateTurn(ctx context.Context, turn *models.Turn, inbound []*models.Message) error

	// FinalizeTurn persists produced messages in order and stamps the
	// turn's terminal state in one transaction.
	FinalizeTurn(ctx context.Context, turn *models.Turn, produced []*models.Message) error

	GetTurn(ctx context.Context, id string) (*models.Turn, error)
	ListRunningTurns(ctx context.Context) ([]*models.Turn, error)
}

// ConfirmationResolution is a compare-and-set from pending.
type ConfirmationResolution struct {
	Status models.ConfirmationStatus
	By     string
	At     time.Time
}

// ConfirmationStore persists the confirmation state machine.
type ConfirmationStore interface {
	CreateConfirmation(ctx context.Context, pc *models.PendingConfirmation) error
	GetConfirmation(ctx context.Context, id string) (*models.PendingConfirmation, error)
	OpenConfirmation(ctx context.Context, conversationID models.ConversationID) (*models.PendingConfirmation, error)
	SetConfirmationPrompt(ctx context.Context, id, promptMessageID string) error

	// ResolveConfirmation moves a pending confirmation to res.Status and
	// reports whether this call won. Approvals and denials lose once
	// res.At reaches the deadline.
	ResolveConfirmation(ctx context.Context, id string, res ConfirmationResolution) (bool, error)

	// ExpiredConfirmations lists pending confirmations whose deadline is at or before now.
	ExpiredConfirmations(ctx context.Context, now time.Time, limit int) ([]*models.PendingConfirmation, error)
}

// ReminderStore persists scheduled wake events.
type ReminderStore interface {
	CreateReminder(ctx context.Context, r *models.Reminder) error
	GetReminder(ctx context.Context, id string) (*models.Reminder, error)
	ListReminders(ctx context.Context, conversationID models.ConversationID) ([]*models.Reminder, error)
	DueReminders(ctx context.Context, now time.Time, limit int) ([]*models.Reminder, error)

	// AdvanceReminder marks a scheduled reminder delivered, or moves its due
	// time to next when next is non-nil. Reports false if it was no longer scheduled.
	AdvanceReminder(ctx context.Context, id string, next *time.Time) (bool, error)
	CancelReminder(ctx context.Context, id string) (bool, error)
}

// NoteStore persists notes written by the notes tools.
type NoteStore interface {
	AddNote(ctx context.Context, note *models.Note) error
	ListNotes(ctx context.Context, conversationID models.ConversationID) ([]*models.Note, error)
	DeleteNotes(ctx context.Context, conversationID models.ConversationID) (int, error)
}

// Store groups every storage dependency.
type Store interface {
	MessageStore
	TurnStore
	ConfirmationStore
	ReminderStore
	NoteStore
	Close() error
}

func validateTurn(turn *models.Turn) error {
	if turn == nil {
		return errors.New("turn is required")
	}
	if turn.ID == "" {
		return errors.New("turn ID is required")
	}
	if turn.ConversationID == "" {
		return errors.New("turn conversation ID is required")
	}
	return nil
}

func validateMessages(turn *models.Turn, msgs []*models.Message) error {
	for i, m := range msgs {
		if m == nil || m.ID == "" {
			return errors.New("message ID is required")
		}
		if m.ConversationID != turn.ConversationID {
			return errors.New("message conversation does not match turn")
		}
		if m.TurnID != turn.ID {
			msgs[i].TurnID = turn.ID
		}
		if m.ThreadRootID == "" {
			msgs[i].ThreadRootID = m.ID
		}
	}
	return nil
}
