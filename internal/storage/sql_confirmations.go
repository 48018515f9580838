package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/parley/pkg/models"
)

const confirmationColumns = `id, conversation_id, turn_id, tool_call_id, tool_name, arguments, prompt,
	prompt_message_id, deadline, status, resolved_by, created_at, resolved_at`

// CreateConfirmation implements ConfirmationStore.
func (s *SQLStore) CreateConfirmation(ctx context.Context, pc *models.PendingConfirmation) error {
	if pc == nil || pc.ID == "" {
		return errors.New("confirmation ID is required")
	}
	if pc.ConversationID == "" {
		return errors.New("confirmation conversation ID is required")
	}
	if pc.Status == "" {
		pc.Status = models.ConfirmationPending
	}
	if pc.CreatedAt.IsZero() {
		pc.CreatedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin confirmation transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var open int
	err = tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM confirmations WHERE conversation_id = ? AND status = ?`),
		string(pc.ConversationID), string(models.ConfirmationPending)).Scan(&open)
	if err != nil {
		return fmt.Errorf("failed to check open confirmations: %w", err)
	}
	if open > 0 {
		return ErrConfirmationOpen
	}

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO confirmations (id, conversation_id, turn_id, tool_call_id, tool_name, arguments, prompt,
			prompt_message_id, deadline, status, resolved_by, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		pc.ID, string(pc.ConversationID), pc.TurnID, pc.ToolCallID, pc.ToolName, string(pc.Arguments),
		pc.Prompt, pc.PromptMessageID, pc.Deadline.UnixMilli(), string(pc.Status), pc.ResolvedBy,
		pc.CreatedAt.UnixMilli(), millis(pc.ResolvedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConfirmationOpen
		}
		return fmt.Errorf("failed to insert confirmation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrConfirmationOpen
		}
		return fmt.Errorf("failed to commit confirmation: %w", err)
	}
	return nil
}

// GetConfirmation implements ConfirmationStore.
func (s *SQLStore) GetConfirmation(ctx context.Context, id string) (*models.PendingConfirmation, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+confirmationColumns+` FROM confirmations WHERE id = ?`), id)
	pc, err := scanConfirmation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get confirmation: %w", err)
	}
	return pc, nil
}

// OpenConfirmation implements ConfirmationStore.
func (s *SQLStore) OpenConfirmation(ctx context.Context, conversationID models.ConversationID) (*models.PendingConfirmation, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+confirmationColumns+` FROM confirmations
		WHERE conversation_id = ? AND status = ?`), string(conversationID), string(models.ConfirmationPending))
	pc, err := scanConfirmation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open confirmation: %w", err)
	}
	return pc, nil
}

// SetConfirmationPrompt implements ConfirmationStore.
func (s *SQLStore) SetConfirmationPrompt(ctx context.Context, id, promptMessageID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE confirmations SET prompt_message_id = ? WHERE id = ?`), promptMessageID, id)
	if err != nil {
		return fmt.Errorf("failed to set confirmation prompt: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveConfirmation implements ConfirmationStore.
func (s *SQLStore) ResolveConfirmation(ctx context.Context, id string, res ConfirmationResolution) (bool, error) {
	if !res.Status.Resolved() {
		return false, fmt.Errorf("invalid resolution status %q", res.Status)
	}
	if res.At.IsZero() {
		res.At = s.now()
	}
	query := `UPDATE confirmations SET status = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND status = ?`
	args := []any{string(res.Status), res.By, res.At.UnixMilli(), id, string(models.ConfirmationPending)}
	if res.Status != models.ConfirmationTimedOut {
		query += ` AND deadline > ?`
		args = append(args, res.At.UnixMilli())
	}

	result, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to resolve confirmation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected == 1, nil
}

// ExpiredConfirmations implements ConfirmationStore.
func (s *SQLStore) ExpiredConfirmations(ctx context.Context, now time.Time, limit int) ([]*models.PendingConfirmation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+confirmationColumns+` FROM confirmations
		WHERE status = ? AND deadline <= ? ORDER BY deadline LIMIT ?`),
		string(models.ConfirmationPending), now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired confirmations: %w", err)
	}
	defer rows.Close()

	var out []*models.PendingConfirmation
	for rows.Next() {
		pc, err := scanConfirmation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan confirmation: %w", err)
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

func scanConfirmation(row rowScanner) (*models.PendingConfirmation, error) {
	var (
		pc                                models.PendingConfirmation
		conversationID, arguments, status string
		deadline, createdAt, resolvedAt   int64
	)
	err := row.Scan(&pc.ID, &conversationID, &pc.TurnID, &pc.ToolCallID, &pc.ToolName, &arguments, &pc.Prompt,
		&pc.PromptMessageID, &deadline, &status, &pc.ResolvedBy, &createdAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	pc.ConversationID = models.ConversationID(conversationID)
	if arguments != "" {
		pc.Arguments = []byte(arguments)
	}
	pc.Status = models.ConfirmationStatus(status)
	pc.Deadline = fromMillis(deadline)
	pc.CreatedAt = fromMillis(createdAt)
	pc.ResolvedAt = fromMillis(resolvedAt)
	return &pc, nil
}

const reminderColumns = `id, conversation_id, message, due_at, cron, status, created_at`

// CreateReminder implements ReminderStore.
func (s *SQLStore) CreateReminder(ctx context.Context, r *models.Reminder) error {
	if r == nil || r.ID == "" {
		return errors.New("reminder ID is required")
	}
	if r.Status == "" {
		r.Status = models.ReminderScheduled
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO reminders (id, conversation_id, message, due_at, cron, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		r.ID, string(r.ConversationID), r.Message, r.DueAt.UnixMilli(), r.Cron, string(r.Status), r.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert reminder: %w", err)
	}
	return nil
}

// GetReminder implements ReminderStore.
func (s *SQLStore) GetReminder(ctx context.Context, id string) (*models.Reminder, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+reminderColumns+` FROM reminders WHERE id = ?`), id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reminder: %w", err)
	}
	return r, nil
}

// ListReminders implements ReminderStore.
func (s *SQLStore) ListReminders(ctx context.Context, conversationID models.ConversationID) ([]*models.Reminder, error) {
	return s.queryReminders(ctx, `SELECT `+reminderColumns+` FROM reminders
		WHERE conversation_id = ? AND status = ? ORDER BY due_at`,
		string(conversationID), string(models.ReminderScheduled))
}

// DueReminders implements ReminderStore.
func (s *SQLStore) DueReminders(ctx context.Context, now time.Time, limit int) ([]*models.Reminder, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryReminders(ctx, `SELECT `+reminderColumns+` FROM reminders
		WHERE status = ? AND due_at <= ? ORDER BY due_at LIMIT ?`,
		string(models.ReminderScheduled), now.UnixMilli(), limit)
}

func (s *SQLStore) queryReminders(ctx context.Context, query string, args ...any) ([]*models.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reminders: %w", err)
	}
	defer rows.Close()

	var out []*models.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reminder: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AdvanceReminder implements ReminderStore.
func (s *SQLStore) AdvanceReminder(ctx context.Context, id string, next *time.Time) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if next != nil {
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE reminders SET due_at = ? WHERE id = ? AND status = ?`),
			next.UnixMilli(), id, string(models.ReminderScheduled))
	} else {
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE reminders SET status = ? WHERE id = ? AND status = ?`),
			string(models.ReminderDelivered), id, string(models.ReminderScheduled))
	}
	if err != nil {
		return false, fmt.Errorf("failed to advance reminder: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// CancelReminder implements ReminderStore.
func (s *SQLStore) CancelReminder(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE reminders SET status = ? WHERE id = ? AND status = ?`),
		string(models.ReminderCancelled), id, string(models.ReminderScheduled))
	if err != nil {
		return false, fmt.Errorf("failed to cancel reminder: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

func scanReminder(row rowScanner) (*models.Reminder, error) {
	var (
		r                     models.Reminder
		conversationID, state string
		dueAt, createdAt      int64
	)
	if err := row.Scan(&r.ID, &conversationID, &r.Message, &dueAt, &r.Cron, &state, &createdAt); err != nil {
		return nil, err
	}
	r.ConversationID = models.ConversationID(conversationID)
	r.Status = models.ReminderStatus(state)
	r.DueAt = fromMillis(dueAt)
	r.CreatedAt = fromMillis(createdAt)
	return &r, nil
}

// AddNote implements NoteStore.
func (s *SQLStore) AddNote(ctx context.Context, note *models.Note) error {
	if note == nil || note.ID == "" {
		return errors.New("note ID is required")
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO notes (id, conversation_id, text, created_at) VALUES (?, ?, ?, ?)`),
		note.ID, string(note.ConversationID), note.Text, note.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert note: %w", err)
	}
	return nil
}

// ListNotes implements NoteStore.
func (s *SQLStore) ListNotes(ctx context.Context, conversationID models.ConversationID) ([]*models.Note, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, conversation_id, text, created_at FROM notes
		WHERE conversation_id = ? ORDER BY created_at, id`), string(conversationID))
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	defer rows.Close()

	var out []*models.Note
	for rows.Next() {
		var (
			note      models.Note
			conv      string
			createdAt int64
		)
		if err := rows.Scan(&note.ID, &conv, &note.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		note.ConversationID = models.ConversationID(conv)
		note.CreatedAt = fromMillis(createdAt)
		out = append(out, &note)
	}
	return out, rows.Err()
}

// DeleteNotes implements NoteStore.
func (s *SQLStore) DeleteNotes(ctx context.Context, conversationID models.ConversationID) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM notes WHERE conversation_id = ?`), string(conversationID))
	if err != nil {
		return 0, fmt.Errorf("failed to delete notes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}
