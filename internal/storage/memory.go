package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/parley/pkg/models"
)

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu            sync.RWMutex
	turns         map[string]*models.Turn
	messages      map[string]*models.Message
	conversations map[models.ConversationID][]string // message ids in seq order
	confirmations map[string]*models.PendingConfirmation
	reminders     map[string]*models.Reminder
	notes         map[models.ConversationID][]*models.Note
	now           func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		turns:         make(map[string]*models.Turn),
		messages:      make(map[string]*models.Message),
		conversations: make(map[models.ConversationID][]string),
		confirmations: make(map[string]*models.PendingConfirmation),
		reminders:     make(map[string]*models.Reminder),
		notes:         make(map[models.ConversationID][]*models.Note),
		now:           time.Now,
	}
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// CreateTurn implements TurnStore.
func (s *MemoryStore) CreateTurn(ctx context.Context, turn *models.Turn, inbound []*models.Message) error {
	if err := validateTurn(turn); err != nil {
		return err
	}
	if err := validateMessages(turn, inbound); err != nil {
		return err
	}
	if turn.State == "" {
		turn.State = models.TurnRunning
	}
	if turn.StartedAt.IsZero() {
		turn.StartedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.turns[turn.ID]; exists {
		return fmt.Errorf("turn %s already exists", turn.ID)
	}
	if err := s.checkNewMessagesLocked(inbound); err != nil {
		return err
	}
	t := *turn
	s.turns[turn.ID] = &t
	s.appendMessagesLocked(turn.ConversationID, inbound)
	return nil
}

// FinalizeTurn implements TurnStore.
func (s *MemoryStore) FinalizeTurn(ctx context.Context, turn *models.Turn, produced []*models.Message) error {
	if err := validateTurn(turn); err != nil {
		return err
	}
	if !turn.State.Terminal() {
		return fmt.Errorf("cannot finalize turn with state %q", turn.State)
	}
	if err := validateMessages(turn, produced); err != nil {
		return err
	}
	if turn.FinishedAt.IsZero() {
		turn.FinishedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.turns[turn.ID]
	if !ok || existing.State != models.TurnRunning {
		return fmt.Errorf("finalize turn %s: %w", turn.ID, ErrTurnNotRunning)
	}
	if err := s.checkNewMessagesLocked(produced); err != nil {
		return err
	}
	existing.State = turn.State
	existing.Error = turn.Error
	existing.Iterations = turn.Iterations
	existing.FinishedAt = turn.FinishedAt
	s.appendMessagesLocked(turn.ConversationID, produced)
	return nil
}

func (s *MemoryStore) checkNewMessagesLocked(msgs []*models.Message) error {
	for _, m := range msgs {
		if _, exists := s.messages[m.ID]; exists {
			return fmt.Errorf("message %s already exists", m.ID)
		}
	}
	return nil
}

func (s *MemoryStore) appendMessagesLocked(conversationID models.ConversationID, msgs []*models.Message) {
	ids := s.conversations[conversationID]
	for _, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = s.now()
		}
		m.Seq = int64(len(ids) + 1)
		s.messages[m.ID] = cloneMessage(m)
		ids = append(ids, m.ID)
	}
	s.conversations[conversationID] = ids
}

// GetTurn implements TurnStore.
func (s *MemoryStore) GetTurn(ctx context.Context, id string) (*models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turn, ok := s.turns[id]
	if !ok {
		return nil, ErrNotFound
	}
	t := *turn
	return &t, nil
}

// ListRunningTurns implements TurnStore.
func (s *MemoryStore) ListRunningTurns(ctx context.Context) ([]*models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Turn
	for _, turn := range s.turns {
		if turn.State == models.TurnRunning {
			t := *turn
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// GetMessage implements MessageStore.
func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

// GetMessageByChannelID implements MessageStore.
func (s *MemoryStore) GetMessageByChannelID(ctx context.Context, conversationID models.ConversationID, channelMessageID string) (*models.Message, error) {
	if channelMessageID == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.conversations[conversationID]
	for i := len(ids) - 1; i >= 0; i-- {
		if m := s.messages[ids[i]]; m.ChannelMessageID == channelMessageID {
			return cloneMessage(m), nil
		}
	}
	return nil, ErrNotFound
}

// SetChannelMessageID implements MessageStore.
func (s *MemoryStore) SetChannelMessageID(ctx context.Context, messageID, channelMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	m.ChannelMessageID = channelMessageID
	return nil
}

// History implements MessageStore.
func (s *MemoryStore) History(ctx context.Context, conversationID models.ConversationID, opts HistoryOptions) ([]*models.Message, error) {
	return s.listMessages(conversationID, "", opts), nil
}

// ThreadMessages implements MessageStore.
func (s *MemoryStore) ThreadMessages(ctx context.Context, conversationID models.ConversationID, rootID string, opts HistoryOptions) ([]*models.Message, error) {
	if rootID == "" {
		return nil, nil
	}
	return s.listMessages(conversationID, rootID, opts), nil
}

func (s *MemoryStore) listMessages(conversationID models.ConversationID, rootID string, opts HistoryOptions) []*models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.conversations[conversationID]
	var out []*models.Message
	for i := len(ids) - 1; i >= 0; i-- {
		m := s.messages[ids[i]]
		if rootID != "" && m.ThreadRootID != rootID {
			continue
		}
		if opts.ExcludeTurnID != "" && m.TurnID == opts.ExcludeTurnID {
			continue
		}
		if !opts.IncludeFailed {
			if turn := s.turns[m.TurnID]; turn != nil && turn.State == models.TurnErrored {
				continue
			}
		}
		out = append(out, cloneMessage(m))
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	reverse(out)
	return out
}

// TurnMessages implements MessageStore.
func (s *MemoryStore) TurnMessages(ctx context.Context, turnID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turn, ok := s.turns[turnID]
	if !ok {
		return nil, nil
	}
	var out []*models.Message
	for _, id := range s.conversations[turn.ConversationID] {
		if m := s.messages[id]; m.TurnID == turnID {
			out = append(out, cloneMessage(m))
		}
	}
	return out, nil
}

// CreateConfirmation implements ConfirmationStore.
func (s *MemoryStore) CreateConfirmation(ctx context.Context, pc *models.PendingConfirmation) error {
	if pc == nil || pc.ID == "" {
		return fmt.Errorf("confirmation ID is required")
	}
	if pc.Status == "" {
		pc.Status = models.ConfirmationPending
	}
	if pc.CreatedAt.IsZero() {
		pc.CreatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.confirmations {
		if existing.ConversationID == pc.ConversationID && existing.Status == models.ConfirmationPending {
			return ErrConfirmationOpen
		}
	}
	c := *pc
	s.confirmations[pc.ID] = &c
	return nil
}

// GetConfirmation implements ConfirmationStore.
func (s *MemoryStore) GetConfirmation(ctx context.Context, id string) (*models.PendingConfirmation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pc, ok := s.confirmations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *pc
	return &c, nil
}

// OpenConfirmation implements ConfirmationStore.
func (s *MemoryStore) OpenConfirmation(ctx context.Context, conversationID models.ConversationID) (*models.PendingConfirmation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, pc := range s.confirmations {
		if pc.ConversationID == conversationID && pc.Status == models.ConfirmationPending {
			c := *pc
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// SetConfirmationPrompt implements ConfirmationStore.
func (s *MemoryStore) SetConfirmationPrompt(ctx context.Context, id, promptMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.confirmations[id]
	if !ok {
		return ErrNotFound
	}
	pc.PromptMessageID = promptMessageID
	return nil
}

// ResolveConfirmation implements ConfirmationStore.
func (s *MemoryStore) ResolveConfirmation(ctx context.Context, id string, res ConfirmationResolution) (bool, error) {
	if !res.Status.Resolved() {
		return false, fmt.Errorf("invalid resolution status %q", res.Status)
	}
	if res.At.IsZero() {
		res.At = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.confirmations[id]
	if !ok || pc.Status != models.ConfirmationPending {
		return false, nil
	}
	if res.Status != models.ConfirmationTimedOut && pc.Expired(res.At) {
		return false, nil
	}
	pc.Status = res.Status
	pc.ResolvedBy = res.By
	pc.ResolvedAt = res.At
	return true, nil
}

// ExpiredConfirmations implements ConfirmationStore.
func (s *MemoryStore) ExpiredConfirmations(ctx context.Context, now time.Time, limit int) ([]*models.PendingConfirmation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.PendingConfirmation
	for _, pc := range s.confirmations {
		if pc.Status == models.ConfirmationPending && pc.Expired(now) {
			c := *pc
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateReminder implements ReminderStore.
func (s *MemoryStore) CreateReminder(ctx context.Context, r *models.Reminder) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("reminder ID is required")
	}
	if r.Status == "" {
		r.Status = models.ReminderScheduled
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *r
	s.reminders[r.ID] = &c
	return nil
}

// GetReminder implements ReminderStore.
func (s *MemoryStore) GetReminder(ctx context.Context, id string) (*models.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reminders[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

// ListReminders implements ReminderStore.
func (s *MemoryStore) ListReminders(ctx context.Context, conversationID models.ConversationID) ([]*models.Reminder, error) {
	return s.filterReminders(func(r *models.Reminder) bool {
		return r.ConversationID == conversationID && r.Status == models.ReminderScheduled
	}, 0), nil
}

// DueReminders implements ReminderStore.
func (s *MemoryStore) DueReminders(ctx context.Context, now time.Time, limit int) ([]*models.Reminder, error) {
	return s.filterReminders(func(r *models.Reminder) bool {
		return r.Status == models.ReminderScheduled && !r.DueAt.After(now)
	}, limit), nil
}

func (s *MemoryStore) filterReminders(keep func(*models.Reminder) bool, limit int) []*models.Reminder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Reminder
	for _, r := range s.reminders {
		if keep(r) {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// AdvanceReminder implements ReminderStore.
func (s *MemoryStore) AdvanceReminder(ctx context.Context, id string, next *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok || r.Status != models.ReminderScheduled {
		return false, nil
	}
	if next != nil {
		r.DueAt = *next
	} else {
		r.Status = models.ReminderDelivered
	}
	return true, nil
}

// CancelReminder implements ReminderStore.
func (s *MemoryStore) CancelReminder(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok || r.Status != models.ReminderScheduled {
		return false, nil
	}
	r.Status = models.ReminderCancelled
	return true, nil
}

// AddNote implements NoteStore.
func (s *MemoryStore) AddNote(ctx context.Context, note *models.Note) error {
	if note == nil || note.ID == "" {
		return fmt.Errorf("note ID is required")
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *note
	s.notes[note.ConversationID] = append(s.notes[note.ConversationID], &c)
	return nil
}

// ListNotes implements NoteStore.
func (s *MemoryStore) ListNotes(ctx context.Context, conversationID models.ConversationID) ([]*models.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Note, 0, len(s.notes[conversationID]))
	for _, n := range s.notes[conversationID] {
		c := *n
		out = append(out, &c)
	}
	return out, nil
}

// DeleteNotes implements NoteStore.
func (s *MemoryStore) DeleteNotes(ctx context.Context, conversationID models.ConversationID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.notes[conversationID])
	delete(s.notes, conversationID)
	return n, nil
}

func cloneMessage(m *models.Message) *models.Message {
	c := *m
	c.Attachments = append([]models.Attachment(nil), m.Attachments...)
	c.ToolCalls = append([]models.ToolCall(nil), m.ToolCalls...)
	c.ToolResults = append([]models.ToolResult(nil), m.ToolResults...)
	return &c
}
