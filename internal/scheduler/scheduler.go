// Package scheduler turns due reminders and configured automations into
// wake events for their conversations.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/parley/internal/batcher"
	"github.com/haasonsaas/parley/internal/config"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/pkg/models"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 50
)

// WakeDeliverer re-enters a conversation. *gateway.Processor implements it.
type WakeDeliverer interface {
	DeliverWakeEvent(ctx context.Context, conversationID models.ConversationID, content string) error
}

// Automation is a parsed config automation with its next fire time.
type Automation struct {
	Name           string
	ConversationID models.ConversationID
	Message        string
	Schedule       cron.Schedule
	Next           time.Time
	LastRun        time.Time
	LastError      string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPollInterval sets how often due work is checked.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithBatchSize caps how many reminders are claimed per poll.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// Scheduler polls the reminder store and the automation list.
type Scheduler struct {
	reminders    storage.ReminderStore
	wake         WakeDeliverer
	logger       *slog.Logger
	now          func() time.Time
	pollInterval time.Duration
	batchSize    int

	mu          sync.Mutex
	automations []*Automation
	started     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New parses the automations and builds a scheduler. reminders may be nil
// when only automations are wanted.
func New(reminders storage.ReminderStore, wake WakeDeliverer, automations []config.AutomationConfig, opts ...Option) (*Scheduler, error) {
	if wake == nil {
		return nil, errors.New("wake deliverer is required")
	}
	s := &Scheduler{
		reminders:    reminders,
		wake:         wake,
		logger:       slog.Default(),
		now:          time.Now,
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")

	now := s.now()
	for i, ac := range automations {
		a, err := parseAutomation(ac, now)
		if err != nil {
			return nil, fmt.Errorf("automation %d (%s): %w", i, ac.Name, err)
		}
		s.automations = append(s.automations, a)
	}
	return s, nil
}

func parseAutomation(ac config.AutomationConfig, now time.Time) (*Automation, error) {
	conv, err := models.ParseConversationID(ac.Conversation)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(ac.Message) == "" {
		return nil, errors.New("message is required")
	}
	sched, err := config.CronParser.Parse(ac.Cron)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}
	name := ac.Name
	if name == "" {
		name = ac.Cron
	}
	return &Automation{
		Name:           name,
		ConversationID: conv,
		Message:        ac.Message,
		Schedule:       sched,
		Next:           sched.Next(now),
	}, nil
}

// Start begins polling until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		s.RunOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()

	s.logger.Info("scheduler started",
		"poll_interval", s.pollInterval,
		"automations", len(s.automations))
	return nil
}

// Stop halts polling and waits for an in-flight poll to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce delivers everything due now and reports how many wake events
// were delivered.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	now := s.now()
	return s.runReminders(ctx, now) + s.runAutomations(ctx, now)
}

// Automations returns a snapshot of the configured automations.
func (s *Scheduler) Automations() []Automation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Automation, 0, len(s.automations))
	for _, a := range s.automations {
		out = append(out, *a)
	}
	return out
}

func (s *Scheduler) runReminders(ctx context.Context, now time.Time) int {
	if s.reminders == nil {
		return 0
	}
	due, err := s.reminders.DueReminders(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("failed to list due reminders", "error", err)
		return 0
	}

	delivered := 0
	for _, r := range due {
		if ctx.Err() != nil {
			break
		}
		if s.deliverReminder(ctx, r, now) {
			delivered++
		}
	}
	return delivered
}

// deliverReminder claims the reminder before delivering, so a reminder is
// delivered at most once even with several pollers.
func (s *Scheduler) deliverReminder(ctx context.Context, r *models.Reminder, now time.Time) bool {
	logger := s.logger.With("reminder_id", r.ID, "conversation_id", r.ConversationID)

	var next *time.Time
	if r.Cron != "" {
		sched, err := config.CronParser.Parse(r.Cron)
		if err != nil {
			logger.Warn("cancelling reminder with invalid cron", "cron", r.Cron, "error", err)
			if _, err := s.reminders.CancelReminder(ctx, r.ID); err != nil {
				logger.Error("failed to cancel reminder", "error", err)
			}
			return false
		}
		t := sched.Next(now)
		next = &t
	}

	claimed, err := s.reminders.AdvanceReminder(ctx, r.ID, next)
	if err != nil {
		logger.Error("failed to advance reminder", "error", err)
		return false
	}
	if !claimed {
		return false
	}

	if err := s.wake.DeliverWakeEvent(ctx, r.ConversationID, ReminderText(r.Message)); err != nil {
		logger.Error("failed to deliver reminder", "error", err)
		if errors.Is(err, batcher.ErrInvalidEvent) && next != nil {
			if _, err := s.reminders.CancelReminder(ctx, r.ID); err != nil {
				logger.Error("failed to cancel reminder", "error", err)
			}
		}
		return false
	}
	logger.Info("reminder delivered", "recurring", next != nil)
	return true
}

func (s *Scheduler) runAutomations(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var due []*Automation
	for _, a := range s.automations {
		if !a.Next.IsZero() && !now.Before(a.Next) {
			a.LastRun = now
			a.Next = a.Schedule.Next(now)
			due = append(due, a)
		}
	}
	s.mu.Unlock()

	delivered := 0
	for _, a := range due {
		err := s.wake.DeliverWakeEvent(ctx, a.ConversationID, AutomationText(a.Name, a.Message))

		s.mu.Lock()
		if err != nil {
			a.LastError = err.Error()
		} else {
			a.LastError = ""
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("failed to deliver automation", "automation", a.Name, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// ReminderText is the wake event content for a reminder.
func ReminderText(message string) string {
	return "Reminder: " + message
}

// AutomationText is the wake event content for an automation.
func AutomationText(name, message string) string {
	return fmt.Sprintf("Scheduled task %q: %s", name, message)
}
