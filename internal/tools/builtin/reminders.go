package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/internal/tools"
	"github.com/haasonsaas/parley/pkg/models"
)

type setReminderArgs struct {
	Message string `json:"message" jsonschema:"description=The reminder message to send when triggered,minLength=1"`
	When    string `json:"when,omitempty" jsonschema:"description=When to send the reminder: 'in X minutes/hours/days/weeks' or an ISO8601 timestamp"`
	Cron    string `json:"cron,omitempty" jsonschema:"description=Five-field cron expression for a recurring reminder"`
}

type listRemindersArgs struct{}

type cancelReminderArgs struct {
	ReminderID string `json:"reminder_id" jsonschema:"description=The ID of the reminder to cancel"`
}

func reminderTools(store storage.ReminderStore, loc *time.Location) []tools.Definition {
	set := tools.Typed("set_reminder",
		"Set a reminder that re-enters this conversation at a given time. Use 'when' for a one-off reminder or 'cron' for a recurring one.",
		func(ctx context.Context, exec *tools.ExecContext, args setReminderArgs) (*models.ToolCallResult, error) {
			now := exec.Now.In(loc)
			reminder := &models.Reminder{
				ID:             uuid.NewString(),
				ConversationID: exec.ConversationID,
				Message:        strings.TrimSpace(args.Message),
				Status:         models.ReminderScheduled,
				CreatedAt:      exec.Now,
			}
			switch {
			case args.Cron != "" && args.When != "":
				return errorResult("provide either when or cron, not both"), nil
			case args.Cron != "":
				sched, err := cron.ParseStandard(args.Cron)
				if err != nil {
					return errorResult("invalid cron expression: %v", err), nil
				}
				reminder.Cron = args.Cron
				reminder.DueAt = sched.Next(now)
			case args.When != "":
				due, err := parseWhen(args.When, now)
				if err != nil {
					return errorResult("invalid time: %v", err), nil
				}
				if !due.After(now) {
					return errorResult("cannot set a reminder in the past"), nil
				}
				reminder.DueAt = due
			default:
				return errorResult("one of when or cron is required"), nil
			}

			if err := store.CreateReminder(ctx, reminder); err != nil {
				return storeFailure("create reminder", err)
			}
			text := fmt.Sprintf("Reminder set for %s (in %s)\nID: %s",
				reminder.DueAt.In(loc).Format("Mon Jan 2 15:04 MST"),
				formatDuration(reminder.DueAt.Sub(now)),
				reminder.ID)
			if reminder.Cron != "" {
				text += "\nRepeats: " + reminder.Cron
			}
			return tools.TextResult("%s", text), nil
		})

	list := tools.Typed("list_reminders", "List scheduled reminders for this conversation.",
		func(ctx context.Context, exec *tools.ExecContext, _ listRemindersArgs) (*models.ToolCallResult, error) {
			reminders, err := store.ListReminders(ctx, exec.ConversationID)
			if err != nil {
				return storeFailure("list reminders", err)
			}
			if len(reminders) == 0 {
				return tools.TextResult("No active reminders."), nil
			}
			var b strings.Builder
			for _, r := range reminders {
				fmt.Fprintf(&b, "- %s: %q at %s", r.ID, r.Message, r.DueAt.In(loc).Format("Mon Jan 2 15:04 MST"))
				if r.Cron != "" {
					fmt.Fprintf(&b, " (repeats %s)", r.Cron)
				}
				b.WriteString("\n")
			}
			return tools.TextResult("%d reminder(s):\n%s", len(reminders), strings.TrimRight(b.String(), "\n")), nil
		})
	list.Independent = true

	cancel := tools.Typed("cancel_reminder", "Cancel a reminder by its ID. Requires user confirmation.",
		func(ctx context.Context, exec *tools.ExecContext, args cancelReminderArgs) (*models.ToolCallResult, error) {
			reminder, err := store.GetReminder(ctx, args.ReminderID)
			if err != nil {
				return storeFailure("get reminder", err)
			}
			if reminder.ConversationID != exec.ConversationID {
				return errorResult("get reminder: not found"), nil
			}
			ok, err := store.CancelReminder(ctx, reminder.ID)
			if err != nil {
				return storeFailure("cancel reminder", err)
			}
			if !ok {
				return tools.TextResult("Reminder %s was already %s.", reminder.ID, reminder.Status), nil
			}
			return tools.TextResult("Reminder cancelled: %s", reminder.Message), nil
		})
	cancel.RequiresConfirmation = true
	cancel.Summarize = func(raw json.RawMessage) string {
		var args cancelReminderArgs
		_ = json.Unmarshal(raw, &args)
		return "Cancel reminder " + args.ReminderID
	}

	return []tools.Definition{set, list, cancel}
}

var relativeTimePattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(seconds?|secs?|minutes?|mins?|hours?|hrs?|days?|weeks?)$`)

// parseWhen resolves "in 5 minutes" style offsets or absolute timestamps
// against now. Times without a date are taken as the next occurrence.
func parseWhen(when string, now time.Time) (time.Time, error) {
	when = strings.TrimSpace(when)
	lower := strings.ToLower(when)
	if rest, ok := strings.CutPrefix(lower, "in "); ok {
		return parseRelative(rest, now)
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, when, now.Location()); err == nil {
			return t, nil
		}
	}
	for _, layout := range []string{"15:04", "3:04pm", "3:04 pm", "3pm"} {
		if t, err := time.ParseInLocation(layout, lower, now.Location()); err == nil {
			next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
			if !next.After(now) {
				next = next.AddDate(0, 0, 1)
			}
			return next, nil
		}
	}
	return time.Time{}, fmt.Errorf("could not parse %q", when)
}

func parseRelative(s string, now time.Time) (time.Time, error) {
	m := relativeTimePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return time.Time{}, fmt.Errorf("invalid relative time %q", s)
	}
	amount, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid number %q", m[1])
	}
	var unit time.Duration
	switch u := m[2]; {
	case strings.HasPrefix(u, "sec"):
		unit = time.Second
	case strings.HasPrefix(u, "min"):
		unit = time.Minute
	case strings.HasPrefix(u, "h"):
		unit = time.Hour
	case strings.HasPrefix(u, "day"):
		unit = 24 * time.Hour
	default:
		unit = 7 * 24 * time.Hour
	}
	return now.Add(time.Duration(amount * float64(unit))), nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	case d < time.Hour:
		if m := int(d.Minutes()); m != 1 {
			return fmt.Sprintf("%d minutes", m)
		}
		return "1 minute"
	case d < 24*time.Hour:
		return fmt.Sprintf("%.1f hours", d.Hours())
	default:
		return fmt.Sprintf("%.1f days", d.Hours()/24)
	}
}
