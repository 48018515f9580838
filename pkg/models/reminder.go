package models

import "time"

// ReminderStatus tracks delivery of a scheduled wake event.
type ReminderStatus string

const (
	ReminderScheduled ReminderStatus = "scheduled"
	ReminderDelivered ReminderStatus = "delivered"
	ReminderCancelled ReminderStatus = "cancelled"
)

// Reminder is a persisted wake event for a conversation.
type Reminder struct {
	ID             string         `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	Message        string         `json:"message"`
	DueAt          time.Time      `json:"due_at"`
	// Cron, when set, reschedules the reminder after each delivery.
	Cron      string         `json:"cron,omitempty"`
	Status    ReminderStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

// Note is a free-form note saved by the notes tools.
type Note struct {
	ID             string         `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	Text           string         `json:"text"`
	CreatedAt      time.Time      `json:"created_at"`
}
