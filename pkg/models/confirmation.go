package models

import (
	"encoding/json"
	"time"
)

// ConfirmationStatus is the resolution of a pending confirmation.
type ConfirmationStatus string

const (
	ConfirmationPending  ConfirmationStatus = "pending"
	ConfirmationApproved ConfirmationStatus = "approved"
	ConfirmationDenied   ConfirmationStatus = "denied"
	ConfirmationTimedOut ConfirmationStatus = "timed_out"
)

// Resolved reports whether the status is final.
func (s ConfirmationStatus) Resolved() bool {
	return s == ConfirmationApproved || s == ConfirmationDenied || s == ConfirmationTimedOut
}

// PendingConfirmation tracks one outstanding approval request.
type PendingConfirmation struct {
	ID             string          `json:"id"`
	ConversationID ConversationID  `json:"conversation_id"`
	TurnID         string          `json:"turn_id"`
	ToolCallID     string          `json:"tool_call_id"`
	ToolName       string          `json:"tool_name"`
	Arguments      json.RawMessage `json:"arguments"`
	Prompt         string          `json:"prompt"`
	// PromptMessageID is the channel-native id of the prompt, used for edits.
	PromptMessageID string             `json:"prompt_message_id,omitempty"`
	Deadline        time.Time          `json:"deadline"`
	Status          ConfirmationStatus `json:"status"`
	ResolvedBy      string             `json:"resolved_by,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	ResolvedAt      time.Time          `json:"resolved_at,omitempty"`
}

// Expired reports whether the deadline has passed at now.
func (p *PendingConfirmation) Expired(now time.Time) bool {
	return !now.Before(p.Deadline)
}
