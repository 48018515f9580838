package models

import "time"

// TurnState is the lifecycle state of a turn.
type TurnState string

const (
	TurnRunning   TurnState = "running"
	TurnCompleted TurnState = "completed"
	TurnErrored   TurnState = "errored"
	// TurnAborted marks a turn ended by a confirmation denial.
	TurnAborted TurnState = "aborted"
)

// Terminal reports whether the state is final.
func (s TurnState) Terminal() bool {
	return s == TurnCompleted || s == TurnErrored || s == TurnAborted
}

// Turn is one orchestrator run over one batch.
type Turn struct {
	ID             string         `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	State          TurnState      `json:"state"`
	Error          string         `json:"error,omitempty"`
	Iterations     int            `json:"iterations"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at,omitempty"`
}
