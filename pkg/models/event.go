package models

import "time"

// InboundEvent is a raw event handed to the batcher by a channel adapter,
// the HTTP API, or the scheduler.
type InboundEvent struct {
	ConversationID ConversationID `json:"conversation_id"`
	Content        string         `json:"content"`

	// ReplyTo and ForwardOf reference an earlier message by internal id or
	// by the channel-native id.
	ReplyTo     string       `json:"reply_to,omitempty"`
	ForwardOf   string       `json:"forward_of,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// ChannelMessageID is the channel-native id of the inbound message.
	ChannelMessageID string `json:"channel_message_id,omitempty"`
	Sender           string `json:"sender,omitempty"`
	Origin           Origin `json:"origin,omitempty"`

	// Confirmation is set when the event answers an approval prompt.
	Confirmation *ConfirmationReply `json:"confirmation,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}

// IsEmpty reports whether the event carries nothing to process.
func (e *InboundEvent) IsEmpty() bool {
	return e.Content == "" && len(e.Attachments) == 0 && e.Confirmation == nil
}

// ConfirmationReply answers a pending confirmation.
type ConfirmationReply struct {
	RequestID string `json:"request_id,omitempty"`
	Approved  bool   `json:"approved"`
	By        string `json:"by,omitempty"`
}

// Batch is the set of inbound events coalesced in one debounce window.
type Batch struct {
	ConversationID ConversationID
	Events         []*InboundEvent
	// Attempt counts how many times the batch was handed off.
	Attempt int
}

// FirstArrival returns when the earliest event of the batch arrived.
func (b *Batch) FirstArrival() time.Time {
	if len(b.Events) == 0 {
		return time.Time{}
	}
	return b.Events[0].ReceivedAt
}

// LastArrival returns when the latest event of the batch arrived.
func (b *Batch) LastArrival() time.Time {
	if len(b.Events) == 0 {
		return time.Time{}
	}
	return b.Events[len(b.Events)-1].ReceivedAt
}
