// Package channels connects conversations to the front-ends they live on.
//
// An Adapter receives platform events and hands them to a Sink as
// models.InboundEvent values. Outbound delivery goes through the Registry,
// which routes on the "<channel>:" prefix of the conversation id.
package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/parley/pkg/models"
)

var (
	// ErrUnknownChannel is returned when no adapter serves a conversation's channel.
	ErrUnknownChannel = errors.New("no adapter registered for channel")

	// ErrNotStarted is returned by adapters asked to send before Start.
	ErrNotStarted = errors.New("adapter not started")
)

// Sink accepts inbound events. The gateway processor implements it.
type Sink interface {
	Submit(ctx context.Context, event *models.InboundEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event *models.InboundEvent) error

func (f SinkFunc) Submit(ctx context.Context, event *models.InboundEvent) error {
	return f(ctx, event)
}

// Outbound delivers messages to one channel.
type Outbound interface {
	// Send delivers msg and returns the channel-native id of the sent message.
	Send(ctx context.Context, msg OutboundMessage) (string, error)

	// Edit replaces the text of a previously sent message and removes any
	// actions attached to it.
	Edit(ctx context.Context, conversationID models.ConversationID, channelMessageID, text string) error

	Type() models.ChannelType
}

// Adapter is a full channel integration.
type Adapter interface {
	Outbound

	// Start connects to the platform and begins submitting events to sink.
	// It returns once the adapter is running.
	Start(ctx context.Context, sink Sink) error

	// Stop disconnects and waits for background work to finish.
	Stop(ctx context.Context) error
}

// MessageLimiter is implemented by adapters with a platform message size cap.
type MessageLimiter interface {
	MaxMessageLength() int
}

// OutboundMessage is one message to deliver.
type OutboundMessage struct {
	ConversationID models.ConversationID
	Content        string
	// ReplyTo is the channel-native id of the message being answered.
	ReplyTo     string
	Attachments []models.Attachment
	Actions     []Action
}

// Action is an interactive button rendered under a message.
type Action struct {
	Label string
	// Data is returned by the platform when the button is pressed.
	Data  string
	Style ActionStyle
}

// ActionStyle hints how a button should be rendered.
type ActionStyle string

const (
	StyleDefault ActionStyle = ""
	StylePrimary ActionStyle = "primary"
	StyleDanger  ActionStyle = "danger"
)

const confirmPrefix = "confirm:"

// ConfirmActions returns the approve and deny buttons for a confirmation request.
func ConfirmActions(requestID string) []Action {
	return []Action{
		{Label: "Approve", Data: ConfirmActionData(requestID, true), Style: StylePrimary},
		{Label: "Deny", Data: ConfirmActionData(requestID, false), Style: StyleDanger},
	}
}

// ConfirmActionData encodes a button payload as "confirm:<id>:yes|no".
func ConfirmActionData(requestID string, approved bool) string {
	answer := "no"
	if approved {
		answer = "yes"
	}
	return fmt.Sprintf("%s%s:%s", confirmPrefix, requestID, answer)
}

// ParseConfirmAction decodes a button payload produced by ConfirmActionData.
func ParseConfirmAction(data string) (requestID string, approved bool, ok bool) {
	rest, found := strings.CutPrefix(data, confirmPrefix)
	if !found {
		return "", false, false
	}
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 {
		return "", false, false
	}
	requestID, answer := rest[:idx], rest[idx+1:]
	switch answer {
	case "yes":
		return requestID, true, true
	case "no":
		return requestID, false, true
	default:
		return "", false, false
	}
}

// ConfirmationEvent builds the inbound event produced by a pressed button.
func ConfirmationEvent(conversationID models.ConversationID, requestID string, approved bool, by string) *models.InboundEvent {
	return &models.InboundEvent{
		ConversationID: conversationID,
		Sender:         by,
		Origin:         models.OriginUser,
		Confirmation: &models.ConfirmationReply{
			RequestID: requestID,
			Approved:  approved,
			By:        by,
		},
	}
}

// AttachmentLines renders attachments as text for channels that cannot
// upload them.
func AttachmentLines(atts []models.Attachment) string {
	if len(atts) == 0 {
		return ""
	}
	lines := make([]string, 0, len(atts))
	for _, att := range atts {
		name := att.Filename
		if name == "" {
			name = att.ID
		}
		lines = append(lines, fmt.Sprintf("[Attachment %s: %s]", name, att.URL))
	}
	return strings.Join(lines, "\n")
}
