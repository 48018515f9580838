package models

import (
	"fmt"
	"strings"
)

// ConversationID identifies a conversation as "<channel>:<target>".
type ConversationID string

// NewConversationID joins a channel and a channel-local target.
func NewConversationID(channel ChannelType, target string) ConversationID {
	return ConversationID(string(channel) + ":" + target)
}

// ParseConversationID validates the "<channel>:<target>" form.
func ParseConversationID(s string) (ConversationID, error) {
	channel, target, ok := strings.Cut(s, ":")
	if !ok || channel == "" || target == "" {
		return "", fmt.Errorf("invalid conversation id %q: expected <channel>:<target>", s)
	}
	return ConversationID(s), nil
}

// Channel returns the channel prefix.
func (c ConversationID) Channel() ChannelType {
	channel, _, _ := strings.Cut(string(c), ":")
	return ChannelType(channel)
}

// Target returns the channel-local part, e.g. a chat id or email address.
func (c ConversationID) Target() string {
	_, target, _ := strings.Cut(string(c), ":")
	return target
}

func (c ConversationID) String() string { return string(c) }
