package models

import (
	"encoding/json"
	"time"
)

// ChannelType represents a front-end interface a conversation lives on.
type ChannelType string

const (
	ChannelWeb      ChannelType = "web"
	ChannelTelegram ChannelType = "telegram"
	ChannelSlack    ChannelType = "slack"
	ChannelDiscord  ChannelType = "discord"
	ChannelEmail    ChannelType = "email"
	ChannelAPI      ChannelType = "api"
)

// Direction indicates if a message is inbound or outbound.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Origin distinguishes human input from system-originated wake events.
type Origin string

const (
	OriginUser   Origin = "user"
	OriginSystem Origin = "system"
)

// Message is one persisted unit of conversation.
type Message struct {
	ID             string         `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	TurnID         string         `json:"turn_id"`
	Seq            int64          `json:"seq"`
	Direction      Direction      `json:"direction"`
	Role           Role           `json:"role"`
	Origin         Origin         `json:"origin,omitempty"`
	Content        string         `json:"content"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	ToolCalls      []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults    []ToolResult   `json:"tool_results,omitempty"`

	// ThreadRootID is the earliest message of the reply/forward chain,
	// or the message's own ID when it starts a thread.
	ThreadRootID string `json:"thread_root_id"`
	ReplyToID    string `json:"reply_to_id,omitempty"`
	ForwardOfID  string `json:"forward_of_id,omitempty"`

	// ChannelMessageID is the interface-native id, patched after delivery.
	ChannelMessageID string `json:"channel_message_id,omitempty"`

	// Error is set only on messages produced by a failed turn.
	Error string `json:"error,omitempty"`

	Sender    string    `json:"sender,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsThreadRoot reports whether the message starts its own thread.
func (m *Message) IsThreadRoot() bool {
	return m.ThreadRootID == "" || m.ThreadRootID == m.ID
}

// Attachment represents a file or media attachment.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution as recorded in history.
type ToolResult struct {
	ToolCallID    string   `json:"tool_call_id"`
	Content       string   `json:"content"`
	IsError       bool     `json:"is_error,omitempty"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
}

// ToolCallResult is the uniform wrapper the tool invoker returns.
type ToolCallResult struct {
	Text          string          `json:"text"`
	Data          json.RawMessage `json:"data,omitempty"`
	AttachmentIDs []string        `json:"attachment_ids,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	ErrorKind     string          `json:"error_kind,omitempty"`
}

// AsToolResult converts an invocation result to its history form.
func (r *ToolCallResult) AsToolResult(toolCallID string) ToolResult {
	if r == nil {
		return ToolResult{ToolCallID: toolCallID}
	}
	return ToolResult{
		ToolCallID:    toolCallID,
		Content:       r.Text,
		IsError:       r.IsError,
		AttachmentIDs: r.AttachmentIDs,
	}
}
