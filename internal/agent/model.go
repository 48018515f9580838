package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/parley/pkg/models"
)

// Model is the language model capability the orchestrator drives. One
// Generate call is one round trip; provider retries happen inside it.
type Model interface {
	Name() string
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
}

// ToolSpec describes a tool in the catalog sent to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Image is binary image content the model can see.
type Image struct {
	MimeType string
	Data     []byte
}

// ModelMessage is one entry of the composed model input. Consecutive
// entries never share a role.
type ModelMessage struct {
	Role        models.Role
	Content     string
	Images      []Image
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// GenerateRequest is the composed model input.
type GenerateRequest struct {
	Model     string
	System    string
	Messages  []ModelMessage
	Tools     []ToolSpec
	MaxTokens int
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// GenerateResponse is either terminal text or a list of tool calls. Text
// may accompany tool calls.
type GenerateResponse struct {
	Text       string
	ToolCalls  []models.ToolCall
	StopReason string
	Usage      Usage
}

// Terminal reports whether the response ends the turn.
func (r *GenerateResponse) Terminal() bool {
	return len(r.ToolCalls) == 0
}

// PromptSource supplies the current system prompt.
type PromptSource interface {
	Current() string
}

// StaticPrompt is a fixed system prompt.
type StaticPrompt string

// Current returns the prompt.
func (p StaticPrompt) Current() string { return string(p) }
