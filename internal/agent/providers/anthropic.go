package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/pkg/models"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

// Anthropic implements agent.Model over the Messages API.
type Anthropic struct {
	client anthropic.Client
	cfg    Config
}

// NewAnthropic creates an Anthropic model.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	cfg = cfg.withDefaults(DefaultAnthropicModel)

	// Retries are ours so they share classification with other providers.
	options := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{client: anthropic.NewClient(options...), cfg: cfg}, nil
}

// Name returns the provider identifier.
func (p *Anthropic) Name() string { return "anthropic" }

// Generate sends one Messages request.
func (p *Anthropic) Generate(ctx context.Context, req *agent.GenerateRequest) (*agent.GenerateResponse, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	params, err := p.buildParams(model, req)
	if err != nil {
		return nil, err
	}

	msg, err := withRetry(ctx, p.cfg, func() (*anthropic.Message, error) {
		msg, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return nil, p.wrapError(err, model)
		}
		return msg, nil
	})
	if err != nil {
		return nil, err
	}
	return convertAnthropicResponse(msg), nil
}

func (p *Anthropic) buildParams(model string, req *agent.GenerateRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertToAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertToAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// convertToAnthropicMessages maps composed messages to Messages API
// params. Tool results travel in user messages, so a tool entry followed
// by a user entry folds into one user message.
func convertToAnthropicMessages(messages []agent.ModelMessage) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	appendUser := func(blocks []anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(result); n > 0 && result[n-1].Role == anthropic.MessageParamRoleUser {
			result[n-1].Content = append(result[n-1].Content, blocks...)
			return
		}
		result = append(result, anthropic.NewUserMessage(blocks...))
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			var blocks []anthropic.ContentBlockParamUnion
			for _, img := range msg.Images {
				blocks = append(blocks, anthropic.NewImageBlockBase64(img.MimeType, base64.StdEncoding.EncodeToString(img.Data)))
			}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			appendUser(blocks)

		case models.RoleTool:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolResults))
			for _, res := range msg.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(res.ToolCallID, res.Content, res.IsError))
			}
			appendUser(blocks)

		case models.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				input := json.RawMessage(tc.Input)
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.NewAssistantMessage(blocks...))
			}

		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", msg.Role)
		}
	}
	return result, nil
}

func convertToAnthropicTools(tools []agent.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func convertAnthropicResponse(msg *anthropic.Message) *agent.GenerateResponse {
	resp := &agent.GenerateResponse{
		StopReason: string(msg.StopReason),
		Usage: agent.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	var text []string
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				text = append(text, block.Text)
			}
		case "tool_use":
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{ID: block.ID, Name: block.Name, Input: input})
		}
	}
	resp.Text = strings.Join(text, "\n")
	return resp
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *Anthropic) wrapError(err error, model string) error {
	if _, ok := GetProviderError(err); ok {
		return err
	}
	providerErr := NewProviderError(p.Name(), model, err)

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return providerErr
	}
	providerErr = providerErr.WithStatus(apiErr.StatusCode)
	providerErr.RequestID = apiErr.RequestID
	if raw := apiErr.RawJSON(); raw != "" {
		var payload anthropicErrorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil {
			if payload.Error.Message != "" {
				providerErr.Message = payload.Error.Message
			}
			if payload.Error.Type != "" {
				providerErr = providerErr.WithCode(payload.Error.Type)
			}
			if payload.RequestID != "" {
				providerErr.RequestID = payload.RequestID
			}
		}
	}
	return providerErr
}
