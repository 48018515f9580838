package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/pkg/models"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o"

// OpenAI implements agent.Model over the Chat Completions API. BaseURL
// makes it usable with any compatible endpoint.
type OpenAI struct {
	client *openai.Client
	cfg    Config
}

// NewOpenAI creates an OpenAI model.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	cfg = cfg.withDefaults(DefaultOpenAIModel)

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &OpenAI{client: openai.NewClientWithConfig(clientConfig), cfg: cfg}, nil
}

// Name returns the provider identifier.
func (p *OpenAI) Name() string { return "openai" }

// Generate sends one chat completion request.
func (p *OpenAI) Generate(ctx context.Context, req *agent.GenerateRequest) (*agent.GenerateResponse, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	chatReq := openai.ChatCompletionRequest{
		Model:               model,
		Messages:            convertToOpenAIMessages(req.Messages, req.System),
		MaxCompletionTokens: req.MaxTokens,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToOpenAITools(req.Tools)
	}

	resp, err := withRetry(ctx, p.cfg, func() (openai.ChatCompletionResponse, error) {
		resp, err := p.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return resp, p.wrapError(err, model)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, NewProviderError(p.Name(), model, errors.New("response contained no choices"))
	}

	choice := resp.Choices[0]
	out := &agent.GenerateResponse{
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: agent.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if len(strings.TrimSpace(tc.Function.Arguments)) == 0 {
			input = json.RawMessage(`{}`)
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: input})
	}
	return out, nil
}

// convertToOpenAIMessages maps composed messages to chat messages. The
// system prompt leads, and each tool result is its own message.
func convertToOpenAIMessages(messages []agent.ModelMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
			if len(msg.Images) == 0 {
				oaiMsg.Content = msg.Content
				result = append(result, oaiMsg)
				continue
			}
			parts := make([]openai.ChatMessagePart, 0, len(msg.Images)+1)
			if msg.Content != "" {
				parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: msg.Content})
			}
			for _, img := range msg.Images {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    "data:" + img.MimeType + ";base64," + base64.StdEncoding.EncodeToString(img.Data),
						Detail: openai.ImageURLDetailAuto,
					},
				})
			}
			oaiMsg.MultiContent = parts
			result = append(result, oaiMsg)

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := string(tc.Input)
				if args == "" {
					args = "{}"
				}
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: args},
				})
			}
			result = append(result, oaiMsg)

		case models.RoleTool:
			for _, tr := range msg.ToolResults {
				content := tr.Content
				if tr.IsError {
					content = "Error: " + content
				}
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    content,
					ToolCallID: tr.ToolCallID,
				})
			}
		}
	}
	return result
}

func convertToOpenAITools(tools []agent.ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

func (p *OpenAI) wrapError(err error, model string) error {
	if _, ok := GetProviderError(err); ok {
		return err
	}
	providerErr := NewProviderError(p.Name(), model, err)

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr = providerErr.WithStatus(apiErr.HTTPStatusCode)
		providerErr.Message = apiErr.Message
		if code := fmt.Sprint(apiErr.Code); apiErr.Code != nil && code != "" {
			providerErr = providerErr.WithCode(code)
		} else if apiErr.Type != "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
		return providerErr
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		providerErr = providerErr.WithStatus(reqErr.HTTPStatusCode)
	}
	return providerErr
}
