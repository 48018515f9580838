package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/parley/pkg/models"
	invopop "github.com/invopop/jsonschema"
)

// TypedHandler receives arguments decoded into T.
type TypedHandler[T any] func(ctx context.Context, exec *ExecContext, args T) (*models.ToolCallResult, error)

// Typed builds a Definition whose schema is reflected from T's json tags.
// Fields without omitempty are required.
func Typed[T any](name, description string, fn TypedHandler[T]) Definition {
	return Definition{
		Name:        name,
		Description: description,
		Schema:      SchemaFor[T](),
		Handler: func(ctx context.Context, exec *ExecContext, raw json.RawMessage) (*models.ToolCallResult, error) {
			var args T
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("decode arguments: %w", err)
				}
			}
			return fn(ctx, exec, args)
		},
	}
}

// SchemaFor reflects a JSON Schema for T without definitions or $schema
// so it can be handed to providers verbatim.
func SchemaFor[T any]() json.RawMessage {
	r := &invopop.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	var zero T
	schema := r.Reflect(&zero)
	schema.Version = ""
	schema.ID = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return data
}

// TextResult is shorthand for a plain-text tool result.
func TextResult(format string, args ...any) *models.ToolCallResult {
	return &models.ToolCallResult{Text: fmt.Sprintf(format, args...)}
}

// DataResult returns structured data; the invoker derives the text.
func DataResult(v any) (*models.ToolCallResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &models.ToolCallResult{Data: data}, nil
}
