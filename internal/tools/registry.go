// Package tools holds the tool registry and the invoker that validates,
// isolates and wraps tool execution.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/haasonsaas/parley/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ExecContext is passed explicitly to every tool handler.
type ExecContext struct {
	ConversationID models.ConversationID
	TurnID         string
	ToolCallID     string
	Sender         string
	Now            time.Time
	Logger         *slog.Logger
}

// Handler executes a tool with validated arguments.
type Handler func(ctx context.Context, exec *ExecContext, args json.RawMessage) (*models.ToolCallResult, error)

// Definition is one tool record.
type Definition struct {
	Name        string
	Description string
	// Schema is the JSON Schema of the arguments object.
	Schema json.RawMessage
	// RequiresConfirmation gates the tool behind user approval.
	RequiresConfirmation bool
	// Independent tools may run concurrently with other independent calls.
	Independent bool
	// Timeout overrides the invoker default when positive.
	Timeout time.Duration
	// Summarize renders arguments for confirmation prompts.
	Summarize func(args json.RawMessage) string
	Handler   Handler
}

// MaxToolNameLength keeps names compatible with every provider.
const MaxToolNameLength = 64

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

type registered struct {
	def    Definition
	schema *jsonschema.Schema
	props  map[string]string
}

// Registry holds tool definitions keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registered
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registered)}
}

// Register validates and compiles a definition. Registering an existing
// name replaces it.
func (r *Registry) Register(def Definition) error {
	if len(def.Name) == 0 || len(def.Name) > MaxToolNameLength || !toolNamePattern.MatchString(def.Name) {
		return fmt.Errorf("invalid tool name %q", def.Name)
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s missing handler", def.Name)
	}
	if len(def.Schema) == 0 {
		def.Schema = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	schema, err := jsonschema.CompileString(def.Name+".schema.json", string(def.Schema))
	if err != nil {
		return fmt.Errorf("tool %s schema: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.tools[def.Name] = &registered{def: def, schema: schema, props: propertyTypes(def.Schema)}
	return nil
}

// MustRegister is Register that panics on error, for static builtin sets.
func (r *Registry) MustRegister(defs ...Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// Unregister removes tools by name.
func (r *Registry) Unregister(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if _, ok := r.tools[name]; !ok {
			continue
		}
		delete(r.tools, name)
		for i, n := range r.order {
			if n == name {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
}

// Get returns a definition by name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return Definition{}, false
	}
	return t.def, true
}

func (r *Registry) lookup(name string) (*registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns all tools in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].def)
	}
	return out
}

// RequiresConfirmation reports whether the named tool is gated.
func (r *Registry) RequiresConfirmation(name string) bool {
	def, ok := r.Get(name)
	return ok && def.RequiresConfirmation
}

// propertyTypes extracts the declared type of each top-level property.
func propertyTypes(schema json.RawMessage) map[string]string {
	var doc struct {
		Properties map[string]struct {
			Type any `json:"type"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil
	}
	out := make(map[string]string, len(doc.Properties))
	for name, prop := range doc.Properties {
		switch t := prop.Type.(type) {
		case string:
			out[name] = t
		case []any:
			// ["integer","null"] style unions coerce to the first concrete type.
			for _, v := range t {
				if s, ok := v.(string); ok && s != "null" {
					out[name] = s
					break
				}
			}
		}
	}
	return out
}
