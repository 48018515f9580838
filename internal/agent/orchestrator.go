// Package agent runs the tool-calling loop for one turn: compose model
// input, call the model, route tool calls through the confirmation gate
// and the invoker, and repeat until the model answers in plain text.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/parley/internal/artifacts"
	"github.com/haasonsaas/parley/internal/confirm"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/tools"
	"github.com/haasonsaas/parley/pkg/models"
)

// DefaultFallbackMessage is delivered when a turn fails.
const DefaultFallbackMessage = "Sorry, I couldn't complete that request. Please try again."

// Config configures the orchestrator loop.
type Config struct {
	// MaxIterations caps model calls per turn. Default: 20
	MaxIterations int
	// MaxTokens is sent with every model request. Default: 4096
	MaxTokens int
	// Model overrides the provider's default model id.
	Model string
	// FallbackMessage is the user-visible reply of an errored turn.
	FallbackMessage string
	// AbortOnDenial ends the turn as aborted when a gated call is denied
	// or times out instead of handing the outcome back to the model.
	AbortOnDenial bool
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:   20,
		MaxTokens:       4096,
		FallbackMessage: DefaultFallbackMessage,
	}
}

func sanitizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.FallbackMessage == "" {
		cfg.FallbackMessage = def.FallbackMessage
	}
	return cfg
}

// Confirmer suspends a gated tool call until the user decides.
type Confirmer interface {
	Request(ctx context.Context, req confirm.Request) (confirm.Decision, error)
}

// RunInput is everything one turn needs.
type RunInput struct {
	Turn *models.Turn
	// Inbound are the persisted messages of the current batch.
	Inbound []*models.Message
	// History is prior context, oldest first, excluding the current turn.
	History []*models.Message
}

// RunResult is the outcome of one turn.
type RunResult struct {
	State models.TurnState
	// Messages are the produced assistant and tool messages in order.
	Messages []*models.Message
	// Reply is the message to deliver, also the last entry of Messages.
	Reply      *models.Message
	Iterations int
	// Err is set for errored turns.
	Err error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithGate routes gated tools through c. Without a gate, gated tools are
// refused.
func WithGate(c Confirmer) Option {
	return func(o *Orchestrator) { o.gate = c }
}

// WithResolver resolves attachments of the current batch.
func WithResolver(r AttachmentResolver) Option {
	return func(o *Orchestrator) { o.resolver = r }
}

// WithPrompt sets the system prompt source.
func WithPrompt(p PromptSource) Option {
	return func(o *Orchestrator) { o.prompt = p }
}

// WithClock overrides the wall clock handed to tools.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator drives turns. It holds no per-conversation state; the
// batcher guarantees one Run per conversation at a time.
type Orchestrator struct {
	model    Model
	invoker  *tools.Invoker
	gate     Confirmer
	resolver AttachmentResolver
	prompt   PromptSource
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	now      func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(model Model, invoker *tools.Invoker, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		model:   model,
		invoker: invoker,
		cfg:     sanitizeConfig(cfg),
		logger:  slog.Default(),
		prompt:  StaticPrompt(""),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// runState is the mutable state of one Run.
type runState struct {
	in        RunInput
	exec      *tools.ExecContext
	logger    *slog.Logger
	base      []ModelMessage
	produced  []*models.Message
	iteration int
	artifacts []string
}

func (s *runState) emit(m *models.Message) {
	m.ConversationID = s.in.Turn.ConversationID
	m.TurnID = s.in.Turn.ID
	m.Direction = models.DirectionOutbound
	s.produced = append(s.produced, m)
}

// Run executes the loop for one turn. It never returns a nil result; the
// caller persists Messages and delivers Reply whatever the state.
func (o *Orchestrator) Run(ctx context.Context, in RunInput) *RunResult {
	turn := in.Turn
	ctx = observability.WithConversation(ctx, string(turn.ConversationID))
	ctx = observability.WithTurn(ctx, turn.ID)
	ctx, span := o.tracer.TraceTurn(ctx, string(turn.ConversationID), turn.ID, len(in.Inbound))
	defer span.End()

	st := &runState{
		in:     in,
		logger: o.logger.With("conversation_id", turn.ConversationID, "turn_id", turn.ID),
		exec: &tools.ExecContext{
			ConversationID: turn.ConversationID,
			TurnID:         turn.ID,
			Sender:         sender(in.Inbound),
			Now:            o.now(),
		},
	}
	st.exec.Logger = st.logger

	if o.model == nil {
		return o.fail(st, &LoopError{Phase: PhaseCompose, Cause: ErrNoModel})
	}

	st.base = o.composeBase(ctx, in.History, in.Inbound)
	catalog := o.catalog()

	for st.iteration = 1; st.iteration <= o.cfg.MaxIterations; st.iteration++ {
		if err := ctx.Err(); err != nil {
			return o.fail(st, &LoopError{Phase: PhaseGenerate, Iteration: st.iteration, Cause: err})
		}

		resp, err := o.generate(ctx, st, catalog)
		if err != nil {
			return o.fail(st, &LoopError{Phase: PhaseGenerate, Iteration: st.iteration, Cause: err})
		}

		if resp.Terminal() {
			if resp.Text == "" {
				return o.fail(st, &LoopError{Phase: PhaseGenerate, Iteration: st.iteration, Cause: ErrEmptyResponse})
			}
			reply := &models.Message{Role: models.RoleAssistant, Content: resp.Text}
			return o.finish(st, models.TurnCompleted, reply, nil)
		}

		st.emit(&models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		aborted, err := o.runTools(ctx, st, resp.ToolCalls)
		if err != nil {
			return o.fail(st, err)
		}
		if aborted != nil {
			return o.finish(st, models.TurnAborted, aborted, nil)
		}
	}

	st.iteration = o.cfg.MaxIterations
	st.logger.Warn("iteration limit exceeded", "max_iterations", o.cfg.MaxIterations)
	return o.fail(st, &LoopError{Phase: PhaseComplete, Iteration: o.cfg.MaxIterations, Cause: ErrMaxIterations})
}

func (o *Orchestrator) generate(ctx context.Context, st *runState, catalog []ToolSpec) (*GenerateResponse, error) {
	ctx, span := o.tracer.TraceModelCall(ctx, o.model.Name(), st.iteration)
	defer span.End()

	req := &GenerateRequest{
		Model:     o.cfg.Model,
		System:    o.prompt.Current(),
		Messages:  withProduced(st.base, st.produced),
		Tools:     catalog,
		MaxTokens: o.cfg.MaxTokens,
	}

	start := time.Now()
	resp, err := o.model.Generate(ctx, req)
	status := "success"
	if err != nil {
		status = "error"
		observability.RecordError(span, err)
	}
	if o.metrics != nil {
		o.metrics.ModelRequestDuration.WithLabelValues(o.model.Name(), status).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("model request failed: %w", err)
	}
	if resp == nil {
		return nil, ErrEmptyResponse
	}
	st.logger.Debug("model responded",
		"iteration", st.iteration,
		"tool_calls", len(resp.ToolCalls),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)
	return resp, nil
}

func (o *Orchestrator) catalog() []ToolSpec {
	if o.invoker == nil {
		return nil
	}
	defs := o.invoker.Registry().Definitions()
	specs := make([]ToolSpec, 0, len(defs))
	for _, def := range defs {
		specs = append(specs, ToolSpec{Name: def.Name, Description: def.Description, Schema: def.Schema})
	}
	return specs
}

// finish closes a turn with reply as its last message.
func (o *Orchestrator) finish(st *runState, state models.TurnState, reply *models.Message, cause error) *RunResult {
	for _, id := range st.artifacts {
		reply.Attachments = append(reply.Attachments, models.Attachment{
			ID:   id,
			Type: "document",
			URL:  artifacts.Ref(id),
		})
	}
	st.emit(reply)
	st.logger.Info("turn finished", "state", state, "iterations", st.iteration, "messages", len(st.produced))
	return &RunResult{
		State:      state,
		Messages:   st.produced,
		Reply:      reply,
		Iterations: st.iteration,
		Err:        cause,
	}
}

// fail ends the turn as errored with the fallback reply.
func (o *Orchestrator) fail(st *runState, err error) *RunResult {
	st.logger.Error("turn failed", "iteration", st.iteration, "phase", PhaseOf(err), "error", err)
	reply := &models.Message{
		Role:    models.RoleAssistant,
		Content: o.cfg.FallbackMessage,
		Error:   err.Error(),
	}
	return o.finish(st, models.TurnErrored, reply, err)
}

func sender(inbound []*models.Message) string {
	for i := len(inbound) - 1; i >= 0; i-- {
		if inbound[i].Sender != "" {
			return inbound[i].Sender
		}
	}
	return ""
}

var errNoGate = errors.New("this action requires approval but no approval channel is available")
