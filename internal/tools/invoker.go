package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// InvokerConfig configures tool execution.
type InvokerConfig struct {
	// Concurrency bounds simultaneously running handlers. Default: 4.
	Concurrency int
	// Timeout bounds each handler. Default: 30s.
	Timeout time.Duration
}

// Invoker validates arguments and runs handlers on a bounded worker pool.
type Invoker struct {
	registry *Registry
	config   InvokerConfig
	sem      chan struct{}
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithLogger sets the invoker logger.
func WithLogger(logger *slog.Logger) InvokerOption {
	return func(i *Invoker) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) InvokerOption {
	return func(i *Invoker) { i.metrics = metrics }
}

// WithTracer sets the tracer.
func WithTracer(tracer *observability.Tracer) InvokerOption {
	return func(i *Invoker) { i.tracer = tracer }
}

// NewInvoker creates an invoker over registry.
func NewInvoker(registry *Registry, config InvokerConfig, opts ...InvokerOption) *Invoker {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	inv := &Invoker{
		registry: registry,
		config:   config,
		sem:      make(chan struct{}, config.Concurrency),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	inv.logger = inv.logger.With("component", "tools")
	return inv
}

// Registry returns the underlying registry.
func (i *Invoker) Registry() *Registry {
	return i.registry
}

// Prepare looks up the tool and validates the call's arguments. On
// failure it returns a tool result describing the problem so the model
// can correct itself; on success it returns the normalized arguments.
func (i *Invoker) Prepare(call models.ToolCall) (json.RawMessage, *models.ToolCallResult) {
	t, ok := i.registry.lookup(call.Name)
	if !ok {
		return nil, &models.ToolCallResult{
			Text:      fmt.Sprintf("%v: %s", ErrToolNotFound, call.Name),
			IsError:   true,
			ErrorKind: string(KindNotFound),
		}
	}
	args, err := coerceArguments(call.Input, t.props)
	if err == nil {
		err = t.schema.Validate(args)
	}
	if err != nil {
		return nil, &models.ToolCallResult{
			Text:      fmt.Sprintf("%v for %s: %s", ErrInvalidArguments, call.Name, validationMessage(err)),
			IsError:   true,
			ErrorKind: string(KindValidation),
		}
	}
	normalized, err := json.Marshal(args)
	if err != nil {
		return nil, &models.ToolCallResult{
			Text:      fmt.Sprintf("%v for %s: %v", ErrInvalidArguments, call.Name, err),
			IsError:   true,
			ErrorKind: string(KindValidation),
		}
	}
	return normalized, nil
}

// Invoke runs one tool call. Every non-fatal failure is returned as a
// result with IsError set; the error is non-nil only for fatal failures.
func (i *Invoker) Invoke(ctx context.Context, call models.ToolCall, exec *ExecContext) (*models.ToolCallResult, error) {
	args, failed := i.Prepare(call)
	if failed != nil {
		i.record(call.Name, failed.ErrorKind, 0)
		return failed, nil
	}
	return i.Execute(ctx, call, args, exec)
}

// Execute runs a call whose arguments were already prepared.
func (i *Invoker) Execute(ctx context.Context, call models.ToolCall, args json.RawMessage, exec *ExecContext) (*models.ToolCallResult, error) {
	t, ok := i.registry.lookup(call.Name)
	if !ok {
		i.record(call.Name, string(KindNotFound), 0)
		return &models.ToolCallResult{
			Text:      fmt.Sprintf("%v: %s", ErrToolNotFound, call.Name),
			IsError:   true,
			ErrorKind: string(KindNotFound),
		}, nil
	}

	ctx, span := i.tracer.TraceToolCall(ctx, call.Name, call.ID)
	defer span.End()

	select {
	case i.sem <- struct{}{}:
	case <-ctx.Done():
		i.record(call.Name, string(KindCancelled), 0)
		return &models.ToolCallResult{Text: "tool execution cancelled", IsError: true, ErrorKind: string(KindCancelled)}, nil
	}

	timeout := i.config.Timeout
	if t.def.Timeout > 0 {
		timeout = t.def.Timeout
	}
	execCtx := i.execContext(call, exec)

	start := time.Now()
	// The slot is held until the handler returns, even past its timeout.
	result, err := i.run(ctx, t.def, args, execCtx, timeout, func() { <-i.sem })
	elapsed := time.Since(start)

	if err != nil {
		observability.RecordError(span, err)
		var te *ToolError
		kind := KindExecution
		if errors.As(err, &te) {
			kind = te.Kind
		}
		i.record(call.Name, string(kind), elapsed)
		if kind == KindFatal {
			i.logger.Error("fatal tool failure", "tool", call.Name, "tool_call_id", call.ID, "error", err)
			return &models.ToolCallResult{Text: err.Error(), IsError: true, ErrorKind: string(KindFatal)},
				&ToolError{Kind: KindFatal, Tool: call.Name, Cause: err}
		}
		i.logger.Warn("tool failed", "tool", call.Name, "tool_call_id", call.ID, "kind", kind, "error", err)
		text := err.Error()
		if te != nil && te.Cause != nil {
			text = te.Cause.Error()
		}
		return &models.ToolCallResult{Text: text, IsError: true, ErrorKind: string(kind)}, nil
	}

	result = normalizeResult(result)
	outcome := "success"
	if result.IsError {
		outcome = "error"
		if result.ErrorKind == "" {
			result.ErrorKind = string(KindExecution)
		}
	}
	i.record(call.Name, outcome, elapsed)
	return result, nil
}

// run executes the handler with a timeout and panic isolation. release is
// called once the handler goroutine exits.
func (i *Invoker) run(ctx context.Context, def Definition, args json.RawMessage, exec *ExecContext, timeout time.Duration, release func()) (*models.ToolCallResult, error) {
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *models.ToolCallResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer release()
		defer func() {
			if r := recover(); r != nil {
				i.logger.Error("tool panicked", "tool", def.Name, "panic", r, "stack", string(debug.Stack()))
				done <- outcome{err: &ToolError{Kind: KindPanic, Tool: def.Name, Cause: fmt.Errorf("tool panicked: %v", r)}}
			}
		}()
		res, err := def.Handler(toolCtx, exec, args)
		done <- outcome{result: res, err: err}
	}()

	timedOut := func() error {
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return &ToolError{Kind: KindTimeout, Tool: def.Name, Cause: fmt.Errorf("tool execution timed out after %v", timeout)}
		}
		return &ToolError{Kind: KindCancelled, Tool: def.Name, Cause: errors.New("tool execution cancelled")}
	}

	select {
	case out := <-done:
		if out.err != nil && toolCtx.Err() != nil && !IsFatal(out.err) {
			return nil, timedOut()
		}
		return out.result, out.err
	case <-toolCtx.Done():
		return nil, timedOut()
	}
}

// InvokeAll runs calls concurrently on the worker pool. Results keep the
// order of calls. The returned error is the first fatal failure, if any.
func (i *Invoker) InvokeAll(ctx context.Context, calls []models.ToolCall, exec *ExecContext) ([]*models.ToolCallResult, error) {
	results := make([]*models.ToolCallResult, len(calls))
	errs := make([]error, len(calls))
	var wg sync.WaitGroup
	for idx, call := range calls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()
			results[idx], errs[idx] = i.Invoke(ctx, call, exec)
		}(idx, call)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (i *Invoker) execContext(call models.ToolCall, exec *ExecContext) *ExecContext {
	out := ExecContext{}
	if exec != nil {
		out = *exec
	}
	out.ToolCallID = call.ID
	if out.Now.IsZero() {
		out.Now = time.Now()
	}
	if out.Logger == nil {
		out.Logger = i.logger
	}
	out.Logger = out.Logger.With("tool", call.Name, "tool_call_id", call.ID)
	return &out
}

func (i *Invoker) record(tool, outcome string, elapsed time.Duration) {
	if i.metrics == nil {
		return
	}
	i.metrics.ToolCalls.WithLabelValues(tool, outcome).Inc()
	if elapsed > 0 {
		i.metrics.ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
	}
}

// normalizeResult fills Text from Data when the tool returned none.
func normalizeResult(r *models.ToolCallResult) *models.ToolCallResult {
	if r == nil {
		return &models.ToolCallResult{Text: "(no output)"}
	}
	if strings.TrimSpace(r.Text) == "" && len(r.Data) > 0 {
		var v any
		if err := json.Unmarshal(r.Data, &v); err == nil {
			if pretty, err := json.MarshalIndent(v, "", "  "); err == nil {
				r.Text = string(pretty)
			}
		}
		if r.Text == "" {
			r.Text = string(r.Data)
		}
	}
	if strings.TrimSpace(r.Text) == "" {
		r.Text = "(no output)"
	}
	return r
}

func validationMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var msgs []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(msgs, "; ")
}
