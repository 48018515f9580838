package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type addArgs struct {
	A int `json:"a" jsonschema:"description=first operand"`
	B int `json:"b"`
}

func newTestInvoker(t *testing.T, defs ...Definition) (*Invoker, *observability.Metrics) {
	t.Helper()
	reg := NewRegistry()
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			t.Fatalf("Register(%s) error = %v", def.Name, err)
		}
	}
	metrics := observability.NewTestMetrics()
	return NewInvoker(reg, InvokerConfig{Concurrency: 2, Timeout: time.Second},
		WithMetrics(metrics), WithLogger(observability.DiscardLogger())), metrics
}

func addTool() Definition {
	return Typed("add", "Add two integers", func(ctx context.Context, exec *ExecContext, args addArgs) (*models.ToolCallResult, error) {
		return DataResult(map[string]int{"sum": args.A + args.B})
	})
}

func call(name, input string) models.ToolCall {
	return models.ToolCall{ID: "call-1", Name: name, Input: json.RawMessage(input)}
}

func TestInvoker_Invoke(t *testing.T) {
	failing := Definition{
		Name: "flaky",
		Handler: func(ctx context.Context, exec *ExecContext, args json.RawMessage) (*models.ToolCallResult, error) {
			return nil, errors.New("upstream returned 503")
		},
	}
	panicky := Definition{
		Name: "panicky",
		Handler: func(ctx context.Context, exec *ExecContext, args json.RawMessage) (*models.ToolCallResult, error) {
			panic("nil map")
		},
	}
	slow := Definition{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Handler: func(ctx context.Context, exec *ExecContext, args json.RawMessage) (*models.ToolCallResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	inv, _ := newTestInvoker(t, addTool(), failing, panicky, slow)

	tests := []struct {
		name      string
		call      models.ToolCall
		wantError bool
		wantKind  ErrorKind
		wantText  string
	}{
		{name: "valid call derives text from data", call: call("add", `{"a":2,"b":3}`), wantText: `"sum": 5`},
		{name: "string-encoded arguments", call: call("add", `"{\"a\":1,\"b\":1}"`), wantText: `"sum": 2`},
		{name: "numeric strings coerced", call: call("add", `{"a":"4","b":"5"}`), wantText: `"sum": 9`},
		{name: "missing required field", call: call("add", `{"a":1}`), wantError: true, wantKind: KindValidation, wantText: "b"},
		{name: "wrong type", call: call("add", `{"a":"x","b":1}`), wantError: true, wantKind: KindValidation},
		{name: "not an object", call: call("add", `[1,2]`), wantError: true, wantKind: KindValidation},
		{name: "unknown tool", call: call("nope", `{}`), wantError: true, wantKind: KindNotFound},
		{name: "handler error", call: call("flaky", ``), wantError: true, wantKind: KindExecution, wantText: "503"},
		{name: "handler panic", call: call("panicky", `{}`), wantError: true, wantKind: KindPanic},
		{name: "per-tool timeout", call: call("slow", `{}`), wantError: true, wantKind: KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := inv.Invoke(context.Background(), tt.call, &ExecContext{ConversationID: "web:1"})
			if err != nil {
				t.Fatalf("Invoke() error = %v (non-fatal failures must be results)", err)
			}
			if res.IsError != tt.wantError {
				t.Fatalf("IsError = %v, want %v (%s)", res.IsError, tt.wantError, res.Text)
			}
			if tt.wantKind != "" && res.ErrorKind != string(tt.wantKind) {
				t.Errorf("ErrorKind = %q, want %q", res.ErrorKind, tt.wantKind)
			}
			if tt.wantText != "" && !strings.Contains(res.Text, tt.wantText) {
				t.Errorf("Text = %q, want substring %q", res.Text, tt.wantText)
			}
		})
	}
}

func TestInvoker_FatalPropagates(t *testing.T) {
	def := Definition{
		Name: "store_write",
		Handler: func(ctx context.Context, exec *ExecContext, args json.RawMessage) (*models.ToolCallResult, error) {
			return nil, Fatal(errors.New("database unavailable"))
		},
	}
	inv, metrics := newTestInvoker(t, def)

	res, err := inv.Invoke(context.Background(), call("store_write", `{}`), nil)
	if err == nil || !IsFatal(err) {
		t.Fatalf("Invoke() error = %v, want fatal", err)
	}
	if res == nil || res.ErrorKind != string(KindFatal) {
		t.Errorf("result = %+v", res)
	}
	if v := testutil.ToFloat64(metrics.ToolCalls.WithLabelValues("store_write", "fatal")); v != 1 {
		t.Errorf("fatal count = %v", v)
	}
}

func TestInvoker_ExecContextIsExplicit(t *testing.T) {
	var got *ExecContext
	def := Definition{
		Name: "whoami",
		Handler: func(ctx context.Context, exec *ExecContext, args json.RawMessage) (*models.ToolCallResult, error) {
			got = exec
			return TextResult("ok"), nil
		},
	}
	inv, _ := newTestInvoker(t, def)
	exec := &ExecContext{ConversationID: "slack:C1", TurnID: "turn-9"}
	if _, err := inv.Invoke(context.Background(), models.ToolCall{ID: "c-7", Name: "whoami"}, exec); err != nil {
		t.Fatal(err)
	}
	if got.ConversationID != "slack:C1" || got.TurnID != "turn-9" || got.ToolCallID != "c-7" {
		t.Errorf("exec context = %+v", got)
	}
	if got.Logger == nil || got.Now.IsZero() {
		t.Error("exec context defaults not filled")
	}
	if exec.ToolCallID != "" {
		t.Error("caller's exec context was mutated")
	}
}

func TestInvoker_InvokeAllBoundedAndOrdered(t *testing.T) {
	var active, peak int32
	def := Definition{
		Name:        "sleepy",
		Independent: true,
		Schema:      json.RawMessage(`{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`),
		Handler: func(ctx context.Context, exec *ExecContext, args json.RawMessage) (*models.ToolCallResult, error) {
			n := atomic.AddInt32(&active, 1)
			defer atomic.AddInt32(&active, -1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			var in struct{ N int }
			_ = json.Unmarshal(args, &in)
			return TextResult("%d", in.N), nil
		},
	}
	inv, _ := newTestInvoker(t, def)

	var calls []models.ToolCall
	for _, n := range []string{"0", "1", "2", "3", "4"} {
		calls = append(calls, models.ToolCall{ID: "c" + n, Name: "sleepy", Input: json.RawMessage(`{"n":` + n + `}`)})
	}
	results, err := inv.InvokeAll(context.Background(), calls, nil)
	if err != nil {
		t.Fatalf("InvokeAll() error = %v", err)
	}
	for i, res := range results {
		if res.Text != calls[i].ID[1:] {
			t.Errorf("result[%d] = %q", i, res.Text)
		}
	}
	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestInvoker_TimedOutHandlerKeepsItsSlot(t *testing.T) {
	var active, started int32
	unblock := make(chan struct{})
	def := Definition{
		Name:    "stuck",
		Timeout: 20 * time.Millisecond,
		Handler: func(ctx context.Context, exec *ExecContext, args json.RawMessage) (*models.ToolCallResult, error) {
			atomic.AddInt32(&started, 1)
			if n := atomic.AddInt32(&active, 1); n > 1 {
				t.Errorf("%d handlers running at once, want at most 1", n)
			}
			defer atomic.AddInt32(&active, -1)
			<-unblock
			return TextResult("done"), nil
		},
	}
	reg := NewRegistry()
	if err := reg.Register(def); err != nil {
		t.Fatal(err)
	}
	inv := NewInvoker(reg, InvokerConfig{Concurrency: 1, Timeout: time.Second},
		WithMetrics(observability.NewTestMetrics()), WithLogger(observability.DiscardLogger()))

	res, err := inv.Invoke(context.Background(), call("stuck", `{}`), nil)
	if err != nil || res.ErrorKind != string(KindTimeout) {
		t.Fatalf("first Invoke() = %+v, %v, want timeout", res, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err = inv.Invoke(ctx, call("stuck", `{}`), nil)
	if err != nil || res.ErrorKind != string(KindCancelled) {
		t.Fatalf("second Invoke() = %+v, %v, want cancelled while slot is held", res, err)
	}
	if n := atomic.LoadInt32(&started); n != 1 {
		t.Fatalf("handlers started = %d, want 1", n)
	}

	close(unblock)
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&active) != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	res, err = inv.Invoke(context.Background(), call("stuck", `{}`), nil)
	if err != nil || res.IsError || res.Text != "done" {
		t.Fatalf("third Invoke() = %+v, %v, want done once the slot is free", res, err)
	}
}

func TestRegistry_Register(t *testing.T) {
	noop := func(ctx context.Context, exec *ExecContext, args json.RawMessage) (*models.ToolCallResult, error) {
		return nil, nil
	}
	tests := []struct {
		name    string
		def     Definition
		wantErr bool
	}{
		{name: "valid", def: Definition{Name: "ok_tool", Handler: noop}},
		{name: "empty name", def: Definition{Handler: noop}, wantErr: true},
		{name: "bad characters", def: Definition{Name: "has space", Handler: noop}, wantErr: true},
		{name: "missing handler", def: Definition{Name: "x"}, wantErr: true},
		{name: "bad schema", def: Definition{Name: "x", Handler: noop, Schema: json.RawMessage(`{"type":12}`)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry().Register(tt.def)
			if (err != nil) != tt.wantErr {
				t.Errorf("Register() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_OrderAndUnregister(t *testing.T) {
	reg := NewRegistry()
	noop := func(ctx context.Context, exec *ExecContext, args json.RawMessage) (*models.ToolCallResult, error) {
		return nil, nil
	}
	reg.MustRegister(
		Definition{Name: "b", Handler: noop},
		Definition{Name: "a", Handler: noop, RequiresConfirmation: true},
		Definition{Name: "c", Handler: noop},
	)
	reg.Unregister("c", "missing")

	defs := reg.Definitions()
	if len(defs) != 2 || defs[0].Name != "b" || defs[1].Name != "a" {
		t.Fatalf("definitions = %+v", defs)
	}
	if !reg.RequiresConfirmation("a") || reg.RequiresConfirmation("b") || reg.RequiresConfirmation("c") {
		t.Error("RequiresConfirmation mismatch")
	}
}

func TestSchemaFor(t *testing.T) {
	var doc map[string]any
	if err := json.Unmarshal(SchemaFor[addArgs](), &doc); err != nil {
		t.Fatal(err)
	}
	if _, ok := doc["$schema"]; ok {
		t.Error("$schema should be stripped")
	}
	props, _ := doc["properties"].(map[string]any)
	if _, ok := props["a"]; !ok {
		t.Errorf("properties = %v", props)
	}
	required, _ := doc["required"].([]any)
	if len(required) != 2 {
		t.Errorf("required = %v", required)
	}
}

func TestCoerceArguments(t *testing.T) {
	props := map[string]string{"n": "integer", "ok": "boolean", "tags": "array", "x": "number"}
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "empty", raw: ``, want: `{}`},
		{name: "null", raw: `null`, want: `{}`},
		{name: "empty string", raw: `""`, want: `{}`},
		{name: "wrapped object", raw: `"{\"n\":3}"`, want: `{"n":3}`},
		{name: "scalar strings", raw: `{"n":"7","ok":"true","x":"1.5"}`, want: `{"n":7,"ok":true,"x":1.5}`},
		{name: "float integer", raw: `{"n":"2.0"}`, want: `{"n":2}`},
		{name: "array string", raw: `{"tags":"[\"a\"]"}`, want: `{"tags":["a"]}`},
		{name: "uncoercible left alone", raw: `{"n":"seven"}`, want: `{"n":"seven"}`},
		{name: "invalid json", raw: `{`, wantErr: true},
		{name: "array", raw: `[1]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := coerceArguments(json.RawMessage(tt.raw), props)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			data, _ := json.Marshal(got)
			if string(data) != tt.want {
				t.Errorf("coerced = %s, want %s", data, tt.want)
			}
		})
	}
}
