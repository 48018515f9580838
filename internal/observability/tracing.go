package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const defaultServiceName = "parley"

// TraceConfig configures span export.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is the OTLP/gRPC collector address. Empty disables export.
	Endpoint string

	// SamplingRate is the fraction of turns traced. Zero means every turn.
	SamplingRate float64

	// EnableInsecure dials the collector without TLS.
	EnableInsecure bool
}

// Tracer opens the spans for turns, model calls and tool calls. The zero
// value and a nil *Tracer are valid and record nothing.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer exports spans to cfg.Endpoint. Without an endpoint it returns
// a tracer on the global (no-op unless configured) provider. When the
// exporter cannot be built the no-op tracer is returned with the error.
func NewTracer(ctx context.Context, cfg TraceConfig) (*Tracer, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	fallback := &Tracer{tracer: otel.Tracer(cfg.ServiceName)}
	if cfg.Endpoint == "" {
		return fallback, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fallback, fmt.Errorf("failed to create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithTelemetrySDK(), resource.WithAttributes(serviceAttrs(cfg)...))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(samplerFor(cfg.SamplingRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return NewTracerWithProvider(provider, cfg), nil
}

// NewTracerWithProvider builds a Tracer on provider. Shutdown flushes it.
func NewTracerWithProvider(provider *sdktrace.TracerProvider, cfg TraceConfig) *Tracer {
	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	return &Tracer{provider: provider, tracer: provider.Tracer(name)}
}

func serviceAttrs(cfg TraceConfig) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	return attrs
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate == 0 || rate >= 1:
		return sdktrace.AlwaysSample()
	case rate < 0:
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

// Shutdown flushes pending spans. It is a no-op for tracers that do not
// own a provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// Start opens a span named name.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceTurn opens the root span for one batch of inbound events.
func (t *Tracer) TraceTurn(ctx context.Context, conversationID, turnID string, batchSize int) (context.Context, trace.Span) {
	return t.Start(ctx, "turn",
		attribute.String("conversation.id", conversationID),
		attribute.String("turn.id", turnID),
		attribute.Int("batch.size", batchSize),
	)
}

func (t *Tracer) TraceModelCall(ctx context.Context, provider string, iteration int) (context.Context, trace.Span) {
	return t.Start(ctx, "model.generate",
		attribute.String("model.provider", provider),
		attribute.Int("loop.iteration", iteration),
	)
}

func (t *Tracer) TraceToolCall(ctx context.Context, tool, callID string) (context.Context, trace.Span) {
	return t.Start(ctx, "tool."+tool,
		attribute.String("tool.name", tool),
		attribute.String("tool.call_id", callID),
	)
}
