package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the turn processor.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.TurnsTotal.WithLabelValues("completed").Inc()
type Metrics struct {
	// EventsReceived counts inbound events by channel and kind.
	// Labels: channel, kind (message|confirmation|wake)
	EventsReceived *prometheus.CounterVec

	// BatchSize observes how many events each debounce window coalesced.
	BatchSize prometheus.Histogram

	// BatchRequeues counts batches returned to the buffer after a failed handoff.
	BatchRequeues prometheus.Counter

	// TurnsTotal counts finished turns by terminal state.
	// Labels: state (completed|errored|aborted)
	TurnsTotal *prometheus.CounterVec

	// TurnDuration measures turn latency from handoff to finalize, in seconds.
	TurnDuration prometheus.Histogram

	// TurnIterations observes loop iterations per turn.
	TurnIterations prometheus.Histogram

	// ModelRequestDuration measures model call latency in seconds.
	// Labels: provider, status (success|error)
	ModelRequestDuration *prometheus.HistogramVec

	// ToolCalls counts tool invocations.
	// Labels: tool, outcome (success|error|validation|timeout|panic|fatal|denied)
	ToolCalls *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// Confirmations counts confirmation resolutions.
	// Labels: outcome (approved|denied|timed_out)
	Confirmations *prometheus.CounterVec

	// DeliveryFailures counts outbound sends that failed.
	// Labels: channel
	DeliveryFailures *prometheus.CounterVec

	// PersistenceErrors counts storage failures on the turn path.
	// Labels: operation (begin|finalize|delivery)
	PersistenceErrors *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors with reg.
// A nil reg registers with prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		EventsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_events_received_total",
				Help: "Inbound events received by channel and kind",
			},
			[]string{"channel", "kind"},
		),
		BatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parley_batch_size",
				Help:    "Number of inbound events coalesced into one batch",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
			},
		),
		BatchRequeues: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_batch_requeues_total",
				Help: "Batches returned to the buffer after a failed handoff",
			},
		),
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_turns_total",
				Help: "Finished turns by terminal state",
			},
			[]string{"state"},
		),
		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parley_turn_duration_seconds",
				Help:    "Turn latency from batch handoff to finalize",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
		),
		TurnIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parley_turn_iterations",
				Help:    "Orchestrator loop iterations per turn",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
			},
		),
		ModelRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_model_request_duration_seconds",
				Help:    "Duration of model requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "status"},
		),
		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_tool_calls_total",
				Help: "Tool invocations by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_tool_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		Confirmations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_confirmations_total",
				Help: "Confirmation resolutions by outcome",
			},
			[]string{"outcome"},
		),
		DeliveryFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_delivery_failures_total",
				Help: "Outbound deliveries that failed by channel",
			},
			[]string{"channel"},
		),
		PersistenceErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_persistence_errors_total",
				Help: "Storage failures on the turn path by operation",
			},
			[]string{"operation"},
		),
	}
}

// NewTestMetrics returns metrics registered on a private registry.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
