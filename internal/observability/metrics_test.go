package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_PrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.TurnsTotal.WithLabelValues("completed").Inc()
	m.TurnsTotal.WithLabelValues("completed").Inc()
	m.ToolCalls.WithLabelValues("add_note", "success").Inc()
	m.BatchRequeues.Inc()

	if got := testutil.ToFloat64(m.TurnsTotal.WithLabelValues("completed")); got != 2 {
		t.Errorf("turns completed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BatchRequeues); got != 1 {
		t.Errorf("requeues = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected registered metric families")
	}
}

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	// Two instances on separate registries must not collide.
	a := NewTestMetrics()
	b := NewTestMetrics()
	a.Confirmations.WithLabelValues("approved").Inc()
	if got := testutil.ToFloat64(b.Confirmations.WithLabelValues("approved")); got != 0 {
		t.Errorf("registries leaked state: %v", got)
	}
}
