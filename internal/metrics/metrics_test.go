package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestGlobalIsSingleton(t *testing.T) {
	if Global() != Global() {
		t.Fatalf("expected the same metrics instance")
	}
}

func TestCallsByLabel(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(m.Calls)

	m.Calls.WithLabelValues("hosted", "complete").Inc()
	m.Calls.WithLabelValues("hosted", "complete").Inc()
	m.Calls.WithLabelValues("self_hosted", "partial").Inc()

	var out dto.Metric
	if err := m.Calls.WithLabelValues("hosted", "complete").Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if got := out.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected 2 complete hosted calls, got %v", got)
	}
}
