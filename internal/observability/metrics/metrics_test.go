package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCallGaugeTracksStartAndEnd(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.CallStarted()
	m.CallStarted()
	m.CallEnded("sip", "bye")

	if got := testutil.ToFloat64(m.CallsActive); got != 1 {
		t.Fatalf("expected 1 active call, got %v", got)
	}
	if got := testutil.ToFloat64(m.CallsTotal.WithLabelValues("sip", "bye")); got != 1 {
		t.Fatalf("expected 1 finished call, got %v", got)
	}
}

func TestRecordEventLabelsResult(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordEvent("turn.completed", true)
	m.RecordEvent("turn.completed", false)
	m.RecordEvent("turn.completed", false)

	if got := testutil.ToFloat64(m.EventsPublished.WithLabelValues("turn.completed", "error")); got != 2 {
		t.Fatalf("expected 2 failed publishes, got %v", got)
	}
}
