// Package metrics provides Prometheus metrics for the voice pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voice_agent"

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	// Turn metrics
	TurnsTotal   *prometheus.CounterVec
	StageLatency *prometheus.HistogramVec

	// Speech metrics
	RecognitionResults *prometheus.CounterVec
	SynthesisFailures  *prometheus.CounterVec
	ConversionFailures *prometheus.CounterVec

	// Telephony metrics
	CallsTotal    *prometheus.CounterVec
	CallsActive   prometheus.Gauge
	FramesDropped prometheus.Counter
	CallApologies prometheus.Counter

	// Event publish metrics
	EventsPublished *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates and registers all collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Orchestrated turns by outcome",
		}, []string{"mode", "outcome"}),
		StageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_seconds",
			Help:      "Latency of pipeline stages",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 45},
		}, []string{"stage"}),
		RecognitionResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_results_total",
			Help:      "Recognizer outcomes by status and backend",
		}, []string{"backend", "status"}),
		SynthesisFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_failures_total",
			Help:      "Synthesis failures by backend",
		}, []string{"backend"}),
		ConversionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversion_failures_total",
			Help:      "Transcoder failures by detected container",
		}, []string{"container"}),
		CallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Telephony calls by transport and final state",
		}, []string{"transport", "reason"}),
		CallsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Currently active telephony calls",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound media frames dropped by the bounded call queue",
		}),
		CallApologies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_apologies_total",
			Help:      "Apology utterances substituted after a failed call turn",
		}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Domain events by type and result",
		}, []string{"type", "result"}),
	}
}

// RecordTurn records a finished turn.
func (m *Metrics) RecordTurn(mode, outcome string) {
	m.TurnsTotal.WithLabelValues(mode, outcome).Inc()
}

// ObserveStage records how long one pipeline stage took.
func (m *Metrics) ObserveStage(stage string, started time.Time) {
	m.StageLatency.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

// RecordRecognition counts a recognizer result.
func (m *Metrics) RecordRecognition(backend, status string) {
	m.RecognitionResults.WithLabelValues(backend, status).Inc()
}

// RecordSynthesisFailure counts a failed synthesis.
func (m *Metrics) RecordSynthesisFailure(backend string) {
	m.SynthesisFailures.WithLabelValues(backend).Inc()
}

// RecordConversionFailure counts a failed transcode.
func (m *Metrics) RecordConversionFailure(container string) {
	m.ConversionFailures.WithLabelValues(container).Inc()
}

// CallStarted increments the active call gauge.
func (m *Metrics) CallStarted() {
	m.CallsActive.Inc()
}

// CallEnded decrements the active call gauge and counts the call.
func (m *Metrics) CallEnded(transport, reason string) {
	m.CallsActive.Dec()
	m.CallsTotal.WithLabelValues(transport, reason).Inc()
}

// RecordFrameDropped counts one frame dropped by backpressure.
func (m *Metrics) RecordFrameDropped() {
	m.FramesDropped.Inc()
}

// RecordApology counts one apology utterance.
func (m *Metrics) RecordApology() {
	m.CallApologies.Inc()
}

// RecordEvent counts one publish attempt.
func (m *Metrics) RecordEvent(eventType string, success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	m.EventsPublished.WithLabelValues(eventType, result).Inc()
}
