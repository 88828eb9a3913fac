package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Call metrics
	activeCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_bridge_active_calls",
		Help: "Number of active phone calls",
	})

	totalCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_calls_total",
		Help: "Total number of calls processed",
	})

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_bridge_call_duration_seconds",
		Help:    "Duration of phone calls in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_audio_bytes_total",
		Help: "Total audio bytes relayed",
	}, []string{"direction"}) // direction: "in" or "out"

	pendingChunksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_pending_chunks_dropped_total",
		Help: "Audio chunks dropped from the pre-connect buffer on overflow",
	})

	// Report delivery metrics
	reportDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_report_deliveries_total",
		Help: "Call report delivery attempts by outcome",
	}, []string{"status"}) // status: "delivered", "failed", "skipped"

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})
)

// Metrics tracks metrics for a single call
type Metrics struct {
	sessionID string
	startTime time.Time
}

// NewCallMetrics creates a new metrics tracker for a call
func NewCallMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordCallStart records the start of a call
func (m *Metrics) RecordCallStart() {
	activeCalls.Inc()
	totalCalls.Inc()
}

// RecordCallEnd records the end of a call
func (m *Metrics) RecordCallEnd() {
	activeCalls.Dec()
	callDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordAudioBytes records audio bytes relayed in one direction
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordPendingChunksDropped records chunks dropped from the pre-connect buffer
func (m *Metrics) RecordPendingChunksDropped(n int) {
	pendingChunksDropped.Add(float64(n))
}

// RecordReportDelivery records a call report delivery outcome
func (m *Metrics) RecordReportDelivery(status string) {
	reportDeliveries.WithLabelValues(status).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}
