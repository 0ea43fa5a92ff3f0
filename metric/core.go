package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the core bridge-level metrics (not per-stream metrics,
// which components register themselves).
type Metrics struct {
	// Handle metrics
	HandlesOpen     prometheus.Gauge
	HandleOpenTotal *prometheus.CounterVec // status: ok|error

	// Stream metrics
	StreamsTotal  *prometheus.CounterVec // outcome: ok|failed|canceled|corrupt
	RecordsTotal  prometheus.Counter
	BytesTotal    prometheus.Counter
	RecordSize    prometheus.Histogram
	CallDuration  prometheus.Histogram
	CorruptTotal  prometheus.Counter
	BackpressureT prometheus.Counter

	// Diagnostics delivered during native calls, by level
	DiagnosticsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all bridge metrics
func NewMetrics() *Metrics {
	return &Metrics{
		HandlesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dbstream",
			Subsystem: "handle",
			Name:      "open",
			Help:      "Number of currently open native client handles",
		}),

		HandleOpenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbstream",
			Subsystem: "handle",
			Name:      "open_total",
			Help:      "Total handle open attempts by status",
		}, []string{"status"}),

		StreamsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbstream",
			Subsystem: "stream",
			Name:      "completed_total",
			Help:      "Total streams by terminal outcome",
		}, []string{"outcome"}),

		RecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbstream",
			Subsystem: "stream",
			Name:      "records_total",
			Help:      "Total records copied out of native callbacks",
		}),

		BytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbstream",
			Subsystem: "stream",
			Name:      "bytes_total",
			Help:      "Total record bytes copied out of native callbacks",
		}),

		RecordSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dbstream",
			Subsystem: "stream",
			Name:      "record_size_bytes",
			Help:      "Distribution of declared record sizes",
			Buckets:   []float64{16, 32, 64, 128, 256, 512, 1024, 4096, 16384, 65536},
		}),

		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dbstream",
			Subsystem: "stream",
			Name:      "call_duration_seconds",
			Help:      "Duration of native streaming calls",
			Buckets:   prometheus.DefBuckets,
		}),

		CorruptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbstream",
			Subsystem: "stream",
			Name:      "corrupt_records_total",
			Help:      "Records rejected because their declared length failed validation",
		}),

		BackpressureT: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbstream",
			Subsystem: "stream",
			Name:      "backpressure_timeouts_total",
			Help:      "Streams canceled because the consumer did not drain the channel in time",
		}),

		DiagnosticsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbstream",
			Subsystem: "diag",
			Name:      "messages_total",
			Help:      "Diagnostic messages delivered during native calls, by level",
		}, []string{"level"}),
	}
}

func (m *Metrics) register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.HandlesOpen,
		m.HandleOpenTotal,
		m.StreamsTotal,
		m.RecordsTotal,
		m.BytesTotal,
		m.RecordSize,
		m.CallDuration,
		m.CorruptTotal,
		m.BackpressureT,
		m.DiagnosticsTotal,
	)
}

// RecordStreamOutcome increments the per-outcome stream counter
func (m *Metrics) RecordStreamOutcome(outcome string) {
	m.StreamsTotal.WithLabelValues(outcome).Inc()
}

// RecordRecord tracks one copied record of the given declared size
func (m *Metrics) RecordRecord(size int) {
	m.RecordsTotal.Inc()
	m.BytesTotal.Add(float64(size))
	m.RecordSize.Observe(float64(size))
}

// RecordCallDuration tracks one native call's wall time
func (m *Metrics) RecordCallDuration(d time.Duration) {
	m.CallDuration.Observe(d.Seconds())
}

// RecordDiagnostic increments the per-level diagnostic counter
func (m *Metrics) RecordDiagnostic(level string) {
	m.DiagnosticsTotal.WithLabelValues(level).Inc()
}
