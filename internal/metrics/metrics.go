package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Detection loop
	Ticks             atomic.Uint64
	TicksSkipped      atomic.Uint64 // No new complete frame
	ClassifyErrors    atomic.Uint64
	ClassifyLatencyMs atomic.Uint64 // Last classification latency

	// Violations
	ViolationsAccepted   atomic.Uint64
	ViolationsSuppressed atomic.Uint64 // Rejected by cooldown
	TabSwitches          atomic.Uint64 // Raw hide events

	// Reporter
	ReportsSent   atomic.Uint64
	ReportsFailed atomic.Uint64

	// Session state (0/1 gauges)
	CameraActive atomic.Uint64
	ModelReady   atomic.Uint64

	// Ingestion endpoint
	IngestViolations   atomic.Uint64
	IngestRejected     atomic.Uint64
	IngestStreamClient atomic.Int64
	ArchiveDropped     atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) gauge(name, help string, value func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		value,
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.gauge("proctor_ticks_total", "Detection loop ticks",
		func() float64 { return float64(m.Ticks.Load()) })
	m.gauge("proctor_ticks_skipped_total", "Ticks skipped because no new complete frame was ready",
		func() float64 { return float64(m.TicksSkipped.Load()) })
	m.gauge("proctor_classify_errors_total", "Classifier invocations that failed",
		func() float64 { return float64(m.ClassifyErrors.Load()) })
	m.gauge("proctor_classify_latency_ms", "Latency of the last classifier invocation in milliseconds",
		func() float64 { return float64(m.ClassifyLatencyMs.Load()) })

	m.gauge("proctor_violations_accepted_total", "Violations accepted by the debouncer",
		func() float64 { return float64(m.ViolationsAccepted.Load()) })
	m.gauge("proctor_violations_suppressed_total", "Violation candidates suppressed by cooldown",
		func() float64 { return float64(m.ViolationsSuppressed.Load()) })
	m.gauge("proctor_tab_switches_total", "Page hide events observed",
		func() float64 { return float64(m.TabSwitches.Load()) })

	m.gauge("proctor_reports_sent_total", "Violations delivered to the ingestion endpoint",
		func() float64 { return float64(m.ReportsSent.Load()) })
	m.gauge("proctor_reports_failed_total", "Violation deliveries that failed",
		func() float64 { return float64(m.ReportsFailed.Load()) })

	m.gauge("proctor_camera_active", "Camera active (0=no, 1=yes)",
		func() float64 { return float64(m.CameraActive.Load()) })
	m.gauge("proctor_model_ready", "Classifier ready (0=no, 1=yes)",
		func() float64 { return float64(m.ModelReady.Load()) })

	m.gauge("ingest_violations_total", "Violations stored by the ingestion endpoint",
		func() float64 { return float64(m.IngestViolations.Load()) })
	m.gauge("ingest_rejected_total", "Ingestion requests rejected as malformed",
		func() float64 { return float64(m.IngestRejected.Load()) })
	m.gauge("ingest_stream_clients", "Connected violation stream clients",
		func() float64 { return float64(m.IngestStreamClient.Load()) })
	m.gauge("ingest_archive_dropped_total", "Violations dropped because the archive buffer was full",
		func() float64 { return float64(m.ArchiveDropped.Load()) })
}

// UpdateClassifyLatency records the latency of the last classification
func (m *Metrics) UpdateClassifyLatency(d time.Duration) {
	m.ClassifyLatencyMs.Store(uint64(d.Milliseconds()))
}

// SetFlag stores a boolean gauge
func SetFlag(g *atomic.Uint64, on bool) {
	if on {
		g.Store(1)
		return
	}
	g.Store(0)
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
