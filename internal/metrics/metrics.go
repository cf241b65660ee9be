package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dj-oyu/exam-proctor/monitor-server/pkg/types"
)

// Metrics holds all application metrics
type Metrics struct {
	// Frame counters
	FramesReceived atomic.Uint64
	FramesRejected atomic.Uint64 // Structurally invalid payloads
	DecodeFailures atomic.Uint64

	// Alert counters
	AlertsFired      atomic.Uint64
	AlertsSuppressed atomic.Uint64
	TabSwitches      atomic.Uint64

	// Fan-out
	NotificationsSent    atomic.Uint64
	NotificationsDropped atomic.Uint64
	SnapshotsWritten     atomic.Uint64
	SnapshotsDropped     atomic.Uint64
	SnapshotErrors       atomic.Uint64

	// Persistence
	Flushes       atomic.Uint64
	FlushErrors   atomic.Uint64
	RecordsSaved  atomic.Uint64
	LastFlushUnix atomic.Int64

	// Sessions and clients
	ActiveSessions atomic.Int64
	StreamClients  atomic.Int64 // SSE + WebSocket subscribers
	WebRTCClients  atomic.Int64
	TotalClients   atomic.Uint64

	// Latency tracking
	ClassifyLatencyUs atomic.Uint64 // Last classification latency in microseconds

	classifications *prometheus.CounterVec
	classifyLatency prometheus.Histogram

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		classifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proctor_classifications_total",
				Help: "Frames classified, by category",
			},
			[]string{"category"},
		),
		classifyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "proctor_classify_duration_seconds",
			Help:    "Time spent decoding and classifying one frame",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) gauge(name, help string, v *atomic.Int64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(m.classifications, m.classifyLatency)

	// Frames
	m.counter("proctor_frames_received_total", "Frames submitted for classification", &m.FramesReceived)
	m.counter("proctor_frames_rejected_total", "Requests without image data", &m.FramesRejected)
	m.counter("proctor_decode_failures_total", "Frames that could not be decoded", &m.DecodeFailures)

	// Alerts
	m.counter("proctor_alerts_fired_total", "Alerts delivered to students", &m.AlertsFired)
	m.counter("proctor_alerts_suppressed_total", "Violations suppressed by the cooldown gate", &m.AlertsSuppressed)
	m.counter("proctor_tab_switches_total", "Tab switch events", &m.TabSwitches)

	// Fan-out
	m.counter("proctor_notifications_sent_total", "Alert events handed to notifiers", &m.NotificationsSent)
	m.counter("proctor_notifications_dropped_total", "Alert events dropped on a full queue", &m.NotificationsDropped)
	m.counter("proctor_snapshots_written_total", "Evidence snapshots written", &m.SnapshotsWritten)
	m.counter("proctor_snapshots_dropped_total", "Evidence snapshots dropped on a full queue", &m.SnapshotsDropped)
	m.counter("proctor_snapshot_errors_total", "Evidence snapshot write failures", &m.SnapshotErrors)

	// Persistence
	m.counter("proctor_flushes_total", "Store flushes", &m.Flushes)
	m.counter("proctor_flush_errors_total", "Failed store flushes", &m.FlushErrors)
	m.counter("proctor_records_saved_total", "Monitoring records written to the store", &m.RecordsSaved)
	m.gauge("proctor_last_flush_timestamp_seconds", "Unix time of the last successful flush", &m.LastFlushUnix)

	// Sessions and clients
	m.gauge("proctor_active_sessions", "Live monitoring sessions", &m.ActiveSessions)
	m.gauge("proctor_stream_clients", "Connected alert stream subscribers", &m.StreamClients)
	m.gauge("proctor_webrtc_clients", "Connected WebRTC peers", &m.WebRTCClients)
	m.counter("proctor_total_clients", "Total real-time clients connected", &m.TotalClients)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "proctor_classify_latency_us",
			Help: "Last classification latency in microseconds",
		},
		func() float64 { return float64(m.ClassifyLatencyUs.Load()) },
	))
}

// ObserveClassification records one classified frame.
func (m *Metrics) ObserveClassification(category types.Category, took time.Duration) {
	m.classifications.WithLabelValues(category.String()).Inc()
	m.classifyLatency.Observe(took.Seconds())
	m.ClassifyLatencyUs.Store(uint64(took.Microseconds()))
}

// Registry returns the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server on its own mux
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
