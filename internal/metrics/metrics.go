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
	// Frame counters
	FramesDecoded      atomic.Uint64
	FramesAnnotated    atomic.Uint64
	DetectionsAccepted atomic.Uint64

	// Error counters
	InferenceErrors atomic.Uint64
	DecodeErrors    atomic.Uint64
	ExportErrors    atomic.Uint64

	// Latency tracking
	InferenceLatencyMs atomic.Uint64 // Last inference latency in ms
	VideoLatencyMs     atomic.Uint64 // Last full video run in ms

	// Sessions
	SessionsCreated  atomic.Uint64
	SessionsExported atomic.Uint64
	SessionsEvicted  atomic.Uint64
	SessionsActive   atomic.Int64

	// Jobs
	JobsQueued    atomic.Int64
	JobsRunning   atomic.Int64
	JobsCompleted atomic.Uint64
	JobsFailed    atomic.Uint64

	// Live detection peers
	LivePeers      atomic.Int64
	LiveFramesSeen atomic.Uint64

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

func (m *Metrics) gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		fn,
	))
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.counter("trash_frames_decoded_total", "Total frames decoded from uploaded videos", &m.FramesDecoded)
	m.counter("trash_frames_annotated_total", "Total frames run through the detector", &m.FramesAnnotated)
	m.counter("trash_detections_total", "Total detections kept after threshold and cap", &m.DetectionsAccepted)

	m.counter("trash_inference_errors_total", "Total detector failures", &m.InferenceErrors)
	m.counter("trash_decode_errors_total", "Total unreadable uploads or frames", &m.DecodeErrors)
	m.counter("trash_export_errors_total", "Total failed video exports", &m.ExportErrors)

	m.gauge("trash_inference_latency_ms", "Last inference latency in milliseconds",
		func() float64 { return float64(m.InferenceLatencyMs.Load()) })
	m.gauge("trash_video_latency_ms", "Last video processing duration in milliseconds",
		func() float64 { return float64(m.VideoLatencyMs.Load()) })

	m.counter("trash_sessions_created_total", "Total sessions registered", &m.SessionsCreated)
	m.counter("trash_sessions_exported_total", "Total sessions exported as video", &m.SessionsExported)
	m.counter("trash_sessions_evicted_total", "Total sessions dropped by expiry or capacity", &m.SessionsEvicted)
	m.gauge("trash_sessions_active", "Sessions waiting for export",
		func() float64 { return float64(m.SessionsActive.Load()) })

	m.gauge("trash_jobs_queued", "Jobs waiting for a worker",
		func() float64 { return float64(m.JobsQueued.Load()) })
	m.gauge("trash_jobs_running", "Jobs being processed",
		func() float64 { return float64(m.JobsRunning.Load()) })
	m.counter("trash_jobs_completed_total", "Total jobs finished successfully", &m.JobsCompleted)
	m.counter("trash_jobs_failed_total", "Total jobs that failed", &m.JobsFailed)

	m.gauge("trash_live_peers", "Connected live detection peers",
		func() float64 { return float64(m.LivePeers.Load()) })
	m.counter("trash_live_frames_total", "Total frames received from live peers", &m.LiveFramesSeen)
}

// ObserveInference records one detector call.
func (m *Metrics) ObserveInference(d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.InferenceErrors.Add(1)
		return
	}
	m.FramesAnnotated.Add(1)
	m.InferenceLatencyMs.Store(uint64(d.Milliseconds()))
}

// UpdateVideoLatency stores the duration of the last video run.
func (m *Metrics) UpdateVideoLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.VideoLatencyMs.Store(uint64(d.Milliseconds()))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr.
func (m *Metrics) StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
