package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all pipeline metrics
type Metrics struct {
	// Capture counters
	FramesCaptured  atomic.Uint64
	CaptureErrors   atomic.Uint64
	CaptureTimeouts atomic.Uint64
	SourceRestarts  atomic.Uint64

	// Analysis counters
	FramesAnalyzed  atomic.Uint64
	InferenceErrors atomic.Uint64
	Triggers        atomic.Uint64

	// Recording counters
	SessionsOpened atomic.Uint64
	FramesRecorded atomic.Uint64
	StorageErrors  atomic.Uint64

	// Latency tracking
	FrameLatencyMs atomic.Uint64 // Age of the last analyzed frame in ms

	// Recorder state
	RecorderState  atomic.Uint64 // recorder.State value
	PreRollFrames  atomic.Uint64
	SessionFrames  atomic.Uint64
	CaptureRunning atomic.Uint64 // 0 = stopped, 1 = running

	inferenceLatency prometheus.Histogram

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		inferenceLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "grabber_inference_latency_seconds",
			Help:    "Round trip time of inference requests",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) gauge(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
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
	m.counter("grabber_frames_captured_total", "Frames received from the frame source", &m.FramesCaptured)
	m.counter("grabber_capture_errors_total", "Frame decode failures reported by the frame source", &m.CaptureErrors)
	m.counter("grabber_capture_timeouts_total", "Waits for a frame that timed out", &m.CaptureTimeouts)
	m.counter("grabber_source_restarts_total", "Frame source restarts after the capture loop stopped", &m.SourceRestarts)

	m.counter("grabber_frames_analyzed_total", "Frames sent to inference", &m.FramesAnalyzed)
	m.counter("grabber_inference_errors_total", "Failed or timed out inference calls", &m.InferenceErrors)
	m.counter("grabber_triggers_total", "Analyzed frames that crossed the detection threshold", &m.Triggers)

	m.counter("grabber_sessions_opened_total", "Recording sessions opened", &m.SessionsOpened)
	m.counter("grabber_frames_recorded_total", "Frames written to recording sessions", &m.FramesRecorded)
	m.counter("grabber_storage_errors_total", "Failed clip writes", &m.StorageErrors)

	m.gauge("grabber_frame_latency_ms", "Age of the last analyzed frame in milliseconds", &m.FrameLatencyMs)
	m.gauge("grabber_recorder_state", "Recorder state (0=idle, 1=preroll, 2=recording, 3=holdover)", &m.RecorderState)
	m.gauge("grabber_preroll_frames", "Frames held in the pre-roll buffer", &m.PreRollFrames)
	m.gauge("grabber_session_frames", "Frames written to the current session", &m.SessionFrames)
	m.gauge("grabber_capture_running", "Capture loop running (0=stopped, 1=running)", &m.CaptureRunning)

	m.registry.MustRegister(m.inferenceLatency)
}

// UpdateFrameLatency records the age of a frame at analysis time
func (m *Metrics) UpdateFrameLatency(captureTime time.Time) {
	latency := time.Since(captureTime).Milliseconds()
	if latency < 0 {
		latency = 0
	}
	m.FrameLatencyMs.Store(uint64(latency))
}

// ObserveInference records one inference round trip
func (m *Metrics) ObserveInference(d time.Duration) {
	m.inferenceLatency.Observe(d.Seconds())
}

// SetCaptureRunning updates the capture loop gauge
func (m *Metrics) SetCaptureRunning(running bool) {
	if running {
		m.CaptureRunning.Store(1)
	} else {
		m.CaptureRunning.Store(0)
	}
}

// Registry exposes the private registry (tests, embedding)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
