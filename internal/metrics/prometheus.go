package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the live translation server
type Metrics struct {
	registry *prometheus.Registry

	// Capture metrics
	FramesQueued     prometheus.Counter
	FramesDropped    prometheus.Counter
	QueueLength      prometheus.Gauge
	DeviceOpenErrors prometheus.Counter

	// Session metrics
	SessionActive   prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionDuration prometheus.Histogram

	// Chunk metrics
	ChunksAssembled prometheus.Counter
	ChunksGated     *prometheus.CounterVec
	ChunkRMS        prometheus.Histogram

	// Inference metrics
	InferenceRequests *prometheus.CounterVec
	InferenceFailures *prometheus.CounterVec
	InferenceDuration *prometheus.HistogramVec
	InferenceInFlight prometheus.Gauge

	// Event bus metrics
	ClientsConnected prometheus.Gauge
	ClientsDropped   prometheus.Counter
	EventsSent       *prometheus.CounterVec
	RequestsRejected *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics on reg. A nil reg gets a fresh registry with
// the Go runtime and process collectors.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Capture metrics
		FramesQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "livetranslate_frames_queued_total",
			Help: "Total number of audio frames accepted by the frame queue",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "livetranslate_frames_dropped_total",
			Help: "Total number of audio frames dropped because the queue was full",
		}),
		QueueLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livetranslate_frame_queue_length",
			Help: "Current number of frames waiting in the queue",
		}),
		DeviceOpenErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "livetranslate_device_open_errors_total",
			Help: "Total number of failed capture device opens",
		}),

		// Session metrics
		SessionActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livetranslate_session_active",
			Help: "1 while a transcription session is running",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "livetranslate_sessions_started_total",
			Help: "Total number of transcription sessions started",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "livetranslate_session_duration_seconds",
			Help:    "Duration of transcription sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		// Chunk metrics
		ChunksAssembled: factory.NewCounter(prometheus.CounterOpts{
			Name: "livetranslate_chunks_assembled_total",
			Help: "Total number of audio chunks assembled",
		}),
		ChunksGated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livetranslate_chunks_gated_total",
			Help: "Gate decisions by outcome",
		}, []string{"outcome"}),
		ChunkRMS: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "livetranslate_chunk_rms",
			Help:    "RMS loudness of assembled chunks",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),

		// Inference metrics
		InferenceRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livetranslate_inference_requests_total",
			Help: "Total number of inference calls by stage",
		}, []string{"stage"}),
		InferenceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livetranslate_inference_failures_total",
			Help: "Total number of failed inference calls by stage",
		}, []string{"stage"}),
		InferenceDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livetranslate_inference_duration_seconds",
			Help:    "Inference call latency by stage",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"stage"}),
		InferenceInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livetranslate_inference_in_flight",
			Help: "Chunks currently being transcribed or translated",
		}),

		// Event bus metrics
		ClientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livetranslate_clients_connected",
			Help: "Current number of connected WebSocket clients",
		}),
		ClientsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "livetranslate_clients_dropped_total",
			Help: "Total number of clients disconnected for falling behind",
		}),
		EventsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livetranslate_events_sent_total",
			Help: "Total number of events delivered to clients by event name",
		}, []string{"event"}),
		RequestsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livetranslate_requests_rejected_total",
			Help: "Total number of rejected client requests by request name",
		}, []string{"request"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livetranslate_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livetranslate_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livetranslate_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordFrame counts a capture callback push
func (m *Metrics) RecordFrame(dropped bool, queueLength int) {
	if dropped {
		m.FramesDropped.Inc()
	} else {
		m.FramesQueued.Inc()
	}
	m.QueueLength.Set(float64(queueLength))
}

// RecordDeviceOpenError increments the device open failure counter
func (m *Metrics) RecordDeviceOpenError() {
	m.DeviceOpenErrors.Inc()
}

// RecordSessionStarted marks a session as running
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
	m.SessionActive.Set(1)
}

// RecordSessionEnded marks the session idle and records its duration
func (m *Metrics) RecordSessionEnded(durationSeconds float64) {
	m.SessionActive.Set(0)
	m.SessionDuration.Observe(durationSeconds)
	m.QueueLength.Set(0)
}

// RecordChunk records an assembled chunk and the gate decision
func (m *Metrics) RecordChunk(rms float64, passed bool) {
	m.ChunksAssembled.Inc()
	m.ChunkRMS.Observe(rms)
	if passed {
		m.ChunksGated.WithLabelValues("passed").Inc()
	} else {
		m.ChunksGated.WithLabelValues("silence").Inc()
	}
}

// RecordInference records one transcription or translation call
func (m *Metrics) RecordInference(stage string, durationSeconds float64, failed bool) {
	m.InferenceRequests.WithLabelValues(stage).Inc()
	m.InferenceDuration.WithLabelValues(stage).Observe(durationSeconds)
	if failed {
		m.InferenceFailures.WithLabelValues(stage).Inc()
	}
}

// SetClientsConnected sets the connected clients gauge
func (m *Metrics) SetClientsConnected(count int) {
	m.ClientsConnected.Set(float64(count))
}

// RecordClientDropped increments the slow client counter
func (m *Metrics) RecordClientDropped() {
	m.ClientsDropped.Inc()
}

// RecordEventSent counts a delivered event
func (m *Metrics) RecordEventSent(event string) {
	m.EventsSent.WithLabelValues(event).Inc()
}

// RecordRequestRejected counts a rejected client request
func (m *Metrics) RecordRequestRejected(request string) {
	m.RequestsRejected.WithLabelValues(request).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
