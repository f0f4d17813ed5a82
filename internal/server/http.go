package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/MisterGoodDeal/live-translation/internal/config"
	"github.com/MisterGoodDeal/live-translation/internal/eventbus"
	"github.com/MisterGoodDeal/live-translation/internal/metrics"
	"github.com/MisterGoodDeal/live-translation/internal/session"
	"github.com/MisterGoodDeal/live-translation/internal/settings"
	"github.com/MisterGoodDeal/live-translation/internal/transcription"
)

const serviceName = "live-translation"

// StatusSource reports session state.
type StatusSource interface {
	Status() session.Status
}

// SettingsReader provides the runtime settings.
type SettingsReader interface {
	Snapshot() settings.Config
}

// TranscriptionStats is implemented by backends that keep request counters.
type TranscriptionStats interface {
	GetStats() transcription.ClientStats
}

// TranslatorStatus reports whether translation is available.
type TranslatorStatus interface {
	Available() bool
}

// HTTPDependencies groups the collaborators of an HTTPServer.
type HTTPDependencies struct {
	Config        *config.Config
	Hub           *eventbus.Hub
	Loop          *Loop
	Session       StatusSource
	Settings      SettingsReader
	Transcription TranscriptionStats // optional
	Translator    TranslatorStatus
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// HTTPServer serves the WebSocket event channel and the monitoring endpoints
type HTTPServer struct {
	server        *http.Server
	logger        *slog.Logger
	config        *config.Config
	hub           *eventbus.Hub
	loop          *Loop
	session       StatusSource
	settings      SettingsReader
	transcription TranscriptionStats
	translator    TranslatorStatus
	metrics       *metrics.Metrics
	upgrader      websocket.Upgrader

	// Server state
	startTime time.Time
	ctx       context.Context
	mu        sync.RWMutex
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg HTTPServerConfig, deps HTTPDependencies) *HTTPServer {
	h := &HTTPServer{
		logger:        deps.Logger,
		config:        deps.Config,
		hub:           deps.Hub,
		loop:          deps.Loop,
		session:       deps.Session,
		settings:      deps.Settings,
		transcription: deps.Transcription,
		translator:    deps.Translator,
		metrics:       deps.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
		ctx:       context.Background(),
	}

	h.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Address, fmt.Sprintf("%d", cfg.Port)),
		Handler:      h.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// routes configures HTTP routes
func (h *HTTPServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", h.withMetrics("/", h.handleRoot))
	r.Get("/health", h.withMetrics("/health", h.handleHealth))

	// WebSocket event channel; the upgrade needs the raw ResponseWriter
	r.Get("/ws", h.handleWebSocket)

	r.Get("/config", h.withMetrics("/config", h.handleConfig))
	r.Get("/config/service", h.withMetrics("/config/service", h.handleServiceConfig))

	r.Get("/stats", h.withMetrics("/stats", h.handleStats))
	r.Get("/stats/transcription", h.withMetrics("/stats/transcription", h.handleTranscriptionStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	r.Handle("/metrics", h.metrics.Handler())

	return r
}

// Handler returns the router, for tests and embedding
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start binds the listener and serves in the background. WebSocket clients are
// served until ctx is cancelled or Stop is called.
func (h *HTTPServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	h.logger.Info("Starting HTTP server",
		slog.String("address", ln.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server and disconnects WebSocket clients
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	err := h.server.Shutdown(ctx)
	h.hub.Close()
	return err
}

func (h *HTTPServer) baseContext() context.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ctx
}

// handleWebSocket upgrades the connection and serves it until it closes
func (h *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		h.metrics.RecordHTTPError(r.Method, "/ws", "upgrade_failed")
		return
	}

	h.metrics.RecordHTTPRequest(r.Method, "/ws", "101", 0)
	h.hub.Serve(h.baseContext(), conn, h.loop.Inbox())
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.session.Status()

	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service":   serviceName,
		"components": map[string]interface{}{
			"session": map[string]interface{}{
				"state": status.State,
			},
			"event_bus": map[string]interface{}{
				"clients": h.hub.Count(),
			},
			"translation": map[string]interface{}{
				"available": h.translator.Available(),
			},
		},
	}

	writeJSON(w, health)
}

// handleConfig implements the /config endpoint with the runtime settings
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.settings.Snapshot())
}

// handleServiceConfig implements the /config/service endpoint
func (h *HTTPServer) handleServiceConfig(w http.ResponseWriter, r *http.Request) {
	devices := make([]map[string]interface{}, 0, len(h.config.Audio.Devices))
	for i, d := range h.config.Audio.Devices {
		devices = append(devices, map[string]interface{}{
			"id":       i,
			"name":     d.Name,
			"format":   d.Format,
			"channels": d.Channels,
		})
	}

	// API keys are omitted
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"address":     h.config.Server.Address,
			"port":        h.config.Server.Port,
			"send_buffer": h.config.Server.SendBuffer,
			"inbox_size":  h.config.Server.InboxSize,
		},
		"audio": map[string]interface{}{
			"frame_samples":            h.config.Audio.FrameSamples,
			"queue_capacity":           h.config.Audio.QueueCapacity,
			"open_retries":             h.config.Audio.OpenRetries,
			"saturation_warn_interval": h.config.Audio.SaturationWarnInterval,
			"devices":                  devices,
		},
		"inference": map[string]interface{}{
			"max_concurrent": h.config.Inference.MaxConcurrent,
			"timeout":        h.config.Inference.Timeout,
		},
		"transcription": map[string]interface{}{
			"backend":     h.config.Transcription.Backend,
			"endpoint":    h.config.Transcription.Endpoint,
			"max_retries": h.config.Transcription.MaxRetries,
		},
		"translation": map[string]interface{}{
			"enabled":  h.config.Translation.Enabled,
			"endpoint": h.config.Translation.Endpoint,
			"timeout":  h.config.Translation.Timeout,
		},
		"session": map[string]interface{}{
			"stop_timeout": h.config.Session.StopTimeout,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime":     time.Since(h.startTime).String(),
		"timestamp":  time.Now().UTC(),
		"session":    h.session.Status(),
		"event_loop": h.loop.GetStatistics(),
		"clients": map[string]interface{}{
			"connected": h.hub.Count(),
		},
		"translation": map[string]interface{}{
			"available": h.translator.Available(),
		},
	}
	if h.transcription != nil {
		stats["transcription"] = h.transcription.GetStats()
	}

	writeJSON(w, stats)
}

// handleTranscriptionStats implements the /stats/transcription endpoint
func (h *HTTPServer) handleTranscriptionStats(w http.ResponseWriter, r *http.Request) {
	if h.transcription == nil {
		http.Error(w, "Transcription backend does not report statistics", http.StatusNotFound)
		return
	}
	writeJSON(w, h.transcription.GetStats())
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]interface{}{
		"status":  "ok",
		"service": serviceName,
		"endpoints": map[string]interface{}{
			"GET /":                    "API documentation",
			"GET /health":              "Service health check",
			"GET /ws":                  "WebSocket event channel",
			"GET /config":              "Current runtime settings",
			"GET /config/service":      "Service configuration",
			"GET /stats":               "Session and event loop statistics",
			"GET /stats/transcription": "Transcription backend statistics",
			"GET /metrics":             "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, apiDoc)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
