package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/MisterGoodDeal/live-translation/internal/audio"
	"github.com/MisterGoodDeal/live-translation/internal/metrics"
	"github.com/MisterGoodDeal/live-translation/internal/protocol"
	"github.com/MisterGoodDeal/live-translation/internal/settings"
	"github.com/MisterGoodDeal/live-translation/internal/transcription"
	"github.com/MisterGoodDeal/live-translation/internal/translation"
	"github.com/MisterGoodDeal/live-translation/internal/vad"
)

// State is the session lifecycle state.
type State int32

const (
	Idle State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ErrNoMicrophone is returned by Start when no capture device is selected.
var ErrNoMicrophone = errors.New("no microphone selected")

// ErrStopping is returned by Start while the previous session is still
// shutting down.
var ErrStopping = errors.New("transcription is stopping")

// Emitter delivers events to connected clients.
type Emitter interface {
	Broadcast(event string, data any)
	SendTo(clientID, event string, data any)
	Log(message string)
}

// Settings provides the latest committed runtime settings.
type Settings interface {
	Snapshot() settings.Config
}

// Transcriber turns a chunk into text.
type Transcriber interface {
	Transcribe(ctx context.Context, chunk *audio.AudioChunk, opts transcription.Options) (transcription.Result, error)
}

// Translator translates recognised text.
type Translator interface {
	Available() bool
	Translate(ctx context.Context, text, src, tgt string) translation.Result
}

// Config contains session configuration
type Config struct {
	QueueCapacity          int
	OpenRetries            int
	OpenBackoff            time.Duration
	MaxConcurrent          int
	StopTimeout            time.Duration
	SaturationWarnInterval time.Duration
	PollInterval           time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 160
	}
	if c.OpenRetries <= 0 {
		c.OpenRetries = 1
	}
	if c.OpenBackoff <= 0 {
		c.OpenBackoff = 200 * time.Millisecond
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 35 * time.Second
	}
	if c.SaturationWarnInterval <= 0 {
		c.SaturationWarnInterval = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	return c
}

// Dependencies groups the collaborators a Controller drives.
type Dependencies struct {
	Source      audio.Source
	Settings    Settings
	Transcriber Transcriber
	Translator  Translator
	Events      Emitter
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// pipelineTask is one session's pipeline. done is closed after err is set,
// once the device is closed and every chunk worker has exited; finished is
// closed after the session has been finalised and its status broadcast.
type pipelineTask struct {
	cancel   context.CancelFunc
	done     chan struct{}
	finished chan struct{}
	err      error
	opened   bool
	deviceID int
	clientID string
}

// Controller runs transcription sessions.
type Controller struct {
	config      Config
	source      audio.Source
	settings    Settings
	transcriber Transcriber
	translator  Translator
	events      Emitter
	metrics     *metrics.Metrics
	logger      *slog.Logger

	queue     *audio.FrameQueue
	assembler *audio.ChunkAssembler
	gate      *vad.Gate

	mu        sync.Mutex
	state     atomic.Int32
	task      *pipelineTask
	startedAt atomic.Int64

	saturationWarn *rate.Sometimes

	// Statistics
	chunksProcessed       atomic.Uint64
	transcriptionFailures atomic.Uint64
	emptyTranscriptions   atomic.Uint64
	translationsSent      atomic.Uint64
	translationFallbacks  atomic.Uint64
	resultsDiscarded      atomic.Uint64
}

// NewController creates an idle controller.
func NewController(cfg Config, deps Dependencies) (*Controller, error) {
	cfg = cfg.withDefaults()

	if deps.Source == nil || deps.Settings == nil || deps.Transcriber == nil || deps.Translator == nil || deps.Events == nil {
		return nil, errors.New("session controller requires a source, settings, transcriber, translator, and event emitter")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics(nil)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	queue, err := audio.NewFrameQueue(cfg.QueueCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame queue: %w", err)
	}

	snapshot := deps.Settings.Snapshot()
	initial := int(float64(snapshot.SampleRate) * snapshot.ChunkDurationS)

	return &Controller{
		config:      cfg,
		source:      deps.Source,
		settings:    deps.Settings,
		transcriber: deps.Transcriber,
		translator:  deps.Translator,
		events:      deps.Events,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		queue:       queue,
		assembler:   audio.NewChunkAssembler(initial),
		gate:        vad.NewGate(),

		saturationWarn: &rate.Sometimes{Interval: cfg.SaturationWarnInterval},
	}, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Active reports whether a session is running.
func (c *Controller) Active() bool {
	return c.State() == Running
}

// Start begins a session on the selected microphone and returns without
// waiting for the device. The device is opened by the pipeline task; a
// successful start is broadcast, while precondition and device failures go to
// clientID only. Starting a running or starting session is a no-op that
// re-announces a running session to clientID.
func (c *Controller) Start(ctx context.Context, clientID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg := c.settings.Snapshot()
	if !cfg.MicrophoneSelected() {
		c.events.SendTo(clientID, protocol.EventTranslationStatus, protocol.StatusPayload{
			Active: false,
			Error:  "No microphone selected",
		})
		c.events.Log("No microphone selected")
		return ErrNoMicrophone
	}

	if c.task != nil {
		switch c.State() {
		case Running:
			c.events.SendTo(clientID, protocol.EventTranslationStatus, protocol.StatusPayload{
				Active:  true,
				Message: "Transcription started",
			})
			return nil
		case Starting:
			return nil
		default:
			c.events.SendTo(clientID, protocol.EventTranslationStatus, protocol.StatusPayload{
				Active: false,
				Error:  "Transcription is stopping, try again",
			})
			return ErrStopping
		}
	}

	deviceID := *cfg.SelectedMicrophoneID
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.queue.Drain()
	c.assembler.Reset()

	t := &pipelineTask{
		cancel:   cancel,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		deviceID: deviceID,
		clientID: clientID,
	}
	c.task = t
	c.state.Store(int32(Starting))

	go c.runTask(taskCtx, t, cfg)
	go c.watchTask(t)
	return nil
}

// runTask opens the device and runs the pipeline until it exits.
func (c *Controller) runTask(ctx context.Context, t *pipelineTask, cfg settings.Config) {
	defer close(t.done)

	handle, err := c.openWithRetry(ctx, t.deviceID, cfg.SampleRate)
	if err != nil {
		if ctx.Err() == nil {
			t.err = err
		}
		return
	}

	c.mu.Lock()
	if c.State() != Starting {
		c.mu.Unlock()
		if err := handle.Close(); err != nil {
			c.logger.Warn("Error closing microphone", slog.String("error", err.Error()))
		}
		return
	}
	t.opened = true
	c.startedAt.Store(time.Now().UnixNano())
	c.state.Store(int32(Running))
	c.metrics.RecordSessionStarted()

	c.logger.Info("Session started",
		slog.Int("device_id", t.deviceID),
		slog.Int("sample_rate", handle.SampleRate()),
		slog.Float64("chunk_duration_s", cfg.ChunkDurationS),
	)
	c.events.Broadcast(protocol.EventTranslationStatus, protocol.StatusPayload{
		Active:  true,
		Message: "Transcription started",
	})
	c.events.Log("Transcription started")
	c.mu.Unlock()

	t.err = c.runPipeline(ctx, handle, t.deviceID)
}

// RequestStop cancels the session without waiting for it. The returned channel
// is closed once the pipeline task and its chunk workers have exited and the
// stopped status has been broadcast.
func (c *Controller) RequestStop() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.task
	if t == nil {
		c.events.Broadcast(protocol.EventTranslationStatus, protocol.StatusPayload{
			Active:  false,
			Message: "Transcription stopped",
		})
		done := make(chan struct{})
		close(done)
		return done
	}

	if c.State() != Stopping {
		c.state.Store(int32(Stopping))
		t.cancel()
	}
	return t.finished
}

// Stop ends the session and waits until it is finalised. If ctx ends first
// Stop returns ctx.Err(); the session still finalises in the background and
// Start is refused until it has.
func (c *Controller) Stop(ctx context.Context) error {
	finished := c.RequestStop()

	timer := time.NewTimer(c.config.StopTimeout)
	defer timer.Stop()

	select {
	case <-finished:
		return nil
	case <-timer.C:
		c.logger.Error("Pipeline did not stop in time, still waiting",
			slog.Duration("stop_timeout", c.config.StopTimeout),
		)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watchTask finalises every task once it exits, whether it was stopped, failed
// to open the device, or lost the device while running.
func (c *Controller) watchTask(t *pipelineTask) {
	<-t.done

	c.mu.Lock()
	defer c.mu.Unlock()
	defer close(t.finished)

	switch {
	case c.State() == Stopping || t.err == nil:
		c.finishLocked()

	case !t.opened:
		c.events.SendTo(t.clientID, protocol.EventTranslationStatus, protocol.StatusPayload{
			Active: false,
			Error:  t.err.Error(),
		})
		c.events.SendTo(t.clientID, protocol.EventRequestRejected, protocol.RejectedPayload{
			Request: protocol.RequestStartTranslation,
			Reason:  t.err.Error(),
		})
		c.events.Log(fmt.Sprintf("Microphone error: %v", t.err))
		c.resetLocked()

	default:
		c.logger.Error("Pipeline stopped unexpectedly",
			slog.Int("device_id", t.deviceID),
			slog.String("error", t.err.Error()),
		)
		c.events.Log(fmt.Sprintf("Microphone stream stopped: %v", t.err))
		c.events.Broadcast(protocol.EventTranslationStatus, protocol.StatusPayload{
			Active: false,
			Error:  t.err.Error(),
		})
		c.resetLocked()
	}
}

// finishLocked completes an orderly stop. Events are emitted before the state
// returns to Idle.
func (c *Controller) finishLocked() {
	c.logger.Info("Session stopped")
	c.events.Broadcast(protocol.EventTranslationStatus, protocol.StatusPayload{
		Active:  false,
		Message: "Transcription stopped",
	})
	c.events.Log("Transcription stopped")
	c.resetLocked()
}

// resetLocked returns the controller to Idle. The task must have exited.
func (c *Controller) resetLocked() {
	if n := c.queue.Drain(); n > 0 {
		c.logger.Debug("Drained queued frames", slog.Int("frames", n))
	}
	c.assembler.Reset()
	if started := c.startedAt.Swap(0); started > 0 {
		c.metrics.RecordSessionEnded(time.Since(time.Unix(0, started)).Seconds())
	}
	c.task = nil
	c.state.Store(int32(Idle))
}

// openWithRetry opens the device, retrying with a linear backoff.
func (c *Controller) openWithRetry(ctx context.Context, deviceID, sampleRate int) (audio.Handle, error) {
	var lastErr error
	for attempt := 1; attempt <= c.config.OpenRetries; attempt++ {
		handle, err := c.source.Open(ctx, deviceID, sampleRate, 1, c.capture)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		c.metrics.RecordDeviceOpenError()

		c.logger.Warn("Failed to open microphone",
			slog.Int("device_id", deviceID),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.config.OpenRetries),
			slog.String("error", err.Error()),
		)

		var devErr *audio.DeviceError
		if errors.As(err, &devErr) && devErr.Err == nil {
			// Catalog rejections do not change between attempts.
			break
		}
		if attempt == c.config.OpenRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.config.OpenBackoff * time.Duration(attempt)):
		}
	}
	return nil, lastErr
}

// capture is the FrameSink handed to the source. It never blocks.
func (c *Controller) capture(samples []float32) {
	err := c.queue.TryPush(samples)
	c.metrics.RecordFrame(err != nil, c.queue.Len())
	if errors.Is(err, audio.ErrQueueFull) {
		c.warnSaturation()
	}
}

// warnSaturation emits at most one warning per SaturationWarnInterval.
func (c *Controller) warnSaturation() {
	c.saturationWarn.Do(func() {
		stats := c.queue.Stats()
		c.logger.Warn("Audio queue saturated, dropping frames",
			slog.Int("capacity", stats.Capacity),
			slog.Uint64("dropped_total", stats.Dropped),
		)
		c.events.Log("Audio queue full, frames dropped")
	})
}

// Status represents session information for monitoring
type Status struct {
	State     string               `json:"state"`
	Active    bool                 `json:"active"`
	StartedAt *time.Time           `json:"started_at,omitempty"`
	Uptime    string               `json:"uptime,omitempty"`
	Queue     audio.QueueStats     `json:"queue"`
	Assembler audio.AssemblerStats `json:"assembler"`
	Gate      vad.GateStats        `json:"gate"`

	ChunksProcessed       uint64 `json:"chunks_processed"`
	TranscriptionFailures uint64 `json:"transcription_failures"`
	EmptyTranscriptions   uint64 `json:"empty_transcriptions"`
	TranslationsSent      uint64 `json:"translations_sent"`
	TranslationFallbacks  uint64 `json:"translation_fallbacks"`
	ResultsDiscarded      uint64 `json:"results_discarded"`
}

// Status returns a snapshot of session state and counters. It does not wait
// for a Start or Stop in progress.
func (c *Controller) Status() Status {
	status := Status{
		State:     c.State().String(),
		Active:    c.Active(),
		Queue:     c.queue.Stats(),
		Assembler: c.assembler.GetStats(),
		Gate:      c.gate.GetStats(),

		ChunksProcessed:       c.chunksProcessed.Load(),
		TranscriptionFailures: c.transcriptionFailures.Load(),
		EmptyTranscriptions:   c.emptyTranscriptions.Load(),
		TranslationsSent:      c.translationsSent.Load(),
		TranslationFallbacks:  c.translationFallbacks.Load(),
		ResultsDiscarded:      c.resultsDiscarded.Load(),
	}
	if started := c.startedAt.Load(); started > 0 {
		startedAt := time.Unix(0, started)
		status.StartedAt = &startedAt
		status.Uptime = time.Since(startedAt).Round(time.Second).String()
	}
	return status
}
