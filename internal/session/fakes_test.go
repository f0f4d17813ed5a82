package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MisterGoodDeal/live-translation/internal/audio"
	"github.com/MisterGoodDeal/live-translation/internal/metrics"
	"github.com/MisterGoodDeal/live-translation/internal/protocol"
	"github.com/MisterGoodDeal/live-translation/internal/settings"
	"github.com/MisterGoodDeal/live-translation/internal/transcription"
	"github.com/MisterGoodDeal/live-translation/internal/translation"
)

type fakeHandle struct {
	sampleRate int
	done       chan struct{}
	closed     atomic.Bool
	once       sync.Once

	mu  sync.Mutex
	err error
}

func newFakeHandle(sampleRate int) *fakeHandle {
	return &fakeHandle{sampleRate: sampleRate, done: make(chan struct{})}
}

func (h *fakeHandle) SampleRate() int { return h.sampleRate }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *fakeHandle) Close() error {
	h.closed.Store(true)
	h.once.Do(func() { close(h.done) })
	return nil
}

// disconnect simulates the device going away.
func (h *fakeHandle) disconnect(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	h.once.Do(func() { close(h.done) })
}

type fakeSource struct {
	mu       sync.Mutex
	opens    int
	failures int
	failErr  error
	sink     audio.FrameSink
	handles  []*fakeHandle
}

func (s *fakeSource) Open(ctx context.Context, deviceID, sampleRate, channels int, sink audio.FrameSink) (audio.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opens++
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		return nil, s.failErr
	}
	h := newFakeHandle(sampleRate)
	s.sink = sink
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *fakeSource) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func (s *fakeSource) lastHandle() *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.handles) == 0 {
		return nil
	}
	return s.handles[len(s.handles)-1]
}

func (s *fakeSource) push(samples []float32) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	sink(samples)
}

type fakeSettings struct {
	mu  sync.Mutex
	cfg settings.Config
}

func (s *fakeSettings) Snapshot() settings.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *fakeSettings) set(fn func(*settings.Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cfg)
}

type fakeTranscriber struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	text    string
	err     error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, chunk *audio.AudioChunk, opts transcription.Options) (transcription.Result, error) {
	f.calls.Add(1)
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return transcription.Result{}, f.err
	}
	return transcription.Result{Text: f.text, Language: opts.Language}, nil
}

type fakeTranslator struct {
	available bool
	text      string
	err       error
}

func (f *fakeTranslator) Available() bool { return f.available }

func (f *fakeTranslator) Translate(ctx context.Context, text, src, tgt string) translation.Result {
	if f.err != nil {
		return translation.Result{Text: "[TRANSLATION ERROR: " + f.err.Error() + "]", Err: f.err}
	}
	return translation.Result{Text: f.text}
}

type sentEvent struct {
	clientID string
	event    string
	data     any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []sentEvent
}

func (e *recordingEmitter) Broadcast(event string, data any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, sentEvent{event: event, data: data})
}

func (e *recordingEmitter) SendTo(clientID, event string, data any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, sentEvent{clientID: clientID, event: event, data: data})
}

func (e *recordingEmitter) Log(message string) {
	e.Broadcast(protocol.EventLogs, protocol.LogPayload{Message: message})
}

func (e *recordingEmitter) snapshot() []sentEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]sentEvent(nil), e.events...)
}

func (e *recordingEmitter) hasLog(message string) bool {
	for _, ev := range e.snapshot() {
		if p, ok := ev.data.(protocol.LogPayload); ok && p.Message == message {
			return true
		}
	}
	return false
}

func (e *recordingEmitter) hasLogPrefix(prefix string) bool {
	for _, ev := range e.snapshot() {
		if p, ok := ev.data.(protocol.LogPayload); ok && strings.HasPrefix(p.Message, prefix) {
			return true
		}
	}
	return false
}

func (e *recordingEmitter) statuses() []sentEvent {
	var out []sentEvent
	for _, ev := range e.snapshot() {
		if ev.event == protocol.EventTranslationStatus {
			out = append(out, ev)
		}
	}
	return out
}

func (e *recordingEmitter) translations() []string {
	var out []string
	for _, ev := range e.snapshot() {
		if p, ok := ev.data.(protocol.TranslationPayload); ok {
			out = append(out, p.Text)
		}
	}
	return out
}

type harness struct {
	controller  *Controller
	source      *fakeSource
	settings    *fakeSettings
	transcriber *fakeTranscriber
	translator  *fakeTranslator
	events      *recordingEmitter
	metrics     *metrics.Metrics
}

func newHarness(t *testing.T, cfg Config, withMicrophone bool) *harness {
	t.Helper()

	runtime := settings.Default()
	runtime.ChunkDurationS = 0.1
	if withMicrophone {
		id := 0
		runtime.SelectedMicrophoneID = &id
	}

	h := &harness{
		source:      &fakeSource{},
		settings:    &fakeSettings{cfg: runtime},
		transcriber: &fakeTranscriber{text: "hello"},
		translator:  &fakeTranslator{available: true, text: "bonjour"},
		events:      &recordingEmitter{},
		metrics:     metrics.NewMetrics(nil),
	}

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.OpenBackoff == 0 {
		cfg.OpenBackoff = time.Millisecond
	}

	controller, err := NewController(cfg, Dependencies{
		Source:      h.source,
		Settings:    h.settings,
		Transcriber: h.transcriber,
		Translator:  h.translator,
		Events:      h.events,
		Metrics:     h.metrics,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	h.controller = controller

	t.Cleanup(func() {
		if h.transcriber.release != nil {
			select {
			case <-h.transcriber.release:
			default:
				close(h.transcriber.release)
			}
		}
		h.controller.Stop(context.Background())
	})
	return h
}

// start starts a session for clientID and waits until the device is open.
func (h *harness) start(t *testing.T, clientID string) {
	t.Helper()
	if err := h.controller.Start(context.Background(), clientID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "Running state", h.controller.Active)
}

// pushChunk feeds one chunk's worth of constant samples at 16 kHz / 100 ms.
func (h *harness) pushChunk(value float32) {
	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = value
	}
	h.source.push(samples)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

var errUnplugged = errors.New("device unplugged")
