package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/MisterGoodDeal/live-translation/internal/audio"
	"github.com/MisterGoodDeal/live-translation/internal/protocol"
	"github.com/MisterGoodDeal/live-translation/internal/settings"
)

func TestStartWithoutMicrophone(t *testing.T) {
	h := newHarness(t, Config{}, false)

	err := h.controller.Start(context.Background(), "client-1")
	if !errors.Is(err, ErrNoMicrophone) {
		t.Fatalf("Expected ErrNoMicrophone, got %v", err)
	}
	if h.source.openCount() != 0 {
		t.Errorf("Expected no device open, got %d", h.source.openCount())
	}
	if h.controller.State() != Idle {
		t.Errorf("Expected Idle, got %s", h.controller.State())
	}

	statuses := h.events.statuses()
	if len(statuses) != 1 {
		t.Fatalf("Expected 1 status event, got %d", len(statuses))
	}
	if statuses[0].clientID != "client-1" {
		t.Errorf("Status should go to the requester, got %q", statuses[0].clientID)
	}
	status := statuses[0].data.(protocol.StatusPayload)
	if status.Active || status.Error != "No microphone selected" {
		t.Errorf("Unexpected status: %+v", status)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{}, true)
	ctx := context.Background()

	h.start(t, "a")
	if err := h.controller.Start(ctx, "b"); err != nil {
		t.Fatalf("Second start failed: %v", err)
	}

	if h.source.openCount() != 1 {
		t.Errorf("Expected exactly one device open, got %d", h.source.openCount())
	}
	if !h.controller.Active() {
		t.Errorf("Expected Running, got %s", h.controller.State())
	}

	statuses := h.events.statuses()
	if len(statuses) != 2 {
		t.Fatalf("Expected 2 status events, got %d", len(statuses))
	}
	if statuses[0].clientID != "" {
		t.Errorf("Start should be broadcast, got client %q", statuses[0].clientID)
	}
	if statuses[1].clientID != "b" || !statuses[1].data.(protocol.StatusPayload).Active {
		t.Errorf("Second start should re-announce to the requester, got %+v", statuses[1])
	}
}

func TestStopWaitsForInFlightChunk(t *testing.T) {
	h := newHarness(t, Config{}, true)
	h.transcriber.started = make(chan struct{}, 1)
	h.transcriber.release = make(chan struct{})

	h.start(t, "a")
	h.pushChunk(0.5)

	select {
	case <-h.transcriber.started:
	case <-time.After(2 * time.Second):
		t.Fatal("Transcription never started")
	}

	stopped := make(chan error, 1)
	go func() {
		stopped <- h.controller.Stop(context.Background())
	}()

	waitFor(t, "Stopping state", func() bool { return h.controller.State() == Stopping })

	select {
	case <-stopped:
		t.Fatal("Stop returned while a chunk was still being transcribed")
	case <-time.After(100 * time.Millisecond):
	}
	for _, s := range h.events.statuses() {
		if p := s.data.(protocol.StatusPayload); !p.Active {
			t.Fatal("Stopped status emitted before the pipeline exited")
		}
	}

	close(h.transcriber.release)

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the chunk finished")
	}

	if h.controller.State() != Idle {
		t.Errorf("Expected Idle, got %s", h.controller.State())
	}
	if !h.source.lastHandle().closed.Load() {
		t.Error("Expected device handle to be closed")
	}
	if got := h.events.translations(); len(got) != 0 {
		t.Errorf("Result of stopped session should be discarded, got %v", got)
	}

	statuses := h.events.statuses()
	last := statuses[len(statuses)-1].data.(protocol.StatusPayload)
	if last.Active || last.Message != "Transcription stopped" {
		t.Errorf("Expected stopped status last, got %+v", last)
	}
	if h.controller.Status().ResultsDiscarded != 1 {
		t.Errorf("Expected 1 discarded result, got %d", h.controller.Status().ResultsDiscarded)
	}
}

func TestStopWhenIdle(t *testing.T) {
	h := newHarness(t, Config{}, true)

	if err := h.controller.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	statuses := h.events.statuses()
	if len(statuses) != 1 || statuses[0].data.(protocol.StatusPayload).Active {
		t.Errorf("Expected a single inactive status, got %+v", statuses)
	}
}

func TestChunkIsTranslated(t *testing.T) {
	h := newHarness(t, Config{}, true)

	h.start(t, "a")
	h.pushChunk(0.5)

	waitFor(t, "translation event", func() bool { return len(h.events.translations()) == 1 })

	if got := h.events.translations()[0]; got != "bonjour" {
		t.Errorf("Expected bonjour, got %q", got)
	}
	if !h.events.hasLog("Transcription (en): hello") {
		t.Error("Expected transcription log line")
	}
	if !h.events.hasLog("Translation (fr): bonjour") {
		t.Error("Expected translation log line")
	}
}

func TestTranslatorUnavailableSendsRawText(t *testing.T) {
	h := newHarness(t, Config{}, true)
	h.translator.available = false

	h.start(t, "a")
	h.pushChunk(0.5)

	waitFor(t, "translation event", func() bool { return len(h.events.translations()) == 1 })

	if got := h.events.translations()[0]; got != "hello" {
		t.Errorf("Expected raw transcription, got %q", got)
	}
	if !h.events.hasLog("Local translation not available, sending raw transcription") {
		t.Error("Expected fallback log line")
	}
}

func TestTranslationErrorSendsRawText(t *testing.T) {
	h := newHarness(t, Config{}, true)
	h.translator.err = errors.New("model crashed")

	h.start(t, "a")
	h.pushChunk(0.5)

	waitFor(t, "translation event", func() bool { return len(h.events.translations()) == 1 })

	if got := h.events.translations()[0]; got != "hello" {
		t.Errorf("Expected raw transcription, got %q", got)
	}
	if !h.events.hasLog("[TRANSLATION ERROR: model crashed]") {
		t.Error("Expected translation error in logs")
	}
}

func TestTranscriptionFailures(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		err     error
		wantLog string
	}{
		{"model error", "", errors.New("boom"), "Transcription error: boom"},
		{"no speech", "   ", nil, "No text extracted for this chunk"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, true)
			h.transcriber.text = tt.text
			h.transcriber.err = tt.err

			h.start(t, "a")
			h.pushChunk(0.5)

			waitFor(t, tt.wantLog, func() bool { return h.events.hasLog(tt.wantLog) })

			if got := h.events.translations(); len(got) != 0 {
				t.Errorf("Expected no translation event, got %v", got)
			}
			if !h.controller.Active() {
				t.Error("Session should keep running after a chunk failure")
			}
		})
	}
}

func TestSilentChunkSkipped(t *testing.T) {
	h := newHarness(t, Config{}, true)

	h.start(t, "a")
	h.pushChunk(0.001)

	waitFor(t, "silence log", func() bool { return h.events.hasLog("Silence detected, chunk skipped") })

	if h.transcriber.calls.Load() != 0 {
		t.Errorf("Silent chunk should not be transcribed, got %d calls", h.transcriber.calls.Load())
	}
	if got := testutil.ToFloat64(h.metrics.ChunksGated.WithLabelValues("silence")); got != 1 {
		t.Errorf("Expected 1 silence decision, got %v", got)
	}
}

func TestDeviceDisconnect(t *testing.T) {
	h := newHarness(t, Config{}, true)

	h.start(t, "a")

	h.source.lastHandle().disconnect(errUnplugged)

	waitFor(t, "Idle state", func() bool { return h.controller.State() == Idle })

	statuses := h.events.statuses()
	last := statuses[len(statuses)-1].data.(protocol.StatusPayload)
	if last.Active || last.Error != errUnplugged.Error() {
		t.Errorf("Expected inactive status with device error, got %+v", last)
	}
	if h.source.openCount() != 1 {
		t.Errorf("Session must not restart on its own, got %d opens", h.source.openCount())
	}
}

func TestStartRetriesDeviceOpen(t *testing.T) {
	h := newHarness(t, Config{OpenRetries: 3}, true)
	h.source.failures = 2
	h.source.failErr = &audio.DeviceError{DeviceID: 0, Reason: "busy", Err: errors.New("resource busy")}

	h.start(t, "a")

	if h.source.openCount() != 3 {
		t.Errorf("Expected 3 open attempts, got %d", h.source.openCount())
	}
	if got := testutil.ToFloat64(h.metrics.DeviceOpenErrors); got != 2 {
		t.Errorf("Expected 2 open errors, got %v", got)
	}
}

func TestStartDeviceError(t *testing.T) {
	h := newHarness(t, Config{OpenRetries: 3}, true)
	h.source.failures = -1
	h.source.failErr = &audio.DeviceError{DeviceID: 0, Reason: "device id out of range"}

	if err := h.controller.Start(context.Background(), "a"); err != nil {
		t.Fatalf("Start should not wait for the device, got %v", err)
	}
	waitFor(t, "Idle state", func() bool { return h.controller.State() == Idle })

	if h.source.openCount() != 1 {
		t.Errorf("Catalog rejections should not be retried, got %d attempts", h.source.openCount())
	}

	statuses := h.events.statuses()
	if len(statuses) != 1 || statuses[0].clientID != "a" {
		t.Fatalf("Expected one status to the requester, got %+v", statuses)
	}
	if p := statuses[0].data.(protocol.StatusPayload); p.Active || p.Error == "" {
		t.Errorf("Unexpected status: %+v", p)
	}

	var rejected []sentEvent
	for _, ev := range h.events.snapshot() {
		if ev.event == protocol.EventRequestRejected {
			rejected = append(rejected, ev)
		}
	}
	if len(rejected) != 1 || rejected[0].clientID != "a" {
		t.Fatalf("Expected one rejection to the requester, got %+v", rejected)
	}
	if r := rejected[0].data.(protocol.RejectedPayload); r.Request != protocol.RequestStartTranslation {
		t.Errorf("Unexpected rejection: %+v", r)
	}
	if !h.events.hasLogPrefix("Microphone error: ") {
		t.Error("Expected microphone error log")
	}
}

func TestStartRefusedWhileStopping(t *testing.T) {
	h := newHarness(t, Config{}, true)
	h.transcriber.started = make(chan struct{}, 1)
	h.transcriber.release = make(chan struct{})

	h.start(t, "a")
	h.pushChunk(0.5)

	select {
	case <-h.transcriber.started:
	case <-time.After(2 * time.Second):
		t.Fatal("Transcription never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.controller.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected Stop to give up, got %v", err)
	}
	if h.controller.State() != Stopping {
		t.Fatalf("Expected Stopping, got %s", h.controller.State())
	}

	if err := h.controller.Start(context.Background(), "b"); !errors.Is(err, ErrStopping) {
		t.Fatalf("Expected ErrStopping, got %v", err)
	}
	if h.source.openCount() != 1 {
		t.Errorf("Expected no second device open, got %d", h.source.openCount())
	}
	statuses := h.events.statuses()
	if last := statuses[len(statuses)-1]; last.clientID != "b" || last.data.(protocol.StatusPayload).Active {
		t.Errorf("Expected refusal sent to the requester, got %+v", last)
	}

	close(h.transcriber.release)
	waitFor(t, "Idle state", func() bool { return h.controller.State() == Idle })

	if !h.source.lastHandle().closed.Load() {
		t.Error("Expected the first session's device to be closed")
	}
	h.start(t, "b")
	if h.source.openCount() != 2 {
		t.Errorf("Expected a fresh device open after the stop completed, got %d", h.source.openCount())
	}
}

func TestStopWhileStarting(t *testing.T) {
	h := newHarness(t, Config{OpenRetries: 5, OpenBackoff: 50 * time.Millisecond}, true)
	h.source.failures = -1
	h.source.failErr = &audio.DeviceError{DeviceID: 0, Reason: "busy", Err: errors.New("resource busy")}

	if err := h.controller.Start(context.Background(), "a"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if h.controller.State() != Starting {
		t.Fatalf("Expected Starting, got %s", h.controller.State())
	}

	if err := h.controller.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if h.controller.State() != Idle {
		t.Errorf("Expected Idle, got %s", h.controller.State())
	}
	if h.events.hasLogPrefix("Microphone error: ") {
		t.Error("A cancelled start should not be reported as a device error")
	}
	statuses := h.events.statuses()
	if last := statuses[len(statuses)-1].data.(protocol.StatusPayload); last.Active || last.Message != "Transcription stopped" {
		t.Errorf("Expected stopped status, got %+v", last)
	}
}

func TestSampleRateChangeReopensDevice(t *testing.T) {
	h := newHarness(t, Config{}, true)

	h.start(t, "a")
	first := h.source.lastHandle()

	h.settings.set(func(c *settings.Config) { c.SampleRate = 8000 })
	h.pushChunk(0.5)

	waitFor(t, "device reopen", func() bool { return h.source.openCount() == 2 })

	if !first.closed.Load() {
		t.Error("Expected the old handle to be closed")
	}
	if got := h.source.lastHandle().SampleRate(); got != 8000 {
		t.Errorf("Expected reopened handle at 8000 Hz, got %d", got)
	}
	if !h.controller.Active() {
		t.Error("Session should keep running after a sample rate change")
	}
}

func TestQueueSaturationWarning(t *testing.T) {
	h := newHarness(t, Config{QueueCapacity: 1, SaturationWarnInterval: time.Hour}, true)

	for i := 0; i < 4; i++ {
		h.controller.capture([]float32{0.1})
	}

	if got := testutil.ToFloat64(h.metrics.FramesDropped); got != 3 {
		t.Errorf("Expected 3 dropped frames, got %v", got)
	}

	warnings := 0
	for _, ev := range h.events.snapshot() {
		if p, ok := ev.data.(protocol.LogPayload); ok && p.Message == "Audio queue full, frames dropped" {
			warnings++
		}
	}
	if warnings != 1 {
		t.Errorf("Expected a single rate-limited warning, got %d", warnings)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Idle, "idle"},
		{Starting, "starting"},
		{Running, "running"},
		{Stopping, "stopping"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("Expected %s, got %s", tt.want, got)
		}
	}
}
