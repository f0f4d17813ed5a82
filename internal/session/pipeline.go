package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MisterGoodDeal/live-translation/internal/audio"
	"github.com/MisterGoodDeal/live-translation/internal/protocol"
	"github.com/MisterGoodDeal/live-translation/internal/settings"
	"github.com/MisterGoodDeal/live-translation/internal/transcription"
)

// runPipeline consumes the frame queue until ctx is cancelled or the device
// stops. Cancellation is observed at every queue poll and chunk boundary. The
// returned error is nil for a requested stop.
func (c *Controller) runPipeline(ctx context.Context, handle audio.Handle, deviceID int) (err error) {
	defer func() {
		if handle == nil {
			return
		}
		if cerr := handle.Close(); cerr != nil {
			c.logger.Warn("Error closing microphone", slog.String("error", cerr.Error()))
		}
	}()

	sem := semaphore.NewWeighted(int64(c.config.MaxConcurrent))
	var workers sync.WaitGroup
	defer workers.Wait()

	c.logger.Debug("Pipeline started", slog.Int("device_id", deviceID))

	for {
		select {
		case <-handle.Done():
			if ctx.Err() != nil {
				return nil
			}
			return captureError(deviceID, handle.Err())
		default:
		}

		frame, ok, perr := c.queue.Poll(ctx, c.config.PollInterval)
		if perr != nil {
			c.logger.Debug("Pipeline stopping", slog.Int("device_id", deviceID))
			return nil
		}
		if !ok {
			continue
		}

		cfg := c.settings.Snapshot()
		chunk, ready := c.assembler.Push(frame, handle.SampleRate(), cfg.ChunkDuration())
		if !ready {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		if cfg.SampleRate != handle.SampleRate() {
			handle, err = c.reopen(ctx, handle, deviceID, cfg.SampleRate)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}

		passed := c.gate.Passes(chunk, cfg.VolumeThreshold)
		c.metrics.RecordChunk(chunk.RMS, passed)
		if !passed {
			if c.Active() {
				c.events.Log("Silence detected, chunk skipped")
			}
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		workers.Add(1)
		go func(chunk *audio.AudioChunk, cfg settings.Config) {
			defer workers.Done()
			defer sem.Release(1)
			c.processChunk(ctx, chunk, cfg)
		}(chunk, cfg)
	}
}

// reopen restarts capture at a new sample rate. Frames captured at the old
// rate and still queued are discarded.
func (c *Controller) reopen(ctx context.Context, handle audio.Handle, deviceID, sampleRate int) (audio.Handle, error) {
	c.logger.Info("Sample rate changed, reopening microphone",
		slog.Int("device_id", deviceID),
		slog.Int("old_sample_rate", handle.SampleRate()),
		slog.Int("new_sample_rate", sampleRate),
	)

	if err := handle.Close(); err != nil {
		c.logger.Warn("Error closing microphone", slog.String("error", err.Error()))
	}
	c.queue.Drain()
	c.assembler.Reset()

	return c.openWithRetry(ctx, deviceID, sampleRate)
}

// processChunk runs one gated chunk through transcription and translation and
// broadcasts the result. Results produced after cancellation are dropped.
func (c *Controller) processChunk(ctx context.Context, chunk *audio.AudioChunk, cfg settings.Config) {
	defer func() {
		if r := recover(); r != nil {
			c.transcriptionFailures.Add(1)
			c.logger.Error("Chunk worker panicked",
				slog.String("chunk_id", chunk.ChunkID),
				slog.Any("panic", r),
			)
			c.events.Log(fmt.Sprintf("Transcription error: %v", r))
		}
	}()

	c.metrics.InferenceInFlight.Inc()
	defer c.metrics.InferenceInFlight.Dec()

	c.chunksProcessed.Add(1)
	c.events.Log("Processing chunk (transcription)...")

	opts := transcription.Options{
		Language:            cfg.SpokenLanguage,
		Model:               cfg.ModelName,
		UseGPU:              cfg.UseGPU,
		ForceAltAccelerator: cfg.ForceAltAccelerator,
	}

	start := time.Now()
	result, err := c.transcriber.Transcribe(ctx, chunk, opts)
	c.metrics.RecordInference("transcription", time.Since(start).Seconds(), err != nil)

	if c.discard(ctx, chunk) {
		return
	}
	if err != nil {
		c.transcriptionFailures.Add(1)
		c.logger.Error("Transcription failed",
			slog.String("chunk_id", chunk.ChunkID),
			slog.String("error", err.Error()),
		)
		c.events.Log(fmt.Sprintf("Transcription error: %v", err))
		return
	}
	if result.Empty() {
		c.emptyTranscriptions.Add(1)
		c.events.Log("No text extracted for this chunk")
		return
	}

	source := result.Language
	if source == "" {
		source = cfg.SpokenLanguage
	}
	c.events.Log(fmt.Sprintf("Transcription (%s): %s", source, result.Text))

	text := result.Text
	if !c.translator.Available() {
		c.translationFallbacks.Add(1)
		c.events.Log("Local translation not available, sending raw transcription")
	} else {
		c.events.Log("Translating...")

		start = time.Now()
		translated := c.translator.Translate(ctx, result.Text, source, cfg.TargetLanguage)
		c.metrics.RecordInference("translation", time.Since(start).Seconds(), translated.Failed())

		if c.discard(ctx, chunk) {
			return
		}
		if translated.Failed() {
			c.translationFallbacks.Add(1)
			c.logger.Error("Translation failed",
				slog.String("chunk_id", chunk.ChunkID),
				slog.String("error", translated.Err.Error()),
			)
			c.events.Log(translated.Text)
		} else {
			text = translated.Text
			c.events.Log(fmt.Sprintf("Original (%s): %s", source, result.Text))
			c.events.Log(fmt.Sprintf("Translation (%s): %s", cfg.TargetLanguage, text))
		}
	}

	c.translationsSent.Add(1)
	c.events.Broadcast(protocol.EventTranslation, protocol.TranslationPayload{Text: text})
}

// discard reports whether the session was stopped while chunk was in flight.
func (c *Controller) discard(ctx context.Context, chunk *audio.AudioChunk) bool {
	if ctx.Err() == nil {
		return false
	}
	c.resultsDiscarded.Add(1)
	c.logger.Debug("Discarding result of stopped session", slog.String("chunk_id", chunk.ChunkID))
	return true
}

func captureError(deviceID int, err error) error {
	if err != nil {
		return err
	}
	return &audio.DeviceError{DeviceID: deviceID, Reason: "capture stopped unexpectedly"}
}
