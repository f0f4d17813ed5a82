package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// FFmpegConfig contains ffmpeg capture configuration
type FFmpegConfig struct {
	Command      string
	FrameSamples int
	StartupWait  time.Duration
	StopTimeout  time.Duration
}

// FFmpegSource captures devices from the catalog through an ffmpeg subprocess
// that writes mono s16le PCM to stdout.
type FFmpegSource struct {
	config  FFmpegConfig
	catalog *Catalog
	logger  *slog.Logger
}

// NewFFmpegSource creates a capture source backed by the ffmpeg binary.
func NewFFmpegSource(cfg FFmpegConfig, catalog *Catalog, logger *slog.Logger) *FFmpegSource {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = 1024
	}
	if cfg.StartupWait <= 0 {
		cfg.StartupWait = 250 * time.Millisecond
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 1200 * time.Millisecond
	}

	return &FFmpegSource{
		config:  cfg,
		catalog: catalog,
		logger:  logger,
	}
}

// Open starts capturing deviceID at sampleRate. Only mono capture is supported.
func (s *FFmpegSource) Open(ctx context.Context, deviceID, sampleRate, channels int, sink FrameSink) (Handle, error) {
	device, err := s.catalog.Lookup(deviceID)
	if err != nil {
		return nil, err
	}

	if channels != 1 {
		return nil, &DeviceError{DeviceID: deviceID, Reason: fmt.Sprintf("unsupported channel count %d", channels)}
	}
	if sampleRate <= 0 {
		return nil, &DeviceError{DeviceID: deviceID, Reason: fmt.Sprintf("invalid sample rate %d", sampleRate)}
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", device.Format,
		"-i", device.Input,
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(sampleRate),
		"-f", "s16le",
		"-",
	}

	// The process outlives the Open call; Close owns its lifetime.
	cmd := exec.Command(s.config.Command, args...)
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &DeviceError{DeviceID: deviceID, Reason: "failed to create ffmpeg stdout pipe", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &DeviceError{DeviceID: deviceID, Reason: "failed to start ffmpeg", Err: err}
	}

	h := &ffmpegHandle{
		deviceID:   deviceID,
		sampleRate: sampleRate,
		cmd:        cmd,
		stdout:     stdout,
		stderr:     stderr,
		done:       make(chan struct{}),
		stopWait:   s.config.StopTimeout,
	}
	go h.readLoop(s.config.FrameSamples, sink)

	timer := time.NewTimer(s.config.StartupWait)
	defer timer.Stop()

	select {
	case <-h.done:
		return nil, &DeviceError{DeviceID: deviceID, Reason: "ffmpeg exited before capture started", Err: h.Err()}
	case <-ctx.Done():
		h.Close()
		return nil, ctx.Err()
	case <-timer.C:
	}

	s.logger.Debug("Capture started",
		slog.Int("device_id", deviceID),
		slog.String("device", device.Name),
		slog.Int("sample_rate", sampleRate),
		slog.Int("frame_samples", s.config.FrameSamples),
	)

	return h, nil
}

type ffmpegHandle struct {
	deviceID   int
	sampleRate int

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *lockedBuffer

	done     chan struct{}
	err      error
	closing  atomic.Bool
	stopOnce sync.Once
	stopWait time.Duration
}

// readLoop decodes fixed-size frames until the pipe closes, then reaps the process.
func (h *ffmpegHandle) readLoop(frameSamples int, sink FrameSink) {
	defer close(h.done)

	buf := make([]byte, frameSamples*2)
	var readErr error
	for {
		if _, err := io.ReadFull(h.stdout, buf); err != nil {
			readErr = err
			break
		}

		samples, err := DecodePCM16(buf)
		if err != nil {
			readErr = err
			break
		}
		sink(samples)
	}

	waitErr := h.cmd.Wait()
	if h.closing.Load() {
		return
	}

	// Capture ended without Close: the device went away or ffmpeg died.
	reason := "capture stopped"
	if msg := strings.TrimSpace(h.stderr.String()); msg != "" {
		reason = "capture stopped: " + msg
	}
	err := waitErr
	if err == nil && readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
		err = readErr
	}
	h.err = &DeviceError{DeviceID: h.deviceID, Reason: reason, Err: err}
}

func (h *ffmpegHandle) SampleRate() int {
	return h.sampleRate
}

func (h *ffmpegHandle) Done() <-chan struct{} {
	return h.done
}

// Err is valid once Done is closed.
func (h *ffmpegHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Close interrupts ffmpeg, escalating to kill after the stop timeout, and
// waits for the reader goroutine to finish.
func (h *ffmpegHandle) Close() error {
	h.stopOnce.Do(func() {
		h.closing.Store(true)
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Signal(os.Interrupt)
		}

		timer := time.NewTimer(h.stopWait)
		defer timer.Stop()

		select {
		case <-h.done:
		case <-timer.C:
			if h.cmd.Process != nil {
				_ = h.cmd.Process.Kill()
			}
			<-h.done
		}
	})
	return nil
}

// lockedBuffer collects ffmpeg stderr while the reader goroutine may inspect it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
