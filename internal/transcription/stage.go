package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MisterGoodDeal/live-translation/internal/audio"
)

// Options carries the per-call model settings taken from the settings snapshot.
type Options struct {
	Language            string
	Model               string
	UseGPU              bool
	ForceAltAccelerator bool
}

// Device returns the accelerator hint passed to backends.
func (o Options) Device() string {
	switch {
	case !o.UseGPU:
		return "cpu"
	case o.ForceAltAccelerator:
		return "mps"
	default:
		return "cuda"
	}
}

// Result is the recognised text of one chunk. Empty text means no speech.
type Result struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Empty reports whether the result carries no usable text.
func (r Result) Empty() bool {
	return strings.TrimSpace(r.Text) == ""
}

// Backend performs the actual speech recognition.
type Backend interface {
	Name() string
	Transcribe(ctx context.Context, chunk *audio.AudioChunk, opts Options) (Result, error)
}

// InferenceError reports a failed recognition call. The pipeline turns it into
// an event and moves on to the next chunk.
type InferenceError struct {
	Backend string
	ChunkID string
	Err     error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("transcription via %s failed for chunk %s: %v", e.Backend, e.ChunkID, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// ErrTimeout is wrapped by InferenceError when a call exceeds the stage timeout.
var ErrTimeout = errors.New("transcription timed out")

// Stage runs chunks through a Backend.
type Stage struct {
	backend Backend
	timeout time.Duration
	logger  *slog.Logger
}

// NewStage creates a stage. timeout bounds every backend call.
func NewStage(backend Backend, timeout time.Duration, logger *slog.Logger) *Stage {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Stage{
		backend: backend,
		timeout: timeout,
		logger:  logger,
	}
}

// Backend returns the wrapped backend.
func (s *Stage) Backend() Backend {
	return s.backend
}

// Transcribe recognises chunk. The call runs on a context detached from ctx
// cancellation so a session stop lets it finish; only the stage timeout cuts
// it short. Failures come back as *InferenceError with an empty Result.
func (s *Stage) Transcribe(ctx context.Context, chunk *audio.AudioChunk, opts Options) (res Result, err error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			res = Result{}
			err = &InferenceError{Backend: s.backend.Name(), ChunkID: chunk.ChunkID, Err: fmt.Errorf("backend panic: %v", r)}
		}
	}()

	start := time.Now()
	res, err = s.backend.Transcribe(callCtx, chunk, opts)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", ErrTimeout, s.timeout, err)
		}
		return Result{}, &InferenceError{Backend: s.backend.Name(), ChunkID: chunk.ChunkID, Err: err}
	}

	res.Text = strings.TrimSpace(res.Text)
	if res.Language == "" {
		res.Language = opts.Language
	}

	s.logger.Debug("Chunk transcribed",
		slog.String("chunk_id", chunk.ChunkID),
		slog.String("backend", s.backend.Name()),
		slog.Duration("latency", time.Since(start)),
		slog.Int("text_length", len(res.Text)),
	)

	return res, nil
}
