package transcription

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/MisterGoodDeal/live-translation/internal/audio"
)

type fakeBackend struct {
	transcribe func(ctx context.Context, chunk *audio.AudioChunk, opts Options) (Result, error)
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Transcribe(ctx context.Context, chunk *audio.AudioChunk, opts Options) (Result, error) {
	return f.transcribe(ctx, chunk, opts)
}

func newTestStage(fn func(context.Context, *audio.AudioChunk, Options) (Result, error), timeout time.Duration) *Stage {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStage(&fakeBackend{transcribe: fn}, timeout, logger)
}

func TestStageTrimsText(t *testing.T) {
	stage := newTestStage(func(context.Context, *audio.AudioChunk, Options) (Result, error) {
		return Result{Text: "  hello \n"}, nil
	}, time.Second)

	res, err := stage.Transcribe(context.Background(), testChunk(), Options{Language: "en"})
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if res.Text != "hello" {
		t.Errorf("Expected trimmed text, got %q", res.Text)
	}
	if res.Language != "en" {
		t.Errorf("Expected language defaulted to request, got %q", res.Language)
	}
}

func TestStageEmptyResult(t *testing.T) {
	stage := newTestStage(func(context.Context, *audio.AudioChunk, Options) (Result, error) {
		return Result{Text: " \t "}, nil
	}, time.Second)

	res, err := stage.Transcribe(context.Background(), testChunk(), Options{})
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if !res.Empty() {
		t.Errorf("Expected empty result, got %q", res.Text)
	}
}

func TestStageWrapsErrors(t *testing.T) {
	boom := errors.New("model crashed")

	tests := []struct {
		name string
		fn   func(context.Context, *audio.AudioChunk, Options) (Result, error)
		is   error
	}{
		{
			name: "backend error",
			fn: func(context.Context, *audio.AudioChunk, Options) (Result, error) {
				return Result{Text: "partial"}, boom
			},
			is: boom,
		},
		{
			name: "panic",
			fn: func(context.Context, *audio.AudioChunk, Options) (Result, error) {
				panic("out of memory")
			},
		},
		{
			name: "timeout",
			fn: func(ctx context.Context, _ *audio.AudioChunk, _ Options) (Result, error) {
				<-ctx.Done()
				return Result{}, ctx.Err()
			},
			is: ErrTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stage := newTestStage(tt.fn, 20*time.Millisecond)

			res, err := stage.Transcribe(context.Background(), testChunk(), Options{})

			var inferr *InferenceError
			if !errors.As(err, &inferr) {
				t.Fatalf("Expected InferenceError, got %v", err)
			}
			if inferr.ChunkID != "chunk-1" {
				t.Errorf("Expected chunk id chunk-1, got %s", inferr.ChunkID)
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("Expected error to wrap %v, got %v", tt.is, err)
			}
			if !res.Empty() {
				t.Errorf("Expected empty result on failure, got %q", res.Text)
			}
		})
	}
}

func TestStageIgnoresSessionCancellation(t *testing.T) {
	started := make(chan struct{})
	stage := newTestStage(func(ctx context.Context, _ *audio.AudioChunk, _ Options) (Result, error) {
		close(started)
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(50 * time.Millisecond):
			return Result{Text: "finished"}, nil
		}
	}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res, err := stage.Transcribe(ctx, testChunk(), Options{})
	if err != nil {
		t.Fatalf("Expected in-flight call to finish, got %v", err)
	}
	if res.Text != "finished" {
		t.Errorf("Expected finished, got %q", res.Text)
	}
}

func TestOptionsDevice(t *testing.T) {
	tests := []struct {
		opts Options
		want string
	}{
		{Options{}, "cpu"},
		{Options{ForceAltAccelerator: true}, "cpu"},
		{Options{UseGPU: true}, "cuda"},
		{Options{UseGPU: true, ForceAltAccelerator: true}, "mps"},
	}

	for _, tt := range tests {
		if got := tt.opts.Device(); got != tt.want {
			t.Errorf("%+v.Device() = %s, want %s", tt.opts, got, tt.want)
		}
	}
}
