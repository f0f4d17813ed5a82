package translation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// NotAvailableText is returned as the result text while the translator is
// unavailable.
const NotAvailableText = "[TRANSLATOR NOT AVAILABLE]"

// ErrUnavailable reports that the translator failed to initialise.
var ErrUnavailable = errors.New("translator not available")

// ErrEmptyTranslation is wrapped by InferenceError when the backend returns no
// text for non-empty input.
var ErrEmptyTranslation = errors.New("backend returned empty translation")

// Backend performs text translation between language codes.
type Backend interface {
	Name() string
	Init(ctx context.Context) error
	Translate(ctx context.Context, text, src, tgt string) (string, error)
}

// Result is the outcome of one translation. Err is nil on success; otherwise
// Text holds a sentinel or error-tagged string and callers fall back to the
// source text.
type Result struct {
	Text string
	Err  error
}

// Failed reports whether the translation did not produce usable text.
func (r Result) Failed() bool {
	return r.Err != nil
}

// InferenceError reports a failed translation call.
type InferenceError struct {
	Backend string
	Err     error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("translation via %s failed: %v", e.Backend, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// Stage wraps a Backend with one-shot initialisation, a call timeout, and
// panic containment.
type Stage struct {
	backend Backend
	timeout time.Duration
	logger  *slog.Logger

	initOnce  sync.Once
	mu        sync.RWMutex
	available bool
	initErr   error
}

// NewStage creates a stage around backend. A nil backend yields a stage that
// is permanently unavailable.
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

// Init initialises the backend. Only the first call does any work; its
// outcome is final for the life of the stage.
func (s *Stage) Init(ctx context.Context) error {
	s.initOnce.Do(func() {
		var err error
		if s.backend == nil {
			err = errors.New("no translation backend configured")
		} else {
			initCtx, cancel := context.WithTimeout(ctx, s.timeout)
			err = s.backend.Init(initCtx)
			cancel()
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.initErr = fmt.Errorf("%w: %w", ErrUnavailable, err)
			s.logger.Warn("Translator not available", slog.String("error", err.Error()))
			return
		}
		s.available = true
		s.logger.Info("Translator loaded", slog.String("backend", s.backend.Name()))
	})

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initErr
}

// Available reports whether Init succeeded.
func (s *Stage) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.available
}

// Translate converts text from src to tgt. Identical languages and empty text
// are returned unchanged without calling the backend. Like transcription, the
// call is detached from ctx cancellation and bounded by the stage timeout.
func (s *Stage) Translate(ctx context.Context, text, src, tgt string) (res Result) {
	if !s.Available() {
		return Result{Text: NotAvailableText, Err: ErrUnavailable}
	}

	text = strings.TrimSpace(text)
	if text == "" || strings.EqualFold(src, tgt) {
		return Result{Text: text}
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("backend panic: %v", r)
			res = Result{Text: errorText(err), Err: &InferenceError{Backend: s.backend.Name(), Err: err}}
		}
	}()

	translated, err := s.backend.Translate(callCtx, text, src, tgt)
	if err != nil {
		return Result{Text: errorText(err), Err: &InferenceError{Backend: s.backend.Name(), Err: err}}
	}

	translated = strings.TrimSpace(translated)
	if translated == "" {
		err := ErrEmptyTranslation
		return Result{Text: errorText(err), Err: &InferenceError{Backend: s.backend.Name(), Err: err}}
	}
	return Result{Text: translated}
}

func errorText(err error) string {
	return fmt.Sprintf("[TRANSLATION ERROR: %v]", err)
}
