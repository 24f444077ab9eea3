// Package batch transcribes a complete 16 kHz mono recording with a local model.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rbright/scribe/internal/transcript"
)

// ErrorKind classifies model failures.
type ErrorKind string

const (
	LoadFailed       ErrorKind = "load_failed"
	InvocationFailed ErrorKind = "invocation_failed"
	EmptyResult      ErrorKind = "empty_result"
)

var (
	// ErrModelUnavailable matches any ModelError of kind LoadFailed.
	ErrModelUnavailable = errors.New("batch model unavailable")
	// ErrEmptyBuffer is returned when there is no recorded audio to transcribe.
	ErrEmptyBuffer = errors.New("empty audio buffer")
)

// ModelError is a classified batch model failure.
type ModelError struct {
	Kind ErrorKind
	Err  error
}

func (e *ModelError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("batch model %s", e.Kind)
	}
	return fmt.Sprintf("batch model %s: %v", e.Kind, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

func (e *ModelError) Is(target error) bool {
	return target == ErrModelUnavailable && e.Kind == LoadFailed
}

// TranscriptionModel is the single capability the session relies on.
type TranscriptionModel interface {
	Transcribe(ctx context.Context, samples []float32) (string, error)
}

// Loader builds a model host object. The returned value is normalized by Probe.
type Loader func(ctx context.Context) (any, error)

// Adapter lazily loads one model and shares it across sessions.
type Adapter struct {
	name   string
	loader Loader
	logger *slog.Logger

	mu    sync.Mutex
	model TranscriptionModel
}

// NewAdapter wraps loader. name is used in logs only.
func NewAdapter(name string, loader Loader, logger *slog.Logger) *Adapter {
	return &Adapter{name: name, loader: loader, logger: logger}
}

// Name identifies the configured model host.
func (a *Adapter) Name() string { return a.name }

// Loaded reports whether a model is cached.
func (a *Adapter) Loaded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.model != nil
}

// Load returns the cached model or loads it. A failed load is not cached.
func (a *Adapter) Load(ctx context.Context) (TranscriptionModel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.model != nil {
		return a.model, nil
	}
	if a.loader == nil {
		return nil, &ModelError{Kind: LoadFailed, Err: errors.New("no batch model configured")}
	}

	started := time.Now()
	host, err := a.loader(ctx)
	if err != nil {
		a.logWarn("batch model load failed", "model", a.name, "error", err.Error())
		return nil, &ModelError{Kind: LoadFailed, Err: err}
	}
	model, err := Probe(ctx, host, a.loader)
	if err != nil {
		a.logWarn("batch model probe failed", "model", a.name, "error", err.Error())
		return nil, &ModelError{Kind: LoadFailed, Err: err}
	}

	a.model = model
	a.logInfo("batch model loaded", "model", a.name, "load_ms", time.Since(started).Milliseconds())
	return model, nil
}

// Transcribe runs the model over samples and returns one final segment.
func (a *Adapter) Transcribe(ctx context.Context, samples []float32) (transcript.Segment, error) {
	if len(samples) == 0 {
		return transcript.Segment{}, ErrEmptyBuffer
	}

	model, err := a.Load(ctx)
	if err != nil {
		return transcript.Segment{}, err
	}

	started := time.Now()
	text, err := model.Transcribe(ctx, samples)
	if err != nil {
		var modelErr *ModelError
		if errors.As(err, &modelErr) {
			return transcript.Segment{}, err
		}
		return transcript.Segment{}, &ModelError{Kind: InvocationFailed, Err: err}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return transcript.Segment{}, &ModelError{Kind: EmptyResult}
	}
	a.logInfo("batch transcription complete", "model", a.name, "samples", len(samples), "transcribe_ms", time.Since(started).Milliseconds())
	return transcript.Segment{Text: text, Final: true}, nil
}

func (a *Adapter) logInfo(message string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Info(message, args...)
}

func (a *Adapter) logWarn(message string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Warn(message, args...)
}
