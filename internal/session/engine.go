package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/rbright/scribe/internal/batch"
	"github.com/rbright/scribe/internal/capture"
	"github.com/rbright/scribe/internal/fsm"
	"github.com/rbright/scribe/internal/level"
	"github.com/rbright/scribe/internal/reconnect"
	"github.com/rbright/scribe/internal/streaming"
)

// Config wires the engine's collaborators. Only Device is required.
type Config struct {
	Device       capture.Device
	CaptureKinds []capture.Kind
	// Degraded environments cannot continue without the microphone.
	Degraded bool

	// Streaming is nil when no streaming recognizer is configured.
	Streaming       streaming.Backend
	StreamingConfig streaming.Config
	Reconnect       reconnect.Config

	Batch BatchTranscriber
	Level level.Config

	Committer Committer
	Sink      StatusSink
	Logger    *slog.Logger
	NewID     func() string
}

// Engine starts sessions and routes commands to them by identifier.
type Engine struct {
	cfg      Config
	acquirer *capture.Acquirer

	mu       sync.Mutex
	sessions map[string]*Session
	latest   *Session
}

// NewEngine fills defaults and returns an engine.
func NewEngine(cfg Config) *Engine {
	if len(cfg.CaptureKinds) == 0 {
		cfg.CaptureKinds = []capture.Kind{capture.KindMicrophone, capture.KindScreenAudio}
	}
	if cfg.Batch == nil {
		cfg.Batch = batch.NewAdapter("unconfigured", nil, cfg.Logger)
	}
	if cfg.Committer == nil {
		cfg.Committer = CommitFunc(func(context.Context, string, string) error { return nil })
	}
	if cfg.Sink == nil {
		cfg.Sink = Sinks()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Engine{
		cfg:      cfg,
		acquirer: capture.NewAcquirer(cfg.Device, cfg.Logger),
		sessions: make(map[string]*Session),
	}
}

// Start begins a session: resources are acquired asynchronously and the returned
// session reports progress through Status and the configured sink. Cancelling ctx
// cancels the session.
func (e *Engine) Start(ctx context.Context, profile Profile) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := newSession(e, e.cfg.NewID(), profile.withDefaults())
	if !s.apply(fsm.EventStart) {
		return nil, fmt.Errorf("start session %s: invalid initial state", s.id)
	}

	e.mu.Lock()
	e.sessions[s.id] = s
	e.latest = s
	e.mu.Unlock()

	s.spawn(s.acquire)
	go s.run()
	go func() {
		select {
		case <-ctx.Done():
			s.Cancel()
		case <-s.done:
		}
		e.forget(s)
	}()

	s.logInfo("session started", "prefer_streaming", profile.PreferStreaming, "local_only", profile.ForceLocalModelOnly)
	return s, nil
}

// Session returns a tracked, unfinished session.
func (e *Engine) Session(id string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	return s, ok
}

// Latest returns the most recently started session, finished or not.
func (e *Engine) Latest() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest
}

// Cancel cancels session id and waits for teardown. Cancelling twice is a no-op.
func (e *Engine) Cancel(id string) error {
	s, err := e.lookup(id)
	if err != nil {
		return err
	}
	s.Cancel()
	return nil
}

// SubmitManualText forwards operator text to session id.
func (e *Engine) SubmitManualText(id string, text string) error {
	s, err := e.lookup(id)
	if err != nil {
		return err
	}
	return s.SubmitManualText(text)
}

func (e *Engine) lookup(id string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[id]; ok {
		return s, nil
	}
	if e.latest != nil && e.latest.id == id {
		return e.latest, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
}

func (e *Engine) forget(s *Session) {
	<-s.done
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, s.id)
}
