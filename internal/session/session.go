// Package session runs one transcription session per event loop, from capture
// acquisition through strategy escalation to the committed transcript.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rbright/scribe/internal/capture"
	"github.com/rbright/scribe/internal/fsm"
	"github.com/rbright/scribe/internal/level"
	"github.com/rbright/scribe/internal/mixer"
	"github.com/rbright/scribe/internal/transcript"
)

// Strategy is the active transcription approach. It only moves forward.
type Strategy string

const (
	StrategyStreaming Strategy = "streaming"
	StrategyBatch     Strategy = "batch"
	StrategyManual    Strategy = "manual"
)

func (s Strategy) rank() int {
	switch s {
	case StrategyStreaming:
		return 1
	case StrategyBatch:
		return 2
	case StrategyManual:
		return 3
	default:
		return 0
	}
}

// Profile carries per-session preferences.
type Profile struct {
	PreferStreaming         bool
	ForceLocalModelOnly     bool
	MicGainFactor           float64
	LowerDetectionThreshold bool
	SingleUtterance         bool
}

// DefaultProfile prefers streaming with the default microphone gain.
func DefaultProfile() Profile {
	return Profile{PreferStreaming: true, MicGainFactor: mixer.DefaultMicGain}
}

func (p Profile) withDefaults() Profile {
	if p.MicGainFactor <= 0 {
		p.MicGainFactor = mixer.DefaultMicGain
	}
	return p
}

// Result is the terminal outcome of one session.
type Result struct {
	SessionID  string
	State      fsm.State
	Transcript string
	Strategy   Strategy
	Strategies []Strategy
	Partial    bool
	Cancelled  bool
	Err        error
	Attempts   int
	Passes     int
	Format     capture.Format
	Samples    int
	StartedAt  time.Time
	FinishedAt time.Time
}

type command int

const (
	cmdStop command = iota + 1
	cmdCancel
	cmdDismiss
	cmdSubmit
	cmdForceAudio
)

func (c command) String() string {
	switch c {
	case cmdStop:
		return "stop"
	case cmdCancel:
		return "cancel"
	case cmdDismiss:
		return "dismiss"
	case cmdSubmit:
		return "submit"
	case cmdForceAudio:
		return "force-audio"
	default:
		return "unknown"
	}
}

// Session is one capture-to-transcript lifecycle. All fields below the mutex-guarded
// snapshot are owned by the run goroutine.
type Session struct {
	id      string
	profile Profile
	engine  *Engine
	logger  *slog.Logger
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	events   chan any
	stopping chan struct{}
	done     chan struct{}

	mu        sync.RWMutex
	status    StatusEvent
	result    Result
	recording *mixer.Composite

	state         fsm.State
	strategy      Strategy
	history       []Strategy
	sources       []*capture.Source
	composite     *mixer.Composite
	monitor       *level.Monitor
	buffer        transcript.Buffer
	committed     string
	stopRequested bool
	inputEnded    bool
	batchStarted  bool
	partial       bool
	failure       error
	lastErr       error
	attempts      int
	passes        int
}

func newSession(e *Engine, id string, profile Profile) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	logger := e.cfg.Logger
	if logger != nil {
		logger = logger.With("session_id", id)
	}
	s := &Session{
		id:       id,
		profile:  profile,
		engine:   e,
		logger:   logger,
		started:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan any, 64),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		state:    fsm.StateIdle,
	}
	s.status = StatusEvent{SessionID: id, Phase: fsm.StateIdle, At: s.started}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status returns the latest published status.
func (s *Session) Status() StatusEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// State returns the current phase.
func (s *Session) State() fsm.State { return s.Status().Phase }

// Result returns the terminal result once Done is closed.
func (s *Session) Result() (Result, bool) {
	select {
	case <-s.done:
	default:
		return Result{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result, true
}

// Wait blocks until the session is terminal or ctx ends.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-s.done:
	}
	result, _ := s.Result()
	return result, nil
}

// Recording returns the composite audio mixed so far, at Format's rate.
func (s *Session) Recording() ([]int16, capture.Format) {
	s.mu.RLock()
	composite := s.recording
	s.mu.RUnlock()
	if composite == nil {
		return nil, capture.Format{}
	}
	return composite.Recording(), composite.Format()
}

// Stop ends capture. Streaming drains its final segments; batch transcribes the recording.
func (s *Session) Stop() error { return s.send(cmdStop, "") }

// Cancel stops everything and releases every resource. It blocks until teardown is
// complete and is a no-op on a finished session.
func (s *Session) Cancel() {
	_ = s.send(cmdCancel, "")
	<-s.done
}

// Dismiss abandons a session waiting for manual text.
func (s *Session) Dismiss() error { return s.send(cmdDismiss, "") }

// SubmitManualText completes a session waiting for manual text.
func (s *Session) SubmitManualText(text string) error { return s.send(cmdSubmit, text) }

// ForceAudioDetected is the operator override for the audio detection latch.
func (s *Session) ForceAudioDetected() error { return s.send(cmdForceAudio, "") }

type commandEvent struct {
	cmd   command
	text  string
	reply chan error
}

func (s *Session) send(cmd command, text string) error {
	reply := make(chan error, 1)
	select {
	case s.events <- commandEvent{cmd: cmd, text: text, reply: reply}:
	case <-s.stopping:
		return ErrSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrSessionClosed
		}
	}
}

// post delivers a worker event unless the session is tearing down.
func (s *Session) post(ev any) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stopping:
		return false
	}
}

// tryPost drops the event when the loop is behind.
func (s *Session) tryPost(ev any) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *Session) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Session) logInfo(message string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Info(message, args...)
}

func (s *Session) logWarn(message string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Warn(message, args...)
}
