package streaming

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbright/scribe/internal/transcript"
)

// OutcomeKind describes how one recognition pass ended.
type OutcomeKind string

const (
	// OutcomePassEnded is a normal end of pass; the caller restarts without penalty.
	OutcomePassEnded OutcomeKind = "pass_ended"
	// OutcomeInputClosed means the audio input ended and pending finals were drained.
	OutcomeInputClosed OutcomeKind = "input_closed"
	// OutcomeError carries a classified recognition error.
	OutcomeError OutcomeKind = "error"
	// OutcomeCancelled means the pass context ended.
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome reports how a pass ended and what it produced.
type Outcome struct {
	Kind     OutcomeKind
	Err      *Error
	Pass     int
	Segments int
	Finals   int
}

// Adapter runs sequential recognition passes over one shared frame input.
type Adapter struct {
	backend    Backend
	cfg        Config
	passConfig PassConfig
	frames     <-chan []int16
	logger     *slog.Logger

	pass     int
	hasFinal bool
}

// NewAdapter binds backend to the composite frame input at sampleRate.
func NewAdapter(backend Backend, cfg Config, frames <-chan []int16, sampleRate int, logger *slog.Logger) *Adapter {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	return &Adapter{
		backend:    backend,
		cfg:        cfg,
		passConfig: PassConfigFor(cfg, sampleRate),
		frames:     frames,
		logger:     logger,
	}
}

// PassConfig returns the request used for every pass.
func (a *Adapter) PassConfig() PassConfig { return a.passConfig }

// Passes reports how many passes have been opened.
func (a *Adapter) Passes() int { return a.pass }

// RunPass opens one pass, pumps audio into it, and delivers segments to onSegment
// in receive order until the pass ends. A new pass never overlaps the previous one.
func (a *Adapter) RunPass(ctx context.Context, onSegment func(transcript.Segment)) Outcome {
	a.pass++
	outcome := Outcome{Pass: a.pass}

	if a.backend == nil {
		outcome.Kind = OutcomeError
		outcome.Err = NewError(CodeUnavailable, ErrUnavailable)
		return outcome
	}

	p, err := a.backend.Open(ctx, a.passConfig)
	if err != nil {
		if ctx.Err() != nil {
			outcome.Kind = OutcomeCancelled
			return outcome
		}
		outcome.Kind = OutcomeError
		outcome.Err = Classify(err)
		return outcome
	}

	var (
		inputClosed atomic.Bool
		drained     atomic.Bool
		sendErr     error
		sendErrMu   sync.Mutex
	)
	stopSend := make(chan struct{})
	inputEnded := make(chan struct{})
	passDone := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopSend) }) }

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer func() { _ = p.CloseSend() }()
		for {
			select {
			case <-stopSend:
				return
			case frame, ok := <-a.frames:
				if !ok {
					inputClosed.Store(true)
					close(inputEnded)
					return
				}
				if err := p.SendAudio(frame); err != nil {
					sendErrMu.Lock()
					sendErr = err
					sendErrMu.Unlock()
					_ = p.Close()
					return
				}
			}
		}
	}()
	go func() {
		defer wg.Done()
		select {
		case <-passDone:
			return
		case <-ctx.Done():
			_ = p.Close()
			return
		case <-inputEnded:
		}
		timer := time.NewTimer(a.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-passDone:
		case <-ctx.Done():
			_ = p.Close()
		case <-timer.C:
			drained.Store(true)
			_ = p.Close()
		}
	}()

	seq := 0
	var recvErr error
	for {
		res, err := p.Recv()
		if err != nil {
			recvErr = err
			break
		}
		text := strings.TrimSpace(res.Transcript)
		if text == "" {
			continue
		}
		seq++
		seg := transcript.Segment{
			Text:         text,
			Alternatives: res.Alternatives,
			Final:        res.Final,
			Pass:         a.pass,
			Seq:          seq,
		}
		if seg.Final {
			seg.Text = a.joinFinal(text)
			outcome.Finals++
		}
		outcome.Segments++
		if onSegment != nil {
			onSegment(seg)
		}
		if seg.Final && a.passConfig.SingleUtterance {
			stop()
		}
	}

	close(passDone)
	stop()
	_ = p.Close()
	wg.Wait()

	sendErrMu.Lock()
	firstSendErr := sendErr
	sendErrMu.Unlock()

	switch {
	case ctx.Err() != nil:
		outcome.Kind = OutcomeCancelled
	case inputClosed.Load() && (errors.Is(recvErr, io.EOF) || drained.Load()):
		if drained.Load() {
			a.logWarn("streaming drain timed out", "pass", a.pass, "timeout", a.cfg.DrainTimeout.String())
		}
		outcome.Kind = OutcomeInputClosed
	case errors.Is(recvErr, io.EOF) && firstSendErr == nil:
		outcome.Kind = OutcomePassEnded
	case inputClosed.Load() && firstSendErr == nil:
		// The service failed after input ended; whatever was delivered is kept.
		a.logWarn("streaming pass failed during drain", "pass", a.pass, "error", recvErr.Error())
		outcome.Kind = OutcomeInputClosed
	default:
		cause := recvErr
		if firstSendErr != nil {
			cause = firstSendErr
		}
		outcome.Kind = OutcomeError
		outcome.Err = Classify(cause)
	}
	return outcome
}

// joinFinal keeps word boundaries between consecutive finals so that their plain
// concatenation reads as the transcript.
func (a *Adapter) joinFinal(text string) string {
	if !a.hasFinal {
		a.hasFinal = true
		return text
	}
	return " " + text
}

func (a *Adapter) logWarn(message string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Warn(message, args...)
}
