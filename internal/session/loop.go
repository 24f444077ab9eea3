package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/rbright/scribe/internal/capture"
	"github.com/rbright/scribe/internal/fsm"
	"github.com/rbright/scribe/internal/level"
	"github.com/rbright/scribe/internal/manual"
	"github.com/rbright/scribe/internal/mixer"
	"github.com/rbright/scribe/internal/reconnect"
	"github.com/rbright/scribe/internal/streaming"
	"github.com/rbright/scribe/internal/transcript"
)

type acquiredEvent struct {
	acq capture.Acquisition
	err error
}

type levelEvent struct{ sample level.Sample }

type segmentEvent struct{ seg transcript.Segment }

type retryEvent struct {
	attempt int
	delay   time.Duration
	err     *streaming.Error
}

type streamDoneEvent struct{ out reconnect.Outcome }

type inputEndedEvent struct{}

type batchDoneEvent struct {
	seg transcript.Segment
	err error
}

func (s *Session) run() {
	defer close(s.done)
	for ev := range s.events {
		s.handle(ev)
		if s.state.Terminal() {
			return
		}
	}
}

func (s *Session) handle(ev any) {
	switch ev := ev.(type) {
	case commandEvent:
		ev.reply <- s.command(ev)
	case acquiredEvent:
		s.onAcquired(ev)
	case levelEvent:
		if s.monitor != nil && !s.state.Terminal() {
			s.publish()
		}
	case segmentEvent:
		s.onSegment(ev.seg)
	case retryEvent:
		s.attempts = ev.attempt
		s.lastErr = ev.err
		s.publish()
	case streamDoneEvent:
		s.onStreamDone(ev.out)
	case inputEndedEvent:
		s.inputEnded = true
		if s.state == fsm.StateBatchActive {
			s.startBatch()
		}
	case batchDoneEvent:
		s.onBatchDone(ev)
	}
}

func (s *Session) command(ev commandEvent) error {
	switch ev.cmd {
	case cmdCancel:
		s.logInfo("session cancelled", "state", string(s.state))
		s.finish(fsm.EventCancel, nil, "")
		return nil
	case cmdStop:
		return s.onStop()
	case cmdDismiss:
		if s.state != fsm.StateManualPending {
			return s.invalid(ev.cmd)
		}
		if s.failure != nil {
			s.finish(fsm.EventFail, s.failure, "")
			return nil
		}
		s.finish(fsm.EventDismiss, nil, "")
		return nil
	case cmdSubmit:
		if s.state != fsm.StateManualPending {
			return s.invalid(ev.cmd)
		}
		text, err := manual.Handler{}.Submit(ev.text)
		if err != nil {
			s.lastErr = err
			s.publish()
			return err
		}
		s.succeed(text, fsm.EventSubmitted)
		return nil
	case cmdForceAudio:
		if s.monitor == nil {
			return s.invalid(ev.cmd)
		}
		s.monitor.ForceDetected()
		s.publish()
		return nil
	default:
		return s.invalid(ev.cmd)
	}
}

func (s *Session) invalid(cmd command) error {
	return fmt.Errorf("%w: cannot %s from state %s", ErrInvalidCommand, cmd, s.state)
}

func (s *Session) acquire() {
	acq, err := s.engine.acquirer.Acquire(s.ctx, capture.AcquireRequest{
		Kinds:    s.engine.cfg.CaptureKinds,
		Degraded: s.engine.cfg.Degraded,
	})
	if !s.post(acquiredEvent{acq: acq, err: err}) {
		_ = capture.ReleaseAll(acq.Sources)
	}
}

func (s *Session) onAcquired(ev acquiredEvent) {
	if s.state != fsm.StateAcquiringResources {
		_ = capture.ReleaseAll(ev.acq.Sources)
		return
	}
	if ev.err != nil {
		s.finish(fsm.EventFail, fmt.Errorf("acquire capture: %w", ev.err), "")
		return
	}

	s.sources = ev.acq.Sources
	s.partial = ev.acq.Partial
	if err := ev.acq.Err(); err != nil {
		s.lastErr = err
		s.logWarn("continuing with partial capture", "denied", fmt.Sprint(ev.acq.Denied))
	}
	s.apply(fsm.EventAcquired)

	composite, err := mixer.Mix(s.ctx, s.sources, mixer.Options{MicGain: s.profile.MicGainFactor})
	if err != nil {
		s.finish(fsm.EventFail, fmt.Errorf("mix capture: %w", err), "")
		return
	}
	s.composite = composite
	s.mu.Lock()
	s.recording = composite
	s.mu.Unlock()

	monitor := level.New(s.engine.cfg.Level)
	if s.profile.LowerDetectionThreshold {
		monitor.SetDegraded(true)
	}
	s.monitor = monitor
	frames := composite.Subscribe()
	s.spawn(func() {
		monitor.Run(s.ctx, frames, func(sample level.Sample) { s.tryPost(levelEvent{sample: sample}) })
	})
	s.spawn(func() {
		select {
		case <-composite.Done():
			s.post(inputEndedEvent{})
		case <-s.ctx.Done():
		}
	})

	if s.profile.PreferStreaming && !s.profile.ForceLocalModelOnly && s.engine.cfg.Streaming != nil {
		s.setStrategy(StrategyStreaming)
		s.apply(fsm.EventSelectStream)
		s.startStreaming()
		return
	}
	s.setStrategy(StrategyBatch)
	s.apply(fsm.EventSelectBatch)
}

func (s *Session) startStreaming() {
	cfg := s.engine.cfg.StreamingConfig
	if s.profile.SingleUtterance {
		cfg.SingleUtterance = true
	}
	adapter := streaming.NewAdapter(s.engine.cfg.Streaming, cfg, s.composite.Subscribe(), s.composite.Format().SampleRate, s.logger)

	rc := s.engine.cfg.Reconnect
	rc.Logger = s.logger
	observe := rc.OnRetry
	rc.OnRetry = func(attempt int, delay time.Duration, err *streaming.Error) {
		if observe != nil {
			observe(attempt, delay, err)
		}
		s.post(retryEvent{attempt: attempt, delay: delay, err: err})
	}
	controller := reconnect.NewController(rc)

	s.spawn(func() {
		out := controller.Supervise(s.ctx, adapter, func(seg transcript.Segment) {
			s.post(segmentEvent{seg: seg})
		})
		s.post(streamDoneEvent{out: out})
	})
}

func (s *Session) onSegment(seg transcript.Segment) {
	if s.state != fsm.StateStreamingActive {
		return
	}
	if !s.buffer.Append(seg) {
		s.logWarn("dropped out-of-order segment", "pass", seg.Pass, "seq", seg.Seq)
		return
	}
	s.attempts = 0
	s.publish()
}

func (s *Session) onStreamDone(out reconnect.Outcome) {
	s.passes += out.Passes
	if s.state != fsm.StateStreamingActive {
		return
	}
	switch out.Kind {
	case reconnect.Completed:
		s.inputEnded = true
		text := s.buffer.Text()
		if strings.TrimSpace(text) == "" {
			s.enterManual(nil)
			return
		}
		s.succeed(text, fsm.EventTranscribed)
	case reconnect.Exhausted:
		s.escalate(out)
	}
}

func (s *Session) escalate(out reconnect.Outcome) {
	if out.Err != nil {
		s.lastErr = out.Err
	}
	s.attempts = out.Attempts
	s.logWarn("streaming exhausted; escalating to batch", "attempts", out.Attempts, "passes", out.Passes)

	s.apply(fsm.EventExhausted)
	s.buffer.Reset()
	s.setStrategy(StrategyBatch)
	if s.monitor != nil {
		s.monitor.SetDegraded(true)
	}
	s.apply(fsm.EventEscalated)

	if s.stopRequested || s.inputEnded {
		s.startBatch()
	}
}

func (s *Session) onStop() error {
	switch s.state {
	case fsm.StateStreamingActive:
		if s.stopRequested {
			return nil
		}
		s.stopRequested = true
		s.releaseSources()
		return nil
	case fsm.StateBatchActive:
		if s.stopRequested {
			return nil
		}
		s.stopRequested = true
		s.startBatch()
		return nil
	default:
		return s.invalid(cmdStop)
	}
}

// startBatch releases capture and transcribes the full recording once mixing ends.
func (s *Session) startBatch() {
	if s.batchStarted {
		return
	}
	s.batchStarted = true
	s.releaseSources()

	composite := s.composite
	transcriber := s.engine.cfg.Batch
	s.spawn(func() {
		select {
		case <-composite.Done():
		case <-s.ctx.Done():
			return
		}
		seg, err := transcriber.Transcribe(s.ctx, composite.Normalized())
		s.post(batchDoneEvent{seg: seg, err: err})
	})
}

func (s *Session) onBatchDone(ev batchDoneEvent) {
	if s.state != fsm.StateBatchActive {
		return
	}
	if ev.err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.logWarn("batch transcription failed", "error", ev.err.Error())
		s.enterManual(fmt.Errorf("batch transcription: %w", ev.err))
		return
	}
	s.succeed(ev.seg.Text, fsm.EventTranscribed)
}

// enterManual waits for operator text. reason is reported as the failure if the
// operator dismisses.
func (s *Session) enterManual(reason error) {
	s.failure = reason
	if reason != nil {
		s.lastErr = reason
	}
	s.releaseCapture()
	s.setStrategy(StrategyManual)
	s.apply(fsm.EventManualRequired)
}

func (s *Session) succeed(text string, event fsm.Event) {
	s.releaseCapture()
	if err := s.engine.cfg.Committer.Commit(s.ctx, s.id, text); err != nil {
		s.finish(fsm.EventFail, fmt.Errorf("commit transcript: %w", err), text)
		return
	}
	s.finish(event, nil, text)
}

// finish stops every worker, releases capture, and applies the terminal event.
func (s *Session) finish(event fsm.Event, err error, text string) {
	close(s.stopping)
	s.cancel()
	s.releaseCapture()
	s.wg.Wait()
	s.drainEvents()

	if err != nil {
		s.lastErr = err
	}
	s.committed = text
	if !s.apply(event) {
		s.state = fsm.StateFailed
		s.publish()
	}

	result := Result{
		SessionID:  s.id,
		State:      s.state,
		Transcript: text,
		Strategy:   s.strategy,
		Strategies: append([]Strategy(nil), s.history...),
		Partial:    s.partial,
		Cancelled:  s.state == fsm.StateCancelled,
		Err:        err,
		Attempts:   s.attempts,
		Passes:     s.passes,
		StartedAt:  s.started,
		FinishedAt: time.Now(),
	}
	if s.composite != nil {
		result.Format = s.composite.Format()
		result.Samples = len(s.composite.Recording())
	}
	s.mu.Lock()
	s.result = result
	s.mu.Unlock()

	switch {
	case err != nil:
		s.logWarn("session finished", "state", string(s.state), "error", err.Error())
	default:
		s.logInfo("session finished", "state", string(s.state), "strategy", string(s.strategy), "chars", len(text))
	}
}

// drainEvents discards queued events after workers have stopped, releasing any
// capture that was acquired concurrently with teardown.
func (s *Session) drainEvents() {
	for {
		select {
		case ev := <-s.events:
			switch ev := ev.(type) {
			case acquiredEvent:
				_ = capture.ReleaseAll(ev.acq.Sources)
			case commandEvent:
				ev.reply <- ErrSessionClosed
			}
		default:
			return
		}
	}
}

func (s *Session) releaseSources() {
	if err := capture.ReleaseAll(s.sources); err != nil {
		s.logWarn("release capture", "error", err.Error())
	}
}

func (s *Session) releaseCapture() {
	s.releaseSources()
	if s.composite != nil {
		s.composite.Close()
	}
}

func (s *Session) setStrategy(next Strategy) {
	if next.rank() <= s.strategy.rank() {
		return
	}
	s.strategy = next
	s.history = append(s.history, next)
}

func (s *Session) apply(event fsm.Event) bool {
	next, err := fsm.Transition(s.state, event)
	if err != nil {
		s.logWarn("rejected session transition", "error", err.Error())
		return false
	}
	s.state = next
	s.publish()
	return true
}

func (s *Session) publish() {
	ev := StatusEvent{
		SessionID:  s.id,
		Phase:      s.state,
		Strategy:   s.strategy,
		Transcript: s.buffer.Text(),
		Interim:    s.buffer.Interim(),
		Attempts:   s.attempts,
		At:         time.Now(),
	}
	if s.committed != "" {
		ev.Transcript = s.committed
	}
	if s.monitor != nil {
		ev.CurrentLevel = s.monitor.CurrentLevel()
		ev.Threshold = s.monitor.Threshold()
		ev.HasDetectedAudio = s.monitor.HasDetectedAudio()
	}
	if s.lastErr != nil {
		ev.LastError = s.lastErr.Error()
	}

	s.mu.Lock()
	s.status = ev
	s.mu.Unlock()
	s.engine.cfg.Sink.Publish(ev)
}
