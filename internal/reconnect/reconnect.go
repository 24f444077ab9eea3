// Package reconnect supervises streaming recognition passes with bounded backoff.
package reconnect

import (
	"context"
	"log/slog"
	"time"

	"github.com/rbright/scribe/internal/streaming"
	"github.com/rbright/scribe/internal/transcript"
)

const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 10 * time.Second
	DefaultMaxAttempts  = 5
)

// Backoff yields doubling delays capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	next    time.Duration
}

// NewBackoff returns a backoff starting at initial.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultInitialDelay
	}
	if max < initial {
		max = initial
	}
	return &Backoff{Initial: initial, Max: max, next: initial}
}

// Next returns the current delay and advances to the following one.
func (b *Backoff) Next() time.Duration {
	delay := b.next
	b.next *= 2
	if b.next > b.Max {
		b.next = b.Max
	}
	return delay
}

// Reset returns the backoff to its initial delay.
func (b *Backoff) Reset() { b.next = b.Initial }

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Runner runs one recognition pass; *streaming.Adapter implements it.
type Runner interface {
	RunPass(ctx context.Context, onSegment func(transcript.Segment)) streaming.Outcome
}

// Config controls retry limits and the scheduling primitive.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Sleep        SleepFunc
	// OnRetry observes each scheduled reconnect.
	OnRetry func(attempt int, delay time.Duration, err *streaming.Error)
	Logger  *slog.Logger
}

// OutcomeKind is the aggregate result of supervision.
type OutcomeKind string

const (
	// Completed means the audio input ended and the final pass drained.
	Completed OutcomeKind = "completed"
	// Stopped means the supervision context was cancelled.
	Stopped OutcomeKind = "stopped"
	// Exhausted means retries ran out or a fatal error occurred.
	Exhausted OutcomeKind = "exhausted"
)

// Outcome summarizes one supervision run.
type Outcome struct {
	Kind     OutcomeKind
	Err      *streaming.Error
	Passes   int
	Attempts int
}

// Controller restarts passes until input ends, the context ends, or retries run out.
type Controller struct {
	cfg     Config
	backoff *Backoff

	attempts int
}

func NewController(cfg Config) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.Sleep == nil {
		cfg.Sleep = Sleep
	}
	return &Controller{cfg: cfg, backoff: NewBackoff(cfg.InitialDelay, cfg.MaxDelay)}
}

const minRestartFloor = 10 * time.Millisecond

// RestartFloor is the pause before restarting a pass that delivered nothing.
func (c *Controller) RestartFloor() time.Duration {
	floor := c.backoff.Initial / 10
	if floor < minRestartFloor {
		floor = minRestartFloor
	}
	return floor
}

// Supervise drives runner. Any delivered segment resets the attempt counter and
// the backoff. Normal pass ends and transient errors do not count as attempts;
// they restart at once after a productive pass and after RestartFloor otherwise.
func (c *Controller) Supervise(ctx context.Context, runner Runner, onSegment func(transcript.Segment)) Outcome {
	var out Outcome
	delivered := false
	deliver := func(seg transcript.Segment) {
		delivered = true
		if c.attempts > 0 {
			c.logInfo("streaming recovered", "attempts", c.attempts)
		}
		c.attempts = 0
		c.backoff.Reset()
		if onSegment != nil {
			onSegment(seg)
		}
	}

	for {
		if ctx.Err() != nil {
			out.Kind = Stopped
			return c.finish(out)
		}

		delivered = false
		pass := runner.RunPass(ctx, deliver)
		out.Passes++

		switch pass.Kind {
		case streaming.OutcomeInputClosed:
			out.Kind = Completed
			return c.finish(out)
		case streaming.OutcomeCancelled:
			out.Kind = Stopped
			return c.finish(out)
		case streaming.OutcomePassEnded:
			if !c.restart(ctx, delivered) {
				out.Kind = Stopped
				return c.finish(out)
			}
			continue
		}

		recErr := pass.Err
		if recErr == nil {
			recErr = streaming.NewError(streaming.CodeNetwork, nil)
		}
		switch recErr.Class {
		case streaming.ClassTransient:
			c.logDebug("transient recognition error", "code", recErr.Code)
			if !c.restart(ctx, delivered) {
				out.Kind = Stopped
				return c.finish(out)
			}
			continue
		case streaming.ClassFatal:
			out.Kind = Exhausted
			out.Err = recErr
			return c.finish(out)
		}

		c.attempts++
		if c.attempts >= c.cfg.MaxAttempts {
			c.logWarn("streaming reconnect attempts exhausted", "attempts", c.attempts, "error", recErr.Error())
			out.Kind = Exhausted
			out.Err = recErr
			return c.finish(out)
		}

		delay := c.backoff.Next()
		c.logWarn("streaming reconnect scheduled", "attempt", c.attempts, "delay_ms", delay.Milliseconds(), "error", recErr.Error())
		if c.cfg.OnRetry != nil {
			c.cfg.OnRetry(c.attempts, delay, recErr)
		}
		if err := c.cfg.Sleep(ctx, delay); err != nil {
			out.Kind = Stopped
			return c.finish(out)
		}
	}
}

func (c *Controller) restart(ctx context.Context, delivered bool) bool {
	if delivered {
		return true
	}
	return c.cfg.Sleep(ctx, c.RestartFloor()) == nil
}

// Attempts reports the current consecutive recoverable-error count.
func (c *Controller) Attempts() int { return c.attempts }

func (c *Controller) finish(out Outcome) Outcome {
	out.Attempts = c.attempts
	return out
}

func (c *Controller) logInfo(message string, args ...any) {
	if c.cfg.Logger == nil {
		return
	}
	c.cfg.Logger.Info(message, args...)
}

func (c *Controller) logDebug(message string, args ...any) {
	if c.cfg.Logger == nil {
		return
	}
	c.cfg.Logger.Debug(message, args...)
}

func (c *Controller) logWarn(message string, args ...any) {
	if c.cfg.Logger == nil {
		return
	}
	c.cfg.Logger.Warn(message, args...)
}
