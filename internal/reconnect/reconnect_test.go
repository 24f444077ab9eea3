package reconnect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rbright/scribe/internal/streaming"
	"github.com/rbright/scribe/internal/transcript"
	"github.com/stretchr/testify/require"
)

type step struct {
	segments []transcript.Segment
	outcome  streaming.Outcome
}

type scriptedRunner struct {
	steps []step
	calls int
}

func (r *scriptedRunner) RunPass(ctx context.Context, onSegment func(transcript.Segment)) streaming.Outcome {
	if r.calls >= len(r.steps) {
		<-ctx.Done()
		return streaming.Outcome{Kind: streaming.OutcomeCancelled}
	}
	s := r.steps[r.calls]
	r.calls++
	for _, seg := range s.segments {
		onSegment(seg)
	}
	return s.outcome
}

func recoverable() step {
	return step{outcome: streaming.Outcome{Kind: streaming.OutcomeError, Err: streaming.NewError(streaming.CodeNetwork, errors.New("reset"))}}
}

func transient() step {
	return step{outcome: streaming.Outcome{Kind: streaming.OutcomeError, Err: streaming.NewError(streaming.CodeNoSpeech, nil)}}
}

func passEnded(text string) step {
	return step{
		segments: []transcript.Segment{{Text: text, Final: true}},
		outcome:  streaming.Outcome{Kind: streaming.OutcomePassEnded},
	}
}

func inputClosed() step {
	return step{outcome: streaming.Outcome{Kind: streaming.OutcomeInputClosed}}
}

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := NewBackoff(time.Second, 10*time.Second)
	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.Next())
	}
	require.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
	}, got)

	for i := 1; i < len(got); i++ {
		require.GreaterOrEqual(t, got[i], got[i-1])
	}

	b.Reset()
	require.Equal(t, time.Second, b.Next())
}

func TestSuperviseExhaustsAfterFiveRecoverableErrors(t *testing.T) {
	runner := &scriptedRunner{steps: []step{recoverable(), recoverable(), recoverable(), recoverable(), recoverable()}}
	sleeper := &sleepRecorder{}
	var retries []int
	c := NewController(Config{
		Sleep:   sleeper.Sleep,
		OnRetry: func(attempt int, _ time.Duration, _ *streaming.Error) { retries = append(retries, attempt) },
	})

	out := c.Supervise(context.Background(), runner, nil)

	require.Equal(t, Exhausted, out.Kind)
	require.Equal(t, 5, out.Attempts)
	require.Equal(t, 5, out.Passes)
	require.Equal(t, streaming.CodeNetwork, out.Err.Code)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, sleeper.delays)
	require.Equal(t, []int{1, 2, 3, 4}, retries)
}

func TestSuperviseResetsAfterSuccessfulSegment(t *testing.T) {
	runner := &scriptedRunner{steps: []step{
		recoverable(), recoverable(), recoverable(),
		passEnded("back"),
		recoverable(), recoverable(),
		inputClosed(),
	}}
	sleeper := &sleepRecorder{}
	var delivered []string
	c := NewController(Config{Sleep: sleeper.Sleep})

	out := c.Supervise(context.Background(), runner, func(seg transcript.Segment) { delivered = append(delivered, seg.Text) })

	require.Equal(t, Completed, out.Kind)
	require.Equal(t, 2, out.Attempts)
	require.Nil(t, out.Err)
	require.Equal(t, []string{"back"}, delivered)
	require.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second,
		time.Second, 2 * time.Second,
	}, sleeper.delays)
}

func TestSuperviseRestartsWithoutPenalty(t *testing.T) {
	runner := &scriptedRunner{steps: []step{
		transient(), passEnded("a"), transient(), passEnded("b"), transient(), transient(), inputClosed(),
	}}
	sleeper := &sleepRecorder{}
	c := NewController(Config{Sleep: sleeper.Sleep, MaxAttempts: 1})

	out := c.Supervise(context.Background(), runner, nil)

	require.Equal(t, Completed, out.Kind)
	require.Equal(t, 7, out.Passes)
	require.Zero(t, out.Attempts)
	floor := 100 * time.Millisecond
	require.Equal(t, floor, c.RestartFloor())
	require.Equal(t, []time.Duration{floor, floor, floor, floor}, sleeper.delays)
}

type abortingRunner struct{ calls int }

func (r *abortingRunner) RunPass(context.Context, func(transcript.Segment)) streaming.Outcome {
	r.calls++
	return streaming.Outcome{Kind: streaming.OutcomeError, Err: streaming.NewError(streaming.CodeAborted, errors.New("aborted"))}
}

func TestSuperviseEmptyTransientPassesWaitBeforeRestart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	runner := &abortingRunner{}
	c := NewController(Config{InitialDelay: 500 * time.Millisecond})

	out := c.Supervise(ctx, runner, nil)

	require.Equal(t, Stopped, out.Kind)
	require.Zero(t, out.Attempts)
	require.Equal(t, 50*time.Millisecond, c.RestartFloor())
	require.LessOrEqual(t, runner.calls, 5)
	require.Equal(t, runner.calls, out.Passes)
}

func TestSuperviseEmptyPassEndWaitsBeforeRestart(t *testing.T) {
	runner := &scriptedRunner{steps: []step{
		{outcome: streaming.Outcome{Kind: streaming.OutcomePassEnded}},
		{outcome: streaming.Outcome{Kind: streaming.OutcomePassEnded}},
		inputClosed(),
	}}
	sleeper := &sleepRecorder{}
	c := NewController(Config{Sleep: sleeper.Sleep, InitialDelay: 20 * time.Millisecond})

	out := c.Supervise(context.Background(), runner, nil)

	require.Equal(t, Completed, out.Kind)
	require.Equal(t, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond}, sleeper.delays)
}

func TestSuperviseFatalErrorExhaustsImmediately(t *testing.T) {
	runner := &scriptedRunner{steps: []step{
		{outcome: streaming.Outcome{Kind: streaming.OutcomeError, Err: streaming.NewError(streaming.CodePermissionDenied, nil)}},
	}}
	sleeper := &sleepRecorder{}

	out := NewController(Config{Sleep: sleeper.Sleep}).Supervise(context.Background(), runner, nil)

	require.Equal(t, Exhausted, out.Kind)
	require.Equal(t, streaming.ClassFatal, out.Err.Class)
	require.Empty(t, sleeper.delays)
}

func TestSuperviseStopsWhenSleepIsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &scriptedRunner{steps: []step{recoverable()}}
	c := NewController(Config{Sleep: func(ctx context.Context, d time.Duration) error {
		cancel()
		return Sleep(ctx, d)
	}})

	out := c.Supervise(ctx, runner, nil)
	require.Equal(t, Stopped, out.Kind)
}

func TestSuperviseStopsOnCancelledPass(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &scriptedRunner{}
	done := make(chan Outcome, 1)
	go func() { done <- NewController(Config{}).Supervise(ctx, runner, nil) }()
	cancel()

	select {
	case out := <-done:
		require.Equal(t, Stopped, out.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("supervise did not stop")
	}
}

func TestSleepHonorsContext(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
