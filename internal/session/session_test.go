package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbright/scribe/internal/batch"
	"github.com/rbright/scribe/internal/capture"
	"github.com/rbright/scribe/internal/fsm"
	"github.com/rbright/scribe/internal/level"
	"github.com/rbright/scribe/internal/manual"
	"github.com/rbright/scribe/internal/mixer"
	"github.com/rbright/scribe/internal/reconnect"
	"github.com/rbright/scribe/internal/streaming"
	"github.com/rbright/scribe/internal/transcript"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	frames chan []int16
	stops  atomic.Int32
	once   sync.Once
}

func newFakeHandle(frames ...[]int16) *fakeHandle {
	ch := make(chan []int16, len(frames)+8)
	for _, f := range frames {
		ch <- f
	}
	return &fakeHandle{frames: ch}
}

func (h *fakeHandle) Format() capture.Format { return capture.Format{SampleRate: 16000, Channels: 1} }
func (h *fakeHandle) Frames() <-chan []int16 { return h.frames }
func (h *fakeHandle) Stop() error {
	h.stops.Add(1)
	h.once.Do(func() { close(h.frames) })
	return nil
}

type fakeDevice struct {
	handles   map[capture.Kind]*fakeHandle
	errs      map[capture.Kind]error
	block     map[capture.Kind]bool
	requested chan capture.Kind
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		handles:   map[capture.Kind]*fakeHandle{},
		errs:      map[capture.Kind]error{},
		block:     map[capture.Kind]bool{},
		requested: make(chan capture.Kind, 8),
	}
}

func (d *fakeDevice) RequestCapture(ctx context.Context, kind capture.Kind) (capture.Handle, error) {
	d.requested <- kind
	if d.block[kind] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := d.errs[kind]; err != nil {
		return nil, err
	}
	h, ok := d.handles[kind]
	if !ok {
		return nil, capture.ErrPermissionDenied
	}
	return h, nil
}

type scriptedPass struct {
	results   chan streaming.Result
	closeSend chan struct{}
	closed    chan struct{}
	sendOnce  sync.Once
	closeOnce sync.Once
}

func newScriptedPass(results ...streaming.Result) *scriptedPass {
	ch := make(chan streaming.Result, len(results))
	for _, r := range results {
		ch <- r
	}
	return &scriptedPass{results: ch, closeSend: make(chan struct{}), closed: make(chan struct{})}
}

func (p *scriptedPass) SendAudio([]int16) error { return nil }

func (p *scriptedPass) CloseSend() error {
	p.sendOnce.Do(func() { close(p.closeSend) })
	return nil
}

func (p *scriptedPass) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *scriptedPass) Recv() (streaming.Result, error) {
	select {
	case r := <-p.results:
		return r, nil
	case <-p.closeSend:
		select {
		case r := <-p.results:
			return r, nil
		default:
			return streaming.Result{}, io.EOF
		}
	case <-p.closed:
		return streaming.Result{}, errors.New("pass closed")
	}
}

type scriptedBackend struct {
	mu      sync.Mutex
	passes  []*scriptedPass
	openErr error
	opens   atomic.Int32
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Open(context.Context, streaming.PassConfig) (streaming.Pass, error) {
	b.opens.Add(1)
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.passes) == 0 {
		return newScriptedPass(), nil
	}
	p := b.passes[0]
	b.passes = b.passes[1:]
	return p, nil
}

type fakeBatch struct {
	text    string
	err     error
	calls   atomic.Int32
	samples atomic.Int32
}

func (f *fakeBatch) Transcribe(_ context.Context, samples []float32) (transcript.Segment, error) {
	f.calls.Add(1)
	f.samples.Store(int32(len(samples)))
	if f.err != nil {
		return transcript.Segment{}, f.err
	}
	return transcript.Segment{Text: f.text, Final: true}, nil
}

type commit struct {
	sessionID string
	text      string
}

type recorder struct {
	mu      sync.Mutex
	commits []commit
	phases  []fsm.State
	err     error
}

func (r *recorder) Commit(_ context.Context, sessionID string, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, commit{sessionID: sessionID, text: text})
	return r.err
}

func (r *recorder) Publish(ev StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.phases); n == 0 || r.phases[n-1] != ev.Phase {
		r.phases = append(r.phases, ev.Phase)
	}
}

func (r *recorder) Commits() []commit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]commit(nil), r.commits...)
}

func (r *recorder) Phases() []fsm.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fsm.State(nil), r.phases...)
}

func testConfig(dev capture.Device, rec *recorder) Config {
	return Config{
		Device:       dev,
		CaptureKinds: []capture.Kind{capture.KindMicrophone},
		Reconnect: reconnect.Config{
			Sleep: func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
		},
		StreamingConfig: streaming.Config{DrainTimeout: time.Second},
		Level:           level.Config{Tick: 5 * time.Millisecond},
		Committer:       rec,
		Sink:            rec,
	}
}

func waitForState(t *testing.T, s *Session, want fsm.State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 3*time.Second, 5*time.Millisecond,
		"state %s never reached; last %s", want, s.State())
}

func waitResult(t *testing.T, s *Session) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := s.Wait(ctx)
	require.NoError(t, err)
	return result
}

func speech() []int16 {
	frame := make([]int16, 1600)
	for i := range frame {
		frame[i] = int16((i%40 - 20) * 800)
	}
	return frame
}

func final(text string) streaming.Result { return streaming.Result{Transcript: text, Final: true} }

func TestZeroSourcesFailsBeforeStrategy(t *testing.T) {
	dev := newFakeDevice()
	dev.errs[capture.KindMicrophone] = capture.ErrPermissionDenied
	rec := &recorder{}
	engine := NewEngine(testConfig(dev, rec))

	s, err := engine.Start(context.Background(), DefaultProfile())
	require.NoError(t, err)

	result := waitResult(t, s)
	require.Equal(t, fsm.StateFailed, result.State)
	require.ErrorIs(t, result.Err, mixer.ErrNoSources)
	require.True(t, result.Partial)
	require.NotContains(t, rec.Phases(), fsm.StateStreamingActive)
	require.NotContains(t, rec.Phases(), fsm.StateBatchActive)
	require.Empty(t, rec.Commits())
}

func TestScreenDenialFailsAndReleasesMicrophone(t *testing.T) {
	dev := newFakeDevice()
	mic := newFakeHandle()
	dev.handles[capture.KindMicrophone] = mic
	dev.errs[capture.KindScreenAudio] = capture.ErrPermissionDenied
	rec := &recorder{}
	cfg := testConfig(dev, rec)
	cfg.CaptureKinds = []capture.Kind{capture.KindScreenAudio, capture.KindMicrophone}

	s, err := NewEngine(cfg).Start(context.Background(), DefaultProfile())
	require.NoError(t, err)

	result := waitResult(t, s)
	require.Equal(t, fsm.StateFailed, result.State)
	require.ErrorIs(t, result.Err, capture.ErrDenied)
	require.EqualValues(t, 1, mic.stops.Load())
	require.Equal(t, []fsm.State{fsm.StateAcquiringResources, fsm.StateFailed}, rec.Phases())
}

func TestStreamingStopCommitsConcatenatedFinals(t *testing.T) {
	dev := newFakeDevice()
	mic := newFakeHandle(speech())
	dev.handles[capture.KindMicrophone] = mic
	backend := &scriptedBackend{passes: []*scriptedPass{newScriptedPass(final("Hello "), final("world."))}}
	rec := &recorder{}
	cfg := testConfig(dev, rec)
	cfg.Streaming = backend

	s, err := NewEngine(cfg).Start(context.Background(), DefaultProfile())
	require.NoError(t, err)

	waitForState(t, s, fsm.StateStreamingActive)
	require.Eventually(t, func() bool { return s.Status().Transcript == "Hello world." }, 3*time.Second, 5*time.Millisecond)
	live := s.Status().Transcript
	require.NoError(t, s.Stop())

	result := waitResult(t, s)
	require.Equal(t, fsm.StateSucceeded, result.State)
	require.NoError(t, result.Err)
	require.Equal(t, "Hello world.", result.Transcript)
	require.Equal(t, []Strategy{StrategyStreaming}, result.Strategies)
	require.Equal(t, []commit{{sessionID: s.ID(), text: live}}, rec.Commits())
	require.EqualValues(t, 1, mic.stops.Load())
	require.Equal(t, 16000, result.Format.SampleRate)
}

func TestStreamingExhaustionEscalatesToBatch(t *testing.T) {
	dev := newFakeDevice()
	dev.handles[capture.KindMicrophone] = newFakeHandle(speech(), speech())
	backend := &scriptedBackend{openErr: streaming.NewError(streaming.CodeNetwork, errors.New("connection refused"))}
	model := &fakeBatch{text: "rescued by batch"}
	rec := &recorder{}
	cfg := testConfig(dev, rec)
	cfg.Streaming = backend
	cfg.Batch = model

	s, err := NewEngine(cfg).Start(context.Background(), DefaultProfile())
	require.NoError(t, err)

	waitForState(t, s, fsm.StateBatchActive)
	require.EqualValues(t, reconnect.DefaultMaxAttempts, backend.opens.Load())
	require.Subset(t, rec.Phases(), []fsm.State{fsm.StateStreamingActive, fsm.StateEscalating, fsm.StateBatchActive})

	status := s.Status()
	require.Equal(t, StrategyBatch, status.Strategy)
	require.Equal(t, level.DefaultConfig().DegradedThreshold, status.Threshold)
	require.Contains(t, status.LastError, "network")
	require.Zero(t, model.calls.Load())

	require.NoError(t, s.Stop())
	result := waitResult(t, s)
	require.Equal(t, fsm.StateSucceeded, result.State)
	require.Equal(t, "rescued by batch", result.Transcript)
	require.Equal(t, []Strategy{StrategyStreaming, StrategyBatch}, result.Strategies)
	require.EqualValues(t, 1, model.calls.Load())
	require.EqualValues(t, 3200, model.samples.Load())
	require.Len(t, rec.Commits(), 1)
}

func TestBatchModelUnavailableOffersManualPath(t *testing.T) {
	dev := newFakeDevice()
	dev.handles[capture.KindMicrophone] = newFakeHandle(speech())
	rec := &recorder{}
	cfg := testConfig(dev, rec)
	cfg.Streaming = &scriptedBackend{openErr: streaming.NewError(streaming.CodeNetwork, nil)}
	cfg.Batch = batch.NewAdapter("broken", func(context.Context) (any, error) {
		return nil, errors.New("weights missing")
	}, nil)

	s, err := NewEngine(cfg).Start(context.Background(), DefaultProfile())
	require.NoError(t, err)

	waitForState(t, s, fsm.StateBatchActive)
	require.NoError(t, s.Stop())
	waitForState(t, s, fsm.StateManualPending)
	require.NotContains(t, rec.Phases(), fsm.StateFailed)
	require.Contains(t, s.Status().LastError, string(batch.LoadFailed))

	require.NoError(t, s.Dismiss())
	result := waitResult(t, s)
	require.Equal(t, fsm.StateFailed, result.State)
	require.ErrorIs(t, result.Err, batch.ErrModelUnavailable)
	require.Equal(t, []Strategy{StrategyStreaming, StrategyBatch, StrategyManual}, result.Strategies)
	require.Empty(t, rec.Commits())
}

func TestWhitespaceManualTextKeepsSessionPending(t *testing.T) {
	dev := newFakeDevice()
	dev.handles[capture.KindMicrophone] = newFakeHandle(speech())
	rec := &recorder{}
	cfg := testConfig(dev, rec)
	cfg.Streaming = &scriptedBackend{}

	engine := NewEngine(cfg)
	s, err := engine.Start(context.Background(), DefaultProfile())
	require.NoError(t, err)

	waitForState(t, s, fsm.StateStreamingActive)
	require.NoError(t, s.Stop())
	waitForState(t, s, fsm.StateManualPending)

	err = engine.SubmitManualText(s.ID(), "   \n")
	require.ErrorIs(t, err, manual.ErrEmptyInput)
	var empty *manual.EmptyInputError
	require.ErrorAs(t, err, &empty)
	require.Equal(t, fsm.StateManualPending, s.State())

	require.NoError(t, engine.SubmitManualText(s.ID(), " typed by hand "))
	result := waitResult(t, s)
	require.Equal(t, fsm.StateSucceeded, result.State)
	require.Equal(t, "typed by hand", result.Transcript)
	require.Equal(t, []Strategy{StrategyStreaming, StrategyManual}, result.Strategies)
	require.Equal(t, []commit{{sessionID: s.ID(), text: "typed by hand"}}, rec.Commits())
}

func TestDismissWithoutFailureCancels(t *testing.T) {
	dev := newFakeDevice()
	dev.handles[capture.KindMicrophone] = newFakeHandle()
	rec := &recorder{}
	cfg := testConfig(dev, rec)
	cfg.Streaming = &scriptedBackend{}

	s, err := NewEngine(cfg).Start(context.Background(), DefaultProfile())
	require.NoError(t, err)
	waitForState(t, s, fsm.StateStreamingActive)
	require.NoError(t, s.Stop())
	waitForState(t, s, fsm.StateManualPending)

	require.NoError(t, s.Dismiss())
	result := waitResult(t, s)
	require.Equal(t, fsm.StateCancelled, result.State)
	require.NoError(t, result.Err)
	require.Empty(t, rec.Commits())
}

func TestLocalOnlyProfileUsesBatch(t *testing.T) {
	dev := newFakeDevice()
	dev.handles[capture.KindMicrophone] = newFakeHandle(speech())
	backend := &scriptedBackend{}
	rec := &recorder{}
	cfg := testConfig(dev, rec)
	cfg.Streaming = backend
	cfg.Batch = batch.NewAdapter("callable", func(context.Context) (any, error) {
		return batch.CallableFunc(func(_ context.Context, samples []float32) (any, error) {
			return map[string]any{"text": "local words"}, nil
		}), nil
	}, nil)

	profile := DefaultProfile()
	profile.ForceLocalModelOnly = true
	s, err := NewEngine(cfg).Start(context.Background(), profile)
	require.NoError(t, err)

	waitForState(t, s, fsm.StateBatchActive)
	require.NoError(t, s.Stop())
	result := waitResult(t, s)
	require.Equal(t, fsm.StateSucceeded, result.State)
	require.Equal(t, "local words", result.Transcript)
	require.Equal(t, []Strategy{StrategyBatch}, result.Strategies)
	require.Zero(t, backend.opens.Load())
}

func TestBatchEmptyBufferOffersManualThenFails(t *testing.T) {
	dev := newFakeDevice()
	dev.handles[capture.KindMicrophone] = newFakeHandle()
	rec := &recorder{}
	cfg := testConfig(dev, rec)
	cfg.Batch = batch.NewAdapter("unused", func(context.Context) (any, error) {
		return batch.CallableFunc(func(context.Context, []float32) (any, error) { return "never", nil }), nil
	}, nil)

	s, err := NewEngine(cfg).Start(context.Background(), Profile{})
	require.NoError(t, err)
	waitForState(t, s, fsm.StateBatchActive)
	require.NoError(t, s.Stop())
	waitForState(t, s, fsm.StateManualPending)

	require.NoError(t, s.Dismiss())
	result := waitResult(t, s)
	require.Equal(t, fsm.StateFailed, result.State)
	require.ErrorIs(t, result.Err, batch.ErrEmptyBuffer)
}

func TestCancelIsIdempotentAndReleasesOnce(t *testing.T) {
	dev := newFakeDevice()
	mic := newFakeHandle(speech())
	screen := newFakeHandle(speech())
	dev.handles[capture.KindMicrophone] = mic
	dev.handles[capture.KindScreenAudio] = screen
	rec := &recorder{}
	cfg := testConfig(dev, rec)
	cfg.CaptureKinds = []capture.Kind{capture.KindMicrophone, capture.KindScreenAudio}
	cfg.Streaming = &scriptedBackend{}

	engine := NewEngine(cfg)
	s, err := engine.Start(context.Background(), DefaultProfile())
	require.NoError(t, err)
	waitForState(t, s, fsm.StateStreamingActive)

	s.Cancel()
	s.Cancel()
	require.NoError(t, engine.Cancel(s.ID()))

	result := waitResult(t, s)
	require.Equal(t, fsm.StateCancelled, result.State)
	require.True(t, result.Cancelled)
	require.EqualValues(t, 1, mic.stops.Load())
	require.EqualValues(t, 1, screen.stops.Load())
	require.Empty(t, rec.Commits())
	require.ErrorIs(t, s.Stop(), ErrSessionClosed)
	require.ErrorIs(t, s.SubmitManualText("late"), ErrSessionClosed)
}

func TestCancelDuringAcquisitionReleasesAcquiredSources(t *testing.T) {
	dev := newFakeDevice()
	mic := newFakeHandle()
	dev.handles[capture.KindMicrophone] = mic
	dev.block[capture.KindScreenAudio] = true
	rec := &recorder{}
	cfg := testConfig(dev, rec)
	cfg.CaptureKinds = []capture.Kind{capture.KindMicrophone, capture.KindScreenAudio}

	s, err := NewEngine(cfg).Start(context.Background(), DefaultProfile())
	require.NoError(t, err)
	require.Equal(t, capture.KindMicrophone, <-dev.requested)
	require.Equal(t, capture.KindScreenAudio, <-dev.requested)

	s.Cancel()
	result := waitResult(t, s)
	require.Equal(t, fsm.StateCancelled, result.State)
	require.EqualValues(t, 1, mic.stops.Load())
	require.NotContains(t, rec.Phases(), fsm.StateMixing)
}

func TestStartContextCancellationCancelsSession(t *testing.T) {
	dev := newFakeDevice()
	dev.handles[capture.KindMicrophone] = newFakeHandle()
	cfg := testConfig(dev, &recorder{})

	ctx, cancel := context.WithCancel(context.Background())
	s, err := NewEngine(cfg).Start(ctx, Profile{})
	require.NoError(t, err)
	waitForState(t, s, fsm.StateBatchActive)

	cancel()
	result := waitResult(t, s)
	require.Equal(t, fsm.StateCancelled, result.State)

	_, err = NewEngine(cfg).Start(ctx, Profile{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCommandsOutsideTheirStateAreRejected(t *testing.T) {
	dev := newFakeDevice()
	dev.handles[capture.KindMicrophone] = newFakeHandle()
	cfg := testConfig(dev, &recorder{})
	cfg.Streaming = &scriptedBackend{}

	s, err := NewEngine(cfg).Start(context.Background(), DefaultProfile())
	require.NoError(t, err)
	waitForState(t, s, fsm.StateStreamingActive)

	require.ErrorIs(t, s.SubmitManualText("early"), ErrInvalidCommand)
	require.ErrorIs(t, s.Dismiss(), ErrInvalidCommand)
	require.Equal(t, fsm.StateStreamingActive, s.State())

	require.False(t, s.Status().HasDetectedAudio)
	require.NoError(t, s.ForceAudioDetected())
	require.True(t, s.Status().HasDetectedAudio)

	s.Cancel()
}

func TestCommitFailureFailsSession(t *testing.T) {
	dev := newFakeDevice()
	dev.handles[capture.KindMicrophone] = newFakeHandle(speech())
	rec := &recorder{err: errors.New("clipboard unavailable")}
	cfg := testConfig(dev, rec)
	cfg.Batch = &fakeBatch{text: "words"}

	s, err := NewEngine(cfg).Start(context.Background(), Profile{})
	require.NoError(t, err)
	waitForState(t, s, fsm.StateBatchActive)
	require.NoError(t, s.Stop())

	result := waitResult(t, s)
	require.Equal(t, fsm.StateFailed, result.State)
	require.ErrorContains(t, result.Err, "clipboard unavailable")
	require.Len(t, rec.Commits(), 1)
}

func TestEngineUnknownSession(t *testing.T) {
	engine := NewEngine(Config{})
	require.ErrorIs(t, engine.Cancel("missing"), ErrUnknownSession)
	require.ErrorIs(t, engine.SubmitManualText("missing", "x"), ErrUnknownSession)
	require.Nil(t, engine.Latest())
}

func TestStrategyOnlyMovesForward(t *testing.T) {
	s := &Session{}
	s.setStrategy(StrategyBatch)
	s.setStrategy(StrategyStreaming)
	s.setStrategy(StrategyBatch)
	s.setStrategy(StrategyManual)
	require.Equal(t, []Strategy{StrategyBatch, StrategyManual}, s.history)
	require.Equal(t, StrategyManual, s.strategy)
}
