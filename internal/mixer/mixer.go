// Package mixer combines acquired capture sources into one composite stream.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rbright/scribe/internal/capture"
)

// BatchSampleRate is the input rate expected by batch transcription models.
const BatchSampleRate = 16000

const (
	DefaultMicGain    = 1.5
	DefaultScreenGain = 1.0

	subscriberBuffer = 64
)

var (
	// ErrNoSources is returned when no enabled source is available to mix.
	ErrNoSources = errors.New("no capture sources to mix")
	// ErrFormatMismatch is returned when sources disagree on sample rate.
	ErrFormatMismatch = errors.New("capture sources use different sample rates")
)

// Options controls per-kind gain applied before summing.
type Options struct {
	MicGain    float64
	ScreenGain float64
}

func (o Options) gain(kind capture.Kind) float64 {
	switch kind {
	case capture.KindMicrophone:
		if o.MicGain > 0 {
			return o.MicGain
		}
		return DefaultMicGain
	default:
		if o.ScreenGain > 0 {
			return o.ScreenGain
		}
		return DefaultScreenGain
	}
}

// Composite is the single mixed mono stream for one session.
// Frames handed to subscribers are shared and must not be modified.
type Composite struct {
	format capture.Format
	video  []capture.Track

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	subs      []chan []int16
	ended     bool
	recording []int16
	dropped   int
}

type input struct {
	idx   int
	frame []int16
	ok    bool
}

// Mix starts mixing every enabled source until all inputs end or ctx is cancelled.
func Mix(ctx context.Context, sources []*capture.Source, opts Options) (*Composite, error) {
	var enabled []*capture.Source
	for _, src := range sources {
		if src != nil && src.Enabled {
			enabled = append(enabled, src)
		}
	}
	if len(enabled) == 0 {
		return nil, ErrNoSources
	}

	rate := enabled[0].Format.SampleRate
	for _, src := range enabled[1:] {
		if src.Format.SampleRate != rate {
			return nil, fmt.Errorf("%w: %s=%d %s=%d", ErrFormatMismatch, enabled[0].ID, rate, src.ID, src.Format.SampleRate)
		}
	}
	if rate <= 0 {
		return nil, fmt.Errorf("%w: invalid sample rate %d", ErrFormatMismatch, rate)
	}

	mixCtx, cancel := context.WithCancel(ctx)
	c := &Composite{
		format: capture.Format{SampleRate: rate, Channels: 1},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, src := range enabled {
		c.video = append(c.video, src.Video...)
	}

	gains := make([]float64, len(enabled))
	in := make(chan input, len(enabled)*4)
	for i, src := range enabled {
		gains[i] = opts.gain(src.Kind)
		go forward(mixCtx, i, src, in)
	}
	go c.run(mixCtx, in, gains, rate/5)

	return c, nil
}

// forward downmixes one source's frames into the shared input channel.
func forward(ctx context.Context, idx int, src *capture.Source, in chan<- input) {
	channels := src.Format.Channels
	frames := src.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				select {
				case in <- input{idx: idx}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case in <- input{idx: idx, frame: downmix(frame, channels), ok: true}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Composite) run(ctx context.Context, in <-chan input, gains []float64, maxLag int) {
	defer c.finish()

	pending := make([][]int16, len(gains))
	open := make([]bool, len(gains))
	for i := range open {
		open[i] = true
	}
	remaining := len(gains)

	for remaining > 0 {
		select {
		case <-ctx.Done():
			return
		case item := <-in:
			if !item.ok {
				if open[item.idx] {
					open[item.idx] = false
					remaining--
				}
			} else {
				pending[item.idx] = append(pending[item.idx], item.frame...)
			}
			if out := mixPending(pending, open, gains, maxLag, false); len(out) > 0 {
				c.emit(out)
			}
		}
	}
	if out := mixPending(pending, open, gains, maxLag, true); len(out) > 0 {
		c.emit(out)
	}
}

// mixPending sums the aligned prefix of every pending buffer. A lagging open source
// is treated as silent once another source is more than maxLag samples ahead.
func mixPending(pending [][]int16, open []bool, gains []float64, maxLag int, force bool) []int16 {
	ready, longest := -1, 0
	for i, buf := range pending {
		if len(buf) > longest {
			longest = len(buf)
		}
		if open[i] && (ready < 0 || len(buf) < ready) {
			ready = len(buf)
		}
	}
	if ready < 0 || force || longest-ready > maxLag {
		ready = longest
	}
	if ready == 0 {
		return nil
	}

	out := make([]int16, ready)
	for k := range out {
		var sum float64
		for i, buf := range pending {
			if k < len(buf) {
				sum += float64(buf[k]) * gains[i]
			}
		}
		out[k] = clip(sum)
	}
	for i, buf := range pending {
		if len(buf) <= ready {
			pending[i] = buf[:0]
			continue
		}
		pending[i] = append(buf[:0], buf[ready:]...)
	}
	return out
}

func (c *Composite) emit(frame []int16) {
	c.mu.Lock()
	c.recording = append(c.recording, frame...)
	subs := append([]chan []int16(nil), c.subs...)
	c.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- frame:
		default:
			c.mu.Lock()
			c.dropped++
			c.mu.Unlock()
		}
	}
}

func (c *Composite) finish() {
	c.mu.Lock()
	c.ended = true
	for _, sub := range c.subs {
		close(sub)
	}
	c.subs = nil
	c.mu.Unlock()
	close(c.done)
}

// Subscribe returns a frame channel that is closed when mixing ends.
// Slow subscribers drop frames instead of stalling the mixer.
func (c *Composite) Subscribe() <-chan []int16 {
	ch := make(chan []int16, subscriberBuffer)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		close(ch)
		return ch
	}
	c.subs = append(c.subs, ch)
	return ch
}

// Format reports the composite's natural capture rate (always mono).
func (c *Composite) Format() capture.Format { return c.format }

// Video returns the pass-through video tracks of all mixed sources.
func (c *Composite) Video() []capture.Track {
	return append([]capture.Track(nil), c.video...)
}

// Done is closed once every input has ended or the composite was closed.
func (c *Composite) Done() <-chan struct{} { return c.done }

// Dropped reports how many subscriber frames were discarded.
func (c *Composite) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Recording returns a snapshot of everything mixed so far.
func (c *Composite) Recording() []int16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int16(nil), c.recording...)
}

// Normalized returns the recording resampled to 16 kHz mono float32 in [-1, 1].
func (c *Composite) Normalized() []float32 {
	return Resample(c.Recording(), c.format.SampleRate, BatchSampleRate)
}

// Close stops mixing and waits for the mixing goroutine to exit. It is idempotent.
func (c *Composite) Close() {
	c.cancel()
	<-c.done
}

// Resample converts mono PCM16 from one rate to another. Downsampling averages
// each output sample's source window before decimating; upsampling interpolates
// linearly.
func Resample(samples []int16, from, to int) []float32 {
	if len(samples) == 0 || from <= 0 || to <= 0 {
		return nil
	}
	if from == to {
		out := make([]float32, len(samples))
		for i, s := range samples {
			out[i] = float32(s) / 32768
		}
		return out
	}

	n := int(int64(len(samples)) * int64(to) / int64(from))
	if n == 0 {
		n = 1
	}
	out := make([]float32, n)
	step := float64(from) / float64(to)
	if from > to {
		return decimate(samples, out, step)
	}
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = float32(samples[last]) / 32768
			continue
		}
		frac := pos - float64(j)
		v := float64(samples[j])*(1-frac) + float64(samples[j+1])*frac
		out[i] = float32(v / 32768)
	}
	return out
}

// decimate fills out with boxcar averages over windows of step source samples.
func decimate(samples []int16, out []float32, step float64) []float32 {
	for i := range out {
		start := int(float64(i) * step)
		end := int(float64(i+1) * step)
		if end > len(samples) {
			end = len(samples)
		}
		if start >= end {
			start = end - 1
		}
		var sum float64
		for _, v := range samples[start:end] {
			sum += float64(v)
		}
		out[i] = float32(sum / float64(end-start) / 32768)
	}
	return out
}

func downmix(frame []int16, channels int) []int16 {
	if channels <= 1 {
		return append([]int16(nil), frame...)
	}
	out := make([]int16, len(frame)/channels)
	for i := range out {
		var sum int
		for ch := 0; ch < channels; ch++ {
			sum += int(frame[i*channels+ch])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

func clip(v float64) int16 {
	v = math.Round(v)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}
