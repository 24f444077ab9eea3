// Package level estimates whether the composite stream carries audible signal.
package level

import (
	"context"
	"math"
	"math/cmplx"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Analyser scale bounds, matching a byte-valued frequency analyser.
const (
	MinDecibels = -100.0
	MaxDecibels = -30.0
	MaxLevel    = 255.0
)

// Config controls sampling cadence and detection thresholds.
type Config struct {
	NormalThreshold   float64
	DegradedThreshold float64
	Tick              time.Duration
	Window            int
}

// DefaultConfig returns the thresholds used by sessions unless overridden.
func DefaultConfig() Config {
	return Config{
		NormalThreshold:   10,
		DegradedThreshold: 5,
		Tick:              100 * time.Millisecond,
		Window:            1024,
	}
}

// Sample is one tick's level estimate.
type Sample struct {
	At        time.Time
	Level     float64
	Threshold float64
	Detected  bool
}

// Monitor samples PCM frames on a ticker and latches audio detection.
type Monitor struct {
	cfg Config
	fft *fourier.FFT

	mu       sync.Mutex
	recent   []float64
	level    float64
	degraded bool

	detected atomic.Bool
}

// New constructs a monitor, filling unset config fields from DefaultConfig.
func New(cfg Config) *Monitor {
	defaults := DefaultConfig()
	if cfg.NormalThreshold <= 0 {
		cfg.NormalThreshold = defaults.NormalThreshold
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = defaults.DegradedThreshold
	}
	if cfg.Tick <= 0 {
		cfg.Tick = defaults.Tick
	}
	if cfg.Window <= 1 {
		cfg.Window = defaults.Window
	}
	return &Monitor{
		cfg:    cfg,
		fft:    fourier.NewFFT(cfg.Window),
		recent: make([]float64, 0, cfg.Window),
	}
}

// Run consumes frames and emits one Sample per tick until ctx ends or frames closes.
// emit runs on the monitor goroutine and must not block.
func (m *Monitor) Run(ctx context.Context, frames <-chan []int16, emit func(Sample)) {
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			m.Observe(frame)
		case now := <-ticker.C:
			sample := m.Measure(now)
			if emit != nil {
				emit(sample)
			}
		}
	}
}

// Observe appends mono PCM to the analysis window.
func (m *Monitor) Observe(frame []int16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range frame {
		m.recent = append(m.recent, float64(s)/32768)
	}
	if over := len(m.recent) - m.cfg.Window; over > 0 {
		m.recent = append(m.recent[:0], m.recent[over:]...)
	}
}

// Measure computes the level of the current window and updates the detection latch.
func (m *Monitor) Measure(now time.Time) Sample {
	m.mu.Lock()
	seq := make([]float64, m.cfg.Window)
	copy(seq[m.cfg.Window-len(m.recent):], m.recent)
	current := analyse(m.fft, seq)
	m.level = current
	threshold := m.thresholdLocked()
	m.mu.Unlock()

	if current > threshold {
		m.detected.Store(true)
	}
	return Sample{
		At:        now,
		Level:     current,
		Threshold: threshold,
		Detected:  m.detected.Load(),
	}
}

// SetDegraded switches to the lower detection threshold.
func (m *Monitor) SetDegraded(degraded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.degraded = degraded
}

// Degraded reports whether the lower threshold is active.
func (m *Monitor) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// Threshold returns the active detection threshold.
func (m *Monitor) Threshold() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thresholdLocked()
}

func (m *Monitor) thresholdLocked() float64 {
	if m.degraded {
		return m.cfg.DegradedThreshold
	}
	return m.cfg.NormalThreshold
}

// CurrentLevel returns the most recent level on the 0-255 scale.
func (m *Monitor) CurrentLevel() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// HasDetectedAudio reports the detection latch. Once true it never resets.
func (m *Monitor) HasDetectedAudio() bool {
	return m.detected.Load()
}

// ForceDetected sets the latch when audio is confirmed by other means.
func (m *Monitor) ForceDetected() {
	m.detected.Store(true)
}

// Level returns the average analyser magnitude of seq on the 0-255 scale.
func Level(seq []float64) float64 {
	if len(seq) < 2 {
		return 0
	}
	return analyse(fourier.NewFFT(len(seq)), append([]float64(nil), seq...))
}

// analyse windows seq in place and averages the byte-scaled bin magnitudes.
func analyse(fft *fourier.FFT, seq []float64) float64 {
	n := float64(len(seq))
	window.Blackman(seq)
	coeffs := fft.Coefficients(nil, seq)
	if len(coeffs) == 0 {
		return 0
	}

	var total float64
	for _, c := range coeffs {
		total += scale(cmplx.Abs(c) / n)
	}
	return total / float64(len(coeffs))
}

func scale(magnitude float64) float64 {
	if magnitude <= 0 {
		return 0
	}
	db := 20 * math.Log10(magnitude)
	v := MaxLevel * (db - MinDecibels) / (MaxDecibels - MinDecibels)
	switch {
	case v < 0:
		return 0
	case v > MaxLevel:
		return MaxLevel
	default:
		return v
	}
}
