// Package capture acquires microphone and system-audio capture handles.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Kind identifies one logical audio origin.
type Kind string

const (
	KindMicrophone  Kind = "microphone"
	KindScreenAudio Kind = "screen_audio"
)

var (
	// ErrPermissionDenied is returned by a Device when the OS or user refuses capture.
	ErrPermissionDenied = errors.New("capture permission denied")
	// ErrDenied is the fatal acquisition outcome (screen capture refused).
	ErrDenied = errors.New("capture acquisition denied")
	// ErrPartialAcquisition marks an acquisition that continued without the microphone.
	ErrPartialAcquisition = errors.New("partial capture acquisition")
)

// Format describes interleaved signed 16-bit PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// Track is a non-audio track carried alongside a capture (for example screen video).
type Track struct {
	ID   string
	Kind string
}

// Handle is one live OS-level capture. Stop must be safe to call more than once,
// and Frames is closed once capture has stopped.
type Handle interface {
	Format() Format
	Frames() <-chan []int16
	Stop() error
}

// VideoCarrier is implemented by handles that also expose video tracks.
type VideoCarrier interface {
	VideoTracks() []Track
}

// Device is the platform capture boundary.
type Device interface {
	RequestCapture(ctx context.Context, kind Kind) (Handle, error)
}

// DeviceFunc adapts a function to the Device interface.
type DeviceFunc func(context.Context, Kind) (Handle, error)

func (f DeviceFunc) RequestCapture(ctx context.Context, kind Kind) (Handle, error) {
	return f(ctx, kind)
}

// Source is one acquired capture owned by the session until released.
type Source struct {
	ID      string
	Kind    Kind
	Enabled bool
	Format  Format
	Video   []Track

	handle   Handle
	once     sync.Once
	released atomic.Bool
	err      error
}

// NewSource wraps a live handle.
func NewSource(id string, kind Kind, handle Handle) *Source {
	s := &Source{
		ID:      id,
		Kind:    kind,
		Enabled: true,
		Format:  handle.Format(),
		handle:  handle,
	}
	if carrier, ok := handle.(VideoCarrier); ok {
		s.Video = append([]Track(nil), carrier.VideoTracks()...)
	}
	return s
}

// Frames returns the handle's PCM frame channel.
func (s *Source) Frames() <-chan []int16 {
	return s.handle.Frames()
}

// Release stops the underlying handle exactly once.
func (s *Source) Release() error {
	s.once.Do(func() {
		s.err = s.handle.Stop()
		s.released.Store(true)
	})
	return s.err
}

// Released reports whether Release has run.
func (s *Source) Released() bool {
	return s.released.Load()
}

// ReleaseAll releases every source and joins their errors.
func ReleaseAll(sources []*Source) error {
	var errs []error
	for _, s := range sources {
		if s == nil {
			continue
		}
		if err := s.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", s.ID, err))
		}
	}
	return errors.Join(errs...)
}

// AcquireRequest names the capture kinds a session wants.
type AcquireRequest struct {
	Kinds []Kind
	// Degraded environments cannot proceed without the microphone.
	Degraded bool
}

// Acquisition is the set of sources obtained for one session.
type Acquisition struct {
	Sources []*Source
	Partial bool
	Denied  []Kind
}

// Err reports ErrPartialAcquisition for partial results and nil otherwise.
func (a Acquisition) Err() error {
	if a.Partial {
		return ErrPartialAcquisition
	}
	return nil
}

// Acquirer sequences capture requests against a Device.
type Acquirer struct {
	device Device
	logger *slog.Logger
}

// NewAcquirer constructs an acquirer over device.
func NewAcquirer(device Device, logger *slog.Logger) *Acquirer {
	return &Acquirer{device: device, logger: logger}
}

// Acquire requests each kind once, microphone first.
func (a *Acquirer) Acquire(ctx context.Context, req AcquireRequest) (Acquisition, error) {
	if a.device == nil {
		return Acquisition{}, fmt.Errorf("%w: no capture device configured", ErrDenied)
	}

	var result Acquisition
	for _, kind := range orderKinds(req.Kinds) {
		if err := ctx.Err(); err != nil {
			_ = ReleaseAll(result.Sources)
			return Acquisition{}, err
		}

		handle, err := a.device.RequestCapture(ctx, kind)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				_ = ReleaseAll(result.Sources)
				return Acquisition{}, ctxErr
			}
			if kind == KindMicrophone && !req.Degraded {
				a.logWarn("microphone unavailable; continuing without it", err)
				result.Partial = true
				result.Denied = append(result.Denied, kind)
				continue
			}
			_ = ReleaseAll(result.Sources)
			return Acquisition{}, fmt.Errorf("%w: %s: %w", ErrDenied, kind, err)
		}

		result.Sources = append(result.Sources, NewSource(fmt.Sprintf("%s-%d", kind, len(result.Sources)), kind, handle))
	}

	return result, nil
}

func (a *Acquirer) logWarn(message string, err error) {
	if a.logger == nil {
		return
	}
	a.logger.Warn(message, "error", err.Error())
}

// orderKinds deduplicates kinds and moves the microphone to the front.
func orderKinds(kinds []Kind) []Kind {
	seen := make(map[Kind]struct{}, len(kinds))
	ordered := make([]Kind, 0, len(kinds))
	for _, kind := range kinds {
		if kind == KindMicrophone {
			if _, ok := seen[kind]; !ok {
				seen[kind] = struct{}{}
				ordered = append(ordered, kind)
			}
		}
	}
	for _, kind := range kinds {
		if _, ok := seen[kind]; ok {
			continue
		}
		seen[kind] = struct{}{}
		ordered = append(ordered, kind)
	}
	return ordered
}
