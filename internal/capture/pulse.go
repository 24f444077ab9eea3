package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const (
	chunkMillis       = 20
	defaultSampleRate = 48000
	appName           = "scribe"
)

// DeviceInfo describes one Pulse source surfaced to scribe.
type DeviceInfo struct {
	ID          string
	Description string
	State       string
	Available   bool
	Muted       bool
	Default     bool
	Monitor     bool
}

// Selection is the resolved capture source plus optional fallback warning context.
type Selection struct {
	Device   DeviceInfo
	Warning  string
	Fallback bool
}

// PulseConfig controls microphone selection and the capture rate.
type PulseConfig struct {
	Microphone         string
	MicrophoneFallback string
	SampleRate         int
}

// PulseDevice implements Device on top of a PulseAudio/PipeWire server.
type PulseDevice struct {
	cfg    PulseConfig
	logger *slog.Logger
}

// NewPulseDevice constructs the Pulse capture boundary.
func NewPulseDevice(cfg PulseConfig, logger *slog.Logger) *PulseDevice {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	return &PulseDevice{cfg: cfg, logger: logger}
}

// RequestCapture opens a record stream for the microphone or the default sink monitor.
func (d *PulseDevice) RequestCapture(ctx context.Context, kind Kind) (Handle, error) {
	switch kind {
	case KindMicrophone:
		selection, err := SelectDevice(ctx, d.cfg.Microphone, d.cfg.MicrophoneFallback)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		if selection.Warning != "" && d.logger != nil {
			d.logger.Warn(selection.Warning)
		}
		return d.start(ctx, selection.Device, 1)
	case KindScreenAudio:
		monitor, err := MonitorSource(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return d.start(ctx, monitor, 2)
	default:
		return nil, fmt.Errorf("unsupported capture kind %q", kind)
	}
}

func (d *PulseDevice) start(ctx context.Context, device DeviceInfo, channels int) (Handle, error) {
	h, err := startPulseCapture(ctx, device, Format{SampleRate: d.cfg.SampleRate, Channels: channels})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func newPulseClient() (*pulse.Client, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName(appName),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}
	return client, nil
}

// ListDevices returns Pulse sources with default/availability metadata.
func ListDevices(_ context.Context) ([]DeviceInfo, error) {
	client, err := newPulseClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	defaultSource, err := client.DefaultSource()
	if err != nil {
		return nil, fmt.Errorf("read default source: %w", err)
	}
	defaultID := defaultSource.ID()

	var sourceInfos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &sourceInfos); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(sourceInfos))
	for _, source := range sourceInfos {
		if source == nil {
			continue
		}
		devices = append(devices, DeviceInfo{
			ID:          source.SourceName,
			Description: source.Device,
			State:       sourceStateString(source.State),
			Available:   sourceAvailable(source),
			Muted:       source.Mute,
			Default:     source.SourceName == defaultID,
			Monitor:     strings.HasSuffix(source.SourceName, ".monitor"),
		})
	}
	return devices, nil
}

// MonitorSource resolves the monitor of the default sink (system audio).
func MonitorSource(_ context.Context) (DeviceInfo, error) {
	client, err := newPulseClient()
	if err != nil {
		return DeviceInfo{}, err
	}
	defer client.Close()

	sink, err := client.DefaultSink()
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("read default sink: %w", err)
	}
	name := sink.ID() + ".monitor"
	if _, err := client.SourceByID(name); err != nil {
		return DeviceInfo{}, fmt.Errorf("resolve monitor source %q: %w", name, err)
	}
	return DeviceInfo{ID: name, Description: "system audio", Available: true, Monitor: true}, nil
}

// SelectDevice resolves microphone/fallback preferences against live devices.
func SelectDevice(ctx context.Context, input string, fallback string) (Selection, error) {
	devices, err := ListDevices(ctx)
	if err != nil {
		return Selection{}, err
	}
	return selectDeviceFromList(devices, input, fallback)
}

// selectDeviceFromList applies selection policy to a pre-fetched device list.
func selectDeviceFromList(devices []DeviceInfo, input string, fallback string) (Selection, error) {
	if len(devices) == 0 {
		return Selection{}, errors.New("no audio input devices found")
	}

	var (
		defaultDevice *DeviceInfo
		byInput       *DeviceInfo
		byFallback    *DeviceInfo
	)

	input = strings.TrimSpace(strings.ToLower(input))
	fallback = strings.TrimSpace(strings.ToLower(fallback))

	for i := range devices {
		dev := &devices[i]
		if dev.Default {
			defaultDevice = dev
		}
		if byInput == nil && input != "" && input != "default" && deviceMatches(*dev, input) {
			byInput = dev
		}
		if byFallback == nil && fallback != "" && fallback != "default" && deviceMatches(*dev, fallback) {
			byFallback = dev
		}
	}

	chooseDefault := func() (*DeviceInfo, error) {
		if defaultDevice == nil {
			return nil, errors.New("default audio source is unavailable")
		}
		return defaultDevice, nil
	}

	selectPrimary := func() (*DeviceInfo, error) {
		if input == "" || input == "default" {
			return chooseDefault()
		}
		if byInput != nil {
			return byInput, nil
		}
		return nil, fmt.Errorf("capture.microphone %q did not match any device", input)
	}

	primary, err := selectPrimary()
	if err != nil {
		return Selection{}, err
	}
	if primary.Available && !primary.Muted {
		return Selection{Device: *primary}, nil
	}

	primaryReason := "unavailable"
	if primary.Muted {
		primaryReason = "muted"
	}

	fallbackDevice := primary
	if fallback != "" && fallback != "default" {
		if byFallback == nil {
			return Selection{}, fmt.Errorf("primary input %q is %s and fallback %q not found", primary.ID, primaryReason, fallback)
		}
		fallbackDevice = byFallback
	} else {
		d, derr := chooseDefault()
		if derr != nil {
			return Selection{}, fmt.Errorf("primary input %q is %s and no usable fallback: %w", primary.ID, primaryReason, derr)
		}
		fallbackDevice = d
	}

	if !fallbackDevice.Available {
		return Selection{}, fmt.Errorf("audio fallback device %q is not available", fallbackDevice.ID)
	}
	if fallbackDevice.Muted {
		return Selection{}, fmt.Errorf("audio fallback device %q is muted", fallbackDevice.ID)
	}

	return Selection{
		Device:   *fallbackDevice,
		Warning:  fmt.Sprintf("capture.microphone %q is %s; falling back to %q", primary.ID, primaryReason, fallbackDevice.ID),
		Fallback: primary.ID != fallbackDevice.ID,
	}, nil
}

// deviceMatches reports whether a search term matches a device id or description.
func deviceMatches(device DeviceInfo, term string) bool {
	if term == "" {
		return false
	}
	id := strings.ToLower(device.ID)
	desc := strings.ToLower(device.Description)
	return strings.Contains(id, term) || strings.Contains(desc, term)
}

// pulseHandle streams fixed-duration PCM frames from one Pulse source.
type pulseHandle struct {
	device DeviceInfo
	format Format

	client *pulse.Client
	stream *pulse.RecordStream

	frames chan []int16
	stopCh chan struct{}

	chunkSamples int

	mu      sync.Mutex
	pending []int16
	stopped bool

	inflight sync.WaitGroup
	samples  atomic.Int64
}

func startPulseCapture(ctx context.Context, selected DeviceInfo, format Format) (*pulseHandle, error) {
	client, err := newPulseClient()
	if err != nil {
		return nil, err
	}

	source, err := client.SourceByID(selected.ID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("resolve source %q: %w", selected.ID, err)
	}

	h := newPulseHandle(selected, format)
	h.client = client

	channels := pulse.RecordMono
	if format.Channels == 2 {
		channels = pulse.RecordStereo
	}

	stream, err := client.NewRecord(
		pulse.Int16Writer(h.onPCM),
		pulse.RecordSource(source),
		channels,
		pulse.RecordSampleRate(format.SampleRate),
		pulse.RecordBufferFragmentSize(uint32(h.chunkSamples*2)),
		pulse.RecordMediaName("scribe "+selected.Description),
	)
	if err != nil {
		_ = h.Stop()
		return nil, fmt.Errorf("create pulse record stream: %w", err)
	}

	h.stream = stream
	stream.Start()

	go func() {
		select {
		case <-ctx.Done():
			_ = h.Stop()
		case <-h.stopCh:
		}
	}()

	return h, nil
}

func newPulseHandle(device DeviceInfo, format Format) *pulseHandle {
	if format.Channels <= 0 {
		format.Channels = 1
	}
	if format.SampleRate <= 0 {
		format.SampleRate = defaultSampleRate
	}
	return &pulseHandle{
		device:       device,
		format:       format,
		frames:       make(chan []int16, 128),
		stopCh:       make(chan struct{}),
		chunkSamples: format.SampleRate * chunkMillis / 1000 * format.Channels,
	}
}

func (h *pulseHandle) Format() Format {
	return h.format
}

func (h *pulseHandle) Frames() <-chan []int16 {
	return h.frames
}

// SamplesCaptured reports total samples accepted from Pulse.
func (h *pulseHandle) SamplesCaptured() int64 {
	return h.samples.Load()
}

// Stop halts the stream, flushes residual PCM, and closes Frames exactly once.
func (h *pulseHandle) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	close(h.stopCh)
	h.mu.Unlock()

	if h.stream != nil {
		h.stream.Stop()
		h.stream.Close()
	}
	if h.client != nil {
		h.client.Close()
	}

	h.inflight.Wait()

	h.mu.Lock()
	pending := append([]int16(nil), h.pending...)
	h.pending = nil
	h.mu.Unlock()

	if len(pending) > 0 {
		select {
		case h.frames <- pending:
		default:
		}
	}

	close(h.frames)
	return nil
}

// onPCM receives raw Pulse samples and emits chunkSamples-sized frames.
func (h *pulseHandle) onPCM(buffer []int16) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	select {
	case <-h.stopCh:
		return 0, io.EOF
	default:
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return 0, io.EOF
	}
	// Add under the same mutex as stopped so Stop's Wait cannot race it.
	h.inflight.Add(1)

	h.pending = append(h.pending, buffer...)

	frames := make([][]int16, 0, len(h.pending)/h.chunkSamples)
	for len(h.pending) >= h.chunkSamples {
		frame := make([]int16, h.chunkSamples)
		copy(frame, h.pending[:h.chunkSamples])
		h.pending = h.pending[h.chunkSamples:]
		frames = append(frames, frame)
	}
	h.mu.Unlock()
	defer h.inflight.Done()

	h.samples.Add(int64(len(buffer)))

	for _, frame := range frames {
		select {
		case <-h.stopCh:
			return 0, io.EOF
		case h.frames <- frame:
		}
	}

	return len(buffer), nil
}

// sourceStateString maps Pulse source state constants to human-readable values.
func sourceStateString(state uint32) string {
	switch state {
	case 0:
		return "running"
	case 1:
		return "idle"
	case 2:
		return "suspended"
	default:
		return fmt.Sprintf("unknown(%d)", state)
	}
}

// sourceAvailable maps Pulse source port availability to a simple boolean.
func sourceAvailable(source *pulseproto.GetSourceInfoReply) bool {
	if source == nil {
		return false
	}
	if len(source.Ports) == 0 {
		return true
	}
	for _, port := range source.Ports {
		if port.Name != source.ActivePortName {
			continue
		}
		// PulseAudio values: unknown=0, no=1, yes=2.
		return port.Available == 0 || port.Available == 2
	}
	return true
}
