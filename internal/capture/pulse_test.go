package capture

import (
	"context"
	"io"
	"reflect"
	"testing"

	pulseproto "github.com/jfreymuth/pulse/proto"
	"github.com/stretchr/testify/require"
)

func TestSelectDeviceFromListPrimaryDefault(t *testing.T) {
	devices := []DeviceInfo{
		{ID: "elgato", Description: "Elgato Wave 3 Mono", Available: true, Default: true},
		{ID: "sony", Description: "Sony WH-1000XM6", Available: true},
	}

	selection, err := selectDeviceFromList(devices, "default", "default")
	require.NoError(t, err)
	require.Equal(t, "elgato", selection.Device.ID)
	require.Empty(t, selection.Warning)
}

func TestSelectDeviceFromListMutedPrimaryUsesFallback(t *testing.T) {
	devices := []DeviceInfo{
		{ID: "elgato", Description: "Elgato Wave 3 Mono", Available: true, Muted: true, Default: true},
		{ID: "sony", Description: "Sony WH-1000XM6", Available: true},
	}

	selection, err := selectDeviceFromList(devices, "elgato", "sony")
	require.NoError(t, err)
	require.Equal(t, "sony", selection.Device.ID)
	require.Contains(t, selection.Warning, "muted")
	require.True(t, selection.Fallback)
}

func TestSelectDeviceFromListFailsWhenSelectedAndFallbackMuted(t *testing.T) {
	devices := []DeviceInfo{
		{ID: "elgato", Description: "Elgato Wave 3 Mono", Available: true, Muted: true, Default: true},
	}

	_, err := selectDeviceFromList(devices, "default", "default")
	require.Error(t, err)
	require.Contains(t, err.Error(), "muted")
}

func TestSelectDeviceFromListUnknownInput(t *testing.T) {
	devices := []DeviceInfo{{ID: "elgato", Description: "Elgato Wave 3 Mono", Available: true, Default: true}}

	_, err := selectDeviceFromList(devices, "missing", "default")
	require.Error(t, err)
	require.Contains(t, err.Error(), "did not match")
}

func TestDeviceMatchesByIDAndDescription(t *testing.T) {
	dev := DeviceInfo{ID: "alsa_input.usb-elgato", Description: "Elgato Wave 3 Mono"}
	require.True(t, deviceMatches(dev, "elgato"))
	require.True(t, deviceMatches(dev, "wave 3"))
	require.False(t, deviceMatches(dev, "missing"))
}

func TestListDevicesFailsWhenPulseUnavailable(t *testing.T) {
	t.Setenv("PULSE_SERVER", "unix:/tmp/definitely-missing-pulse-server")
	_, err := ListDevices(context.Background())
	require.Error(t, err)
}

func TestSelectDeviceFailsWhenPulseUnavailable(t *testing.T) {
	t.Setenv("PULSE_SERVER", "unix:/tmp/definitely-missing-pulse-server")
	_, err := SelectDevice(context.Background(), "default", "default")
	require.Error(t, err)
}

func TestSourceStateString(t *testing.T) {
	require.Equal(t, "running", sourceStateString(0))
	require.Equal(t, "idle", sourceStateString(1))
	require.Equal(t, "suspended", sourceStateString(2))
	require.Equal(t, "unknown(99)", sourceStateString(99))
}

func TestSourceAvailable(t *testing.T) {
	require.False(t, sourceAvailable(nil))
	require.True(t, sourceAvailable(&pulseproto.GetSourceInfoReply{})) // no ports => available

	available := &pulseproto.GetSourceInfoReply{ActivePortName: "mic"}
	setSourcePorts(t, available, []sourcePort{{name: "mic", available: 2}})
	require.True(t, sourceAvailable(available))

	notAvailable := &pulseproto.GetSourceInfoReply{ActivePortName: "mic"}
	setSourcePorts(t, notAvailable, []sourcePort{{name: "mic", available: 1}})
	require.False(t, sourceAvailable(notAvailable))
}

func TestPulseHandleChunkingAndStopFlushesPending(t *testing.T) {
	h := newPulseHandle(DeviceInfo{ID: "mic"}, Format{SampleRate: 16000, Channels: 1})
	require.Equal(t, 320, h.chunkSamples)

	input := make([]int16, h.chunkSamples+111)
	for i := range input {
		input[i] = int16(i % 255)
	}

	n, err := h.onPCM(input)
	require.NoError(t, err)
	require.Equal(t, len(input), n)
	require.Equal(t, int64(len(input)), h.SamplesCaptured())

	first := <-h.Frames()
	require.Len(t, first, h.chunkSamples)

	require.NoError(t, h.Stop())

	remaining, ok := <-h.Frames()
	require.True(t, ok)
	require.Len(t, remaining, 111)

	_, ok = <-h.Frames()
	require.False(t, ok)
}

func TestPulseHandleStereoChunkSize(t *testing.T) {
	h := newPulseHandle(DeviceInfo{ID: "sink.monitor"}, Format{SampleRate: 48000, Channels: 2})
	require.Equal(t, 48000/50*2, h.chunkSamples)
	require.Equal(t, Format{SampleRate: 48000, Channels: 2}, h.Format())
}

func TestPulseHandleOnPCMReturnsEOFWhenStopped(t *testing.T) {
	h := newPulseHandle(DeviceInfo{ID: "mic"}, Format{SampleRate: 16000, Channels: 1})
	close(h.stopCh)

	n, err := h.onPCM([]int16{1, 2, 3})
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, int64(0), h.SamplesCaptured())
}

func TestPulseHandleStopIsIdempotent(t *testing.T) {
	h := newPulseHandle(DeviceInfo{ID: "mic"}, Format{})
	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())

	_, ok := <-h.Frames()
	require.False(t, ok)
}

func TestPulseDeviceRejectsUnknownKind(t *testing.T) {
	device := NewPulseDevice(PulseConfig{}, nil)
	_, err := device.RequestCapture(context.Background(), Kind("camera"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported capture kind")
}

func TestPulseDeviceMapsUnavailableServerToPermissionDenied(t *testing.T) {
	t.Setenv("PULSE_SERVER", "unix:/tmp/definitely-missing-pulse-server")

	device := NewPulseDevice(PulseConfig{Microphone: "default"}, nil)
	_, err := device.RequestCapture(context.Background(), KindMicrophone)
	require.ErrorIs(t, err, ErrPermissionDenied)

	_, err = device.RequestCapture(context.Background(), KindScreenAudio)
	require.ErrorIs(t, err, ErrPermissionDenied)
}

type sourcePort struct {
	name      string
	available uint32
}

func setSourcePorts(t *testing.T, reply *pulseproto.GetSourceInfoReply, ports []sourcePort) {
	t.Helper()

	sliceType := reflect.TypeOf(reply.Ports)
	sliceValue := reflect.MakeSlice(sliceType, len(ports), len(ports))

	for i, port := range ports {
		item := sliceValue.Index(i)
		item.FieldByName("Name").SetString(port.name)
		item.FieldByName("Available").SetUint(uint64(port.available))
	}

	replyValue := reflect.ValueOf(reply).Elem().FieldByName("Ports")
	replyValue.Set(sliceValue)
}
