package wavfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteAndReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	samples := []int16{0, 1200, -1200, 32767, -32768, 5}

	require.NoError(t, WriteFile(path, samples, 48000, 2))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	got, err := ReadPCM16(f)
	require.NoError(t, err)
	require.Equal(t, 48000, got.SampleRate)
	require.Equal(t, 2, got.Channels)
	require.Equal(t, samples, got.Samples)
}

func TestWritePCM16RejectsInvalidFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	require.Error(t, WritePCM16(f, []int16{1}, 0, 1))
	require.Error(t, WritePCM16(f, []int16{1}, 16000, 0))
}

func TestReadPCM16RejectsGarbage(t *testing.T) {
	_, err := ReadPCM16(bytes.NewReader([]byte("definitely not riff data")))
	require.ErrorIs(t, err, ErrInvalidFile)
}

func TestFloatToPCM16Clips(t *testing.T) {
	require.Equal(t, []int16{0, 32767, -32767, 32767, -32768, 16384}, FloatToPCM16([]float32{0, 1, -1, 2, -2, 0.5}))
}
