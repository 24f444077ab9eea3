// Package wavfile encodes and decodes 16-bit PCM WAV files.
package wavfile

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bitDepth = 16

// ErrInvalidFile is returned when a reader does not hold a WAV file.
var ErrInvalidFile = errors.New("invalid wav file")

// WritePCM16 encodes interleaved samples to w.
func WritePCM16(w io.WriteSeeker, samples []int16, rate, channels int) error {
	if rate <= 0 || channels <= 0 {
		return fmt.Errorf("invalid wav format rate=%d channels=%d", rate, channels)
	}

	enc := wav.NewEncoder(w, rate, bitDepth, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           make([]int, len(samples)),
		SourceBitDepth: bitDepth,
	}
	for i, s := range samples {
		buf.Data[i] = int(s)
	}
	if err := enc.Write(buf); err != nil {
		_ = enc.Close()
		return fmt.Errorf("write wav samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}

// WriteFile writes samples to path with 0600 permissions.
func WriteFile(path string, samples []int16, rate, channels int) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create wav %q: %w", path, err)
	}
	if err := WritePCM16(f, samples, rate, channels); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// FloatToPCM16 converts [-1, 1] samples to int16 with clipping.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := math.Round(float64(s) * 32767)
		switch {
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		out[i] = int16(v)
	}
	return out
}

// Decoded is the content of a PCM16 WAV file.
type Decoded struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// ReadPCM16 decodes a PCM16 WAV stream.
func ReadPCM16(r io.ReadSeeker) (Decoded, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Decoded{}, ErrInvalidFile
	}
	if dec.BitDepth != 16 {
		return Decoded{}, fmt.Errorf("%w: %d-bit samples, want 16", ErrInvalidFile, dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Decoded{}, fmt.Errorf("decode wav: %w", err)
	}
	out := Decoded{
		Samples:    make([]int16, len(buf.Data)),
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}
	for i, v := range buf.Data {
		out.Samples[i] = int16(v)
	}
	return out, nil
}

// ReadFile decodes the PCM16 WAV file at path.
func ReadFile(path string) (Decoded, error) {
	f, err := os.Open(path)
	if err != nil {
		return Decoded{}, err
	}
	defer f.Close()
	return ReadPCM16(f)
}
