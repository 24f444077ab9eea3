package indicator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/rbright/scribe/internal/wavfile"
)

type cueKind int

const (
	cueStart cueKind = iota + 1
	cueComplete
	cueCancel
	cueManual
)

func (k cueKind) String() string {
	switch k {
	case cueStart:
		return "start"
	case cueComplete:
		return "complete"
	case cueCancel:
		return "cancel"
	case cueManual:
		return "manual"
	default:
		return "unknown"
	}
}

const cueSampleRate = 16000

// Clip is interleaved PCM16 audio ready for playback.
type Clip struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Player plays one clip to completion.
type Player interface {
	Play(ctx context.Context, clip Clip) error
}

// PulsePlayer plays clips through the Pulse server's default sink.
type PulsePlayer struct{}

func (PulsePlayer) Play(ctx context.Context, clip Clip) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("scribe"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return fmt.Errorf("connect pulse server: %w", err)
	}
	defer client.Close()

	cursor := 0
	reader := pulse.Int16Reader(func(buf []int16) (int, error) {
		n := copy(buf, clip.Samples[cursor:])
		cursor += n
		if cursor >= len(clip.Samples) {
			return n, pulse.EndOfData
		}
		return n, nil
	})

	layout := pulse.PlaybackMono
	if clip.Channels == 2 {
		layout = pulse.PlaybackStereo
	}
	stream, err := client.NewPlayback(
		reader,
		layout,
		pulse.PlaybackSampleRate(clip.SampleRate),
		pulse.PlaybackLatency(0.02),
		pulse.PlaybackMediaName("scribe cue"),
	)
	if err != nil {
		return fmt.Errorf("create pulse playback stream: %w", err)
	}
	defer stream.Close()

	stream.Start()
	stream.Drain()
	if err := stream.Error(); err != nil {
		return fmt.Errorf("play cue stream: %w", err)
	}
	return nil
}

// loadCueFile decodes a configured cue. Only mono and stereo files are playable.
func loadCueFile(path string) (Clip, error) {
	decoded, err := wavfile.ReadFile(path)
	if err != nil {
		return Clip{}, fmt.Errorf("load cue %q: %w", path, err)
	}
	if decoded.Channels != 1 && decoded.Channels != 2 {
		return Clip{}, fmt.Errorf("load cue %q: %d channels", path, decoded.Channels)
	}
	if len(decoded.Samples) == 0 {
		return Clip{}, fmt.Errorf("load cue %q: no samples", path)
	}
	return Clip{Samples: decoded.Samples, SampleRate: decoded.SampleRate, Channels: decoded.Channels}, nil
}

type tone struct {
	hz       float64
	duration time.Duration
}

var synthesized = map[cueKind][]tone{
	cueStart:    {{880, 70 * time.Millisecond}, {1175, 70 * time.Millisecond}},
	cueComplete: {{740, 65 * time.Millisecond}, {988, 90 * time.Millisecond}},
	cueCancel:   {{480, 75 * time.Millisecond}, {360, 90 * time.Millisecond}},
	cueManual:   {{660, 60 * time.Millisecond}, {660, 60 * time.Millisecond}, {523, 110 * time.Millisecond}},
}

// synthCue renders a cue's tone sequence with short gaps and 5ms ramps.
func synthCue(kind cueKind) Clip {
	const (
		volume = 0.18
		gap    = 22 * time.Millisecond
	)
	var pcm []int16
	for i, t := range synthesized[kind] {
		if i > 0 {
			pcm = append(pcm, make([]int16, samplesFor(gap))...)
		}
		n := samplesFor(t.duration)
		ramp := max(1, min(n/10, cueSampleRate/200))
		for j := 0; j < n; j++ {
			envelope := min(1.0, float64(j)/float64(ramp), float64(n-j-1)/float64(ramp))
			v := math.Sin(2 * math.Pi * t.hz * float64(j) / cueSampleRate)
			pcm = append(pcm, int16(math.Round(v*volume*envelope*32767)))
		}
	}
	return Clip{Samples: pcm, SampleRate: cueSampleRate, Channels: 1}
}

func samplesFor(d time.Duration) int {
	return int(math.Round(d.Seconds() * cueSampleRate))
}
