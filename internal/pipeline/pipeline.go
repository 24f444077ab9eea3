// Package pipeline assembles a session engine from the loaded configuration.
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rbright/scribe/internal/batch"
	"github.com/rbright/scribe/internal/batch/openaihost"
	"github.com/rbright/scribe/internal/batch/whispercli"
	"github.com/rbright/scribe/internal/capture"
	"github.com/rbright/scribe/internal/config"
	"github.com/rbright/scribe/internal/indicator"
	"github.com/rbright/scribe/internal/level"
	"github.com/rbright/scribe/internal/logging"
	"github.com/rbright/scribe/internal/metrics"
	"github.com/rbright/scribe/internal/output"
	"github.com/rbright/scribe/internal/reconnect"
	"github.com/rbright/scribe/internal/session"
	"github.com/rbright/scribe/internal/streaming"
	"github.com/rbright/scribe/internal/streaming/grpcasr"
	"github.com/rbright/scribe/internal/streaming/wsasr"
)

// Overrides are the per-invocation CLI switches layered over the config profile.
type Overrides struct {
	Batch        bool
	LocalOnly    bool
	LowThreshold bool
}

// Options replaces the hardware boundaries; zero values use Pulse.
type Options struct {
	Device capture.Device
	Player indicator.Player
}

// Runtime owns the engine and everything that must be closed with it.
type Runtime struct {
	Engine  *session.Engine
	Profile session.Profile
	Metrics *metrics.Metrics

	cfg      config.Config
	logger   *slog.Logger
	cues     *indicator.Cues
	backend  streaming.Backend
	grpcDump *os.File
}

// Build wires capture, recognizers, output and status sinks for one owner process.
func Build(loaded config.Loaded, overrides Overrides, opts Options, logger *slog.Logger) (*Runtime, error) {
	cfg := loaded.Config
	rt := &Runtime{
		Profile: ProfileFor(cfg, overrides),
		Metrics: metrics.New(),
		cfg:     cfg,
		logger:  logger,
	}

	var dump io.Writer
	if cfg.Debug.EnableGRPCDump && cfg.Streaming.Backend == config.StreamingGRPC {
		file, err := createDebugFile("grpc", "jsonl")
		if err != nil {
			rt.logWarn("unable to create grpc debug dump", "error", err)
		} else {
			rt.grpcDump = file
			dump = file
		}
	}

	backend, err := StreamingBackend(cfg.Streaming, dump)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.backend = backend

	phrases, warnings, err := config.BuildSpeechPhrases(cfg)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	for _, warning := range warnings {
		rt.logWarn("vocabulary warning", "message", warning.Message)
	}

	device := opts.Device
	if device == nil {
		device = capture.NewPulseDevice(capture.PulseConfig{
			Microphone:         cfg.Capture.Microphone,
			MicrophoneFallback: cfg.Capture.MicrophoneFallback,
			SampleRate:         cfg.Capture.SampleRate,
		}, logger)
	}

	sinks := []session.StatusSink{rt.Metrics}
	if cfg.Indicator.SoundEnable {
		rt.cues = indicator.New(cfg.Indicator, opts.Player, logger)
		sinks = append(sinks, rt.cues)
	}

	logPath, err := transcriptLogPath(cfg.Output.TranscriptLog)
	if err != nil {
		rt.logWarn("transcript log disabled", "error", err)
	}

	rt.Engine = session.NewEngine(session.Config{
		Device:       device,
		CaptureKinds: CaptureKinds(cfg.Capture),
		// Without system audio the microphone is the only source.
		Degraded:     !cfg.Capture.SystemAudio,
		Streaming:    backend,
		StreamingConfig: streaming.Config{
			LanguageCode:         cfg.Streaming.LanguageCode,
			Model:                cfg.Streaming.Model,
			AutomaticPunctuation: cfg.Streaming.AutomaticPunctuation,
			SingleUtterance:      cfg.Streaming.SingleUtterance,
			MaxAlternatives:      cfg.Streaming.MaxAlternatives,
			Phrases:              phrases,
			DrainTimeout:         millis(cfg.Streaming.DrainTimeoutMS),
		},
		Reconnect: reconnect.Config{
			InitialDelay: millis(cfg.Reconnect.InitialDelayMS),
			MaxDelay:     millis(cfg.Reconnect.MaxDelayMS),
			MaxAttempts:  cfg.Reconnect.MaxAttempts,
			OnRetry:      rt.Metrics.OnRetry,
			Logger:       logger,
		},
		Batch: rt.Metrics.Batch(BatchTranscriber(cfg.Batch, logger)),
		Level: level.Config{
			NormalThreshold:   cfg.Level.NormalThreshold,
			DegradedThreshold: cfg.Level.DegradedThreshold,
			Tick:              millis(cfg.Level.TickMS),
			Window:            cfg.Level.Window,
		},
		Committer: output.NewCommitter(cfg.Output.Clipboard.Argv, logPath, logger),
		Sink:      session.Sinks(sinks...),
		Logger:    logger,
	})
	return rt, nil
}

// ProfileFor merges the configured profile with CLI overrides.
func ProfileFor(cfg config.Config, overrides Overrides) session.Profile {
	return session.Profile{
		PreferStreaming:         cfg.Profile.PreferStreaming && !overrides.Batch && cfg.Streaming.Backend != config.StreamingNone,
		ForceLocalModelOnly:     cfg.Profile.ForceLocalModelOnly || overrides.LocalOnly,
		MicGainFactor:           cfg.Profile.MicGain,
		LowerDetectionThreshold: cfg.Profile.LowerDetectionThreshold || overrides.LowThreshold,
		SingleUtterance:         cfg.Streaming.SingleUtterance,
	}
}

// CaptureKinds lists the sources a session asks for.
func CaptureKinds(cfg config.CaptureConfig) []capture.Kind {
	kinds := []capture.Kind{capture.KindMicrophone}
	if cfg.SystemAudio {
		kinds = append(kinds, capture.KindScreenAudio)
	}
	return kinds
}

// StreamingBackend returns nil when streaming is disabled.
func StreamingBackend(cfg config.StreamingConfig, dump io.Writer) (streaming.Backend, error) {
	switch cfg.Backend {
	case config.StreamingGRPC:
		return grpcasr.New(grpcasr.Config{
			Endpoint:              cfg.GRPC,
			DialTimeout:           millis(cfg.DialTimeoutMS),
			DebugResponseSinkJSON: dump,
		}), nil
	case config.StreamingWebsocket:
		return wsasr.New(wsasr.Config{
			BaseURL:          cfg.WebsocketURL,
			APIKey:           cfg.APIKey,
			Model:            cfg.Model,
			HandshakeTimeout: millis(cfg.DialTimeoutMS),
		}), nil
	case config.StreamingNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported streaming backend %q", cfg.Backend)
	}
}

// BatchTranscriber returns the adapter for the configured batch backend. The
// model is loaded lazily on first use.
func BatchTranscriber(cfg config.BatchConfig, logger *slog.Logger) *batch.Adapter {
	switch cfg.Backend {
	case config.BatchOpenAI:
		return batch.NewAdapter(config.BatchOpenAI, openaihost.Load(openaihost.Config{
			BaseURL:  cfg.BaseURL,
			APIKey:   cfg.APIKey,
			Model:    cfg.Model,
			Language: cfg.Language,
		}), logger)
	default:
		return batch.NewAdapter(config.BatchWhisperCLI, whispercli.Load(whispercli.Config{
			Command:   cfg.Command,
			ModelPath: cfg.ModelPath,
			Language:  cfg.Language,
			Logger:    logger,
		}), logger)
	}
}

// DumpRecording writes the session's composite audio when debug.audio_dump is set.
func (r *Runtime) DumpRecording(s *session.Session) string {
	if !r.cfg.Debug.EnableAudioDump || s == nil {
		return ""
	}
	samples, format := s.Recording()
	if len(samples) == 0 {
		return ""
	}
	path, err := writeDebugAudio(samples, format)
	if err != nil {
		r.logWarn("unable to write debug audio dump", "error", err)
		return ""
	}
	return path
}

// Close stops cue playback and releases the recognizer connection.
func (r *Runtime) Close() error {
	var errs []error
	if r.cues != nil {
		r.cues.Close()
	}
	if closer, ok := r.backend.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	if r.grpcDump != nil {
		errs = append(errs, r.grpcDump.Close())
		r.grpcDump = nil
	}
	return errors.Join(errs...)
}

func (r *Runtime) logWarn(message string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Warn(message, args...)
}

func transcriptLogPath(configured string) (string, error) {
	if path := strings.TrimSpace(configured); path != "" {
		return path, nil
	}
	dir, err := logging.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "transcripts.jsonl"), nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
