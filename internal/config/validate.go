package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rbright/scribe/internal/streaming"
)

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	var warnings []Warning
	warn := func(format string, args ...any) {
		warnings = append(warnings, Warning{Message: fmt.Sprintf(format, args...)})
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	s := cfg.Streaming
	switch s.Backend {
	case StreamingGRPC:
		if s.GRPC == "" {
			return nil, fmt.Errorf("streaming.grpc must not be empty when streaming.backend=grpc")
		}
	case StreamingWebsocket:
		if s.WebsocketURL == "" {
			return nil, fmt.Errorf("streaming.websocket_url must not be empty when streaming.backend=websocket")
		}
	case StreamingNone:
	default:
		return nil, fmt.Errorf("streaming.backend must be one of: grpc, websocket, none")
	}
	if s.LanguageCode == "" {
		return nil, fmt.Errorf("streaming.language_code must not be empty")
	}
	if s.MaxAlternatives < 0 {
		return nil, fmt.Errorf("streaming.max_alternatives must be >= 0")
	}
	if s.DialTimeoutMS <= 0 || s.DrainTimeoutMS <= 0 {
		return nil, fmt.Errorf("streaming.dial_timeout_ms and streaming.drain_timeout_ms must be > 0")
	}

	if cfg.Capture.Microphone == "" {
		return nil, fmt.Errorf("capture.microphone must not be empty")
	}
	if cfg.Capture.SampleRate <= 0 {
		return nil, fmt.Errorf("capture.sample_rate must be > 0")
	}
	if cfg.Profile.MicGain <= 0 {
		return nil, fmt.Errorf("profile.mic_gain must be > 0")
	}

	r := cfg.Reconnect
	if r.InitialDelayMS <= 0 || r.MaxAttempts <= 0 {
		return nil, fmt.Errorf("reconnect.initial_delay_ms and reconnect.max_attempts must be > 0")
	}
	if r.MaxDelayMS < r.InitialDelayMS {
		return nil, fmt.Errorf("reconnect.max_delay_ms must be >= reconnect.initial_delay_ms")
	}

	l := cfg.Level
	if l.NormalThreshold <= 0 || l.NormalThreshold > 255 || l.DegradedThreshold <= 0 || l.DegradedThreshold > 255 {
		return nil, fmt.Errorf("level thresholds must be within (0, 255]")
	}
	if l.DegradedThreshold > l.NormalThreshold {
		warn("level.degraded_threshold %.1f is above level.normal_threshold %.1f", l.DegradedThreshold, l.NormalThreshold)
	}
	if l.TickMS <= 0 || l.Window <= 0 {
		return nil, fmt.Errorf("level.tick_ms and level.window must be > 0")
	}

	b := cfg.Batch
	switch b.Backend {
	case BatchWhisperCLI:
		if b.Command == "" {
			return nil, fmt.Errorf("batch.command must not be empty when batch.backend=whisper-cli")
		}
		if b.ModelPath == "" {
			warn("batch.model_path is not set; batch transcription falls back to manual entry")
		}
	case BatchOpenAI:
		if b.BaseURL == "" {
			return nil, fmt.Errorf("batch.base_url must not be empty when batch.backend=openai")
		}
	default:
		return nil, fmt.Errorf("batch.backend must be one of: whisper-cli, openai")
	}

	if len(cfg.Output.Clipboard.Argv) == 0 {
		return nil, fmt.Errorf("output.clipboard_cmd must not be empty")
	}
	if cfg.Vocab.MaxPhrases <= 0 {
		return nil, fmt.Errorf("vocab.max_phrases must be > 0")
	}

	_, vocabWarnings, err := BuildSpeechPhrases(cfg)
	if err != nil {
		return nil, err
	}
	return append(warnings, vocabWarnings...), nil
}

// BuildSpeechPhrases merges enabled vocab sets into deterministic phrase hints. A
// phrase listed by several sets keeps the highest boost.
func BuildSpeechPhrases(cfg Config) ([]streaming.Phrase, []Warning, error) {
	if len(cfg.Vocab.GlobalSets) == 0 {
		return nil, nil, nil
	}

	type candidate struct {
		boost float64
		from  string
	}

	var warnings []Warning
	selected := make(map[string]candidate)
	for _, name := range cfg.Vocab.GlobalSets {
		vocabSet, ok := cfg.Vocab.Sets[name]
		if !ok {
			return nil, nil, fmt.Errorf("vocab.global references unknown set %q", name)
		}
		for _, phrase := range vocabSet.Phrases {
			phrase = strings.TrimSpace(phrase)
			if phrase == "" {
				continue
			}
			existing, seen := selected[phrase]
			if !seen {
				selected[phrase] = candidate{boost: vocabSet.Boost, from: name}
				continue
			}
			if vocabSet.Boost > existing.boost {
				warnings = append(warnings, Warning{Message: fmt.Sprintf("phrase %q present in %q and %q; using higher boost %.2f", phrase, existing.from, name, vocabSet.Boost)})
				selected[phrase] = candidate{boost: vocabSet.Boost, from: name}
			}
		}
	}

	if len(selected) > cfg.Vocab.MaxPhrases {
		return nil, nil, fmt.Errorf("vocabulary phrase count %d exceeds vocab.max_phrases=%d", len(selected), cfg.Vocab.MaxPhrases)
	}

	phrases := make([]streaming.Phrase, 0, len(selected))
	for phrase, c := range selected {
		phrases = append(phrases, streaming.Phrase{Text: phrase, Boost: float32(c.boost)})
	}
	sort.Slice(phrases, func(i, j int) bool { return phrases[i].Text < phrases[j].Text })
	return phrases, warnings, nil
}
