package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk shape shared by the JSONC and YAML syntaxes. Pointer
// fields distinguish "absent" from zero values so defaults survive.
type fileConfig struct {
	LogLevel  *string        `json:"log_level" yaml:"log_level"`
	Streaming *fileStreaming `json:"streaming" yaml:"streaming"`
	Capture   *fileCapture   `json:"capture" yaml:"capture"`
	Profile   *fileProfile   `json:"profile" yaml:"profile"`
	Reconnect *fileReconnect `json:"reconnect" yaml:"reconnect"`
	Level     *fileLevel     `json:"level" yaml:"level"`
	Batch     *fileBatch     `json:"batch" yaml:"batch"`
	Output    *fileOutput    `json:"output" yaml:"output"`
	Indicator *fileIndicator `json:"indicator" yaml:"indicator"`
	Vocab     *fileVocab     `json:"vocab" yaml:"vocab"`
	Metrics   *fileMetrics   `json:"metrics" yaml:"metrics"`
	Debug     *fileDebug     `json:"debug" yaml:"debug"`
}

type fileStreaming struct {
	Backend              *string `json:"backend" yaml:"backend"`
	GRPC                 *string `json:"grpc" yaml:"grpc"`
	WebsocketURL         *string `json:"websocket_url" yaml:"websocket_url"`
	APIKeyEnv            *string `json:"api_key_env" yaml:"api_key_env"`
	LanguageCode         *string `json:"language_code" yaml:"language_code"`
	Model                *string `json:"model" yaml:"model"`
	AutomaticPunctuation *bool   `json:"automatic_punctuation" yaml:"automatic_punctuation"`
	SingleUtterance      *bool   `json:"single_utterance" yaml:"single_utterance"`
	MaxAlternatives      *int    `json:"max_alternatives" yaml:"max_alternatives"`
	DialTimeoutMS        *int    `json:"dial_timeout_ms" yaml:"dial_timeout_ms"`
	DrainTimeoutMS       *int    `json:"drain_timeout_ms" yaml:"drain_timeout_ms"`
}

type fileCapture struct {
	Microphone         *string `json:"microphone" yaml:"microphone"`
	MicrophoneFallback *string `json:"microphone_fallback" yaml:"microphone_fallback"`
	SystemAudio        *bool   `json:"system_audio" yaml:"system_audio"`
	SampleRate         *int    `json:"sample_rate" yaml:"sample_rate"`
}

type fileProfile struct {
	PreferStreaming         *bool    `json:"prefer_streaming" yaml:"prefer_streaming"`
	ForceLocalModelOnly     *bool    `json:"force_local_model_only" yaml:"force_local_model_only"`
	MicGain                 *float64 `json:"mic_gain" yaml:"mic_gain"`
	LowerDetectionThreshold *bool    `json:"lower_detection_threshold" yaml:"lower_detection_threshold"`
}

type fileReconnect struct {
	InitialDelayMS *int `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	MaxDelayMS     *int `json:"max_delay_ms" yaml:"max_delay_ms"`
	MaxAttempts    *int `json:"max_attempts" yaml:"max_attempts"`
}

type fileLevel struct {
	NormalThreshold   *float64 `json:"normal_threshold" yaml:"normal_threshold"`
	DegradedThreshold *float64 `json:"degraded_threshold" yaml:"degraded_threshold"`
	TickMS            *int     `json:"tick_ms" yaml:"tick_ms"`
	Window            *int     `json:"window" yaml:"window"`
}

type fileBatch struct {
	Backend   *string `json:"backend" yaml:"backend"`
	Command   *string `json:"command" yaml:"command"`
	ModelPath *string `json:"model_path" yaml:"model_path"`
	BaseURL   *string `json:"base_url" yaml:"base_url"`
	Model     *string `json:"model" yaml:"model"`
	Language  *string `json:"language" yaml:"language"`
	APIKeyEnv *string `json:"api_key_env" yaml:"api_key_env"`
}

type fileOutput struct {
	ClipboardCmd  *string `json:"clipboard_cmd" yaml:"clipboard_cmd"`
	TranscriptLog *string `json:"transcript_log" yaml:"transcript_log"`
}

type fileIndicator struct {
	SoundEnable       *bool   `json:"sound_enable" yaml:"sound_enable"`
	SoundStartFile    *string `json:"sound_start_file" yaml:"sound_start_file"`
	SoundCompleteFile *string `json:"sound_complete_file" yaml:"sound_complete_file"`
	SoundCancelFile   *string `json:"sound_cancel_file" yaml:"sound_cancel_file"`
	SoundManualFile   *string `json:"sound_manual_file" yaml:"sound_manual_file"`
}

type fileVocab struct {
	Global     *stringList             `json:"global" yaml:"global"`
	MaxPhrases *int                    `json:"max_phrases" yaml:"max_phrases"`
	Sets       map[string]fileVocabSet `json:"sets" yaml:"sets"`
}

type fileVocabSet struct {
	Boost   *float64 `json:"boost" yaml:"boost"`
	Phrases []string `json:"phrases" yaml:"phrases"`
}

type fileMetrics struct {
	Listen *string `json:"listen" yaml:"listen"`
}

type fileDebug struct {
	AudioDump *bool `json:"audio_dump" yaml:"audio_dump"`
	GRPCDump  *bool `json:"grpc_dump" yaml:"grpc_dump"`
}

// stringList accepts either a list of strings or one comma-separated string.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return fmt.Errorf("expected string or string array")
	}
	*l = splitList(joined)
	return nil
}

func (l *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*l = list
		return nil
	case yaml.ScalarNode:
		*l = splitList(node.Value)
		return nil
	default:
		return fmt.Errorf("line %d: expected string or string list", node.Line)
	}
}

func splitList(joined string) []string {
	parts := strings.Split(joined, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.TrimSpace(part))
	}
	return out
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func setTrimmed(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

// applyTo overlays the present fields onto cfg.
func (payload fileConfig) applyTo(cfg *Config) error {
	setTrimmed(&cfg.LogLevel, payload.LogLevel)

	if s := payload.Streaming; s != nil {
		setTrimmed(&cfg.Streaming.Backend, s.Backend)
		setTrimmed(&cfg.Streaming.GRPC, s.GRPC)
		setTrimmed(&cfg.Streaming.WebsocketURL, s.WebsocketURL)
		setTrimmed(&cfg.Streaming.APIKeyEnv, s.APIKeyEnv)
		setTrimmed(&cfg.Streaming.LanguageCode, s.LanguageCode)
		setTrimmed(&cfg.Streaming.Model, s.Model)
		set(&cfg.Streaming.AutomaticPunctuation, s.AutomaticPunctuation)
		set(&cfg.Streaming.SingleUtterance, s.SingleUtterance)
		set(&cfg.Streaming.MaxAlternatives, s.MaxAlternatives)
		set(&cfg.Streaming.DialTimeoutMS, s.DialTimeoutMS)
		set(&cfg.Streaming.DrainTimeoutMS, s.DrainTimeoutMS)
	}

	if c := payload.Capture; c != nil {
		setTrimmed(&cfg.Capture.Microphone, c.Microphone)
		setTrimmed(&cfg.Capture.MicrophoneFallback, c.MicrophoneFallback)
		set(&cfg.Capture.SystemAudio, c.SystemAudio)
		set(&cfg.Capture.SampleRate, c.SampleRate)
	}

	if p := payload.Profile; p != nil {
		set(&cfg.Profile.PreferStreaming, p.PreferStreaming)
		set(&cfg.Profile.ForceLocalModelOnly, p.ForceLocalModelOnly)
		set(&cfg.Profile.MicGain, p.MicGain)
		set(&cfg.Profile.LowerDetectionThreshold, p.LowerDetectionThreshold)
	}

	if r := payload.Reconnect; r != nil {
		set(&cfg.Reconnect.InitialDelayMS, r.InitialDelayMS)
		set(&cfg.Reconnect.MaxDelayMS, r.MaxDelayMS)
		set(&cfg.Reconnect.MaxAttempts, r.MaxAttempts)
	}

	if l := payload.Level; l != nil {
		set(&cfg.Level.NormalThreshold, l.NormalThreshold)
		set(&cfg.Level.DegradedThreshold, l.DegradedThreshold)
		set(&cfg.Level.TickMS, l.TickMS)
		set(&cfg.Level.Window, l.Window)
	}

	if b := payload.Batch; b != nil {
		setTrimmed(&cfg.Batch.Backend, b.Backend)
		setTrimmed(&cfg.Batch.Command, b.Command)
		setTrimmed(&cfg.Batch.ModelPath, b.ModelPath)
		setTrimmed(&cfg.Batch.BaseURL, b.BaseURL)
		setTrimmed(&cfg.Batch.Model, b.Model)
		setTrimmed(&cfg.Batch.Language, b.Language)
		setTrimmed(&cfg.Batch.APIKeyEnv, b.APIKeyEnv)
		cfg.Batch.ModelPath = expandHome(cfg.Batch.ModelPath)
	}

	if o := payload.Output; o != nil {
		if o.ClipboardCmd != nil {
			cmd, err := ParseCommand(*o.ClipboardCmd)
			if err != nil {
				return fmt.Errorf("output.clipboard_cmd: %w", err)
			}
			cfg.Output.Clipboard = cmd
		}
		setTrimmed(&cfg.Output.TranscriptLog, o.TranscriptLog)
		cfg.Output.TranscriptLog = expandHome(cfg.Output.TranscriptLog)
	}

	if i := payload.Indicator; i != nil {
		set(&cfg.Indicator.SoundEnable, i.SoundEnable)
		setTrimmed(&cfg.Indicator.SoundStartFile, i.SoundStartFile)
		setTrimmed(&cfg.Indicator.SoundCompleteFile, i.SoundCompleteFile)
		setTrimmed(&cfg.Indicator.SoundCancelFile, i.SoundCancelFile)
		setTrimmed(&cfg.Indicator.SoundManualFile, i.SoundManualFile)
	}

	if v := payload.Vocab; v != nil {
		if v.Global != nil {
			cfg.Vocab.GlobalSets = nil
			for _, name := range *v.Global {
				if name = strings.TrimSpace(name); name != "" {
					cfg.Vocab.GlobalSets = append(cfg.Vocab.GlobalSets, name)
				}
			}
		}
		set(&cfg.Vocab.MaxPhrases, v.MaxPhrases)
		if len(v.Sets) > 0 {
			sets := make(map[string]VocabSet, len(cfg.Vocab.Sets)+len(v.Sets))
			for name, existing := range cfg.Vocab.Sets {
				sets[name] = existing
			}
			for name, fileSet := range v.Sets {
				name = strings.TrimSpace(name)
				if name == "" {
					return fmt.Errorf("vocab.sets contains an empty set name")
				}
				entry := VocabSet{Name: name, Phrases: append([]string(nil), fileSet.Phrases...)}
				set(&entry.Boost, fileSet.Boost)
				sets[name] = entry
			}
			cfg.Vocab.Sets = sets
		}
	}

	if m := payload.Metrics; m != nil {
		setTrimmed(&cfg.Metrics.Listen, m.Listen)
	}

	if d := payload.Debug; d != nil {
		set(&cfg.Debug.EnableAudioDump, d.AudioDump)
		set(&cfg.Debug.EnableGRPCDump, d.GRPCDump)
	}

	return nil
}
