// Package config loads scribe's JSONC or YAML configuration.
package config

// Config is the full runtime configuration.
type Config struct {
	LogLevel  string
	Streaming StreamingConfig
	Capture   CaptureConfig
	Profile   ProfileConfig
	Reconnect ReconnectConfig
	Level     LevelConfig
	Batch     BatchConfig
	Output    OutputConfig
	Indicator IndicatorConfig
	Vocab     VocabConfig
	Metrics   MetricsConfig
	Debug     DebugConfig
}

// Streaming backends.
const (
	StreamingGRPC      = "grpc"
	StreamingWebsocket = "websocket"
	StreamingNone      = "none"
)

// Batch backends.
const (
	BatchWhisperCLI = "whisper-cli"
	BatchOpenAI     = "openai"
)

// StreamingConfig selects and tunes the live recognizer.
type StreamingConfig struct {
	Backend              string
	GRPC                 string
	WebsocketURL         string
	APIKeyEnv            string
	LanguageCode         string
	Model                string
	AutomaticPunctuation bool
	SingleUtterance      bool
	MaxAlternatives      int
	DialTimeoutMS        int
	DrainTimeoutMS       int

	// APIKey is resolved from APIKeyEnv at load time and never read from the file.
	APIKey string
}

// CaptureConfig selects Pulse sources.
type CaptureConfig struct {
	Microphone         string
	MicrophoneFallback string
	SystemAudio        bool
	SampleRate         int
}

// ProfileConfig holds the per-session defaults; CLI flags override them.
type ProfileConfig struct {
	PreferStreaming         bool
	ForceLocalModelOnly     bool
	MicGain                 float64
	LowerDetectionThreshold bool
}

// ReconnectConfig bounds streaming retries.
type ReconnectConfig struct {
	InitialDelayMS int
	MaxDelayMS     int
	MaxAttempts    int
}

// LevelConfig tunes speech detection.
type LevelConfig struct {
	NormalThreshold   float64
	DegradedThreshold float64
	TickMS            int
	Window            int
}

// BatchConfig selects the local transcription model host.
type BatchConfig struct {
	Backend   string
	Command   string
	ModelPath string
	BaseURL   string
	Model     string
	Language  string
	APIKeyEnv string

	APIKey string
}

// OutputConfig controls where committed transcripts go.
type OutputConfig struct {
	Clipboard     CommandConfig
	TranscriptLog string
}

// IndicatorConfig controls audio cues.
type IndicatorConfig struct {
	SoundEnable       bool
	SoundStartFile    string
	SoundCompleteFile string
	SoundCancelFile   string
	SoundManualFile   string
}

// CommandConfig stores a raw command string and its parsed argv form.
type CommandConfig struct {
	Raw  string
	Argv []string
}

// VocabConfig controls enabled speech phrase sets and dedupe limits.
type VocabConfig struct {
	GlobalSets []string
	Sets       map[string]VocabSet
	MaxPhrases int
}

// VocabSet is one named phrase group with a shared boost value.
type VocabSet struct {
	Name    string
	Boost   float64
	Phrases []string
}

// MetricsConfig enables the Prometheus listener when Listen is set.
type MetricsConfig struct {
	Listen string
}

// DebugConfig controls optional debug artifact output.
type DebugConfig struct {
	EnableAudioDump bool
	EnableGRPCDump  bool
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Message string
}
