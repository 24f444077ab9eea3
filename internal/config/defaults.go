package config

// Default returns the built-in configuration used when no file exists.
func Default() Config {
	return Config{
		LogLevel: "info",
		Streaming: StreamingConfig{
			Backend:              StreamingGRPC,
			GRPC:                 "127.0.0.1:50051",
			WebsocketURL:         "wss://api.deepgram.com/v1",
			APIKeyEnv:            "SCRIBE_STREAMING_API_KEY",
			LanguageCode:         "en-US",
			AutomaticPunctuation: true,
			MaxAlternatives:      3,
			DialTimeoutMS:        3000,
			DrainTimeoutMS:       3000,
		},
		Capture: CaptureConfig{
			Microphone:  "default",
			SystemAudio: true,
			SampleRate:  48000,
		},
		Profile: ProfileConfig{
			PreferStreaming: true,
			MicGain:         1.5,
		},
		Reconnect: ReconnectConfig{
			InitialDelayMS: 1000,
			MaxDelayMS:     10000,
			MaxAttempts:    5,
		},
		Level: LevelConfig{
			NormalThreshold:   10,
			DegradedThreshold: 5,
			TickMS:            100,
			Window:            1024,
		},
		Batch: BatchConfig{
			Backend:   BatchWhisperCLI,
			Command:   "whisper-cli",
			BaseURL:   "http://127.0.0.1:8000/v1",
			Model:     "whisper-1",
			Language:  "en",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Output: OutputConfig{
			Clipboard: CommandConfig{
				Raw:  "wl-copy --trim-newline",
				Argv: mustParseArgv("wl-copy --trim-newline"),
			},
		},
		Indicator: IndicatorConfig{SoundEnable: true},
		Vocab: VocabConfig{
			Sets:       map[string]VocabSet{},
			MaxPhrases: 1024,
		},
	}
}
