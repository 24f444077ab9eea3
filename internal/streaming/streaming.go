// Package streaming runs live recognition passes against a network backend.
package streaming

import (
	"context"
	"strings"
	"time"
)

// Phrase is one vocabulary boost hint forwarded to the backend.
type Phrase struct {
	Text  string
	Boost float32
}

// PassConfig is the per-pass recognition request sent to a backend.
type PassConfig struct {
	SampleRate           int
	LanguageCode         string
	Model                string
	AutomaticPunctuation bool
	Continuous           bool
	InterimResults       bool
	SingleUtterance      bool
	MaxAlternatives      int
	Phrases              []Phrase
}

// Result is one recognition result as reported by a backend.
type Result struct {
	Transcript   string
	Alternatives []string
	Final        bool
}

// Pass is one open recognition pass. SendAudio and CloseSend are called from a
// single goroutine; Recv from another. Recv returns io.EOF when the service ends
// the pass normally. Close unblocks Recv, may be called concurrently, and is
// idempotent.
type Pass interface {
	SendAudio(frame []int16) error
	CloseSend() error
	Recv() (Result, error)
	Close() error
}

// Backend opens recognition passes.
type Backend interface {
	Name() string
	Open(ctx context.Context, cfg PassConfig) (Pass, error)
}

// Config describes the environment profile for streaming recognition.
type Config struct {
	LanguageCode         string
	Model                string
	AutomaticPunctuation bool
	// SingleUtterance closes each pass after its first final result.
	SingleUtterance bool
	MaxAlternatives int
	Phrases         []Phrase
	// DrainTimeout bounds how long final results are awaited after input ends.
	DrainTimeout time.Duration
}

const (
	defaultMaxAlternatives = 3
	defaultDrainTimeout    = 3 * time.Second
)

// PassConfigFor builds the pass request for the given profile and capture rate.
func PassConfigFor(cfg Config, sampleRate int) PassConfig {
	pc := PassConfig{
		SampleRate:           sampleRate,
		LanguageCode:         strings.TrimSpace(cfg.LanguageCode),
		Model:                strings.TrimSpace(cfg.Model),
		AutomaticPunctuation: cfg.AutomaticPunctuation,
		InterimResults:       true,
		Phrases:              cfg.Phrases,
	}
	if pc.LanguageCode == "" {
		pc.LanguageCode = "en-US"
	}
	if cfg.SingleUtterance {
		pc.SingleUtterance = true
		pc.MaxAlternatives = 1
		return pc
	}
	pc.Continuous = true
	pc.MaxAlternatives = cfg.MaxAlternatives
	if pc.MaxAlternatives <= 0 {
		pc.MaxAlternatives = defaultMaxAlternatives
	}
	return pc
}
