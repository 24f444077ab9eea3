// Package whispercli hosts a whisper.cpp style command line model for batch transcription.
package whispercli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rbright/scribe/internal/batch"
	"github.com/rbright/scribe/internal/mixer"
	"github.com/rbright/scribe/internal/wavfile"
)

const DefaultCommand = "whisper-cli"

// Config points at the executable and the model weights.
type Config struct {
	Command   string
	ModelPath string
	Language  string
	TempDir   string
	Logger    *slog.Logger
}

// Chunk is one entry of the tool's JSON transcription list.
type Chunk struct {
	Text string `json:"text"`
}

// Output is the JSON document written by the tool.
type Output struct {
	Transcription []Chunk `json:"transcription"`
}

// Host runs the command once per recording.
type Host struct {
	command   string
	modelPath string
	language  string
	tempDir   string
	logger    *slog.Logger
}

// Load returns a batch.Loader that checks the command and the model file exist.
func Load(cfg Config) batch.Loader {
	return func(context.Context) (any, error) {
		command := strings.TrimSpace(cfg.Command)
		if command == "" {
			command = DefaultCommand
		}
		resolved, err := exec.LookPath(command)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", command, err)
		}
		if strings.TrimSpace(cfg.ModelPath) == "" {
			return nil, errors.New("batch model_path is empty")
		}
		if _, err := os.Stat(cfg.ModelPath); err != nil {
			return nil, fmt.Errorf("stat model: %w", err)
		}
		language := strings.TrimSpace(cfg.Language)
		if language == "" {
			language = "en"
		}
		return &Host{
			command:   resolved,
			modelPath: cfg.ModelPath,
			language:  language,
			tempDir:   cfg.TempDir,
			logger:    cfg.Logger,
		}, nil
	}
}

// Generate writes samples (16 kHz mono) to a temporary WAV and runs the tool on it.
func (h *Host) Generate(ctx context.Context, samples []float32) (Output, error) {
	dir, err := os.MkdirTemp(h.tempDir, "scribe-batch-")
	if err != nil {
		return Output{}, fmt.Errorf("create batch workdir: %w", err)
	}
	defer os.RemoveAll(dir)

	base := filepath.Join(dir, uuid.NewString())
	wavPath := base + ".wav"
	if err := wavfile.WriteFile(wavPath, wavfile.FloatToPCM16(samples), mixer.BatchSampleRate, 1); err != nil {
		return Output{}, err
	}

	cmd := exec.CommandContext(ctx, h.command,
		"-m", h.modelPath,
		"-f", wavPath,
		"-l", h.language,
		"-oj",
		"-of", base,
		"-np",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		h.logWarn("whisper command failed", "error", err.Error(), "output", strings.TrimSpace(string(out)))
		return Output{}, fmt.Errorf("%s failed: %w", filepath.Base(h.command), err)
	}

	raw, err := os.ReadFile(base + ".json")
	if err != nil {
		return Output{}, fmt.Errorf("read whisper output: %w", err)
	}
	var parsed Output
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Output{}, fmt.Errorf("parse whisper output: %w", err)
	}
	return parsed, nil
}

func (h *Host) logWarn(message string, args ...any) {
	if h.logger == nil {
		return
	}
	h.logger.Warn(message, args...)
}
