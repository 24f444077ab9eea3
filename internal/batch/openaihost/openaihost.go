// Package openaihost hosts batch transcription on an OpenAI compatible server.
package openaihost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rbright/scribe/internal/batch"
	"github.com/rbright/scribe/internal/mixer"
	"github.com/rbright/scribe/internal/wavfile"
	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultBaseURL = "http://127.0.0.1:8000/v1"
	DefaultModel   = openai.Whisper1
)

// Config selects the server and model.
type Config struct {
	BaseURL  string
	APIKey   string
	Model    string
	Language string
	TempDir  string
}

// Host uploads each recording as a WAV file.
type Host struct {
	client   *openai.Client
	model    string
	language string
	tempDir  string
}

// Load returns a batch.Loader that confirms the model is served before use.
func Load(cfg Config) batch.Loader {
	return func(ctx context.Context) (any, error) {
		baseURL := strings.TrimSpace(cfg.BaseURL)
		if baseURL == "" {
			baseURL = DefaultBaseURL
		}
		model := strings.TrimSpace(cfg.Model)
		if model == "" {
			model = DefaultModel
		}

		clientCfg := openai.DefaultConfig(cfg.APIKey)
		clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
		client := openai.NewClientWithConfig(clientCfg)

		if _, err := client.GetModel(ctx, model); err != nil {
			return nil, fmt.Errorf("model %q not available at %s: %w", model, baseURL, err)
		}
		return &Host{client: client, model: model, language: cfg.Language, tempDir: cfg.TempDir}, nil
	}
}

// Call transcribes samples (16 kHz mono).
func (h *Host) Call(ctx context.Context, samples []float32) (openai.AudioResponse, error) {
	if len(samples) == 0 {
		return openai.AudioResponse{}, errors.New("no samples")
	}

	dir, err := os.MkdirTemp(h.tempDir, "scribe-upload-")
	if err != nil {
		return openai.AudioResponse{}, fmt.Errorf("create upload dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, uuid.NewString()+".wav")
	if err := wavfile.WriteFile(path, wavfile.FloatToPCM16(samples), mixer.BatchSampleRate, 1); err != nil {
		return openai.AudioResponse{}, err
	}

	resp, err := h.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    h.model,
		FilePath: path,
		Language: h.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return openai.AudioResponse{}, fmt.Errorf("create transcription: %w", err)
	}
	return resp, nil
}
