package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Loaded captures resolved config path, parsed values, and non-fatal warnings.
type Loaded struct {
	Path     string
	Format   Format
	Config   Config
	Warnings []Warning
	Exists   bool
	// EnvFile is the .env file that was applied, if any.
	EnvFile string
}

// Load resolves, reads, parses, and validates the runtime configuration, then
// resolves API keys from the environment. A .env file next to the config is
// loaded first; variables already set in the process win.
func Load(explicitPath string) (Loaded, error) {
	resolvedPath, err := ResolvePath(explicitPath)
	if err != nil {
		return Loaded{}, err
	}

	loaded := Loaded{Path: resolvedPath, Format: FormatFor(resolvedPath)}

	envFile, err := loadEnvFile(filepath.Dir(resolvedPath))
	if err != nil {
		return Loaded{}, err
	}
	loaded.EnvFile = envFile

	content, err := os.ReadFile(resolvedPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		loaded.Config = Default()
		loaded.Warnings = []Warning{{Message: fmt.Sprintf("config file %q not found; using defaults", resolvedPath)}}
	case err != nil:
		return Loaded{}, fmt.Errorf("read config %q: %w", resolvedPath, err)
	default:
		cfg, warnings, err := Parse(string(content), loaded.Format, Default())
		if err != nil {
			return Loaded{}, fmt.Errorf("parse config %q: %w", resolvedPath, err)
		}
		loaded.Config = cfg
		loaded.Warnings = warnings
		loaded.Exists = true
	}

	loaded.Warnings = append(loaded.Warnings, resolveSecrets(&loaded.Config)...)
	return loaded, nil
}

func loadEnvFile(dir string) (string, error) {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); err != nil {
		return "", nil
	}
	if err := godotenv.Load(path); err != nil {
		return "", fmt.Errorf("load env file %q: %w", path, err)
	}
	return path, nil
}

func resolveSecrets(cfg *Config) []Warning {
	var warnings []Warning
	if cfg.Streaming.APIKeyEnv != "" {
		cfg.Streaming.APIKey = os.Getenv(cfg.Streaming.APIKeyEnv)
	}
	if cfg.Batch.APIKeyEnv != "" {
		cfg.Batch.APIKey = os.Getenv(cfg.Batch.APIKeyEnv)
	}
	if cfg.Streaming.Backend == StreamingWebsocket && cfg.Streaming.APIKey == "" {
		warnings = append(warnings, Warning{Message: fmt.Sprintf("%s is not set; the websocket recognizer will likely reject the connection", cfg.Streaming.APIKeyEnv)})
	}
	return warnings
}
