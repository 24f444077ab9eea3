package config

import (
	"path/filepath"
	"strings"
)

// Format is a config file syntax.
type Format string

const (
	FormatJSONC Format = "jsonc"
	FormatYAML  Format = "yaml"
)

// FormatFor picks the syntax from the file extension; anything not YAML is JSONC.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSONC
	}
}

// Parse decodes content in the given syntax over base, then validates the result.
func Parse(content string, format Format, base Config) (Config, []Warning, error) {
	var (
		payload fileConfig
		err     error
	)
	if format == FormatYAML {
		payload, err = parseYAML(content)
	} else {
		payload, err = parseJSONC(content)
	}
	if err != nil {
		return Config{}, nil, err
	}

	cfg := base
	if err := payload.applyTo(&cfg); err != nil {
		return Config{}, nil, err
	}

	warnings, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, warnings, nil
}
