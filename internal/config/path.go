package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ResolvePath returns the explicit path, else config.jsonc under the XDG config
// directory. A config.yaml next to it is used when only the YAML file exists.
func ResolvePath(explicit string) (string, error) {
	if strings.TrimSpace(explicit) != "" {
		return explicit, nil
	}

	dir, err := configDir()
	if err != nil {
		return "", err
	}

	jsonc := filepath.Join(dir, "config.jsonc")
	if _, err := os.Stat(jsonc); err == nil {
		return jsonc, nil
	}
	for _, name := range []string{"config.yaml", "config.yml"} {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return jsonc, nil
}

func configDir() (string, error) {
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "scribe"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("unable to resolve user home for config fallback")
	}
	return filepath.Join(home, ".config", "scribe"), nil
}
