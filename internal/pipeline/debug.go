package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rbright/scribe/internal/capture"
	"github.com/rbright/scribe/internal/logging"
	"github.com/rbright/scribe/internal/wavfile"
)

// debugDir is where debug artifacts accumulate, under the state dir.
func debugDir() (string, error) {
	stateDir, err := logging.StateDir()
	if err != nil {
		return "", fmt.Errorf("resolve state dir: %w", err)
	}
	dir := filepath.Join(stateDir, "debug")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create debug dir: %w", err)
	}
	return dir, nil
}

func debugPath(prefix string, extension string) (string, error) {
	dir, err := debugDir()
	if err != nil {
		return "", err
	}
	timestamp := time.Now().Format("20060102-150405.000")
	return filepath.Join(dir, fmt.Sprintf("%s-%s.%s", prefix, timestamp, extension)), nil
}

// createDebugFile creates a timestamped debug artifact.
func createDebugFile(prefix string, extension string) (*os.File, error) {
	path, err := debugPath(prefix, extension)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open debug file %q: %w", path, err)
	}
	return file, nil
}

func writeDebugAudio(samples []int16, format capture.Format) (string, error) {
	path, err := debugPath("audio", "wav")
	if err != nil {
		return "", err
	}
	channels := format.Channels
	if channels <= 0 {
		channels = 1
	}
	if err := wavfile.WriteFile(path, samples, format.SampleRate, channels); err != nil {
		return "", err
	}
	return path, nil
}
