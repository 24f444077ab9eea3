package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one committed transcript line.
type Record struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	FinishedAt time.Time `json:"finished_at"`
}

// TranscriptLog appends one JSON line per committed transcript.
type TranscriptLog struct {
	Path string

	mu sync.Mutex
}

// Append writes rec, creating the file with mode 0600 if needed.
func (l *TranscriptLog) Append(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.Path), 0o700); err != nil {
		return fmt.Errorf("ensure transcript log dir: %w", err)
	}
	f, err := os.OpenFile(l.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open transcript log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append transcript log: %w", err)
	}
	return f.Close()
}
