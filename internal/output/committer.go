// Package output delivers committed transcripts to the clipboard and the transcript log.
package output

import (
	"context"
	"log/slog"
	"time"
)

// Committer is the default session committer. The clipboard is the delivery
// that matters: its failure fails the commit, while a transcript log failure is
// only logged.
type Committer struct {
	clipboard Clipboard
	log       *TranscriptLog
	logger    *slog.Logger
	now       func() time.Time
}

// NewCommitter builds a committer. logPath may be empty to skip the transcript log.
func NewCommitter(clipboardArgv []string, logPath string, logger *slog.Logger) *Committer {
	c := &Committer{
		clipboard: Clipboard{Argv: clipboardArgv},
		logger:    logger,
		now:       time.Now,
	}
	if logPath != "" {
		c.log = &TranscriptLog{Path: logPath}
	}
	return c
}

// Commit delivers text for sessionID.
func (c *Committer) Commit(ctx context.Context, sessionID string, text string) error {
	if c.log != nil {
		rec := Record{SessionID: sessionID, Text: text, FinishedAt: c.now().UTC()}
		if err := c.log.Append(rec); err != nil && c.logger != nil {
			c.logger.Warn("transcript log append failed", "session_id", sessionID, "error", err.Error())
		}
	}
	if err := c.clipboard.Set(ctx, text); err != nil {
		return err
	}
	if c.logger != nil {
		c.logger.Info("transcript committed", "session_id", sessionID, "chars", len(text))
	}
	return nil
}
