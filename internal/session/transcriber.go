package session

import (
	"context"
	"errors"

	"github.com/rbright/scribe/internal/transcript"
)

var (
	// ErrSessionClosed is returned for commands sent to a finished session.
	ErrSessionClosed = errors.New("session is closed")
	// ErrUnknownSession is returned by Engine lookups for unknown identifiers.
	ErrUnknownSession = errors.New("unknown session")
	// ErrInvalidCommand is returned when a command does not apply to the current state.
	ErrInvalidCommand = errors.New("command not valid in current state")
)

// BatchTranscriber runs whole-recording transcription; *batch.Adapter implements it.
type BatchTranscriber interface {
	Transcribe(ctx context.Context, samples []float32) (transcript.Segment, error)
}
