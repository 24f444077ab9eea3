package session

import "context"

// Committer receives the final transcript of a succeeded session exactly once.
type Committer interface {
	Commit(ctx context.Context, sessionID string, transcript string) error
}

// CommitFunc adapts a function to the Committer interface.
type CommitFunc func(ctx context.Context, sessionID string, transcript string) error

func (f CommitFunc) Commit(ctx context.Context, sessionID string, transcript string) error {
	return f(ctx, sessionID, transcript)
}
