// Package manual accepts operator-typed transcripts when automatic recognition gives up.
package manual

import (
	"errors"
	"strings"
)

// ErrEmptyInput matches every EmptyInputError.
var ErrEmptyInput = errors.New("manual transcript is empty")

// EmptyInputError is returned for blank or whitespace-only submissions.
type EmptyInputError struct {
	Reason string
}

func (e *EmptyInputError) Error() string {
	if e.Reason == "" {
		return ErrEmptyInput.Error()
	}
	return ErrEmptyInput.Error() + ": " + e.Reason
}

func (e *EmptyInputError) Is(target error) bool { return target == ErrEmptyInput }

// Handler validates manual submissions. It keeps no state and persists nothing.
type Handler struct{}

// Submit trims text and returns it, or an EmptyInputError.
func (Handler) Submit(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		reason := "no text provided"
		if text != "" {
			reason = "whitespace only"
		}
		return "", &EmptyInputError{Reason: reason}
	}
	return trimmed, nil
}
