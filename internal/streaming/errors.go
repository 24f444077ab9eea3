package streaming

import (
	"errors"
	"fmt"
)

// Class groups recognition errors by how the session reacts to them.
type Class string

const (
	// ClassTransient errors are absorbed and the pass restarts immediately.
	ClassTransient Class = "transient"
	// ClassRecoverable errors restart through reconnect backoff.
	ClassRecoverable Class = "recoverable"
	// ClassFatal errors end streaming for the session.
	ClassFatal Class = "fatal"
)

// Recognition error codes reported by backends.
const (
	CodeNoSpeech          = "no-speech"
	CodeAborted           = "aborted"
	CodeNetwork           = "network"
	CodePermissionDenied  = "permission-denied"
	CodeNotAllowed        = "not-allowed"
	CodeServiceNotAllowed = "service-not-allowed"
	CodeUnavailable       = "unavailable"
)

// ErrUnavailable marks a backend that cannot offer streaming at all.
var ErrUnavailable = errors.New("streaming recognition unavailable")

// Error is a classified recognition failure.
type Error struct {
	Class Class
	Code  string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s recognition error: %s", e.Class, e.Code)
	}
	return fmt.Sprintf("%s recognition error: %s: %v", e.Class, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError classifies err under code.
func NewError(code string, err error) *Error {
	return &Error{Class: ClassOf(code), Code: code, Err: err}
}

// ClassOf maps an error code to its class. Unknown codes are recoverable.
func ClassOf(code string) Class {
	switch code {
	case CodeNoSpeech, CodeAborted:
		return ClassTransient
	case CodePermissionDenied, CodeNotAllowed, CodeServiceNotAllowed, CodeUnavailable:
		return ClassFatal
	default:
		return ClassRecoverable
	}
}

// Classify returns err as an *Error, treating unclassified failures as network errors.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var recErr *Error
	if errors.As(err, &recErr) {
		return recErr
	}
	if errors.Is(err, ErrUnavailable) {
		return NewError(CodeUnavailable, err)
	}
	return NewError(CodeNetwork, err)
}

// IsFatal reports whether err is a fatal recognition error.
func IsFatal(err error) bool {
	var recErr *Error
	return errors.As(err, &recErr) && recErr.Class == ClassFatal
}
