package generation

import (
	"errors"
	"fmt"
)

// ErrorKind classifies generation failures. The worker maps kinds onto
// terminal-vs-retryable outcomes; see the state machine in the worker
// package.
type ErrorKind string

const (
	// ErrorKindContentPolicy: the prompt was rejected by content
	// moderation. Terminal, never retried.
	ErrorKindContentPolicy ErrorKind = "content-policy"

	// ErrorKindIllegalContent: the generated image was classified as
	// illegal. Terminal, never retried.
	ErrorKindIllegalContent ErrorKind = "illegal-content"

	// ErrorKindRemoteTimeout: the remote job timed out or polling was
	// exhausted without resolution. Retryable.
	ErrorKindRemoteTimeout ErrorKind = "remote-timeout"

	// ErrorKindRemoteFailure: the remote job reported failure. Retryable.
	ErrorKindRemoteFailure ErrorKind = "remote-failure"

	// ErrorKindTransport: a connection-level failure talking to the
	// remote service. Retryable.
	ErrorKindTransport ErrorKind = "transport-error"
)

// Error is a classified generation failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("generation failed (%s): %s", e.Kind, e.Message)
}

// NewError builds a classified generation error.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from an error, defaulting to transport
// for unclassified failures so they stay retryable.
func KindOf(err error) ErrorKind {
	var genErr *Error
	if errors.As(err, &genErr) {
		return genErr.Kind
	}
	return ErrorKindTransport
}

// Retryable reports whether a failure of the given kind may be
// redelivered.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindRemoteTimeout, ErrorKindRemoteFailure, ErrorKindTransport:
		return true
	default:
		return false
	}
}
