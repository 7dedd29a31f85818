package store

import "errors"

// Common store errors. Implementations map database-level failures onto
// these sentinels so callers can branch without knowing the backend.
var (
	// ErrTaskNotFound indicates the requested task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrSubtaskNotFound indicates the requested subtask does not exist.
	ErrSubtaskNotFound = errors.New("subtask not found")
)
