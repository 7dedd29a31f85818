package worker

import (
	"github.com/google/uuid"
	"github.com/phrazzld/renderq/internal/generation"
)

// Outcome is the explicit result of one subtask dispatch. The delivery
// layer (the queue consumer) decides whether to redeliver based on the
// Retryable flag; the worker itself never unwinds control flow to
// signal a retry.
//
// Exactly one of Terminal and Retryable is true for every dispatch: a
// subtask either reached a terminal write or was written failed and
// handed back for bounded redelivery.
type Outcome struct {
	// TaskID identifies the owning task so the consumer can trigger
	// aggregation after a terminal transition.
	TaskID uuid.UUID

	// Terminal reports that the subtask reached a terminal state and
	// must not be redelivered.
	Terminal bool

	// Retryable reports that the failure may be redelivered, up to the
	// delivery layer's own bound.
	Retryable bool

	// ErrorKind classifies the failure when the dispatch did not
	// succeed.
	ErrorKind generation.ErrorKind

	// ResultURL references the generated image on success.
	ResultURL string
}

// terminalOutcome builds an outcome for a subtask that reached a
// terminal state.
func terminalOutcome(taskID uuid.UUID) Outcome {
	return Outcome{TaskID: taskID, Terminal: true}
}

// retryableOutcome builds an outcome handed back for redelivery.
func retryableOutcome(taskID uuid.UUID, kind generation.ErrorKind) Outcome {
	return Outcome{TaskID: taskID, Retryable: true, ErrorKind: kind}
}
