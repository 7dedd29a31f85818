package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/phrazzld/renderq/internal/domain"
)

// StatusCounts summarizes the subtasks of one task by status.
type StatusCounts struct {
	Total     int
	Completed int
	Failed    int
	Cancelled int
}

// Processed returns the number of subtasks in a terminal state.
func (c StatusCounts) Processed() int {
	return c.Completed + c.Failed + c.Cancelled
}

// AllTerminal reports whether every subtask has reached a terminal state.
func (c StatusCounts) AllTerminal() bool {
	return c.Total > 0 && c.Processed() == c.Total
}

// SubtaskStore defines the persistence operations on subtasks. Each
// Mark* method applies status, error, result and timestamp changes as a
// single atomic write so no intermediate state is ever visible.
type SubtaskStore interface {
	// GetSubtask retrieves a subtask by its ID.
	GetSubtask(ctx context.Context, subtaskID uuid.UUID) (*domain.Subtask, error)

	// MarkProcessing moves the subtask to processing and stamps started_at.
	MarkProcessing(ctx context.Context, subtaskID uuid.UUID) error

	// MarkCompleted moves the subtask to completed with its result
	// reference and stamps completed_at.
	MarkCompleted(ctx context.Context, subtaskID uuid.UUID, resultURL string) error

	// MarkFailed moves the subtask to failed with the error text and
	// stamps completed_at.
	MarkFailed(ctx context.Context, subtaskID uuid.UUID, errMsg string) error

	// MarkCancelled moves the subtask to cancelled with an explanatory
	// error and stamps completed_at.
	MarkCancelled(ctx context.Context, subtaskID uuid.UUID, errMsg string) error

	// SyncRetryCount persists the delivery attempt number so the retry
	// ceiling survives worker process restarts.
	SyncRetryCount(ctx context.Context, subtaskID uuid.UUID, retries int) error

	// CountByTask recomputes the status counts for one task's subtasks.
	CountByTask(ctx context.Context, taskID uuid.UUID) (StatusCounts, error)

	// ListNonTerminal returns the task's subtasks that have not reached
	// a terminal state.
	ListNonTerminal(ctx context.Context, taskID uuid.UUID) ([]*domain.Subtask, error)

	// TransitionNonTerminal moves every non-terminal subtask of the task
	// to the given terminal status with the supplied error text,
	// returning the number of subtasks affected. The override paths run
	// this inside a transaction via WithTx.
	TransitionNonTerminal(ctx context.Context, taskID uuid.UUID, to domain.Status, errMsg string) (int, error)

	// WithTx returns a SubtaskStore bound to the provided transaction.
	WithTx(tx *sql.Tx) SubtaskStore
}
