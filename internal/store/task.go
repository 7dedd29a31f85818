package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/phrazzld/renderq/internal/domain"
)

// TaskStore defines the persistence operations the aggregator and the
// override paths need on tasks. Tasks are created by the submission
// path (out of this engine's scope) and never deleted.
type TaskStore interface {
	// GetTask retrieves a task by its ID.
	GetTask(ctx context.Context, taskID uuid.UUID) (*domain.Task, error)

	// UpdateProgress writes the task's progress percentage.
	UpdateProgress(ctx context.Context, taskID uuid.UUID, progress int) error

	// TransitionTerminal atomically moves a non-terminal task into the
	// given terminal status and stamps completed_at. It returns false
	// when the task was already terminal, which lets concurrent
	// reconciles agree on exactly one winner.
	TransitionTerminal(ctx context.Context, taskID uuid.UUID, status domain.Status) (bool, error)

	// WithTx returns a TaskStore bound to the provided transaction.
	WithTx(tx *sql.Tx) TaskStore
}
