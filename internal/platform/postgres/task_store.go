package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/renderq/internal/domain"
	"github.com/phrazzld/renderq/internal/platform/logger"
	"github.com/phrazzld/renderq/internal/store"
)

// TaskStore implements the store.TaskStore interface using PostgreSQL.
type TaskStore struct {
	db store.DBTX
}

// NewTaskStore creates a new TaskStore.
func NewTaskStore(db store.DBTX) *TaskStore {
	return &TaskStore{db: db}
}

// WithTx returns a TaskStore bound to the provided transaction.
func (s *TaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &TaskStore{db: tx}
}

// GetTask retrieves a task by its ID.
func (s *TaskStore) GetTask(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	query := `
		SELECT id, name, submitter, status, priority, settings, progress, total, created_at, completed_at
		FROM tasks
		WHERE id = $1
	`

	var (
		t           domain.Task
		settings    []byte
		completedAt sql.NullTime
	)

	err := s.db.QueryRowContext(ctx, query, taskID).Scan(
		&t.ID,
		&t.Name,
		&t.Submitter,
		&t.Status,
		&t.Priority,
		&settings,
		&t.Progress,
		&t.Total,
		&t.CreatedAt,
		&completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &t.Settings); err != nil {
			return nil, fmt.Errorf("failed to decode task settings: %w", err)
		}
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}

	return &t, nil
}

// UpdateProgress writes the task's progress percentage.
func (s *TaskStore) UpdateProgress(ctx context.Context, taskID uuid.UUID, progress int) error {
	log := logger.FromContext(ctx)

	query := `
		UPDATE tasks
		SET progress = $1, updated_at = $2
		WHERE id = $3
	`

	result, err := s.db.ExecContext(ctx, query, progress, time.Now().UTC(), taskID)
	if err != nil {
		log.Error("failed to update task progress",
			"task_id", taskID,
			"error", err)
		return fmt.Errorf("failed to update task progress: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return store.ErrTaskNotFound
	}

	return nil
}

// TransitionTerminal atomically moves a non-terminal task into the given
// terminal status. The WHERE clause excludes terminal states so that
// when several reconciles race, exactly one of them changes a row.
func (s *TaskStore) TransitionTerminal(
	ctx context.Context,
	taskID uuid.UUID,
	status domain.Status,
) (bool, error) {
	log := logger.FromContext(ctx)

	if !status.IsTerminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}

	query := `
		UPDATE tasks
		SET status = $1, completed_at = $2, updated_at = $2, progress = 100
		WHERE id = $3 AND status NOT IN ($4, $5, $6)
	`

	terminal := domain.TerminalStatuses()
	result, err := s.db.ExecContext(ctx, query,
		status,
		time.Now().UTC(),
		taskID,
		terminal[0],
		terminal[1],
		terminal[2],
	)
	if err != nil {
		log.Error("failed to transition task to terminal status",
			"task_id", taskID,
			"status", status,
			"error", err)
		return false, fmt.Errorf("failed to transition task status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}
