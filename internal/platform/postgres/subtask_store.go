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

// SubtaskStore implements the store.SubtaskStore interface using PostgreSQL.
type SubtaskStore struct {
	db store.DBTX
}

// NewSubtaskStore creates a new SubtaskStore.
func NewSubtaskStore(db store.DBTX) *SubtaskStore {
	return &SubtaskStore{db: db}
}

// WithTx returns a SubtaskStore bound to the provided transaction.
func (s *SubtaskStore) WithTx(tx *sql.Tx) store.SubtaskStore {
	return &SubtaskStore{db: tx}
}

const subtaskColumns = `id, task_id, params, status, error, result_url, retry_count, started_at, completed_at`

// GetSubtask retrieves a subtask by its ID.
func (s *SubtaskStore) GetSubtask(ctx context.Context, subtaskID uuid.UUID) (*domain.Subtask, error) {
	query := `
		SELECT ` + subtaskColumns + `
		FROM subtasks
		WHERE id = $1
	`

	row := s.db.QueryRowContext(ctx, query, subtaskID)
	sub, err := scanSubtask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSubtaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query subtask: %w", err)
	}

	return sub, nil
}

// MarkProcessing moves the subtask to processing and stamps started_at
// in one write.
func (s *SubtaskStore) MarkProcessing(ctx context.Context, subtaskID uuid.UUID) error {
	query := `
		UPDATE subtasks
		SET status = $1, started_at = $2, updated_at = $2
		WHERE id = $3
	`
	return s.exec(ctx, query, domain.StatusProcessing, time.Now().UTC(), subtaskID)
}

// MarkCompleted moves the subtask to completed with its result reference.
func (s *SubtaskStore) MarkCompleted(ctx context.Context, subtaskID uuid.UUID, resultURL string) error {
	query := `
		UPDATE subtasks
		SET status = $1, result_url = $2, completed_at = $3, updated_at = $3
		WHERE id = $4
	`
	return s.exec(ctx, query, domain.StatusCompleted, resultURL, time.Now().UTC(), subtaskID)
}

// MarkFailed moves the subtask to failed with the error text.
func (s *SubtaskStore) MarkFailed(ctx context.Context, subtaskID uuid.UUID, errMsg string) error {
	query := `
		UPDATE subtasks
		SET status = $1, error = $2, completed_at = $3, updated_at = $3
		WHERE id = $4
	`
	return s.exec(ctx, query, domain.StatusFailed, errMsg, time.Now().UTC(), subtaskID)
}

// MarkCancelled moves the subtask to cancelled with an explanatory error.
func (s *SubtaskStore) MarkCancelled(ctx context.Context, subtaskID uuid.UUID, errMsg string) error {
	query := `
		UPDATE subtasks
		SET status = $1, error = $2, completed_at = $3, updated_at = $3
		WHERE id = $4
	`
	return s.exec(ctx, query, domain.StatusCancelled, errMsg, time.Now().UTC(), subtaskID)
}

// SyncRetryCount persists the delivery attempt number.
func (s *SubtaskStore) SyncRetryCount(ctx context.Context, subtaskID uuid.UUID, retries int) error {
	query := `
		UPDATE subtasks
		SET retry_count = $1, updated_at = $2
		WHERE id = $3
	`
	return s.exec(ctx, query, retries, time.Now().UTC(), subtaskID)
}

// CountByTask recomputes the status counts for one task's subtasks.
func (s *SubtaskStore) CountByTask(ctx context.Context, taskID uuid.UUID) (store.StatusCounts, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status = $3),
			COUNT(*) FILTER (WHERE status = $4)
		FROM subtasks
		WHERE task_id = $1
	`

	var counts store.StatusCounts
	err := s.db.QueryRowContext(ctx, query,
		taskID,
		domain.StatusCompleted,
		domain.StatusFailed,
		domain.StatusCancelled,
	).Scan(&counts.Total, &counts.Completed, &counts.Failed, &counts.Cancelled)
	if err != nil {
		return store.StatusCounts{}, fmt.Errorf("failed to count subtasks: %w", err)
	}

	return counts, nil
}

// ListNonTerminal returns the task's subtasks that have not reached a
// terminal state.
func (s *SubtaskStore) ListNonTerminal(ctx context.Context, taskID uuid.UUID) ([]*domain.Subtask, error) {
	log := logger.FromContext(ctx)

	query := `
		SELECT ` + subtaskColumns + `
		FROM subtasks
		WHERE task_id = $1 AND status NOT IN ($2, $3, $4)
		ORDER BY id
	`

	terminal := domain.TerminalStatuses()
	rows, err := s.db.QueryContext(ctx, query, taskID, terminal[0], terminal[1], terminal[2])
	if err != nil {
		log.Error("failed to query non-terminal subtasks",
			"task_id", taskID,
			"error", err)
		return nil, fmt.Errorf("failed to query non-terminal subtasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subtasks []*domain.Subtask
	for rows.Next() {
		sub, err := scanSubtask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subtask row: %w", err)
		}
		subtasks = append(subtasks, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subtask rows: %w", err)
	}

	return subtasks, nil
}

// TransitionNonTerminal moves every non-terminal subtask of the task to
// the given terminal status in one statement.
func (s *SubtaskStore) TransitionNonTerminal(
	ctx context.Context,
	taskID uuid.UUID,
	to domain.Status,
	errMsg string,
) (int, error) {
	if !to.IsTerminal() {
		return 0, fmt.Errorf("status %q is not terminal", to)
	}

	query := `
		UPDATE subtasks
		SET status = $1, error = $2, completed_at = $3, updated_at = $3
		WHERE task_id = $4 AND status NOT IN ($5, $6, $7)
	`

	terminal := domain.TerminalStatuses()
	result, err := s.db.ExecContext(ctx, query,
		to,
		errMsg,
		time.Now().UTC(),
		taskID,
		terminal[0],
		terminal[1],
		terminal[2],
	)
	if err != nil {
		return 0, fmt.Errorf("failed to transition non-terminal subtasks: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(rowsAffected), nil
}

// exec runs a single-row update and maps the zero-rows case onto
// ErrSubtaskNotFound.
func (s *SubtaskStore) exec(ctx context.Context, query string, args ...any) error {
	log := logger.FromContext(ctx)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		log.Error("subtask update failed", "error", err)
		return fmt.Errorf("subtask update failed: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return store.ErrSubtaskNotFound
	}

	return nil
}

// scanSubtask reads one subtask row using the provided scan function so
// it works for both *sql.Row and *sql.Rows.
func scanSubtask(scan func(dest ...any) error) (*domain.Subtask, error) {
	var (
		sub         domain.Subtask
		params      []byte
		errMsg      sql.NullString
		resultURL   sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	err := scan(
		&sub.ID,
		&sub.TaskID,
		&params,
		&sub.Status,
		&errMsg,
		&resultURL,
		&sub.RetryCount,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(params) > 0 {
		if err := json.Unmarshal(params, &sub.Params); err != nil {
			return nil, fmt.Errorf("failed to decode subtask params: %w", err)
		}
	}
	sub.Error = errMsg.String
	sub.ResultURL = resultURL.String
	if startedAt.Valid {
		sub.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		sub.CompletedAt = &completedAt.Time
	}

	return &sub, nil
}
