package service

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/phrazzld/renderq/internal/domain"
	"github.com/phrazzld/renderq/internal/notify"
	"github.com/phrazzld/renderq/internal/queue"
	"github.com/phrazzld/renderq/internal/store"
)

// QueueCleaner is the administrative queue surgery dependency. The
// broker client satisfies it.
type QueueCleaner interface {
	ScanAndRemove(ctx context.Context, queue string, match queue.MatchFn) (int, error)
}

// OverrideResult is the structured outcome of cancel and force
// operations. A refused operation carries OK=false and a reason; it is
// not an error.
type OverrideResult struct {
	OK     bool
	Reason string

	// ForcedSubtasks is the number of subtasks flipped to a terminal
	// state by a force operation.
	ForcedSubtasks int

	// RemovedMessages is the number of backlog entries removed by queue
	// surgery.
	RemovedMessages int
}

func refused(reason string) OverrideResult {
	return OverrideResult{Reason: reason}
}

// Aggregator owns the task side of the lifecycle: it folds terminal
// subtask states into the task status, updates progress, and applies
// the administrative cancel and force overrides.
type Aggregator struct {
	db       *sql.DB
	tasks    store.TaskStore
	subtasks store.SubtaskStore
	cleaner  QueueCleaner
	queues   []string
	notifier notify.Notifier
	logger   *slog.Logger

	// frontendBaseURL builds the task detail link carried in
	// notifications. Empty disables the link.
	frontendBaseURL string

	// runInTx is swappable so aggregation logic is testable without a
	// live database.
	runInTx func(ctx context.Context, fn store.TxFn) error
}

// NewAggregator builds the aggregator. The queue names are every queue
// whose backlogs force operations must scrub.
func NewAggregator(
	db *sql.DB,
	tasks store.TaskStore,
	subtasks store.SubtaskStore,
	cleaner QueueCleaner,
	queues []string,
	notifier notify.Notifier,
	frontendBaseURL string,
	logger *slog.Logger,
) (*Aggregator, error) {
	if tasks == nil {
		return nil, errors.New("task store cannot be nil")
	}
	if subtasks == nil {
		return nil, errors.New("subtask store cannot be nil")
	}
	if notifier == nil {
		return nil, errors.New("notifier cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	a := &Aggregator{
		db:              db,
		tasks:           tasks,
		subtasks:        subtasks,
		cleaner:         cleaner,
		queues:          queues,
		notifier:        notifier,
		frontendBaseURL: frontendBaseURL,
		logger:          logger.With("component", "aggregator"),
	}
	a.runInTx = func(ctx context.Context, fn store.TxFn) error {
		return store.RunInTransaction(ctx, db, fn)
	}
	return a, nil
}

// Reconcile recomputes the task's aggregate state after a subtask
// reached a terminal status. While any subtask is still live it only
// refreshes progress. Once every subtask is terminal it applies the
// outcome policy: all failed means FAILED, all cancelled means
// CANCELLED, at least one completed means COMPLETED even when siblings
// failed, and a completed-free mix of failures and cancellations means
// FAILED.
//
// The terminal transition is conditional, so concurrent reconciles of
// the same task agree on a single winner and exactly one notification
// is emitted.
func (a *Aggregator) Reconcile(ctx context.Context, taskID uuid.UUID) error {
	counts, err := a.subtasks.CountByTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to count subtasks: %w", err)
	}
	if counts.Total == 0 {
		a.logger.Warn("task has no subtasks, nothing to reconcile", "task_id", taskID)
		return nil
	}

	if !counts.AllTerminal() {
		progress := counts.Processed() * 100 / counts.Total
		if err := a.tasks.UpdateProgress(ctx, taskID, progress); err != nil {
			return fmt.Errorf("failed to update progress: %w", err)
		}
		a.logger.Debug("task progress updated",
			"task_id", taskID,
			"progress", progress,
			"processed", counts.Processed(),
			"total", counts.Total)
		return nil
	}

	status := finalStatus(counts)
	won, err := a.tasks.TransitionTerminal(ctx, taskID, status)
	if err != nil {
		return fmt.Errorf("failed to transition task: %w", err)
	}
	if !won {
		// A concurrent reconcile settled the task first.
		return nil
	}

	a.logger.Info("task settled",
		"task_id", taskID,
		"status", status,
		"completed", counts.Completed,
		"failed", counts.Failed,
		"cancelled", counts.Cancelled)

	a.notifyOutcome(ctx, taskID, status, counts)
	return nil
}

// finalStatus applies the outcome policy over a fully terminal count
// set.
func finalStatus(counts store.StatusCounts) domain.Status {
	switch {
	case counts.Failed == counts.Total:
		return domain.StatusFailed
	case counts.Cancelled == counts.Total:
		return domain.StatusCancelled
	case counts.Completed > 0:
		return domain.StatusCompleted
	default:
		return domain.StatusFailed
	}
}

// Cancel cancels a task that has not started processing. Anything past
// PENDING is refused with a reason rather than an error, so callers can
// distinguish "cannot" from "could not".
func (a *Aggregator) Cancel(ctx context.Context, taskID uuid.UUID) (OverrideResult, error) {
	task, err := a.tasks.GetTask(ctx, taskID)
	if err != nil {
		return OverrideResult{}, fmt.Errorf("failed to load task: %w", err)
	}

	switch {
	case task.Status.IsTerminal():
		return refused("task is already in a terminal state"), nil
	case task.Status != domain.StatusPending:
		return refused("task is already in progress, use force-cancel instead"), nil
	}

	var cancelled int
	var won bool
	err = a.runInTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		subtasks := a.subtasks.WithTx(tx)
		tasks := a.tasks.WithTx(tx)

		var txErr error
		cancelled, txErr = subtasks.TransitionNonTerminal(ctx, taskID, domain.StatusCancelled, "task cancelled before processing")
		if txErr != nil {
			return txErr
		}
		won, txErr = tasks.TransitionTerminal(ctx, taskID, domain.StatusCancelled)
		return txErr
	})
	if err != nil {
		return OverrideResult{}, fmt.Errorf("failed to cancel task: %w", err)
	}

	a.logger.Info("task cancelled",
		"task_id", taskID,
		"cancelled_subtasks", cancelled)

	if won {
		a.notifier.Notify(ctx, notify.Event{
			Type:      notify.EventTaskCancelled,
			TaskID:    taskID.String(),
			TaskName:  task.Name,
			Submitter: task.Submitter,
			Message:   fmt.Sprintf("task %q was cancelled before processing", task.Name),
			Link:      a.taskLink(taskID),
		})
	}
	return OverrideResult{OK: true, ForcedSubtasks: cancelled}, nil
}

// ForceComplete settles a stuck task as COMPLETED. Remaining live
// subtasks are flipped to FAILED in one transaction, then their queued
// dispatch messages are scrubbed best-effort from every backlog.
func (a *Aggregator) ForceComplete(ctx context.Context, taskID uuid.UUID) (OverrideResult, error) {
	return a.force(ctx, taskID, domain.StatusCompleted, domain.StatusFailed,
		"subtask forcibly failed by administrator", notify.EventTaskForceCompleted)
}

// ForceCancel settles a stuck task as CANCELLED, flipping remaining
// live subtasks to CANCELLED.
func (a *Aggregator) ForceCancel(ctx context.Context, taskID uuid.UUID) (OverrideResult, error) {
	return a.force(ctx, taskID, domain.StatusCancelled, domain.StatusCancelled,
		"subtask forcibly cancelled by administrator", notify.EventTaskForceCancelled)
}

func (a *Aggregator) force(
	ctx context.Context,
	taskID uuid.UUID,
	taskStatus, subtaskStatus domain.Status,
	subtaskErr, eventType string,
) (OverrideResult, error) {
	task, err := a.tasks.GetTask(ctx, taskID)
	if err != nil {
		return OverrideResult{}, fmt.Errorf("failed to load task: %w", err)
	}
	if task.Status.IsTerminal() {
		return refused("task is already in a terminal state"), nil
	}

	// Capture the live subtask ids before flipping them; queue surgery
	// matches on them afterwards.
	live, err := a.subtasks.ListNonTerminal(ctx, taskID)
	if err != nil {
		return OverrideResult{}, fmt.Errorf("failed to list live subtasks: %w", err)
	}

	var forced int
	var won bool
	err = a.runInTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		subtasks := a.subtasks.WithTx(tx)
		tasks := a.tasks.WithTx(tx)

		var txErr error
		forced, txErr = subtasks.TransitionNonTerminal(ctx, taskID, subtaskStatus, subtaskErr)
		if txErr != nil {
			return txErr
		}
		won, txErr = tasks.TransitionTerminal(ctx, taskID, taskStatus)
		return txErr
	})
	if err != nil {
		return OverrideResult{}, fmt.Errorf("failed to force task transition: %w", err)
	}

	removed := a.scrubBacklogs(ctx, taskID, live)

	a.logger.Info("task forced to terminal state",
		"task_id", taskID,
		"status", taskStatus,
		"forced_subtasks", forced,
		"removed_messages", removed)

	if won {
		a.notifier.Notify(ctx, notify.Event{
			Type:      eventType,
			TaskID:    taskID.String(),
			TaskName:  task.Name,
			Submitter: task.Submitter,
			Details: map[string]string{
				"forced_subtasks":  fmt.Sprintf("%d", forced),
				"removed_messages": fmt.Sprintf("%d", removed),
			},
			Message: fmt.Sprintf("task %q was forced to %s by an administrator", task.Name, taskStatus),
			Link:    a.taskLink(taskID),
		})
	}
	return OverrideResult{OK: true, ForcedSubtasks: forced, RemovedMessages: removed}, nil
}

// scrubBacklogs removes queued dispatch messages referencing the task
// or any of the given subtasks from every known backlog. Failures are
// logged and swallowed; the database transition already happened and a
// leftover message is dropped by the worker's terminal-status guard.
func (a *Aggregator) scrubBacklogs(ctx context.Context, taskID uuid.UUID, live []*domain.Subtask) int {
	if a.cleaner == nil || len(a.queues) == 0 {
		return 0
	}

	needles := make([][]byte, 0, len(live)+1)
	needles = append(needles, []byte(taskID.String()))
	for _, sub := range live {
		needles = append(needles, []byte(sub.ID.String()))
	}

	match := func(raw []byte) bool {
		for _, needle := range needles {
			if bytes.Contains(raw, needle) {
				return true
			}
		}
		return false
	}

	removed := 0
	for _, q := range a.queues {
		n, err := a.cleaner.ScanAndRemove(ctx, q, match)
		removed += n
		if err != nil {
			a.logger.Warn("queue surgery incomplete",
				"task_id", taskID,
				"queue", q,
				"removed", n,
				"error", err)
		}
	}
	return removed
}

// notifyOutcome emits the settled-task notification for the natural
// (non-forced) terminal transitions.
func (a *Aggregator) notifyOutcome(ctx context.Context, taskID uuid.UUID, status domain.Status, counts store.StatusCounts) {
	task, err := a.tasks.GetTask(ctx, taskID)
	if err != nil {
		a.logger.Warn("failed to load task for notification",
			"task_id", taskID,
			"error", err)
		task = &domain.Task{ID: taskID}
	}

	event := notify.Event{
		TaskID:    taskID.String(),
		TaskName:  task.Name,
		Submitter: task.Submitter,
		Link:      a.taskLink(taskID),
	}

	switch {
	case status == domain.StatusCompleted && counts.Completed == counts.Total:
		event.Type = notify.EventTaskCompleted
		event.Message = fmt.Sprintf("task %q completed, all %d subtasks succeeded", task.Name, counts.Total)
	case status == domain.StatusCompleted:
		event.Type = notify.EventTaskPartialCompleted
		event.Message = fmt.Sprintf("task %q completed: %d/%d succeeded, %d/%d failed",
			task.Name, counts.Completed, counts.Total, counts.Failed+counts.Cancelled, counts.Total)
		event.Details = map[string]string{
			"succeeded": fmt.Sprintf("%d/%d", counts.Completed, counts.Total),
			"failed":    fmt.Sprintf("%d/%d", counts.Failed+counts.Cancelled, counts.Total),
		}
	case status == domain.StatusCancelled:
		event.Type = notify.EventTaskCancelled
		event.Message = fmt.Sprintf("task %q was cancelled", task.Name)
	default:
		event.Type = notify.EventTaskFailed
		event.Message = fmt.Sprintf("task %q failed, all %d subtasks failed", task.Name, counts.Total)
	}

	a.notifier.Notify(ctx, event)
}

func (a *Aggregator) taskLink(taskID uuid.UUID) string {
	if a.frontendBaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/tasks/%s", a.frontendBaseURL, taskID)
}
