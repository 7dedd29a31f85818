package domain

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task or subtask. Both
// entity kinds share the same status domain.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transitions can occur.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TerminalStatuses lists every terminal status, in a fixed order usable
// in SQL NOT IN clauses.
func TerminalStatuses() []Status {
	return []Status{StatusCompleted, StatusFailed, StatusCancelled}
}

// Task is a user-submitted generation job. It expands into one subtask
// per resolved parameter combination at submission time and is the
// permanent historical record: tasks are never deleted.
//
// A task reaches a terminal status only after every one of its subtasks
// is terminal; the aggregator enforces this.
type Task struct {
	ID        uuid.UUID
	Name      string
	Submitter string
	Status    Status
	Priority  int

	// Settings holds the generation parameters as submitted, including
	// the variable axes that produced the subtask matrix.
	Settings Settings

	// Progress is the percentage of subtasks in a terminal state.
	Progress int

	// Total is the number of subtasks the task expanded into.
	Total int

	CreatedAt   time.Time
	CompletedAt *time.Time
}
