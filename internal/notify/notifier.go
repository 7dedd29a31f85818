package notify

import (
	"context"
)

// Event types emitted by the task aggregator and the override paths.
const (
	EventTaskCompleted        = "task_completed"
	EventTaskPartialCompleted = "task_partial_completed"
	EventTaskFailed           = "task_failed"
	EventTaskCancelled        = "task_cancelled"
	EventTaskForceCompleted   = "task_force_completed"
	EventTaskForceCancelled   = "task_force_cancelled"
)

// Event describes one task outcome notification.
type Event struct {
	Type      string            `json:"event_type"`
	TaskID    string            `json:"task_id"`
	TaskName  string            `json:"task_name"`
	Submitter string            `json:"submitter"`
	Details   map[string]string `json:"details,omitempty"`
	Message   string            `json:"message"`
	Link      string            `json:"link,omitempty"`
}

// Notifier delivers task outcome notifications. Delivery is
// fire-and-forget: implementations log failures locally and never
// return them to the caller's primary operation.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Noop discards every event. Used when no webhook is configured.
type Noop struct{}

// Notify implements Notifier.
func (Noop) Notify(context.Context, Event) {}
