package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message is the wire format for a queued work item. The payload is an
// opaque JSON document; administrative cleanup matches against the raw
// serialized form, so the payload's field names are part of the
// cross-tool contract.
type Message struct {
	ID         string          `json:"message_id"`
	Queue      string          `json:"queue_name"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`

	// ETA is set for delayed messages parked on the .DQ list; the
	// message becomes visible once the ETA has passed.
	ETA *time.Time `json:"eta,omitempty"`

	// Retries counts automatic redeliveries of this message. Workers
	// synchronize the subtask's persisted retry counter from it.
	Retries int `json:"retries"`
}

// NewMessage builds a message for the given queue and action with the
// payload serialized to JSON.
func NewMessage(queue, action string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:         uuid.NewString(),
		Queue:      queue,
		Action:     action,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Due reports whether a delayed message is eligible for delivery.
func (m *Message) Due(now time.Time) bool {
	return m.ETA == nil || !m.ETA.After(now)
}
