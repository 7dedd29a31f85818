package domain

import (
	"time"

	"github.com/google/uuid"
)

// MaxRetryCount is the hard ceiling on generation attempts for a single
// subtask. Once the persisted retry counter reaches this value the next
// dispatch forces the subtask to failed without calling the remote
// service, regardless of the delivery layer's own retry budget.
const MaxRetryCount = 10

// Prompt is one element of a subtask's prompt list. Free-text prompts
// carry only a value and weight; referenced prompts carry the full
// catalog fields the remote API expects.
type Prompt struct {
	Type   string  `json:"type"`
	Value  string  `json:"value"`
	Weight float64 `json:"weight"`
	UUID   string  `json:"uuid,omitempty"`
	Name   string  `json:"name,omitempty"`
	ImgURL string  `json:"img_url,omitempty"`
}

// FidelityOptions carries the extra model parameters used by the
// higher-fidelity pipeline. All fields are optional.
type FidelityOptions struct {
	ModelName string  `json:"model_name,omitempty"`
	CFG       float64 `json:"cfg,omitempty"`
	Steps     int     `json:"steps,omitempty"`
}

// GenerationParams is the resolved concrete parameter point for one
// subtask: every variable axis has been pinned to a single value.
type GenerationParams struct {
	Prompts   []Prompt         `json:"prompts"`
	Ratio     string           `json:"ratio"`
	Seed      int64            `json:"seed"`
	UsePolish bool             `json:"use_polish"`
	Fidelity  bool             `json:"fidelity"`
	Options   *FidelityOptions `json:"options,omitempty"`
}

// Subtask is one concrete, independently retryable unit of generation
// work. Subtasks of the same task are processed independently and may
// complete in any order.
type Subtask struct {
	ID     uuid.UUID
	TaskID uuid.UUID
	Params GenerationParams
	Status Status

	// Error holds the last failure description, if any.
	Error string

	// ResultURL references the generated image on success.
	ResultURL string

	// RetryCount is persisted so the retry ceiling survives worker
	// process restarts. It is synchronized from the delivery attempt
	// number on every dispatch.
	RetryCount int

	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RetriesExhausted reports whether the subtask has hit the retry
// ceiling and must not be attempted again.
func (s *Subtask) RetriesExhausted() bool {
	return s.RetryCount >= MaxRetryCount
}
