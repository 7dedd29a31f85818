package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/phrazzld/renderq/internal/domain"
	"github.com/phrazzld/renderq/internal/generation"
	"github.com/phrazzld/renderq/internal/store"
)

// Worker executes one subtask dispatch: it applies the state machine,
// runs the generation attempt and decides retry-vs-terminal. Both
// pipeline bindings share a single Worker; only their consumer
// configuration differs.
type Worker struct {
	subtasks  store.SubtaskStore
	generator generation.Generator
	logger    *slog.Logger
}

// NewWorker builds a worker over the given store and generator.
func NewWorker(subtasks store.SubtaskStore, generator generation.Generator, logger *slog.Logger) (*Worker, error) {
	if subtasks == nil {
		return nil, errors.New("subtask store cannot be nil")
	}
	if generator == nil {
		return nil, errors.New("generator cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Worker{
		subtasks:  subtasks,
		generator: generator,
		logger:    logger,
	}, nil
}

// Process handles one delivery of the subtask. deliveryRetries is the
// delivery layer's attempt counter for this message; it is persisted
// onto the subtask first so the retry ceiling survives process
// restarts.
//
// Every path through Process ends in either a terminal subtask write or
// a retryable outcome handed back for redelivery; a subtask is never
// left stuck in a non-terminal state.
func (w *Worker) Process(ctx context.Context, subtaskID uuid.UUID, deliveryRetries int) Outcome {
	log := w.logger.With("subtask_id", subtaskID)

	sub, err := w.subtasks.GetSubtask(ctx, subtaskID)
	if errors.Is(err, store.ErrSubtaskNotFound) {
		// Nothing to transition; the message references a subtask that
		// no longer exists (e.g. removed by queue surgery after the
		// record was already forced terminal).
		log.Error("subtask not found, dropping delivery")
		return Outcome{Terminal: true}
	}
	if err != nil {
		log.Error("failed to load subtask, requeueing delivery", "error", err)
		return retryableOutcome(uuid.Nil, generation.ErrorKindTransport)
	}

	log = log.With("task_id", sub.TaskID)

	// FAILED deliberately passes this guard: a redelivered message finds
	// its subtask failed from the previous attempt and retries it.
	if sub.Status == domain.StatusCompleted || sub.Status == domain.StatusCancelled {
		log.Info("subtask already settled, dropping delivery", "status", sub.Status)
		return terminalOutcome(sub.TaskID)
	}

	// Synchronize the persisted retry counter from the delivery attempt
	// number before anything else.
	if deliveryRetries > sub.RetryCount {
		if err := w.subtasks.SyncRetryCount(ctx, subtaskID, deliveryRetries); err != nil {
			log.Error("failed to sync retry count", "error", err)
		} else {
			sub.RetryCount = deliveryRetries
		}
	}

	// The ceiling short-circuits before any generation attempt.
	if sub.RetriesExhausted() {
		msg := sub.Error
		if msg == "" {
			msg = fmt.Sprintf("retry limit of %d attempts exceeded", domain.MaxRetryCount)
		}
		log.Warn("retry ceiling reached, forcing failure", "retry_count", sub.RetryCount)
		if err := w.subtasks.MarkFailed(ctx, subtaskID, msg); err != nil {
			log.Error("failed to mark exhausted subtask failed", "error", err)
			return retryableOutcome(sub.TaskID, generation.ErrorKindTransport)
		}
		return terminalOutcome(sub.TaskID)
	}

	if err := w.subtasks.MarkProcessing(ctx, subtaskID); err != nil {
		log.Error("failed to mark subtask processing, requeueing delivery", "error", err)
		return retryableOutcome(sub.TaskID, generation.ErrorKindTransport)
	}

	width, height := DimensionsForRatio(sub.Params.Ratio)
	log.Debug("starting generation attempt",
		"width", width,
		"height", height,
		"seed", sub.Params.Seed,
		"fidelity", sub.Params.Fidelity,
		"retry_count", sub.RetryCount)

	result, err := w.generator.Generate(ctx, generation.Request{
		Prompts:   sub.Params.Prompts,
		Width:     width,
		Height:    height,
		Seed:      sub.Params.Seed,
		UsePolish: sub.Params.UsePolish,
		Fidelity:  sub.Params.Fidelity,
		Options:   sub.Params.Options,
	})
	if err != nil {
		return w.fail(ctx, log, sub, err)
	}

	if err := w.subtasks.MarkCompleted(ctx, subtaskID, result.ImageURL); err != nil {
		log.Error("failed to mark subtask completed, requeueing delivery", "error", err)
		return retryableOutcome(sub.TaskID, generation.ErrorKindTransport)
	}

	log.Info("subtask completed",
		"image_url", result.ImageURL,
		"effective_seed", result.EffectiveSeed)
	out := terminalOutcome(sub.TaskID)
	out.ResultURL = result.ImageURL
	return out
}

// fail writes the failure and classifies it as terminal or retryable.
// Retryable failures are still written failed so the record reflects
// the last attempt while the message waits for redelivery.
func (w *Worker) fail(ctx context.Context, log *slog.Logger, sub *domain.Subtask, genErr error) Outcome {
	kind := generation.KindOf(genErr)

	errMsg := genErr.Error()
	if kind == generation.ErrorKindRemoteTimeout {
		errMsg = fmt.Sprintf("attempt %d: %s", sub.RetryCount+1, errMsg)
	}

	if err := w.subtasks.MarkFailed(ctx, sub.ID, errMsg); err != nil {
		log.Error("failed to record subtask failure, requeueing delivery", "error", err)
		return retryableOutcome(sub.TaskID, generation.ErrorKindTransport)
	}

	if kind.Retryable() {
		log.Warn("generation failed, eligible for redelivery",
			"error_kind", kind,
			"error", genErr)
		return retryableOutcome(sub.TaskID, kind)
	}

	log.Warn("generation failed terminally",
		"error_kind", kind,
		"error", genErr)
	out := terminalOutcome(sub.TaskID)
	out.ErrorKind = kind
	return out
}
