package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/renderq/internal/queue"
)

// popTimeout bounds each blocking pop so the consumer can promote
// delayed messages and observe context cancellation between waits.
const popTimeout = 2 * time.Second

// connectionBackoff is the pause after a broker connectivity failure
// before the consumer tries again.
const connectionBackoff = 5 * time.Second

// Reconciler recomputes a task's aggregate state after one of its
// subtasks reaches a terminal state.
type Reconciler interface {
	Reconcile(ctx context.Context, taskID uuid.UUID) error
}

// SubtaskPayload is the dispatch message payload. Administrative
// cleanup matches subtask ids against the serialized form, so the
// field name is part of the wire contract.
type SubtaskPayload struct {
	SubtaskID uuid.UUID `json:"subtask_id"`
}

// Consumer pops dispatch messages for one pipeline and feeds them to
// the worker, redelivering retryable outcomes within the pipeline's
// bound and triggering task aggregation after terminal ones.
type Consumer struct {
	client     *queue.Client
	worker     *Worker
	reconciler Reconciler
	pipeline   Pipeline
	logger     *slog.Logger
}

// NewConsumer builds a consumer for the given pipeline.
func NewConsumer(client *queue.Client, w *Worker, reconciler Reconciler, pipeline Pipeline, logger *slog.Logger) (*Consumer, error) {
	if client == nil {
		return nil, errors.New("queue client cannot be nil")
	}
	if w == nil {
		return nil, errors.New("worker cannot be nil")
	}
	if reconciler == nil {
		return nil, errors.New("reconciler cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Consumer{
		client:     client,
		worker:     w,
		reconciler: reconciler,
		pipeline:   pipeline,
		logger:     logger.With("queue", pipeline.Queue),
	}, nil
}

// Run consumes messages with the given concurrency until the context
// is cancelled. It returns once every consumer goroutine has drained.
func (c *Consumer) Run(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx)
		}()
	}
	wg.Wait()
}

func (c *Consumer) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := c.client.PromoteDue(ctx, c.pipeline.Queue); err != nil {
			c.logger.Warn("failed to promote delayed messages", "error", err)
		}

		msg, err := c.client.Pop(ctx, c.pipeline.Queue, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("failed to pop message, backing off", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(connectionBackoff):
			}
			continue
		}
		if msg == nil {
			continue
		}

		c.handle(ctx, msg)
	}
}

// handle processes one delivery end to end. A popped message is never
// silently dropped: malformed payloads are logged, retryable outcomes
// are redelivered within the bound and everything else reconciles the
// owning task.
func (c *Consumer) handle(ctx context.Context, msg *queue.Message) {
	var payload SubtaskPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.logger.Error("dropping undecodable message payload",
			"message_id", msg.ID,
			"error", err)
		return
	}
	if payload.SubtaskID == uuid.Nil {
		c.logger.Error("dropping message without subtask id", "message_id", msg.ID)
		return
	}

	outcome := c.worker.Process(ctx, payload.SubtaskID, msg.Retries)

	if outcome.Retryable && msg.Retries < c.pipeline.MaxRedeliveries {
		msg.Retries++
		if err := c.client.EnqueueMessage(ctx, msg, c.pipeline.RedeliveryDelay); err != nil {
			c.logger.Error("failed to redeliver message",
				"message_id", msg.ID,
				"subtask_id", payload.SubtaskID,
				"error", err)
			return
		}
		c.logger.Info("message redelivered",
			"message_id", msg.ID,
			"subtask_id", payload.SubtaskID,
			"retries", msg.Retries,
			"error_kind", outcome.ErrorKind)
		return
	}

	if outcome.TaskID == uuid.Nil {
		return
	}

	// Redelivery is exhausted or the subtask is terminal either way;
	// the task aggregate must be recomputed.
	if err := c.reconciler.Reconcile(ctx, outcome.TaskID); err != nil {
		c.logger.Error("failed to reconcile task",
			"task_id", outcome.TaskID,
			"subtask_id", payload.SubtaskID,
			"error", err)
	}
}
