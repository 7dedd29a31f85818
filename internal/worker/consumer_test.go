package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/renderq/internal/domain"
	"github.com/phrazzld/renderq/internal/generation"
	"github.com/phrazzld/renderq/internal/queue"
)

type fakeReconciler struct {
	mu    sync.Mutex
	calls []uuid.UUID
}

func (r *fakeReconciler) Reconcile(_ context.Context, taskID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, taskID)
	return nil
}

func (r *fakeReconciler) reconciled() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.calls...)
}

func newTestQueueClient(t *testing.T) *queue.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return queue.NewClientFromRedis(rdb, "dramatiq", testLogger())
}

func popAll(t *testing.T, c *queue.Client, queueName string) []*queue.Message {
	t.Helper()
	var msgs []*queue.Message
	for {
		msg, err := c.Pop(context.Background(), queueName, 50*time.Millisecond)
		require.NoError(t, err)
		if msg == nil {
			return msgs
		}
		msgs = append(msgs, msg)
	}
}

func TestConsumer_Handle_TerminalOutcomeReconciles(t *testing.T) {
	t.Parallel()

	sub := newTestSubtask(domain.StatusPending, 0)
	subs := newFakeSubtaskStore(sub)
	gen := &fakeGenerator{result: generation.Result{ImageURL: "https://cdn.example.com/img.png"}}
	w, err := NewWorker(subs, gen, testLogger())
	require.NoError(t, err)

	client := newTestQueueClient(t)
	rec := &fakeReconciler{}
	pipeline := Pipeline{Queue: "render_subtask", Action: ActionRunSubtask, MaxRedeliveries: 3}
	consumer, err := NewConsumer(client, w, rec, pipeline, testLogger())
	require.NoError(t, err)

	msg, err := queue.NewMessage(pipeline.Queue, pipeline.Action, SubtaskPayload{SubtaskID: sub.ID})
	require.NoError(t, err)

	consumer.handle(context.Background(), msg)

	assert.Equal(t, []uuid.UUID{sub.TaskID}, rec.reconciled())
	assert.Empty(t, popAll(t, client, pipeline.Queue), "terminal outcome must not redeliver")
}

func TestConsumer_Handle_RetryableOutcomeRedelivers(t *testing.T) {
	t.Parallel()

	sub := newTestSubtask(domain.StatusPending, 0)
	subs := newFakeSubtaskStore(sub)
	gen := &fakeGenerator{err: generation.NewError(generation.ErrorKindRemoteFailure, "upstream error")}
	w, err := NewWorker(subs, gen, testLogger())
	require.NoError(t, err)

	client := newTestQueueClient(t)
	rec := &fakeReconciler{}
	pipeline := Pipeline{Queue: "render_subtask", Action: ActionRunSubtask, MaxRedeliveries: 3}
	consumer, err := NewConsumer(client, w, rec, pipeline, testLogger())
	require.NoError(t, err)

	msg, err := queue.NewMessage(pipeline.Queue, pipeline.Action, SubtaskPayload{SubtaskID: sub.ID})
	require.NoError(t, err)

	consumer.handle(context.Background(), msg)

	assert.Empty(t, rec.reconciled(), "retryable outcome must not reconcile yet")

	redelivered := popAll(t, client, pipeline.Queue)
	require.Len(t, redelivered, 1)
	assert.Equal(t, msg.ID, redelivered[0].ID, "redelivery keeps the message id")
	assert.Equal(t, 1, redelivered[0].Retries)

	var payload SubtaskPayload
	require.NoError(t, json.Unmarshal(redelivered[0].Payload, &payload))
	assert.Equal(t, sub.ID, payload.SubtaskID)
}

func TestConsumer_Handle_ExhaustedRedeliveryReconciles(t *testing.T) {
	t.Parallel()

	sub := newTestSubtask(domain.StatusFailed, 3)
	subs := newFakeSubtaskStore(sub)
	gen := &fakeGenerator{err: generation.NewError(generation.ErrorKindRemoteTimeout, "job did not resolve")}
	w, err := NewWorker(subs, gen, testLogger())
	require.NoError(t, err)

	client := newTestQueueClient(t)
	rec := &fakeReconciler{}
	pipeline := Pipeline{Queue: "render_subtask", Action: ActionRunSubtask, MaxRedeliveries: 3}
	consumer, err := NewConsumer(client, w, rec, pipeline, testLogger())
	require.NoError(t, err)

	msg, err := queue.NewMessage(pipeline.Queue, pipeline.Action, SubtaskPayload{SubtaskID: sub.ID})
	require.NoError(t, err)
	msg.Retries = 3

	consumer.handle(context.Background(), msg)

	assert.Equal(t, []uuid.UUID{sub.TaskID}, rec.reconciled())
	assert.Empty(t, popAll(t, client, pipeline.Queue))
}

func TestConsumer_Handle_FidelityPipelineNeverRedelivers(t *testing.T) {
	t.Parallel()

	sub := newTestSubtask(domain.StatusPending, 0)
	sub.Params.Fidelity = true
	subs := newFakeSubtaskStore(sub)
	gen := &fakeGenerator{err: generation.NewError(generation.ErrorKindRemoteFailure, "upstream error")}
	w, err := NewWorker(subs, gen, testLogger())
	require.NoError(t, err)

	client := newTestQueueClient(t)
	rec := &fakeReconciler{}
	pipeline := Pipeline{Queue: "render_subtask_ops", Action: ActionRunFidelitySubtask, MaxRedeliveries: 0}
	consumer, err := NewConsumer(client, w, rec, pipeline, testLogger())
	require.NoError(t, err)

	msg, err := queue.NewMessage(pipeline.Queue, pipeline.Action, SubtaskPayload{SubtaskID: sub.ID})
	require.NoError(t, err)

	consumer.handle(context.Background(), msg)

	assert.Equal(t, []uuid.UUID{sub.TaskID}, rec.reconciled())
	assert.Empty(t, popAll(t, client, pipeline.Queue))
}

func TestConsumer_Handle_DropsMalformedPayload(t *testing.T) {
	t.Parallel()

	subs := newFakeSubtaskStore()
	gen := &fakeGenerator{}
	w, err := NewWorker(subs, gen, testLogger())
	require.NoError(t, err)

	client := newTestQueueClient(t)
	rec := &fakeReconciler{}
	pipeline := Pipeline{Queue: "render_subtask", Action: ActionRunSubtask, MaxRedeliveries: 3}
	consumer, err := NewConsumer(client, w, rec, pipeline, testLogger())
	require.NoError(t, err)

	msg := &queue.Message{
		ID:      uuid.NewString(),
		Queue:   pipeline.Queue,
		Action:  pipeline.Action,
		Payload: json.RawMessage(`{"subtask_id": "not-a-uuid"`),
	}

	consumer.handle(context.Background(), msg)

	assert.Empty(t, rec.reconciled())
	assert.Zero(t, gen.callCount())
}

func TestConsumer_Run_ProcessesEnqueuedMessages(t *testing.T) {
	t.Parallel()

	sub := newTestSubtask(domain.StatusPending, 0)
	subs := newFakeSubtaskStore(sub)
	gen := &fakeGenerator{result: generation.Result{ImageURL: "https://cdn.example.com/img.png"}}
	w, err := NewWorker(subs, gen, testLogger())
	require.NoError(t, err)

	client := newTestQueueClient(t)
	rec := &fakeReconciler{}
	pipeline := Pipeline{Queue: "render_subtask", Action: ActionRunSubtask, MaxRedeliveries: 3}
	consumer, err := NewConsumer(client, w, rec, pipeline, testLogger())
	require.NoError(t, err)

	require.NoError(t, client.Enqueue(context.Background(), pipeline.Queue, pipeline.Action, SubtaskPayload{SubtaskID: sub.ID}, 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		consumer.Run(ctx, 2)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(rec.reconciled()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop after cancellation")
	}

	assert.Equal(t, domain.StatusCompleted, subs.get(t, sub.ID).Status)
}
