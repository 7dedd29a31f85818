package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/renderq/internal/domain"
	"github.com/phrazzld/renderq/internal/notify"
	"github.com/phrazzld/renderq/internal/queue"
	"github.com/phrazzld/renderq/internal/store"
)

// fakeTaskStore is an in-memory TaskStore.
type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.Task
}

func newFakeTaskStore(tasks ...*domain.Task) *fakeTaskStore {
	s := &fakeTaskStore{tasks: make(map[uuid.UUID]*domain.Task)}
	for _, task := range tasks {
		s.tasks[task.ID] = task
	}
	return s
}

func (s *fakeTaskStore) GetTask(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	cp := *task
	return &cp, nil
}

func (s *fakeTaskStore) UpdateProgress(_ context.Context, id uuid.UUID, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	task.Progress = progress
	return nil
}

func (s *fakeTaskStore) TransitionTerminal(_ context.Context, id uuid.UUID, status domain.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return false, store.ErrTaskNotFound
	}
	if task.Status.IsTerminal() {
		return false, nil
	}
	task.Status = status
	task.Progress = 100
	return true, nil
}

func (s *fakeTaskStore) WithTx(*sql.Tx) store.TaskStore { return s }

func (s *fakeTaskStore) get(t *testing.T, id uuid.UUID) domain.Task {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	require.True(t, ok)
	return *task
}

// fakeSubtaskStore implements the subset of SubtaskStore the aggregator
// touches; the dispatch-side methods are never called here.
type fakeSubtaskStore struct {
	mu       sync.Mutex
	subtasks map[uuid.UUID]*domain.Subtask
}

func newFakeSubtaskStore(subs ...*domain.Subtask) *fakeSubtaskStore {
	s := &fakeSubtaskStore{subtasks: make(map[uuid.UUID]*domain.Subtask)}
	for _, sub := range subs {
		s.subtasks[sub.ID] = sub
	}
	return s
}

func (s *fakeSubtaskStore) GetSubtask(_ context.Context, id uuid.UUID) (*domain.Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subtasks[id]
	if !ok {
		return nil, store.ErrSubtaskNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *fakeSubtaskStore) MarkProcessing(context.Context, uuid.UUID) error { return nil }
func (s *fakeSubtaskStore) MarkCompleted(context.Context, uuid.UUID, string) error {
	return nil
}
func (s *fakeSubtaskStore) MarkFailed(context.Context, uuid.UUID, string) error    { return nil }
func (s *fakeSubtaskStore) MarkCancelled(context.Context, uuid.UUID, string) error { return nil }
func (s *fakeSubtaskStore) SyncRetryCount(context.Context, uuid.UUID, int) error   { return nil }

func (s *fakeSubtaskStore) CountByTask(_ context.Context, taskID uuid.UUID) (store.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var counts store.StatusCounts
	for _, sub := range s.subtasks {
		if sub.TaskID != taskID {
			continue
		}
		counts.Total++
		switch sub.Status {
		case domain.StatusCompleted:
			counts.Completed++
		case domain.StatusFailed:
			counts.Failed++
		case domain.StatusCancelled:
			counts.Cancelled++
		}
	}
	return counts, nil
}

func (s *fakeSubtaskStore) ListNonTerminal(_ context.Context, taskID uuid.UUID) ([]*domain.Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Subtask
	for _, sub := range s.subtasks {
		if sub.TaskID == taskID && !sub.Status.IsTerminal() {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeSubtaskStore) TransitionNonTerminal(_ context.Context, taskID uuid.UUID, to domain.Status, errMsg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subtasks {
		if sub.TaskID == taskID && !sub.Status.IsTerminal() {
			sub.Status = to
			sub.Error = errMsg
			n++
		}
	}
	return n, nil
}

func (s *fakeSubtaskStore) WithTx(*sql.Tx) store.SubtaskStore { return s }

func (s *fakeSubtaskStore) statusOf(t *testing.T, id uuid.UUID) domain.Status {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subtasks[id]
	require.True(t, ok)
	return sub.Status
}

// recordingNotifier captures emitted events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, event notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) all() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events...)
}

// fakeCleaner holds raw backlog entries per queue and removes matches.
type fakeCleaner struct {
	mu      sync.Mutex
	entries map[string][][]byte
}

func newFakeCleaner() *fakeCleaner {
	return &fakeCleaner{entries: make(map[string][][]byte)}
}

func (c *fakeCleaner) add(queueName string, payload any) {
	raw, _ := json.Marshal(map[string]any{"payload": payload})
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[queueName] = append(c.entries[queueName], raw)
}

func (c *fakeCleaner) ScanAndRemove(_ context.Context, queueName string, match queue.MatchFn) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.entries[queueName][:0]
	removed := 0
	for _, entry := range c.entries[queueName] {
		if match(entry) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	c.entries[queueName] = kept
	return removed, nil
}

func (c *fakeCleaner) remaining(queueName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries[queueName])
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAggregator(t *testing.T, tasks *fakeTaskStore, subtasks *fakeSubtaskStore, notifier *recordingNotifier, cleaner *fakeCleaner) *Aggregator {
	t.Helper()
	var qc QueueCleaner
	if cleaner != nil {
		qc = cleaner
	}
	agg, err := NewAggregator(nil, tasks, subtasks, qc,
		[]string{"render_subtask", "render_subtask_ops"},
		notifier, "https://console.example.com", testLogger())
	require.NoError(t, err)
	agg.runInTx = func(ctx context.Context, fn store.TxFn) error {
		return fn(ctx, nil)
	}
	return agg
}

func newAggTask(status domain.Status, total int) *domain.Task {
	return &domain.Task{
		ID:        uuid.New(),
		Name:      "poster batch",
		Submitter: "dana",
		Status:    status,
		Total:     total,
	}
}

func newAggSubtask(taskID uuid.UUID, status domain.Status) *domain.Subtask {
	return &domain.Subtask{ID: uuid.New(), TaskID: taskID, Status: status}
}

func TestAggregator_Reconcile_UpdatesProgressWhileLive(t *testing.T) {
	t.Parallel()

	task := newAggTask(domain.StatusProcessing, 4)
	subs := newFakeSubtaskStore(
		newAggSubtask(task.ID, domain.StatusCompleted),
		newAggSubtask(task.ID, domain.StatusFailed),
		newAggSubtask(task.ID, domain.StatusProcessing),
		newAggSubtask(task.ID, domain.StatusPending),
	)
	tasks := newFakeTaskStore(task)
	notifier := &recordingNotifier{}
	agg := newTestAggregator(t, tasks, subs, notifier, nil)

	require.NoError(t, agg.Reconcile(context.Background(), task.ID))

	got := tasks.get(t, task.ID)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	assert.Equal(t, 50, got.Progress)
	assert.Empty(t, notifier.all(), "no notification before the task settles")
}

func TestAggregator_Reconcile_PartialSuccessCompletes(t *testing.T) {
	t.Parallel()

	task := newAggTask(domain.StatusProcessing, 3)
	subs := newFakeSubtaskStore(
		newAggSubtask(task.ID, domain.StatusCompleted),
		newAggSubtask(task.ID, domain.StatusCompleted),
		newAggSubtask(task.ID, domain.StatusFailed),
	)
	tasks := newFakeTaskStore(task)
	notifier := &recordingNotifier{}
	agg := newTestAggregator(t, tasks, subs, notifier, nil)

	require.NoError(t, agg.Reconcile(context.Background(), task.ID))

	got := tasks.get(t, task.ID)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)

	events := notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventTaskPartialCompleted, events[0].Type)
	assert.Equal(t, "2/3", events[0].Details["succeeded"])
	assert.Equal(t, "1/3", events[0].Details["failed"])
}

func TestAggregator_Reconcile_AllOutcomes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		statuses  []domain.Status
		want      domain.Status
		eventType string
	}{
		{
			name:      "all completed",
			statuses:  []domain.Status{domain.StatusCompleted, domain.StatusCompleted},
			want:      domain.StatusCompleted,
			eventType: notify.EventTaskCompleted,
		},
		{
			name:      "all failed",
			statuses:  []domain.Status{domain.StatusFailed, domain.StatusFailed},
			want:      domain.StatusFailed,
			eventType: notify.EventTaskFailed,
		},
		{
			name:      "all cancelled",
			statuses:  []domain.Status{domain.StatusCancelled, domain.StatusCancelled},
			want:      domain.StatusCancelled,
			eventType: notify.EventTaskCancelled,
		},
		{
			name:      "failed and cancelled mix without completions",
			statuses:  []domain.Status{domain.StatusFailed, domain.StatusCancelled},
			want:      domain.StatusFailed,
			eventType: notify.EventTaskFailed,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			task := newAggTask(domain.StatusProcessing, len(tc.statuses))
			var subtasks []*domain.Subtask
			for _, status := range tc.statuses {
				subtasks = append(subtasks, newAggSubtask(task.ID, status))
			}
			tasks := newFakeTaskStore(task)
			notifier := &recordingNotifier{}
			agg := newTestAggregator(t, tasks, newFakeSubtaskStore(subtasks...), notifier, nil)

			require.NoError(t, agg.Reconcile(context.Background(), task.ID))

			assert.Equal(t, tc.want, tasks.get(t, task.ID).Status)
			events := notifier.all()
			require.Len(t, events, 1)
			assert.Equal(t, tc.eventType, events[0].Type)
		})
	}
}

func TestAggregator_Reconcile_SecondReconcileIsIdempotent(t *testing.T) {
	t.Parallel()

	task := newAggTask(domain.StatusProcessing, 1)
	subs := newFakeSubtaskStore(newAggSubtask(task.ID, domain.StatusCompleted))
	tasks := newFakeTaskStore(task)
	notifier := &recordingNotifier{}
	agg := newTestAggregator(t, tasks, subs, notifier, nil)

	require.NoError(t, agg.Reconcile(context.Background(), task.ID))
	require.NoError(t, agg.Reconcile(context.Background(), task.ID))

	assert.Len(t, notifier.all(), 1, "only the winning reconcile notifies")
}

func TestAggregator_Cancel_PendingTask(t *testing.T) {
	t.Parallel()

	task := newAggTask(domain.StatusPending, 2)
	sub1 := newAggSubtask(task.ID, domain.StatusPending)
	sub2 := newAggSubtask(task.ID, domain.StatusPending)
	subs := newFakeSubtaskStore(sub1, sub2)
	tasks := newFakeTaskStore(task)
	notifier := &recordingNotifier{}
	agg := newTestAggregator(t, tasks, subs, notifier, nil)

	res, err := agg.Cancel(context.Background(), task.ID)
	require.NoError(t, err)

	assert.True(t, res.OK)
	assert.Equal(t, 2, res.ForcedSubtasks)
	assert.Equal(t, domain.StatusCancelled, tasks.get(t, task.ID).Status)
	assert.Equal(t, domain.StatusCancelled, subs.statusOf(t, sub1.ID))
	assert.Equal(t, domain.StatusCancelled, subs.statusOf(t, sub2.ID))

	events := notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventTaskCancelled, events[0].Type)
}

func TestAggregator_Cancel_RefusesNonPending(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status domain.Status
	}{
		{"in progress", domain.StatusProcessing},
		{"already completed", domain.StatusCompleted},
		{"already cancelled", domain.StatusCancelled},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			task := newAggTask(tc.status, 1)
			tasks := newFakeTaskStore(task)
			notifier := &recordingNotifier{}
			agg := newTestAggregator(t, tasks, newFakeSubtaskStore(), notifier, nil)

			res, err := agg.Cancel(context.Background(), task.ID)
			require.NoError(t, err)

			assert.False(t, res.OK)
			assert.NotEmpty(t, res.Reason)
			assert.Equal(t, tc.status, tasks.get(t, task.ID).Status, "refusal must not mutate the task")
			assert.Empty(t, notifier.all())
		})
	}
}

func TestAggregator_ForceComplete_SettlesStuckTask(t *testing.T) {
	t.Parallel()

	task := newAggTask(domain.StatusProcessing, 3)
	done := newAggSubtask(task.ID, domain.StatusCompleted)
	stuck1 := newAggSubtask(task.ID, domain.StatusPending)
	stuck2 := newAggSubtask(task.ID, domain.StatusProcessing)
	subs := newFakeSubtaskStore(done, stuck1, stuck2)
	tasks := newFakeTaskStore(task)
	notifier := &recordingNotifier{}

	cleaner := newFakeCleaner()
	cleaner.add("render_subtask", map[string]string{"subtask_id": stuck1.ID.String()})
	cleaner.add("render_subtask", map[string]string{"subtask_id": uuid.NewString()})
	cleaner.add("render_subtask_ops", map[string]string{"subtask_id": stuck2.ID.String()})

	agg := newTestAggregator(t, tasks, subs, notifier, cleaner)

	res, err := agg.ForceComplete(context.Background(), task.ID)
	require.NoError(t, err)

	assert.True(t, res.OK)
	assert.Equal(t, 2, res.ForcedSubtasks)
	assert.Equal(t, 2, res.RemovedMessages)

	assert.Equal(t, domain.StatusCompleted, tasks.get(t, task.ID).Status)
	assert.Equal(t, domain.StatusCompleted, subs.statusOf(t, done.ID))
	assert.Equal(t, domain.StatusFailed, subs.statusOf(t, stuck1.ID))
	assert.Equal(t, domain.StatusFailed, subs.statusOf(t, stuck2.ID))

	assert.Equal(t, 1, cleaner.remaining("render_subtask"), "unrelated messages stay queued")
	assert.Equal(t, 0, cleaner.remaining("render_subtask_ops"))

	events := notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventTaskForceCompleted, events[0].Type)
	assert.Equal(t, "2", events[0].Details["forced_subtasks"])
	assert.Equal(t, "2", events[0].Details["removed_messages"])
}

func TestAggregator_ForceCancel_CancelsLiveSubtasks(t *testing.T) {
	t.Parallel()

	task := newAggTask(domain.StatusProcessing, 2)
	stuck := newAggSubtask(task.ID, domain.StatusProcessing)
	failed := newAggSubtask(task.ID, domain.StatusFailed)
	subs := newFakeSubtaskStore(stuck, failed)
	tasks := newFakeTaskStore(task)
	notifier := &recordingNotifier{}
	agg := newTestAggregator(t, tasks, subs, notifier, newFakeCleaner())

	res, err := agg.ForceCancel(context.Background(), task.ID)
	require.NoError(t, err)

	assert.True(t, res.OK)
	assert.Equal(t, 1, res.ForcedSubtasks)
	assert.Equal(t, domain.StatusCancelled, tasks.get(t, task.ID).Status)
	assert.Equal(t, domain.StatusCancelled, subs.statusOf(t, stuck.ID))
	assert.Equal(t, domain.StatusFailed, subs.statusOf(t, failed.ID), "already terminal subtasks keep their state")

	events := notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventTaskForceCancelled, events[0].Type)
}

func TestAggregator_Force_RefusesTerminalTask(t *testing.T) {
	t.Parallel()

	task := newAggTask(domain.StatusCompleted, 1)
	tasks := newFakeTaskStore(task)
	notifier := &recordingNotifier{}
	agg := newTestAggregator(t, tasks, newFakeSubtaskStore(), notifier, nil)

	for name, op := range map[string]func(context.Context, uuid.UUID) (OverrideResult, error){
		"force-complete": agg.ForceComplete,
		"force-cancel":   agg.ForceCancel,
	} {
		res, err := op(context.Background(), task.ID)
		require.NoError(t, err, name)
		assert.False(t, res.OK, name)
		assert.NotEmpty(t, res.Reason, name)
	}
	assert.Empty(t, notifier.all())
}

func TestAggregator_Reconcile_UnknownTask(t *testing.T) {
	t.Parallel()

	tasks := newFakeTaskStore()
	notifier := &recordingNotifier{}
	agg := newTestAggregator(t, tasks, newFakeSubtaskStore(), notifier, nil)

	// Zero subtasks means nothing to fold; the reconcile is a no-op.
	require.NoError(t, agg.Reconcile(context.Background(), uuid.New()))
	assert.Empty(t, notifier.all())
}
