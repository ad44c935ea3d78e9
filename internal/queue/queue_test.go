package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/productlens/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Backoff ---

func TestBackoff(t *testing.T) {
	base := 30 * time.Second
	assert.Equal(t, 30*time.Second, queue.Backoff(base, 0))
	assert.Equal(t, 60*time.Second, queue.Backoff(base, 1))
	assert.Equal(t, 120*time.Second, queue.Backoff(base, 2))
	assert.Equal(t, 30*time.Second, queue.Backoff(base, -1))
}

// --- Routing ---

func TestQueueFor(t *testing.T) {
	q, err := queue.QueueFor(queue.TaskProcessImage)
	require.NoError(t, err)
	assert.Equal(t, queue.QueueImageProcessing, q)

	q, err = queue.QueueFor(queue.TaskDeliverWebhook)
	require.NoError(t, err)
	assert.Equal(t, queue.QueueWebhooks, q)

	_, err = queue.QueueFor("resize_thumbnail")
	assert.ErrorIs(t, err, queue.ErrUnknownTaskType)
}

func TestNewTask_RoundTripsPayload(t *testing.T) {
	in := queue.ImageTask{JobID: uuid.New(), ImageID: uuid.New(), Attempt: 2}
	task, err := queue.NewTask(queue.TaskProcessImage, in)
	require.NoError(t, err)
	assert.Equal(t, queue.QueueImageProcessing, task.Queue)
	assert.NotEmpty(t, task.ID)

	var out queue.ImageTask
	require.NoError(t, task.Decode(&out))
	assert.Equal(t, in, out)
}

// --- MemoryQueue ---

func TestMemoryQueue_RevokedGroupIsDropped(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()

	tasks := make([]queue.Task, 3)
	for i := range tasks {
		task, err := queue.NewTask(queue.TaskProcessImage, queue.ImageTask{JobID: uuid.New()})
		require.NoError(t, err)
		tasks[i] = task
	}
	groupID, ids, err := q.EnqueueGroup(ctx, tasks)
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	require.NoError(t, q.RevokeGroup(ctx, groupID))

	got, err := q.Dequeue(ctx, queue.QueueImageProcessing, time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryQueue_DelayedTaskPromotedWhenDue(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()

	task, err := queue.NewTask(queue.TaskDeliverWebhook, queue.WebhookTask{EndpointID: uuid.New()})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, task, queue.WithDelay(time.Minute))
	require.NoError(t, err)

	n, err := q.PromoteDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.PromoteDue(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Dequeue(ctx, queue.QueueWebhooks, time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)

	recorded := q.EnqueuedOf(queue.TaskDeliverWebhook)
	require.Len(t, recorded, 1)
	assert.Equal(t, time.Minute, recorded[0].Delay)
}

func TestMemoryQueue_EnqueueErr(t *testing.T) {
	q := queue.NewMemoryQueue()
	q.EnqueueErr = errors.New("broker down")

	task, err := queue.NewTask(queue.TaskProcessImage, queue.ImageTask{})
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), task)
	assert.EqualError(t, err, "broker down")
	assert.Empty(t, q.Enqueued())
}

// --- Worker ---

func TestWorker_DispatchesByType(t *testing.T) {
	q := queue.NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var images, webhooks atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)

	w := queue.NewWorker(q,
		queue.WorkerQueue(queue.QueueImageProcessing, 2),
		queue.WorkerQueue(queue.QueueWebhooks, 1),
		queue.PollInterval(10*time.Millisecond),
	)
	w.Handle(queue.TaskProcessImage, func(ctx context.Context, task *queue.Task) error {
		images.Add(1)
		wg.Done()
		return nil
	})
	w.Handle(queue.TaskDeliverWebhook, func(ctx context.Context, task *queue.Task) error {
		webhooks.Add(1)
		wg.Done()
		return nil
	})

	for _, typ := range []queue.TaskType{queue.TaskProcessImage, queue.TaskProcessImage, queue.TaskDeliverWebhook} {
		task, err := queue.NewTask(typ, map[string]string{})
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, task)
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	waitOrFail(t, &wg)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, int32(2), images.Load())
	assert.Equal(t, int32(1), webhooks.Load())
}

func TestWorker_RecoversFromPanic(t *testing.T) {
	q := queue.NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	var calls atomic.Int32

	w := queue.NewWorker(q,
		queue.WorkerQueue(queue.QueueWebhooks, 1),
		queue.PollInterval(10*time.Millisecond),
	)
	w.Handle(queue.TaskDeliverWebhook, func(ctx context.Context, task *queue.Task) error {
		defer wg.Done()
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})

	for i := 0; i < 2; i++ {
		task, err := queue.NewTask(queue.TaskDeliverWebhook, queue.WebhookTask{})
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, task)
		require.NoError(t, err)
	}

	go func() { _ = w.Start(ctx) }()
	waitOrFail(t, &wg)
	assert.Equal(t, int32(2), calls.Load(), "worker keeps running after a panicking task")
}

func TestWorker_RunsPromotedTasks(t *testing.T) {
	q := queue.NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)

	w := queue.NewWorker(q,
		queue.WorkerQueue(queue.QueueWebhooks, 1),
		queue.PollInterval(10*time.Millisecond),
	)
	w.Handle(queue.TaskDeliverWebhook, func(ctx context.Context, task *queue.Task) error {
		wg.Done()
		return nil
	})

	task, err := queue.NewTask(queue.TaskDeliverWebhook, queue.WebhookTask{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, task, queue.WithDelay(20*time.Millisecond))
	require.NoError(t, err)

	go func() { _ = w.Start(ctx) }()
	waitOrFail(t, &wg)
}

func TestWorker_AcknowledgesEveryOutcome(t *testing.T) {
	q := queue.NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	w := queue.NewWorker(q,
		queue.WorkerQueue(queue.QueueWebhooks, 1),
		queue.PollInterval(10*time.Millisecond),
	)
	w.Handle(queue.TaskDeliverWebhook, func(ctx context.Context, task *queue.Task) error {
		switch calls.Add(1) {
		case 1:
			return errors.New("receiver down")
		case 2:
			panic("boom")
		}
		return nil
	})

	ids := make([]string, 3)
	for i := range ids {
		task, err := queue.NewTask(queue.TaskDeliverWebhook, queue.WebhookTask{})
		require.NoError(t, err)
		ids[i], err = q.Enqueue(ctx, task)
		require.NoError(t, err)
	}

	go func() { _ = w.Start(ctx) }()
	require.Eventually(t, func() bool { return len(q.Acked()) == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, ids, q.Acked())
}

func TestWorker_MissingHandlerForConsumedQueue(t *testing.T) {
	w := queue.NewWorker(queue.NewMemoryQueue(), queue.WorkerQueue(queue.QueueImageProcessing, 1))

	err := w.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(queue.TaskProcessImage))
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tasks")
	}
}
