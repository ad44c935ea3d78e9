package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EnqueuedTask records one Enqueue call on a MemoryQueue.
type EnqueuedTask struct {
	Task  Task
	Delay time.Duration
}

// MemoryQueue is an in-process queue for tests and single-binary development runs.
type MemoryQueue struct {
	mu            sync.Mutex
	ready         map[string][]*Task
	delayed       []delayedTask
	revokedTasks  map[string]bool
	revokedGroups map[string]bool
	enqueued      []EnqueuedTask
	acked         []string

	// EnqueueErr, when set, is returned by Enqueue and EnqueueGroup.
	EnqueueErr error
}

type delayedTask struct {
	task    *Task
	readyAt time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		ready:         make(map[string][]*Task),
		revokedTasks:  make(map[string]bool),
		revokedGroups: make(map[string]bool),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, task Task, opts ...Option) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.EnqueueErr != nil {
		return "", q.EnqueueErr
	}
	o := applyOptions(opts)
	if err := prepareMemory(&task); err != nil {
		return "", err
	}

	q.enqueued = append(q.enqueued, EnqueuedTask{Task: task, Delay: o.Delay})
	t := task
	if o.Delay > 0 {
		q.delayed = append(q.delayed, delayedTask{task: &t, readyAt: task.EnqueuedAt.Add(o.Delay)})
	} else {
		q.ready[t.Queue] = append(q.ready[t.Queue], &t)
	}
	return task.ID, nil
}

func (q *MemoryQueue) EnqueueGroup(_ context.Context, tasks []Task) (string, []string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.EnqueueErr != nil {
		return "", nil, q.EnqueueErr
	}
	if len(tasks) == 0 {
		return "", nil, ErrEmptyGroup
	}

	groupID := uuid.NewString()
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		task.GroupID = groupID
		if err := prepareMemory(&task); err != nil {
			return "", nil, err
		}
		t := task
		q.enqueued = append(q.enqueued, EnqueuedTask{Task: task})
		q.ready[t.Queue] = append(q.ready[t.Queue], &t)
		ids = append(ids, task.ID)
	}
	return groupID, ids, nil
}

func (q *MemoryQueue) Revoke(_ context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.revokedTasks[taskID] = true
	return nil
}

func (q *MemoryQueue) RevokeGroup(_ context.Context, groupID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.revokedGroups[groupID] = true
	return nil
}

// Dequeue never blocks longer than a few milliseconds; it returns nil, nil when empty.
func (q *MemoryQueue) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Task, error) {
	q.mu.Lock()
	for len(q.ready[queue]) > 0 {
		task := q.ready[queue][0]
		q.ready[queue] = q.ready[queue][1:]
		if q.revokedTasks[task.ID] || (task.GroupID != "" && q.revokedGroups[task.GroupID]) {
			continue
		}
		q.mu.Unlock()
		return task, nil
	}
	q.mu.Unlock()

	wait := min(timeout, 5*time.Millisecond)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(wait):
		return nil, nil
	}
}

// Ack records the acknowledgement. Tasks are not leased in memory.
func (q *MemoryQueue) Ack(_ context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, task.ID)
	return nil
}

func (q *MemoryQueue) ReclaimExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Acked returns the IDs of acknowledged tasks, in order.
func (q *MemoryQueue) Acked() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.acked))
	copy(out, q.acked)
	return out
}

func (q *MemoryQueue) PromoteDue(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.delayed[:0]
	promoted := 0
	for _, d := range q.delayed {
		if d.readyAt.After(now) {
			kept = append(kept, d)
			continue
		}
		q.ready[d.task.Queue] = append(q.ready[d.task.Queue], d.task)
		promoted++
	}
	q.delayed = kept
	return promoted, nil
}

// Enqueued returns every task accepted so far, in order.
func (q *MemoryQueue) Enqueued() []EnqueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]EnqueuedTask, len(q.enqueued))
	copy(out, q.enqueued)
	return out
}

// EnqueuedOf filters Enqueued by task type.
func (q *MemoryQueue) EnqueuedOf(t TaskType) []EnqueuedTask {
	var out []EnqueuedTask
	for _, e := range q.Enqueued() {
		if e.Task.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// IsRevoked reports whether a task was revoked directly or through its group.
func (q *MemoryQueue) IsRevoked(task Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.revokedTasks[task.ID] || (task.GroupID != "" && q.revokedGroups[task.GroupID])
}

func prepareMemory(task *Task) error {
	if task.Queue == "" {
		name, err := QueueFor(task.Type)
		if err != nil {
			return err
		}
		task.Queue = name
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.EnqueuedAt = time.Now().UTC()
	return nil
}

var (
	_ Enqueuer = (*MemoryQueue)(nil)
	_ Source   = (*MemoryQueue)(nil)
)
