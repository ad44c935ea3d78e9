// Package queue routes background tasks through Redis and runs them on a worker pool.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrEmptyGroup      = errors.New("task group is empty")
)

// TaskType names a unit of background work.
type TaskType string

const (
	TaskProcessImage   TaskType = "process_image"
	TaskDeliverWebhook TaskType = "deliver_webhook"
)

// Queue names.
const (
	QueueImageProcessing = "image_processing"
	QueueWebhooks        = "webhooks"
)

// Routes maps each task type to the queue that carries it.
var Routes = map[TaskType]string{
	TaskProcessImage:   QueueImageProcessing,
	TaskDeliverWebhook: QueueWebhooks,
}

// QueueFor resolves the queue for a task type.
func QueueFor(t TaskType) (string, error) {
	q, ok := Routes[t]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTaskType, t)
	}
	return q, nil
}

// Task is the envelope stored in Redis.
type Task struct {
	ID         string          `json:"id"`
	Type       TaskType        `json:"type"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	GroupID    string          `json:"group_id,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`

	// raw is the encoding a RedisQueue dequeued, needed to acknowledge it.
	raw string
}

// NewTask builds a routed task with a fresh ID.
func NewTask(typ TaskType, payload any) (Task, error) {
	q, err := QueueFor(typ)
	if err != nil {
		return Task{}, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Task{
		ID:      uuid.NewString(),
		Type:    typ,
		Queue:   q,
		Payload: data,
	}, nil
}

// Decode unmarshals the task payload into v.
func (t *Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Type, err)
	}
	return nil
}

// ImageTask is the process_image payload.
type ImageTask struct {
	JobID     uuid.UUID  `json:"job_id"`
	ImageID   uuid.UUID  `json:"image_id"`
	SubjectID *uuid.UUID `json:"subject_id,omitempty"`
	Attempt   int        `json:"attempt"`
}

// WebhookTask is the deliver_webhook payload.
type WebhookTask struct {
	EndpointID uuid.UUID       `json:"endpoint_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
}

// EnqueueOptions holds per-call enqueue settings.
type EnqueueOptions struct {
	Delay time.Duration
}

// Option modifies EnqueueOptions.
type Option func(*EnqueueOptions)

// WithDelay holds the task back until d has elapsed.
func WithDelay(d time.Duration) Option {
	return func(o *EnqueueOptions) {
		o.Delay = d
	}
}

func applyOptions(opts []Option) EnqueueOptions {
	var o EnqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Enqueuer is the producer side of the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task Task, opts ...Option) (string, error)
	EnqueueGroup(ctx context.Context, tasks []Task) (string, []string, error)
	Revoke(ctx context.Context, taskID string) error
	RevokeGroup(ctx context.Context, groupID string) error
}

// Source is the consumer side of the queue. A dequeued task stays leased
// until it is acknowledged; an unacknowledged task is handed out again once
// its lease expires and ReclaimExpired runs.
type Source interface {
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Task, error)
	Ack(ctx context.Context, task *Task) error
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)
}
