// Package progress broadcasts pipeline progress to live subscribers and fans
// job outcomes out to tenant webhook endpoints.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/productlens/internal/cache"
	"github.com/kiranshivaraju/productlens/internal/queue"
	"github.com/kiranshivaraju/productlens/internal/store"
	"github.com/kiranshivaraju/productlens/pkg/models"
)

// Step statuses carried on step_update events.
const (
	StepRunning   = "running"
	StepCompleted = "completed"
	StepRetrying  = "retrying"
	StepFailed    = "failed"
)

// Outcome is the terminal result of a job.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// OutcomeForStatus maps a terminal job status to its Outcome.
func OutcomeForStatus(status string) (Outcome, bool) {
	switch status {
	case models.JobStatusCompleted:
		return OutcomeCompleted, true
	case models.JobStatusFailed:
		return OutcomeFailed, true
	case models.JobStatusCancelled:
		return OutcomeCancelled, true
	}
	return "", false
}

func (o Outcome) eventType() string {
	switch o {
	case OutcomeCompleted:
		return models.EventTypeJobComplete
	case OutcomeCancelled:
		return models.EventTypeJobCancelled
	default:
		return models.EventTypeJobFailed
	}
}

func (o Outcome) webhookEvent() string {
	switch o {
	case OutcomeCompleted:
		return models.EventJobCompleted
	case OutcomeCancelled:
		return models.EventJobCancelled
	default:
		return models.EventJobFailed
	}
}

// Broadcaster publishes raw messages on a named channel.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// StatusCache remembers the latest status of a job for cheap polling.
type StatusCache interface {
	SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error
}

// EndpointSource finds the webhook endpoints interested in a job.
type EndpointSource interface {
	ResolveJobTenant(ctx context.Context, jobID uuid.UUID) (uuid.UUID, error)
	ListActiveWebhooks(ctx context.Context, tenantID uuid.UUID) ([]*models.WebhookEndpoint, error)
}

// StepEvent describes one stage transition of one image.
type StepEvent struct {
	JobID    uuid.UUID
	ImageID  uuid.UUID
	Stage    models.Stage
	Status   string
	Progress *models.StepProgress
	Data     map[string]any
}

// StatusTTL bounds how long a terminal status stays in the cache.
const StatusTTL = 24 * time.Hour

// Publisher is safe for concurrent use.
type Publisher struct {
	broadcaster Broadcaster
	endpoints   EndpointSource
	queue       queue.Enqueuer
	status      StatusCache
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithStatusCache refreshes the job status key on terminal events.
func WithStatusCache(c StatusCache) Option {
	return func(p *Publisher) { p.status = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// NewPublisher creates a Publisher. endpoints and q may be nil, which
// disables webhook fan-out.
func NewPublisher(b Broadcaster, endpoints EndpointSource, q queue.Enqueuer, opts ...Option) *Publisher {
	p := &Publisher{
		broadcaster: b,
		endpoints:   endpoints,
		queue:       q,
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishStepEvent broadcasts a step_update message. Failures are logged.
func (p *Publisher) PublishStepEvent(ctx context.Context, ev StepEvent) {
	imageID := ev.ImageID
	p.broadcast(ctx, models.ProgressEvent{
		Type:      models.EventTypeStepUpdate,
		JobID:     ev.JobID,
		ImageID:   &imageID,
		Step:      ev.Stage,
		Status:    ev.Status,
		Progress:  ev.Progress,
		Data:      ev.Data,
		Timestamp: p.now(),
	})
}

// PublishJobTerminal broadcasts the terminal message for a job and dispatches
// the matching job.* webhooks. details is merged into both payloads.
func (p *Publisher) PublishJobTerminal(ctx context.Context, jobID uuid.UUID, outcome Outcome, details map[string]any) {
	p.broadcast(ctx, models.ProgressEvent{
		Type:      outcome.eventType(),
		JobID:     jobID,
		Status:    string(outcome),
		Data:      details,
		Timestamp: p.now(),
	})

	if p.status != nil {
		if err := p.status.SetJobStatus(ctx, jobID, string(outcome), StatusTTL); err != nil {
			p.logger.Warn("failed to cache job status", "job_id", jobID, "error", err)
		}
	}

	p.DispatchWebhooks(ctx, jobID, outcome.webhookEvent(), details)
}

func (p *Publisher) broadcast(ctx context.Context, ev models.ProgressEvent) {
	if p.broadcaster == nil {
		return
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to encode progress event", "job_id", ev.JobID, "error", err)
		return
	}
	if err := p.broadcaster.Publish(ctx, cache.JobChannel(ev.JobID), msg); err != nil {
		p.logger.Warn("failed to publish progress event",
			"job_id", ev.JobID, "type", ev.Type, "error", err)
	}
}

// DispatchWebhooks enqueues one deliver_webhook task for every active endpoint
// of the job's tenant subscribed to eventType. It returns how many were enqueued.
// Errors are logged and dropped.
func (p *Publisher) DispatchWebhooks(ctx context.Context, jobID uuid.UUID, eventType string, details map[string]any) int {
	if p.endpoints == nil || p.queue == nil {
		return 0
	}

	tenantID, err := p.endpoints.ResolveJobTenant(ctx, jobID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("failed to resolve job tenant for webhooks", "job_id", jobID, "error", err)
		}
		return 0
	}

	endpoints, err := p.endpoints.ListActiveWebhooks(ctx, tenantID)
	if err != nil {
		p.logger.Warn("failed to list webhooks", "job_id", jobID, "tenant_id", tenantID, "error", err)
		return 0
	}

	var payload json.RawMessage
	sent := 0
	for _, ep := range endpoints {
		if !ep.Subscribes(eventType) {
			continue
		}
		if payload == nil {
			if payload, err = buildPayload(eventType, jobID, p.now(), details); err != nil {
				p.logger.Error("failed to encode webhook payload", "job_id", jobID, "error", err)
				return 0
			}
		}

		task, err := queue.NewTask(queue.TaskDeliverWebhook, queue.WebhookTask{
			EndpointID: ep.ID,
			EventType:  eventType,
			Payload:    payload,
		})
		if err != nil {
			p.logger.Error("failed to build webhook task", "endpoint_id", ep.ID, "error", err)
			continue
		}
		if _, err := p.queue.Enqueue(ctx, task); err != nil {
			p.logger.Warn("failed to enqueue webhook delivery",
				"endpoint_id", ep.ID, "event", eventType, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// buildPayload renders {"event","job_id","timestamp",...details}. Reserved
// keys win over details.
func buildPayload(eventType string, jobID uuid.UUID, now time.Time, details map[string]any) (json.RawMessage, error) {
	body := make(map[string]any, len(details)+3)
	for k, v := range details {
		body[k] = v
	}
	body["event"] = eventType
	body["job_id"] = jobID.String()
	body["timestamp"] = now.Format(time.RFC3339Nano)
	return json.Marshal(body)
}
