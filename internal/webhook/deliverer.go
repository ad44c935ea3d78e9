// Package webhook delivers signed event notifications to tenant endpoints.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/productlens/internal/queue"
	"github.com/kiranshivaraju/productlens/internal/store"
	"github.com/kiranshivaraju/productlens/pkg/models"
)

const (
	// UserAgent identifies outbound deliveries.
	UserAgent = "ProductLens-Webhooks/1.0"

	maxResponseBody = 2000
	maxErrorText    = 500
)

// Header names set on every delivery.
const (
	HeaderSignature  = "X-Webhook-Signature"
	HeaderEvent      = "X-Webhook-Event"
	HeaderDeliveryID = "X-Webhook-Delivery-ID"
)

// Config controls delivery timeouts, retries and auto-disable.
type Config struct {
	Timeout          time.Duration
	MaxAttempts      int
	DisableThreshold int
	BackoffBase      time.Duration
}

// DefaultConfig matches the production defaults.
var DefaultConfig = Config{
	Timeout:          10 * time.Second,
	MaxAttempts:      5,
	DisableThreshold: 10,
	BackoffBase:      30 * time.Second,
}

// Option configures a Deliverer.
type Option func(*Deliverer)

// WithHTTPClient replaces the outbound HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Deliverer) { d.client = c }
}

// WithLogger sets the deliverer logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Deliverer) { d.logger = l }
}

// WithClock replaces time.Now for delivered_at timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Deliverer) { d.now = now }
}

// Deliverer is the deliver_webhook task handler.
type Deliverer struct {
	store  store.WebhookStore
	queue  queue.Enqueuer
	cfg    Config
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewDeliverer creates a Deliverer. Zero Config fields take DefaultConfig values.
func NewDeliverer(s store.WebhookStore, q queue.Enqueuer, cfg Config, opts ...Option) *Deliverer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.DisableThreshold < 1 {
		cfg.DisableThreshold = DefaultConfig.DisableThreshold
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig.BackoffBase
	}
	d := &Deliverer{
		store:  s,
		queue:  q,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle adapts Deliver to the queue worker.
func (d *Deliverer) Handle(ctx context.Context, task *queue.Task) error {
	var wt queue.WebhookTask
	if err := task.Decode(&wt); err != nil {
		return err
	}
	return d.Deliver(ctx, wt)
}

// Deliver sends one attempt, records it, and schedules the next attempt on
// failure. Missing or inactive endpoints are skipped silently.
func (d *Deliverer) Deliver(ctx context.Context, task queue.WebhookTask) error {
	log := d.logger.With("webhook_id", task.EndpointID, "event", task.EventType, "attempt", task.Attempt+1)

	endpoint, err := d.store.GetWebhook(ctx, task.EndpointID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("webhook endpoint gone, dropping delivery")
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading webhook %s: %w", task.EndpointID, err)
	}
	if !endpoint.IsActive {
		log.Info("webhook endpoint inactive, dropping delivery")
		return nil
	}

	delivery := d.send(ctx, endpoint, task)

	updated, err := d.store.RecordWebhookAttempt(ctx, store.DeliveryOutcome{
		Delivery:         delivery,
		DisableThreshold: d.cfg.DisableThreshold,
	})
	if err != nil {
		log.Error("failed to record webhook delivery", "error", err)
		updated = endpoint
	}

	if delivery.Success {
		log.Debug("webhook delivered", "status", *delivery.ResponseStatus)
		return nil
	}
	if !updated.IsActive {
		log.Warn("webhook endpoint disabled after repeated failures", "failure_count", updated.FailureCount)
		return nil
	}
	if task.Attempt+1 >= d.cfg.MaxAttempts {
		return fmt.Errorf("webhook %s: giving up after %d attempts: %s", endpoint.ID, task.Attempt+1, describeFailure(delivery))
	}
	return d.retry(ctx, task, log)
}

// send performs the HTTP POST and returns the delivery row describing it.
func (d *Deliverer) send(ctx context.Context, endpoint *models.WebhookEndpoint, task queue.WebhookTask) *models.WebhookDelivery {
	delivery := &models.WebhookDelivery{
		ID:        uuid.New(),
		WebhookID: endpoint.ID,
		EventType: task.EventType,
		Payload:   task.Payload,
		Attempt:   task.Attempt + 1,
		CreatedAt: d.now().UTC(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(task.Payload))
	if err != nil {
		setError(delivery, err)
		return delivery
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(HeaderSignature, SignatureHeader(task.Payload, endpoint.Secret))
	req.Header.Set(HeaderEvent, task.EventType)
	req.Header.Set(HeaderDeliveryID, delivery.ID.String())

	resp, err := d.client.Do(req)
	if err != nil {
		setError(delivery, err)
		return delivery
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	_, _ = io.Copy(io.Discard, resp.Body)

	status := resp.StatusCode
	text := store.Truncate(string(body), maxResponseBody)
	delivered := d.now().UTC()
	delivery.ResponseStatus = &status
	delivery.ResponseBody = &text
	delivery.DeliveredAt = &delivered
	delivery.Success = status >= 200 && status < 300
	return delivery
}

func (d *Deliverer) retry(ctx context.Context, task queue.WebhookTask, log *slog.Logger) error {
	next := task
	next.Attempt++
	t, err := queue.NewTask(queue.TaskDeliverWebhook, next)
	if err != nil {
		return err
	}
	delay := queue.Backoff(d.cfg.BackoffBase, task.Attempt)
	if _, err := d.queue.Enqueue(ctx, t, queue.WithDelay(delay)); err != nil {
		return fmt.Errorf("scheduling webhook retry: %w", err)
	}
	log.Info("webhook delivery failed, retry scheduled", "retry_in", delay)
	return nil
}

func setError(delivery *models.WebhookDelivery, err error) {
	msg := store.Truncate(err.Error(), maxErrorText)
	delivery.ErrorMessage = &msg
	delivery.Success = false
}

func describeFailure(delivery *models.WebhookDelivery) string {
	if delivery.ErrorMessage != nil {
		return *delivery.ErrorMessage
	}
	if delivery.ResponseStatus != nil {
		return fmt.Sprintf("status %d", *delivery.ResponseStatus)
	}
	return "unknown error"
}
