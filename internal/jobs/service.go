// Package jobs owns the job lifecycle: creation with fan-out to the task
// queue, cancellation, and the per-image outcome accounting that decides when
// a job reaches its terminal state.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/productlens/internal/config"
	"github.com/kiranshivaraju/productlens/internal/progress"
	"github.com/kiranshivaraju/productlens/internal/queue"
	"github.com/kiranshivaraju/productlens/internal/store"
	"github.com/kiranshivaraju/productlens/pkg/models"
)

var (
	// ErrInvalidRequest is returned for malformed create requests.
	ErrInvalidRequest = errors.New("invalid job request")
	// ErrImageNotFound is returned when an image does not exist or belongs to another tenant.
	ErrImageNotFound = errors.New("image not found")
	// ErrNotCancellable is returned when cancelling a job that already finished.
	ErrNotCancellable = errors.New("job is not cancellable")
	// ErrEnqueue is returned when the job was persisted but could not be queued.
	ErrEnqueue = errors.New("failed to enqueue job")
)

const statusTTL = 30 * time.Minute

// CreateParams describes a job request.
type CreateParams struct {
	TenantID uuid.UUID
	OwnerID  uuid.UUID
	Kind     string
	ImageIDs []uuid.UUID
}

// Recorded is the result of RecordOutcome.
type Recorded struct {
	Job *models.Job
	// Terminal is true only for the call that moved the job to a terminal state.
	Terminal bool
	// Ignored is true when the job was already terminal and nothing changed.
	Ignored bool
}

// TerminalPublisher announces terminal job outcomes.
type TerminalPublisher interface {
	PublishJobTerminal(ctx context.Context, jobID uuid.UUID, outcome progress.Outcome, details map[string]any)
}

// StatusCache mirrors job status for cheap reads.
type StatusCache interface {
	SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error
}

// Service is the job orchestrator.
type Service struct {
	store     store.Store
	queue     queue.Enqueuer
	publisher TerminalPublisher
	cache     StatusCache
	policy    string
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithPolicy sets the terminal policy (config.PolicyAnyFailure or config.PolicyPartialSuccess).
func WithPolicy(policy string) Option {
	return func(s *Service) { s.policy = policy }
}

func WithStatusCache(c StatusCache) Option {
	return func(s *Service) { s.cache = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a Service. publisher may be nil.
func NewService(st store.Store, q queue.Enqueuer, publisher TerminalPublisher, opts ...Option) *Service {
	s := &Service{
		store:     st,
		queue:     q,
		publisher: publisher,
		policy:    config.PolicyAnyFailure,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create persists a queued job with its steps and hands the work to the queue.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.Job, error) {
	imageIDs, err := validate(p)
	if err != nil {
		return nil, err
	}

	n, err := s.store.CountTenantImages(ctx, p.TenantID, imageIDs)
	if err != nil {
		return nil, fmt.Errorf("checking images: %w", err)
	}
	if n != len(imageIDs) {
		return nil, fmt.Errorf("%w: %d of %d images are unknown", ErrImageNotFound, len(imageIDs)-n, len(imageIDs))
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:          uuid.New(),
		TenantID:    p.TenantID,
		OwnerID:     p.OwnerID,
		Kind:        p.Kind,
		Status:      models.JobStatusQueued,
		TotalImages: len(imageIDs),
		Metadata:    map[string]string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InitializeJob(ctx, job, imageIDs); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	_ = s.setStatus(ctx, job.ID, models.JobStatusQueued)

	taskRef, metadata, err := s.enqueue(ctx, job, imageIDs)
	if err != nil {
		msg := err.Error()
		if ferr := s.store.FailJob(ctx, job.ID, msg); ferr != nil {
			s.logger.Error("failed to mark job failed after enqueue error", "job_id", job.ID, "error", ferr)
		}
		_ = s.setStatus(ctx, job.ID, models.JobStatusFailed)
		return nil, fmt.Errorf("%w: %v", ErrEnqueue, err)
	}

	if err := s.store.SetJobTaskRef(ctx, job.ID, taskRef, metadata); err != nil {
		s.logger.Warn("failed to store task reference", "job_id", job.ID, "error", err)
	}

	s.logger.Info("job created", "job_id", job.ID, "kind", job.Kind, "images", job.TotalImages)
	return s.load(ctx, job.ID)
}

func validate(p CreateParams) ([]uuid.UUID, error) {
	if p.Kind != models.JobKindSingle && p.Kind != models.JobKindBatch {
		return nil, fmt.Errorf("%w: kind must be %s or %s, got %q", ErrInvalidRequest, models.JobKindSingle, models.JobKindBatch, p.Kind)
	}
	if len(p.ImageIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one image is required", ErrInvalidRequest)
	}

	seen := make(map[uuid.UUID]bool, len(p.ImageIDs))
	ids := make([]uuid.UUID, 0, len(p.ImageIDs))
	for _, id := range p.ImageIDs {
		if id == uuid.Nil {
			return nil, fmt.Errorf("%w: image id must not be empty", ErrInvalidRequest)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	if p.Kind == models.JobKindSingle && len(ids) != 1 {
		return nil, fmt.Errorf("%w: a single job takes exactly one image, got %d", ErrInvalidRequest, len(ids))
	}
	return ids, nil
}

func (s *Service) enqueue(ctx context.Context, job *models.Job, imageIDs []uuid.UUID) (string, map[string]string, error) {
	owner := job.OwnerID
	tasks := make([]queue.Task, 0, len(imageIDs))
	for _, id := range imageIDs {
		task, err := queue.NewTask(queue.TaskProcessImage, queue.ImageTask{
			JobID:     job.ID,
			ImageID:   id,
			SubjectID: &owner,
		})
		if err != nil {
			return "", nil, err
		}
		tasks = append(tasks, task)
	}

	if job.Kind == models.JobKindSingle {
		id, err := s.queue.Enqueue(ctx, tasks[0])
		if err != nil {
			return "", nil, err
		}
		return id, nil, nil
	}

	groupID, _, err := s.queue.EnqueueGroup(ctx, tasks)
	if err != nil {
		return "", nil, err
	}
	return groupID, map[string]string{models.MetadataGroupID: groupID}, nil
}

// Get returns the job with its steps. Jobs of other owners are reported as store.ErrNotFound.
func (s *Service) Get(ctx context.Context, jobID, ownerID uuid.UUID) (*models.Job, error) {
	job, err := s.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return job, nil
}

func (s *Service) load(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListSteps(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing steps: %w", err)
	}
	job.Steps = steps
	return job, nil
}

// Cancel revokes outstanding work and moves the job to cancelled. Stages
// already executing finish, but their updates are ignored.
func (s *Service) Cancel(ctx context.Context, jobID, ownerID uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	if job.IsTerminal() {
		return nil, fmt.Errorf("%w: job is %s", ErrNotCancellable, job.Status)
	}

	s.revoke(ctx, job)

	cancelled, err := s.store.CancelJob(ctx, jobID)
	if errors.Is(err, store.ErrJobTerminal) {
		return nil, fmt.Errorf("%w: job finished concurrently", ErrNotCancellable)
	}
	if err != nil {
		return nil, fmt.Errorf("cancelling job: %w", err)
	}

	s.logger.Info("job cancelled", "job_id", jobID)
	_ = s.setStatus(ctx, jobID, models.JobStatusCancelled)
	if s.publisher != nil {
		s.publisher.PublishJobTerminal(ctx, jobID, progress.OutcomeCancelled, Details(cancelled))
	}
	return cancelled, nil
}

func (s *Service) revoke(ctx context.Context, job *models.Job) {
	if groupID := job.Metadata[models.MetadataGroupID]; groupID != "" {
		if err := s.queue.RevokeGroup(ctx, groupID); err != nil {
			s.logger.Warn("failed to revoke task group", "job_id", job.ID, "group_id", groupID, "error", err)
		}
		return
	}
	if job.TaskRef != nil {
		if err := s.queue.Revoke(ctx, *job.TaskRef); err != nil {
			s.logger.Warn("failed to revoke task", "job_id", job.ID, "task_id", *job.TaskRef, "error", err)
		}
	}
}

// MarkProcessing moves a queued job to processing. Any other status is left alone.
func (s *Service) MarkProcessing(ctx context.Context, jobID uuid.UUID) error {
	moved, err := s.store.MarkJobProcessing(ctx, jobID)
	if err != nil {
		return fmt.Errorf("marking job processing: %w", err)
	}
	if moved {
		_ = s.setStatus(ctx, jobID, models.JobStatusProcessing)
	}
	return nil
}

// RecordOutcome counts one finished image and applies the terminal policy.
// Outcomes arriving after the job is terminal, and repeats for an image that
// was already counted, are ignored.
func (s *Service) RecordOutcome(ctx context.Context, jobID, imageID uuid.UUID, success bool, errText string) (Recorded, error) {
	job, terminal, err := s.store.RecordImageOutcome(ctx, jobID, imageID, success, errText, Decider(s.policy))
	if errors.Is(err, store.ErrJobTerminal) || errors.Is(err, store.ErrOutcomeRecorded) {
		return Recorded{Ignored: true}, nil
	}
	if err != nil {
		return Recorded{}, fmt.Errorf("recording image outcome: %w", err)
	}
	if terminal {
		_ = s.setStatus(ctx, jobID, job.Status)
		s.logger.Info("job finished", "job_id", jobID, "status", job.Status,
			"processed", job.ProcessedImages, "failed", job.FailedImages)
	}
	return Recorded{Job: job, Terminal: terminal}, nil
}

func (s *Service) setStatus(ctx context.Context, jobID uuid.UUID, status string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.SetJobStatus(ctx, jobID, status, statusTTL)
}

// Decider returns the store.OutcomeDecider for a terminal policy. A job stays
// open while images are outstanding. Unknown policies behave as any_failure.
func Decider(policy string) store.OutcomeDecider {
	return func(j *models.Job) string {
		if j.Outstanding() > 0 {
			return ""
		}
		if policy == config.PolicyPartialSuccess {
			if j.ProcessedImages > 0 {
				return models.JobStatusCompleted
			}
			return models.JobStatusFailed
		}
		if j.FailedImages > 0 {
			return models.JobStatusFailed
		}
		return models.JobStatusCompleted
	}
}

// Details is the summary attached to terminal events and webhook payloads.
func Details(j *models.Job) map[string]any {
	d := map[string]any{
		"status":           j.Status,
		"total_images":     j.TotalImages,
		"processed_images": j.ProcessedImages,
		"failed_images":    j.FailedImages,
	}
	if j.ErrorMessage != nil {
		d["error"] = *j.ErrorMessage
	}
	return d
}
