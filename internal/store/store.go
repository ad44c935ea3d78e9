package store

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/productlens/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrJobTerminal is returned when a mutation targets a job that already
// reached completed, failed or cancelled. Callers treat it as "ignore".
var ErrJobTerminal = errors.New("job is in a terminal state")

// ErrOutcomeRecorded is returned when an image of a job already has an outcome.
var ErrOutcomeRecorded = errors.New("image outcome already recorded")

// ErrInvalidTransition is returned when a status change is not allowed by the state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// MaxErrorMessageLength bounds error text persisted on jobs, steps and analyses.
const MaxErrorMessageLength = 4096

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	TenantStore
	ProductStore
	JobStore
	StepStore
	AnalysisStore
	CohortStore
	WebhookStore
}

type TenantStore interface {
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

type ProductStore interface {
	CreateProduct(ctx context.Context, p *models.Product) error
	CreateProductImage(ctx context.Context, img *models.ProductImage) error
	GetProductImage(ctx context.Context, id uuid.UUID) (*models.ProductImage, error)
	// CountTenantImages returns how many of ids belong to products of the tenant.
	CountTenantImages(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) (int, error)
	// ActivateProduct copies the analysis outcome onto the product owning the image.
	ActivateProduct(ctx context.Context, imageID uuid.UUID, category, description string) error
}

// OutcomeDecider picks the terminal status for a job whose counters were just
// updated, or returns "" when the job should stay open. It runs while the job
// row is locked.
type OutcomeDecider func(job *models.Job) string

type JobStore interface {
	// InitializeJob creates the job, one pending step per stage per image and a
	// pending analysis record for images that have none, atomically.
	InitializeJob(ctx context.Context, job *models.Job, imageIDs []uuid.UUID) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListSteps(ctx context.Context, jobID uuid.UUID) ([]*models.Step, error)
	SetJobTaskRef(ctx context.Context, id uuid.UUID, taskRef string, metadata map[string]string) error
	// MarkJobProcessing moves a queued job to processing. It reports whether this call made the transition.
	MarkJobProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	// RecordImageOutcome increments the success or failure counter and applies
	// the status chosen by decide, serialized against concurrent writers.
	// Returns ErrJobTerminal for late outcomes and ErrOutcomeRecorded when the
	// image was already counted.
	RecordImageOutcome(ctx context.Context, id, imageID uuid.UUID, success bool, errMsg string, decide OutcomeDecider) (*models.Job, bool, error)
	// CancelJob moves a queued or processing job to cancelled.
	CancelJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	FailJob(ctx context.Context, id uuid.UUID, errMsg string) error
	// ResolveJobTenant follows job -> image -> product -> tenant.
	ResolveJobTenant(ctx context.Context, jobID uuid.UUID) (uuid.UUID, error)
}

// StepKey identifies one step row.
type StepKey struct {
	JobID   uuid.UUID
	ImageID uuid.UUID
	Stage   models.Stage
}

// AnalysisUpdate carries the fields a completed stage writes onto the analysis record.
type AnalysisUpdate struct {
	Classification *models.Classification
	Attributes     []models.Attribute
	Defects        []models.Defect
	Description    *models.Description
	ExperimentID   *uuid.UUID
	VariantID      *uuid.UUID
}

// StepCompletion is the outcome of one successful stage.
type StepCompletion struct {
	Key      StepKey
	Result   []byte
	Duration time.Duration
	Analysis AnalysisUpdate
}

type StepStore interface {
	GetStep(ctx context.Context, key StepKey) (*models.Step, error)
	// StartStep marks a pending step running. A step that is already running
	// keeps its original start time.
	StartStep(ctx context.Context, key StepKey) error
	// CompleteStep persists the stage result and analysis fields in one transaction.
	CompleteStep(ctx context.Context, c StepCompletion) error
	// RecordStepError keeps the step running and stores the last error text.
	RecordStepError(ctx context.Context, key StepKey, errMsg string) error
	FailStep(ctx context.Context, key StepKey, errMsg string) error
}

// AnalysisCompletion is written when every stage for an image succeeded.
type AnalysisCompletion struct {
	ProcessingTime time.Duration
	ModelVersion   string
	ExperimentID   *uuid.UUID
	VariantID      *uuid.UUID
}

type AnalysisStore interface {
	GetAnalysisByImage(ctx context.Context, imageID uuid.UUID) (*models.AnalysisRecord, error)
	SetAnalysisProcessing(ctx context.Context, imageID uuid.UUID) error
	CompleteAnalysis(ctx context.Context, imageID uuid.UUID, c AnalysisCompletion) error
	FailAnalysis(ctx context.Context, imageID uuid.UUID, errMsg string) error
}

// CohortStore is the persistence port of the model router.
type CohortStore interface {
	CreateExperiment(ctx context.Context, e *models.Experiment, variants []*models.Variant) error
	// GetActiveExperiment returns the newest experiment for the family that is active at now.
	GetActiveExperiment(ctx context.Context, family string, now time.Time) (*models.Experiment, error)
	ListVariants(ctx context.Context, experimentID uuid.UUID) ([]*models.Variant, error)
	GetVariant(ctx context.Context, id uuid.UUID) (*models.Variant, error)
	GetCohortAssignment(ctx context.Context, subjectID, experimentID uuid.UUID) (*models.CohortAssignment, error)
	// CreateCohortAssignment returns ErrDuplicateKey when the subject already has an assignment.
	CreateCohortAssignment(ctx context.Context, a *models.CohortAssignment) error
}

// DeliveryOutcome is applied to an endpoint after one delivery attempt.
type DeliveryOutcome struct {
	Delivery         *models.WebhookDelivery
	DisableThreshold int
}

type WebhookStore interface {
	CreateWebhook(ctx context.Context, e *models.WebhookEndpoint) error
	GetWebhook(ctx context.Context, id uuid.UUID) (*models.WebhookEndpoint, error)
	ListActiveWebhooks(ctx context.Context, tenantID uuid.UUID) ([]*models.WebhookEndpoint, error)
	// RecordWebhookAttempt stores the delivery row and updates failure_count,
	// is_active and last_triggered_at in one transaction. Returns the updated endpoint.
	RecordWebhookAttempt(ctx context.Context, o DeliveryOutcome) (*models.WebhookEndpoint, error)
	ListWebhookDeliveries(ctx context.Context, webhookID, tenantID uuid.UUID, limit int) ([]*models.WebhookDelivery, error)
	ReactivateWebhook(ctx context.Context, id, tenantID uuid.UUID) error
}

// TruncateError makes s storable in a TEXT column and clips it to
// MaxErrorMessageLength bytes.
func TruncateError(s string) string {
	return Truncate(s, MaxErrorMessageLength)
}

// Truncate makes s storable in a Postgres TEXT column and clips it to at most
// n bytes without splitting a rune. Invalid UTF-8 sequences become U+FFFD and
// NUL bytes are dropped.
func Truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, string(utf8.RuneError))
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size > 1 {
			break
		}
		s = s[:len(s)-size]
	}
	return s
}
