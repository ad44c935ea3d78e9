package store_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/productlens/internal/store"
	"github.com/kiranshivaraju/productlens/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// anyFailure closes the job once every image reported, failing it if any image failed.
func anyFailure(j *models.Job) string {
	if j.Outstanding() > 0 {
		return ""
	}
	if j.FailedImages > 0 {
		return models.JobStatusFailed
	}
	return models.JobStatusCompleted
}

// seedImages creates one product with n images for the tenant.
func seedImages(t *testing.T, s store.Store, tenantID uuid.UUID, n int) []uuid.UUID {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	p := &models.Product{
		ID: uuid.New(), TenantID: tenantID, Name: "Leather bag",
		Status: models.ProductStatusDraft, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateProduct(ctx, p))

	ids := make([]uuid.UUID, n)
	for i := range ids {
		img := &models.ProductImage{
			ID: uuid.New(), ProductID: p.ID, Bucket: "images", ObjectKey: "bag.jpg",
			ContentType: "image/jpeg", CreatedAt: now,
		}
		require.NoError(t, s.CreateProductImage(ctx, img))
		ids[i] = img.ID
	}
	return ids
}

func newJob(tenantID uuid.UUID, kind string, total int) *models.Job {
	now := time.Now().UTC()
	return &models.Job{
		ID: uuid.New(), TenantID: tenantID, OwnerID: uuid.New(), Kind: kind,
		Status: models.JobStatusQueued, TotalImages: total, CreatedAt: now, UpdatedAt: now,
	}
}

// runContract exercises the behavior every Store implementation must share.
func runContract(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()

	setup := func(t *testing.T, images int) (store.Store, *models.Job, []uuid.UUID) {
		s := newStore(t)
		tenant, err := s.GetDefaultTenant(ctx)
		require.NoError(t, err)
		ids := seedImages(t, s, tenant.ID, images)
		kind := models.JobKindSingle
		if images > 1 {
			kind = models.JobKindBatch
		}
		job := newJob(tenant.ID, kind, images)
		require.NoError(t, s.InitializeJob(ctx, job, ids))
		return s, job, ids
	}

	t.Run("InitializeJob creates five pending steps per image", func(t *testing.T) {
		s, job, ids := setup(t, 2)

		steps, err := s.ListSteps(ctx, job.ID)
		require.NoError(t, err)
		assert.Len(t, steps, 10)
		for _, st := range steps {
			assert.Equal(t, models.StepStatusPending, st.Status)
		}

		a, err := s.GetAnalysisByImage(ctx, ids[0])
		require.NoError(t, err)
		assert.Equal(t, models.AnalysisStatusPending, a.Status)
		assert.Equal(t, models.DefaultModelVersion, a.ModelVersion)
	})

	t.Run("MarkJobProcessing transitions once", func(t *testing.T) {
		s, job, _ := setup(t, 1)

		moved, err := s.MarkJobProcessing(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, moved)

		moved, err = s.MarkJobProcessing(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, moved)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusProcessing, got.Status)
		assert.NotNil(t, got.StartedAt)
	})

	t.Run("RecordImageOutcome closes the job on the last image", func(t *testing.T) {
		s, job, ids := setup(t, 2)

		got, transitioned, err := s.RecordImageOutcome(ctx, job.ID, ids[0], true, "", anyFailure)
		require.NoError(t, err)
		assert.False(t, transitioned)
		assert.Equal(t, 1, got.ProcessedImages)

		got, transitioned, err = s.RecordImageOutcome(ctx, job.ID, ids[1], false, "storage unavailable", anyFailure)
		require.NoError(t, err)
		assert.True(t, transitioned)
		assert.Equal(t, models.JobStatusFailed, got.Status)
		assert.Equal(t, 1, got.FailedImages)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, "storage unavailable", *got.ErrorMessage)
		assert.NotNil(t, got.CompletedAt)

		_, _, err = s.RecordImageOutcome(ctx, job.ID, ids[0], true, "", anyFailure)
		assert.ErrorIs(t, err, store.ErrJobTerminal)
	})

	t.Run("RecordImageOutcome counts each image once", func(t *testing.T) {
		s, job, ids := setup(t, 2)

		_, _, err := s.RecordImageOutcome(ctx, job.ID, ids[0], true, "", anyFailure)
		require.NoError(t, err)
		_, _, err = s.RecordImageOutcome(ctx, job.ID, ids[0], false, "redelivered", anyFailure)
		assert.ErrorIs(t, err, store.ErrOutcomeRecorded)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.ProcessedImages)
		assert.Equal(t, 0, got.FailedImages)
		assert.Nil(t, got.ErrorMessage)
		assert.Equal(t, models.JobStatusProcessing, got.Status)
	})

	t.Run("RecordImageOutcome is serialized across writers", func(t *testing.T) {
		const n = 8
		s, job, ids := setup(t, n)

		var wg sync.WaitGroup
		var mu sync.Mutex
		transitions := 0
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, moved, err := s.RecordImageOutcome(ctx, job.ID, ids[i], i%2 == 0, "boom", anyFailure)
				assert.NoError(t, err)
				if moved {
					mu.Lock()
					transitions++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, n/2, got.ProcessedImages)
		assert.Equal(t, n/2, got.FailedImages)
		assert.Equal(t, models.JobStatusFailed, got.Status)
		assert.Equal(t, 1, transitions)
	})

	t.Run("step updates are rejected once the job is cancelled", func(t *testing.T) {
		s, job, ids := setup(t, 1)
		key := store.StepKey{JobID: job.ID, ImageID: ids[0], Stage: models.StagePreprocess}
		require.NoError(t, s.StartStep(ctx, key))

		cancelled, err := s.CancelJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

		err = s.CompleteStep(ctx, store.StepCompletion{Key: key, Result: []byte(`{}`)})
		assert.ErrorIs(t, err, store.ErrJobTerminal)

		st, err := s.GetStep(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, models.StepStatusRunning, st.Status)

		_, err = s.CancelJob(ctx, job.ID)
		assert.ErrorIs(t, err, store.ErrJobTerminal)
	})

	t.Run("completed steps never regress", func(t *testing.T) {
		s, job, ids := setup(t, 1)
		key := store.StepKey{JobID: job.ID, ImageID: ids[0], Stage: models.StageClassify}
		require.NoError(t, s.StartStep(ctx, key))

		result, err := models.EncodeStageResult(models.ClassifyResult{Classification: models.Classification{
			Label: "bags", Confidence: 0.91, ModelVersion: "v1", ModelName: "efficientnet-b4-v1",
		}})
		require.NoError(t, err)
		require.NoError(t, s.CompleteStep(ctx, store.StepCompletion{
			Key: key, Result: result, Duration: 120 * time.Millisecond,
			Analysis: store.AnalysisUpdate{Classification: &models.Classification{
				Label: "bags", Confidence: 0.91, ModelVersion: "v1",
			}},
		}))

		assert.ErrorIs(t, s.StartStep(ctx, key), store.ErrInvalidTransition)
		assert.ErrorIs(t, s.FailStep(ctx, key, "late"), store.ErrInvalidTransition)

		st, err := s.GetStep(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, models.StepStatusCompleted, st.Status)
		decoded, err := models.DecodeStageResult(json.RawMessage(st.Result))
		require.NoError(t, err)
		assert.Equal(t, "bags", decoded.(models.ClassifyResult).Label)

		a, err := s.GetAnalysisByImage(ctx, ids[0])
		require.NoError(t, err)
		require.NotNil(t, a.Category)
		assert.Equal(t, "bags", *a.Category)
	})

	t.Run("completed analysis is immutable", func(t *testing.T) {
		s, _, ids := setup(t, 1)
		require.NoError(t, s.SetAnalysisProcessing(ctx, ids[0]))
		require.NoError(t, s.CompleteAnalysis(ctx, ids[0], store.AnalysisCompletion{
			ProcessingTime: time.Second, ModelVersion: "v1",
		}))
		require.NoError(t, s.FailAnalysis(ctx, ids[0], "late failure"))

		a, err := s.GetAnalysisByImage(ctx, ids[0])
		require.NoError(t, err)
		assert.Equal(t, models.AnalysisStatusCompleted, a.Status)
		assert.Nil(t, a.ErrorMessage)
	})

	t.Run("ResolveJobTenant follows image ownership", func(t *testing.T) {
		s, job, _ := setup(t, 1)
		tenant, err := s.GetDefaultTenant(ctx)
		require.NoError(t, err)

		got, err := s.ResolveJobTenant(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, tenant.ID, got)

		_, err = s.ResolveJobTenant(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("cohort assignment is unique per subject and experiment", func(t *testing.T) {
		s := newStore(t)
		exp := &models.Experiment{
			ID: uuid.New(), Name: "classifier-b4", ModelFamily: models.ModelFamilyClassifier,
			IsActive: true, CreatedAt: time.Now().UTC(),
		}
		v1 := &models.Variant{ID: uuid.New(), Name: "control", ModelVersion: "v1", Weight: 90}
		v2 := &models.Variant{ID: uuid.New(), Name: "treatment", ModelVersion: "v2", Weight: 10}
		require.NoError(t, s.CreateExperiment(ctx, exp, []*models.Variant{v1, v2}))

		active, err := s.GetActiveExperiment(ctx, models.ModelFamilyClassifier, time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, exp.ID, active.ID)

		variants, err := s.ListVariants(ctx, exp.ID)
		require.NoError(t, err)
		require.Len(t, variants, 2)
		assert.Equal(t, "v1", variants[0].ModelVersion)

		subject := uuid.New()
		a := &models.CohortAssignment{ID: uuid.New(), SubjectID: subject, ExperimentID: exp.ID,
			VariantID: v2.ID, AssignedAt: time.Now().UTC()}
		require.NoError(t, s.CreateCohortAssignment(ctx, a))

		dup := &models.CohortAssignment{ID: uuid.New(), SubjectID: subject, ExperimentID: exp.ID,
			VariantID: v1.ID, AssignedAt: time.Now().UTC()}
		assert.ErrorIs(t, s.CreateCohortAssignment(ctx, dup), store.ErrDuplicateKey)

		got, err := s.GetCohortAssignment(ctx, subject, exp.ID)
		require.NoError(t, err)
		assert.Equal(t, v2.ID, got.VariantID)

		_, err = s.GetActiveExperiment(ctx, models.ModelFamilyDefectDetector, time.Now().UTC())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("webhook endpoint disables at the threshold and resets on success", func(t *testing.T) {
		s := newStore(t)
		tenant, err := s.GetDefaultTenant(ctx)
		require.NoError(t, err)
		now := time.Now().UTC()
		ep := &models.WebhookEndpoint{
			ID: uuid.New(), TenantID: tenant.ID, URL: "https://example.com/hook", Secret: "s3cret",
			IsActive: true, Events: []string{models.EventJobCompleted}, CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, s.CreateWebhook(ctx, ep))

		attempt := func(success bool) *models.WebhookEndpoint {
			got, err := s.RecordWebhookAttempt(ctx, store.DeliveryOutcome{
				Delivery: &models.WebhookDelivery{
					ID: uuid.New(), WebhookID: ep.ID, EventType: models.EventJobCompleted,
					Payload: json.RawMessage(`{"event":"job.completed"}`), Success: success, Attempt: 1,
					CreatedAt: time.Now().UTC(),
				},
				DisableThreshold: 3,
			})
			require.NoError(t, err)
			return got
		}

		assert.Equal(t, 1, attempt(false).FailureCount)
		got := attempt(true)
		assert.Equal(t, 0, got.FailureCount)
		assert.NotNil(t, got.LastTriggeredAt)

		attempt(false)
		attempt(false)
		got = attempt(false)
		assert.Equal(t, 3, got.FailureCount)
		assert.False(t, got.IsActive)

		active, err := s.ListActiveWebhooks(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Empty(t, active)

		deliveries, err := s.ListWebhookDeliveries(ctx, ep.ID, tenant.ID, 50)
		require.NoError(t, err)
		assert.Len(t, deliveries, 5)

		require.NoError(t, s.ReactivateWebhook(ctx, ep.ID, tenant.ID))
		reactivated, err := s.GetWebhook(ctx, ep.ID)
		require.NoError(t, err)
		assert.True(t, reactivated.IsActive)
		assert.Equal(t, 0, reactivated.FailureCount)

		assert.ErrorIs(t, s.ReactivateWebhook(ctx, ep.ID, uuid.New()), store.ErrNotFound)
	})

	t.Run("RecordWebhookAttempt rejects text a TEXT column cannot hold", func(t *testing.T) {
		s := newStore(t)
		tenant, err := s.GetDefaultTenant(ctx)
		require.NoError(t, err)
		now := time.Now().UTC()
		ep := &models.WebhookEndpoint{
			ID: uuid.New(), TenantID: tenant.ID, URL: "https://example.com/hook", Secret: "s3cret",
			IsActive: true, Events: []string{models.EventJobCompleted}, CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, s.CreateWebhook(ctx, ep))

		status := 500
		body := "\x00\xff"
		_, err = s.RecordWebhookAttempt(ctx, store.DeliveryOutcome{
			Delivery: &models.WebhookDelivery{
				ID: uuid.New(), WebhookID: ep.ID, EventType: models.EventJobCompleted,
				Payload: json.RawMessage(`{}`), ResponseStatus: &status, ResponseBody: &body,
				Attempt: 1, CreatedAt: now,
			},
			DisableThreshold: 3,
		})
		require.Error(t, err)

		got, err := s.GetWebhook(ctx, ep.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got.FailureCount, "nothing is written when the row is rejected")
		deliveries, err := s.ListWebhookDeliveries(ctx, ep.ID, tenant.ID, 50)
		require.NoError(t, err)
		assert.Empty(t, deliveries)
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	runContract(t, func(t *testing.T) store.Store { return store.NewMemoryStore() })
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", store.Truncate("abc", 10))
	assert.Equal(t, "ab", store.Truncate("abcdef", 2))
	// "é" is two bytes; cutting inside it drops the partial rune.
	assert.Equal(t, "a", store.Truncate("aé", 2))
}

func TestTruncate_CleansBinaryText(t *testing.T) {
	got := store.Truncate("ok\xff\x00binary", 2000)
	assert.True(t, utf8.ValidString(got))
	assert.NotContains(t, got, "\x00")
	assert.Equal(t, "ok\uFFFDbinary", got)

	long := store.Truncate("\xff"+strings.Repeat("a", 3000), 2000)
	assert.Len(t, long, 2000, "one bad byte does not empty the text")
	assert.True(t, strings.HasPrefix(long, "\uFFFDaaa"))

	// The replacement rune is three bytes; a cut through it is trimmed.
	assert.Equal(t, "a", store.Truncate("a\xff", 2))
}
