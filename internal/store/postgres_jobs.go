package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/productlens/pkg/models"
)

const jobColumns = `id, tenant_id, owner_id, kind, status, total_images, processed_images, failed_images,
	task_ref, metadata, error_message, started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.TenantID, &j.OwnerID, &j.Kind, &j.Status, &j.TotalImages,
		&j.ProcessedImages, &j.FailedImages, &j.TaskRef, &j.Metadata, &j.ErrorMessage,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// --- Jobs ---

func (s *PostgresStore) InitializeJob(ctx context.Context, job *models.Job, imageIDs []uuid.UUID) error {
	if job.Metadata == nil {
		job.Metadata = map[string]string{}
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO jobs (id, tenant_id, owner_id, kind, status, total_images, processed_images, failed_images,
			                   metadata, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, 0, 0, $7, $8, $9)`,
			job.ID, job.TenantID, job.OwnerID, job.Kind, job.Status, job.TotalImages,
			job.Metadata, job.CreatedAt, job.UpdatedAt)
		if err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("insert job: %w", err)
		}

		batch := &pgx.Batch{}
		for _, imageID := range imageIDs {
			for _, stage := range models.Stages {
				batch.Queue(
					`INSERT INTO job_steps (id, job_id, image_id, stage, status, created_at, updated_at)
					 VALUES ($1, $2, $3, $4, $5, $6, $6)`,
					uuid.New(), job.ID, imageID, string(stage), models.StepStatusPending, job.CreatedAt)
			}
			batch.Queue(
				`INSERT INTO analysis_records (id, image_id, status, model_version, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $5)
				 ON CONFLICT (image_id) DO NOTHING`,
				uuid.New(), imageID, models.AnalysisStatusPending, models.DefaultModelVersion, job.CreatedAt)
		}

		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("insert steps: %w", err)
			}
		}
		return br.Close()
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return err
		}
		return fmt.Errorf("initialize job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListSteps(ctx context.Context, jobID uuid.UUID) ([]*models.Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, image_id, stage, status, started_at, completed_at, duration_ms, result, error_message,
		        created_at, updated_at
		 FROM job_steps WHERE job_id = $1
		 ORDER BY image_id, array_position(ARRAY['preprocess','classify','extract_attributes','detect_defects','generate_description'], stage)`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *PostgresStore) SetJobTaskRef(ctx context.Context, id uuid.UUID, taskRef string, metadata map[string]string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET task_ref = $2, metadata = metadata || $3::jsonb, updated_at = NOW() WHERE id = $1`,
		id, taskRef, metadata)
	if err != nil {
		return fmt.Errorf("set job task ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkJobProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		 WHERE id = $1 AND status = $3`,
		id, models.JobStatusProcessing, models.JobStatusQueued)
	if err != nil {
		return false, fmt.Errorf("mark job processing: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) RecordImageOutcome(ctx context.Context, id, imageID uuid.UUID, success bool, errMsg string, decide OutcomeDecider) (*models.Job, bool, error) {
	var (
		result       *models.Job
		transitioned bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock job: %w", err)
		}
		if j.IsTerminal() {
			return ErrJobTerminal
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO job_image_outcomes (job_id, image_id, success) VALUES ($1, $2, $3)
			 ON CONFLICT (job_id, image_id) DO NOTHING`,
			id, imageID, success)
		if err != nil {
			return fmt.Errorf("insert image outcome: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrOutcomeRecorded
		}
		if j.Outstanding() <= 0 {
			return fmt.Errorf("%w: job %s has no outstanding images", ErrInvalidTransition, id)
		}

		now := time.Now().UTC()
		if success {
			j.ProcessedImages++
		} else {
			j.FailedImages++
			if errMsg != "" {
				msg := TruncateError(errMsg)
				j.ErrorMessage = &msg
			}
		}
		if j.Status == models.JobStatusQueued {
			j.Status = models.JobStatusProcessing
			j.StartedAt = &now
		}
		if status := decide(j); status != "" {
			j.Status = status
			j.CompletedAt = &now
			transitioned = true
		}
		j.UpdatedAt = now

		_, err = tx.Exec(ctx,
			`UPDATE jobs SET status = $2, processed_images = $3, failed_images = $4, error_message = $5,
			                 started_at = $6, completed_at = $7, updated_at = $8
			 WHERE id = $1`,
			j.ID, j.Status, j.ProcessedImages, j.FailedImages, j.ErrorMessage, j.StartedAt, j.CompletedAt, j.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update job counters: %w", err)
		}
		result = j
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrJobTerminal) ||
			errors.Is(err, ErrOutcomeRecorded) || errors.Is(err, ErrInvalidTransition) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("record image outcome: %w", err)
	}
	return result, transitioned, nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var result *models.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock job: %w", err)
		}
		if j.IsTerminal() {
			return ErrJobTerminal
		}

		now := time.Now().UTC()
		j.Status = models.JobStatusCancelled
		j.CompletedAt = &now
		j.UpdatedAt = now
		_, err = tx.Exec(ctx,
			`UPDATE jobs SET status = $2, completed_at = $3, updated_at = $3 WHERE id = $1`,
			j.ID, j.Status, now)
		if err != nil {
			return fmt.Errorf("update job status: %w", err)
		}
		result = j
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrJobTerminal) {
			return nil, err
		}
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	return result, nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id uuid.UUID, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, error_message = $3, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status IN ($4, $5)`,
		id, models.JobStatusFailed, TruncateError(errMsg), models.JobStatusQueued, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return ErrJobTerminal
	}
	return nil
}

func (s *PostgresStore) ResolveJobTenant(ctx context.Context, jobID uuid.UUID) (uuid.UUID, error) {
	var tenantID uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT p.tenant_id FROM job_steps st
		 JOIN product_images i ON i.id = st.image_id
		 JOIN products p ON p.id = i.product_id
		 WHERE st.job_id = $1
		 ORDER BY st.created_at
		 LIMIT 1`, jobID,
	).Scan(&tenantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve job tenant: %w", err)
	}
	return tenantID, nil
}

// --- Steps ---

func scanStep(row pgx.Row) (*models.Step, error) {
	var st models.Step
	var stage string
	err := row.Scan(&st.ID, &st.JobID, &st.ImageID, &stage, &st.Status, &st.StartedAt, &st.CompletedAt,
		&st.DurationMs, &st.Result, &st.ErrorMessage, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.Stage = models.Stage(stage)
	return &st, nil
}

// stepGuard restricts step updates to open steps of open jobs.
const stepGuard = `job_id = $1 AND image_id = $2 AND stage = $3 AND status IN ('pending', 'running')
	AND EXISTS (SELECT 1 FROM jobs WHERE id = $1 AND status IN ('queued', 'processing'))`

func (s *PostgresStore) GetStep(ctx context.Context, key StepKey) (*models.Step, error) {
	st, err := scanStep(s.pool.QueryRow(ctx,
		`SELECT id, job_id, image_id, stage, status, started_at, completed_at, duration_ms, result, error_message,
		        created_at, updated_at
		 FROM job_steps WHERE job_id = $1 AND image_id = $2 AND stage = $3`,
		key.JobID, key.ImageID, string(key.Stage)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) StartStep(ctx context.Context, key StepKey) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_steps SET status = 'running', started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		 WHERE `+stepGuard,
		key.JobID, key.ImageID, string(key.Stage))
	if err != nil {
		return fmt.Errorf("start step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainStepMiss(ctx, key)
	}
	return nil
}

func (s *PostgresStore) CompleteStep(ctx context.Context, c StepCompletion) error {
	key := c.Key
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE job_steps SET status = 'completed', completed_at = NOW(), duration_ms = $4, result = $5,
			                      error_message = NULL, updated_at = NOW()
			 WHERE `+stepGuard,
			key.JobID, key.ImageID, string(key.Stage), durationMs(c.Duration), c.Result)
		if err != nil {
			return fmt.Errorf("complete step: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return s.explainStepMiss(ctx, key)
		}
		return applyAnalysisUpdate(ctx, tx, key.ImageID, c.Analysis)
	})
	if err != nil {
		if errors.Is(err, ErrJobTerminal) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return err
		}
		return fmt.Errorf("complete step: %w", err)
	}
	return nil
}

// applyAnalysisUpdate writes stage output onto an analysis record that is not yet completed.
func applyAnalysisUpdate(ctx context.Context, tx pgx.Tx, imageID uuid.UUID, u AnalysisUpdate) error {
	var analysisID uuid.UUID
	err := tx.QueryRow(ctx,
		`SELECT id FROM analysis_records WHERE image_id = $1 AND status <> $2 FOR UPDATE`,
		imageID, models.AnalysisStatusCompleted,
	).Scan(&analysisID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock analysis: %w", err)
	}

	if c := u.Classification; c != nil {
		_, err := tx.Exec(ctx,
			`UPDATE analysis_records SET category = $2, category_confidence = $3, score_distribution = $4,
			                             model_version = $5, experiment_id = $6, variant_id = $7, updated_at = NOW()
			 WHERE id = $1`,
			analysisID, c.Label, c.Confidence, c.Scores, c.ModelVersion, u.ExperimentID, u.VariantID)
		if err != nil {
			return fmt.Errorf("update classification: %w", err)
		}
	}

	if u.Attributes != nil {
		if _, err := tx.Exec(ctx, `DELETE FROM extracted_attributes WHERE analysis_id = $1`, analysisID); err != nil {
			return fmt.Errorf("clear attributes: %w", err)
		}
		for _, a := range u.Attributes {
			_, err := tx.Exec(ctx,
				`INSERT INTO extracted_attributes (analysis_id, name, value, confidence) VALUES ($1, $2, $3, $4)`,
				analysisID, a.Name, a.Value, a.Confidence)
			if err != nil {
				return fmt.Errorf("insert attribute: %w", err)
			}
		}
	}

	if u.Defects != nil {
		if _, err := tx.Exec(ctx, `DELETE FROM detected_defects WHERE analysis_id = $1`, analysisID); err != nil {
			return fmt.Errorf("clear defects: %w", err)
		}
		for _, d := range u.Defects {
			_, err := tx.Exec(ctx,
				`INSERT INTO detected_defects (analysis_id, defect_type, severity, confidence, bounding_box, description)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				analysisID, d.Type, d.Severity, d.Confidence, d.BoundingBox, d.Description)
			if err != nil {
				return fmt.Errorf("insert defect: %w", err)
			}
		}
	}

	if d := u.Description; d != nil {
		_, err := tx.Exec(ctx,
			`UPDATE analysis_records SET description = $2, description_model = $3, updated_at = NOW() WHERE id = $1`,
			analysisID, d.Text, d.ModelName)
		if err != nil {
			return fmt.Errorf("update description: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) RecordStepError(ctx context.Context, key StepKey, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE job_steps SET error_message = $4, updated_at = NOW()
		 WHERE job_id = $1 AND image_id = $2 AND stage = $3 AND status IN ('pending', 'running')`,
		key.JobID, key.ImageID, string(key.Stage), TruncateError(errMsg))
	if err != nil {
		return fmt.Errorf("record step error: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailStep(ctx context.Context, key StepKey, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_steps SET status = 'failed', completed_at = NOW(), error_message = $4,
		                      duration_ms = (EXTRACT(EPOCH FROM (NOW() - COALESCE(started_at, NOW()))) * 1000)::BIGINT,
		                      updated_at = NOW()
		 WHERE `+stepGuard,
		key.JobID, key.ImageID, string(key.Stage), TruncateError(errMsg))
	if err != nil {
		return fmt.Errorf("fail step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainStepMiss(ctx, key)
	}
	return nil
}

// explainStepMiss maps a guarded update that touched no rows to the reason.
func (s *PostgresStore) explainStepMiss(ctx context.Context, key StepKey) error {
	job, err := s.GetJob(ctx, key.JobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return ErrJobTerminal
	}
	st, err := s.GetStep(ctx, key)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: step %s is %s", ErrInvalidTransition, key.Stage, st.Status)
}

// --- Analysis Records ---

func (s *PostgresStore) GetAnalysisByImage(ctx context.Context, imageID uuid.UUID) (*models.AnalysisRecord, error) {
	var a models.AnalysisRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, image_id, status, category, category_confidence, score_distribution, model_version,
		        description, description_model, processing_time_ms, experiment_id, variant_id, error_message,
		        completed_at, created_at, updated_at
		 FROM analysis_records WHERE image_id = $1`, imageID,
	).Scan(&a.ID, &a.ImageID, &a.Status, &a.Category, &a.CategoryConfidence, &a.ScoreDistribution,
		&a.ModelVersion, &a.Description, &a.DescriptionModel, &a.ProcessingTimeMs, &a.ExperimentID,
		&a.VariantID, &a.ErrorMessage, &a.CompletedAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT name, value, confidence FROM extracted_attributes WHERE analysis_id = $1 ORDER BY created_at, name`, a.ID)
	if err != nil {
		return nil, fmt.Errorf("list attributes: %w", err)
	}
	a.Attributes, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Attribute, error) {
		var attr models.Attribute
		err := row.Scan(&attr.Name, &attr.Value, &attr.Confidence)
		return attr, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan attributes: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT defect_type, severity, confidence, bounding_box, description
		 FROM detected_defects WHERE analysis_id = $1 ORDER BY created_at, defect_type`, a.ID)
	if err != nil {
		return nil, fmt.Errorf("list defects: %w", err)
	}
	a.Defects, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Defect, error) {
		var d models.Defect
		err := row.Scan(&d.Type, &d.Severity, &d.Confidence, &d.BoundingBox, &d.Description)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan defects: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) SetAnalysisProcessing(ctx context.Context, imageID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE analysis_records SET status = $2, error_message = NULL, updated_at = NOW()
		 WHERE image_id = $1 AND status <> $3`,
		imageID, models.AnalysisStatusProcessing, models.AnalysisStatusCompleted)
	if err != nil {
		return fmt.Errorf("set analysis processing: %w", err)
	}
	return nil
}

func (s *PostgresStore) CompleteAnalysis(ctx context.Context, imageID uuid.UUID, c AnalysisCompletion) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE analysis_records SET status = $2, processing_time_ms = $3, model_version = $4,
		                             experiment_id = COALESCE($5, experiment_id), variant_id = COALESCE($6, variant_id),
		                             error_message = NULL, completed_at = NOW(), updated_at = NOW()
		 WHERE image_id = $1 AND status <> $2`,
		imageID, models.AnalysisStatusCompleted, durationMs(c.ProcessingTime), c.ModelVersion,
		c.ExperimentID, c.VariantID)
	if err != nil {
		return fmt.Errorf("complete analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailAnalysis(ctx context.Context, imageID uuid.UUID, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE analysis_records SET status = $2, error_message = $3, updated_at = NOW()
		 WHERE image_id = $1 AND status <> $4`,
		imageID, models.AnalysisStatusFailed, TruncateError(errMsg), models.AnalysisStatusCompleted)
	if err != nil {
		return fmt.Errorf("fail analysis: %w", err)
	}
	return nil
}
