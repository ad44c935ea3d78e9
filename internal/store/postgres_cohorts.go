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

// --- Experiments ---

func (s *PostgresStore) CreateExperiment(ctx context.Context, e *models.Experiment, variants []*models.Variant) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO ab_experiments (id, name, model_family, is_active, starts_at, ends_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.ID, e.Name, e.ModelFamily, e.IsActive, e.StartsAt, e.EndsAt, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert experiment: %w", err)
		}
		for i, v := range variants {
			v.ExperimentID = e.ID
			// Creation order is the selection order; keep it strictly increasing.
			v.CreatedAt = e.CreatedAt.Add(time.Duration(i) * time.Microsecond)
			_, err := tx.Exec(ctx,
				`INSERT INTO ab_variants (id, experiment_id, name, model_version, weight, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				v.ID, v.ExperimentID, v.Name, v.ModelVersion, v.Weight, v.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert variant: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create experiment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActiveExperiment(ctx context.Context, family string, now time.Time) (*models.Experiment, error) {
	var e models.Experiment
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, model_family, is_active, starts_at, ends_at, created_at
		 FROM ab_experiments
		 WHERE model_family = $1 AND is_active
		   AND (starts_at IS NULL OR starts_at <= $2)
		   AND (ends_at IS NULL OR ends_at > $2)
		 ORDER BY created_at DESC
		 LIMIT 1`, family, now,
	).Scan(&e.ID, &e.Name, &e.ModelFamily, &e.IsActive, &e.StartsAt, &e.EndsAt, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active experiment: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) ListVariants(ctx context.Context, experimentID uuid.UUID) ([]*models.Variant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, experiment_id, name, model_version, weight, created_at
		 FROM ab_variants WHERE experiment_id = $1 ORDER BY created_at, id`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	defer rows.Close()

	var variants []*models.Variant
	for rows.Next() {
		var v models.Variant
		if err := rows.Scan(&v.ID, &v.ExperimentID, &v.Name, &v.ModelVersion, &v.Weight, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		variants = append(variants, &v)
	}
	return variants, rows.Err()
}

func (s *PostgresStore) GetVariant(ctx context.Context, id uuid.UUID) (*models.Variant, error) {
	var v models.Variant
	err := s.pool.QueryRow(ctx,
		`SELECT id, experiment_id, name, model_version, weight, created_at FROM ab_variants WHERE id = $1`, id,
	).Scan(&v.ID, &v.ExperimentID, &v.Name, &v.ModelVersion, &v.Weight, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get variant: %w", err)
	}
	return &v, nil
}

// --- Cohort Assignments ---

func (s *PostgresStore) GetCohortAssignment(ctx context.Context, subjectID, experimentID uuid.UUID) (*models.CohortAssignment, error) {
	var a models.CohortAssignment
	err := s.pool.QueryRow(ctx,
		`SELECT id, subject_id, experiment_id, variant_id, assigned_at
		 FROM cohort_assignments WHERE subject_id = $1 AND experiment_id = $2`, subjectID, experimentID,
	).Scan(&a.ID, &a.SubjectID, &a.ExperimentID, &a.VariantID, &a.AssignedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cohort assignment: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) CreateCohortAssignment(ctx context.Context, a *models.CohortAssignment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cohort_assignments (id, subject_id, experiment_id, variant_id, assigned_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.SubjectID, a.ExperimentID, a.VariantID, a.AssignedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create cohort assignment: %w", err)
	}
	return nil
}
