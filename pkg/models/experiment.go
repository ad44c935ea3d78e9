package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ModelFamilyClassifier       = "classifier"
	ModelFamilyFeatureExtractor = "feature_extractor"
	ModelFamilyDefectDetector   = "defect_detector"
)

// Experiment is an A/B test over the versions of one model family.
type Experiment struct {
	ID          uuid.UUID  `db:"id"           json:"id"`
	Name        string     `db:"name"         json:"name"`
	ModelFamily string     `db:"model_family" json:"model_family"`
	IsActive    bool       `db:"is_active"    json:"is_active"`
	StartsAt    *time.Time `db:"starts_at"    json:"starts_at,omitempty"`
	EndsAt      *time.Time `db:"ends_at"      json:"ends_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
}

// ActiveAt reports whether the experiment is switched on and t falls inside its window.
func (e *Experiment) ActiveAt(t time.Time) bool {
	if !e.IsActive {
		return false
	}
	if e.StartsAt != nil && t.Before(*e.StartsAt) {
		return false
	}
	if e.EndsAt != nil && !t.Before(*e.EndsAt) {
		return false
	}
	return true
}

// Variant is one arm of an experiment. Weights are relative, not percentages.
type Variant struct {
	ID           uuid.UUID `db:"id"            json:"id"`
	ExperimentID uuid.UUID `db:"experiment_id" json:"experiment_id"`
	Name         string    `db:"name"          json:"name"`
	ModelVersion string    `db:"model_version" json:"model_version"`
	Weight       int       `db:"weight"        json:"weight"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
}

// CohortAssignment durably binds a subject to the variant it was shown.
// It is unique per (subject, experiment) and never reassigned.
type CohortAssignment struct {
	ID           uuid.UUID `db:"id"            json:"id"`
	SubjectID    uuid.UUID `db:"subject_id"    json:"subject_id"`
	ExperimentID uuid.UUID `db:"experiment_id" json:"experiment_id"`
	VariantID    uuid.UUID `db:"variant_id"    json:"variant_id"`
	AssignedAt   time.Time `db:"assigned_at"   json:"assigned_at"`
}
