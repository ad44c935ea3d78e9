package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	AnalysisStatusPending    = "pending"
	AnalysisStatusProcessing = "processing"
	AnalysisStatusCompleted  = "completed"
	AnalysisStatusFailed     = "failed"
)

// DefaultModelVersion is recorded on an analysis before any model has been resolved.
const DefaultModelVersion = "efficientnet-b4-v1"

// AnalysisRecord accumulates the inference results for one product image.
// There is exactly one record per image; once completed, classification and
// description fields are immutable.
type AnalysisRecord struct {
	ID                 uuid.UUID          `db:"id"                  json:"id"`
	ImageID            uuid.UUID          `db:"image_id"            json:"image_id"`
	Status             string             `db:"status"              json:"status"`
	Category           *string            `db:"category"            json:"category,omitempty"`
	CategoryConfidence *float64           `db:"category_confidence" json:"category_confidence,omitempty"`
	ScoreDistribution  map[string]float64 `db:"score_distribution"  json:"score_distribution,omitempty"`
	ModelVersion       string             `db:"model_version"       json:"model_version"`
	Description        *string            `db:"description"         json:"description,omitempty"`
	DescriptionModel   *string            `db:"description_model"   json:"description_model,omitempty"`
	ProcessingTimeMs   *int64             `db:"processing_time_ms"  json:"processing_time_ms,omitempty"`
	ExperimentID       *uuid.UUID         `db:"experiment_id"       json:"experiment_id,omitempty"`
	VariantID          *uuid.UUID         `db:"variant_id"          json:"variant_id,omitempty"`
	ErrorMessage       *string            `db:"error_message"       json:"error_message,omitempty"`
	CompletedAt        *time.Time         `db:"completed_at"        json:"completed_at,omitempty"`
	CreatedAt          time.Time          `db:"created_at"          json:"created_at"`
	UpdatedAt          time.Time          `db:"updated_at"          json:"updated_at"`

	Attributes []Attribute `db:"-" json:"attributes,omitempty"`
	Defects    []Defect    `db:"-" json:"defects,omitempty"`
}

// Classification is the output of the classifier collaborator.
type Classification struct {
	Label        string             `json:"label"`
	Confidence   float64            `json:"confidence"`
	Scores       map[string]float64 `json:"scores,omitempty"`
	ModelName    string             `json:"model_name"`
	ModelVersion string             `json:"model_version"`
}

// Attribute is one extracted (name, value) pair.
type Attribute struct {
	Name       string  `db:"name"       json:"name"`
	Value      string  `db:"value"      json:"value"`
	Confidence float64 `db:"confidence" json:"confidence"`
}

// BoundingBox locates a defect in normalized image coordinates.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Defect is one detected quality issue.
type Defect struct {
	Type        string       `db:"defect_type"  json:"type"`
	Severity    string       `db:"severity"     json:"severity"`
	Confidence  float64      `db:"confidence"   json:"confidence"`
	BoundingBox *BoundingBox `db:"bounding_box" json:"bounding_box,omitempty"`
	Description string       `db:"description"  json:"description,omitempty"`
}

// Description is generated marketing copy and the model that produced it.
type Description struct {
	Text      string `json:"text"`
	ModelName string `json:"model_name"`
}
