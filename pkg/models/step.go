package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Stage names one step of the per-image pipeline.
type Stage string

const (
	StagePreprocess          Stage = "preprocess"
	StageClassify            Stage = "classify"
	StageExtractAttributes   Stage = "extract_attributes"
	StageDetectDefects       Stage = "detect_defects"
	StageGenerateDescription Stage = "generate_description"
)

// Stages is the fixed execution order of the pipeline.
var Stages = []Stage{
	StagePreprocess,
	StageClassify,
	StageExtractAttributes,
	StageDetectDefects,
	StageGenerateDescription,
}

// Index returns the position of s in Stages, or -1 for an unknown stage.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

const (
	StepStatusPending   = "pending"
	StepStatusRunning   = "running"
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
	StepStatusSkipped   = "skipped"
)

var stepStatusRank = map[string]int{
	StepStatusPending:   0,
	StepStatusRunning:   1,
	StepStatusCompleted: 2,
	StepStatusFailed:    2,
	StepStatusSkipped:   2,
}

// CanAdvanceStep reports whether a step may move from one status to another.
// Status never regresses and terminal step states are final.
func CanAdvanceStep(from, to string) bool {
	fr, ok := stepStatusRank[from]
	if !ok {
		return false
	}
	tr, ok := stepStatusRank[to]
	if !ok {
		return false
	}
	if fr == 2 {
		return false
	}
	return tr >= fr
}

// Step is one pipeline stage execution record for one image within a job.
type Step struct {
	ID           uuid.UUID       `db:"id"            json:"id"`
	JobID        uuid.UUID       `db:"job_id"        json:"job_id"`
	ImageID      *uuid.UUID      `db:"image_id"      json:"image_id,omitempty"`
	Stage        Stage           `db:"stage"         json:"stage"`
	Status       string          `db:"status"        json:"status"`
	StartedAt    *time.Time      `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time      `db:"completed_at"  json:"completed_at,omitempty"`
	DurationMs   *int64          `db:"duration_ms"   json:"duration_ms,omitempty"`
	Result       json.RawMessage `db:"result"        json:"result,omitempty"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time       `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"    json:"updated_at"`
}
