// Package models contains shared data models used across the ProductLens codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

const (
	JobKindSingle = "single"
	JobKindBatch  = "batch"
)

// MetadataGroupID is the metadata key holding the queue-side fan-out group of a batch job.
const MetadataGroupID = "group_id"

// IsTerminalJobStatus reports whether no further transition is permitted from status.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is one user-requested unit of work covering one or more product images.
// The API returns the job on POST /api/v1/jobs; clients poll GET /api/v1/jobs/{job_id}
// or subscribe to /ws/jobs/{job_id} until the status is terminal.
type Job struct {
	ID              uuid.UUID         `db:"id"               json:"id"`
	TenantID        uuid.UUID         `db:"tenant_id"        json:"tenant_id"`
	OwnerID         uuid.UUID         `db:"owner_id"         json:"owner_id"`
	Kind            string            `db:"kind"             json:"kind"`
	Status          string            `db:"status"           json:"status"`
	TotalImages     int               `db:"total_images"     json:"total_images"`
	ProcessedImages int               `db:"processed_images" json:"processed_images"`
	FailedImages    int               `db:"failed_images"    json:"failed_images"`
	TaskRef         *string           `db:"task_ref"         json:"task_ref,omitempty"`
	Metadata        map[string]string `db:"metadata"         json:"metadata,omitempty"`
	ErrorMessage    *string           `db:"error_message"    json:"error_message,omitempty"`
	StartedAt       *time.Time        `db:"started_at"       json:"started_at,omitempty"`
	CompletedAt     *time.Time        `db:"completed_at"     json:"completed_at,omitempty"`
	CreatedAt       time.Time         `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time         `db:"updated_at"       json:"updated_at"`

	Steps []*Step `db:"-" json:"steps,omitempty"`
}

// IsTerminal reports whether the job has reached completed, failed or cancelled.
func (j *Job) IsTerminal() bool {
	return IsTerminalJobStatus(j.Status)
}

// Outstanding is the number of images that have not reported an outcome yet.
func (j *Job) Outstanding() int {
	return j.TotalImages - j.ProcessedImages - j.FailedImages
}
