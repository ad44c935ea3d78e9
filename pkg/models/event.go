package models

import (
	"time"

	"github.com/google/uuid"
)

// Live progress message types broadcast on a job's channel.
const (
	EventTypeStepUpdate   = "step_update"
	EventTypeJobComplete  = "job_complete"
	EventTypeJobFailed    = "job_failed"
	EventTypeJobCancelled = "job_cancelled"
)

// IsTerminalEventType reports whether a live message ends the stream for a job.
func IsTerminalEventType(t string) bool {
	switch t {
	case EventTypeJobComplete, EventTypeJobFailed, EventTypeJobCancelled:
		return true
	}
	return false
}

// StepProgress is the position of a stage within the five-stage pipeline.
type StepProgress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Fraction returns Completed/Total, or zero when Total is zero.
func (p StepProgress) Fraction() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Completed) / float64(p.Total)
}

// ProgressEvent is the JSON message relayed to live subscribers.
type ProgressEvent struct {
	Type      string         `json:"type"`
	JobID     uuid.UUID      `json:"job_id"`
	ImageID   *uuid.UUID     `json:"image_id,omitempty"`
	Step      Stage          `json:"step,omitempty"`
	Status    string         `json:"status,omitempty"`
	Progress  *StepProgress  `json:"progress,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
