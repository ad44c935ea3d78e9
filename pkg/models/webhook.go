package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Webhook event types delivered to tenant endpoints.
const (
	EventJobCompleted      = "job.completed"
	EventJobFailed         = "job.failed"
	EventJobCancelled      = "job.cancelled"
	EventAnalysisCompleted = "analysis.completed"
	EventWildcard          = "*"
)

// WebhookEndpoint is an outbound notification target registered by a tenant.
type WebhookEndpoint struct {
	ID              uuid.UUID  `db:"id"                json:"id"`
	TenantID        uuid.UUID  `db:"tenant_id"         json:"tenant_id"`
	URL             string     `db:"url"               json:"url"`
	Secret          string     `db:"secret"            json:"-"`
	IsActive        bool       `db:"is_active"         json:"is_active"`
	Events          []string   `db:"events"            json:"events"`
	FailureCount    int        `db:"failure_count"     json:"failure_count"`
	LastTriggeredAt *time.Time `db:"last_triggered_at" json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at"        json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"        json:"updated_at"`
}

// Subscribes reports whether the endpoint wants events of the given type.
func (e *WebhookEndpoint) Subscribes(event string) bool {
	for _, ev := range e.Events {
		if ev == event || ev == EventWildcard {
			return true
		}
	}
	return false
}

// WebhookDelivery records one delivery attempt, successful or not.
type WebhookDelivery struct {
	ID             uuid.UUID       `db:"id"              json:"id"`
	WebhookID      uuid.UUID       `db:"webhook_id"      json:"webhook_id"`
	EventType      string          `db:"event_type"      json:"event_type"`
	Payload        json.RawMessage `db:"payload"         json:"payload"`
	ResponseStatus *int            `db:"response_status" json:"response_status,omitempty"`
	ResponseBody   *string         `db:"response_body"   json:"response_body,omitempty"`
	DeliveredAt    *time.Time      `db:"delivered_at"    json:"delivered_at,omitempty"`
	Success        bool            `db:"success"         json:"success"`
	Attempt        int             `db:"attempt"         json:"attempt"`
	ErrorMessage   *string         `db:"error_message"   json:"error_message,omitempty"`
	CreatedAt      time.Time       `db:"created_at"      json:"created_at"`
}
