package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ProductStatusDraft  = "draft"
	ProductStatusActive = "active"
)

// Product is a catalog item owned by a tenant. The pipeline fills in its
// category and description once an image has been analyzed.
type Product struct {
	ID            uuid.UUID `db:"id"             json:"id"`
	TenantID      uuid.UUID `db:"tenant_id"      json:"tenant_id"`
	Name          string    `db:"name"           json:"name"`
	Category      *string   `db:"category"       json:"category,omitempty"`
	AIDescription *string   `db:"ai_description" json:"ai_description,omitempty"`
	Status        string    `db:"status"         json:"status"`
	CreatedAt     time.Time `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"     json:"updated_at"`
}

// ProductImage points at the uploaded bytes of one product photo.
type ProductImage struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	ProductID   uuid.UUID `db:"product_id"   json:"product_id"`
	Bucket      string    `db:"bucket"       json:"bucket"`
	ObjectKey   string    `db:"object_key"   json:"object_key"`
	ContentType string    `db:"content_type" json:"content_type"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
}
