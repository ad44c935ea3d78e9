package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/productlens/internal/api/middleware"
	"github.com/kiranshivaraju/productlens/internal/api/response"
	"github.com/kiranshivaraju/productlens/internal/store"
	"github.com/kiranshivaraju/productlens/pkg/models"
)

const (
	defaultDeliveryLimit = 20
	maxDeliveryLimit     = 100
)

// WebhookStore defines the webhook reads and writes the handlers depend on.
type WebhookStore interface {
	GetWebhook(ctx context.Context, id uuid.UUID) (*models.WebhookEndpoint, error)
	ListWebhookDeliveries(ctx context.Context, webhookID, tenantID uuid.UUID, limit int) ([]*models.WebhookDelivery, error)
	ReactivateWebhook(ctx context.Context, id, tenantID uuid.UUID) error
}

// NewListDeliveriesHandler returns an http.HandlerFunc for
// GET /api/v1/webhooks/{webhookID}/deliveries.
func NewListDeliveriesHandler(s WebhookStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}
		webhookID, ok := pathUUID(w, r, "webhookID")
		if !ok {
			return
		}

		limit := defaultDeliveryLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > maxDeliveryLimit {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be between 1 and 100", nil)
				return
			}
			limit = n
		}

		if !ownedWebhook(w, r, s, webhookID, tenantID) {
			return
		}

		deliveries, err := s.ListWebhookDeliveries(r.Context(), webhookID, tenantID, limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list deliveries", nil)
			return
		}
		response.JSON(w, deliveries)
	}
}

// NewReactivateWebhookHandler returns an http.HandlerFunc for
// POST /api/v1/webhooks/{webhookID}/reactivate.
func NewReactivateWebhookHandler(s WebhookStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}
		webhookID, ok := pathUUID(w, r, "webhookID")
		if !ok {
			return
		}

		err := s.ReactivateWebhook(r.Context(), webhookID, tenantID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "WEBHOOK_NOT_FOUND", "Webhook not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to reactivate webhook", nil)
			return
		}

		endpoint, err := s.GetWebhook(r.Context(), webhookID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load webhook", nil)
			return
		}
		response.JSON(w, endpoint)
	}
}

// ownedWebhook writes 404 unless the webhook exists and belongs to the tenant.
func ownedWebhook(w http.ResponseWriter, r *http.Request, s WebhookStore, id, tenantID uuid.UUID) bool {
	endpoint, err := s.GetWebhook(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && endpoint.TenantID != tenantID) {
		response.Error(w, http.StatusNotFound, "WEBHOOK_NOT_FOUND", "Webhook not found", nil)
		return false
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load webhook", nil)
		return false
	}
	return true
}
