package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/productlens/internal/store"
	"github.com/kiranshivaraju/productlens/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedWebhook(t *testing.T, s *store.MemoryStore, tenantID uuid.UUID, deliveries int) *models.WebhookEndpoint {
	t.Helper()
	ctx := context.Background()
	e := &models.WebhookEndpoint{
		ID: uuid.New(), TenantID: tenantID, URL: "https://example.com/hook", Secret: "s3cret",
		IsActive: true, Events: []string{models.EventWildcard}, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateWebhook(ctx, e))
	for i := 0; i < deliveries; i++ {
		_, err := s.RecordWebhookAttempt(ctx, store.DeliveryOutcome{
			Delivery: &models.WebhookDelivery{
				ID: uuid.New(), WebhookID: e.ID, EventType: "job.completed",
				Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
				Attempt: i, CreatedAt: time.Now().UTC(),
			},
			DisableThreshold: 100,
		})
		require.NoError(t, err)
	}
	return e
}

// --- Deliveries ---

func TestListDeliveries(t *testing.T) {
	s := store.NewMemoryStore()
	tenantID := uuid.New()
	e := seedWebhook(t, s, tenantID, 3)

	rec := httptest.NewRecorder()
	NewListDeliveriesHandler(s).ServeHTTP(rec, authedRequest(t, http.MethodGet, "/deliveries?limit=2",
		nil, tenantID, uuid.New(), map[string]string{"webhookID": e.ID.String()}))

	require.Equal(t, http.StatusOK, rec.Code)
	var got []models.WebhookDelivery
	decodeData(t, rec, &got)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].Attempt, "newest first")
	assert.Equal(t, 1, got[1].Attempt)
}

func TestListDeliveries_OtherTenant(t *testing.T) {
	s := store.NewMemoryStore()
	e := seedWebhook(t, s, uuid.New(), 1)

	rec := httptest.NewRecorder()
	NewListDeliveriesHandler(s).ServeHTTP(rec, authedRequest(t, http.MethodGet, "/deliveries",
		nil, uuid.New(), uuid.New(), map[string]string{"webhookID": e.ID.String()}))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "WEBHOOK_NOT_FOUND", errorCode(t, rec))
}

func TestListDeliveries_BadLimit(t *testing.T) {
	s := store.NewMemoryStore()
	tenantID := uuid.New()
	e := seedWebhook(t, s, tenantID, 0)

	for _, limit := range []string{"0", "101", "x"} {
		rec := httptest.NewRecorder()
		NewListDeliveriesHandler(s).ServeHTTP(rec, authedRequest(t, http.MethodGet, "/deliveries?limit="+limit,
			nil, tenantID, uuid.New(), map[string]string{"webhookID": e.ID.String()}))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
	}
}

// --- Reactivate ---

func TestReactivateWebhook(t *testing.T) {
	s := store.NewMemoryStore()
	tenantID := uuid.New()
	e := seedWebhook(t, s, tenantID, 0)
	for i := 0; i < 2; i++ {
		_, err := s.RecordWebhookAttempt(context.Background(), store.DeliveryOutcome{
			Delivery:         &models.WebhookDelivery{ID: uuid.New(), WebhookID: e.ID, EventType: "job.failed"},
			DisableThreshold: 2,
		})
		require.NoError(t, err)
	}
	disabled, err := s.GetWebhook(context.Background(), e.ID)
	require.NoError(t, err)
	require.False(t, disabled.IsActive)

	rec := httptest.NewRecorder()
	NewReactivateWebhookHandler(s).ServeHTTP(rec, authedRequest(t, http.MethodPost, "/reactivate",
		nil, tenantID, uuid.New(), map[string]string{"webhookID": e.ID.String()}))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "s3cret")
	var got models.WebhookEndpoint
	decodeData(t, rec, &got)
	assert.True(t, got.IsActive)
	assert.Zero(t, got.FailureCount)
}

func TestReactivateWebhook_OtherTenant(t *testing.T) {
	s := store.NewMemoryStore()
	e := seedWebhook(t, s, uuid.New(), 0)

	rec := httptest.NewRecorder()
	NewReactivateWebhookHandler(s).ServeHTTP(rec, authedRequest(t, http.MethodPost, "/reactivate",
		nil, uuid.New(), uuid.New(), map[string]string{"webhookID": e.ID.String()}))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
