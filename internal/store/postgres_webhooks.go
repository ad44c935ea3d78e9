package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/productlens/pkg/models"
)

const webhookColumns = `id, tenant_id, url, secret, is_active, events, failure_count, last_triggered_at, created_at, updated_at`

func scanWebhook(row pgx.Row) (*models.WebhookEndpoint, error) {
	var e models.WebhookEndpoint
	err := row.Scan(&e.ID, &e.TenantID, &e.URL, &e.Secret, &e.IsActive, &e.Events, &e.FailureCount,
		&e.LastTriggeredAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// --- Webhook Endpoints ---

func (s *PostgresStore) CreateWebhook(ctx context.Context, e *models.WebhookEndpoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_endpoints (id, tenant_id, url, secret, is_active, events, failure_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.TenantID, e.URL, e.Secret, e.IsActive, e.Events, e.FailureCount, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create webhook: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWebhook(ctx context.Context, id uuid.UUID) (*models.WebhookEndpoint, error) {
	e, err := scanWebhook(s.pool.QueryRow(ctx, `SELECT `+webhookColumns+` FROM webhook_endpoints WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListActiveWebhooks(ctx context.Context, tenantID uuid.UUID) ([]*models.WebhookEndpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+webhookColumns+` FROM webhook_endpoints WHERE tenant_id = $1 AND is_active ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list active webhooks: %w", err)
	}
	defer rows.Close()

	var endpoints []*models.WebhookEndpoint
	for rows.Next() {
		e, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, rows.Err()
}

func (s *PostgresStore) RecordWebhookAttempt(ctx context.Context, o DeliveryOutcome) (*models.WebhookEndpoint, error) {
	d := o.Delivery
	var endpoint *models.WebhookEndpoint
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO webhook_deliveries (id, webhook_id, event_type, payload, response_status, response_body,
			                                 delivered_at, success, attempt, error_message, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			d.ID, d.WebhookID, d.EventType, d.Payload, d.ResponseStatus, d.ResponseBody,
			d.DeliveredAt, d.Success, d.Attempt, d.ErrorMessage, d.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert delivery: %w", err)
		}

		// SET expressions see the pre-update failure_count.
		e, err := scanWebhook(tx.QueryRow(ctx,
			`UPDATE webhook_endpoints SET
			   failure_count = CASE WHEN $2 THEN 0 ELSE failure_count + 1 END,
			   is_active = CASE WHEN $2 THEN is_active ELSE is_active AND failure_count + 1 < $3 END,
			   last_triggered_at = NOW(),
			   updated_at = NOW()
			 WHERE id = $1
			 RETURNING `+webhookColumns,
			d.WebhookID, d.Success, o.DisableThreshold))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("update endpoint: %w", err)
		}
		endpoint = e
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("record webhook attempt: %w", err)
	}
	return endpoint, nil
}

func (s *PostgresStore) ListWebhookDeliveries(ctx context.Context, webhookID, tenantID uuid.UUID, limit int) ([]*models.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT d.id, d.webhook_id, d.event_type, d.payload, d.response_status, d.response_body, d.delivered_at,
		        d.success, d.attempt, d.error_message, d.created_at
		 FROM webhook_deliveries d
		 JOIN webhook_endpoints e ON e.id = d.webhook_id
		 WHERE d.webhook_id = $1 AND e.tenant_id = $2
		 ORDER BY d.created_at DESC
		 LIMIT $3`, webhookID, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list webhook deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := []*models.WebhookDelivery{}
	for rows.Next() {
		var d models.WebhookDelivery
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.EventType, &d.Payload, &d.ResponseStatus, &d.ResponseBody,
			&d.DeliveredAt, &d.Success, &d.Attempt, &d.ErrorMessage, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, &d)
	}
	return deliveries, rows.Err()
}

func (s *PostgresStore) ReactivateWebhook(ctx context.Context, id, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_endpoints SET is_active = TRUE, failure_count = 0, updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("reactivate webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
