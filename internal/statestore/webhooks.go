package statestore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/r3e-network/dalston/internal/platform/apierr"
)

const webhookSubscriptionColumns = `id, tenant_id, url, event_types, secret, enabled,
	consecutive_failures, disabled_at, created_at`

const webhookDeliveryColumns = `id, subscription_id, event_id, event_type, job_id,
	payload, status, attempt, last_error, next_attempt_at, delivered_at, created_at`

// CreateWebhookSubscriptionParams describes one tenant's requested endpoint.
type CreateWebhookSubscriptionParams struct {
	TenantID   string
	URL        string
	EventTypes []string
	Secret     *string
}

// CreateWebhookSubscription registers a new endpoint, enabled by default.
func (s *Store) CreateWebhookSubscription(ctx context.Context, params CreateWebhookSubscriptionParams) (*WebhookSubscription, error) {
	sub := &WebhookSubscription{
		ID:         uuid.NewString(),
		TenantID:   params.TenantID,
		URL:        params.URL,
		EventTypes: pq.StringArray(params.EventTypes),
		Secret:     params.Secret,
		Enabled:    true,
		CreatedAt:  time.Now().UTC(),
	}

	const query = `
		INSERT INTO webhook_subscriptions (id, tenant_id, url, event_types, secret, enabled, created_at)
		VALUES (:id, :tenant_id, :url, :event_types, :secret, :enabled, :created_at)`

	if err := sqlxNamedExec(ctx, s.ext(ctx), query, sub); err != nil {
		return nil, apierr.TransientIO("statestore.create_webhook_subscription", err)
	}
	return sub, nil
}

// ListWebhookSubscriptionsForEvent returns every enabled subscription a
// tenant has registered for eventType, the set the webhook dispatcher fans
// a terminal job event out to.
func (s *Store) ListWebhookSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]WebhookSubscription, error) {
	var subs []WebhookSubscription
	query := `SELECT ` + webhookSubscriptionColumns + ` FROM webhook_subscriptions
		WHERE tenant_id = $1 AND enabled AND $2 = ANY(event_types)`
	if err := sqlxSelect(ctx, s.ext(ctx), &subs, query, tenantID, eventType); err != nil {
		return nil, apierr.TransientIO("statestore.list_webhook_subscriptions_for_event", err)
	}
	return subs, nil
}

// GetWebhookSubscription loads a single subscription by ID.
func (s *Store) GetWebhookSubscription(ctx context.Context, id string) (*WebhookSubscription, error) {
	var sub WebhookSubscription
	query := `SELECT ` + webhookSubscriptionColumns + ` FROM webhook_subscriptions WHERE id = $1`
	if err := sqlxGet(ctx, s.ext(ctx), &sub, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.NotFound("webhook_subscription", id)
		}
		return nil, apierr.TransientIO("statestore.get_webhook_subscription", err)
	}
	return &sub, nil
}

// ListWebhookSubscriptionsForTenant returns every subscription a tenant owns,
// enabled or not, for the admin/debug surface.
func (s *Store) ListWebhookSubscriptionsForTenant(ctx context.Context, tenantID string) ([]WebhookSubscription, error) {
	var subs []WebhookSubscription
	query := `SELECT ` + webhookSubscriptionColumns + ` FROM webhook_subscriptions WHERE tenant_id = $1 ORDER BY created_at DESC`
	if err := sqlxSelect(ctx, s.ext(ctx), &subs, query, tenantID); err != nil {
		return nil, apierr.TransientIO("statestore.list_webhook_subscriptions_for_tenant", err)
	}
	return subs, nil
}

// DeleteWebhookSubscription removes a subscription outright.
func (s *Store) DeleteWebhookSubscription(ctx context.Context, id string) error {
	query := `DELETE FROM webhook_subscriptions WHERE id = $1`
	ext := s.ext(ctx)
	if _, err := ext.ExecContext(ctx, ext.Rebind(query), id); err != nil {
		return apierr.TransientIO("statestore.delete_webhook_subscription", err)
	}
	return nil
}

// RecordWebhookFailure increments a subscription's consecutive-failure
// counter and, once it reaches autoDisableAfter, disables the subscription
// so a permanently-broken endpoint stops burning delivery attempts
// (supplemented feature's auto-disable requirement).
func (s *Store) RecordWebhookFailure(ctx context.Context, subscriptionID string, autoDisableAfter int) (disabled bool, err error) {
	const query = `
		UPDATE webhook_subscriptions
		SET consecutive_failures = consecutive_failures + 1,
			enabled = CASE WHEN consecutive_failures + 1 >= $2 THEN false ELSE enabled END,
			disabled_at = CASE WHEN consecutive_failures + 1 >= $2 THEN now() ELSE disabled_at END
		WHERE id = $1
		RETURNING enabled`
	var enabled bool
	ext := s.ext(ctx)
	if scanErr := sqlx.QueryRowxContext(ctx, ext, ext.Rebind(query), subscriptionID, autoDisableAfter).Scan(&enabled); scanErr != nil {
		return false, apierr.TransientIO("statestore.record_webhook_failure", scanErr)
	}
	return !enabled, nil
}

// RecordWebhookSuccess resets a subscription's consecutive-failure counter
// after a delivery finally lands.
func (s *Store) RecordWebhookSuccess(ctx context.Context, subscriptionID string) error {
	query := `UPDATE webhook_subscriptions SET consecutive_failures = 0 WHERE id = $1`
	ext := s.ext(ctx)
	if _, err := ext.ExecContext(ctx, ext.Rebind(query), subscriptionID); err != nil {
		return apierr.TransientIO("statestore.record_webhook_success", err)
	}
	return nil
}

// CreateWebhookDeliveryParams describes one pending delivery to enqueue.
type CreateWebhookDeliveryParams struct {
	SubscriptionID string
	EventID        string
	EventType      string
	JobID          string
	Payload        JSONB
}

// CreateWebhookDelivery enqueues a pending delivery row. The
// UNIQUE(subscription_id, event_id) constraint makes this idempotent: an
// event re-processed after a crash returns the existing row instead of a
// duplicate, preserving the at-least-once (not at-least-twice) contract.
func (s *Store) CreateWebhookDelivery(ctx context.Context, params CreateWebhookDeliveryParams) (*WebhookDelivery, error) {
	now := time.Now().UTC()
	delivery := &WebhookDelivery{
		ID:             uuid.NewString(),
		SubscriptionID: params.SubscriptionID,
		EventID:        params.EventID,
		EventType:      params.EventType,
		JobID:          params.JobID,
		Payload:        params.Payload,
		Status:         WebhookDeliveryPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
	}

	const query = `
		INSERT INTO webhook_deliveries (id, subscription_id, event_id, event_type,
			job_id, payload, status, next_attempt_at, created_at)
		VALUES (:id, :subscription_id, :event_id, :event_type, :job_id, :payload,
			:status, :next_attempt_at, :created_at)`

	if err := sqlxNamedExec(ctx, s.ext(ctx), query, delivery); err != nil {
		if isUniqueViolation(err) {
			const existingQuery = `SELECT ` + webhookDeliveryColumns + ` FROM webhook_deliveries
				WHERE subscription_id = $1 AND event_id = $2`
			var existing WebhookDelivery
			if getErr := sqlxGet(ctx, s.ext(ctx), &existing, existingQuery, params.SubscriptionID, params.EventID); getErr == nil {
				return &existing, nil
			}
		}
		return nil, apierr.TransientIO("statestore.create_webhook_delivery", err)
	}
	return delivery, nil
}

// ListDueWebhookDeliveries returns pending deliveries whose next_attempt_at
// has elapsed, oldest first, capped at limit.
func (s *Store) ListDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	var deliveries []WebhookDelivery
	query := `SELECT ` + webhookDeliveryColumns + ` FROM webhook_deliveries
		WHERE status = $1 AND next_attempt_at <= $2
		ORDER BY next_attempt_at ASC LIMIT $3`
	if err := sqlxSelect(ctx, s.ext(ctx), &deliveries, query, WebhookDeliveryPending, time.Now().UTC(), limit); err != nil {
		return nil, apierr.TransientIO("statestore.list_due_webhook_deliveries", err)
	}
	return deliveries, nil
}

// MarkWebhookDelivered finalizes a delivery as successfully landed.
func (s *Store) MarkWebhookDelivered(ctx context.Context, deliveryID string) error {
	now := time.Now().UTC()
	query := `UPDATE webhook_deliveries SET status = $1, delivered_at = $2, attempt = attempt + 1 WHERE id = $3`
	ext := s.ext(ctx)
	if _, err := ext.ExecContext(ctx, ext.Rebind(query), WebhookDeliveryDelivered, now, deliveryID); err != nil {
		return apierr.TransientIO("statestore.mark_webhook_delivered", err)
	}
	return nil
}

// RescheduleWebhookDelivery bumps a delivery's attempt count and either
// schedules its next retry (status stays pending) or gives up on it
// (status becomes failed) once maxAttempts is reached.
func (s *Store) RescheduleWebhookDelivery(ctx context.Context, deliveryID string, attempt int, maxAttempts int, errMsg string, nextAttemptAt time.Time) error {
	status := WebhookDeliveryPending
	if attempt >= maxAttempts {
		status = WebhookDeliveryFailed
	}
	query := `
		UPDATE webhook_deliveries
		SET attempt = $1, last_error = $2, next_attempt_at = $3, status = $4
		WHERE id = $5`
	ext := s.ext(ctx)
	if _, err := ext.ExecContext(ctx, ext.Rebind(query), attempt, errMsg, nextAttemptAt, status, deliveryID); err != nil {
		return apierr.TransientIO("statestore.reschedule_webhook_delivery", err)
	}
	return nil
}
