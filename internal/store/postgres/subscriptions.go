package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"notifier/internal/apperrors"
	"notifier/internal/webhook"
	"strings"
	"time"
)

const subscriptionColumns = `id, owner_id, name, description, url, event_types, secret, secret_hint, active,
	timeout_seconds, max_retries, retry_delay_seconds, headers,
	total_deliveries, successful_deliveries, failed_deliveries,
	last_delivery_at, last_success_at, last_failure_at,
	created_at, updated_at, deleted_at`

// CreateSubscription inserts a subscription.
func (s *Store) CreateSubscription(ctx context.Context, sub *webhook.Subscription) error {
	eventTypes, err := marshalJSON(sub.EventTypes)
	if err != nil {
		return apperrors.Internal("postgres.createSubscription", err)
	}
	headers, err := marshalJSON(headersOrEmpty(sub.Headers))
	if err != nil {
		return apperrors.Internal("postgres.createSubscription", err)
	}

	const q = `INSERT INTO webhook_subscriptions (` + subscriptionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`
	_, err = s.db.ExecContext(ctx, q,
		sub.ID, sub.OwnerID, sub.Name, sub.Description, sub.URL, eventTypes, sub.Secret, sub.SecretHint, sub.Active,
		sub.Policy.TimeoutSeconds, sub.Policy.MaxRetries, sub.Policy.RetryDelaySeconds, headers,
		sub.Stats.Total, sub.Stats.Successful, sub.Stats.Failed,
		nullTime(sub.Stats.LastDeliveryAt), nullTime(sub.Stats.LastSuccessAt), nullTime(sub.Stats.LastFailureAt),
		sub.CreatedAt.UTC(), sub.UpdatedAt.UTC(), nullTime(sub.DeletedAt),
	)
	if pgCode(err) == pgUniqueViolation {
		return apperrors.Conflict("subscription", sub.ID, "subscription "+sub.ID+" already exists")
	}
	if err != nil {
		return apperrors.Internal("postgres.createSubscription", err)
	}
	return nil
}

// GetSubscription returns a subscription, deleted or not.
func (s *Store) GetSubscription(ctx context.Context, id string) (*webhook.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("subscription", id)
	}
	if err != nil {
		return nil, apperrors.Internal("postgres.getSubscription", err)
	}
	return sub, nil
}

// ListSubscriptions returns matching subscriptions ordered by creation time.
func (s *Store) ListSubscriptions(ctx context.Context, f webhook.SubscriptionFilter) ([]*webhook.Subscription, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id = "+arg(f.OwnerID))
	}
	if f.ActiveOnly {
		where = append(where, "active")
	}
	if !f.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if f.EventType != "" {
		where = append(where, "event_types @> jsonb_build_array("+arg(f.EventType)+"::text)")
	}

	q := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperrors.Internal("postgres.listSubscriptions", err)
	}
	defer rows.Close()

	var out []*webhook.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, apperrors.Internal("postgres.listSubscriptions", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("postgres.listSubscriptions", err)
	}
	return out, nil
}

// UpdateSubscription writes configuration fields. Secret, activation,
// deletion, counters and created_at are not touched.
func (s *Store) UpdateSubscription(ctx context.Context, sub *webhook.Subscription) (*webhook.Subscription, error) {
	eventTypes, err := marshalJSON(sub.EventTypes)
	if err != nil {
		return nil, apperrors.Internal("postgres.updateSubscription", err)
	}
	headers, err := marshalJSON(headersOrEmpty(sub.Headers))
	if err != nil {
		return nil, apperrors.Internal("postgres.updateSubscription", err)
	}
	return s.updateLive(ctx, "postgres.updateSubscription", sub.ID,
		`name = $2, description = $3, url = $4, event_types = $5,
    timeout_seconds = $6, max_retries = $7, retry_delay_seconds = $8, headers = $9, updated_at = $10`,
		sub.Name, sub.Description, sub.URL, eventTypes,
		sub.Policy.TimeoutSeconds, sub.Policy.MaxRetries, sub.Policy.RetryDelaySeconds, headers, sub.UpdatedAt.UTC(),
	)
}

// SetSubscriptionActive writes the active flag only.
func (s *Store) SetSubscriptionActive(ctx context.Context, id string, active bool, at time.Time) (*webhook.Subscription, error) {
	return s.updateLive(ctx, "postgres.setSubscriptionActive", id, `active = $2, updated_at = $3`, active, at.UTC())
}

// RotateSubscriptionSecret writes the sealed secret and its hint only.
func (s *Store) RotateSubscriptionSecret(ctx context.Context, id, secret, hint string, at time.Time) (*webhook.Subscription, error) {
	return s.updateLive(ctx, "postgres.rotateSubscriptionSecret", id,
		`secret = $2, secret_hint = $3, updated_at = $4`, secret, hint, at.UTC())
}

// SoftDeleteSubscription stamps deleted_at on a live subscription.
func (s *Store) SoftDeleteSubscription(ctx context.Context, id string, at time.Time) error {
	_, err := s.updateLive(ctx, "postgres.softDeleteSubscription", id, `deleted_at = $2, updated_at = $2`, at.UTC())
	return err
}

// updateLive applies set to a subscription that is not deleted and returns
// the row as written. id is always $1.
func (s *Store) updateLive(ctx context.Context, op, id, set string, args ...any) (*webhook.Subscription, error) {
	q := `UPDATE webhook_subscriptions
SET ` + set + `
WHERE id = $1 AND deleted_at IS NULL
RETURNING ` + subscriptionColumns
	row := s.db.QueryRowContext(ctx, q, append([]any{id}, args...)...)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("subscription", id)
	}
	if err != nil {
		return nil, apperrors.Internal(op, err)
	}
	return sub, nil
}

// IncrementDeliveryStats bumps the counters of one subscription in a single statement.
func (s *Store) IncrementDeliveryStats(ctx context.Context, id string, success bool, at time.Time) error {
	const q = `UPDATE webhook_subscriptions
SET total_deliveries      = total_deliveries + 1,
    successful_deliveries = successful_deliveries + CASE WHEN $2::boolean THEN 1 ELSE 0 END,
    failed_deliveries     = failed_deliveries + CASE WHEN $2::boolean THEN 0 ELSE 1 END,
    last_delivery_at      = $3::timestamptz,
    last_success_at       = CASE WHEN $2::boolean THEN $3::timestamptz ELSE last_success_at END,
    last_failure_at       = CASE WHEN $2::boolean THEN last_failure_at ELSE $3::timestamptz END
WHERE id = $1`
	ok, err := execOne(ctx, s.db, "postgres.incrementDeliveryStats", q, id, success, at.UTC())
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NotFound("subscription", id)
	}
	return nil
}

func scanSubscription(row scanner) (*webhook.Subscription, error) {
	var (
		sub                                 webhook.Subscription
		eventTypes, headers                 []byte
		lastDelivery, lastSuccess, lastFail sql.NullTime
		deletedAt                           sql.NullTime
	)
	err := row.Scan(
		&sub.ID, &sub.OwnerID, &sub.Name, &sub.Description, &sub.URL, &eventTypes, &sub.Secret, &sub.SecretHint, &sub.Active,
		&sub.Policy.TimeoutSeconds, &sub.Policy.MaxRetries, &sub.Policy.RetryDelaySeconds, &headers,
		&sub.Stats.Total, &sub.Stats.Successful, &sub.Stats.Failed,
		&lastDelivery, &lastSuccess, &lastFail,
		&sub.CreatedAt, &sub.UpdatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(eventTypes, &sub.EventTypes); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(headers, &sub.Headers); err != nil {
		return nil, err
	}
	if len(sub.Headers) == 0 {
		sub.Headers = nil
	}
	sub.Stats.LastDeliveryAt = timePtr(lastDelivery)
	sub.Stats.LastSuccessAt = timePtr(lastSuccess)
	sub.Stats.LastFailureAt = timePtr(lastFail)
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	sub.DeletedAt = timePtr(deletedAt)
	return &sub, nil
}

func headersOrEmpty(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}
