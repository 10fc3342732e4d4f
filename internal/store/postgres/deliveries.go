package postgres

import (
	"context"
	"database/sql"
	"notifier/internal/apperrors"
	"notifier/internal/webhook"
)

const deliveryColumns = `id, event_id, subscription_id, attempt_number, worker_id, request_url, request_headers,
	request_body, status, response_status, response_headers, response_body, error, duration_ms,
	created_at, completed_at`

// CreateDelivery inserts a pending delivery with its request snapshot.
func (s *Store) CreateDelivery(ctx context.Context, d *webhook.Delivery) error {
	reqHeaders, err := marshalJSON(headersOrEmpty(d.RequestHeaders))
	if err != nil {
		return apperrors.Internal("postgres.createDelivery", err)
	}
	respHeaders, err := nullableHeaders(d.ResponseHeaders)
	if err != nil {
		return apperrors.Internal("postgres.createDelivery", err)
	}

	const q = `INSERT INTO webhook_deliveries (` + deliveryColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err = s.db.ExecContext(ctx, q,
		d.ID, d.EventID, d.SubscriptionID, d.AttemptNumber, d.WorkerID, d.RequestURL, reqHeaders,
		[]byte(d.RequestBody), string(d.Status), d.ResponseStatus, respHeaders, d.ResponseBody, d.Error, d.DurationMs,
		d.CreatedAt.UTC(), nullTime(d.CompletedAt),
	)
	switch pgCode(err) {
	case "":
	case pgUniqueViolation:
		return apperrors.Conflict("delivery", d.ID, "delivery "+d.ID+" already exists")
	case pgForeignKeyViolation:
		return apperrors.NotFound("event", d.EventID)
	}
	if err != nil {
		return apperrors.Internal("postgres.createDelivery", err)
	}
	return nil
}

// CompleteDelivery writes the outcome of a pending delivery. A delivery is finalized once.
func (s *Store) CompleteDelivery(ctx context.Context, d *webhook.Delivery) error {
	respHeaders, err := nullableHeaders(d.ResponseHeaders)
	if err != nil {
		return apperrors.Internal("postgres.completeDelivery", err)
	}
	const q = `UPDATE webhook_deliveries
SET status = $2, response_status = $3, response_headers = $4, response_body = $5, error = $6,
    duration_ms = $7, completed_at = $8
WHERE id = $1 AND status = 'pending'`
	ok, err := execOne(ctx, s.db, "postgres.completeDelivery", q,
		d.ID, string(d.Status), d.ResponseStatus, respHeaders, d.ResponseBody, d.Error, d.DurationMs, nullTime(d.CompletedAt),
	)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	found, err := s.exists(ctx, "postgres.completeDelivery", "webhook_deliveries", d.ID)
	if err != nil {
		return err
	}
	if !found {
		return apperrors.NotFound("delivery", d.ID)
	}
	return webhook.ErrStale
}

// ListDeliveries returns the attempts of one event in attempt order.
func (s *Store) ListDeliveries(ctx context.Context, eventID string) ([]*webhook.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries
WHERE event_id = $1 ORDER BY attempt_number, created_at`, eventID)
	if err != nil {
		return nil, apperrors.Internal("postgres.listDeliveries", err)
	}
	defer rows.Close()

	out := []*webhook.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, apperrors.Internal("postgres.listDeliveries", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("postgres.listDeliveries", err)
	}
	return out, nil
}

func scanDelivery(row scanner) (*webhook.Delivery, error) {
	var (
		d                       webhook.Delivery
		reqHeaders, respHeaders []byte
		body                    []byte
		status                  string
		completedAt             sql.NullTime
	)
	err := row.Scan(
		&d.ID, &d.EventID, &d.SubscriptionID, &d.AttemptNumber, &d.WorkerID, &d.RequestURL, &reqHeaders,
		&body, &status, &d.ResponseStatus, &respHeaders, &d.ResponseBody, &d.Error, &d.DurationMs,
		&d.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(body) > 0 {
		d.RequestBody = body
	}
	d.Status = webhook.DeliveryStatus(status)
	if err := unmarshalJSON(reqHeaders, &d.RequestHeaders); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(respHeaders, &d.ResponseHeaders); err != nil {
		return nil, err
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.CompletedAt = timePtr(completedAt)
	return &d, nil
}

// nullableHeaders encodes response headers, keeping NULL until a response exists.
func nullableHeaders(h map[string]string) ([]byte, error) {
	if h == nil {
		return nil, nil
	}
	return marshalJSON(h)
}
