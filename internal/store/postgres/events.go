package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"notifier/internal/apperrors"
	"notifier/internal/webhook"
	"strings"
)

const eventColumns = `id, subscription_id, event_type, payload, reference_kind, reference_id, status,
	retry_count, max_retries, next_retry_at, last_error, error_history, processing_at, processing_by,
	created_at, updated_at, completed_at`

// CreateEvents inserts all events in one transaction.
func (s *Store) CreateEvents(ctx context.Context, events []*webhook.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Internal("postgres.createEvents", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO webhook_events (`+eventColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`)
	if err != nil {
		return apperrors.Internal("postgres.createEvents", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		history, err := marshalJSON(historyOrEmpty(ev.ErrorHistory))
		if err != nil {
			return apperrors.Internal("postgres.createEvents", err)
		}
		refKind, refID := referenceColumns(ev.Reference)
		_, err = stmt.ExecContext(ctx,
			ev.ID, ev.SubscriptionID, ev.EventType, []byte(ev.Payload), refKind, refID, string(ev.Status),
			ev.RetryCount, ev.MaxRetries, nullTime(ev.NextRetryAt), ev.LastError, history,
			nullTime(ev.ProcessingAt), ev.ProcessingBy,
			ev.CreatedAt.UTC(), ev.UpdatedAt.UTC(), nullTime(ev.CompletedAt),
		)
		switch pgCode(err) {
		case "":
		case pgUniqueViolation:
			return apperrors.Conflict("event", ev.ID, "event "+ev.ID+" already exists")
		case pgForeignKeyViolation:
			return apperrors.NotFound("subscription", ev.SubscriptionID)
		}
		if err != nil {
			return apperrors.Internal("postgres.createEvents", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Internal("postgres.createEvents", err)
	}
	return nil
}

// GetEvent returns one event.
func (s *Store) GetEvent(ctx context.Context, id string) (*webhook.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("event", id)
	}
	if err != nil {
		return nil, apperrors.Internal("postgres.getEvent", err)
	}
	return ev, nil
}

// ListEvents returns matching events, newest first.
func (s *Store) ListEvents(ctx context.Context, f webhook.EventFilter) ([]*webhook.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.SubscriptionID != "" {
		args = append(args, f.SubscriptionID)
		where = append(where, fmt.Sprintf("subscription_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	q := `SELECT ` + eventColumns + ` FROM webhook_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryEvents(ctx, "postgres.listEvents", q, args...)
}

// ClaimDueEvents leases due events with a single UPDATE over a SKIP LOCKED
// subquery, so concurrent claimers never receive the same row.
func (s *Store) ClaimDueEvents(ctx context.Context, req webhook.ClaimRequest) ([]*webhook.Event, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	const q = `UPDATE webhook_events
SET status = 'processing', processing_at = $2, processing_by = $1, next_retry_at = NULL, updated_at = $2
WHERE id IN (
    SELECT id FROM webhook_events
    WHERE (status = 'pending' AND next_retry_at <= $2)
       OR (status = 'processing' AND processing_at < $3)
    ORDER BY COALESCE(next_retry_at, processing_at), created_at
    LIMIT $4
    FOR UPDATE SKIP LOCKED
)
RETURNING ` + eventColumns
	return s.queryEvents(ctx, "postgres.claimDueEvents", q,
		req.WorkerID, req.Now.UTC(), req.LeaseExpiredBefore.UTC(), req.Limit)
}

// TransitionEvent writes the mutable fields of ev when the stored row is still
// in expect.Status and, if set, leased to expect.WorkerID.
func (s *Store) TransitionEvent(ctx context.Context, ev *webhook.Event, expect webhook.Expect) error {
	history, err := marshalJSON(historyOrEmpty(ev.ErrorHistory))
	if err != nil {
		return apperrors.Internal("postgres.transitionEvent", err)
	}
	const q = `UPDATE webhook_events
SET status = $2, retry_count = $3, next_retry_at = $4, last_error = $5, error_history = $6,
    processing_at = $7, processing_by = $8, updated_at = $9, completed_at = $10
WHERE id = $1 AND status = $11 AND ($12::text = '' OR processing_by = $12::text)`
	ok, err := execOne(ctx, s.db, "postgres.transitionEvent", q,
		ev.ID, string(ev.Status), ev.RetryCount, nullTime(ev.NextRetryAt), ev.LastError, history,
		nullTime(ev.ProcessingAt), ev.ProcessingBy, ev.UpdatedAt.UTC(), nullTime(ev.CompletedAt),
		string(expect.Status), expect.WorkerID,
	)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	found, err := s.exists(ctx, "postgres.transitionEvent", "webhook_events", ev.ID)
	if err != nil {
		return err
	}
	if !found {
		return apperrors.NotFound("event", ev.ID)
	}
	return webhook.ErrStale
}

func (s *Store) queryEvents(ctx context.Context, op, q string, args ...any) ([]*webhook.Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperrors.Internal(op, err)
	}
	defer rows.Close()

	var out []*webhook.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, apperrors.Internal(op, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal(op, err)
	}
	return out, nil
}

func scanEvent(row scanner) (*webhook.Event, error) {
	var (
		ev                                   webhook.Event
		payload, history                     []byte
		refKind, refID                       sql.NullString
		status                               string
		nextRetry, processingAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&ev.ID, &ev.SubscriptionID, &ev.EventType, &payload, &refKind, &refID, &status,
		&ev.RetryCount, &ev.MaxRetries, &nextRetry, &ev.LastError, &history, &processingAt, &ev.ProcessingBy,
		&ev.CreatedAt, &ev.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.Payload = payload
	ev.Status = webhook.EventStatus(status)
	if refKind.Valid {
		ev.Reference = &webhook.Reference{Kind: webhook.RefKind(refKind.String), ID: refID.String}
	}
	if err := unmarshalJSON(history, &ev.ErrorHistory); err != nil {
		return nil, err
	}
	if len(ev.ErrorHistory) == 0 {
		ev.ErrorHistory = nil
	}
	ev.NextRetryAt = timePtr(nextRetry)
	ev.ProcessingAt = timePtr(processingAt)
	ev.CompletedAt = timePtr(completedAt)
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.UpdatedAt = ev.UpdatedAt.UTC()
	return &ev, nil
}

func referenceColumns(ref *webhook.Reference) (sql.NullString, sql.NullString) {
	if ref == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return nullString(string(ref.Kind)), nullString(ref.ID)
}

func historyOrEmpty(h []webhook.ErrorEntry) []webhook.ErrorEntry {
	if h == nil {
		return []webhook.ErrorEntry{}
	}
	return h
}
