package postgres

import (
	"context"
	"fmt"
	"notifier/internal/apperrors"
	"notifier/internal/webhook"
	"strings"
)

// AppendAudit inserts one audit entry.
func (s *Store) AppendAudit(ctx context.Context, e *webhook.AuditEntry) error {
	var (
		auditCtx []byte
		err      error
	)
	if len(e.Context) > 0 {
		if auditCtx, err = marshalJSON(e.Context); err != nil {
			return apperrors.Internal("postgres.appendAudit", err)
		}
	}
	const q = `INSERT INTO webhook_audit_log (id, level, message, context, subscription_id, event_id, delivery_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.db.ExecContext(ctx, q,
		e.ID, int(e.Level), e.Message, auditCtx, e.SubscriptionID, e.EventID, e.DeliveryID, e.CreatedAt.UTC())
	if err != nil {
		return apperrors.Internal("postgres.appendAudit", err)
	}
	return nil
}

// ListAudit returns matching entries, newest first.
func (s *Store) ListAudit(ctx context.Context, f webhook.AuditFilter) ([]*webhook.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.MinLevel > webhook.LevelDebug {
		where = append(where, "level >= "+arg(int(f.MinLevel)))
	}
	if f.SubscriptionID != "" {
		where = append(where, "subscription_id = "+arg(f.SubscriptionID))
	}
	if f.EventID != "" {
		where = append(where, "event_id = "+arg(f.EventID))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= "+arg(f.Since.UTC()))
	}

	q := `SELECT id, level, message, context, subscription_id, event_id, delivery_id, created_at FROM webhook_audit_log`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperrors.Internal("postgres.listAudit", err)
	}
	defer rows.Close()

	var out []*webhook.AuditEntry
	for rows.Next() {
		var (
			e        webhook.AuditEntry
			level    int
			auditCtx []byte
		)
		if err := rows.Scan(&e.ID, &level, &e.Message, &auditCtx, &e.SubscriptionID, &e.EventID, &e.DeliveryID, &e.CreatedAt); err != nil {
			return nil, apperrors.Internal("postgres.listAudit", err)
		}
		e.Level = webhook.Level(level)
		if err := unmarshalJSON(auditCtx, &e.Context); err != nil {
			return nil, apperrors.Internal("postgres.listAudit", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("postgres.listAudit", err)
	}
	return out, nil
}
