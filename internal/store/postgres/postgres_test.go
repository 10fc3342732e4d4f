package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"notifier/internal/apperrors"
	"notifier/internal/webhook"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return New(db), mock
}

var subscriptionCols = []string{
	"id", "owner_id", "name", "description", "url", "event_types", "secret", "secret_hint", "active",
	"timeout_seconds", "max_retries", "retry_delay_seconds", "headers",
	"total_deliveries", "successful_deliveries", "failed_deliveries",
	"last_delivery_at", "last_success_at", "last_failure_at",
	"created_at", "updated_at", "deleted_at",
}

var eventCols = []string{
	"id", "subscription_id", "event_type", "payload", "reference_kind", "reference_id", "status",
	"retry_count", "max_retries", "next_retry_at", "last_error", "error_history", "processing_at", "processing_by",
	"created_at", "updated_at", "completed_at",
}

func processingEventRow(id, worker string) []driver.Value {
	return []driver.Value{
		id, "sub-1", "order.created", []byte(`{"order_id":42}`), "order", "o-1", "processing",
		1, 3, nil, "HTTP 500", []byte(`[{"message":"HTTP 500","retry_count":0,"at":"2026-03-01T11:59:00Z"}]`), t0, worker,
		t0.Add(-time.Minute), t0, nil,
	}
}

func TestGetSubscription(t *testing.T) {
	s, mock := newMock(t)
	rows := sqlmock.NewRows(subscriptionCols).AddRow(
		"sub-1", "vendor-1", "orders", "", "https://hooks.example.com", []byte(`["order.created","order.paid"]`),
		"enc:v1:abc", "whsec_…abcd", true,
		30, 3, 60, []byte(`{}`),
		int64(10), int64(8), int64(2),
		t0, t0, nil,
		t0.Add(-time.Hour), t0, nil,
	)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, owner_id, name")).WithArgs("sub-1").WillReturnRows(rows)

	sub, err := s.GetSubscription(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"order.created", "order.paid"}, sub.EventTypes)
	assert.Equal(t, webhook.Policy{TimeoutSeconds: 30, MaxRetries: 3, RetryDelaySeconds: 60}, sub.Policy)
	assert.Nil(t, sub.Headers)
	assert.Equal(t, int64(8), sub.Stats.Successful)
	require.NotNil(t, sub.Stats.LastSuccessAt)
	assert.Nil(t, sub.Stats.LastFailureAt)
	assert.Nil(t, sub.DeletedAt)
}

func TestGetSubscription_NotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, owner_id, name")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(subscriptionCols))

	_, err := s.GetSubscription(context.Background(), "missing")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound), "got %v", err)
}

func TestCreateSubscription_Duplicate(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO webhook_subscriptions")).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})

	err := s.CreateSubscription(context.Background(), &webhook.Subscription{ID: "sub-1", EventTypes: []string{"a.b"}})
	assert.True(t, errors.Is(err, apperrors.ErrConflict), "got %v", err)
}

func TestListSubscriptions_BuildsFilter(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM webhook_subscriptions WHERE owner_id = $1 AND active AND deleted_at IS NULL AND event_types @> jsonb_build_array($2::text) ORDER BY created_at, id")).
		WithArgs("vendor-1", "order.created").
		WillReturnRows(sqlmock.NewRows(subscriptionCols))

	subs, err := s.ListSubscriptions(context.Background(), webhook.SubscriptionFilter{
		OwnerID:    "vendor-1",
		EventType:  "order.created",
		ActiveOnly: true,
	})
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func subscriptionRow(id, secret string, active bool) []driver.Value {
	return []driver.Value{
		id, "vendor-1", "orders", "", "https://hooks.example.com", []byte(`["order.created"]`),
		secret, "whsec_…abcd", active,
		30, 3, 60, []byte(`{}`),
		int64(0), int64(0), int64(0),
		nil, nil, nil,
		t0.Add(-time.Hour), t0, nil,
	}
}

func TestUpdateSubscription_WritesConfigurationOnly(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE webhook_subscriptions
SET name = $2, description = $3, url = $4, event_types = $5,
    timeout_seconds = $6, max_retries = $7, retry_delay_seconds = $8, headers = $9, updated_at = $10
WHERE id = $1 AND deleted_at IS NULL
RETURNING id, owner_id`)).
		WithArgs("sub-1", "orders", "", "https://hooks.example.com/v2", sqlmock.AnyArg(), 30, 3, 60, sqlmock.AnyArg(), t0).
		WillReturnRows(sqlmock.NewRows(subscriptionCols).AddRow(subscriptionRow("sub-1", "enc:v1:rotated", false)...))

	got, err := s.UpdateSubscription(context.Background(), &webhook.Subscription{
		ID:         "sub-1",
		Name:       "orders",
		URL:        "https://hooks.example.com/v2",
		EventTypes: []string{"order.created"},
		Secret:     "enc:v1:stale",
		Active:     true,
		Policy:     webhook.Policy{TimeoutSeconds: 30, MaxRetries: 3, RetryDelaySeconds: 60},
		UpdatedAt:  t0,
	})
	require.NoError(t, err)
	assert.Equal(t, "enc:v1:rotated", got.Secret, "stored secret is returned, not the caller's copy")
	assert.False(t, got.Active)
}

func TestRotateSubscriptionSecret(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SET secret = $2, secret_hint = $3, updated_at = $4\nWHERE id = $1 AND deleted_at IS NULL")).
		WithArgs("sub-1", "enc:v1:new", "whsec_…wxyz", t0).
		WillReturnRows(sqlmock.NewRows(subscriptionCols).AddRow(subscriptionRow("sub-1", "enc:v1:new", true)...))

	got, err := s.RotateSubscriptionSecret(context.Background(), "sub-1", "enc:v1:new", "whsec_…wxyz", t0)
	require.NoError(t, err)
	assert.Equal(t, "enc:v1:new", got.Secret)
}

func TestSubscriptionWrites_DeletedIsNotFound(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	for range 3 {
		mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND deleted_at IS NULL")).
			WillReturnRows(sqlmock.NewRows(subscriptionCols))
	}

	_, err := s.SetSubscriptionActive(ctx, "sub-1", true, t0)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound), "activate: got %v", err)
	_, err = s.RotateSubscriptionSecret(ctx, "sub-1", "enc:v1:new", "hint", t0)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound), "rotate: got %v", err)
	err = s.SoftDeleteSubscription(ctx, "sub-1", t0)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound), "delete: got %v", err)
}

func TestIncrementDeliveryStats_NotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE webhook_subscriptions\nSET total_deliveries")).
		WithArgs("missing", true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.IncrementDeliveryStats(context.Background(), "missing", true, t0)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound), "got %v", err)
}

func TestCreateEvents_SingleTransaction(t *testing.T) {
	s, mock := newMock(t)
	sub := &webhook.Subscription{ID: "sub-1", Policy: webhook.DefaultPolicy()}
	e1 := webhook.NewEvent("evt-1", sub, "order.created", []byte(`{}`), t0)
	e2 := webhook.NewEvent("evt-2", sub, "order.created", []byte(`{}`), t0)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO webhook_events"))
	prep.ExpectExec().WithArgs(
		"evt-1", "sub-1", "order.created", []byte(`{}`), sqlmock.AnyArg(), sqlmock.AnyArg(), "pending",
		0, 3, sqlmock.AnyArg(), "", []byte(`[]`), sqlmock.AnyArg(), "",
		sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
	).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.CreateEvents(context.Background(), []*webhook.Event{e1, e2}))
}

func TestCreateEvents_RollsBackOnConflict(t *testing.T) {
	s, mock := newMock(t)
	sub := &webhook.Subscription{ID: "sub-1"}
	e1 := webhook.NewEvent("evt-1", sub, "order.created", []byte(`{}`), t0)
	e2 := webhook.NewEvent("evt-2", sub, "order.created", []byte(`{}`), t0)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO webhook_events"))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})
	mock.ExpectRollback()

	err := s.CreateEvents(context.Background(), []*webhook.Event{e1, e2})
	assert.True(t, errors.Is(err, apperrors.ErrConflict), "got %v", err)
}

func TestClaimDueEvents_SingleStatement(t *testing.T) {
	s, mock := newMock(t)
	rows := sqlmock.NewRows(eventCols).
		AddRow(processingEventRow("evt-1", "worker-a")...).
		AddRow(processingEventRow("evt-2", "worker-a")...)
	mock.ExpectQuery(`(?s)UPDATE webhook_events\s+SET status = 'processing'.*FOR UPDATE SKIP LOCKED.*RETURNING`).
		WithArgs("worker-a", t0, t0.Add(-5*time.Minute), 10).
		WillReturnRows(rows)

	claimed, err := s.ClaimDueEvents(context.Background(), webhook.ClaimRequest{
		WorkerID:           "worker-a",
		Limit:              10,
		Now:                t0,
		LeaseExpiredBefore: t0.Add(-5 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	ev := claimed[0]
	assert.Equal(t, webhook.StatusProcessing, ev.Status)
	assert.Equal(t, "worker-a", ev.ProcessingBy)
	assert.Nil(t, ev.NextRetryAt)
	assert.Equal(t, &webhook.Reference{Kind: webhook.RefOrder, ID: "o-1"}, ev.Reference)
	require.Len(t, ev.ErrorHistory, 1)
	assert.Equal(t, "HTTP 500", ev.ErrorHistory[0].Message)
	assert.JSONEq(t, `{"order_id":42}`, string(ev.Payload))
}

func TestClaimDueEvents_NonPositiveLimit(t *testing.T) {
	s, _ := newMock(t)
	for _, limit := range []int{0, -1} {
		claimed, err := s.ClaimDueEvents(context.Background(), webhook.ClaimRequest{WorkerID: "worker-a", Limit: limit, Now: t0})
		require.NoError(t, err, "limit %d never reaches the database", limit)
		assert.Empty(t, claimed)
	}
}

func TestTransitionEvent(t *testing.T) {
	sub := &webhook.Subscription{ID: "sub-1", Policy: webhook.DefaultPolicy()}
	newClaimed := func() *webhook.Event {
		ev := webhook.NewEvent("evt-1", sub, "order.created", []byte(`{}`), t0)
		ev.Claim("worker-a", t0)
		_ = ev.MarkDelivered(t0)
		return ev
	}
	const update = "UPDATE webhook_events\nSET status = $2"

	t.Run("applied", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectExec(regexp.QuoteMeta(update)).
			WithArgs("evt-1", "delivered", 0, nil, "", []byte(`[]`), nil, "", sqlmock.AnyArg(), sqlmock.AnyArg(), "processing", "worker-a").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := s.TransitionEvent(context.Background(), newClaimed(), webhook.Expect{Status: webhook.StatusProcessing, WorkerID: "worker-a"})
		assert.NoError(t, err)
	})

	t.Run("stale", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectExec(regexp.QuoteMeta(update)).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM webhook_events WHERE id = $1)")).
			WithArgs("evt-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		err := s.TransitionEvent(context.Background(), newClaimed(), webhook.Expect{Status: webhook.StatusProcessing, WorkerID: "worker-b"})
		assert.True(t, errors.Is(err, webhook.ErrStale), "got %v", err)
	})

	t.Run("missing", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectExec(regexp.QuoteMeta(update)).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		err := s.TransitionEvent(context.Background(), newClaimed(), webhook.Expect{Status: webhook.StatusProcessing})
		assert.True(t, errors.Is(err, apperrors.ErrNotFound), "got %v", err)
	})
}

func TestCompleteDelivery_FinalizesOnce(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE webhook_deliveries")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM webhook_deliveries")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := s.CompleteDelivery(context.Background(), &webhook.Delivery{ID: "d-1", Status: webhook.DeliverySuccess})
	assert.True(t, errors.Is(err, webhook.ErrStale), "got %v", err)
}

func TestCreateDelivery_MissingEvent(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO webhook_deliveries")).
		WillReturnError(&pgconn.PgError{Code: pgForeignKeyViolation})

	err := s.CreateDelivery(context.Background(), &webhook.Delivery{ID: "d-1", EventID: "missing", Status: webhook.DeliveryPending})
	assert.True(t, errors.Is(err, apperrors.ErrNotFound), "got %v", err)
}

func TestListAudit_Filters(t *testing.T) {
	s, mock := newMock(t)
	rows := sqlmock.NewRows([]string{"id", "level", "message", "context", "subscription_id", "event_id", "delivery_id", "created_at"}).
		AddRow("a-1", 3, "retries exhausted", []byte(`{"attempts":4}`), "sub-1", "evt-1", "", t0)
	mock.ExpectQuery(regexp.QuoteMeta("FROM webhook_audit_log WHERE level >= $1 AND event_id = $2 ORDER BY created_at DESC, id DESC LIMIT $3")).
		WithArgs(3, "evt-1", 5).
		WillReturnRows(rows)

	entries, err := s.ListAudit(context.Background(), webhook.AuditFilter{MinLevel: webhook.LevelError, EventID: "evt-1", Limit: 5})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, webhook.LevelError, entries[0].Level)
	assert.Equal(t, float64(4), entries[0].Context["attempts"])
}

func TestReady(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectPing()
	assert.NoError(t, s.Ready(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	err := s.Ready(context.Background())
	assert.True(t, errors.Is(err, apperrors.ErrUnavailable), "got %v", err)
}
