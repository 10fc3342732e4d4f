// Package storetest is a conformance suite for webhook.Store implementations.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"notifier/internal/apperrors"
	"notifier/internal/webhook"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. The suite never shares a store between subtests.
type Factory func(t *testing.T) webhook.Store

// Run executes every conformance test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := map[string]func(*testing.T, webhook.Store){
		"SubscriptionLifecycle":     testSubscriptionLifecycle,
		"SubscriptionScopedWrites":  testSubscriptionScopedWrites,
		"SubscriptionFilters":       testSubscriptionFilters,
		"DeliveryStats":             testDeliveryStats,
		"EventsCreateAndList":       testEventsCreateAndList,
		"ClaimDueEvents":            testClaimDueEvents,
		"ClaimReclaimsExpiredLease": testClaimReclaimsExpiredLease,
		"ConcurrentClaimExclusive":  testConcurrentClaimExclusive,
		"TransitionEventGuards":     testTransitionEventGuards,
		"Deliveries":                testDeliveries,
		"Audit":                     testAudit,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			fn(t, newStore(t))
		})
	}
}

// Now returns a timestamp at the precision every backend preserves.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// NewSubscription builds a valid active subscription for eventTypes.
func NewSubscription(eventTypes ...string) *webhook.Subscription {
	now := Now()
	return &webhook.Subscription{
		ID:         uuid.NewString(),
		Name:       "test endpoint",
		URL:        "https://hooks.example.com/notify",
		EventTypes: eventTypes,
		Secret:     "whsec_test",
		SecretHint: "whsec_…test",
		Active:     true,
		Policy:     webhook.DefaultPolicy(),
		Headers:    map[string]string{"X-Tenant": "acme"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// NewEvent builds a pending event for sub, due at at.
func NewEvent(sub *webhook.Subscription, eventType string, at time.Time) *webhook.Event {
	return webhook.NewEvent(uuid.Must(uuid.NewV7()).String(), sub, eventType, json.RawMessage(`{"order_id":42}`), at)
}

func mustCreateSubscription(t *testing.T, s webhook.Store, eventTypes ...string) *webhook.Subscription {
	t.Helper()
	sub := NewSubscription(eventTypes...)
	require.NoError(t, s.CreateSubscription(context.Background(), sub))
	return sub
}

func mustCreateEvents(t *testing.T, s webhook.Store, events ...*webhook.Event) {
	t.Helper()
	require.NoError(t, s.CreateEvents(context.Background(), events))
}

func testSubscriptionLifecycle(t *testing.T, s webhook.Store) {
	ctx := context.Background()
	sub := mustCreateSubscription(t, s, "order.created")

	got, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.URL, got.URL)
	assert.Equal(t, sub.EventTypes, got.EventTypes)
	assert.Equal(t, sub.Secret, got.Secret)
	assert.Equal(t, sub.Headers, got.Headers)
	assert.Equal(t, sub.Policy, got.Policy)
	assert.True(t, got.Active)

	_, err = s.GetSubscription(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, apperrors.ErrNotFound), "got %v", err)

	err = s.CreateSubscription(ctx, sub)
	assert.True(t, errors.Is(err, apperrors.ErrConflict), "duplicate id: got %v", err)

	got.URL = "https://hooks.example.com/v2"
	got.EventTypes = []string{"order.created", "order.paid"}
	got.Policy.MaxRetries = 7
	got.UpdatedAt = Now()
	updated, err := s.UpdateSubscription(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/v2", updated.URL)
	assert.Equal(t, []string{"order.created", "order.paid"}, updated.EventTypes)
	assert.Equal(t, 7, updated.Policy.MaxRetries)

	_, err = s.UpdateSubscription(ctx, NewSubscription("x.y"))
	assert.True(t, errors.Is(err, apperrors.ErrNotFound), "got %v", err)
}

// testSubscriptionScopedWrites replays a stale configuration snapshot after
// rotation, deactivation and deletion. None of them may be undone.
func testSubscriptionScopedWrites(t *testing.T, s webhook.Store) {
	ctx := context.Background()
	sub := mustCreateSubscription(t, s, "order.created")

	snapshot, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)

	at := Now()
	rotated, err := s.RotateSubscriptionSecret(ctx, sub.ID, "whsec_rotated", "whsec_…ated", at)
	require.NoError(t, err)
	assert.Equal(t, "whsec_rotated", rotated.Secret)
	assert.Equal(t, "whsec_…ated", rotated.SecretHint)

	deactivated, err := s.SetSubscriptionActive(ctx, sub.ID, false, at)
	require.NoError(t, err)
	assert.False(t, deactivated.Active)

	snapshot.Name = "renamed"
	snapshot.UpdatedAt = at
	updated, err := s.UpdateSubscription(ctx, snapshot)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "whsec_rotated", updated.Secret, "stale snapshot does not restore the old secret")
	assert.False(t, updated.Active, "stale snapshot does not reactivate")

	require.NoError(t, s.SoftDeleteSubscription(ctx, sub.ID, at))
	deleted, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, deleted.DeletedAt)
	assert.True(t, deleted.DeletedAt.Equal(at))

	_, err = s.UpdateSubscription(ctx, snapshot)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound), "update after delete: got %v", err)
	_, err = s.SetSubscriptionActive(ctx, sub.ID, true, at)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound), "activate after delete: got %v", err)
	_, err = s.RotateSubscriptionSecret(ctx, sub.ID, "whsec_again", "hint", at)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound), "rotate after delete: got %v", err)
	assert.True(t, errors.Is(s.SoftDeleteSubscription(ctx, sub.ID, at), apperrors.ErrNotFound))

	final, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, final.Deleted(), "deletion sticks")
	assert.Equal(t, "whsec_rotated", final.Secret)
	assert.False(t, final.Active)
}

func testSubscriptionFilters(t *testing.T, s webhook.Store) {
	ctx := context.Background()
	orders := NewSubscription("order.created", "order.paid")
	orders.OwnerID = "vendor-1"
	refunds := NewSubscription("refund.issued")
	refunds.OwnerID = "vendor-2"
	inactive := NewSubscription("order.created")
	inactive.Active = false
	deleted := NewSubscription("order.created")
	deletedAt := Now()
	deleted.DeletedAt = &deletedAt
	for _, sub := range []*webhook.Subscription{orders, refunds, inactive, deleted} {
		require.NoError(t, s.CreateSubscription(ctx, sub))
	}

	ids := func(f webhook.SubscriptionFilter) []string {
		subs, err := s.ListSubscriptions(ctx, f)
		require.NoError(t, err)
		out := make([]string, 0, len(subs))
		for _, sub := range subs {
			out = append(out, sub.ID)
		}
		return out
	}

	assert.ElementsMatch(t, []string{orders.ID, refunds.ID, inactive.ID}, ids(webhook.SubscriptionFilter{}))
	assert.ElementsMatch(t, []string{orders.ID, refunds.ID, inactive.ID, deleted.ID}, ids(webhook.SubscriptionFilter{IncludeDeleted: true}))
	assert.ElementsMatch(t, []string{orders.ID}, ids(webhook.SubscriptionFilter{OwnerID: "vendor-1"}))
	assert.ElementsMatch(t, []string{orders.ID}, ids(webhook.SubscriptionFilter{EventType: "order.created", ActiveOnly: true}))
	assert.ElementsMatch(t, []string{orders.ID, inactive.ID}, ids(webhook.SubscriptionFilter{EventType: "order.created"}))
	assert.Empty(t, ids(webhook.SubscriptionFilter{EventType: "order.refunded", ActiveOnly: true}))
}

func testDeliveryStats(t *testing.T, s webhook.Store) {
	ctx := context.Background()
	sub := mustCreateSubscription(t, s, "order.created")

	first := Now()
	second := first.Add(time.Second)
	require.NoError(t, s.IncrementDeliveryStats(ctx, sub.ID, true, first))
	require.NoError(t, s.IncrementDeliveryStats(ctx, sub.ID, false, second))
	require.NoError(t, s.IncrementDeliveryStats(ctx, sub.ID, false, second))

	got, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Stats.Total)
	assert.Equal(t, int64(1), got.Stats.Successful)
	assert.Equal(t, int64(2), got.Stats.Failed)
	require.NotNil(t, got.Stats.LastSuccessAt)
	require.NotNil(t, got.Stats.LastFailureAt)
	require.NotNil(t, got.Stats.LastDeliveryAt)
	assert.True(t, got.Stats.LastSuccessAt.Equal(first))
	assert.True(t, got.Stats.LastFailureAt.Equal(second))
	assert.True(t, got.Stats.LastDeliveryAt.Equal(second))

	// configuration updates never clobber counters
	got.Name = "renamed"
	got.Stats = webhook.DeliveryStats{}
	_, err = s.UpdateSubscription(ctx, got)
	require.NoError(t, err)
	again, err := s.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), again.Stats.Total)

	assert.True(t, errors.Is(s.IncrementDeliveryStats(ctx, uuid.NewString(), true, first), apperrors.ErrNotFound))
}

func testEventsCreateAndList(t *testing.T, s webhook.Store) {
	ctx := context.Background()
	a := mustCreateSubscription(t, s, "order.created")
	b := mustCreateSubscription(t, s, "order.created")
	now := Now()

	e1 := NewEvent(a, "order.created", now)
	e1.Reference = &webhook.Reference{Kind: webhook.RefOrder, ID: "o-1"}
	e2 := NewEvent(b, "order.created", now)
	mustCreateEvents(t, s, e1, e2)

	got, err := s.GetEvent(ctx, e1.ID)
	require.NoError(t, err)
	assert.Equal(t, webhook.StatusPending, got.Status)
	assert.Equal(t, a.ID, got.SubscriptionID)
	assert.JSONEq(t, `{"order_id":42}`, string(got.Payload))
	assert.Equal(t, e1.Reference, got.Reference)
	assert.Equal(t, a.Policy.MaxRetries, got.MaxRetries)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.Equal(now))

	_, err = s.GetEvent(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	// all or nothing: a duplicate id rejects the whole batch
	e3 := NewEvent(a, "order.created", now)
	assert.Error(t, s.CreateEvents(ctx, []*webhook.Event{e3, e1}))
	_, err = s.GetEvent(ctx, e3.ID)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound), "partial batch must not be visible")

	list, err := s.ListEvents(ctx, webhook.EventFilter{SubscriptionID: a.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, e1.ID, list[0].ID)

	list, err = s.ListEvents(ctx, webhook.EventFilter{Status: webhook.StatusPending, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = s.ListEvents(ctx, webhook.EventFilter{Status: webhook.StatusDelivered})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testClaimDueEvents(t *testing.T, s webhook.Store) {
	ctx := context.Background()
	sub := mustCreateSubscription(t, s, "order.created")
	now := Now()

	due1 := NewEvent(sub, "order.created", now.Add(-2*time.Second))
	due2 := NewEvent(sub, "order.created", now.Add(-time.Second))
	future := NewEvent(sub, "order.created", now.Add(time.Hour))
	cancelled := NewEvent(sub, "order.created", now.Add(-time.Second))
	mustCreateEvents(t, s, due1, due2, future, cancelled)

	require.NoError(t, cancelled.Cancel(now))
	require.NoError(t, s.TransitionEvent(ctx, cancelled, webhook.Expect{Status: webhook.StatusPending}))

	for _, limit := range []int{0, -1} {
		none, err := s.ClaimDueEvents(ctx, webhook.ClaimRequest{WorkerID: "worker-a", Limit: limit, Now: now, LeaseExpiredBefore: now.Add(-time.Minute)})
		require.NoError(t, err, "limit %d", limit)
		assert.Empty(t, none, "limit %d claims nothing", limit)
	}
	untouched, err := s.GetEvent(ctx, due1.ID)
	require.NoError(t, err)
	assert.Equal(t, webhook.StatusPending, untouched.Status)

	req := webhook.ClaimRequest{WorkerID: "worker-a", Limit: 1, Now: now, LeaseExpiredBefore: now.Add(-time.Minute)}
	claimed, err := s.ClaimDueEvents(ctx, req)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due1.ID, claimed[0].ID, "oldest schedule first")
	assert.Equal(t, webhook.StatusProcessing, claimed[0].Status)
	assert.Equal(t, "worker-a", claimed[0].ProcessingBy)
	require.NotNil(t, claimed[0].ProcessingAt)
	assert.Nil(t, claimed[0].NextRetryAt)

	req.Limit = 10
	claimed, err = s.ClaimDueEvents(ctx, req)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due2.ID, claimed[0].ID)

	claimed, err = s.ClaimDueEvents(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, claimed, "held leases, future and cancelled events are not claimable")

	stored, err := s.GetEvent(ctx, due1.ID)
	require.NoError(t, err)
	assert.Equal(t, webhook.StatusProcessing, stored.Status)
	assert.Equal(t, "worker-a", stored.ProcessingBy)
}

func testClaimReclaimsExpiredLease(t *testing.T, s webhook.Store) {
	ctx := context.Background()
	sub := mustCreateSubscription(t, s, "order.created")
	start := Now()
	ev := NewEvent(sub, "order.created", start)
	mustCreateEvents(t, s, ev)

	lease := 5 * time.Minute
	claimed, err := s.ClaimDueEvents(ctx, webhook.ClaimRequest{WorkerID: "worker-a", Limit: 1, Now: start, LeaseExpiredBefore: start.Add(-lease)})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	before := start.Add(lease - time.Second)
	claimed, err = s.ClaimDueEvents(ctx, webhook.ClaimRequest{WorkerID: "worker-b", Limit: 1, Now: before, LeaseExpiredBefore: before.Add(-lease)})
	require.NoError(t, err)
	assert.Empty(t, claimed, "lease still valid")

	after := start.Add(lease + time.Second)
	claimed, err = s.ClaimDueEvents(ctx, webhook.ClaimRequest{WorkerID: "worker-b", Limit: 1, Now: after, LeaseExpiredBefore: after.Add(-lease)})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "worker-b", claimed[0].ProcessingBy)

	// the original holder can no longer resolve
	stale := claimed[0].Clone()
	require.NoError(t, stale.MarkDelivered(after))
	err = s.TransitionEvent(ctx, stale, webhook.Expect{Status: webhook.StatusProcessing, WorkerID: "worker-a"})
	assert.True(t, errors.Is(err, webhook.ErrStale), "got %v", err)
	require.NoError(t, s.TransitionEvent(ctx, stale, webhook.Expect{Status: webhook.StatusProcessing, WorkerID: "worker-b"}))
}

func testConcurrentClaimExclusive(t *testing.T, s webhook.Store) {
	ctx := context.Background()
	sub := mustCreateSubscription(t, s, "order.created")
	now := Now()

	const total = 40
	events := make([]*webhook.Event, total)
	for i := range events {
		events[i] = NewEvent(sub, "order.created", now.Add(-time.Duration(i)*time.Millisecond))
	}
	mustCreateEvents(t, s, events...)

	var (
		mu   sync.Mutex
		seen = make(map[string]string)
		dups []string
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		worker := fmt.Sprintf("worker-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := s.ClaimDueEvents(ctx, webhook.ClaimRequest{
					WorkerID:           worker,
					Limit:              3,
					Now:                now,
					LeaseExpiredBefore: now.Add(-time.Hour),
				})
				if err != nil {
					t.Errorf("claim failed: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, ev := range claimed {
					if prev, ok := seen[ev.ID]; ok {
						dups = append(dups, ev.ID+" by "+prev+" and "+worker)
					}
					seen[ev.ID] = worker
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, dups, "an event was claimed twice")
	assert.Len(t, seen, total)
}

func testTransitionEventGuards(t *testing.T, s webhook.Store) {
	ctx := context.Background()
	sub := mustCreateSubscription(t, s, "order.created")
	now := Now()
	ev := NewEvent(sub, "order.created", now)
	mustCreateEvents(t, s, ev)

	claimed, err := s.ClaimDueEvents(ctx, webhook.ClaimRequest{WorkerID: "w1", Limit: 1, Now: now, LeaseExpiredBefore: now.Add(-time.Minute)})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	next := now.Add(time.Minute)
	retry := claimed[0].Clone()
	require.NoError(t, retry.ScheduleRetry("HTTP 500", now, next))

	assert.True(t, errors.Is(s.TransitionEvent(ctx, retry, webhook.Expect{Status: webhook.StatusPending}), webhook.ErrStale), "wrong prior status")
	assert.True(t, errors.Is(s.TransitionEvent(ctx, retry, webhook.Expect{Status: webhook.StatusProcessing, WorkerID: "w2"}), webhook.ErrStale), "wrong lease holder")
	require.NoError(t, s.TransitionEvent(ctx, retry, webhook.Expect{Status: webhook.StatusProcessing, WorkerID: "w1"}))

	stored, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, webhook.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, "HTTP 500", stored.LastError)
	require.Len(t, stored.ErrorHistory, 1)
	assert.Equal(t, "HTTP 500", stored.ErrorHistory[0].Message)
	assert.Nil(t, stored.ProcessingAt)
	assert.Empty(t, stored.ProcessingBy)
	require.NotNil(t, stored.NextRetryAt)
	assert.True(t, stored.NextRetryAt.Equal(next))

	ghost := NewEvent(sub, "order.created", now)
	err = s.TransitionEvent(ctx, ghost, webhook.Expect{Status: webhook.StatusPending})
	assert.Error(t, err)
}

func testDeliveries(t *testing.T, s webhook.Store) {
	ctx := context.Background()
	sub := mustCreateSubscription(t, s, "order.created")
	now := Now()
	ev := NewEvent(sub, "order.created", now)
	mustCreateEvents(t, s, ev)

	first := &webhook.Delivery{
		ID:             uuid.NewString(),
		EventID:        ev.ID,
		SubscriptionID: sub.ID,
		AttemptNumber:  1,
		WorkerID:       "w1",
		RequestURL:     sub.URL,
		RequestHeaders: map[string]string{"X-Webhook-Id": ev.ID},
		RequestBody:    json.RawMessage(`{"order_id":42}`),
		Status:         webhook.DeliveryPending,
		CreatedAt:      now,
	}
	require.NoError(t, s.CreateDelivery(ctx, first))

	done := first.Clone()
	completed := now.Add(120 * time.Millisecond)
	done.Status = webhook.DeliveryFailed
	done.ResponseStatus = 500
	done.ResponseHeaders = map[string]string{"Content-Type": "text/plain"}
	done.ResponseBody = "boom"
	done.Error = "HTTP 500"
	done.DurationMs = 120
	done.CompletedAt = &completed
	require.NoError(t, s.CompleteDelivery(ctx, done))
	assert.True(t, errors.Is(s.CompleteDelivery(ctx, done), webhook.ErrStale), "deliveries finalize once")

	second := first.Clone()
	second.ID = uuid.NewString()
	second.AttemptNumber = 2
	second.CreatedAt = now.Add(time.Minute)
	require.NoError(t, s.CreateDelivery(ctx, second))

	list, err := s.ListDeliveries(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].AttemptNumber)
	assert.Equal(t, 2, list[1].AttemptNumber)
	assert.Equal(t, webhook.DeliveryFailed, list[0].Status)
	assert.Equal(t, 500, list[0].ResponseStatus)
	assert.Equal(t, "boom", list[0].ResponseBody)
	assert.Equal(t, "text/plain", list[0].ResponseHeaders["Content-Type"])
	assert.Equal(t, int64(120), list[0].DurationMs)
	assert.JSONEq(t, `{"order_id":42}`, string(list[0].RequestBody))
	assert.Equal(t, webhook.DeliveryPending, list[1].Status)

	empty, err := s.ListDeliveries(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testAudit(t *testing.T, s webhook.Store) {
	ctx := context.Background()
	base := Now()
	entries := []*webhook.AuditEntry{
		{Level: webhook.LevelDebug, Message: "claimed", SubscriptionID: "s1", EventID: "e1"},
		{Level: webhook.LevelInfo, Message: "recorded", SubscriptionID: "s1", EventID: "e2"},
		{Level: webhook.LevelError, Message: "retries exhausted", SubscriptionID: "s2", EventID: "e3", Context: map[string]any{"attempts": float64(4)}},
		{Level: webhook.LevelCritical, Message: "store unavailable"},
	}
	for i, e := range entries {
		e.ID = uuid.NewString()
		e.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.AppendAudit(ctx, e))
	}

	all, err := s.ListAudit(ctx, webhook.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "store unavailable", all[0].Message, "newest first")

	severe, err := s.ListAudit(ctx, webhook.AuditFilter{MinLevel: webhook.LevelError})
	require.NoError(t, err)
	require.Len(t, severe, 2)
	assert.Equal(t, webhook.LevelCritical, severe[0].Level)
	assert.Equal(t, float64(4), severe[1].Context["attempts"])

	bySub, err := s.ListAudit(ctx, webhook.AuditFilter{SubscriptionID: "s1"})
	require.NoError(t, err)
	assert.Len(t, bySub, 2)

	byEvent, err := s.ListAudit(ctx, webhook.AuditFilter{EventID: "e3"})
	require.NoError(t, err)
	require.Len(t, byEvent, 1)
	assert.Equal(t, "retries exhausted", byEvent[0].Message)

	limited, err := s.ListAudit(ctx, webhook.AuditFilter{Limit: 1, Since: base.Add(time.Second)})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, webhook.LevelCritical, limited[0].Level)
}
