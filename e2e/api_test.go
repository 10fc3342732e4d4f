//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"notifier/internal/api"
	"notifier/internal/audit"
	"notifier/internal/config"
	"notifier/internal/dispatcher"
	"notifier/internal/health"
	"notifier/internal/observability"
	"notifier/internal/recorder"
	"notifier/internal/registry"
	"notifier/internal/scheduler"
	"notifier/internal/secrets"
	"notifier/internal/stats"
	"notifier/internal/store/memory"
	"notifier/internal/store/postgres"
	"notifier/internal/testutil"
	"notifier/internal/webhook"
	signing "notifier/pkg/webhook"
	"os"
	"testing"
	"time"
)

const apiKey = "e2e-key"

// harness is an in-process notifier: API plus worker pool over one store.
type harness struct {
	baseURL string
	pool    *dispatcher.Pool
}

// newStore uses Postgres when E2E_DATABASE_URL is set, the memory store otherwise.
func newStore(tb testing.TB) webhook.Store {
	url := os.Getenv("E2E_DATABASE_URL")
	if url == "" {
		return memory.New()
	}
	ctx := context.Background()
	db, err := postgres.Open(ctx, config.DatabaseConfig{URL: url, MaxOpenConns: 20, MaxIdleConns: 5, ConnMaxLifetime: time.Minute})
	if err != nil {
		tb.Fatalf("Failed to open database: %v", err)
	}
	if err := postgres.MigrateUp(ctx, db); err != nil {
		tb.Fatalf("Failed to migrate: %v", err)
	}
	return postgres.New(db)
}

func newHarness(tb testing.TB, cfg dispatcher.Config) *harness {
	tb.Helper()
	ctx := context.Background()
	store := newStore(tb)

	metrics, _, err := observability.NewMetrics(ctx)
	if err != nil {
		tb.Fatalf("Failed to create metrics: %v", err)
	}
	cipher, err := secrets.New("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	if err != nil {
		tb.Fatalf("Failed to create cipher: %v", err)
	}

	auditLog := audit.New(store)
	reg := registry.NewService(store, cipher, auditLog)
	sched := scheduler.New(scheduler.Config{Events: store, Audit: auditLog, Metrics: metrics})
	tracker := stats.NewTracker(store)

	d := dispatcher.New(cfg, dispatcher.Deps{
		Store:     store,
		Secrets:   reg,
		Scheduler: sched,
		Stats:     tracker,
		Audit:     auditLog,
		Metrics:   metrics,
	})
	pool := dispatcher.NewPool(d, cfg)

	router := api.NewRouter(api.RouterConfig{
		Registry:      reg,
		Recorder:      recorder.New(recorder.Config{Matcher: reg, Events: store, Audit: auditLog, Metrics: metrics}),
		Scheduler:     sched,
		Stats:         tracker,
		Audit:         auditLog,
		Events:        store,
		Metrics:       metrics,
		HealthChecker: health.NewChecker(store, health.WithCheck("dispatcher", pool, false)),
		APIKey:        apiKey,
	})
	server := httptest.NewServer(router)

	tb.Cleanup(func() {
		server.Close()
		// Drain workers before closing the store so in-flight attempts finish
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Close(ctx)
		store.Close()
	})

	return &harness{baseURL: server.URL, pool: pool}
}

func fastConfig(workers int) dispatcher.Config {
	return dispatcher.Config{
		Workers:      workers,
		PollInterval: 20 * time.Millisecond,
		BatchSize:    10,
		LeaseTimeout: dispatcher.MinLeaseTimeout,
	}
}

func (h *harness) call(tb testing.TB, method, path string, body any, out any) int {
	tb.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			tb.Fatalf("Failed to marshal request: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.baseURL+path, r)
	if err != nil {
		tb.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		tb.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			tb.Fatalf("Failed to decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (h *harness) subscribe(tb testing.TB, url string, eventTypes []string, maxRetries int) registry.Created {
	tb.Helper()
	var created registry.Created
	status := h.call(tb, http.MethodPost, "/v1/subscriptions", map[string]any{
		"name":        "e2e receiver",
		"url":         url,
		"event_types": eventTypes,
		"policy":      map[string]int{"max_retries": maxRetries, "retry_delay_seconds": 1, "timeout_seconds": 5},
	}, &created)
	if status != http.StatusCreated {
		tb.Fatalf("Expected 201 creating subscription, got %d", status)
	}
	return created
}

func (h *harness) record(tb testing.TB, eventType string, payload any) []*webhook.Event {
	tb.Helper()
	var resp struct {
		Events []*webhook.Event `json:"events"`
	}
	status := h.call(tb, http.MethodPost, "/v1/events", map[string]any{
		"event_type": eventType,
		"payload":    payload,
	}, &resp)
	if status != http.StatusAccepted {
		tb.Fatalf("Expected 202 recording event, got %d", status)
	}
	return resp.Events
}

func (h *harness) eventStatus(tb testing.TB, id string) func() (webhook.EventStatus, error) {
	return func() (webhook.EventStatus, error) {
		var ev webhook.Event
		if status := h.call(tb, http.MethodGet, "/v1/events/"+id, nil, &ev); status != http.StatusOK {
			return "", fmt.Errorf("get event: status %d", status)
		}
		return ev.Status, nil
	}
}

func (h *harness) deliveries(tb testing.TB, id string) []*webhook.Delivery {
	tb.Helper()
	var resp struct {
		Deliveries []*webhook.Delivery `json:"deliveries"`
	}
	h.call(tb, http.MethodGet, "/v1/events/"+id+"/deliveries", nil, &resp)
	return resp.Deliveries
}

func TestAPI_Probes(t *testing.T) {
	h := newHarness(t, fastConfig(1))

	for _, path := range []string{"/livez", "/readyz"} {
		resp, err := http.Get(h.baseURL + path)
		if err != nil {
			t.Fatalf("Failed to call %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}

func TestAPI_RecordAndDeliver(t *testing.T) {
	h := newHarness(t, fastConfig(2))
	recv := testutil.NewReceiver(t)
	created := h.subscribe(t, recv.URL, []string{"order.created"}, 3)

	events := h.record(t, "order.created", map[string]any{"order_id": "o-1", "total": 4200})
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	ev := events[0]

	testutil.MustWaitForValue(t, h.eventStatus(t, ev.ID), webhook.StatusDelivered)

	reqs := recv.Requests()
	if len(reqs) != 1 {
		t.Fatalf("Expected 1 request, got %d", len(reqs))
	}
	got := reqs[0]
	if !signing.Verify(got.Body, created.Secret, got.Header.Get(signing.HeaderSignature)) {
		t.Error("Signature does not verify with the subscription secret")
	}
	if got.Header.Get(signing.HeaderID) != ev.ID {
		t.Errorf("Expected event id header %s, got %s", ev.ID, got.Header.Get(signing.HeaderID))
	}

	var summary stats.Summary
	h.call(t, http.MethodGet, "/v1/subscriptions/"+created.Subscription.ID+"/stats", nil, &summary)
	if summary.Total != 1 || summary.Successful != 1 {
		t.Errorf("Unexpected stats: %+v", summary)
	}
}

func TestAPI_RetryThenDeliver(t *testing.T) {
	h := newHarness(t, fastConfig(1))
	recv := testutil.NewReceiver(t,
		testutil.Reply{Status: http.StatusServiceUnavailable, Body: "maintenance"},
		testutil.Reply{Status: http.StatusOK},
	)
	h.subscribe(t, recv.URL, []string{"payment.settled"}, 3)

	ev := h.record(t, "payment.settled", map[string]any{"payment_id": "p-1"})[0]

	testutil.MustWaitForValue(t, h.eventStatus(t, ev.ID), webhook.StatusDelivered)

	deliveries := h.deliveries(t, ev.ID)
	if len(deliveries) != 2 {
		t.Fatalf("Expected 2 delivery rows, got %d", len(deliveries))
	}
	for _, d := range deliveries {
		switch d.AttemptNumber {
		case 1:
			if d.Status != webhook.DeliveryFailed || d.ResponseBody != "maintenance" {
				t.Errorf("First attempt: %+v", d)
			}
		case 2:
			if d.Status != webhook.DeliverySuccess {
				t.Errorf("Second attempt: %+v", d)
			}
		}
	}
}

func TestAPI_ExhaustAndReset(t *testing.T) {
	h := newHarness(t, fastConfig(1))
	recv := testutil.NewReceiver(t,
		testutil.Reply{Status: http.StatusInternalServerError},
		testutil.Reply{Status: http.StatusOK},
	)
	h.subscribe(t, recv.URL, []string{"refund.issued"}, 0)

	ev := h.record(t, "refund.issued", map[string]any{"refund_id": "r-1"})[0]
	testutil.MustWaitForValue(t, h.eventStatus(t, ev.ID), webhook.StatusFailed)

	var reset webhook.Event
	if status := h.call(t, http.MethodPost, "/v1/events/"+ev.ID+"/reset", nil, &reset); status != http.StatusOK {
		t.Fatalf("Expected 200 on reset, got %d", status)
	}
	if reset.RetryCount != 0 || len(reset.ErrorHistory) != 0 {
		t.Errorf("Reset should clear retry state: %+v", reset)
	}

	testutil.MustWaitForValue(t, h.eventStatus(t, ev.ID), webhook.StatusDelivered)

	var entries struct {
		Entries []*webhook.AuditEntry `json:"entries"`
	}
	h.call(t, http.MethodGet, "/v1/audit?level=error&event_id="+ev.ID, nil, &entries)
	if len(entries.Entries) != 1 || entries.Entries[0].Message != "retries exhausted" {
		t.Errorf("Expected one exhausted audit entry, got %+v", entries.Entries)
	}
}

func TestAPI_DeactivatedSubscriptionIsSkipped(t *testing.T) {
	h := newHarness(t, fastConfig(1))
	recv := testutil.NewReceiver(t)
	created := h.subscribe(t, recv.URL, []string{"customer.updated"}, 3)

	h.call(t, http.MethodPost, "/v1/subscriptions/"+created.Subscription.ID+"/deactivate", nil, nil)

	if events := h.record(t, "customer.updated", map[string]any{}); len(events) != 0 {
		t.Errorf("Expected no events for an inactive subscription, got %d", len(events))
	}
}
