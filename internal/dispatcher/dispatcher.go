// Package dispatcher claims due events, delivers them as signed HTTP requests
// and hands each outcome to the retry scheduler.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"notifier/internal/apperrors"
	"notifier/internal/audit"
	"notifier/internal/scheduler"
	"notifier/internal/stats"
	"notifier/internal/webhook"
	"notifier/pkg/circuitbreaker"
	signing "notifier/pkg/webhook"
	"sync/atomic"
	"time"
)

// Action is what a Dispatch call did with the event.
type Action string

const (
	ActionDelivered      Action = "delivered"
	ActionRetryScheduled Action = "retry_scheduled"
	ActionExhausted      Action = "exhausted"
	ActionReleased       Action = "released"  // subscription inactive, no attempt consumed
	ActionCancelled      Action = "cancelled" // subscription deleted
	ActionLeaseLost      Action = "lease_lost"
)

// Result describes one Dispatch call.
type Result struct {
	Action   Action
	Event    *webhook.Event    // state after the call; the claimed copy when the lease was lost
	Delivery *webhook.Delivery // nil when no attempt was made
}

// SecretSource opens the signing secret of a subscription.
type SecretSource interface {
	SigningSecret(ctx context.Context, sub *webhook.Subscription) (string, error)
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDelivery(ctx context.Context, outcome string, durationSeconds float64)
	RecordEventsClaimed(ctx context.Context, n int)
	RecordWorkerBusy(ctx context.Context, delta int64)
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Store     webhook.Store
	Secrets   SecretSource
	Scheduler *scheduler.Scheduler
	Stats     *stats.Tracker
	Audit     *audit.Logger
	Metrics   MetricsRecorder  // optional
	Sender    *signing.Sender  // default: signing.NewSender(0)
	Now       func() time.Time // default: time.Now
}

// Stats holds dispatcher statistics.
type Stats struct {
	Claimed        int64 // events leased
	Delivered      int64 // events delivered
	FailedAttempts int64 // attempts that did not succeed
	Exhausted      int64 // events failed after their last retry
	Released       int64 // events deferred because the subscription was inactive
	Cancelled      int64 // events cancelled because the subscription was deleted
	LeaseLost      int64 // results dropped after the lease moved on
	BreakersTotal  int   // total circuit breakers
	BreakersOpen   int   // currently open breakers
}

// Dispatcher delivers claimed events. Safe for concurrent use by many workers.
type Dispatcher struct {
	store     webhook.Store
	secrets   SecretSource
	scheduler *scheduler.Scheduler
	stats     *stats.Tracker
	audit     *audit.Logger
	metrics   MetricsRecorder
	sender    *signing.Sender
	breakers  *circuitbreaker.Registry
	limiters  *hostLimiters
	config    Config
	now       func() time.Time
	logger    *slog.Logger

	claimed        atomic.Int64
	delivered      atomic.Int64
	failedAttempts atomic.Int64
	exhausted      atomic.Int64
	released       atomic.Int64
	cancelled      atomic.Int64
	leaseLost      atomic.Int64
}

// New creates a dispatcher.
func New(cfg Config, deps Deps) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		store:     deps.Store,
		secrets:   deps.Secrets,
		scheduler: deps.Scheduler,
		stats:     deps.Stats,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		sender:    deps.Sender,
		limiters:  newHostLimiters(cfg.HostRPS, cfg.HostBurst),
		config:    cfg,
		now:       deps.Now,
		logger:    slog.With("component", "dispatcher"),
	}
	if d.sender == nil {
		d.sender = signing.NewSender(0)
	}
	if d.now == nil {
		d.now = time.Now
	}
	d.breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		Threshold:     cfg.BreakerThreshold,
		Cooldown:      cfg.BreakerCooldown,
		OnStateChange: d.breakerChanged,
		Now:           d.now,
	})
	return d
}

// ClaimDueEvents leases up to limit due events to workerID in one atomic
// store operation.
func (d *Dispatcher) ClaimDueEvents(ctx context.Context, workerID string, limit int) ([]*webhook.Event, error) {
	now := d.now().UTC()
	events, err := d.store.ClaimDueEvents(ctx, webhook.ClaimRequest{
		WorkerID:           workerID,
		Limit:              limit,
		Now:                now,
		LeaseExpiredBefore: now.Add(-d.config.LeaseTimeout),
	})
	if err != nil {
		return nil, err
	}
	if n := len(events); n > 0 {
		d.claimed.Add(int64(n))
		if d.metrics != nil {
			d.metrics.RecordEventsClaimed(ctx, n)
		}
		d.logger.Debug("Events claimed", "worker", workerID, "count", n)
	}
	return events, nil
}

// Dispatch makes one delivery attempt for a claimed event and resolves it.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *webhook.Event) (*Result, error) {
	logger := d.logger.With("eventId", ev.ID, "subscriptionId", ev.SubscriptionID, "worker", ev.ProcessingBy)

	sub, err := d.store.GetSubscription(ctx, ev.SubscriptionID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return d.cancel(ctx, ev, logger)
	case err != nil:
		return nil, err
	case sub.Deleted():
		return d.cancel(ctx, ev, logger)
	case !sub.Active:
		return d.release(ctx, ev, logger)
	}

	secret, err := d.secrets.SigningSecret(ctx, sub)
	if err != nil {
		return nil, err
	}

	// Events later in a batch may have outlived their lease while earlier
	// ones were sent. Renewing proves the lease is still ours and restarts it
	// for this attempt.
	renewed, err := d.scheduler.Renew(ctx, ev)
	if errors.Is(err, webhook.ErrLeaseLost) {
		d.leaseLost.Add(1)
		logger.Warn("Lease lost before send, event skipped")
		d.audit.Warning(ctx, "lease lost before send, event skipped",
			audit.Subscription(sub.ID), audit.Event(ev.ID), audit.With("worker", ev.ProcessingBy))
		return &Result{Action: ActionLeaseLost, Event: ev}, nil
	}
	if err != nil {
		return nil, err
	}
	ev = renewed

	delivery := newDelivery(ev, sub, secret, d.now().UTC())
	if err := d.RecordAttempt(ctx, delivery); err != nil {
		return nil, err
	}

	att := d.send(ctx, sub, delivery)
	outcome := att.Outcome
	if err := d.FinishAttempt(ctx, delivery, att); err != nil {
		logger.Warn("Failed to finalize delivery", "deliveryId", delivery.ID, "error", err)
	}
	d.recordAttemptStats(ctx, sub.ID, delivery, outcome)

	next, err := d.scheduler.Resolve(ctx, ev, sub.Policy, outcome)
	if errors.Is(err, webhook.ErrLeaseLost) {
		d.leaseLost.Add(1)
		logger.Warn("Lease lost, delivery result dropped", "deliveryId", delivery.ID)
		d.audit.Warning(ctx, "lease lost, delivery result dropped",
			audit.Subscription(sub.ID), audit.Event(ev.ID), audit.Delivery(delivery.ID),
			audit.With("worker", ev.ProcessingBy), audit.With("outcome", string(outcome.Status)))
		return &Result{Action: ActionLeaseLost, Event: ev, Delivery: delivery}, nil
	}
	if err != nil {
		return nil, err
	}

	result := &Result{Event: next, Delivery: delivery}
	switch next.Status {
	case webhook.StatusDelivered:
		result.Action = ActionDelivered
		d.delivered.Add(1)
		logger.Info("Event delivered", "attempt", delivery.AttemptNumber, "durationMs", delivery.DurationMs)
		d.audit.Info(ctx, "event delivered",
			audit.Subscription(sub.ID), audit.Event(ev.ID), audit.Delivery(delivery.ID),
			audit.With("attempt", delivery.AttemptNumber), audit.With("responseStatus", delivery.ResponseStatus))
	case webhook.StatusPending:
		result.Action = ActionRetryScheduled
		logger.Warn("Delivery failed, retry scheduled", "attempt", delivery.AttemptNumber, "error", outcome.Error, "nextRetryAt", next.NextRetryAt)
	default:
		result.Action = ActionExhausted
		d.exhausted.Add(1)
		logger.Error("Delivery failed, retries exhausted", "attempts", delivery.AttemptNumber, "error", outcome.Error)
	}
	return result, nil
}

// Return hands a claimed event back, due immediately, without consuming an attempt.
func (d *Dispatcher) Return(ctx context.Context, ev *webhook.Event) error {
	_, err := d.scheduler.Release(ctx, ev, d.now())
	return err
}

func (d *Dispatcher) cancel(ctx context.Context, ev *webhook.Event, logger *slog.Logger) (*Result, error) {
	next, err := d.scheduler.Cancel(ctx, ev.ID)
	if err != nil {
		return nil, err
	}
	d.cancelled.Add(1)
	logger.Warn("Subscription deleted, event cancelled")
	d.audit.Warning(ctx, "subscription deleted, event cancelled", audit.Subscription(ev.SubscriptionID), audit.Event(ev.ID))
	return &Result{Action: ActionCancelled, Event: next}, nil
}

func (d *Dispatcher) release(ctx context.Context, ev *webhook.Event, logger *slog.Logger) (*Result, error) {
	until := d.now().Add(d.config.InactiveDeferral)
	next, err := d.scheduler.Release(ctx, ev, until)
	if errors.Is(err, webhook.ErrLeaseLost) {
		d.leaseLost.Add(1)
		return &Result{Action: ActionLeaseLost, Event: ev}, nil
	}
	if err != nil {
		return nil, err
	}
	d.released.Add(1)
	logger.Info("Subscription inactive, event deferred", "until", until)
	return &Result{Action: ActionReleased, Event: next}, nil
}

func (d *Dispatcher) recordAttemptStats(ctx context.Context, subscriptionID string, delivery *webhook.Delivery, outcome scheduler.Outcome) {
	if !outcome.Succeeded() {
		d.failedAttempts.Add(1)
	}
	if d.metrics != nil {
		d.metrics.RecordDelivery(ctx, string(outcome.Status), float64(delivery.DurationMs)/1000)
	}
	at := d.now().UTC()
	if delivery.CompletedAt != nil {
		at = *delivery.CompletedAt
	}
	if err := d.stats.UpdateDeliveryStats(ctx, subscriptionID, outcome.Succeeded(), at); err != nil {
		d.logger.Warn("Failed to update delivery stats", "subscriptionId", subscriptionID, "error", err)
	}
}

// breakerChanged records circuit transitions. Called without the breaker lock held.
func (d *Dispatcher) breakerChanged(host string, from, to circuitbreaker.State) {
	ctx := context.Background()
	fields := []audit.Field{audit.With("host", host), audit.With("from", from.String()), audit.With("to", to.String())}
	if to == circuitbreaker.Open {
		d.audit.Warning(ctx, "circuit opened", fields...)
		return
	}
	d.audit.Info(ctx, fmt.Sprintf("circuit %s", to), fields...)
}

// Stats returns current dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	breakerStats := d.breakers.Stats()
	return Stats{
		Claimed:        d.claimed.Load(),
		Delivered:      d.delivered.Load(),
		FailedAttempts: d.failedAttempts.Load(),
		Exhausted:      d.exhausted.Load(),
		Released:       d.released.Load(),
		Cancelled:      d.cancelled.Load(),
		LeaseLost:      d.leaseLost.Load(),
		BreakersTotal:  breakerStats.Total,
		BreakersOpen:   breakerStats.Open,
	}
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
