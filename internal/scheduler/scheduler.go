// Package scheduler resolves delivery attempts into event state transitions
// and implements operator driven cancel and reset.
//
// Every transition is a conditional write on the prior status (and, for
// worker driven transitions, the lease holder), so a worker whose lease was
// reclaimed can never overwrite the newer state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"notifier/internal/apperrors"
	"notifier/internal/audit"
	"notifier/internal/webhook"
	"notifier/pkg/backoff"
	"time"
)

// maxOperatorAttempts bounds reload-and-retry for Cancel when the event moves underneath it.
const maxOperatorAttempts = 3

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Status webhook.DeliveryStatus
	Error  string // "HTTP 500", "circuit open for host", ...
}

// Succeeded reports whether the attempt was delivered.
func (o Outcome) Succeeded() bool {
	return o.Status == webhook.DeliverySuccess
}

// MetricsRecorder is the subset of metrics the scheduler reports.
type MetricsRecorder interface {
	RecordRetryScheduled(ctx context.Context)
	RecordEventExhausted(ctx context.Context)
}

// Config wires a Scheduler.
type Config struct {
	Events  webhook.EventStore
	Audit   *audit.Logger
	Metrics MetricsRecorder  // optional
	Now     func() time.Time // default time.Now
}

// Scheduler applies retry policy to events.
type Scheduler struct {
	events  webhook.EventStore
	audit   *audit.Logger
	metrics MetricsRecorder
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		events:  cfg.Events,
		audit:   cfg.Audit,
		metrics: cfg.Metrics,
		now:     now,
		logger:  slog.With("component", "scheduler"),
	}
}

// NextDelay is the wait after the retryCount-th failure: base * 2^(retryCount-1).
func NextDelay(retryCount, baseSeconds int) time.Duration {
	return backoff.Seconds(retryCount, baseSeconds)
}

// Resolve applies the outcome of an attempt to a claimed event. ev must be the
// event as claimed; its ProcessingBy guards the write. The retry budget is the
// one the event was recorded with; the base delay comes from policy.
//
// Returns webhook.ErrLeaseLost if the event is no longer leased to the worker.
func (s *Scheduler) Resolve(ctx context.Context, ev *webhook.Event, policy webhook.Policy, outcome Outcome) (*webhook.Event, error) {
	if ev.Status != webhook.StatusProcessing {
		return nil, apperrors.Conflict("event", ev.ID, fmt.Sprintf("cannot resolve event %s in status %s", ev.ID, ev.Status))
	}
	policy = policy.WithDefaults()
	now := s.now().UTC()
	next := ev.Clone()
	expect := webhook.Expect{Status: webhook.StatusProcessing, WorkerID: ev.ProcessingBy}

	switch {
	case outcome.Succeeded():
		if err := next.MarkDelivered(now); err != nil {
			return nil, err
		}
	case next.CanRetry():
		delay := NextDelay(next.RetryCount+1, policy.RetryDelaySeconds)
		if err := next.ScheduleRetry(outcome.Error, now, now.Add(delay)); err != nil {
			return nil, err
		}
	default:
		if err := next.MarkFailed(outcome.Error, now); err != nil {
			return nil, err
		}
	}

	if err := s.events.TransitionEvent(ctx, next, expect); err != nil {
		if errors.Is(err, webhook.ErrStale) {
			return nil, fmt.Errorf("resolve event %s: %w", ev.ID, webhook.ErrLeaseLost)
		}
		return nil, err
	}

	fields := []audit.Field{audit.Subscription(next.SubscriptionID), audit.Event(next.ID)}
	switch next.Status {
	case webhook.StatusDelivered:
		s.logger.Debug("Event delivered", "eventId", next.ID, "attempts", next.Attempt())
	case webhook.StatusPending:
		s.audit.Warning(ctx, "delivery failed, retry scheduled", append(fields,
			audit.With("error", outcome.Error),
			audit.With("retryCount", next.RetryCount),
			audit.With("nextRetryAt", next.NextRetryAt.Format(time.RFC3339)))...)
		if s.metrics != nil {
			s.metrics.RecordRetryScheduled(ctx)
		}
	case webhook.StatusFailed:
		s.audit.Error(ctx, "retries exhausted", append(fields,
			audit.With("error", outcome.Error),
			audit.With("attempts", next.RetryCount+1))...)
		if s.metrics != nil {
			s.metrics.RecordEventExhausted(ctx)
		}
	}
	return next, nil
}

// Renew restarts the lease of a claimed event, guarded by its current holder.
// Returns webhook.ErrLeaseLost if another worker reclaimed the event or it was
// cancelled.
func (s *Scheduler) Renew(ctx context.Context, ev *webhook.Event) (*webhook.Event, error) {
	next := ev.Clone()
	if err := next.RenewLease(s.now().UTC()); err != nil {
		return nil, err
	}
	err := s.events.TransitionEvent(ctx, next, webhook.Expect{Status: webhook.StatusProcessing, WorkerID: ev.ProcessingBy})
	if errors.Is(err, webhook.ErrStale) {
		return nil, fmt.Errorf("renew lease of event %s: %w", ev.ID, webhook.ErrLeaseLost)
	}
	if err != nil {
		return nil, err
	}
	return next, nil
}

// Release returns a claimed event to pending until the given time without
// consuming an attempt.
func (s *Scheduler) Release(ctx context.Context, ev *webhook.Event, until time.Time) (*webhook.Event, error) {
	next := ev.Clone()
	if err := next.Release(s.now().UTC(), until.UTC()); err != nil {
		return nil, err
	}
	err := s.events.TransitionEvent(ctx, next, webhook.Expect{Status: webhook.StatusProcessing, WorkerID: ev.ProcessingBy})
	if errors.Is(err, webhook.ErrStale) {
		return nil, fmt.Errorf("release event %s: %w", ev.ID, webhook.ErrLeaseLost)
	}
	if err != nil {
		return nil, err
	}
	s.audit.Debug(ctx, "event released", audit.Subscription(next.SubscriptionID), audit.Event(next.ID),
		audit.With("until", next.NextRetryAt.Format(time.RFC3339)))
	return next, nil
}

// Cancel stops a pending or processing event. A worker still holding the
// lease loses it; its result is dropped.
func (s *Scheduler) Cancel(ctx context.Context, id string) (*webhook.Event, error) {
	for range maxOperatorAttempts {
		ev, err := s.events.GetEvent(ctx, id)
		if err != nil {
			return nil, err
		}
		prior := ev.Status
		if err := ev.Cancel(s.now().UTC()); err != nil {
			return nil, err
		}
		err = s.events.TransitionEvent(ctx, ev, webhook.Expect{Status: prior})
		if errors.Is(err, webhook.ErrStale) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.logger.Info("Event cancelled", "eventId", id, "from", prior)
		s.audit.Info(ctx, "event cancelled", audit.Subscription(ev.SubscriptionID), audit.Event(id),
			audit.With("from", string(prior)))
		return ev, nil
	}
	return nil, apperrors.Conflict("event", id, fmt.Sprintf("event %s changed concurrently, try again", id))
}

// ResetRetries returns a failed event to pending, due now, with a fresh retry budget.
func (s *Scheduler) ResetRetries(ctx context.Context, id string) (*webhook.Event, error) {
	ev, err := s.events.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ev.Reset(s.now().UTC()); err != nil {
		return nil, err
	}
	err = s.events.TransitionEvent(ctx, ev, webhook.Expect{Status: webhook.StatusFailed})
	if errors.Is(err, webhook.ErrStale) {
		return nil, apperrors.Conflict("event", id, fmt.Sprintf("event %s is no longer failed", id))
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("Event retries reset", "eventId", id)
	s.audit.Info(ctx, "event retries reset", audit.Subscription(ev.SubscriptionID), audit.Event(id))
	return ev, nil
}
