// Package recorder turns a domain event into one pending delivery obligation
// per matching subscription.
package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"notifier/internal/apperrors"
	"notifier/internal/audit"
	"notifier/internal/webhook"
	"time"

	"github.com/google/uuid"
)

// MaxPayloadBytes bounds a recorded payload.
const MaxPayloadBytes = 1 << 20

// Matcher resolves the subscriptions an event type fans out to.
type Matcher interface {
	MatchActive(ctx context.Context, eventType string) ([]*webhook.Subscription, error)
}

// MetricsRecorder is the subset of metrics the recorder reports.
type MetricsRecorder interface {
	RecordEventRecorded(ctx context.Context, eventType string)
}

// Config wires a Recorder.
type Config struct {
	Matcher Matcher
	Events  webhook.EventStore
	Audit   *audit.Logger
	Metrics MetricsRecorder  // optional
	Now     func() time.Time // default time.Now
}

// Recorder records events. It never dispatches.
type Recorder struct {
	matcher Matcher
	events  webhook.EventStore
	audit   *audit.Logger
	metrics MetricsRecorder
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Recorder.
func New(cfg Config) *Recorder {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		matcher: cfg.Matcher,
		events:  cfg.Events,
		audit:   cfg.Audit,
		metrics: cfg.Metrics,
		now:     now,
		logger:  slog.With("component", "recorder"),
	}
}

// Option configures a single Record call.
type Option func(*options)

type options struct {
	reference *webhook.Reference
}

// WithReference links the recorded events to the domain record that raised them.
func WithReference(ref webhook.Reference) Option {
	return func(o *options) { o.reference = &ref }
}

// Record creates one pending event for every active subscription to
// eventType. All events are stored in a single call; no matches returns an
// empty slice and stores nothing.
func (r *Recorder) Record(ctx context.Context, eventType string, payload json.RawMessage, opts ...Option) ([]*webhook.Event, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := webhook.ValidateEventType("event_type", eventType); err != nil {
		return nil, err
	}
	payload, err := normalizePayload(payload)
	if err != nil {
		return nil, err
	}
	if o.reference != nil {
		if err := o.reference.Validate(); err != nil {
			return nil, err
		}
	}

	subs, err := r.matcher.MatchActive(ctx, eventType)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		r.logger.Debug("No subscriptions for event type", "eventType", eventType)
		return []*webhook.Event{}, nil
	}

	now := r.now().UTC()
	events := make([]*webhook.Event, 0, len(subs))
	for _, sub := range subs {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, apperrors.Internal("recorder.record", err)
		}
		ev := webhook.NewEvent(id.String(), sub, eventType, payload, now)
		if o.reference != nil {
			ref := *o.reference
			ev.Reference = &ref
		}
		events = append(events, ev)
	}

	if err := r.events.CreateEvents(ctx, events); err != nil {
		r.logger.Error("Failed to record events", "eventType", eventType, "count", len(events), "error", err)
		return nil, err
	}

	for _, ev := range events {
		fields := []audit.Field{
			audit.Subscription(ev.SubscriptionID),
			audit.Event(ev.ID),
			audit.With("eventType", eventType),
		}
		if ev.Reference != nil {
			fields = append(fields, audit.With("reference", string(ev.Reference.Kind)+":"+ev.Reference.ID))
		}
		r.audit.Info(ctx, "event recorded", fields...)
		if r.metrics != nil {
			r.metrics.RecordEventRecorded(ctx, eventType)
		}
	}
	r.logger.Info("Events recorded", "eventType", eventType, "count", len(events))
	return events, nil
}

// normalizePayload checks payload is a single JSON value and maps an empty
// payload to an empty object. Valid payloads are kept byte for byte.
func normalizePayload(payload json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if len(payload) > MaxPayloadBytes {
		return nil, apperrors.Validation("payload", fmt.Sprintf("payload exceeds maximum size of %d bytes", MaxPayloadBytes))
	}
	if !json.Valid(payload) {
		return nil, apperrors.Validation("payload", "payload must be valid JSON")
	}
	return payload, nil
}
