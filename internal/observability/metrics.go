package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/deliveries take
// - Traffic: Request/event throughput
// - Errors: Rate of failed deliveries
// - Saturation: Busy dispatcher workers
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Recorder metrics (Traffic)
	EventsRecorded metric.Int64Counter

	// Delivery metrics (Latency, Traffic, Errors)
	DeliveryDuration metric.Float64Histogram
	DeliveriesTotal  metric.Int64Counter
	RetriesScheduled metric.Int64Counter
	EventsExhausted  metric.Int64Counter

	// Dispatcher metrics (Traffic, Saturation)
	EventsClaimed metric.Int64Counter
	WorkersBusy   metric.Int64UpDownCounter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("notifier")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.EventsRecorded, err = meter.Int64Counter(
		"events_recorded_total",
		metric.WithDescription("Total number of events recorded, one per matching subscription"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Delivery metrics
	m.DeliveryDuration, err = meter.Float64Histogram(
		"delivery_duration_seconds",
		metric.WithDescription("Webhook delivery attempt latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DeliveriesTotal, err = meter.Int64Counter(
		"deliveries_total",
		metric.WithDescription("Total delivery attempts by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RetriesScheduled, err = meter.Int64Counter(
		"retries_scheduled_total",
		metric.WithDescription("Total failed attempts rescheduled with backoff"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.EventsExhausted, err = meter.Int64Counter(
		"events_exhausted_total",
		metric.WithDescription("Total events failed after exhausting retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	m.EventsClaimed, err = meter.Int64Counter(
		"events_claimed_total",
		metric.WithDescription("Total events leased by dispatcher workers"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WorkersBusy, err = meter.Int64UpDownCounter(
		"workers_busy",
		metric.WithDescription("Number of workers currently dispatching (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordEventRecorded records one event created for a subscription.
func (m *Metrics) RecordEventRecorded(ctx context.Context, eventType string) {
	m.EventsRecorded.Add(ctx, 1, WithEventType(eventType))
}

// RecordDelivery records a finished delivery attempt. outcome is success, failed or timeout.
func (m *Metrics) RecordDelivery(ctx context.Context, outcome string, durationSeconds float64) {
	attrs := WithOutcome(outcome)
	m.DeliveriesTotal.Add(ctx, 1, attrs)
	m.DeliveryDuration.Record(ctx, durationSeconds, attrs)
}

// RecordRetryScheduled records a failed attempt returned to pending.
func (m *Metrics) RecordRetryScheduled(ctx context.Context) {
	m.RetriesScheduled.Add(ctx, 1)
}

// RecordEventExhausted records an event that failed permanently.
func (m *Metrics) RecordEventExhausted(ctx context.Context) {
	m.EventsExhausted.Add(ctx, 1)
}

// RecordEventsClaimed records a batch of leased events.
func (m *Metrics) RecordEventsClaimed(ctx context.Context, n int) {
	if n > 0 {
		m.EventsClaimed.Add(ctx, int64(n))
	}
}

// RecordWorkerBusy marks a worker as busy (delta 1) or idle (delta -1).
func (m *Metrics) RecordWorkerBusy(ctx context.Context, delta int64) {
	m.WorkersBusy.Add(ctx, delta)
}
