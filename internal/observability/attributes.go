// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrEventType = "event_type"
	attrOutcome   = "outcome"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /v1/events/abc123/deliveries -> /v1/events/{eventId}/deliveries
	normalized := normalizePath(path)
	return attribute.String(attrPath, normalized)
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func eventTypeAttr(eventType string) attribute.KeyValue {
	return attribute.String(attrEventType, eventType)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

// idSegments maps a collection prefix to the placeholder of the segment after it.
var idSegments = []struct {
	prefix      string
	placeholder string
}{
	{"/v1/subscriptions/", "{subscriptionId}"},
	{"/v1/events/", "{eventId}"},
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	for _, seg := range idSegments {
		rest, ok := strings.CutPrefix(path, seg.prefix)
		if !ok || rest == "" {
			continue
		}
		_, suffix, nested := strings.Cut(rest, "/")
		if nested {
			return seg.prefix + seg.placeholder + "/" + suffix
		}
		return seg.prefix + seg.placeholder
	}
	return path
}

// WithMethod returns a metric option with the method attribute.
func WithMethod(method string) metric.MeasurementOption {
	return metric.WithAttributes(methodAttr(method))
}

// WithPath returns a metric option with the path attribute.
func WithPath(path string) metric.MeasurementOption {
	return metric.WithAttributes(pathAttr(path))
}

// WithStatus returns a metric option with the status attribute.
func WithStatus(code int) metric.MeasurementOption {
	return metric.WithAttributes(statusAttr(code))
}

// WithEventType returns a metric option with the event_type attribute.
func WithEventType(eventType string) metric.MeasurementOption {
	return metric.WithAttributes(eventTypeAttr(eventType))
}

// WithOutcome returns a metric option with the outcome attribute.
func WithOutcome(outcome string) metric.MeasurementOption {
	return metric.WithAttributes(outcomeAttr(outcome))
}
