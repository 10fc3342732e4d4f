// Package webhook defines the delivery engine's domain model and the
// repository interfaces the stores implement.
package webhook

import (
	"encoding/json"
	"fmt"
	"maps"
	"notifier/internal/apperrors"
	"regexp"
	"slices"
	"time"
)

// Policy defaults and bounds.
const (
	DefaultTimeoutSeconds    = 30
	DefaultMaxRetries        = 3
	DefaultRetryDelaySeconds = 60

	MaxTimeoutSeconds    = 300
	MaxMaxRetries        = 25
	MaxRetryDelaySeconds = 86400
)

// MaxEventTypeLength bounds a single event type name.
const MaxEventTypeLength = 128

// eventTypePattern is lower-case dotted segments, e.g. "order.created".
var eventTypePattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)

// ValidateEventType checks an event type name, reporting problems against field.
func ValidateEventType(field, eventType string) error {
	if eventType == "" {
		return apperrors.Validation(field, "event type is required")
	}
	if len(eventType) > MaxEventTypeLength {
		return apperrors.Validation(field, fmt.Sprintf("event type exceeds maximum length of %d", MaxEventTypeLength))
	}
	if !eventTypePattern.MatchString(eventType) {
		return apperrors.Validation(field, fmt.Sprintf("event type %q must be lower-case dotted segments (e.g. order.created)", eventType))
	}
	return nil
}

// Policy controls how deliveries to a subscription are attempted.
type Policy struct {
	TimeoutSeconds    int `json:"timeout_seconds"`
	MaxRetries        int `json:"max_retries"`
	RetryDelaySeconds int `json:"retry_delay_seconds"`
}

// Timeout returns the per-request timeout.
func (p Policy) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// WithDefaults fills zero timeout and delay. Zero MaxRetries is a valid policy
// and is left alone.
func (p Policy) WithDefaults() Policy {
	if p.TimeoutSeconds == 0 {
		p.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if p.RetryDelaySeconds == 0 {
		p.RetryDelaySeconds = DefaultRetryDelaySeconds
	}
	return p
}

// DefaultPolicy returns the policy applied when a subscription specifies none.
func DefaultPolicy() Policy {
	return Policy{
		TimeoutSeconds:    DefaultTimeoutSeconds,
		MaxRetries:        DefaultMaxRetries,
		RetryDelaySeconds: DefaultRetryDelaySeconds,
	}
}

// DeliveryStats are the rolling counters kept per subscription.
type DeliveryStats struct {
	Total          int64      `json:"total"`
	Successful     int64      `json:"successful"`
	Failed         int64      `json:"failed"`
	LastDeliveryAt *time.Time `json:"last_delivery_at,omitempty"`
	LastSuccessAt  *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt  *time.Time `json:"last_failure_at,omitempty"`
}

// FailureRate is Failed/Total, or 0 before any delivery.
func (s DeliveryStats) FailureRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Total)
}

// Subscription is an integrator's registered endpoint.
type Subscription struct {
	ID          string            `json:"id"`
	OwnerID     string            `json:"owner_id,omitempty"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	URL         string            `json:"url"`
	EventTypes  []string          `json:"event_types"`
	Secret      string            `json:"-"` // sealed form, see internal/secrets
	SecretHint  string            `json:"secret_hint"`
	Active      bool              `json:"active"`
	Policy      Policy            `json:"policy"`
	Headers     map[string]string `json:"headers,omitempty"`
	Stats       DeliveryStats     `json:"stats"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	DeletedAt   *time.Time        `json:"deleted_at,omitempty"`
}

// IsSubscribedTo reports whether eventType is in the subscription's set.
func (s *Subscription) IsSubscribedTo(eventType string) bool {
	return slices.Contains(s.EventTypes, eventType)
}

// Deleted reports whether the subscription was soft deleted.
func (s *Subscription) Deleted() bool {
	return s.DeletedAt != nil
}

// Eligible reports whether new events may be fanned out to the subscription.
func (s *Subscription) Eligible() bool {
	return s.Active && !s.Deleted()
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.EventTypes = slices.Clone(s.EventTypes)
	c.Headers = maps.Clone(s.Headers)
	c.Stats.LastDeliveryAt = cloneTime(s.Stats.LastDeliveryAt)
	c.Stats.LastSuccessAt = cloneTime(s.Stats.LastSuccessAt)
	c.Stats.LastFailureAt = cloneTime(s.Stats.LastFailureAt)
	c.DeletedAt = cloneTime(s.DeletedAt)
	return &c
}

// DeliveryStatus is the outcome of one attempt.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliveryTimeout DeliveryStatus = "timeout"
)

// Delivery records a single HTTP attempt against an Event.
type Delivery struct {
	ID              string            `json:"id"`
	EventID         string            `json:"event_id"`
	SubscriptionID  string            `json:"subscription_id"`
	AttemptNumber   int               `json:"attempt_number"`
	WorkerID        string            `json:"worker_id,omitempty"`
	RequestURL      string            `json:"request_url"`
	RequestHeaders  map[string]string `json:"request_headers"`
	RequestBody     json.RawMessage   `json:"request_body"`
	Status          DeliveryStatus    `json:"status"`
	ResponseStatus  int               `json:"response_status,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    string            `json:"response_body,omitempty"`
	Error           string            `json:"error,omitempty"`
	DurationMs      int64             `json:"duration_ms"`
	CreatedAt       time.Time         `json:"created_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (d *Delivery) Clone() *Delivery {
	c := *d
	c.RequestHeaders = maps.Clone(d.RequestHeaders)
	c.RequestBody = slices.Clone(d.RequestBody)
	c.ResponseHeaders = maps.Clone(d.ResponseHeaders)
	c.CompletedAt = cloneTime(d.CompletedAt)
	return &c
}

// Level is the severity of an audit entry. Levels are ordered.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
)

var levelNames = []string{"debug", "info", "warning", "error", "critical"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelCritical {
		return "unknown"
	}
	return levelNames[l]
}

// ParseLevel parses a level name.
func ParseLevel(s string) (Level, bool) {
	i := slices.Index(levelNames, s)
	if i < 0 {
		return LevelDebug, false
	}
	return Level(i), true
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(b []byte) error {
	v, ok := ParseLevel(string(b))
	if !ok {
		return fmt.Errorf("unknown audit level %q", string(b))
	}
	*l = v
	return nil
}

// AuditEntry is one append-only diagnostic record.
type AuditEntry struct {
	ID             string         `json:"id"`
	Level          Level          `json:"level"`
	Message        string         `json:"message"`
	Context        map[string]any `json:"context,omitempty"`
	SubscriptionID string         `json:"subscription_id,omitempty"`
	EventID        string         `json:"event_id,omitempty"`
	DeliveryID     string         `json:"delivery_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
