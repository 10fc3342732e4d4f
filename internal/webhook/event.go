package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"notifier/internal/apperrors"
	"slices"
	"time"
)

// MaxErrorHistory bounds Event.ErrorHistory; older entries are dropped first.
const MaxErrorHistory = 20

// ErrLeaseLost is returned when a worker tries to resolve an event it no longer holds.
var ErrLeaseLost = errors.New("event lease lost")

// ErrStale is returned by stores when a conditional update matched no row.
var ErrStale = errors.New("stale event state")

// EventStatus is the lifecycle state of an Event.
type EventStatus string

const (
	StatusPending    EventStatus = "pending"
	StatusProcessing EventStatus = "processing"
	StatusDelivered  EventStatus = "delivered"
	StatusFailed     EventStatus = "failed"
	StatusCancelled  EventStatus = "cancelled"
)

// Terminal reports whether no automatic transition leaves s.
func (s EventStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s EventStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusDelivered, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// RefKind is the closed set of domain records an event may point at.
type RefKind string

const (
	RefOrder        RefKind = "order"
	RefPayment      RefKind = "payment"
	RefRefund       RefKind = "refund"
	RefCustomer     RefKind = "customer"
	RefProduct      RefKind = "product"
	RefVendor       RefKind = "vendor"
	RefSubscription RefKind = "subscription"
)

var refKinds = []RefKind{RefOrder, RefPayment, RefRefund, RefCustomer, RefProduct, RefVendor, RefSubscription}

// Reference identifies the domain record that raised an event.
type Reference struct {
	Kind RefKind `json:"kind"`
	ID   string  `json:"id"`
}

// Validate checks the kind is known and the id present.
func (r Reference) Validate() error {
	if !slices.Contains(refKinds, r.Kind) {
		return apperrors.Validation("reference.kind", fmt.Sprintf("unknown reference kind %q", r.Kind))
	}
	if r.ID == "" {
		return apperrors.Validation("reference.id", "reference id is required")
	}
	return nil
}

// ErrorEntry is one failed attempt in an event's history.
type ErrorEntry struct {
	Message    string    `json:"message"`
	RetryCount int       `json:"retry_count"`
	At         time.Time `json:"at"`
}

// Event is one delivery obligation for one subscription.
type Event struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Reference      *Reference      `json:"reference,omitempty"`
	Status         EventStatus     `json:"status"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	ErrorHistory   []ErrorEntry    `json:"error_history,omitempty"`
	ProcessingAt   *time.Time      `json:"processing_at,omitempty"`
	ProcessingBy   string          `json:"processing_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// NewEvent builds a pending event for sub, due immediately.
func NewEvent(id string, sub *Subscription, eventType string, payload json.RawMessage, now time.Time) *Event {
	return &Event{
		ID:             id,
		SubscriptionID: sub.ID,
		EventType:      eventType,
		Payload:        payload,
		Status:         StatusPending,
		MaxRetries:     sub.Policy.MaxRetries,
		NextRetryAt:    &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Claimable reports whether a claim at now may take the event. Processing
// events are claimable once their lease started before leaseExpiredBefore.
func (e *Event) Claimable(now, leaseExpiredBefore time.Time) bool {
	switch e.Status {
	case StatusPending:
		return e.NextRetryAt != nil && !e.NextRetryAt.After(now)
	case StatusProcessing:
		return e.ProcessingAt != nil && e.ProcessingAt.Before(leaseExpiredBefore)
	}
	return false
}

// Claim leases the event to workerID.
func (e *Event) Claim(workerID string, now time.Time) {
	e.Status = StatusProcessing
	e.ProcessingAt = &now
	e.ProcessingBy = workerID
	e.NextRetryAt = nil
	e.UpdatedAt = now
}

// RenewLease restarts the lease of a claimed event at now.
func (e *Event) RenewLease(now time.Time) error {
	if e.Status != StatusProcessing {
		return e.invalid("renew lease of")
	}
	e.ProcessingAt = &now
	e.UpdatedAt = now
	return nil
}

// Attempt is the 1-based number of the attempt about to be made.
func (e *Event) Attempt() int {
	return e.RetryCount + 1
}

// CanRetry reports whether another attempt is allowed after a failure.
func (e *Event) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// MarkDelivered resolves a successful attempt.
func (e *Event) MarkDelivered(now time.Time) error {
	if e.Status != StatusProcessing {
		return e.invalid("deliver")
	}
	e.Status = StatusDelivered
	e.NextRetryAt = nil
	e.clearLease()
	e.complete(now)
	return nil
}

// ScheduleRetry records a failed attempt and returns the event to pending until next.
func (e *Event) ScheduleRetry(msg string, now, next time.Time) error {
	if e.Status != StatusProcessing {
		return e.invalid("retry")
	}
	if !e.CanRetry() {
		return apperrors.Conflict("event", e.ID, fmt.Sprintf("event %s has exhausted %d retries", e.ID, e.MaxRetries))
	}
	e.recordError(msg, now)
	e.RetryCount++
	e.Status = StatusPending
	e.NextRetryAt = &next
	e.clearLease()
	e.UpdatedAt = now
	return nil
}

// MarkFailed records the final failed attempt.
func (e *Event) MarkFailed(msg string, now time.Time) error {
	if e.Status != StatusProcessing {
		return e.invalid("fail")
	}
	e.recordError(msg, now)
	e.Status = StatusFailed
	e.NextRetryAt = nil
	e.clearLease()
	e.complete(now)
	return nil
}

// Release returns a claimed event to pending without consuming an attempt.
func (e *Event) Release(now, until time.Time) error {
	if e.Status != StatusProcessing {
		return e.invalid("release")
	}
	e.Status = StatusPending
	e.NextRetryAt = &until
	e.clearLease()
	e.UpdatedAt = now
	return nil
}

// Cancel moves a pending or processing event to cancelled.
func (e *Event) Cancel(now time.Time) error {
	if e.Status != StatusPending && e.Status != StatusProcessing {
		return e.invalid("cancel")
	}
	e.Status = StatusCancelled
	e.NextRetryAt = nil
	e.clearLease()
	e.complete(now)
	return nil
}

// Reset returns a failed event to pending with a clean retry budget.
func (e *Event) Reset(now time.Time) error {
	if e.Status != StatusFailed {
		return e.invalid("reset")
	}
	e.Status = StatusPending
	e.RetryCount = 0
	e.LastError = ""
	e.ErrorHistory = nil
	e.NextRetryAt = &now
	e.CompletedAt = nil
	e.UpdatedAt = now
	return nil
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	c := *e
	c.Payload = slices.Clone(e.Payload)
	if e.Reference != nil {
		ref := *e.Reference
		c.Reference = &ref
	}
	c.NextRetryAt = cloneTime(e.NextRetryAt)
	c.ProcessingAt = cloneTime(e.ProcessingAt)
	c.CompletedAt = cloneTime(e.CompletedAt)
	c.ErrorHistory = slices.Clone(e.ErrorHistory)
	return &c
}

func (e *Event) recordError(msg string, now time.Time) {
	e.LastError = msg
	e.ErrorHistory = append(e.ErrorHistory, ErrorEntry{Message: msg, RetryCount: e.RetryCount, At: now})
	if n := len(e.ErrorHistory); n > MaxErrorHistory {
		e.ErrorHistory = slices.Clone(e.ErrorHistory[n-MaxErrorHistory:])
	}
}

func (e *Event) clearLease() {
	e.ProcessingAt = nil
	e.ProcessingBy = ""
}

func (e *Event) complete(now time.Time) {
	e.CompletedAt = &now
	e.UpdatedAt = now
}

func (e *Event) invalid(action string) error {
	return apperrors.Conflict("event", e.ID, fmt.Sprintf("cannot %s event %s in status %s", action, e.ID, e.Status))
}
