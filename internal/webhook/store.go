package webhook

import (
	"context"
	"time"
)

// SubscriptionFilter narrows ListSubscriptions.
type SubscriptionFilter struct {
	OwnerID        string
	EventType      string // only subscriptions subscribed to this type
	ActiveOnly     bool
	IncludeDeleted bool
}

// EventFilter narrows ListEvents. Results are newest first.
type EventFilter struct {
	SubscriptionID string
	Status         EventStatus
	Limit          int
}

// AuditFilter narrows ListAudit. Results are newest first.
type AuditFilter struct {
	MinLevel       Level
	SubscriptionID string
	EventID        string
	Since          time.Time
	Limit          int
}

// ClaimRequest describes one atomic claim.
type ClaimRequest struct {
	WorkerID string
	Limit    int // a non-positive limit claims nothing
	Now      time.Time
	// Processing events whose lease started before this instant are reclaimable.
	LeaseExpiredBefore time.Time
}

// Expect guards a conditional event update: the stored row must still be in
// Status and, when WorkerID is set, leased to that worker.
type Expect struct {
	Status   EventStatus
	WorkerID string
}

// SubscriptionStore persists subscriptions. Update, activation, rotation and
// soft delete each write only their own columns and fail with
// apperrors.ErrNotFound when the subscription is missing or soft-deleted.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]*Subscription, error)
	// UpdateSubscription writes the configuration of a live subscription: name,
	// description, URL, event types, policy and headers. Secret, activation,
	// deletion and counters are left untouched. Returns the stored row.
	UpdateSubscription(ctx context.Context, sub *Subscription) (*Subscription, error)
	SetSubscriptionActive(ctx context.Context, id string, active bool, at time.Time) (*Subscription, error)
	// RotateSubscriptionSecret replaces the sealed secret and its hint.
	RotateSubscriptionSecret(ctx context.Context, id, secret, hint string, at time.Time) (*Subscription, error)
	SoftDeleteSubscription(ctx context.Context, id string, at time.Time) error
	// IncrementDeliveryStats atomically bumps the counters of one subscription.
	IncrementDeliveryStats(ctx context.Context, id string, success bool, at time.Time) error
}

// EventStore persists events.
type EventStore interface {
	// CreateEvents inserts all events or none.
	CreateEvents(ctx context.Context, events []*Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)
	// ClaimDueEvents leases up to Limit claimable events to the worker in a single conditional write.
	ClaimDueEvents(ctx context.Context, req ClaimRequest) ([]*Event, error)
	// TransitionEvent writes the mutable fields of ev if the stored row matches expect.
	// Returns ErrStale when it does not.
	TransitionEvent(ctx context.Context, ev *Event, expect Expect) error
}

// DeliveryStore persists delivery attempts.
type DeliveryStore interface {
	CreateDelivery(ctx context.Context, d *Delivery) error
	// CompleteDelivery finalizes a pending delivery. Returns ErrStale if it was already finalized.
	CompleteDelivery(ctx context.Context, d *Delivery) error
	ListDeliveries(ctx context.Context, eventID string) ([]*Delivery, error)
}

// AuditStore persists audit entries.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// Store is the full persistence surface of the engine.
type Store interface {
	SubscriptionStore
	EventStore
	DeliveryStore
	AuditStore

	// Ready reports whether the backing storage is reachable.
	Ready(ctx context.Context) error
	Close() error
}
