// Package memory provides an in-process webhook.Store for development and tests.
//
// All operations run under a single mutex, so every conditional write is
// atomic with respect to concurrent claims. Values are deep-copied on the way
// in and out; callers never share memory with the store.
package memory

import (
	"context"
	"errors"
	"maps"
	"notifier/internal/apperrors"
	"notifier/internal/webhook"
	"slices"
	"sort"
	"sync"
	"time"
)

// Store is an in-memory webhook.Store.
type Store struct {
	mu            sync.Mutex
	subscriptions map[string]*webhook.Subscription
	events        map[string]*webhook.Event
	eventOrder    []string // insertion order
	deliveries    map[string]*webhook.Delivery
	byEvent       map[string][]string // event id -> delivery ids in attempt order
	audit         []*webhook.AuditEntry
	closed        bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		subscriptions: make(map[string]*webhook.Subscription),
		events:        make(map[string]*webhook.Event),
		deliveries:    make(map[string]*webhook.Delivery),
		byEvent:       make(map[string][]string),
	}
}

// Ready reports whether the store is usable.
func (s *Store) Ready(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.Unavailable("memory.ready", errClosed)
	}
	return nil
}

// Close marks the store closed. Data is kept for inspection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// CreateSubscription stores a new subscription.
func (s *Store) CreateSubscription(ctx context.Context, sub *webhook.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subscriptions[sub.ID]; exists {
		return apperrors.Conflict("subscription", sub.ID, "subscription "+sub.ID+" already exists")
	}
	s.subscriptions[sub.ID] = sub.Clone()
	return nil
}

// GetSubscription returns a subscription, deleted or not.
func (s *Store) GetSubscription(ctx context.Context, id string) (*webhook.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, apperrors.NotFound("subscription", id)
	}
	return sub.Clone(), nil
}

// ListSubscriptions returns matching subscriptions ordered by creation time.
func (s *Store) ListSubscriptions(ctx context.Context, f webhook.SubscriptionFilter) ([]*webhook.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*webhook.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		if f.OwnerID != "" && sub.OwnerID != f.OwnerID {
			continue
		}
		if f.ActiveOnly && !sub.Active {
			continue
		}
		if !f.IncludeDeleted && sub.Deleted() {
			continue
		}
		if f.EventType != "" && !sub.IsSubscribedTo(f.EventType) {
			continue
		}
		out = append(out, sub.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateSubscription replaces configuration fields of a live subscription.
func (s *Store) UpdateSubscription(ctx context.Context, sub *webhook.Subscription) (*webhook.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.live(sub.ID)
	if err != nil {
		return nil, err
	}
	cur.Name = sub.Name
	cur.Description = sub.Description
	cur.URL = sub.URL
	cur.EventTypes = slices.Clone(sub.EventTypes)
	cur.Policy = sub.Policy
	cur.Headers = maps.Clone(sub.Headers)
	cur.UpdatedAt = sub.UpdatedAt
	return cur.Clone(), nil
}

// SetSubscriptionActive flips the active flag of a live subscription.
func (s *Store) SetSubscriptionActive(ctx context.Context, id string, active bool, at time.Time) (*webhook.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.live(id)
	if err != nil {
		return nil, err
	}
	cur.Active = active
	cur.UpdatedAt = at
	return cur.Clone(), nil
}

// RotateSubscriptionSecret swaps the sealed secret of a live subscription.
func (s *Store) RotateSubscriptionSecret(ctx context.Context, id, secret, hint string, at time.Time) (*webhook.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.live(id)
	if err != nil {
		return nil, err
	}
	cur.Secret = secret
	cur.SecretHint = hint
	cur.UpdatedAt = at
	return cur.Clone(), nil
}

// SoftDeleteSubscription marks a live subscription deleted.
func (s *Store) SoftDeleteSubscription(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.live(id)
	if err != nil {
		return err
	}
	deletedAt := at
	cur.DeletedAt = &deletedAt
	cur.UpdatedAt = at
	return nil
}

// live returns the stored, not deleted subscription. Callers hold s.mu.
func (s *Store) live(id string) (*webhook.Subscription, error) {
	cur, ok := s.subscriptions[id]
	if !ok || cur.Deleted() {
		return nil, apperrors.NotFound("subscription", id)
	}
	return cur, nil
}

// IncrementDeliveryStats bumps the counters of one subscription.
func (s *Store) IncrementDeliveryStats(ctx context.Context, id string, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return apperrors.NotFound("subscription", id)
	}
	sub.Stats.Total++
	sub.Stats.LastDeliveryAt = &at
	if success {
		sub.Stats.Successful++
		sub.Stats.LastSuccessAt = &at
	} else {
		sub.Stats.Failed++
		sub.Stats.LastFailureAt = &at
	}
	return nil
}

// CreateEvents inserts all events or none.
func (s *Store) CreateEvents(ctx context.Context, events []*webhook.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		if _, exists := s.events[ev.ID]; exists {
			return apperrors.Conflict("event", ev.ID, "event "+ev.ID+" already exists")
		}
	}
	for _, ev := range events {
		s.events[ev.ID] = ev.Clone()
		s.eventOrder = append(s.eventOrder, ev.ID)
	}
	return nil
}

// GetEvent returns one event.
func (s *Store) GetEvent(ctx context.Context, id string) (*webhook.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, apperrors.NotFound("event", id)
	}
	return ev.Clone(), nil
}

// ListEvents returns matching events, newest first.
func (s *Store) ListEvents(ctx context.Context, f webhook.EventFilter) ([]*webhook.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*webhook.Event
	for i := len(s.eventOrder) - 1; i >= 0; i-- {
		ev := s.events[s.eventOrder[i]]
		if f.SubscriptionID != "" && ev.SubscriptionID != f.SubscriptionID {
			continue
		}
		if f.Status != "" && ev.Status != f.Status {
			continue
		}
		out = append(out, ev.Clone())
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// ClaimDueEvents leases due events, oldest schedule first.
func (s *Store) ClaimDueEvents(ctx context.Context, req webhook.ClaimRequest) ([]*webhook.Event, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*webhook.Event
	for _, id := range s.eventOrder {
		ev := s.events[id]
		if ev.Claimable(req.Now, req.LeaseExpiredBefore) {
			due = append(due, ev)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return claimKey(due[i]).Before(claimKey(due[j]))
	})
	if len(due) > req.Limit {
		due = due[:req.Limit]
	}

	out := make([]*webhook.Event, 0, len(due))
	for _, ev := range due {
		ev.Claim(req.WorkerID, req.Now)
		out = append(out, ev.Clone())
	}
	return out, nil
}

// claimKey orders pending events by schedule and expired leases by lease start.
func claimKey(ev *webhook.Event) time.Time {
	if ev.NextRetryAt != nil {
		return *ev.NextRetryAt
	}
	if ev.ProcessingAt != nil {
		return *ev.ProcessingAt
	}
	return ev.CreatedAt
}

// TransitionEvent writes ev when the stored row matches expect.
func (s *Store) TransitionEvent(ctx context.Context, ev *webhook.Event, expect webhook.Expect) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.events[ev.ID]
	if !ok {
		return apperrors.NotFound("event", ev.ID)
	}
	if cur.Status != expect.Status || (expect.WorkerID != "" && cur.ProcessingBy != expect.WorkerID) {
		return webhook.ErrStale
	}
	next := ev.Clone()
	// identity and payload are immutable
	next.SubscriptionID = cur.SubscriptionID
	next.EventType = cur.EventType
	next.Payload = cur.Payload
	next.Reference = cur.Reference
	next.MaxRetries = cur.MaxRetries
	next.CreatedAt = cur.CreatedAt
	s.events[ev.ID] = next
	return nil
}

// CreateDelivery stores a new pending delivery.
func (s *Store) CreateDelivery(ctx context.Context, d *webhook.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deliveries[d.ID]; exists {
		return apperrors.Conflict("delivery", d.ID, "delivery "+d.ID+" already exists")
	}
	if _, ok := s.events[d.EventID]; !ok {
		return apperrors.NotFound("event", d.EventID)
	}
	s.deliveries[d.ID] = d.Clone()
	s.byEvent[d.EventID] = append(s.byEvent[d.EventID], d.ID)
	return nil
}

// CompleteDelivery finalizes a pending delivery once.
func (s *Store) CompleteDelivery(ctx context.Context, d *webhook.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.deliveries[d.ID]
	if !ok {
		return apperrors.NotFound("delivery", d.ID)
	}
	if cur.Status != webhook.DeliveryPending {
		return webhook.ErrStale
	}
	s.deliveries[d.ID] = d.Clone()
	return nil
}

// ListDeliveries returns the attempts of one event in attempt order.
func (s *Store) ListDeliveries(ctx context.Context, eventID string) ([]*webhook.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byEvent[eventID]
	out := make([]*webhook.Delivery, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.deliveries[id].Clone())
	}
	return out, nil
}

// AppendAudit appends one entry.
func (s *Store) AppendAudit(ctx context.Context, entry *webhook.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *entry
	c.Context = cloneContext(entry.Context)
	s.audit = append(s.audit, &c)
	return nil
}

// ListAudit returns matching entries, newest first.
func (s *Store) ListAudit(ctx context.Context, f webhook.AuditFilter) ([]*webhook.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*webhook.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if e.Level < f.MinLevel {
			continue
		}
		if f.SubscriptionID != "" && e.SubscriptionID != f.SubscriptionID {
			continue
		}
		if f.EventID != "" && e.EventID != f.EventID {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		c := *e
		c.Context = cloneContext(e.Context)
		out = append(out, &c)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// DeliveryCount returns how many attempts exist for an event.
func (s *Store) DeliveryCount(eventID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byEvent[eventID])
}

func cloneContext(m map[string]any) map[string]any {
	return maps.Clone(m)
}

var errClosed = errors.New("memory store closed")

var _ webhook.Store = (*Store)(nil)
