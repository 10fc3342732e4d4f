// Package stats maintains per-subscription delivery counters.
package stats

import (
	"context"
	"notifier/internal/webhook"
	"time"
)

// Summary is a subscription's counters plus derived rates.
type Summary struct {
	SubscriptionID string `json:"subscription_id"`
	webhook.DeliveryStats
	FailureRate float64 `json:"failure_rate"`
	SuccessRate float64 `json:"success_rate"`
}

// Tracker updates and reads delivery counters.
type Tracker struct {
	store webhook.SubscriptionStore
}

// NewTracker creates a Tracker over store.
func NewTracker(store webhook.SubscriptionStore) *Tracker {
	return &Tracker{store: store}
}

// UpdateDeliveryStats counts one finished attempt. The increment is a single
// store operation, so concurrent workers never lose updates.
func (t *Tracker) UpdateDeliveryStats(ctx context.Context, subscriptionID string, success bool, at time.Time) error {
	return t.store.IncrementDeliveryStats(ctx, subscriptionID, success, at)
}

// Summary returns the counters of one subscription.
func (t *Tracker) Summary(ctx context.Context, subscriptionID string) (*Summary, error) {
	sub, err := t.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	s := &Summary{
		SubscriptionID: sub.ID,
		DeliveryStats:  sub.Stats,
		FailureRate:    sub.Stats.FailureRate(),
	}
	if sub.Stats.Total > 0 {
		s.SuccessRate = float64(sub.Stats.Successful) / float64(sub.Stats.Total)
	}
	return s, nil
}
