package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"notifier/internal/scheduler"
	"notifier/internal/webhook"
	signing "notifier/pkg/webhook"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// UserAgent is sent with every delivery.
const UserAgent = "notifier/1.0"

// Attempt is the captured result of one send.
type Attempt struct {
	Outcome  scheduler.Outcome
	Response *signing.Response // nil when the endpoint never answered
	Elapsed  time.Duration
}

// newDelivery snapshots the request for the next attempt of ev. The body is
// the recorded payload, byte for byte.
func newDelivery(ev *webhook.Event, sub *webhook.Subscription, secret string, now time.Time) *webhook.Delivery {
	id := uuid.NewString()
	attempt := ev.Attempt()

	headers := make(map[string]string, len(sub.Headers)+8)
	for k, v := range sub.Headers {
		headers[k] = v
	}
	headers["Content-Type"] = "application/json"
	headers["User-Agent"] = UserAgent
	headers[signing.HeaderSignature] = signing.Sign(ev.Payload, secret)
	headers[signing.HeaderEvent] = ev.EventType
	headers[signing.HeaderID] = ev.ID
	headers[signing.HeaderDelivery] = id
	headers[signing.HeaderAttempt] = strconv.Itoa(attempt)
	headers[signing.HeaderTimestamp] = strconv.FormatInt(now.Unix(), 10)

	return &webhook.Delivery{
		ID:             id,
		EventID:        ev.ID,
		SubscriptionID: sub.ID,
		AttemptNumber:  attempt,
		WorkerID:       ev.ProcessingBy,
		RequestURL:     sub.URL,
		RequestHeaders: headers,
		RequestBody:    ev.Payload,
		Status:         webhook.DeliveryPending,
		CreatedAt:      now,
	}
}

// RecordAttempt stores the pending delivery before the request is sent.
func (d *Dispatcher) RecordAttempt(ctx context.Context, delivery *webhook.Delivery) error {
	return d.store.CreateDelivery(ctx, delivery)
}

// FinishAttempt finalizes a pending delivery with the captured result. A
// delivery is finalized once.
func (d *Dispatcher) FinishAttempt(ctx context.Context, delivery *webhook.Delivery, att Attempt) error {
	now := d.now().UTC()
	delivery.Status = att.Outcome.Status
	delivery.Error = att.Outcome.Error
	delivery.DurationMs = att.Elapsed.Milliseconds()
	delivery.CompletedAt = &now
	if resp := att.Response; resp != nil {
		delivery.ResponseStatus = resp.StatusCode
		delivery.ResponseHeaders = flattenHeader(resp.Header)
		delivery.ResponseBody = responseText(resp.Body, resp.Truncated)
	}
	return d.store.CompleteDelivery(ctx, delivery)
}

// send performs the HTTP request of delivery, honoring the host's circuit
// breaker and rate limit.
func (d *Dispatcher) send(ctx context.Context, sub *webhook.Subscription, delivery *webhook.Delivery) Attempt {
	host := extractHost(sub.URL)
	timeout := sub.Policy.WithDefaults().Timeout()
	start := time.Now()

	// The throttle wait and the request together must fit in the renewed lease.
	waitCtx, cancel := context.WithTimeout(ctx, d.config.LeaseTimeout-timeout)
	err := d.limiters.Wait(waitCtx, host)
	cancel()
	if err != nil {
		return Attempt{
			Outcome: scheduler.Outcome{Status: webhook.DeliveryFailed, Error: fmt.Sprintf("rate limit wait: %v", err)},
			Elapsed: time.Since(start),
		}
	}

	breaker := d.breakers.Get(host)
	if !breaker.Allow() {
		return Attempt{
			Outcome: scheduler.Outcome{Status: webhook.DeliveryFailed, Error: "circuit open for " + host},
			Elapsed: time.Since(start),
		}
	}

	header := make(http.Header, len(delivery.RequestHeaders))
	for k, v := range delivery.RequestHeaders {
		header.Set(k, v)
	}
	resp, err := d.sender.Send(ctx, &signing.Request{
		URL:     delivery.RequestURL,
		Body:    delivery.RequestBody,
		Header:  header,
		Timeout: timeout,
	})
	att := Attempt{Response: resp, Elapsed: time.Since(start)}

	var httpErr *signing.HTTPError
	switch {
	case err == nil:
		breaker.RecordSuccess()
		att.Outcome = scheduler.Outcome{Status: webhook.DeliverySuccess}
	case errors.As(err, &httpErr):
		// The host answered; only server side trouble counts against it.
		if httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
		att.Outcome = scheduler.Outcome{Status: webhook.DeliveryFailed, Error: httpErr.Error()}
	case signing.IsTimeout(err):
		breaker.RecordFailure()
		att.Outcome = scheduler.Outcome{
			Status: webhook.DeliveryTimeout,
			Error:  fmt.Sprintf("timeout after %s", timeout),
		}
	default:
		breaker.RecordFailure()
		att.Outcome = scheduler.Outcome{Status: webhook.DeliveryFailed, Error: err.Error()}
	}
	return att
}

func flattenHeader(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[k] = strings.Join(vs, ", ")
	}
	return out
}

// responseText converts a captured body to valid UTF-8. A rune split by the
// capture limit is dropped rather than replaced.
func responseText(body []byte, truncated bool) string {
	if truncated {
		body = trimPartialRune(body)
	}
	return strings.ToValidUTF8(string(body), "\uFFFD")
}

func trimPartialRune(b []byte) []byte {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return b[:i]
			}
			return b
		}
	}
	return b
}
