// Package registry manages webhook subscriptions: validation, signing
// secrets, lifecycle and event type matching.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"notifier/internal/apperrors"
	"notifier/internal/audit"
	"notifier/internal/secrets"
	"notifier/internal/webhook"
	signing "notifier/pkg/webhook"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Validation limits
const (
	maxNameLength     = 255
	maxDescriptionLen = 1024
	maxURLLength      = 2048
	maxEventTypes     = 64
	maxHeaders        = 32
	maxHeaderValueLen = 1024
)

var headerNamePattern = regexp.MustCompile("^[A-Za-z0-9!#$%&'*+.^_`|~-]+$")

// Service manages subscriptions on top of a SubscriptionStore.
type Service struct {
	store  webhook.SubscriptionStore
	cipher secrets.Cipher
	audit  *audit.Logger
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a registry. A nil cipher stores secrets in plaintext.
func NewService(store webhook.SubscriptionStore, cipher secrets.Cipher, auditLog *audit.Logger, opts ...Option) *Service {
	if cipher == nil {
		cipher = secrets.Plaintext{}
	}
	s := &Service{
		store:  store,
		cipher: cipher,
		audit:  auditLog,
		now:    time.Now,
		logger: slog.With("component", "registry"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates req, generates a signing secret and stores the subscription.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*Created, error) {
	now := s.now().UTC()
	sub := &webhook.Subscription{
		ID:          uuid.NewString(),
		OwnerID:     strings.TrimSpace(req.OwnerID),
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		URL:         strings.TrimSpace(req.URL),
		EventTypes:  normalizeEventTypes(req.EventTypes),
		Active:      req.Active == nil || *req.Active,
		Policy:      applyPolicy(webhook.DefaultPolicy(), req.Policy),
		Headers:     canonicalHeaders(req.Headers),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := validate(sub); err != nil {
		return nil, err
	}

	secret, err := s.issueSecret(sub)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	s.logger.Info("Subscription created", "subscriptionId", sub.ID, "url", sub.URL, "eventTypes", sub.EventTypes)
	s.audit.Info(ctx, "subscription created",
		audit.Subscription(sub.ID), audit.With("url", sub.URL), audit.With("eventTypes", sub.EventTypes))
	return &Created{Subscription: redact(sub), Secret: secret}, nil
}

// Get returns a live subscription.
func (s *Service) Get(ctx context.Context, id string) (*webhook.Subscription, error) {
	sub, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return redact(sub), nil
}

// List returns subscriptions ordered by creation time.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*webhook.Subscription, error) {
	subs, err := s.store.ListSubscriptions(ctx, webhook.SubscriptionFilter{
		OwnerID:        f.OwnerID,
		ActiveOnly:     f.ActiveOnly,
		IncludeDeleted: f.IncludeDeleted,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*webhook.Subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, redact(sub))
	}
	return out, nil
}

// Update applies a partial update. Events already recorded keep the retry
// budget they were created with.
func (s *Service) Update(ctx context.Context, id string, req *UpdateRequest) (*webhook.Subscription, error) {
	sub, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		sub.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		sub.Description = *req.Description
	}
	if req.URL != nil {
		sub.URL = strings.TrimSpace(*req.URL)
	}
	if req.EventTypes != nil {
		sub.EventTypes = normalizeEventTypes(req.EventTypes)
	}
	if req.Headers != nil {
		sub.Headers = canonicalHeaders(req.Headers)
	}
	sub.Policy = applyPolicy(sub.Policy, req.Policy)
	if err := validate(sub); err != nil {
		return nil, err
	}
	sub.UpdatedAt = s.now().UTC()

	updated, err := s.store.UpdateSubscription(ctx, sub)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Subscription updated", "subscriptionId", sub.ID)
	s.audit.Info(ctx, "subscription updated", audit.Subscription(sub.ID))
	return redact(updated), nil
}

// Activate resumes fan-out and dispatch for a subscription.
func (s *Service) Activate(ctx context.Context, id string) (*webhook.Subscription, error) {
	return s.setActive(ctx, id, true)
}

// Deactivate stops fan-out of new events and dispatch of queued ones. History is kept.
func (s *Service) Deactivate(ctx context.Context, id string) (*webhook.Subscription, error) {
	return s.setActive(ctx, id, false)
}

func (s *Service) setActive(ctx context.Context, id string, active bool) (*webhook.Subscription, error) {
	sub, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Active == active {
		return redact(sub), nil
	}
	updated, err := s.store.SetSubscriptionActive(ctx, id, active, s.now().UTC())
	if err != nil {
		return nil, err
	}

	msg := "subscription deactivated"
	if active {
		msg = "subscription activated"
	}
	s.logger.Info(msg, "subscriptionId", id)
	s.audit.Info(ctx, msg, audit.Subscription(id))
	return redact(updated), nil
}

// Delete soft-deletes a subscription. Its queued events are cancelled when claimed.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.SoftDeleteSubscription(ctx, id, s.now().UTC()); err != nil {
		return err
	}
	s.logger.Info("Subscription deleted", "subscriptionId", id)
	s.audit.Warning(ctx, "subscription deleted", audit.Subscription(id))
	return nil
}

// RotateSecret replaces the signing secret. The old secret stops being used immediately.
func (s *Service) RotateSecret(ctx context.Context, id string) (*Created, error) {
	secret, sealed, err := s.newSecret()
	if err != nil {
		return nil, err
	}
	updated, err := s.store.RotateSubscriptionSecret(ctx, id, sealed, secrets.Hint(secret), s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.logger.Info("Signing secret rotated", "subscriptionId", id)
	s.audit.Info(ctx, "signing secret rotated", audit.Subscription(id))
	return &Created{Subscription: redact(updated), Secret: secret}, nil
}

// IsSubscribedTo reports whether sub receives eventType.
func (s *Service) IsSubscribedTo(sub *webhook.Subscription, eventType string) bool {
	return sub.IsSubscribedTo(eventType)
}

// MatchActive returns the active, non-deleted subscriptions for eventType.
func (s *Service) MatchActive(ctx context.Context, eventType string) ([]*webhook.Subscription, error) {
	return s.store.ListSubscriptions(ctx, webhook.SubscriptionFilter{EventType: eventType, ActiveOnly: true})
}

// SigningSecret returns the plaintext secret of sub. Redacted values are
// reloaded from the store.
func (s *Service) SigningSecret(ctx context.Context, sub *webhook.Subscription) (string, error) {
	sealed := sub.Secret
	if sealed == "" {
		stored, err := s.store.GetSubscription(ctx, sub.ID)
		if err != nil {
			return "", err
		}
		sealed = stored.Secret
	}
	secret, err := s.cipher.Open(sealed)
	if err != nil {
		return "", apperrors.Internal("registry.signingSecret", err)
	}
	return secret, nil
}

// load returns a subscription that has not been deleted.
func (s *Service) load(ctx context.Context, id string) (*webhook.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Deleted() {
		return nil, apperrors.NotFound("subscription", id)
	}
	return sub, nil
}

// issueSecret generates a secret, seals it into sub and returns the plaintext.
func (s *Service) issueSecret(sub *webhook.Subscription) (string, error) {
	secret, sealed, err := s.newSecret()
	if err != nil {
		return "", err
	}
	sub.Secret = sealed
	sub.SecretHint = secrets.Hint(secret)
	return secret, nil
}

// newSecret returns a fresh plaintext secret and its sealed form.
func (s *Service) newSecret() (secret, sealed string, err error) {
	secret, err = secrets.Generate()
	if err != nil {
		return "", "", apperrors.Internal("registry.newSecret", err)
	}
	sealed, err = s.cipher.Seal(secret)
	if err != nil {
		return "", "", apperrors.Internal("registry.newSecret", err)
	}
	return secret, sealed, nil
}

func redact(sub *webhook.Subscription) *webhook.Subscription {
	c := sub.Clone()
	c.Secret = ""
	return c
}

func applyPolicy(p webhook.Policy, in PolicyInput) webhook.Policy {
	if in.TimeoutSeconds != nil {
		p.TimeoutSeconds = *in.TimeoutSeconds
	}
	if in.MaxRetries != nil {
		p.MaxRetries = *in.MaxRetries
	}
	if in.RetryDelaySeconds != nil {
		p.RetryDelaySeconds = *in.RetryDelaySeconds
	}
	return p
}

// normalizeEventTypes trims, de-duplicates and sorts.
func normalizeEventTypes(types []string) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, strings.TrimSpace(t))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func canonicalHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[http.CanonicalHeaderKey(strings.TrimSpace(k))] = v
	}
	return out
}

// validate checks a fully populated subscription. Does not modify it.
func validate(sub *webhook.Subscription) error {
	if sub.Name == "" {
		return apperrors.Validation("name", "name is required")
	}
	if len(sub.Name) > maxNameLength {
		return apperrors.Validation("name", fmt.Sprintf("name exceeds maximum length of %d", maxNameLength))
	}
	if len(sub.Description) > maxDescriptionLen {
		return apperrors.Validation("description", fmt.Sprintf("description exceeds maximum length of %d", maxDescriptionLen))
	}

	if err := validateURL(sub.URL); err != nil {
		return apperrors.Validation("url", fmt.Sprintf("invalid URL: %v", err))
	}

	if len(sub.EventTypes) == 0 {
		return apperrors.Validation("event_types", "at least one event type is required")
	}
	if len(sub.EventTypes) > maxEventTypes {
		return apperrors.Validation("event_types", fmt.Sprintf("event types exceed maximum of %d", maxEventTypes))
	}
	for _, t := range sub.EventTypes {
		if err := webhook.ValidateEventType("event_types", t); err != nil {
			return err
		}
	}

	p := sub.Policy
	if p.TimeoutSeconds < 1 || p.TimeoutSeconds > webhook.MaxTimeoutSeconds {
		return apperrors.Validation("policy.timeout_seconds", fmt.Sprintf("timeout must be between 1 and %d seconds", webhook.MaxTimeoutSeconds))
	}
	if p.MaxRetries < 0 || p.MaxRetries > webhook.MaxMaxRetries {
		return apperrors.Validation("policy.max_retries", fmt.Sprintf("max retries must be between 0 and %d", webhook.MaxMaxRetries))
	}
	if p.RetryDelaySeconds < 1 || p.RetryDelaySeconds > webhook.MaxRetryDelaySeconds {
		return apperrors.Validation("policy.retry_delay_seconds", fmt.Sprintf("retry delay must be between 1 and %d seconds", webhook.MaxRetryDelaySeconds))
	}

	if len(sub.Headers) > maxHeaders {
		return apperrors.Validation("headers", fmt.Sprintf("headers exceed maximum of %d", maxHeaders))
	}
	for k, v := range sub.Headers {
		if !headerNamePattern.MatchString(k) {
			return apperrors.Validation("headers", fmt.Sprintf("invalid header name %q", k))
		}
		if signing.Reserved(k) {
			return apperrors.Validation("headers", fmt.Sprintf("header %q is reserved", k))
		}
		if len(v) > maxHeaderValueLen || strings.ContainsAny(v, "\r\n") {
			return apperrors.Validation("headers", fmt.Sprintf("invalid value for header %q", k))
		}
	}
	return nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	if len(rawURL) > maxURLLength {
		return fmt.Errorf("URL exceeds maximum length of %d", maxURLLength)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" || parsed.Hostname() == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
