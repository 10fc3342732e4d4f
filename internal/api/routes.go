package api

import (
	"net/http"
	"notifier/internal/audit"
	"notifier/internal/health"
	"notifier/internal/observability"
	"notifier/internal/recorder"
	"notifier/internal/registry"
	"notifier/internal/scheduler"
	"notifier/internal/stats"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Registry      *registry.Service
	Recorder      *recorder.Recorder
	Scheduler     *scheduler.Scheduler
	Stats         *stats.Tracker
	Audit         *audit.Logger
	Events        EventReader
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth(fn))
	}

	route("POST /v1/subscriptions", handler.CreateSubscription)
	route("GET /v1/subscriptions", handler.ListSubscriptions)
	route("GET /v1/subscriptions/{subscriptionId}", handler.GetSubscription)
	route("PATCH /v1/subscriptions/{subscriptionId}", handler.UpdateSubscription)
	route("DELETE /v1/subscriptions/{subscriptionId}", handler.DeleteSubscription)
	route("POST /v1/subscriptions/{subscriptionId}/activate", handler.ActivateSubscription)
	route("POST /v1/subscriptions/{subscriptionId}/deactivate", handler.DeactivateSubscription)
	route("POST /v1/subscriptions/{subscriptionId}/rotate-secret", handler.RotateSecret)
	route("GET /v1/subscriptions/{subscriptionId}/stats", handler.SubscriptionStats)

	route("POST /v1/events", handler.RecordEvent)
	route("GET /v1/events", handler.ListEvents)
	route("GET /v1/events/{eventId}", handler.GetEvent)
	route("GET /v1/events/{eventId}/deliveries", handler.ListDeliveries)
	route("POST /v1/events/{eventId}/cancel", handler.CancelEvent)
	route("POST /v1/events/{eventId}/reset", handler.ResetEvent)

	route("GET /v1/audit", handler.QueryAudit)

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)
	h = RequestIDMiddleware()(h)

	return h
}
