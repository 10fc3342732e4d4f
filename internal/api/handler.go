// Package api provides the HTTP management API of the notifier.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"notifier/internal/apperrors"
	"notifier/internal/audit"
	"notifier/internal/health"
	"notifier/internal/recorder"
	"notifier/internal/registry"
	"notifier/internal/scheduler"
	"notifier/internal/stats"
	"notifier/internal/webhook"
	"strconv"
	"time"
)

// maxRequestBodySize leaves room for a full-size event payload plus its envelope.
const maxRequestBodySize = 2 << 20 // 2 MB

// List limits.
const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// EventReader is the read side of event storage used by the API.
type EventReader interface {
	GetEvent(ctx context.Context, id string) (*webhook.Event, error)
	ListEvents(ctx context.Context, filter webhook.EventFilter) ([]*webhook.Event, error)
	ListDeliveries(ctx context.Context, eventID string) ([]*webhook.Delivery, error)
}

// Handler contains HTTP handlers for the management API.
type Handler struct {
	registry  *registry.Service
	recorder  *recorder.Recorder
	scheduler *scheduler.Scheduler
	stats     *stats.Tracker
	audit     *audit.Logger
	events    EventReader
	health    *health.Checker
	logger    *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(cfg RouterConfig) *Handler {
	return &Handler{
		registry:  cfg.Registry,
		recorder:  cfg.Recorder,
		scheduler: cfg.Scheduler,
		stats:     cfg.Stats,
		audit:     cfg.Audit,
		events:    cfg.Events,
		health:    cfg.HealthChecker,
		logger:    slog.With("component", "api"),
	}
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the store is unreachable or the service is shutting down.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// QueryAudit handles GET /v1/audit
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := webhook.AuditFilter{
		SubscriptionID: q.Get("subscription_id"),
		EventID:        q.Get("event_id"),
	}
	if v := q.Get("level"); v != "" {
		level, ok := webhook.ParseLevel(v)
		if !ok {
			h.handleError(w, r, apperrors.Validation("level", fmt.Sprintf("unknown level %q", v)))
			return
		}
		filter.MinLevel = level
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.handleError(w, r, apperrors.Validation("since", "since must be an RFC 3339 timestamp"))
			return
		}
		filter.Since = since
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	filter.Limit = limit

	entries, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"entries": nonNil(entries)})
}

// decodeJSON reads a size-limited JSON body into v.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorBody{Error: message})
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		h.logger.Error("Internal error", "error", err, "path", r.URL.Path)
		// Driver details stay in the log.
		h.writeError(w, status, http.StatusText(status))
		return
	}
	h.logger.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	h.writeJSON(w, status, errorBody{Error: err.Error(), Field: apperrors.FieldOf(err)})
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, apperrors.Validation("limit", "limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

func parseBool(field, v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, apperrors.Validation(field, field+" must be a boolean")
	}
	return b, nil
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
