package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"notifier/internal/apperrors"
	"notifier/internal/recorder"
	"notifier/internal/webhook"
)

// RecordEventRequest is the body of POST /v1/events.
type RecordEventRequest struct {
	EventType string             `json:"event_type"`
	Payload   json.RawMessage    `json:"payload"`
	Reference *webhook.Reference `json:"reference,omitempty"`
}

// RecordEvent handles POST /v1/events. One event is created per matching
// active subscription; an empty list means nobody was subscribed.
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req RecordEventRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	var opts []recorder.Option
	if req.Reference != nil {
		opts = append(opts, recorder.WithReference(*req.Reference))
	}

	events, err := h.recorder.Record(r.Context(), req.EventType, req.Payload, opts...)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]any{"events": nonNil(events)})
}

// ListEvents handles GET /v1/events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := webhook.EventFilter{SubscriptionID: q.Get("subscription_id")}
	if v := q.Get("status"); v != "" {
		status := webhook.EventStatus(v)
		if !status.Valid() {
			h.handleError(w, r, apperrors.Validation("status", fmt.Sprintf("unknown status %q", v)))
			return
		}
		filter.Status = status
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	filter.Limit = limit

	events, err := h.events.ListEvents(r.Context(), filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(events)})
}

// GetEvent handles GET /v1/events/{eventId}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.events.GetEvent(r.Context(), r.PathValue("eventId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ev)
}

// ListDeliveries handles GET /v1/events/{eventId}/deliveries
func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("eventId")
	if _, err := h.events.GetEvent(r.Context(), id); err != nil {
		h.handleError(w, r, err)
		return
	}

	deliveries, err := h.events.ListDeliveries(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"deliveries": nonNil(deliveries)})
}

// CancelEvent handles POST /v1/events/{eventId}/cancel
func (h *Handler) CancelEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.scheduler.Cancel(r.Context(), r.PathValue("eventId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ev)
}

// ResetEvent handles POST /v1/events/{eventId}/reset
func (h *Handler) ResetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.scheduler.ResetRetries(r.Context(), r.PathValue("eventId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ev)
}
