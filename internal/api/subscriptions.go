package api

import (
	"net/http"
	"notifier/internal/registry"
)

// CreateSubscription handles POST /v1/subscriptions. The response is the only
// one that carries the plaintext secret.
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req registry.CreateRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	created, err := h.registry.Create(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, created)
}

// ListSubscriptions handles GET /v1/subscriptions
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	activeOnly, err := parseBool("active", q.Get("active"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	includeDeleted, err := parseBool("include_deleted", q.Get("include_deleted"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	subs, err := h.registry.List(r.Context(), registry.ListFilter{
		OwnerID:        q.Get("owner_id"),
		ActiveOnly:     activeOnly,
		IncludeDeleted: includeDeleted,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"subscriptions": nonNil(subs)})
}

// GetSubscription handles GET /v1/subscriptions/{subscriptionId}
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.registry.Get(r.Context(), r.PathValue("subscriptionId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sub)
}

// UpdateSubscription handles PATCH /v1/subscriptions/{subscriptionId}
func (h *Handler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	var req registry.UpdateRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	sub, err := h.registry.Update(r.Context(), r.PathValue("subscriptionId"), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, sub)
}

// DeleteSubscription handles DELETE /v1/subscriptions/{subscriptionId}
func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), r.PathValue("subscriptionId")); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ActivateSubscription handles POST /v1/subscriptions/{subscriptionId}/activate
func (h *Handler) ActivateSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.registry.Activate(r.Context(), r.PathValue("subscriptionId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sub)
}

// DeactivateSubscription handles POST /v1/subscriptions/{subscriptionId}/deactivate
func (h *Handler) DeactivateSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.registry.Deactivate(r.Context(), r.PathValue("subscriptionId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sub)
}

// RotateSecret handles POST /v1/subscriptions/{subscriptionId}/rotate-secret
func (h *Handler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	rotated, err := h.registry.RotateSecret(r.Context(), r.PathValue("subscriptionId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rotated)
}

// SubscriptionStats handles GET /v1/subscriptions/{subscriptionId}/stats
func (h *Handler) SubscriptionStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("subscriptionId")
	// Deleted subscriptions report as missing, like Get.
	if _, err := h.registry.Get(r.Context(), id); err != nil {
		h.handleError(w, r, err)
		return
	}

	summary, err := h.stats.Summary(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}
