package registry

import "notifier/internal/webhook"

// PolicyInput carries optional policy overrides. Nil fields take defaults on
// create and are left unchanged on update.
type PolicyInput struct {
	TimeoutSeconds    *int `json:"timeout_seconds,omitempty"`
	MaxRetries        *int `json:"max_retries,omitempty"`
	RetryDelaySeconds *int `json:"retry_delay_seconds,omitempty"`
}

// CreateRequest registers a new endpoint.
type CreateRequest struct {
	OwnerID     string            `json:"owner_id,omitempty"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	URL         string            `json:"url"`
	EventTypes  []string          `json:"event_types"`
	Headers     map[string]string `json:"headers,omitempty"`
	Policy      PolicyInput       `json:"policy"`
	Active      *bool             `json:"active,omitempty"` // default true
}

// UpdateRequest is a partial update. Nil fields are left unchanged; an empty
// non-nil Headers map clears custom headers.
type UpdateRequest struct {
	Name        *string           `json:"name,omitempty"`
	Description *string           `json:"description,omitempty"`
	URL         *string           `json:"url,omitempty"`
	EventTypes  []string          `json:"event_types,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Policy      PolicyInput       `json:"policy"`
}

// ListFilter narrows List.
type ListFilter struct {
	OwnerID        string
	ActiveOnly     bool
	IncludeDeleted bool
}

// Created is returned by Create and RotateSecret: the only responses that
// carry the plaintext signing secret.
type Created struct {
	Subscription *webhook.Subscription `json:"subscription"`
	Secret       string                `json:"secret"`
}
