// Package models defines the data model shared across the dispatch plane:
// inference requests and responses, stream chunks, model manifests, provider
// capabilities, and async jobs.
package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/inferd-io/inferd/pkg/errs"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single chat-style message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Parameters are the generation parameters of a request. Nil pointers mean
// "provider default".
type Parameters struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	Seed        *int64   `json:"seed,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// InferenceRequest is an immutable inference request. RequestID must be
// unique per request; clients may generate their own.
type InferenceRequest struct {
	RequestID         string            `json:"request_id"`
	Model             string            `json:"model"`
	Messages          []Message         `json:"messages"`
	Parameters        Parameters        `json:"parameters"`
	Tools             []ToolDefinition  `json:"tools,omitempty"`
	ToolChoice        string            `json:"tool_choice,omitempty"`
	Streaming         bool              `json:"streaming"`
	PreferredProvider string            `json:"preferred_provider,omitempty"`
	PreferredDevice   DeviceType        `json:"preferred_device,omitempty"`
	CostSensitive     bool              `json:"cost_sensitive,omitempty"`
	Timeout           time.Duration     `json:"timeout,omitempty"`
	Priority          int               `json:"priority"`
	CacheBypass       bool              `json:"cache_bypass,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// NewRequestID generates a fresh request identifier.
func NewRequestID() string {
	return uuid.NewString()
}

// Validate checks structural validity of the request.
func (r *InferenceRequest) Validate() error {
	if r.RequestID == "" {
		return errs.Newf(errs.ValidationMissingField, "request_id is required")
	}
	if r.Model == "" {
		return errs.Newf(errs.ValidationMissingField, "model is required")
	}
	if len(r.Messages) == 0 {
		return errs.Newf(errs.ValidationMissingField, "at least one message is required")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return errs.Newf(errs.ValidationInvalidRequest, "message %d has invalid role %q", i, m.Role)
		}
	}
	if r.Priority < 0 || r.Priority > 10 {
		return errs.Newf(errs.ValidationInvalidRequest, "priority must be in [0,10], got %d", r.Priority)
	}
	if r.Timeout < 0 {
		return errs.Newf(errs.ValidationInvalidRequest, "timeout must not be negative")
	}
	if p := r.Parameters.Temperature; p != nil && (*p < 0 || *p > 2) {
		return errs.Newf(errs.ValidationInvalidRequest, "temperature must be in [0,2]")
	}
	if p := r.Parameters.MaxTokens; p != nil && *p <= 0 {
		return errs.Newf(errs.ValidationInvalidRequest, "max_tokens must be positive")
	}
	return nil
}

// TenantContext carries the request-scoped tenant identity resolved
// server-side from the API key. Client-supplied tenant fields are ignored.
type TenantContext struct {
	TenantID  string
	RequestID string
	TraceID   string
}

// CommunityTenant is the sentinel tenant used for unauthenticated access
// when anonymous mode is enabled.
const CommunityTenant = "community"
