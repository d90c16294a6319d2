package models

import "time"

// ProviderCapabilities advertises what a provider adapter can do. Used by
// the selection policy for hard filtering and scoring.
type ProviderCapabilities struct {
	Streaming        bool                `json:"streaming"`
	FunctionCalling  bool                `json:"function_calling"`
	Multimodal       bool                `json:"multimodal"`
	Embeddings       bool                `json:"embeddings"`
	MaxContextTokens int                 `json:"max_context_tokens"`
	MaxOutputTokens  int                 `json:"max_output_tokens"`
	SupportedModels  map[string]bool     `json:"supported_models,omitempty"`
	SupportedFormats map[Format]bool     `json:"supported_formats,omitempty"`
	SupportedDevices map[DeviceType]bool `json:"supported_devices,omitempty"`
	Features         map[string]bool     `json:"features,omitempty"`
}

// SupportsFormat reports whether the provider can serve any of the formats.
func (c ProviderCapabilities) SupportsFormat(formats ...Format) bool {
	for _, f := range formats {
		if c.SupportedFormats[f] {
			return true
		}
	}
	return false
}

// HealthStatus enumerates provider health states.
type HealthStatus string

// Provider health states.
const (
	HealthUp           HealthStatus = "up"
	HealthDegraded     HealthStatus = "degraded"
	HealthDown         HealthStatus = "down"
	HealthInitializing HealthStatus = "initializing"
	HealthUnknown      HealthStatus = "unknown"
)

// ProviderHealth is the result of a health probe.
type ProviderHealth struct {
	Status   HealthStatus `json:"status"`
	Message  string       `json:"message,omitempty"`
	ProbedAt time.Time    `json:"probed_at"`
}
