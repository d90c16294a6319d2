package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validStrategies mirrors the routing strategies the dispatch plane knows.
var validStrategies = map[string]bool{
	"SCORED":            true,
	"ROUND_ROBIN":       true,
	"WEIGHTED_RANDOM":   true,
	"LEAST_LOADED":      true,
	"COST_OPTIMIZED":    true,
	"LATENCY_OPTIMIZED": true,
	"USER_SELECTED":     true,
	"FAILOVER":          true,
}

// Validate performs comprehensive validation: struct tag constraints first,
// then cross-references. Fail-fast, stops at the first error.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}

	if err := validateRouting(cfg); err != nil {
		return fmt.Errorf("routing validation failed: %w", err)
	}
	if err := validateProviders(cfg); err != nil {
		return fmt.Errorf("provider validation failed: %w", err)
	}
	if err := validateTenants(cfg); err != nil {
		return fmt.Errorf("tenant validation failed: %w", err)
	}
	if err := validateModels(cfg); err != nil {
		return fmt.Errorf("model validation failed: %w", err)
	}
	return nil
}

func validateRouting(cfg *Config) error {
	r := cfg.Routing
	if !validStrategies[r.Strategy] {
		return NewValidationError("routing", r.Strategy, "strategy",
			fmt.Errorf("%w: unknown strategy", ErrInvalidValue))
	}
	for _, id := range r.FailoverOrder {
		if _, ok := cfg.Providers[id]; !ok {
			return NewValidationError("routing", id, "failover_order",
				fmt.Errorf("%w: provider '%s' not configured", ErrInvalidReference, id))
		}
	}
	for id := range r.Weights {
		if _, ok := cfg.Providers[id]; !ok {
			return NewValidationError("routing", id, "weights",
				fmt.Errorf("%w: provider '%s' not configured", ErrInvalidReference, id))
		}
	}
	if r.Strategy == "FAILOVER" && len(r.FailoverOrder) == 0 {
		return NewValidationError("routing", r.Strategy, "failover_order",
			fmt.Errorf("%w: FAILOVER strategy requires failover_order", ErrInvalidValue))
	}
	return nil
}

func validateProviders(cfg *Config) error {
	for id, p := range cfg.Providers {
		switch p.Type {
		case ProviderOpenAI, ProviderAnthropic, ProviderGemini:
			if p.APIKey == "" {
				return NewValidationError("provider", id, "api_key",
					fmt.Errorf("%w: %s providers require an api_key", ErrInvalidValue, p.Type))
			}
		case ProviderGGUF:
			if p.BinaryPath == "" {
				return NewValidationError("provider", id, "binary_path",
					fmt.Errorf("%w: gguf providers require binary_path", ErrInvalidValue))
			}
			if len(p.ModelPaths) == 0 {
				return NewValidationError("provider", id, "model_paths",
					fmt.Errorf("%w: gguf providers require at least one model path", ErrInvalidValue))
			}
		case ProviderOpenAICompat:
			if p.BaseURL == "" {
				return NewValidationError("provider", id, "base_url",
					fmt.Errorf("%w: openai_compat providers require base_url", ErrInvalidValue))
			}
		}
		if len(p.Models) == 0 && p.Type != ProviderGGUF {
			return NewValidationError("provider", id, "models",
				fmt.Errorf("%w: at least one model pattern required", ErrInvalidValue))
		}
	}
	return nil
}

func validateTenants(cfg *Config) error {
	seen := make(map[string]string, len(cfg.Tenants))
	for id, t := range cfg.Tenants {
		if other, dup := seen[t.APIKey]; dup {
			return NewValidationError("tenant", id, "api_key",
				fmt.Errorf("%w: api key already used by tenant '%s'", ErrInvalidValue, other))
		}
		seen[t.APIKey] = id
	}
	return nil
}

func validateModels(cfg *Config) error {
	type key struct{ tenant, model string }
	seen := make(map[key]bool, len(cfg.Models))
	for _, m := range cfg.Models {
		if m.ModelID == "" || m.TenantID == "" {
			return NewValidationError("model", m.ModelID, "",
				fmt.Errorf("%w: model_id and tenant_id are required", ErrInvalidValue))
		}
		if _, ok := cfg.Tenants[m.TenantID]; !ok && m.TenantID != "community" {
			return NewValidationError("model", m.ModelID, "tenant_id",
				fmt.Errorf("%w: tenant '%s' not configured", ErrInvalidReference, m.TenantID))
		}
		k := key{tenant: m.TenantID, model: m.ModelID}
		if seen[k] {
			return NewValidationError("model", m.ModelID, "",
				fmt.Errorf("%w: duplicate manifest for tenant '%s'", ErrInvalidValue, m.TenantID))
		}
		seen[k] = true
		if len(m.Artifacts) == 0 {
			return NewValidationError("model", m.ModelID, "artifacts",
				fmt.Errorf("%w: at least one artifact format required", ErrInvalidValue))
		}
		for f := range m.Artifacts {
			if !f.IsValid() {
				return NewValidationError("model", m.ModelID, "artifacts",
					fmt.Errorf("%w: unknown format '%s'", ErrInvalidValue, f))
			}
		}
		for _, d := range m.SupportedDevices {
			if !d.Device.IsValid() {
				return NewValidationError("model", m.ModelID, "supported_devices",
					fmt.Errorf("%w: unknown device '%s'", ErrInvalidValue, d.Device))
			}
		}
	}
	return nil
}
