// Package config loads and validates the inferd.yaml configuration file:
// server settings, routing policy, runner/session/breaker/quota tuning,
// provider credentials, tenant API keys, and static model manifests.
package config

import (
	"time"

	"github.com/inferd-io/inferd/pkg/models"
)

// Config is the fully resolved configuration.
type Config struct {
	Server         ServerConfig               `yaml:"server"`
	Routing        RoutingConfig              `yaml:"routing"`
	RunnerFactory  RunnerFactoryConfig        `yaml:"runner_factory"`
	Session        SessionConfig              `yaml:"session"`
	CircuitBreaker BreakerConfig              `yaml:"circuit_breaker"`
	Quota          QuotaConfig                `yaml:"quota"`
	Jobs           JobsConfig                 `yaml:"jobs"`
	Registry       RegistryConfig             `yaml:"registry"`
	Providers      map[string]*ProviderConfig `yaml:"providers"`
	Tenants        map[string]*TenantConfig   `yaml:"tenants"`
	Models         []*models.ModelManifest    `yaml:"models"`
}

// ServerConfig holds the REST front-door settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"min=0,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AnonymousEnabled lets requests without an API key run as the
	// community tenant.
	AnonymousEnabled bool `yaml:"anonymous_enabled"`
	// RateLimitRPS bounds per-client request rate at the edge; zero
	// disables edge rate limiting.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// RoutingConfig parameterizes candidate selection and failover.
type RoutingConfig struct {
	Strategy       string         `yaml:"strategy"`
	MaxRetries     int            `yaml:"max_retries" validate:"min=0"`
	AutoFailover   *bool          `yaml:"auto_failover"`
	DefaultTimeout time.Duration  `yaml:"default_timeout"`
	Weights        map[string]int `yaml:"weights"`
	FailoverOrder  []string       `yaml:"failover_order"`
}

// RunnerFactoryConfig bounds the warm runner cache.
type RunnerFactoryConfig struct {
	MaxPoolSize    int           `yaml:"max_pool_size" validate:"min=0"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// SessionConfig bounds the per-(model,tenant) session pools.
type SessionConfig struct {
	MaxConcurrent   int           `yaml:"max_concurrent" validate:"min=0"`
	MaxIdleTime     time.Duration `yaml:"max_idle_time"`
	MaxAge          time.Duration `yaml:"max_age"`
	ReuseEnabled    *bool         `yaml:"reuse_enabled"`
	WarmPoolSize    int           `yaml:"warm_pool_size" validate:"min=0"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// BreakerConfig tunes the per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold         int           `yaml:"failure_threshold" validate:"min=0"`
	FailureRateThreshold     float64       `yaml:"failure_rate_threshold" validate:"min=0,max=1"`
	SlidingWindowSize        int           `yaml:"sliding_window_size" validate:"min=0"`
	OpenDuration             time.Duration `yaml:"open_duration"`
	HalfOpenPermits          int           `yaml:"half_open_permits" validate:"min=0"`
	HalfOpenSuccessThreshold int           `yaml:"half_open_success_threshold" validate:"min=0"`
}

// LimitsConfig are per-window quota ceilings; zero means unlimited.
type LimitsConfig struct {
	Requests     int64         `yaml:"requests" validate:"min=0"`
	InputTokens  int64         `yaml:"input_tokens" validate:"min=0"`
	OutputTokens int64         `yaml:"output_tokens" validate:"min=0"`
	Concurrent   int64         `yaml:"concurrent" validate:"min=0"`
	Window       time.Duration `yaml:"window"`
}

// RedisConfig holds connection settings for the Redis quota store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// QuotaConfig selects the quota store and the default limits.
type QuotaConfig struct {
	// Store is "memory" or "redis".
	Store    string       `yaml:"store" validate:"omitempty,oneof=memory redis"`
	Redis    RedisConfig  `yaml:"redis"`
	Defaults LimitsConfig `yaml:"defaults"`
}

// JobsConfig tunes the async job manager.
type JobsConfig struct {
	Workers    int           `yaml:"workers" validate:"min=0"`
	QueueSize  int           `yaml:"queue_size" validate:"min=0"`
	Retention  time.Duration `yaml:"retention"`
	GCInterval time.Duration `yaml:"gc_interval"`
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// PostgresConfig holds connection settings for the PostgreSQL registry.
type PostgresConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	Database     string        `yaml:"database"`
	SSLMode      string        `yaml:"ssl_mode"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RegistryConfig selects the manifest store.
type RegistryConfig struct {
	// Store is "memory" or "postgres".
	Store    string         `yaml:"store" validate:"omitempty,oneof=memory postgres"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// StreamConfig parameterizes per-provider stream buffering.
type StreamConfig struct {
	// Policy is one of BUFFER, DROP_OLDEST, LATEST, ERROR.
	Policy        string `yaml:"policy" validate:"omitempty,oneof=BUFFER DROP_OLDEST LATEST ERROR"`
	MaxBufferSize int    `yaml:"max_buffer_size" validate:"min=0"`
}

// Provider types.
const (
	ProviderOpenAI       = "openai"
	ProviderAnthropic    = "anthropic"
	ProviderGemini       = "gemini"
	ProviderOllama       = "ollama"
	ProviderOpenAICompat = "openai_compat"
	ProviderGGUF         = "gguf"
)

// ProviderConfig configures one provider adapter. The map key in
// Config.Providers is the adapter id.
type ProviderConfig struct {
	Type    string        `yaml:"type" validate:"required,oneof=openai anthropic gemini ollama openai_compat gguf"`
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Models  []string      `yaml:"models"`
	Timeout time.Duration `yaml:"timeout"`
	Stream  StreamConfig  `yaml:"stream"`

	// GGUF-specific settings.
	BinaryPath     string            `yaml:"binary_path"`
	ModelPaths     map[string]string `yaml:"model_paths"`
	ContextSize    int               `yaml:"context_size" validate:"min=0"`
	StartupTimeout time.Duration     `yaml:"startup_timeout"`
}

// TenantConfig registers one tenant: its API key and optional quota
// overrides.
type TenantConfig struct {
	APIKey string        `yaml:"api_key" validate:"required"`
	Quota  *LimitsConfig `yaml:"quota"`
}

// Stats summarizes a loaded configuration for startup logging.
type Stats struct {
	Providers int
	Tenants   int
	Models    int
}

// Stats returns configuration counts.
func (c *Config) Stats() Stats {
	return Stats{
		Providers: len(c.Providers),
		Tenants:   len(c.Tenants),
		Models:    len(c.Models),
	}
}

// TenantByAPIKey resolves an API key to its tenant id.
func (c *Config) TenantByAPIKey(apiKey string) (string, bool) {
	if apiKey == "" {
		return "", false
	}
	for id, t := range c.Tenants {
		if t.APIKey == apiKey {
			return id, true
		}
	}
	return "", false
}

// LimitsFor returns the quota limits for a tenant, falling back to the
// configured defaults.
func (c *Config) LimitsFor(tenantID string) LimitsConfig {
	if t, ok := c.Tenants[tenantID]; ok && t.Quota != nil {
		return *t.Quota
	}
	return c.Quota.Defaults
}
