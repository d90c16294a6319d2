package config

import "time"

// DefaultConfig returns the built-in defaults. User configuration merges on
// top of this, so every knob has a sane single-node value.
func DefaultConfig() *Config {
	autoFailover := true
	reuse := true
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimitRPS:    50,
			RateLimitBurst:  100,
		},
		Routing: RoutingConfig{
			Strategy:       "SCORED",
			MaxRetries:     3,
			AutoFailover:   &autoFailover,
			DefaultTimeout: 2 * time.Minute,
		},
		RunnerFactory: RunnerFactoryConfig{
			MaxPoolSize:    10,
			IdleTimeout:    15 * time.Minute,
			SweepInterval:  time.Minute,
			AcquireTimeout: 30 * time.Second,
		},
		Session: SessionConfig{
			MaxConcurrent:   10,
			MaxIdleTime:     15 * time.Minute,
			MaxAge:          time.Hour,
			ReuseEnabled:    &reuse,
			WarmPoolSize:    2,
			CleanupInterval: 5 * time.Minute,
		},
		CircuitBreaker: BreakerConfig{
			FailureThreshold:         5,
			FailureRateThreshold:     0.5,
			SlidingWindowSize:        10,
			OpenDuration:             60 * time.Second,
			HalfOpenPermits:          3,
			HalfOpenSuccessThreshold: 2,
		},
		Quota: QuotaConfig{
			Store: "memory",
			Defaults: LimitsConfig{
				Requests:     1000,
				InputTokens:  1_000_000,
				OutputTokens: 1_000_000,
				Concurrent:   32,
				Window:       time.Minute,
			},
		},
		Jobs: JobsConfig{
			Workers:    4,
			QueueSize:  100,
			Retention:  time.Hour,
			GCInterval: 5 * time.Minute,
			JobTimeout: 10 * time.Minute,
		},
		Registry: RegistryConfig{
			Store: "memory",
			Postgres: PostgresConfig{
				Host:         "localhost",
				Port:         5432,
				User:         "inferd",
				Database:     "inferd",
				SSLMode:      "disable",
				MaxOpenConns: 25,
				MaxIdleConns: 10,
			},
		},
		Providers: make(map[string]*ProviderConfig),
		Tenants:   make(map[string]*TenantConfig),
	}
}
