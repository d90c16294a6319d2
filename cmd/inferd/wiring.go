package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/inferd-io/inferd/pkg/api"
	"github.com/inferd-io/inferd/pkg/breaker"
	"github.com/inferd-io/inferd/pkg/config"
	"github.com/inferd-io/inferd/pkg/jobs"
	"github.com/inferd-io/inferd/pkg/provider"
	"github.com/inferd-io/inferd/pkg/quota"
	"github.com/inferd-io/inferd/pkg/registry"
	"github.com/inferd-io/inferd/pkg/routing"
	"github.com/inferd-io/inferd/pkg/runner"
	"github.com/inferd-io/inferd/pkg/sessionpool"
	"github.com/inferd-io/inferd/pkg/stream"
)

// buildRegistry selects the manifest store. The returned closer is a no-op
// for the memory store.
func buildRegistry(ctx context.Context, cfg *config.Config) (registry.Store, func(), error) {
	switch cfg.Registry.Store {
	case "postgres":
		pc := cfg.Registry.Postgres
		store, err := registry.NewPostgresStore(ctx, registry.PostgresConfig{
			Host:            pc.Host,
			Port:            pc.Port,
			User:            pc.User,
			Password:        pc.Password,
			Database:        pc.Database,
			SSLMode:         pc.SSLMode,
			MaxOpenConns:    pc.MaxOpenConns,
			MaxIdleConns:    pc.MaxIdleConns,
			ConnMaxLifetime: pc.ConnLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return registry.NewMemoryStore(), func() {}, nil
	}
}

// buildQuota selects the quota store and wires the per-tenant limits
// resolver from the configuration.
func buildQuota(ctx context.Context, cfg *config.Config) (*quota.Enforcer, func(), error) {
	resolver := func(tenantID string) quota.Limits {
		l := cfg.LimitsFor(tenantID)
		return quota.Limits{
			Requests:     l.Requests,
			InputTokens:  l.InputTokens,
			OutputTokens: l.OutputTokens,
			Concurrent:   l.Concurrent,
			Window:       l.Window,
		}
	}

	switch cfg.Quota.Store {
	case "redis":
		rc := cfg.Quota.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping failed: %w", err)
		}
		store := quota.NewRedisStore(client, rc.KeyPrefix)
		return quota.NewEnforcer(store, resolver), func() { _ = client.Close() }, nil
	default:
		return quota.NewEnforcer(quota.NewMemoryStore(), resolver), func() {}, nil
	}
}

// buildProviders constructs and initializes one adapter per configured
// provider.
func buildProviders(ctx context.Context, cfg *config.Config) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for id, pc := range cfg.Providers {
		adapter, err := buildAdapter(id, pc)
		if err != nil {
			return nil, err
		}
		if err := adapter.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("provider %q failed to initialize: %w", id, err)
		}
		reg.Register(adapter)
	}
	return reg, nil
}

func buildAdapter(id string, pc *config.ProviderConfig) (provider.Adapter, error) {
	common := provider.Config{
		APIKey:  pc.APIKey,
		BaseURL: pc.BaseURL,
		Models:  pc.Models,
		Timeout: pc.Timeout,
		Stream: stream.Options{
			Policy:        stream.Policy(pc.Stream.Policy),
			MaxBufferSize: pc.Stream.MaxBufferSize,
		},
	}
	switch pc.Type {
	case config.ProviderOpenAI:
		return provider.NewOpenAI(common), nil
	case config.ProviderAnthropic:
		return provider.NewAnthropic(common), nil
	case config.ProviderGemini:
		return provider.NewGemini(common), nil
	case config.ProviderOllama:
		return provider.NewOllama(common), nil
	case config.ProviderOpenAICompat:
		return provider.NewOpenAICompat(id, common), nil
	case config.ProviderGGUF:
		return provider.NewGGUF(provider.GGUFConfig{
			BinaryPath:     pc.BinaryPath,
			ModelPaths:     pc.ModelPaths,
			ContextSize:    pc.ContextSize,
			StartupTimeout: pc.StartupTimeout,
			Timeout:        pc.Timeout,
			Stream:         common.Stream,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q for provider %q", pc.Type, id)
	}
}

// detectHost describes the machine for the selection policy's hard gates.
// Explicit env overrides beat detection; without them the gates stay off.
func detectHost() routing.HostInfo {
	host := routing.HostInfo{}
	if v := os.Getenv("INFERD_AVAILABLE_MEMORY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			host.AvailableMemory = n
		}
	}
	if v := os.Getenv("INFERD_HAS_CUDA"); v != "" {
		host.HasCUDA = v == "1" || v == "true"
	} else if _, err := os.Stat("/dev/nvidia0"); err == nil {
		host.HasCUDA = true
	}
	return host
}

func breakerConfig(c config.BreakerConfig) breaker.Config {
	return breaker.Config{
		FailureThreshold:         c.FailureThreshold,
		FailureRateThreshold:     c.FailureRateThreshold,
		SlidingWindowSize:        c.SlidingWindowSize,
		OpenDuration:             c.OpenDuration,
		HalfOpenPermits:          c.HalfOpenPermits,
		HalfOpenSuccessThreshold: c.HalfOpenSuccessThreshold,
	}
}

func sessionConfig(c config.SessionConfig) sessionpool.Config {
	out := sessionpool.Config{
		MaxConcurrent:   c.MaxConcurrent,
		MaxIdleTime:     c.MaxIdleTime,
		MaxAge:          c.MaxAge,
		ReuseEnabled:    true,
		WarmPoolSize:    c.WarmPoolSize,
		CleanupInterval: c.CleanupInterval,
	}
	if c.ReuseEnabled != nil {
		out.ReuseEnabled = *c.ReuseEnabled
	}
	return out
}

func runnerConfig(c config.RunnerFactoryConfig) runner.Config {
	return runner.Config{
		MaxPoolSize:    c.MaxPoolSize,
		IdleTimeout:    c.IdleTimeout,
		SweepInterval:  c.SweepInterval,
		AcquireTimeout: c.AcquireTimeout,
	}
}

func routingConfig(c config.RoutingConfig) routing.Config {
	out := routing.Config{
		Default: routing.Descriptor{
			Strategy: routing.Strategy(c.Strategy),
			Weights:  c.Weights,
			Order:    c.FailoverOrder,
		},
		MaxRetries:     c.MaxRetries,
		DefaultTimeout: c.DefaultTimeout,
		AutoFailover:   true,
	}
	if c.AutoFailover != nil {
		out.AutoFailover = *c.AutoFailover
	}
	return out
}

func jobsConfig(c config.JobsConfig) jobs.Config {
	return jobs.Config{
		Workers:    c.Workers,
		QueueSize:  c.QueueSize,
		Retention:  c.Retention,
		GCInterval: c.GCInterval,
		JobTimeout: c.JobTimeout,
	}
}

func serverConfig(c config.ServerConfig) api.Config {
	return api.Config{
		Host:             c.Host,
		Port:             c.Port,
		ReadTimeout:      c.ReadTimeout,
		ShutdownTimeout:  c.ShutdownTimeout,
		AnonymousEnabled: c.AnonymousEnabled,
		RateLimitRPS:     c.RateLimitRPS,
		RateLimitBurst:   c.RateLimitBurst,
	}
}
