// Inferd dispatch-plane server — routes inference requests across providers,
// enforces tenant quotas, and serves the REST API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/inferd-io/inferd/pkg/api"
	"github.com/inferd-io/inferd/pkg/breaker"
	"github.com/inferd-io/inferd/pkg/config"
	"github.com/inferd-io/inferd/pkg/jobs"
	"github.com/inferd-io/inferd/pkg/metrics"
	"github.com/inferd-io/inferd/pkg/provider"
	"github.com/inferd-io/inferd/pkg/registry"
	"github.com/inferd-io/inferd/pkg/routing"
	"github.com/inferd-io/inferd/pkg/runner"
	"github.com/inferd-io/inferd/pkg/sessionpool"
	"github.com/inferd-io/inferd/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory so API keys never live in YAML.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting inferd", "version", version.Full(), "config_dir", *configDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Manifest registry
	store, closeStore, err := buildRegistry(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize model registry", "error", err)
		os.Exit(1)
	}
	defer closeStore()
	if err := registry.Seed(ctx, store, cfg.Models); err != nil {
		slog.Error("Failed to seed model manifests", "error", err)
		os.Exit(1)
	}
	slog.Info("Model registry ready", "store", cfg.Registry.Store, "seeded", len(cfg.Models))

	// 3. Quota enforcement
	enforcer, closeQuota, err := buildQuota(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize quota store", "error", err)
		os.Exit(1)
	}
	defer closeQuota()

	// 4. Provider adapters
	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize providers", "error", err)
		os.Exit(1)
	}
	defer providers.ShutdownAll(context.Background())
	slog.Info("Providers initialized", "providers", providers.IDs())

	// 5. Observability
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink := metrics.NewSink(1024, promReg)

	// 6. Breakers, sessions, runners
	breakers := breaker.NewRegistry(breakerConfig(cfg.CircuitBreaker))
	sessions := sessionpool.NewManager(sessionConfig(cfg.Session), nil)
	factory := runner.NewFactory(runnerConfig(cfg.RunnerFactory), providers, sessions)
	factory.Start()
	defer factory.Close()

	// 7. Routing
	policy := routing.NewPolicy(providers, breakers, sink, detectHost())
	router := routing.NewRouter(routingConfig(cfg.Routing), policy, enforcer, factory, breakers, sink, store, providers)

	// 8. Async jobs
	jobManager := jobs.NewManager(jobsConfig(cfg.Jobs), router)
	jobManager.Start()
	defer jobManager.Stop()

	// 9. Provider health probing
	monitor := provider.NewMonitor(providers, sink, 0)
	monitor.Start(ctx)
	defer monitor.Stop()

	// 10. HTTP server
	server := api.NewServer(serverConfig(cfg.Server), api.Deps{
		Router:     router,
		Jobs:       jobManager,
		Registry:   store,
		Providers:  providers,
		Breakers:   breakers,
		Sink:       sink,
		Prometheus: promReg,
		ResolveKey: cfg.TenantByAPIKey,
	})

	if err := server.Run(ctx); err != nil {
		slog.Error("HTTP server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
