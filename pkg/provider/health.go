package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/inferd-io/inferd/pkg/metrics"
)

// DefaultProbeInterval is how often providers are probed when the config
// does not say otherwise.
const DefaultProbeInterval = 30 * time.Second

// probeTimeout bounds a single provider probe so one stuck backend cannot
// stall the scan.
const probeTimeout = 10 * time.Second

// Monitor periodically probes every registered provider and records the
// results in the metrics sink, where the selection policy reads them.
type Monitor struct {
	registry *Registry
	sink     *metrics.Sink
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewMonitor creates a monitor over the registry. interval <= 0 selects
// DefaultProbeInterval.
func NewMonitor(registry *Registry, sink *metrics.Sink, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Monitor{
		registry: registry,
		sink:     sink,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the probe loop. Safe to call multiple times; subsequent
// calls are no-ops. An initial scan runs immediately so selection has health
// data before the first tick.
func (m *Monitor) Start(ctx context.Context) {
	if m.started {
		slog.Warn("Health monitor already started, ignoring duplicate Start call")
		return
	}
	m.started = true

	slog.Info("Starting provider health monitor", "interval", m.interval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.probeAll(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.probeAll(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the probe loop to exit and waits for it.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	slog.Info("Provider health monitor stopped")
}

func (m *Monitor) probeAll(ctx context.Context) {
	for _, adapter := range m.registry.All() {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		health := adapter.Health(pctx)
		cancel()

		m.sink.RecordHealth(adapter.ID(), health)
		slog.Debug("Probed provider",
			"provider", adapter.ID(),
			"status", health.Status,
			"message", health.Message)
	}
}
