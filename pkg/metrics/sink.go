// Package metrics tracks per-provider latency, token counts, load, and
// health. The in-process view feeds the selection policy; the same numbers
// are exported through Prometheus for operators.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/inferd-io/inferd/pkg/models"
)

// latencyWindow is the number of recent samples kept per (provider, model)
// for percentile queries.
const latencyWindow = 256

// Sink records request outcomes and health probes. All methods are safe for
// concurrent use.
type Sink struct {
	softCapacity int
	now          func() time.Time

	mu        sync.RWMutex
	providers map[string]*providerStats

	latencySeconds *prometheus.HistogramVec
	tokensTotal    *prometheus.CounterVec
	requestsTotal  *prometheus.CounterVec
	activeRequests *prometheus.GaugeVec
	healthGauge    *prometheus.GaugeVec
}

type providerStats struct {
	active    int
	health    models.ProviderHealth
	latencies map[string][]time.Duration // modelID → recent samples, newest last
}

// NewSink creates a sink registering its collectors with reg. softCapacity
// is the per-provider active-request count treated as load 1.0.
func NewSink(softCapacity int, reg prometheus.Registerer) *Sink {
	if softCapacity <= 0 {
		softCapacity = 32
	}
	factory := promauto.With(reg)
	return &Sink{
		softCapacity: softCapacity,
		now:          time.Now,
		providers:    make(map[string]*providerStats),
		latencySeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "inferd",
			Name:      "inference_latency_seconds",
			Help:      "Inference latency by provider and model.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "model"}),
		tokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inferd",
			Name:      "inference_tokens_total",
			Help:      "Tokens processed by provider and direction.",
		}, []string{"provider", "direction"}),
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inferd",
			Name:      "inference_requests_total",
			Help:      "Inference attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		activeRequests: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "inferd",
			Name:      "active_requests",
			Help:      "In-flight requests per provider.",
		}, []string{"provider"}),
		healthGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "inferd",
			Name:      "provider_up",
			Help:      "1 if the provider's last health probe reported up.",
		}, []string{"provider"}),
	}
}

// WithClock overrides the time source. Intended for tests.
func (s *Sink) WithClock(now func() time.Time) *Sink {
	s.now = now
	return s
}

// RequestStarted marks an in-flight request against the provider.
func (s *Sink) RequestStarted(provider string) {
	s.mu.Lock()
	s.stats(provider).active++
	s.mu.Unlock()
	s.activeRequests.WithLabelValues(provider).Inc()
}

// RequestFinished releases the in-flight mark.
func (s *Sink) RequestFinished(provider string) {
	s.mu.Lock()
	st := s.stats(provider)
	if st.active > 0 {
		st.active--
	}
	s.mu.Unlock()
	s.activeRequests.WithLabelValues(provider).Dec()
}

// RecordSuccess records a successful attempt outcome.
func (s *Sink) RecordSuccess(provider, modelID string, latency time.Duration, inputTokens, outputTokens int) {
	s.mu.Lock()
	st := s.stats(provider)
	samples := append(st.latencies[modelID], latency)
	if len(samples) > latencyWindow {
		samples = samples[len(samples)-latencyWindow:]
	}
	st.latencies[modelID] = samples
	s.mu.Unlock()

	s.latencySeconds.WithLabelValues(provider, modelID).Observe(latency.Seconds())
	s.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	s.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	s.requestsTotal.WithLabelValues(provider, "success").Inc()
}

// RecordFailure records a failed attempt outcome.
func (s *Sink) RecordFailure(provider, modelID string) {
	s.requestsTotal.WithLabelValues(provider, "failure").Inc()
	_ = modelID
}

// RecordHealth stores the latest health probe result for the provider.
func (s *Sink) RecordHealth(provider string, health models.ProviderHealth) {
	s.mu.Lock()
	s.stats(provider).health = health
	s.mu.Unlock()

	up := 0.0
	if health.Status == models.HealthUp {
		up = 1.0
	}
	s.healthGauge.WithLabelValues(provider).Set(up)
}

// CurrentLoad returns active requests over soft capacity, clamped to [0,1].
func (s *Sink) CurrentLoad(provider string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.providers[provider]
	if !ok {
		return 0
	}
	load := float64(st.active) / float64(s.softCapacity)
	if load > 1 {
		load = 1
	}
	return load
}

// P95Latency returns the 95th percentile of recent latencies for the
// provider and model, and whether any samples exist.
func (s *Sink) P95Latency(provider, modelID string) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.providers[provider]
	if !ok {
		return 0, false
	}
	samples := st.latencies[modelID]
	if len(samples) == 0 {
		return 0, false
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted) * 95) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx], true
}

// IsHealthy reports whether the provider's last probe was up. Providers
// never probed count as healthy to avoid starving cold starts.
func (s *Sink) IsHealthy(provider string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.providers[provider]
	if !ok || st.health.Status == "" {
		return true
	}
	return st.health.Status == models.HealthUp
}

// Health returns the stored health probe result for the provider.
func (s *Sink) Health(provider string) models.ProviderHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.providers[provider]
	if !ok || st.health.Status == "" {
		return models.ProviderHealth{Status: models.HealthUnknown}
	}
	return st.health
}

// stats returns the stats entry for the provider, creating it if missing.
// Caller holds s.mu.
func (s *Sink) stats(provider string) *providerStats {
	st, ok := s.providers[provider]
	if !ok {
		st = &providerStats{latencies: make(map[string][]time.Duration)}
		s.providers[provider] = st
	}
	return st
}
