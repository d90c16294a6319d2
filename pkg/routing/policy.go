// Package routing holds the selection policy and the router: candidate
// providers are filtered by hard gates, ordered by a configurable strategy,
// and tried in order with circuit-breaker guards and quota accounting.
package routing

import (
	"log/slog"
	"math/rand"
	"sort"
	"sync"

	"github.com/inferd-io/inferd/pkg/breaker"
	"github.com/inferd-io/inferd/pkg/metrics"
	"github.com/inferd-io/inferd/pkg/models"
	"github.com/inferd-io/inferd/pkg/provider"
)

// Strategy selects how eligible providers are ordered.
type Strategy string

// Selection strategies.
const (
	StrategyScored           Strategy = "SCORED"
	StrategyRoundRobin       Strategy = "ROUND_ROBIN"
	StrategyWeightedRandom   Strategy = "WEIGHTED_RANDOM"
	StrategyLeastLoaded      Strategy = "LEAST_LOADED"
	StrategyCostOptimized    Strategy = "COST_OPTIMIZED"
	StrategyLatencyOptimized Strategy = "LATENCY_OPTIMIZED"
	StrategyUserSelected     Strategy = "USER_SELECTED"
	StrategyFailover         Strategy = "FAILOVER"
)

// IsValid reports whether s is a known strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyScored, StrategyRoundRobin, StrategyWeightedRandom,
		StrategyLeastLoaded, StrategyCostOptimized, StrategyLatencyOptimized,
		StrategyUserSelected, StrategyFailover:
		return true
	}
	return false
}

// Descriptor parameterizes one ranking. Weights feed WEIGHTED_RANDOM;
// Order is the FAILOVER chain (primary first).
type Descriptor struct {
	Strategy Strategy
	Weights  map[string]int
	Order    []string
}

// Candidate is one ranked provider.
type Candidate struct {
	ProviderID string
	Score      int
}

// HostInfo describes the local host for resource gating.
type HostInfo struct {
	// AvailableMemory in bytes; zero disables the memory gate.
	AvailableMemory int64
	HasCUDA         bool
}

// Scoring weights. Preferred provider dominates every other term so a
// supported preference always ranks first.
const (
	scorePreferredProvider = 100
	scoreDeviceMatch       = 50
	scoreNativeFormat      = 30
	scoreLatencyFits       = 25
	scoreResourcesOK       = 20
	scoreHealthy           = 15
	scoreLowLoad           = 15
	scoreCostCPU           = 10
	penaltyHighLoad        = -20
	penaltyCriticalLoad    = -50
)

// Policy ranks candidate providers for one request.
type Policy struct {
	providers *provider.Registry
	breakers  *breaker.Registry
	sink      *metrics.Sink
	host      HostInfo

	mu  sync.Mutex
	rr  map[string]int
	rnd *rand.Rand
}

// NewPolicy creates a policy over the registries.
func NewPolicy(providers *provider.Registry, breakers *breaker.Registry, sink *metrics.Sink, host HostInfo) *Policy {
	return &Policy{
		providers: providers,
		breakers:  breakers,
		sink:      sink,
		host:      host,
		rr:        make(map[string]int),
		rnd:       rand.New(rand.NewSource(rand.Int63())),
	}
}

// Rank filters candidateIDs through the hard gates and orders the survivors
// per the descriptor. The result is empty when nothing can serve the
// request.
func (p *Policy) Rank(manifest *models.ModelManifest, req *models.InferenceRequest, candidateIDs []string, desc Descriptor) []Candidate {
	eligible := p.filter(manifest, req, candidateIDs)
	if len(eligible) == 0 {
		return nil
	}

	switch desc.Strategy {
	case StrategyRoundRobin:
		return p.roundRobin(manifest.ModelID, eligible)
	case StrategyWeightedRandom:
		return p.weightedRandom(eligible, desc.Weights, manifest, req)
	case StrategyLeastLoaded:
		return p.leastLoaded(eligible)
	case StrategyCostOptimized:
		return p.costOptimized(eligible, manifest, req)
	case StrategyLatencyOptimized:
		return p.latencyOptimized(eligible, manifest)
	case StrategyUserSelected:
		return p.userSelected(eligible, req)
	case StrategyFailover:
		return p.failover(eligible, desc.Order)
	default:
		return p.scored(eligible, manifest, req)
	}
}

// filter applies the hard gates: model support, format intersection, device
// preference, host resources, and breaker permits.
func (p *Policy) filter(manifest *models.ModelManifest, req *models.InferenceRequest, candidateIDs []string) []string {
	var out []string
	for _, id := range candidateIDs {
		adapter, ok := p.providers.Get(id)
		if !ok {
			continue
		}
		if !adapter.Supports(manifest.ModelID, req) {
			continue
		}
		caps := adapter.Capabilities()
		if !caps.SupportsFormat(manifest.Formats()...) {
			continue
		}
		if req.Streaming && !caps.Streaming {
			continue
		}
		if dev := req.PreferredDevice; dev != "" {
			if !caps.SupportedDevices[dev] {
				continue
			}
			if dev == models.DeviceCUDA && !p.host.HasCUDA {
				continue
			}
		}
		if min := manifest.Requirements.MinRAM; min > 0 && p.host.AvailableMemory > 0 && p.host.AvailableMemory < min {
			continue
		}
		// PermitCall performs the lazy open→half-open transition, so a
		// provider whose open period elapsed gets its probe.
		if !p.breakers.Get(id).PermitCall() {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// scoreOf computes the weighted score for one provider.
func (p *Policy) scoreOf(id string, manifest *models.ModelManifest, req *models.InferenceRequest) int {
	adapter, ok := p.providers.Get(id)
	if !ok {
		return 0
	}
	caps := adapter.Capabilities()
	score := 0

	if req.PreferredProvider == id {
		score += scorePreferredProvider
	}
	if dev := req.PreferredDevice; dev != "" && caps.SupportedDevices[dev] {
		score += scoreDeviceMatch
	}
	if formats := manifest.Formats(); len(formats) > 0 {
		sort.Slice(formats, func(i, j int) bool { return formats[i] < formats[j] })
		if caps.SupportedFormats[formats[0]] {
			score += scoreNativeFormat
		}
	}
	if req.Timeout > 0 {
		if p95, ok := p.sink.P95Latency(id, manifest.ModelID); ok && p95 < req.Timeout {
			score += scoreLatencyFits
		}
	}
	if min := manifest.Requirements.MinRAM; min <= 0 || p.host.AvailableMemory <= 0 || p.host.AvailableMemory >= min {
		score += scoreResourcesOK
	}
	if p.sink.Health(id).Status == models.HealthUp {
		score += scoreHealthy
	}
	if req.CostSensitive && caps.SupportedDevices[models.DeviceCPU] {
		score += scoreCostCPU
	}
	switch load := p.sink.CurrentLoad(id); {
	case load < 0.7:
		score += scoreLowLoad
	case load >= 0.95:
		score += penaltyCriticalLoad
	case load >= 0.8:
		score += penaltyHighLoad
	}
	return score
}

func (p *Policy) scored(ids []string, manifest *models.ModelManifest, req *models.InferenceRequest) []Candidate {
	out := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, Candidate{ProviderID: id, Score: p.scoreOf(id, manifest, req)})
	}
	// ids arrive sorted, so equal scores stay lexicographic.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func (p *Policy) roundRobin(modelID string, ids []string) []Candidate {
	p.mu.Lock()
	start := p.rr[modelID] % len(ids)
	p.rr[modelID]++
	p.mu.Unlock()

	out := make([]Candidate, 0, len(ids))
	for i := 0; i < len(ids); i++ {
		out = append(out, Candidate{ProviderID: ids[(start+i)%len(ids)]})
	}
	return out
}

func (p *Policy) weightedRandom(ids []string, weights map[string]int, manifest *models.ModelManifest, req *models.InferenceRequest) []Candidate {
	if len(weights) == 0 {
		slog.Warn("WEIGHTED_RANDOM strategy without weights, falling back to SCORED")
		return p.scored(ids, manifest, req)
	}
	// Weighted sampling without replacement gives the full failover order.
	remaining := append([]string(nil), ids...)
	out := make([]Candidate, 0, len(remaining))
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(remaining) > 0 {
		total := 0
		for _, id := range remaining {
			w := weights[id]
			if w <= 0 {
				w = 1
			}
			total += w
		}
		pick := p.rnd.Intn(total)
		for i, id := range remaining {
			w := weights[id]
			if w <= 0 {
				w = 1
			}
			if pick < w {
				out = append(out, Candidate{ProviderID: id, Score: weights[id]})
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
			pick -= w
		}
	}
	return out
}

func (p *Policy) leastLoaded(ids []string) []Candidate {
	out := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		// Score is the inverted load so higher still means better.
		out = append(out, Candidate{ProviderID: id, Score: int((1 - p.sink.CurrentLoad(id)) * 100)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func (p *Policy) costOptimized(ids []string, manifest *models.ModelManifest, req *models.InferenceRequest) []Candidate {
	out := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		score := p.scoreOf(id, manifest, req)
		if adapter, ok := p.providers.Get(id); ok {
			caps := adapter.Capabilities()
			// Local CPU-capable backends cost nothing per token.
			if caps.SupportedDevices[models.DeviceCPU] {
				score += 200
			}
		}
		out = append(out, Candidate{ProviderID: id, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func (p *Policy) latencyOptimized(ids []string, manifest *models.ModelManifest) []Candidate {
	type withLatency struct {
		id    string
		p95   int64
		known bool
	}
	all := make([]withLatency, 0, len(ids))
	for _, id := range ids {
		p95, ok := p.sink.P95Latency(id, manifest.ModelID)
		all = append(all, withLatency{id: id, p95: p95.Milliseconds(), known: ok})
	}
	sort.SliceStable(all, func(i, j int) bool {
		// Providers with no latency data sort last.
		if all[i].known != all[j].known {
			return all[i].known
		}
		return all[i].p95 < all[j].p95
	})
	out := make([]Candidate, 0, len(all))
	for _, c := range all {
		out = append(out, Candidate{ProviderID: c.id, Score: int(-c.p95)})
	}
	return out
}

func (p *Policy) userSelected(ids []string, req *models.InferenceRequest) []Candidate {
	if req.PreferredProvider == "" {
		return nil
	}
	for _, id := range ids {
		if id == req.PreferredProvider {
			return []Candidate{{ProviderID: id, Score: scorePreferredProvider}}
		}
	}
	return nil
}

func (p *Policy) failover(ids []string, order []string) []Candidate {
	eligible := make(map[string]bool, len(ids))
	for _, id := range ids {
		eligible[id] = true
	}
	out := make([]Candidate, 0, len(order))
	for i, id := range order {
		if eligible[id] {
			out = append(out, Candidate{ProviderID: id, Score: len(order) - i})
		}
	}
	return out
}
