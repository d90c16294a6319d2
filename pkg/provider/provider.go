// Package provider reduces heterogeneous inference backends to one adapter
// contract: sync infer, streaming infer, health, capability advertisement,
// and idempotent lifecycle. Remote adapters map transport failures into the
// shared error taxonomy so the router can tell retryable from terminal.
package provider

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/inferd-io/inferd/pkg/models"
	"github.com/inferd-io/inferd/pkg/stream"
)

// Adapter is the uniform backend contract. Implementations must be safe for
// concurrent use, must not retain request references after returning, and
// must make Initialize and Shutdown idempotent.
type Adapter interface {
	// ID is the stable provider identifier, e.g. "gguf", "ollama", "gemini".
	ID() string
	// Capabilities advertises what the backend can do.
	Capabilities() models.ProviderCapabilities
	// Supports reports whether the adapter can serve the model for this
	// request. It may inspect model name patterns and request features.
	Supports(modelID string, req *models.InferenceRequest) bool
	// Initialize prepares backend handles. Safe to call more than once.
	Initialize(ctx context.Context) error
	// Infer executes one non-streaming inference.
	Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error)
	// InferStream starts a streaming inference. Only valid when
	// Capabilities().Streaming; the returned stream always terminates with
	// exactly one terminal chunk.
	InferStream(ctx context.Context, req *models.InferenceRequest) (*stream.Stream, error)
	// Health probes the backend.
	Health(ctx context.Context) models.ProviderHealth
	// Shutdown releases all backend handles. Safe to call more than once.
	Shutdown(ctx context.Context) error
}

// Config is the per-provider configuration shared by the remote adapters.
type Config struct {
	APIKey  string
	BaseURL string
	// Models are the model identifiers the provider serves. A trailing '*'
	// matches any suffix ("gpt-4*"). Empty means the adapter decides.
	Models  []string
	Timeout time.Duration
	// Stream configures the backpressure policy of streams this provider
	// produces.
	Stream stream.Options
}

// DefaultTimeout bounds remote calls when the config does not.
const DefaultTimeout = 120 * time.Second

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// matchModel reports whether modelID matches any pattern. Patterns are
// literal identifiers or prefixes ending in '*'.
func matchModel(patterns []string, modelID string) bool {
	for _, p := range patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(modelID, prefix) {
				return true
			}
			continue
		}
		if p == modelID {
			return true
		}
	}
	return false
}

// modelSet builds a capability set from configured patterns, skipping
// wildcards, which cannot be enumerated.
func modelSet(patterns []string) map[string]bool {
	out := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		if !strings.HasSuffix(p, "*") {
			out[p] = true
		}
	}
	return out
}

// Registry holds the configured adapters keyed by provider ID.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. The last registration for an ID wins.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// Get returns the adapter for the provider ID.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// All returns the registered adapters sorted by ID so iteration order is
// deterministic.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// IDs returns the registered provider IDs sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ShutdownAll shuts every adapter down, collecting nothing: shutdown is
// best-effort during process exit.
func (r *Registry) ShutdownAll(ctx context.Context) {
	for _, a := range r.All() {
		_ = a.Shutdown(ctx)
	}
}
