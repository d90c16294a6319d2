// Package runner binds a model manifest to a provider adapter and a session
// pool, and keeps the bindings warm in a bounded LRU cache. Construction is
// coalesced so concurrent requests for the same missing runner wait on a
// single initialization.
package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/inferd-io/inferd/pkg/errs"
	"github.com/inferd-io/inferd/pkg/models"
	"github.com/inferd-io/inferd/pkg/provider"
	"github.com/inferd-io/inferd/pkg/sessionpool"
	"github.com/inferd-io/inferd/pkg/stream"
)

// Key identifies a cached runner. Tenant scoping keeps one tenant's warm
// state from serving another.
type Key struct {
	TenantID   string
	ModelID    string
	ProviderID string
}

// Runner executes inferences for one (tenant, model, provider) binding.
// Each call checks a session out of the shared pool and returns it on every
// exit path.
type Runner struct {
	key      Key
	manifest *models.ModelManifest
	adapter  provider.Adapter
	sessions *sessionpool.Pool

	acquireTimeout time.Duration
}

// ProviderID returns the bound provider.
func (r *Runner) ProviderID() string { return r.key.ProviderID }

// Infer runs one non-streaming inference through the binding.
func (r *Runner) Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error) {
	s, err := r.sessions.Acquire(ctx, r.acquireTimeout)
	if err != nil {
		return nil, err
	}
	resp, err := r.adapter.Infer(ctx, req)
	if errs.IsKind(err, errs.DeviceOutOfMemory) {
		// The backend slot is poisoned; do not hand it to the next request.
		s.MarkUnhealthy()
	}
	r.sessions.Release(s)
	return resp, err
}

// InferStream starts a streaming inference. The returned done func returns
// the session to the pool and must be called exactly when the stream is
// finished or abandoned; it is safe to call more than once.
func (r *Runner) InferStream(ctx context.Context, req *models.InferenceRequest) (*stream.Stream, func(), error) {
	s, err := r.sessions.Acquire(ctx, r.acquireTimeout)
	if err != nil {
		return nil, nil, err
	}
	st, err := r.adapter.InferStream(ctx, req)
	if err != nil {
		if errs.IsKind(err, errs.DeviceOutOfMemory) {
			s.MarkUnhealthy()
		}
		r.sessions.Release(s)
		return nil, nil, err
	}
	var once sync.Once
	done := func() {
		once.Do(func() { r.sessions.Release(s) })
	}
	return st, done, nil
}

// Config bounds the warm cache.
type Config struct {
	MaxPoolSize    int           `yaml:"max_pool_size"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// DefaultConfig returns the stock cache bounds.
func DefaultConfig() Config {
	return Config{
		MaxPoolSize:    10,
		IdleTimeout:    15 * time.Minute,
		SweepInterval:  time.Minute,
		AcquireTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = d.MaxPoolSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	return c
}

// entry is one cache slot. ready closes when construction finishes, which
// is how concurrent gets coalesce.
type entry struct {
	ready    chan struct{}
	runner   *Runner
	err      error
	lastUsed time.Time
}

// Factory is the warm runner cache.
type Factory struct {
	cfg       Config
	providers *provider.Registry
	sessions  *sessionpool.Manager
	now       func() time.Time

	mu      sync.Mutex
	entries map[Key]*entry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFactory creates a factory over the provider registry.
func NewFactory(cfg Config, providers *provider.Registry, sessions *sessionpool.Manager) *Factory {
	return &Factory{
		cfg:       cfg.withDefaults(),
		providers: providers,
		sessions:  sessions,
		now:       time.Now,
		entries:   make(map[Key]*entry),
		stopCh:    make(chan struct{}),
	}
}

// WithClock overrides the time source. Intended for tests.
func (f *Factory) WithClock(now func() time.Time) *Factory {
	f.now = now
	return f
}

// Start launches the idle sweep.
func (f *Factory) Start() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f.evictIdle()
			case <-f.stopCh:
				return
			}
		}
	}()
}

// GetRunner returns the cached runner for the binding, constructing it when
// absent. Failed constructions are not cached.
func (f *Factory) GetRunner(ctx context.Context, manifest *models.ModelManifest, providerID string, tenant models.TenantContext) (*Runner, error) {
	key := Key{TenantID: tenant.TenantID, ModelID: manifest.ModelID, ProviderID: providerID}

	f.mu.Lock()
	if e, ok := f.entries[key]; ok {
		e.lastUsed = f.now()
		f.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, errs.Wrap(errs.RuntimeCancelled, ctx.Err())
		}
		return e.runner, e.err
	}

	f.evictForRoomLocked()
	e := &entry{ready: make(chan struct{}), lastUsed: f.now()}
	f.entries[key] = e
	f.mu.Unlock()

	runner, err := f.build(ctx, key, manifest)
	e.runner, e.err = runner, err
	if err != nil {
		f.mu.Lock()
		delete(f.entries, key)
		f.mu.Unlock()
	}
	close(e.ready)
	return runner, err
}

func (f *Factory) build(ctx context.Context, key Key, manifest *models.ModelManifest) (*Runner, error) {
	adapter, ok := f.providers.Get(key.ProviderID)
	if !ok {
		return nil, errs.Newf(errs.RoutingNoCompatibleProvider, "provider %q is not registered", key.ProviderID).
			With("provider", key.ProviderID)
	}
	if err := adapter.Initialize(ctx); err != nil {
		return nil, err
	}
	return &Runner{
		key:            key,
		manifest:       manifest,
		adapter:        adapter,
		sessions:       f.sessions.Get(key.ModelID, key.TenantID),
		acquireTimeout: f.cfg.AcquireTimeout,
	}, nil
}

// evictForRoomLocked makes room for one more entry. Only finished entries
// are eviction candidates; in-flight constructions are left alone.
func (f *Factory) evictForRoomLocked() {
	for len(f.entries) >= f.cfg.MaxPoolSize {
		var oldest Key
		var oldestAt time.Time
		found := false
		for k, e := range f.entries {
			select {
			case <-e.ready:
			default:
				continue
			}
			if !found || e.lastUsed.Before(oldestAt) {
				oldest, oldestAt, found = k, e.lastUsed, true
			}
		}
		if !found {
			return
		}
		f.evictLocked(oldest)
	}
}

func (f *Factory) evictLocked(key Key) {
	e := f.entries[key]
	delete(f.entries, key)
	if e != nil && e.runner != nil {
		f.shutdownRunner(key, e.runner)
	}
}

func (f *Factory) shutdownRunner(key Key, _ *Runner) {
	// The session pool is shared per (model, tenant); dropping our
	// reference closes it once no other runner holds it.
	f.sessions.Put(key.ModelID, key.TenantID)
	slog.Info("Evicted runner",
		"tenant_id", key.TenantID, "model", key.ModelID, "provider", key.ProviderID)
}

// evictIdle drops runners unused for longer than IdleTimeout.
func (f *Factory) evictIdle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := f.now().Add(-f.cfg.IdleTimeout)
	for k, e := range f.entries {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.lastUsed.Before(cutoff) {
			f.evictLocked(k)
		}
	}
}

// Prewarm constructs runners for the providers concurrently and feeds each
// a tiny prompt so backends load their state. Individual failures are
// logged, not fatal.
func (f *Factory) Prewarm(ctx context.Context, manifest *models.ModelManifest, providerIDs []string, tenant models.TenantContext) {
	var wg sync.WaitGroup
	for _, providerID := range providerIDs {
		wg.Add(1)
		go func(providerID string) {
			defer wg.Done()
			r, err := f.GetRunner(ctx, manifest, providerID, tenant)
			if err != nil {
				slog.Warn("Prewarm construction failed",
					"model", manifest.ModelID, "provider", providerID, "error", err)
				return
			}
			warm := &models.InferenceRequest{
				RequestID: models.NewRequestID(),
				Model:     manifest.ModelID,
				Messages:  []models.Message{{Role: models.RoleUser, Content: "ping"}},
				Parameters: models.Parameters{
					MaxTokens: intPtr(1),
				},
			}
			if _, err := r.Infer(ctx, warm); err != nil {
				slog.Warn("Prewarm probe failed",
					"model", manifest.ModelID, "provider", providerID, "error", err)
			}
		}(providerID)
	}
	wg.Wait()
}

func intPtr(v int) *int { return &v }

// Size reports how many runners are cached.
func (f *Factory) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// Close stops the sweep and shuts every cached runner down.
func (f *Factory) Close() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	f.wg.Wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.entries {
		f.evictLocked(k)
	}
}
