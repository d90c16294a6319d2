// Package sessionpool manages reusable backend sessions, one pool per
// (model, tenant). Sessions age out on idle time and absolute age, the pool
// is bounded, and acquire blocks with a timeout when the bound is reached.
package sessionpool

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inferd-io/inferd/pkg/errs"
)

// Config bounds one pool.
type Config struct {
	MaxConcurrent   int           `yaml:"max_concurrent"`
	MaxIdleTime     time.Duration `yaml:"max_idle_time"`
	MaxAge          time.Duration `yaml:"max_age"`
	ReuseEnabled    bool          `yaml:"reuse_enabled"`
	WarmPoolSize    int           `yaml:"warm_pool_size"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig returns the stock pool bounds.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   10,
		MaxIdleTime:     15 * time.Minute,
		MaxAge:          time.Hour,
		ReuseEnabled:    true,
		WarmPoolSize:    2,
		CleanupInterval: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = d.MaxIdleTime
	}
	if c.MaxAge <= 0 {
		c.MaxAge = d.MaxAge
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	return c
}

// Opener constructs the backend handle of a new session. A nil handle is
// fine for stateless remote backends.
type Opener func(ctx context.Context) (io.Closer, error)

// Session is one checked-out backend conversation slot.
type Session struct {
	id       string
	modelID  string
	tenantID string
	handle   io.Closer

	createdAt time.Time

	mu         sync.Mutex
	lastUsedAt time.Time
	useCount   int64
	unhealthy  bool
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Handle returns the backend handle, which may be nil.
func (s *Session) Handle() io.Closer { return s.handle }

// UseCount reports how many times the session has been released back.
func (s *Session) UseCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.useCount
}

// MarkUnhealthy flags the session for closure on the next release or sweep.
func (s *Session) MarkUnhealthy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unhealthy = true
}

func (s *Session) close() {
	if s.handle == nil {
		return
	}
	if err := s.handle.Close(); err != nil {
		slog.Warn("Failed to close session handle",
			"session_id", s.id, "model", s.modelID, "error", err)
	}
}

// Pool holds the sessions of one (model, tenant) pair.
type Pool struct {
	modelID  string
	tenantID string
	cfg      Config
	open     Opener
	now      func() time.Time

	mu     sync.Mutex
	all    map[string]*Session
	closed bool

	avail chan *Session

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a pool. open may be nil for stateless backends.
func NewPool(modelID, tenantID string, cfg Config, open Opener) *Pool {
	cfg = cfg.withDefaults()
	if open == nil {
		open = func(context.Context) (io.Closer, error) { return nil, nil }
	}
	return &Pool{
		modelID:  modelID,
		tenantID: tenantID,
		cfg:      cfg,
		open:     open,
		now:      time.Now,
		all:      make(map[string]*Session),
		avail:    make(chan *Session, cfg.MaxConcurrent),
		stopCh:   make(chan struct{}),
	}
}

// WithClock overrides the time source. Intended for tests.
func (p *Pool) WithClock(now func() time.Time) *Pool {
	p.now = now
	return p
}

func (p *Pool) shouldClose(s *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := p.now()
	return s.unhealthy ||
		now.Sub(s.lastUsedAt) > p.cfg.MaxIdleTime ||
		now.Sub(s.createdAt) > p.cfg.MaxAge
}

func (p *Pool) deregister(s *Session) {
	p.mu.Lock()
	delete(p.all, s.id)
	p.mu.Unlock()
	s.close()
}

// tryNew constructs and registers a session when the pool has room.
// Returns nil without error when the pool is full.
func (p *Pool) tryNew(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errs.Newf(errs.RuntimeSessionExhausted, "session pool for %s is closed", p.modelID)
	}
	if len(p.all) >= p.cfg.MaxConcurrent {
		p.mu.Unlock()
		return nil, nil
	}
	// Reserve the slot before the (possibly slow) open so concurrent
	// acquires cannot overshoot the bound.
	s := &Session{
		id:         uuid.NewString(),
		modelID:    p.modelID,
		tenantID:   p.tenantID,
		createdAt:  p.now(),
		lastUsedAt: p.now(),
	}
	p.all[s.id] = s
	p.mu.Unlock()

	handle, err := p.open(ctx)
	if err != nil {
		p.mu.Lock()
		delete(p.all, s.id)
		p.mu.Unlock()
		return nil, err
	}
	s.handle = handle
	return s, nil
}

// Acquire returns a session, reusing an idle one when possible and
// constructing a new one while the pool has room. It blocks up to timeout
// waiting for a release, then fails with RUNTIME_003.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Session, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case s := <-p.avail:
			if p.shouldClose(s) {
				p.deregister(s)
				continue
			}
			return s, nil
		default:
		}

		s, err := p.tryNew(ctx)
		if err != nil {
			return nil, err
		}
		if s != nil {
			return s, nil
		}

		select {
		case s := <-p.avail:
			if p.shouldClose(s) {
				p.deregister(s)
				continue
			}
			return s, nil
		case <-timer.C:
			return nil, errs.Newf(errs.RuntimeSessionExhausted,
				"no session available for %s within %s", p.modelID, timeout).
				With("model", p.modelID).
				With("tenant_id", p.tenantID)
		case <-ctx.Done():
			return nil, errs.Wrap(errs.RuntimeCancelled, ctx.Err())
		}
	}
}

// Release returns a session to the pool. Unhealthy, expired, or
// non-reusable sessions are closed instead.
func (p *Pool) Release(s *Session) {
	s.mu.Lock()
	s.useCount++
	s.lastUsedAt = p.now()
	s.mu.Unlock()

	if !p.cfg.ReuseEnabled || p.shouldClose(s) || !p.park(s) {
		p.deregister(s)
	}
}

// park enqueues the session for reuse unless the pool has closed. The
// closed check and the enqueue happen under one lock so Close cannot drain
// the queue in between and strand the session's handle. The send never
// blocks: avail is sized to MaxConcurrent and |all| never exceeds it.
func (p *Pool) park(s *Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.avail <- s
	return true
}

// Prewarm opens sessions up front so the first requests skip construction.
// Failures are logged, not fatal.
func (p *Pool) Prewarm(ctx context.Context) {
	for i := 0; i < p.cfg.WarmPoolSize; i++ {
		s, err := p.tryNew(ctx)
		if err != nil {
			slog.Warn("Failed to prewarm session",
				"model", p.modelID, "tenant_id", p.tenantID, "error", err)
			return
		}
		if s == nil {
			return
		}
		if !p.park(s) {
			p.deregister(s)
			return
		}
	}
}

// Start launches the periodic idle sweep.
func (p *Pool) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.sweep()
			case <-p.stopCh:
				return
			}
		}
	}()
}

// sweep closes idle sessions that expired while parked in the queue.
func (p *Pool) sweep() {
	var keep []*Session
	for {
		select {
		case s := <-p.avail:
			if p.shouldClose(s) {
				p.deregister(s)
				continue
			}
			keep = append(keep, s)
		default:
			for _, s := range keep {
				p.avail <- s
			}
			return
		}
	}
}

// Close stops the sweep and closes every idle session. Checked-out sessions
// are closed as they come back.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case s := <-p.avail:
			p.deregister(s)
		default:
			return
		}
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total      int
	Available  int
	CheckedOut int
}

// Stats reports current counts. Total = Available + CheckedOut always
// holds, and Total never exceeds MaxConcurrent.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	total := len(p.all)
	p.mu.Unlock()
	available := len(p.avail)
	return Stats{Total: total, Available: available, CheckedOut: total - available}
}

// Manager lazily creates one pool per (model, tenant) and refcounts the
// holders. Several runners can share a pool; the pool closes when the last
// holder puts it back.
type Manager struct {
	cfg    Config
	opener func(modelID, tenantID string) Opener

	mu    sync.Mutex
	pools map[string]*managedPool
}

type managedPool struct {
	pool *Pool
	refs int
}

// NewManager creates a manager. opener may be nil, which gives every pool
// stateless sessions.
func NewManager(cfg Config, opener func(modelID, tenantID string) Opener) *Manager {
	return &Manager{
		cfg:    cfg,
		opener: opener,
		pools:  make(map[string]*managedPool),
	}
}

func poolKey(modelID, tenantID string) string { return modelID + "|" + tenantID }

// Get returns the pool for (modelID, tenantID), creating and starting it on
// first use, and takes a reference. Every Get must be paired with a Put.
func (m *Manager) Get(modelID, tenantID string) *Pool {
	key := poolKey(modelID, tenantID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if mp, ok := m.pools[key]; ok {
		mp.refs++
		return mp.pool
	}
	var open Opener
	if m.opener != nil {
		open = m.opener(modelID, tenantID)
	}
	p := NewPool(modelID, tenantID, m.cfg, open)
	p.Start()
	m.pools[key] = &managedPool{pool: p, refs: 1}
	return p
}

// Put releases one reference. The pool closes when the count reaches zero.
func (m *Manager) Put(modelID, tenantID string) {
	key := poolKey(modelID, tenantID)
	m.mu.Lock()
	mp, ok := m.pools[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	mp.refs--
	done := mp.refs <= 0
	if done {
		delete(m.pools, key)
	}
	m.mu.Unlock()
	if done {
		mp.pool.Close()
	}
}

// Close shuts every pool down regardless of references.
func (m *Manager) Close() {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, mp := range m.pools {
		pools = append(pools, mp.pool)
	}
	m.pools = make(map[string]*managedPool)
	m.mu.Unlock()
	for _, p := range pools {
		p.Close()
	}
}
