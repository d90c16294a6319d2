// Package breaker implements a per-provider circuit breaker with the
// classic closed/open/half-open state machine. Counters are kept in a
// sliding window of recent outcomes; state transitions are serialized by a
// mutex while queries read an atomically published mirror and never block.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inferd-io/inferd/pkg/errs"
)

// State of a circuit breaker.
type State string

// Breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// FailurePredicate decides whether an error counts as a breaker failure.
// Errors failing the predicate (e.g. client validation errors) are ignored.
type FailurePredicate func(error) bool

// DefaultFailurePredicate counts retryable taxonomy errors and all untagged
// errors; client-side validation and auth errors never trip the breaker.
func DefaultFailurePredicate(err error) bool {
	if err == nil {
		return false
	}
	kind, ok := errs.KindOf(err)
	if !ok {
		return true
	}
	switch kind.Category {
	case errs.CategoryValidation, errs.CategoryAuth, errs.CategoryQuota:
		return false
	}
	return true
}

// Config controls breaker behavior.
type Config struct {
	// FailureThreshold is the absolute failure count that can open the
	// breaker.
	FailureThreshold int
	// FailureRateThreshold in (0,1]: failures/window calls needed to open.
	FailureRateThreshold float64
	// SlidingWindowSize is the number of recent calls considered. Must be
	// >= FailureThreshold.
	SlidingWindowSize int
	// OpenDuration is how long the breaker stays open before probing.
	OpenDuration time.Duration
	// HalfOpenPermits is the number of trial calls allowed while half-open.
	HalfOpenPermits int
	// HalfOpenSuccessThreshold is the successes needed to close again.
	// Must be <= HalfOpenPermits.
	HalfOpenSuccessThreshold int
	// FailurePredicate filters which errors count. Defaults to
	// DefaultFailurePredicate.
	FailurePredicate FailurePredicate
}

// DefaultConfig returns the built-in breaker defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:         5,
		FailureRateThreshold:     0.5,
		SlidingWindowSize:        10,
		OpenDuration:             60 * time.Second,
		HalfOpenPermits:          3,
		HalfOpenSuccessThreshold: 2,
	}
}

// Snapshot is a point-in-time view of breaker state.
type Snapshot struct {
	Name           string    `json:"name"`
	State          State     `json:"state"`
	FailureCount   int       `json:"failure_count"`
	SuccessCount   int       `json:"success_count"`
	StateChangedAt time.Time `json:"state_changed_at"`
}

// Breaker is one circuit breaker instance, typically one per provider.
// It lives for the whole process; Reset returns it to closed.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu sync.Mutex
	// window holds the outcome of the last SlidingWindowSize counted calls
	// (true = failure), newest last.
	window []bool
	state  State
	// half-open trial counters
	hoSuccesses int
	hoFailures  int
	changedAt   time.Time

	// snap mirrors the mutex-guarded fields as one Snapshot, republished
	// after every mutation, so State/Snapshot and the closed-state permit
	// check never contend with transitions.
	snap atomic.Value
}

// New creates a breaker with the given name and configuration.
func New(name string, cfg Config) *Breaker {
	if cfg.FailurePredicate == nil {
		cfg.FailurePredicate = DefaultFailurePredicate
	}
	if cfg.SlidingWindowSize < cfg.FailureThreshold {
		cfg.SlidingWindowSize = cfg.FailureThreshold
	}
	b := &Breaker{
		name:      name,
		cfg:       cfg,
		now:       time.Now,
		state:     StateClosed,
		changedAt: time.Now(),
	}
	b.publish()
	return b
}

// WithClock overrides the breaker's time source. Intended for tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// PermitCall reports whether a call may proceed. In the open state it also
// performs the lazy open→half-open transition once OpenDuration elapsed.
func (b *Breaker) PermitCall() bool {
	// Closed is the hot path; read the published mirror instead of taking
	// the transition lock. A stale read around a transition permits at most
	// one extra call, which the breaker tolerates anyway for calls already
	// in flight when it opens.
	if b.loadSnap().State == StateClosed {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.publish()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.changedAt) >= b.cfg.OpenDuration {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return b.hoSuccesses+b.hoFailures < b.cfg.HalfOpenPermits
	}
	return false
}

// Call guards fn with the breaker: it refuses when no permit is available
// and records the outcome otherwise.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !b.PermitCall() {
		return errs.New(errs.CircuitBreakerOpen).With("breaker", b.name)
	}
	err := fn(ctx)
	if err != nil && b.cfg.FailurePredicate(err) {
		b.RecordFailure()
	} else if err == nil {
		b.RecordSuccess()
	}
	return err
}

// RecordSuccess records a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.publish()

	switch b.state {
	case StateClosed:
		b.push(false)
	case StateHalfOpen:
		b.hoSuccesses++
		if b.hoSuccesses >= b.cfg.HalfOpenSuccessThreshold {
			b.transition(StateClosed)
		}
	case StateOpen:
		// Late completion of a call permitted before opening; ignore.
	}
}

// RecordFailure records a counted failure. Callers are expected to have
// applied the failure predicate already when bypassing Call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.publish()

	switch b.state {
	case StateClosed:
		b.push(true)
		if b.shouldOpen() {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.hoFailures++
		b.transition(StateOpen)
	case StateOpen:
		// Already open; double transitions are idempotent.
	}
}

// Reset returns the breaker to closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.publish()
	b.transition(StateClosed)
}

// TripOpen forces the breaker open regardless of counters.
func (b *Breaker) TripOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.publish()
	if b.state != StateOpen {
		b.transition(StateOpen)
	} else {
		// Restart the open timer.
		b.changedAt = b.now()
	}
}

// Snapshot returns a point-in-time view of the breaker. It reads the
// published mirror and never blocks on in-flight transitions.
func (b *Breaker) Snapshot() Snapshot {
	return b.loadSnap()
}

// State returns the current state without blocking.
func (b *Breaker) State() State {
	return b.loadSnap().State
}

// publish refreshes the lock-free mirror. Caller holds b.mu.
func (b *Breaker) publish() {
	failures, successes := b.counts()
	if b.state == StateHalfOpen {
		failures, successes = b.hoFailures, b.hoSuccesses
	}
	b.snap.Store(Snapshot{
		Name:           b.name,
		State:          b.state,
		FailureCount:   failures,
		SuccessCount:   successes,
		StateChangedAt: b.changedAt,
	})
}

func (b *Breaker) loadSnap() Snapshot {
	return b.snap.Load().(Snapshot)
}

// push appends an outcome to the sliding window, evicting the oldest entry
// when full. Caller holds b.mu.
func (b *Breaker) push(failure bool) {
	b.window = append(b.window, failure)
	if len(b.window) > b.cfg.SlidingWindowSize {
		b.window = b.window[1:]
	}
}

// counts returns (failures, successes) in the window. Caller holds b.mu.
func (b *Breaker) counts() (int, int) {
	failures := 0
	for _, f := range b.window {
		if f {
			failures++
		}
	}
	return failures, len(b.window) - failures
}

// shouldOpen evaluates the closed→open condition. Caller holds b.mu.
func (b *Breaker) shouldOpen() bool {
	failures, successes := b.counts()
	if failures < b.cfg.FailureThreshold {
		return false
	}
	if successes == 0 {
		return true
	}
	rate := float64(failures) / float64(len(b.window))
	return rate >= b.cfg.FailureRateThreshold
}

// transition moves to the target state and resets per-state counters.
// Caller holds b.mu. Re-entering the current state is a no-op except for
// Reset, which always clears counters via the closed branch.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.changedAt = b.now()
	switch to {
	case StateClosed:
		b.window = b.window[:0]
		b.hoSuccesses, b.hoFailures = 0, 0
	case StateHalfOpen:
		b.hoSuccesses, b.hoFailures = 0, 0
	case StateOpen:
	}
	if from != to {
		slog.Info("Circuit breaker state change",
			"breaker", b.name, "from", from, "to", to)
	}
}

// Registry is a process-wide set of breakers, one per provider. Breakers
// are created on first use and never destroyed.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry that builds breakers with cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the provider, creating it if needed.
func (r *Registry) Get(providerID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[providerID]
	if !ok {
		b = New(providerID, r.cfg)
		r.breakers[providerID] = b
	}
	return b
}

// Snapshots returns snapshots of all known breakers keyed by provider.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.Snapshot()
	}
	return out
}
