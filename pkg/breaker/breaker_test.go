package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferd-io/inferd/pkg/errs"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New("test", cfg).WithClock(clock.Now)
	return b, clock
}

func TestOpensAfterThresholdFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 5
	cfg.SlidingWindowSize = 5
	cfg.FailureRateThreshold = 0.5
	cfg.OpenDuration = 60 * time.Second
	b, clock := newTestBreaker(cfg)

	for i := 0; i < 5; i++ {
		assert.True(t, b.PermitCall(), "call %d should be permitted while closed", i)
		b.RecordFailure()
	}

	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.PermitCall())

	// After the open duration elapses, the next permit transitions to
	// half-open and is granted.
	clock.Advance(60 * time.Second)
	assert.True(t, b.PermitCall())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestStaysClosedBelowFailureRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.SlidingWindowSize = 10
	cfg.FailureRateThreshold = 0.5
	b, _ := newTestBreaker(cfg)

	// 3 failures among 7 successes: rate 0.3 < 0.5, stays closed.
	for i := 0; i < 7; i++ {
		b.RecordSuccess()
	}
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.PermitCall())
}

func TestHalfOpenClosesAfterSuccesses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.SlidingWindowSize = 2
	cfg.OpenDuration = time.Second
	cfg.HalfOpenPermits = 3
	cfg.HalfOpenSuccessThreshold = 2
	b, clock := newTestBreaker(cfg)

	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	clock.Advance(time.Second)
	require.True(t, b.PermitCall())
	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenReopensOnFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.SlidingWindowSize = 2
	cfg.OpenDuration = time.Second
	b, clock := newTestBreaker(cfg)

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(time.Second)
	require.True(t, b.PermitCall())
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.PermitCall())
}

func TestHalfOpenPermitBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.SlidingWindowSize = 1
	cfg.OpenDuration = time.Second
	cfg.HalfOpenPermits = 2
	cfg.HalfOpenSuccessThreshold = 2
	b, clock := newTestBreaker(cfg)

	b.RecordFailure()
	clock.Advance(time.Second)
	require.True(t, b.PermitCall()) // transitions to half-open

	// One outcome recorded, one permit left.
	b.RecordSuccess()
	assert.True(t, b.PermitCall())
	b.RecordSuccess()
	// Two successes closed the breaker again.
	assert.Equal(t, StateClosed, b.State())
}

func TestResetReturnsToClosed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.SlidingWindowSize = 1
	b, _ := newTestBreaker(cfg)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.PermitCall())

	snap := b.Snapshot()
	assert.Zero(t, snap.FailureCount)
	assert.Zero(t, snap.SuccessCount)
}

func TestTripOpen(t *testing.T) {
	b, _ := newTestBreaker(DefaultConfig())
	require.Equal(t, StateClosed, b.State())

	b.TripOpen()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.PermitCall())

	// TripOpen while already open is idempotent.
	b.TripOpen()
	assert.Equal(t, StateOpen, b.State())
}

func TestCallRefusesWhenOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.SlidingWindowSize = 1
	b, _ := newTestBreaker(cfg)

	b.TripOpen()
	err := b.Call(context.Background(), func(context.Context) error {
		t.Fatal("fn must not run while breaker is open")
		return nil
	})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.CircuitBreakerOpen))
}

func TestCallAppliesFailurePredicate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.SlidingWindowSize = 1
	b, _ := newTestBreaker(cfg)

	// Validation errors never count as breaker failures.
	err := b.Call(context.Background(), func(context.Context) error {
		return errs.New(errs.ValidationInvalidRequest)
	})
	require.Error(t, err)
	assert.Equal(t, StateClosed, b.State())

	// Untagged errors count.
	_ = b.Call(context.Background(), func(context.Context) error {
		return errors.New("upstream exploded")
	})
	assert.Equal(t, StateOpen, b.State())
}

func TestFailureCountTracked(t *testing.T) {
	b, _ := newTestBreaker(DefaultConfig())
	b.RecordFailure()
	snap := b.Snapshot()
	assert.Equal(t, 1, snap.FailureCount)
	assert.Equal(t, StateClosed, snap.State)
}

func TestQueriesStayConsistentUnderConcurrentRecording(t *testing.T) {
	b := New("test", DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				b.RecordFailure()
				b.RecordSuccess()
				b.Reset()
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				snap := b.Snapshot()
				assert.NotEmpty(t, snap.State)
				assert.GreaterOrEqual(t, snap.FailureCount, 0)
				_ = b.State()
				_ = b.PermitCall()
			}
		}()
	}
	wg.Wait()

	b.Reset()
	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.FailureCount)
	assert.Zero(t, snap.SuccessCount)
}

func TestRegistryReturnsSameInstance(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	b1 := r.Get("openai")
	b2 := r.Get("openai")
	assert.Same(t, b1, b2)

	b1.TripOpen()
	snaps := r.Snapshots()
	require.Contains(t, snaps, "openai")
	assert.Equal(t, StateOpen, snaps["openai"].State)
}
