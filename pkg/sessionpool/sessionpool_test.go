package sessionpool

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferd-io/inferd/pkg/errs"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func smallConfig() Config {
	return Config{
		MaxConcurrent:   2,
		MaxIdleTime:     15 * time.Minute,
		MaxAge:          time.Hour,
		ReuseEnabled:    true,
		CleanupInterval: time.Hour,
	}
}

func TestAcquireReusesReleasedSession(t *testing.T) {
	p := NewPool("qwen-0.5", "acme", smallConfig(), nil)
	ctx := context.Background()

	s1, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	p.Release(s1)

	s2, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, s1.ID(), s2.ID())
	assert.Equal(t, int64(1), s2.UseCount())
}

func TestAcquireBlocksAtBoundThenTimesOut(t *testing.T) {
	p := NewPool("m", "t", smallConfig(), nil)
	ctx := context.Background()

	_, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	_, err = p.Acquire(ctx, time.Second)
	require.NoError(t, err)

	_, err = p.Acquire(ctx, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.RuntimeSessionExhausted))
}

func TestAcquireWakesOnRelease(t *testing.T) {
	p := NewPool("m", "t", smallConfig(), nil)
	ctx := context.Background()

	s1, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	_, err = p.Acquire(ctx, time.Second)
	require.NoError(t, err)

	acquired := make(chan *Session, 1)
	go func() {
		s, err := p.Acquire(ctx, 2*time.Second)
		if err == nil {
			acquired <- s
		}
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(s1)

	select {
	case s := <-acquired:
		assert.Equal(t, s1.ID(), s.ID())
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestInvariantTotalNeverExceedsMax(t *testing.T) {
	p := NewPool("m", "t", smallConfig(), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.Acquire(ctx, 500*time.Millisecond)
			if err != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
			p.Release(s)
		}()
	}
	wg.Wait()

	stats := p.Stats()
	assert.LessOrEqual(t, stats.Total, 2)
	assert.Equal(t, stats.Total, stats.Available+stats.CheckedOut)
}

func TestIdleSessionClosedOnAcquire(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	closes := 0
	open := func(context.Context) (io.Closer, error) {
		return closerFunc(func() error { closes++; return nil }), nil
	}
	p := NewPool("m", "t", smallConfig(), open).
		WithClock(func() time.Time { return clock })
	ctx := context.Background()

	s1, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	p.Release(s1)

	// Idle past MaxIdleTime: acquire discards it and builds a fresh one.
	clock = clock.Add(16 * time.Minute)
	s2, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID(), s2.ID())
	assert.Equal(t, 1, closes)
}

func TestUnhealthySessionNotReused(t *testing.T) {
	p := NewPool("m", "t", smallConfig(), nil)
	ctx := context.Background()

	s1, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	s1.MarkUnhealthy()
	p.Release(s1)

	assert.Zero(t, p.Stats().Total)
}

func TestReuseDisabledClosesOnRelease(t *testing.T) {
	cfg := smallConfig()
	cfg.ReuseEnabled = false
	p := NewPool("m", "t", cfg, nil)
	ctx := context.Background()

	s, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	p.Release(s)
	assert.Zero(t, p.Stats().Total)
}

func TestSweepClosesExpired(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewPool("m", "t", smallConfig(), nil).
		WithClock(func() time.Time { return clock })
	ctx := context.Background()

	s, err := p.Acquire(ctx, time.Second)
	require.NoError(t, err)
	p.Release(s)
	require.Equal(t, 1, p.Stats().Available)

	clock = clock.Add(16 * time.Minute)
	p.sweep()
	assert.Zero(t, p.Stats().Total)
}

func TestPrewarm(t *testing.T) {
	cfg := smallConfig()
	cfg.WarmPoolSize = 2
	p := NewPool("m", "t", cfg, nil)

	p.Prewarm(context.Background())
	stats := p.Stats()
	assert.Equal(t, 2, stats.Available)
	assert.Equal(t, 2, stats.Total)
}

func TestReleaseAfterCloseClosesSession(t *testing.T) {
	closes := 0
	open := func(context.Context) (io.Closer, error) {
		return closerFunc(func() error { closes++; return nil }), nil
	}
	p := NewPool("m", "t", smallConfig(), open)

	s, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	// Close runs while the session is checked out; the late release must
	// close the handle instead of parking it after the drain already ran.
	p.Close()
	p.Release(s)

	assert.Equal(t, 1, closes)
	assert.Zero(t, p.Stats().Total)
}

func TestConcurrentReleaseAndCloseLeavesNoOpenHandles(t *testing.T) {
	var opened, closed atomic.Int32
	open := func(context.Context) (io.Closer, error) {
		opened.Add(1)
		return closerFunc(func() error { closed.Add(1); return nil }), nil
	}
	cfg := smallConfig()
	cfg.MaxConcurrent = 4
	p := NewPool("m", "t", cfg, open)

	var sessions []*Session
	for i := 0; i < cfg.MaxConcurrent; i++ {
		s, err := p.Acquire(context.Background(), time.Second)
		require.NoError(t, err)
		sessions = append(sessions, s)
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Release(s)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Close()
	}()
	wg.Wait()

	// Sessions parked before Close are closed by its drain; the rest close
	// on release. Nothing may stay open.
	assert.Equal(t, opened.Load(), closed.Load())
	assert.Zero(t, p.Stats().Total)
}

func TestManagerKeysPoolsByModelAndTenant(t *testing.T) {
	m := NewManager(smallConfig(), nil)
	defer m.Close()

	p1 := m.Get("m1", "acme")
	p2 := m.Get("m1", "acme")
	p3 := m.Get("m1", "globex")

	assert.Same(t, p1, p2)
	assert.NotSame(t, p1, p3)
}

func TestManagerRefcounting(t *testing.T) {
	m := NewManager(smallConfig(), nil)
	defer m.Close()

	p1 := m.Get("m1", "acme")
	m.Get("m1", "acme")

	// First Put keeps the pool alive for the second holder.
	m.Put("m1", "acme")
	s, err := p1.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	p1.Release(s)

	// Last Put closes it.
	m.Put("m1", "acme")
	_, err = p1.Acquire(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.RuntimeSessionExhausted))
}
