package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the single-node counter store. Windowed counters reset
// lazily when their window has elapsed.
type MemoryStore struct {
	now func() time.Time

	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	value       int64
	windowStart time.Time
	window      time.Duration
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		counters: make(map[string]*counter),
	}
}

// WithClock overrides the time source. Intended for tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// Add implements Store. A limit of zero or below means unlimited.
func (s *MemoryStore) Add(_ context.Context, key string, amount, limit int64, window time.Duration) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok {
		c = &counter{windowStart: now, window: window}
		s.counters[key] = c
	}
	if c.window > 0 && now.Sub(c.windowStart) >= c.window {
		c.value = 0
		c.windowStart = now
	}

	if limit > 0 && c.value+amount > limit {
		retryAfter := time.Second
		if c.window > 0 {
			retryAfter = c.window - now.Sub(c.windowStart)
		}
		return false, retryAfter, nil
	}
	c.value += amount
	return true, 0, nil
}

// Sub implements Store, flooring the counter at zero.
func (s *MemoryStore) Sub(_ context.Context, key string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok {
		return nil
	}
	c.value -= amount
	if c.value < 0 {
		c.value = 0
	}
	return nil
}
