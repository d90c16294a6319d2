package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferd-io/inferd/pkg/errs"
)

func tightLimits() LimitsResolver {
	return func(string) Limits {
		return Limits{
			Requests:     2,
			InputTokens:  100,
			OutputTokens: 50,
			Concurrent:   1,
			Window:       time.Minute,
		}
	}
}

func TestReserveWithinLimit(t *testing.T) {
	e := NewEnforcer(NewMemoryStore(), tightLimits())
	ctx := context.Background()

	require.NoError(t, e.Reserve(ctx, "acme", KindRequests, 1, "req-1"))
	require.NoError(t, e.Reserve(ctx, "acme", KindRequests, 1, "req-2"))

	err := e.Reserve(ctx, "acme", KindRequests, 1, "req-3")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.QuotaExceeded))

	var qe *errs.Error
	require.ErrorAs(t, err, &qe)
	assert.Greater(t, qe.RetryAfter(), time.Duration(0))
}

func TestTenantsAreIsolated(t *testing.T) {
	e := NewEnforcer(NewMemoryStore(), tightLimits())
	ctx := context.Background()

	require.NoError(t, e.Reserve(ctx, "acme", KindRequests, 2, "req-1"))
	// A different tenant has its own counter.
	require.NoError(t, e.Reserve(ctx, "globex", KindRequests, 2, "req-2"))
}

func TestReleaseIsIdempotent(t *testing.T) {
	e := NewEnforcer(NewMemoryStore(), tightLimits())
	ctx := context.Background()

	require.NoError(t, e.Reserve(ctx, "acme", KindRequests, 2, "req-1"))
	require.Error(t, e.Reserve(ctx, "acme", KindRequests, 1, "req-2"))

	e.Release(ctx, KindRequests, "req-1")
	// Double release must not free capacity twice.
	e.Release(ctx, KindRequests, "req-1")

	require.NoError(t, e.Reserve(ctx, "acme", KindRequests, 2, "req-3"))
	require.Error(t, e.Reserve(ctx, "acme", KindRequests, 1, "req-4"))
}

func TestWindowReset(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return clock })
	e := NewEnforcer(store, tightLimits())
	ctx := context.Background()

	require.NoError(t, e.Reserve(ctx, "acme", KindRequests, 2, "req-1"))
	require.Error(t, e.Reserve(ctx, "acme", KindRequests, 1, "req-2"))

	clock = clock.Add(61 * time.Second)
	require.NoError(t, e.Reserve(ctx, "acme", KindRequests, 1, "req-3"))
}

func TestConcurrentGauge(t *testing.T) {
	e := NewEnforcer(NewMemoryStore(), tightLimits())
	ctx := context.Background()

	require.NoError(t, e.Reserve(ctx, "acme", KindConcurrent, 1, "req-1"))
	require.Error(t, e.Reserve(ctx, "acme", KindConcurrent, 1, "req-2"))

	// Completion returns the concurrent slot.
	e.OnComplete(ctx, KindConcurrent, 0, "req-1")
	require.NoError(t, e.Reserve(ctx, "acme", KindConcurrent, 1, "req-3"))
}

func TestOnCompleteReconcilesTokens(t *testing.T) {
	e := NewEnforcer(NewMemoryStore(), tightLimits())
	ctx := context.Background()

	// Reserve 40 of 50 output tokens, actually use 10: 40 remain usable.
	require.NoError(t, e.Reserve(ctx, "acme", KindOutputTokens, 40, "req-1"))
	e.OnComplete(ctx, KindOutputTokens, 10, "req-1")

	require.NoError(t, e.Reserve(ctx, "acme", KindOutputTokens, 40, "req-2"))
	require.Error(t, e.Reserve(ctx, "acme", KindOutputTokens, 1, "req-3"))
}

func TestCheckDoesNotConsume(t *testing.T) {
	e := NewEnforcer(NewMemoryStore(), tightLimits())
	ctx := context.Background()

	require.NoError(t, e.Check(ctx, "acme", KindRequests, 2))
	require.NoError(t, e.Check(ctx, "acme", KindRequests, 2))
	require.NoError(t, e.Reserve(ctx, "acme", KindRequests, 2, "req-1"))
}

func TestUnlimitedKind(t *testing.T) {
	resolver := func(string) Limits { return Limits{Window: time.Minute} }
	e := NewEnforcer(NewMemoryStore(), resolver)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, e.Reserve(ctx, "acme", KindRequests, 1000, "req"))
	}
}
