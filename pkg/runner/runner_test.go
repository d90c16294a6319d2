package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferd-io/inferd/pkg/errs"
	"github.com/inferd-io/inferd/pkg/models"
	"github.com/inferd-io/inferd/pkg/provider"
	"github.com/inferd-io/inferd/pkg/sessionpool"
)

func testManifest(modelID string) *models.ModelManifest {
	return &models.ModelManifest{
		ModelID:  modelID,
		TenantID: "acme",
		Artifacts: map[models.Format]string{
			models.FormatRemote: "",
		},
	}
}

func testTenant() models.TenantContext {
	return models.TenantContext{TenantID: "acme", RequestID: "req-1"}
}

func newFactory(cfg Config, adapters ...provider.Adapter) *Factory {
	reg := provider.NewRegistry()
	for _, a := range adapters {
		reg.Register(a)
	}
	sessions := sessionpool.NewManager(sessionpool.Config{CleanupInterval: time.Hour}, nil)
	return NewFactory(cfg, reg, sessions)
}

func TestGetRunnerCachesBinding(t *testing.T) {
	mock := provider.NewMock("mock", "m")
	f := newFactory(Config{}, mock)
	defer f.Close()
	ctx := context.Background()

	r1, err := f.GetRunner(ctx, testManifest("m"), "mock", testTenant())
	require.NoError(t, err)
	r2, err := f.GetRunner(ctx, testManifest("m"), "mock", testTenant())
	require.NoError(t, err)

	assert.Same(t, r1, r2)
	assert.Equal(t, 1, f.Size())
	// Initialize ran once per construction, not per get.
	assert.Equal(t, 1, mock.InitCalls())
}

func TestGetRunnerUnknownProvider(t *testing.T) {
	f := newFactory(Config{})
	defer f.Close()

	_, err := f.GetRunner(context.Background(), testManifest("m"), "nope", testTenant())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.RoutingNoCompatibleProvider))
}

func TestFailedConstructionNotCached(t *testing.T) {
	f := newFactory(Config{})
	defer f.Close()

	_, err := f.GetRunner(context.Background(), testManifest("m"), "nope", testTenant())
	require.Error(t, err)
	assert.Zero(t, f.Size())
}

func TestConcurrentGetsCoalesce(t *testing.T) {
	mock := provider.NewMock("mock", "m")
	f := newFactory(Config{}, mock)
	defer f.Close()

	var wg sync.WaitGroup
	runners := make([]*Runner, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.GetRunner(context.Background(), testManifest("m"), "mock", testTenant())
			if err == nil {
				runners[i] = r
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < 8; i++ {
		assert.Same(t, runners[0], runners[i])
	}
	assert.Equal(t, 1, mock.InitCalls())
}

func TestLRUEviction(t *testing.T) {
	mock := provider.NewMock("mock", "a", "b", "c")
	f := newFactory(Config{MaxPoolSize: 2}, mock)
	defer f.Close()
	ctx := context.Background()

	_, err := f.GetRunner(ctx, testManifest("a"), "mock", testTenant())
	require.NoError(t, err)
	_, err = f.GetRunner(ctx, testManifest("b"), "mock", testTenant())
	require.NoError(t, err)
	require.Equal(t, 2, f.Size())

	// Third binding evicts the least recently used.
	_, err = f.GetRunner(ctx, testManifest("c"), "mock", testTenant())
	require.NoError(t, err)
	assert.Equal(t, 2, f.Size())
}

func TestIdleEviction(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock := provider.NewMock("mock", "m")
	f := newFactory(Config{IdleTimeout: 15 * time.Minute}, mock).
		WithClock(func() time.Time { return clock })
	defer f.Close()

	_, err := f.GetRunner(context.Background(), testManifest("m"), "mock", testTenant())
	require.NoError(t, err)

	clock = clock.Add(16 * time.Minute)
	f.evictIdle()
	assert.Zero(t, f.Size())
}

func TestRunnerInferReleasesSession(t *testing.T) {
	mock := provider.NewMock("mock", "m")
	f := newFactory(Config{}, mock)
	defer f.Close()
	ctx := context.Background()

	r, err := f.GetRunner(ctx, testManifest("m"), "mock", testTenant())
	require.NoError(t, err)

	req := &models.InferenceRequest{
		RequestID: "req-1",
		Model:     "m",
		Messages:  []models.Message{{Role: models.RoleUser, Content: "Hi"}},
	}
	resp, err := r.Infer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)

	stats := r.sessions.Stats()
	assert.Zero(t, stats.CheckedOut)
	assert.Equal(t, 1, stats.Available)
}

func TestRunnerStreamDoneIsIdempotent(t *testing.T) {
	mock := provider.NewMock("mock", "m")
	f := newFactory(Config{}, mock)
	defer f.Close()
	ctx := context.Background()

	r, err := f.GetRunner(ctx, testManifest("m"), "mock", testTenant())
	require.NoError(t, err)

	req := &models.InferenceRequest{
		RequestID: "req-1",
		Model:     "m",
		Messages:  []models.Message{{Role: models.RoleUser, Content: "Hi"}},
	}
	st, done, err := r.InferStream(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 1, r.sessions.Stats().CheckedOut)

	for {
		chunk, err := st.Recv(ctx)
		require.NoError(t, err)
		if chunk.IsComplete {
			break
		}
	}
	done()
	done()

	stats := r.sessions.Stats()
	assert.Zero(t, stats.CheckedOut)
	assert.Equal(t, 1, stats.Available)

	// One use per stream, counted on release.
	s, err := r.sessions.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.UseCount())
}
