package provider

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferd-io/inferd/pkg/metrics"
	"github.com/inferd-io/inferd/pkg/models"
)

func TestMatchModel(t *testing.T) {
	patterns := []string{"gpt-4o", "gpt-4.1*", "o3"}

	assert.True(t, matchModel(patterns, "gpt-4o"))
	assert.True(t, matchModel(patterns, "gpt-4.1-mini"))
	assert.True(t, matchModel(patterns, "o3"))
	assert.False(t, matchModel(patterns, "gpt-3.5-turbo"))
	assert.False(t, matchModel(patterns, "o3-mini"))
	assert.False(t, matchModel(nil, "anything"))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewMock("zeta", "m1"))
	r.Register(NewMock("alpha", "m2"))

	a, ok := r.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", a.ID())

	_, ok = r.Get("missing")
	assert.False(t, ok)

	// Deterministic ordering by ID.
	assert.Equal(t, []string{"alpha", "zeta"}, r.IDs())
	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].ID())
}

func TestRegistryShutdownAll(t *testing.T) {
	r := NewRegistry()
	m1 := NewMock("a", "m")
	m2 := NewMock("b", "m")
	r.Register(m1)
	r.Register(m2)

	r.ShutdownAll(context.Background())
	assert.Equal(t, 1, m1.ShutdownCalls())
	assert.Equal(t, 1, m2.ShutdownCalls())
}

func TestMockStreamTerminates(t *testing.T) {
	m := NewMock("mock", "m")
	s, err := m.InferStream(context.Background(), &models.InferenceRequest{
		RequestID: "req-1",
		Model:     "m",
	})
	require.NoError(t, err)

	var terminal bool
	for !terminal {
		chunk, err := s.Recv(context.Background())
		require.NoError(t, err)
		terminal = chunk.IsComplete
	}
}

func TestMonitorRecordsHealth(t *testing.T) {
	r := NewRegistry()
	down := NewMock("down", "m")
	down.HealthFunc = func(context.Context) models.ProviderHealth {
		return models.ProviderHealth{Status: models.HealthDown, Message: "connection refused"}
	}
	r.Register(NewMock("up", "m"))
	r.Register(down)

	sink := metrics.NewSink(8, prometheus.NewRegistry())
	m := NewMonitor(r, sink, time.Hour)
	m.Start(context.Background())
	defer m.Stop()

	// The initial scan runs synchronously inside the loop goroutine; give
	// it a moment.
	require.Eventually(t, func() bool {
		return sink.Health("down").Status == models.HealthDown
	}, time.Second, 10*time.Millisecond)
	assert.True(t, sink.IsHealthy("up"))
	assert.False(t, sink.IsHealthy("down"))
}
