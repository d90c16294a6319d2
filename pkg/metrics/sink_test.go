package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferd-io/inferd/pkg/models"
)

func newTestSink(softCapacity int) *Sink {
	return NewSink(softCapacity, prometheus.NewRegistry())
}

func TestCurrentLoad(t *testing.T) {
	s := newTestSink(4)

	assert.Zero(t, s.CurrentLoad("openai"))

	s.RequestStarted("openai")
	s.RequestStarted("openai")
	assert.InDelta(t, 0.5, s.CurrentLoad("openai"), 1e-9)

	s.RequestFinished("openai")
	assert.InDelta(t, 0.25, s.CurrentLoad("openai"), 1e-9)

	// Load is clamped at 1.0.
	for i := 0; i < 10; i++ {
		s.RequestStarted("openai")
	}
	assert.Equal(t, 1.0, s.CurrentLoad("openai"))
}

func TestRequestFinishedNeverGoesNegative(t *testing.T) {
	s := newTestSink(4)
	s.RequestFinished("openai")
	assert.Zero(t, s.CurrentLoad("openai"))
}

func TestP95Latency(t *testing.T) {
	s := newTestSink(4)

	_, ok := s.P95Latency("openai", "gpt-4o")
	assert.False(t, ok)

	for i := 1; i <= 100; i++ {
		s.RecordSuccess("openai", "gpt-4o", time.Duration(i)*time.Millisecond, 10, 20)
	}
	p95, ok := s.P95Latency("openai", "gpt-4o")
	require.True(t, ok)
	assert.Equal(t, 96*time.Millisecond, p95)

	// Samples are tracked per model.
	_, ok = s.P95Latency("openai", "gpt-3.5")
	assert.False(t, ok)
}

func TestHealthTracking(t *testing.T) {
	s := newTestSink(4)

	// Never probed counts as healthy.
	assert.True(t, s.IsHealthy("ollama"))
	assert.Equal(t, models.HealthUnknown, s.Health("ollama").Status)

	s.RecordHealth("ollama", models.ProviderHealth{Status: models.HealthDown, Message: "connection refused"})
	assert.False(t, s.IsHealthy("ollama"))
	assert.Equal(t, models.HealthDown, s.Health("ollama").Status)

	s.RecordHealth("ollama", models.ProviderHealth{Status: models.HealthUp})
	assert.True(t, s.IsHealthy("ollama"))
}
