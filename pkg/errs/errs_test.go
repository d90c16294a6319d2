package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := Newf(ModelNotFound, "model %q not found for tenant %q", "qwen-0.5", "acme")
	assert.Equal(t, `MODEL_001: model "qwen-0.5" not found for tenant "acme"`, err.Error())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := Wrap(ProviderUnavailable, cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestKindOf(t *testing.T) {
	// Tagged error wrapped in plain fmt.Errorf layers is still recognized.
	inner := New(ProviderRateLimited).With("provider_id", "openai")
	wrapped := fmt.Errorf("attempt 1: %w", inner)

	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, "PROVIDER_003", kind.Code)
	assert.Equal(t, CategoryProvider, kind.Category)

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"rate limited", New(ProviderRateLimited), true},
		{"timeout", New(RuntimeTimeout), true},
		{"circuit open", New(CircuitBreakerOpen), true},
		{"stream disconnected", New(StreamDisconnected), true},
		{"device oom", New(DeviceOutOfMemory), true},
		{"model not found", New(ModelNotFound), false},
		{"quota exceeded", New(QuotaExceeded), false},
		{"invalid request", New(ProviderInvalidRequest), false},
		{"untagged", errors.New("boom"), false},
		{"wrapped retryable", fmt.Errorf("outer: %w", New(NetworkTimeout)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(New(QuotaExceeded)))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(New(ModelNotFound)))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(New(AllRunnersFailed)))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}

func TestIsKindThroughChain(t *testing.T) {
	err := fmt.Errorf("router: %w", Wrap(AllRunnersFailed, New(ProviderTimeout)))
	assert.True(t, IsKind(err, AllRunnersFailed))
	assert.False(t, IsKind(err, ModelNotFound))
}

func TestRetryAfterContext(t *testing.T) {
	err := New(QuotaExceeded).With("retry_after", 30*time.Second)
	assert.Equal(t, 30*time.Second, err.RetryAfter())

	assert.Zero(t, New(QuotaExceeded).RetryAfter())
}
