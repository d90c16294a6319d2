package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferd-io/inferd/pkg/errs"
)

func validRequest() *InferenceRequest {
	return &InferenceRequest{
		RequestID: NewRequestID(),
		Model:     "qwen-0.5",
		Messages:  []Message{{Role: RoleUser, Content: "Hi"}},
	}
}

func TestRequestValidateAccepts(t *testing.T) {
	require.NoError(t, validRequest().Validate())
}

func TestRequestValidateRejects(t *testing.T) {
	temp := 3.5
	zeroTokens := 0

	tests := []struct {
		name   string
		mutate func(*InferenceRequest)
		kind   errs.Kind
	}{
		{"missing request id", func(r *InferenceRequest) { r.RequestID = "" }, errs.ValidationMissingField},
		{"missing model", func(r *InferenceRequest) { r.Model = "" }, errs.ValidationMissingField},
		{"no messages", func(r *InferenceRequest) { r.Messages = nil }, errs.ValidationMissingField},
		{"bad role", func(r *InferenceRequest) { r.Messages[0].Role = "robot" }, errs.ValidationInvalidRequest},
		{"priority out of range", func(r *InferenceRequest) { r.Priority = 11 }, errs.ValidationInvalidRequest},
		{"negative timeout", func(r *InferenceRequest) { r.Timeout = -time.Second }, errs.ValidationInvalidRequest},
		{"temperature out of range", func(r *InferenceRequest) { r.Parameters.Temperature = &temp }, errs.ValidationInvalidRequest},
		{"zero max tokens", func(r *InferenceRequest) { r.Parameters.MaxTokens = &zeroTokens }, errs.ValidationInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRequest()
			tt.mutate(r)
			err := r.Validate()
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, tt.kind), "expected kind %s, got %v", tt.kind.Code, err)
		})
	}
}

func TestManifestHelpers(t *testing.T) {
	m := &ModelManifest{
		ModelID:  "qwen-0.5",
		TenantID: CommunityTenant,
		Artifacts: map[Format]string{
			FormatGGUF: "/models/qwen-0.5.gguf",
		},
		SupportedDevices: []DeviceSupport{
			{Device: DeviceCPU, MinMemory: 1 << 30},
		},
	}

	assert.True(t, m.HasFormat(FormatGGUF))
	assert.False(t, m.HasFormat(FormatONNX))
	assert.True(t, m.SupportsDevice(DeviceCPU))
	assert.False(t, m.SupportsDevice(DeviceCUDA))
	assert.Equal(t, []Format{FormatGGUF}, m.Formats())
}

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, JobPending.IsTerminal())
	assert.False(t, JobRunning.IsTerminal())
	assert.True(t, JobCompleted.IsTerminal())
	assert.True(t, JobFailed.IsTerminal())
	assert.True(t, JobCancelled.IsTerminal())
}
