package provider

import (
	"context"
	"sync"
	"time"

	"github.com/inferd-io/inferd/pkg/models"
	"github.com/inferd-io/inferd/pkg/stream"
)

// Mock is a scripted adapter for tests. Behavior is injected per call via
// function fields; unset fields fall back to a minimal success response.
type Mock struct {
	IDValue  string
	Caps     models.ProviderCapabilities
	ModelIDs []string

	InferFunc       func(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error)
	InferStreamFunc func(ctx context.Context, req *models.InferenceRequest) (*stream.Stream, error)
	HealthFunc      func(ctx context.Context) models.ProviderHealth

	mu          sync.Mutex
	initCalls   int
	closeCalls  int
	inferCalls  int
	streamCalls int
}

// NewMock creates a mock provider that supports the given models.
func NewMock(id string, modelIDs ...string) *Mock {
	return &Mock{
		IDValue:  id,
		ModelIDs: modelIDs,
		Caps: models.ProviderCapabilities{
			Streaming:        true,
			MaxContextTokens: 8192,
			MaxOutputTokens:  4096,
			SupportedModels:  modelSet(modelIDs),
			SupportedFormats: map[models.Format]bool{models.FormatRemote: true},
		},
	}
}

func (m *Mock) ID() string                                { return m.IDValue }
func (m *Mock) Capabilities() models.ProviderCapabilities { return m.Caps }

func (m *Mock) Supports(modelID string, _ *models.InferenceRequest) bool {
	return matchModel(m.ModelIDs, modelID)
}

func (m *Mock) Initialize(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCalls++
	return nil
}

func (m *Mock) Shutdown(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	return nil
}

func (m *Mock) Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error) {
	m.mu.Lock()
	m.inferCalls++
	m.mu.Unlock()
	if m.InferFunc != nil {
		return m.InferFunc(ctx, req)
	}
	return &models.InferenceResponse{
		RequestID:    req.RequestID,
		Content:      "ok",
		Model:        req.Model,
		InputTokens:  1,
		OutputTokens: 1,
		TokensUsed:   2,
		Metadata:     map[string]string{"provider": m.IDValue},
		Timestamp:    time.Now().UTC(),
	}, nil
}

func (m *Mock) InferStream(ctx context.Context, req *models.InferenceRequest) (*stream.Stream, error) {
	m.mu.Lock()
	m.streamCalls++
	m.mu.Unlock()
	if m.InferStreamFunc != nil {
		return m.InferStreamFunc(ctx, req)
	}
	out := stream.New(req.RequestID, stream.Options{})
	go func() {
		if err := out.Emit(ctx, "ok"); err != nil {
			return
		}
		out.Complete(models.FinishReasonStop)
	}()
	return out, nil
}

func (m *Mock) Health(ctx context.Context) models.ProviderHealth {
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return models.ProviderHealth{Status: models.HealthUp, ProbedAt: time.Now().UTC()}
}

// InitCalls reports how many times Initialize ran.
func (m *Mock) InitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initCalls
}

// ShutdownCalls reports how many times Shutdown ran.
func (m *Mock) ShutdownCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

// InferCalls reports how many times Infer ran.
func (m *Mock) InferCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inferCalls
}

// StreamCalls reports how many times InferStream ran.
func (m *Mock) StreamCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamCalls
}
