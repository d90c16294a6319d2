package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferd-io/inferd/pkg/errs"
	"github.com/inferd-io/inferd/pkg/models"
)

func compatAdapter(t *testing.T, handler http.Handler) *OpenAICompat {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	a := NewOpenAICompat("cerebras", Config{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Models:  []string{"llama-3.3-70b"},
	})
	require.NoError(t, a.Initialize(context.Background()))
	return a
}

func testRequest() *models.InferenceRequest {
	return &models.InferenceRequest{
		RequestID: "req-1",
		Model:     "llama-3.3-70b",
		Messages:  []models.Message{{Role: models.RoleUser, Content: "Hi"}},
	}
}

func TestCompatInfer(t *testing.T) {
	a := compatAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req compatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama-3.3-70b", req.Model)
		assert.False(t, req.Stream)

		json.NewEncoder(w).Encode(compatResponse{
			Choices: []compatChoice{{
				Message:      compatMessage{Role: "assistant", Content: "Hello!"},
				FinishReason: "stop",
			}},
			Usage: compatUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		})
	}))

	resp, err := a.Infer(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "Hello!", resp.Content)
	assert.Equal(t, 3, resp.InputTokens)
	assert.Equal(t, 2, resp.OutputTokens)
	assert.Equal(t, 5, resp.TokensUsed)
	assert.Equal(t, "cerebras", resp.Metadata["provider"])
}

func TestCompatInferStream(t *testing.T) {
	a := compatAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req compatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", tok)
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))

	s, err := a.InferStream(context.Background(), testRequest())
	require.NoError(t, err)

	var tokens string
	var chunks []models.StreamChunk
	for {
		chunk, err := s.Recv(context.Background())
		require.NoError(t, err)
		chunks = append(chunks, chunk)
		tokens += chunk.Token
		if chunk.IsComplete {
			break
		}
	}
	assert.Equal(t, "Hello", tokens)
	assert.Equal(t, models.FinishReasonStop, chunks[len(chunks)-1].FinishReason)
	assert.NoError(t, s.Err())
}

func TestCompatStreamDisconnect(t *testing.T) {
	a := compatAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n")
		// Body ends without [DONE].
	}))

	s, err := a.InferStream(context.Background(), testRequest())
	require.NoError(t, err)

	var last models.StreamChunk
	for {
		chunk, err := s.Recv(context.Background())
		require.NoError(t, err)
		last = chunk
		if chunk.IsComplete {
			break
		}
	}
	assert.Equal(t, models.FinishReasonError, last.FinishReason)
	assert.True(t, errs.IsKind(s.Err(), errs.StreamDisconnected))
}

func TestCompatErrorMapping(t *testing.T) {
	tests := []struct {
		status    int
		kind      errs.Kind
		retryable bool
	}{
		{http.StatusTooManyRequests, errs.ProviderRateLimited, true},
		{http.StatusInternalServerError, errs.ProviderUnavailable, true},
		{http.StatusGatewayTimeout, errs.ProviderTimeout, true},
		{http.StatusBadRequest, errs.ProviderInvalidRequest, false},
		{http.StatusUnauthorized, errs.ProviderInvalidRequest, false},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			a := compatAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "upstream says no", tc.status)
			}))

			_, err := a.Infer(context.Background(), testRequest())
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, tc.kind), "expected %s, got %v", tc.kind.Code, err)
			assert.Equal(t, tc.retryable, errs.IsRetryable(err))
		})
	}
}

func TestCompatRequiresInitialize(t *testing.T) {
	a := NewOpenAICompat("cerebras", Config{BaseURL: "http://localhost:1"})
	_, err := a.Infer(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.InitFailed))
}

func TestCompatInitializeIdempotent(t *testing.T) {
	a := NewOpenAICompat("cerebras", Config{BaseURL: "http://localhost:1"})
	require.NoError(t, a.Initialize(context.Background()))
	require.NoError(t, a.Initialize(context.Background()))
	require.NoError(t, a.Shutdown(context.Background()))
	require.NoError(t, a.Shutdown(context.Background()))
}

func TestOllamaInferStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		enc := json.NewEncoder(w)
		enc.Encode(ollamaChunk{Message: compatMessage{Content: "Hel"}})
		enc.Encode(ollamaChunk{Message: compatMessage{Content: "lo"}})
		enc.Encode(ollamaChunk{Done: true, DoneReason: "stop", PromptEvalCount: 3, EvalCount: 2})
	}))
	t.Cleanup(server.Close)

	a := NewOllama(Config{BaseURL: server.URL, Models: []string{"qwen*"}})
	require.NoError(t, a.Initialize(context.Background()))

	req := &models.InferenceRequest{
		RequestID: "req-1",
		Model:     "qwen-0.5",
		Messages:  []models.Message{{Role: models.RoleUser, Content: "Hi"}},
	}
	s, err := a.InferStream(context.Background(), req)
	require.NoError(t, err)

	var tokens string
	for {
		chunk, err := s.Recv(context.Background())
		require.NoError(t, err)
		tokens += chunk.Token
		if chunk.IsComplete {
			assert.Equal(t, models.FinishReasonStop, chunk.FinishReason)
			break
		}
	}
	assert.Equal(t, "Hello", tokens)
}

func TestOllamaInfer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaChunk{
			Message:         compatMessage{Role: "assistant", Content: "Hello!"},
			Done:            true,
			DoneReason:      "stop",
			PromptEvalCount: 4,
			EvalCount:       3,
		})
	}))
	t.Cleanup(server.Close)

	a := NewOllama(Config{BaseURL: server.URL, Models: []string{"qwen-0.5"}})
	require.NoError(t, a.Initialize(context.Background()))

	resp, err := a.Infer(context.Background(), &models.InferenceRequest{
		RequestID: "req-1",
		Model:     "qwen-0.5",
		Messages:  []models.Message{{Role: models.RoleUser, Content: "Hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", resp.Content)
	assert.Equal(t, 7, resp.TokensUsed)
}
