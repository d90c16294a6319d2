package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/inferd-io/inferd/pkg/errs"
	"github.com/inferd-io/inferd/pkg/models"
	"github.com/inferd-io/inferd/pkg/stream"
)

// OpenAICompat talks to any OpenAI-compatible /chat/completions endpoint
// (Cerebras, Mistral, vLLM, llama-server) over plain HTTP with SSE
// streaming. The provider ID is configurable because several distinct
// providers share this wire dialect.
type OpenAICompat struct {
	id   string
	cfg  Config
	caps models.ProviderCapabilities

	mu   sync.Mutex
	http *http.Client
}

// NewOpenAICompat creates an adapter for one OpenAI-compatible endpoint.
func NewOpenAICompat(id string, cfg Config) *OpenAICompat {
	return &OpenAICompat{
		id:  id,
		cfg: cfg,
		caps: models.ProviderCapabilities{
			Streaming:        true,
			FunctionCalling:  false,
			MaxContextTokens: 32_768,
			MaxOutputTokens:  8_192,
			SupportedModels:  modelSet(cfg.Models),
			SupportedFormats: map[models.Format]bool{models.FormatRemote: true},
		},
	}
}

func (a *OpenAICompat) ID() string                                { return a.id }
func (a *OpenAICompat) Capabilities() models.ProviderCapabilities { return a.caps }

func (a *OpenAICompat) Supports(modelID string, _ *models.InferenceRequest) bool {
	return matchModel(a.cfg.Models, modelID)
}

func (a *OpenAICompat) Initialize(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.http != nil {
		return nil
	}
	if a.cfg.BaseURL == "" {
		return errs.Newf(errs.InitInvalidConfig, "%s: base url is required", a.id).With("provider", a.id)
	}
	// No client-level timeout: streaming responses stay open for the whole
	// generation. Per-call contexts bound the requests instead.
	a.http = &http.Client{}
	return nil
}

func (a *OpenAICompat) Shutdown(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.http != nil {
		a.http.CloseIdleConnections()
		a.http = nil
	}
	return nil
}

func (a *OpenAICompat) ready() (*http.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.http == nil {
		return nil, errs.Newf(errs.InitFailed, "%s: adapter not initialized", a.id).With("provider", a.id)
	}
	return a.http, nil
}

// Wire structures of the OpenAI chat completions dialect. Only the fields
// the dispatch plane reads are declared.
type (
	compatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	compatRequest struct {
		Model       string          `json:"model"`
		Messages    []compatMessage `json:"messages"`
		Temperature *float64        `json:"temperature,omitempty"`
		MaxTokens   *int            `json:"max_tokens,omitempty"`
		TopP        *float64        `json:"top_p,omitempty"`
		Seed        *int64          `json:"seed,omitempty"`
		Stop        []string        `json:"stop,omitempty"`
		Stream      bool            `json:"stream"`
	}
	compatChoice struct {
		Message      compatMessage `json:"message"`
		Delta        compatMessage `json:"delta"`
		FinishReason string        `json:"finish_reason"`
	}
	compatUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}
	compatResponse struct {
		Choices []compatChoice `json:"choices"`
		Usage   compatUsage    `json:"usage"`
	}
)

func (a *OpenAICompat) buildRequest(req *models.InferenceRequest, streaming bool) compatRequest {
	msgs := make([]compatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, compatMessage{Role: m.Role, Content: m.Content})
	}
	return compatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Parameters.Temperature,
		MaxTokens:   req.Parameters.MaxTokens,
		TopP:        req.Parameters.TopP,
		Seed:        req.Parameters.Seed,
		Stop:        req.Parameters.Stop,
		Stream:      streaming,
	}
}

func (a *OpenAICompat) post(ctx context.Context, client *http.Client, body compatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err)
	}
	url := strings.TrimSuffix(a.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, mapTransport(a.id, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, mapStatus(a.id, resp.StatusCode, string(snippet))
	}
	return resp, nil
}

func (a *OpenAICompat) Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error) {
	client, err := a.ready()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.timeout())
	defer cancel()

	started := time.Now()
	resp, err := a.post(ctx, client, a.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body compatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errs.Wrap(errs.ProviderUnavailable, err).With("provider", a.id)
	}
	content := ""
	if len(body.Choices) > 0 {
		content = body.Choices[0].Message.Content
	}
	return &models.InferenceResponse{
		RequestID:    req.RequestID,
		Content:      content,
		Model:        req.Model,
		InputTokens:  body.Usage.PromptTokens,
		OutputTokens: body.Usage.CompletionTokens,
		TokensUsed:   body.Usage.TotalTokens,
		DurationMs:   time.Since(started).Milliseconds(),
		Metadata:     map[string]string{"provider": a.id},
		Timestamp:    time.Now().UTC(),
	}, nil
}

func (a *OpenAICompat) InferStream(ctx context.Context, req *models.InferenceRequest) (*stream.Stream, error) {
	client, err := a.ready()
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithTimeout(ctx, a.cfg.timeout())

	resp, err := a.post(sctx, client, a.buildRequest(req, true))
	if err != nil {
		cancel()
		return nil, err
	}

	out := stream.New(req.RequestID, a.cfg.Stream)
	go func() {
		defer cancel()
		defer resp.Body.Close()

		reader := stream.NewSSEReader(resp.Body)
		finish := ""
		for {
			data, err := reader.Next()
			if err == io.EOF {
				out.Complete(mapFinishReason(finish))
				return
			}
			if err != nil {
				out.Fail(err)
				return
			}
			var chunk compatResponse
			if err := json.Unmarshal(data, &chunk); err != nil {
				out.Fail(errs.Wrap(errs.StreamDisconnected, err).With("provider", a.id))
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
			if choice.Delta.Content == "" {
				continue
			}
			if err := out.Emit(sctx, choice.Delta.Content); err != nil {
				return
			}
		}
	}()
	return out, nil
}

func (a *OpenAICompat) Health(ctx context.Context) models.ProviderHealth {
	now := time.Now().UTC()
	client, err := a.ready()
	if err != nil {
		return models.ProviderHealth{Status: models.HealthInitializing, Message: err.Error(), ProbedAt: now}
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := strings.TrimSuffix(a.cfg.BaseURL, "/") + "/models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.ProviderHealth{Status: models.HealthDown, Message: err.Error(), ProbedAt: now}
	}
	if a.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return models.ProviderHealth{Status: models.HealthDown, Message: err.Error(), ProbedAt: now}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return models.ProviderHealth{
			Status:   models.HealthDown,
			Message:  fmt.Sprintf("status %d", resp.StatusCode),
			ProbedAt: now,
		}
	}
	if resp.StatusCode >= 400 {
		return models.ProviderHealth{
			Status:   models.HealthDegraded,
			Message:  fmt.Sprintf("status %d", resp.StatusCode),
			ProbedAt: now,
		}
	}
	return models.ProviderHealth{Status: models.HealthUp, ProbedAt: now}
}
