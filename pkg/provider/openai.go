package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/inferd-io/inferd/pkg/errs"
	"github.com/inferd-io/inferd/pkg/models"
	"github.com/inferd-io/inferd/pkg/stream"
)

// OpenAI serves the OpenAI Chat Completions API through the official wire
// client.
type OpenAI struct {
	id   string
	cfg  Config
	caps models.ProviderCapabilities

	mu     sync.Mutex
	client *openai.Client
}

// NewOpenAI creates the adapter. Initialize must run before use.
func NewOpenAI(cfg Config) *OpenAI {
	return &OpenAI{
		id:  "openai",
		cfg: cfg,
		caps: models.ProviderCapabilities{
			Streaming:        true,
			FunctionCalling:  true,
			Multimodal:       true,
			MaxContextTokens: 128_000,
			MaxOutputTokens:  16_384,
			SupportedModels:  modelSet(cfg.Models),
			SupportedFormats: map[models.Format]bool{models.FormatRemote: true},
		},
	}
}

func (a *OpenAI) ID() string                                { return a.id }
func (a *OpenAI) Capabilities() models.ProviderCapabilities { return a.caps }

func (a *OpenAI) Supports(modelID string, _ *models.InferenceRequest) bool {
	return matchModel(a.cfg.Models, modelID)
}

func (a *OpenAI) Initialize(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return nil
	}
	if a.cfg.APIKey == "" {
		return errs.Newf(errs.InitInvalidConfig, "%s: api key is required", a.id).With("provider", a.id)
	}
	cc := openai.DefaultConfig(a.cfg.APIKey)
	if a.cfg.BaseURL != "" {
		cc.BaseURL = a.cfg.BaseURL
	}
	a.client = openai.NewClientWithConfig(cc)
	return nil
}

func (a *OpenAI) Shutdown(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client = nil
	return nil
}

func (a *OpenAI) ready() (*openai.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil, errs.Newf(errs.InitFailed, "%s: adapter not initialized", a.id).With("provider", a.id)
	}
	return a.client, nil
}

func (a *OpenAI) Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error) {
	client, err := a.ready()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.timeout())
	defer cancel()

	started := time.Now()
	resp, err := client.CreateChatCompletion(ctx, a.buildRequest(req, false))
	if err != nil {
		return nil, a.mapError(err)
	}
	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	return &models.InferenceResponse{
		RequestID:    req.RequestID,
		Content:      content,
		Model:        req.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TokensUsed:   resp.Usage.TotalTokens,
		DurationMs:   time.Since(started).Milliseconds(),
		Metadata:     map[string]string{"provider": a.id},
		Timestamp:    time.Now().UTC(),
	}, nil
}

func (a *OpenAI) InferStream(ctx context.Context, req *models.InferenceRequest) (*stream.Stream, error) {
	client, err := a.ready()
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithTimeout(ctx, a.cfg.timeout())

	sdkStream, err := client.CreateChatCompletionStream(sctx, a.buildRequest(req, true))
	if err != nil {
		cancel()
		return nil, a.mapError(err)
	}

	out := stream.New(req.RequestID, a.cfg.Stream)
	go func() {
		defer cancel()
		defer func() {
			if err := sdkStream.Close(); err != nil {
				slog.Debug("Failed to close upstream stream", "provider", a.id, "error", err)
			}
		}()

		finish := ""
		for {
			chunk, err := sdkStream.Recv()
			if errors.Is(err, io.EOF) {
				out.Complete(mapFinishReason(finish))
				return
			}
			if err != nil {
				out.Fail(a.mapError(err))
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finish = string(choice.FinishReason)
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

func (a *OpenAI) Health(ctx context.Context) models.ProviderHealth {
	now := time.Now().UTC()
	client, err := a.ready()
	if err != nil {
		return models.ProviderHealth{Status: models.HealthInitializing, Message: err.Error(), ProbedAt: now}
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := client.ListModels(ctx); err != nil {
		return models.ProviderHealth{Status: models.HealthDown, Message: err.Error(), ProbedAt: now}
	}
	return models.ProviderHealth{Status: models.HealthUp, ProbedAt: now}
}

func (a *OpenAI) buildRequest(req *models.InferenceRequest, streaming bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   streaming,
		Stop:     req.Parameters.Stop,
	}
	if p := req.Parameters.Temperature; p != nil {
		out.Temperature = float32(*p)
	}
	if p := req.Parameters.MaxTokens; p != nil {
		out.MaxTokens = *p
	}
	if p := req.Parameters.TopP; p != nil {
		out.TopP = float32(*p)
	}
	if p := req.Parameters.Seed; p != nil {
		seed := int(*p)
		out.Seed = &seed
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			params, err := json.Marshal(t.Parameters)
			if err != nil {
				continue
			}
			tools = append(tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  json.RawMessage(params),
				},
			})
		}
		out.Tools = tools
	}
	switch req.ToolChoice {
	case "", "auto":
	case "none":
		out.ToolChoice = "none"
	default:
		out.ToolChoice = openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: req.ToolChoice},
		}
	}
	return out
}

func (a *OpenAI) mapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return mapStatus(a.id, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return mapStatus(a.id, reqErr.HTTPStatusCode, reqErr.Error())
	}
	return mapTransport(a.id, err)
}
