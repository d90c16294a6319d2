package provider

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/inferd-io/inferd/pkg/errs"
	"github.com/inferd-io/inferd/pkg/models"
	"github.com/inferd-io/inferd/pkg/stream"
)

// anthropicDefaultMaxTokens caps completions when the request does not;
// the Messages API requires an explicit max_tokens.
const anthropicDefaultMaxTokens = 4096

// Anthropic serves the Anthropic Messages API.
type Anthropic struct {
	id   string
	cfg  Config
	caps models.ProviderCapabilities

	mu     sync.Mutex
	client *sdk.Client
}

// NewAnthropic creates the adapter. Initialize must run before use.
func NewAnthropic(cfg Config) *Anthropic {
	return &Anthropic{
		id:  "anthropic",
		cfg: cfg,
		caps: models.ProviderCapabilities{
			Streaming:        true,
			FunctionCalling:  true,
			Multimodal:       true,
			MaxContextTokens: 200_000,
			MaxOutputTokens:  64_000,
			SupportedModels:  modelSet(cfg.Models),
			SupportedFormats: map[models.Format]bool{models.FormatRemote: true},
		},
	}
}

func (a *Anthropic) ID() string                                { return a.id }
func (a *Anthropic) Capabilities() models.ProviderCapabilities { return a.caps }

func (a *Anthropic) Supports(modelID string, _ *models.InferenceRequest) bool {
	return matchModel(a.cfg.Models, modelID)
}

func (a *Anthropic) Initialize(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return nil
	}
	if a.cfg.APIKey == "" {
		return errs.Newf(errs.InitInvalidConfig, "%s: api key is required", a.id).With("provider", a.id)
	}
	opts := []option.RequestOption{option.WithAPIKey(a.cfg.APIKey)}
	if a.cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(a.cfg.BaseURL))
	}
	client := sdk.NewClient(opts...)
	a.client = &client
	return nil
}

func (a *Anthropic) Shutdown(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client = nil
	return nil
}

func (a *Anthropic) ready() (*sdk.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil, errs.Newf(errs.InitFailed, "%s: adapter not initialized", a.id).With("provider", a.id)
	}
	return a.client, nil
}

func (a *Anthropic) Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error) {
	client, err := a.ready()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.timeout())
	defer cancel()

	started := time.Now()
	msg, err := client.Messages.New(ctx, a.buildParams(req))
	if err != nil {
		return nil, a.mapError(err)
	}
	content := ""
	for _, block := range msg.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	inTok := int(msg.Usage.InputTokens)
	outTok := int(msg.Usage.OutputTokens)
	return &models.InferenceResponse{
		RequestID:    req.RequestID,
		Content:      content,
		Model:        req.Model,
		InputTokens:  inTok,
		OutputTokens: outTok,
		TokensUsed:   inTok + outTok,
		DurationMs:   time.Since(started).Milliseconds(),
		Metadata:     map[string]string{"provider": a.id, "stop_reason": string(msg.StopReason)},
		Timestamp:    time.Now().UTC(),
	}, nil
}

func (a *Anthropic) InferStream(ctx context.Context, req *models.InferenceRequest) (*stream.Stream, error) {
	client, err := a.ready()
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithTimeout(ctx, a.cfg.timeout())

	sdkStream := client.Messages.NewStreaming(sctx, a.buildParams(req))
	if err := sdkStream.Err(); err != nil {
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
		for sdkStream.Next() {
			switch ev := sdkStream.Current().AsAny().(type) {
			case sdk.ContentBlockDeltaEvent:
				if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
					if err := out.Emit(sctx, delta.Text); err != nil {
						return
					}
				}
			case sdk.MessageDeltaEvent:
				finish = string(ev.Delta.StopReason)
			case sdk.MessageStopEvent:
				out.Complete(mapFinishReason(finish))
				return
			}
		}
		if err := sdkStream.Err(); err != nil {
			out.Fail(a.mapError(err))
			return
		}
		out.Fail(errs.Newf(errs.StreamDisconnected, "%s: stream ended without message_stop", a.id).
			With("provider", a.id))
	}()
	return out, nil
}

func (a *Anthropic) Health(ctx context.Context) models.ProviderHealth {
	now := time.Now().UTC()
	client, err := a.ready()
	if err != nil {
		return models.ProviderHealth{Status: models.HealthInitializing, Message: err.Error(), ProbedAt: now}
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := client.Models.List(ctx, sdk.ModelListParams{}); err != nil {
		return models.ProviderHealth{Status: models.HealthDown, Message: err.Error(), ProbedAt: now}
	}
	return models.ProviderHealth{Status: models.HealthUp, ProbedAt: now}
}

func (a *Anthropic) buildParams(req *models.InferenceRequest) sdk.MessageNewParams {
	var system []sdk.TextBlockParam
	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case models.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	maxTokens := anthropicDefaultMaxTokens
	if p := req.Parameters.MaxTokens; p != nil {
		maxTokens = *p
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		Messages:  msgs,
		MaxTokens: int64(maxTokens),
	}
	if len(system) > 0 {
		params.System = system
	}
	if p := req.Parameters.Temperature; p != nil {
		params.Temperature = sdk.Float(*p)
	}
	if p := req.Parameters.TopP; p != nil {
		params.TopP = sdk.Float(*p)
	}
	if p := req.Parameters.TopK; p != nil {
		params.TopK = sdk.Int(int64(*p))
	}
	if len(req.Parameters.Stop) > 0 {
		params.StopSequences = req.Parameters.Stop
	}
	return params
}

func (a *Anthropic) mapError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return mapStatus(a.id, apiErr.StatusCode, apiErr.Error())
	}
	return mapTransport(a.id, err)
}
