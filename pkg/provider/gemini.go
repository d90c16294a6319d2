package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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

// Gemini serves the Google Generative Language API (generateContent and
// streamGenerateContent). Gemini's SSE dialect ends with connection close
// after the final event instead of a [DONE] sentinel, so stream termination
// is judged by whether a finish reason was seen.
type Gemini struct {
	id   string
	cfg  Config
	caps models.ProviderCapabilities

	mu   sync.Mutex
	http *http.Client
}

// NewGemini creates the adapter. Initialize must run before use.
func NewGemini(cfg Config) *Gemini {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	return &Gemini{
		id:  "gemini",
		cfg: cfg,
		caps: models.ProviderCapabilities{
			Streaming:        true,
			FunctionCalling:  true,
			Multimodal:       true,
			MaxContextTokens: 1_000_000,
			MaxOutputTokens:  65_536,
			SupportedModels:  modelSet(cfg.Models),
			SupportedFormats: map[models.Format]bool{models.FormatRemote: true},
		},
	}
}

func (a *Gemini) ID() string                                { return a.id }
func (a *Gemini) Capabilities() models.ProviderCapabilities { return a.caps }

func (a *Gemini) Supports(modelID string, _ *models.InferenceRequest) bool {
	return matchModel(a.cfg.Models, modelID)
}

func (a *Gemini) Initialize(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.http != nil {
		return nil
	}
	if a.cfg.APIKey == "" {
		return errs.Newf(errs.InitInvalidConfig, "%s: api key is required", a.id).With("provider", a.id)
	}
	a.http = &http.Client{}
	return nil
}

func (a *Gemini) Shutdown(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.http != nil {
		a.http.CloseIdleConnections()
		a.http = nil
	}
	return nil
}

func (a *Gemini) ready() (*http.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.http == nil {
		return nil, errs.Newf(errs.InitFailed, "%s: adapter not initialized", a.id).With("provider", a.id)
	}
	return a.http, nil
}

type (
	geminiPart struct {
		Text string `json:"text,omitempty"`
	}
	geminiContent struct {
		Role  string       `json:"role,omitempty"`
		Parts []geminiPart `json:"parts"`
	}
	geminiGenerationConfig struct {
		Temperature     *float64 `json:"temperature,omitempty"`
		MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
		TopP            *float64 `json:"topP,omitempty"`
		TopK            *int     `json:"topK,omitempty"`
		Seed            *int64   `json:"seed,omitempty"`
		StopSequences   []string `json:"stopSequences,omitempty"`
	}
	geminiRequest struct {
		Contents          []geminiContent        `json:"contents"`
		SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
		GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
	}
	geminiCandidate struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	}
	geminiUsage struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	}
	geminiResponse struct {
		Candidates    []geminiCandidate `json:"candidates"`
		UsageMetadata geminiUsage       `json:"usageMetadata"`
	}
)

func (a *Gemini) buildRequest(req *models.InferenceRequest) geminiRequest {
	out := geminiRequest{
		GenerationConfig: geminiGenerationConfig{
			Temperature:     req.Parameters.Temperature,
			MaxOutputTokens: req.Parameters.MaxTokens,
			TopP:            req.Parameters.TopP,
			TopK:            req.Parameters.TopK,
			Seed:            req.Parameters.Seed,
			StopSequences:   req.Parameters.Stop,
		},
	}
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleSystem:
			if out.SystemInstruction == nil {
				out.SystemInstruction = &geminiContent{}
			}
			out.SystemInstruction.Parts = append(out.SystemInstruction.Parts, geminiPart{Text: m.Content})
		case models.RoleAssistant:
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	return out
}

func (a *Gemini) post(ctx context.Context, client *http.Client, model, verb string, body geminiRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err)
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:%s",
		strings.TrimSuffix(a.cfg.BaseURL, "/"), model, verb)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", a.cfg.APIKey)
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

func (a *Gemini) Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error) {
	client, err := a.ready()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.timeout())
	defer cancel()

	started := time.Now()
	resp, err := a.post(ctx, client, req.Model, "generateContent", a.buildRequest(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errs.Wrap(errs.ProviderUnavailable, err).With("provider", a.id)
	}
	content := ""
	if len(body.Candidates) > 0 {
		for _, p := range body.Candidates[0].Content.Parts {
			content += p.Text
		}
	}
	return &models.InferenceResponse{
		RequestID:    req.RequestID,
		Content:      content,
		Model:        req.Model,
		InputTokens:  body.UsageMetadata.PromptTokenCount,
		OutputTokens: body.UsageMetadata.CandidatesTokenCount,
		TokensUsed:   body.UsageMetadata.TotalTokenCount,
		DurationMs:   time.Since(started).Milliseconds(),
		Metadata:     map[string]string{"provider": a.id},
		Timestamp:    time.Now().UTC(),
	}, nil
}

func (a *Gemini) InferStream(ctx context.Context, req *models.InferenceRequest) (*stream.Stream, error) {
	client, err := a.ready()
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithTimeout(ctx, a.cfg.timeout())

	resp, err := a.post(sctx, client, req.Model, "streamGenerateContent?alt=sse", a.buildRequest(req))
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
			if errors.Is(err, io.EOF) {
				out.Complete(mapFinishReason(finish))
				return
			}
			if err != nil {
				// Gemini closes the connection after the final event; a seen
				// finish reason means the stream ended normally.
				if finish != "" && errs.IsKind(err, errs.StreamDisconnected) {
					out.Complete(mapFinishReason(finish))
					return
				}
				out.Fail(err)
				return
			}
			var chunk geminiResponse
			if err := json.Unmarshal(data, &chunk); err != nil {
				out.Fail(errs.Wrap(errs.StreamDisconnected, err).With("provider", a.id))
				return
			}
			if len(chunk.Candidates) == 0 {
				continue
			}
			candidate := chunk.Candidates[0]
			if candidate.FinishReason != "" {
				finish = candidate.FinishReason
			}
			for _, p := range candidate.Content.Parts {
				if p.Text == "" {
					continue
				}
				if err := out.Emit(sctx, p.Text); err != nil {
					return
				}
			}
		}
	}()
	return out, nil
}

func (a *Gemini) Health(ctx context.Context) models.ProviderHealth {
	now := time.Now().UTC()
	client, err := a.ready()
	if err != nil {
		return models.ProviderHealth{Status: models.HealthInitializing, Message: err.Error(), ProbedAt: now}
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url := strings.TrimSuffix(a.cfg.BaseURL, "/") + "/v1beta/models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.ProviderHealth{Status: models.HealthDown, Message: err.Error(), ProbedAt: now}
	}
	httpReq.Header.Set("x-goog-api-key", a.cfg.APIKey)
	resp, err := client.Do(httpReq)
	if err != nil {
		return models.ProviderHealth{Status: models.HealthDown, Message: err.Error(), ProbedAt: now}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.ProviderHealth{
			Status:   models.HealthDown,
			Message:  fmt.Sprintf("status %d", resp.StatusCode),
			ProbedAt: now,
		}
	}
	return models.ProviderHealth{Status: models.HealthUp, ProbedAt: now}
}
