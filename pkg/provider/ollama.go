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

// Ollama talks to a local Ollama daemon over /api/chat. Streaming responses
// are newline-delimited JSON terminated by a line with "done": true.
type Ollama struct {
	id   string
	cfg  Config
	caps models.ProviderCapabilities

	mu   sync.Mutex
	http *http.Client
}

// NewOllama creates the adapter. BaseURL defaults to the local daemon.
func NewOllama(cfg Config) *Ollama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	return &Ollama{
		id:  "ollama",
		cfg: cfg,
		caps: models.ProviderCapabilities{
			Streaming:        true,
			MaxContextTokens: 32_768,
			MaxOutputTokens:  8_192,
			SupportedModels:  modelSet(cfg.Models),
			SupportedFormats: map[models.Format]bool{models.FormatRemote: true, models.FormatGGUF: true},
			SupportedDevices: map[models.DeviceType]bool{models.DeviceCPU: true, models.DeviceCUDA: true, models.DeviceMetal: true},
		},
	}
}

func (a *Ollama) ID() string                                { return a.id }
func (a *Ollama) Capabilities() models.ProviderCapabilities { return a.caps }

func (a *Ollama) Supports(modelID string, _ *models.InferenceRequest) bool {
	return matchModel(a.cfg.Models, modelID)
}

func (a *Ollama) Initialize(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.http == nil {
		a.http = &http.Client{}
	}
	return nil
}

func (a *Ollama) Shutdown(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.http != nil {
		a.http.CloseIdleConnections()
		a.http = nil
	}
	return nil
}

func (a *Ollama) ready() (*http.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.http == nil {
		return nil, errs.Newf(errs.InitFailed, "%s: adapter not initialized", a.id).With("provider", a.id)
	}
	return a.http, nil
}

type (
	ollamaOptions struct {
		Temperature *float64 `json:"temperature,omitempty"`
		NumPredict  *int     `json:"num_predict,omitempty"`
		TopP        *float64 `json:"top_p,omitempty"`
		TopK        *int     `json:"top_k,omitempty"`
		Seed        *int64   `json:"seed,omitempty"`
		Stop        []string `json:"stop,omitempty"`
	}
	ollamaRequest struct {
		Model    string          `json:"model"`
		Messages []compatMessage `json:"messages"`
		Stream   bool            `json:"stream"`
		Options  ollamaOptions   `json:"options"`
	}
	ollamaChunk struct {
		Message         compatMessage `json:"message"`
		Done            bool          `json:"done"`
		DoneReason      string        `json:"done_reason"`
		PromptEvalCount int           `json:"prompt_eval_count"`
		EvalCount       int           `json:"eval_count"`
	}
)

func (a *Ollama) buildRequest(req *models.InferenceRequest, streaming bool) ollamaRequest {
	msgs := make([]compatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, compatMessage{Role: m.Role, Content: m.Content})
	}
	return ollamaRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   streaming,
		Options: ollamaOptions{
			Temperature: req.Parameters.Temperature,
			NumPredict:  req.Parameters.MaxTokens,
			TopP:        req.Parameters.TopP,
			TopK:        req.Parameters.TopK,
			Seed:        req.Parameters.Seed,
			Stop:        req.Parameters.Stop,
		},
	}
}

func (a *Ollama) post(ctx context.Context, client *http.Client, body ollamaRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err)
	}
	url := strings.TrimSuffix(a.cfg.BaseURL, "/") + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
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

func (a *Ollama) Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error) {
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

	var body ollamaChunk
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errs.Wrap(errs.ProviderUnavailable, err).With("provider", a.id)
	}
	return &models.InferenceResponse{
		RequestID:    req.RequestID,
		Content:      body.Message.Content,
		Model:        req.Model,
		InputTokens:  body.PromptEvalCount,
		OutputTokens: body.EvalCount,
		TokensUsed:   body.PromptEvalCount + body.EvalCount,
		DurationMs:   time.Since(started).Milliseconds(),
		Metadata:     map[string]string{"provider": a.id},
		Timestamp:    time.Now().UTC(),
	}, nil
}

func (a *Ollama) InferStream(ctx context.Context, req *models.InferenceRequest) (*stream.Stream, error) {
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

		reader := stream.NewNDJSONReader(resp.Body)
		for {
			var chunk ollamaChunk
			err := reader.Next(&chunk)
			if errors.Is(err, io.EOF) {
				// The daemon closed the body without a done line.
				out.Fail(errs.Newf(errs.StreamDisconnected, "%s: stream ended without done", a.id).
					With("provider", a.id))
				return
			}
			if err != nil {
				out.Fail(err)
				return
			}
			if chunk.Message.Content != "" {
				if err := out.Emit(sctx, chunk.Message.Content); err != nil {
					return
				}
			}
			if chunk.Done {
				out.Complete(mapFinishReason(chunk.DoneReason))
				return
			}
		}
	}()
	return out, nil
}

func (a *Ollama) Health(ctx context.Context) models.ProviderHealth {
	now := time.Now().UTC()
	client, err := a.ready()
	if err != nil {
		return models.ProviderHealth{Status: models.HealthInitializing, Message: err.Error(), ProbedAt: now}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := strings.TrimSuffix(a.cfg.BaseURL, "/") + "/api/tags"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.ProviderHealth{Status: models.HealthDown, Message: err.Error(), ProbedAt: now}
	}
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
