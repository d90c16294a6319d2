package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/inferd-io/inferd/pkg/errs"
	"github.com/inferd-io/inferd/pkg/models"
	"github.com/inferd-io/inferd/pkg/stream"
)

// GGUFConfig configures the local llama.cpp backend.
type GGUFConfig struct {
	// BinaryPath locates the llama-server executable.
	BinaryPath string
	// ModelPaths maps model IDs to .gguf artifacts on disk.
	ModelPaths map[string]string
	// ContextSize is passed as --ctx-size when positive.
	ContextSize int
	// StartupTimeout bounds how long a freshly spawned server may take to
	// become ready. Defaults to 60s; large models load slowly.
	StartupTimeout time.Duration
	Timeout        time.Duration
	Stream         stream.Options
}

// GGUF serves local GGUF artifacts by managing one llama-server subprocess
// per model and speaking the OpenAI-compatible dialect to it over loopback.
// Keeping the native runtime out of process isolates crashes and device OOM
// from the dispatch plane.
type GGUF struct {
	id   string
	cfg  GGUFConfig
	caps models.ProviderCapabilities

	mu          sync.Mutex
	initialized bool
	servers     map[string]*llamaServer
}

type llamaServer struct {
	cmd    *exec.Cmd
	client *OpenAICompat
}

// NewGGUF creates the adapter. Initialize must run before use.
func NewGGUF(cfg GGUFConfig) *GGUF {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 60 * time.Second
	}
	supported := make(map[string]bool, len(cfg.ModelPaths))
	for id := range cfg.ModelPaths {
		supported[id] = true
	}
	return &GGUF{
		id:  "gguf",
		cfg: cfg,
		caps: models.ProviderCapabilities{
			Streaming:        true,
			MaxContextTokens: 32_768,
			MaxOutputTokens:  8_192,
			SupportedModels:  supported,
			SupportedFormats: map[models.Format]bool{models.FormatGGUF: true},
			SupportedDevices: map[models.DeviceType]bool{models.DeviceCPU: true, models.DeviceCUDA: true, models.DeviceMetal: true},
		},
	}
}

func (a *GGUF) ID() string                                { return a.id }
func (a *GGUF) Capabilities() models.ProviderCapabilities { return a.caps }

func (a *GGUF) Supports(modelID string, _ *models.InferenceRequest) bool {
	_, ok := a.cfg.ModelPaths[modelID]
	return ok
}

func (a *GGUF) Initialize(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil
	}
	if a.cfg.BinaryPath == "" {
		return errs.Newf(errs.InitInvalidConfig, "%s: binary path is required", a.id).With("provider", a.id)
	}
	if _, err := os.Stat(a.cfg.BinaryPath); err != nil {
		return errs.Wrap(errs.InitInvalidConfig, err).With("provider", a.id)
	}
	for modelID, path := range a.cfg.ModelPaths {
		if _, err := os.Stat(path); err != nil {
			return errs.Wrap(errs.InitInvalidConfig, err).
				With("provider", a.id).
				With("model", modelID)
		}
	}
	a.servers = make(map[string]*llamaServer)
	a.initialized = true
	return nil
}

// Shutdown stops every managed server. Idempotent.
func (a *GGUF) Shutdown(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for modelID, srv := range a.servers {
		srv.stop()
		delete(a.servers, modelID)
	}
	a.initialized = false
	return nil
}

func (s *llamaServer) stop() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	_ = s.cmd.Process.Signal(os.Interrupt)
	done := make(chan struct{})
	go func() {
		_ = s.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = s.cmd.Process.Kill()
		<-done
	}
}

// serverFor returns the running server for the model, spawning one lazily.
func (a *GGUF) serverFor(ctx context.Context, modelID string) (*llamaServer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return nil, errs.Newf(errs.InitFailed, "%s: adapter not initialized", a.id).With("provider", a.id)
	}
	if srv, ok := a.servers[modelID]; ok {
		return srv, nil
	}
	path, ok := a.cfg.ModelPaths[modelID]
	if !ok {
		return nil, errs.Newf(errs.ModelNotFound, "no gguf artifact for model %q", modelID).
			With("provider", a.id).
			With("model", modelID)
	}

	port, err := freePort()
	if err != nil {
		return nil, errs.Wrap(errs.InitFailed, err).With("provider", a.id)
	}
	args := []string{
		"-m", path,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
	}
	if a.cfg.ContextSize > 0 {
		args = append(args, "--ctx-size", strconv.Itoa(a.cfg.ContextSize))
	}
	cmd := exec.Command(a.cfg.BinaryPath, args...)
	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.InitFailed, err).With("provider", a.id).With("model", modelID)
	}
	slog.Info("Started llama-server", "model", modelID, "port", port, "pid", cmd.Process.Pid)

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	if err := waitReady(ctx, baseURL+"/health", a.cfg.StartupTimeout); err != nil {
		srv := &llamaServer{cmd: cmd}
		srv.stop()
		return nil, errs.Wrap(errs.InitFailed, err).With("provider", a.id).With("model", modelID)
	}

	client := NewOpenAICompat(a.id, Config{
		BaseURL: baseURL + "/v1",
		Models:  []string{modelID},
		Timeout: a.cfg.Timeout,
		Stream:  a.cfg.Stream,
	})
	if err := client.Initialize(ctx); err != nil {
		srv := &llamaServer{cmd: cmd}
		srv.stop()
		return nil, err
	}
	srv := &llamaServer{cmd: cmd, client: client}
	a.servers[modelID] = srv
	return srv, nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func waitReady(ctx context.Context, url string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("server at %s not ready after %s", url, timeout)
}

func (a *GGUF) Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error) {
	srv, err := a.serverFor(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	resp, err := srv.client.Infer(ctx, req)
	if err != nil {
		return nil, a.remapOOM(err)
	}
	return resp, nil
}

func (a *GGUF) InferStream(ctx context.Context, req *models.InferenceRequest) (*stream.Stream, error) {
	srv, err := a.serverFor(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	out, err := srv.client.InferStream(ctx, req)
	if err != nil {
		return nil, a.remapOOM(err)
	}
	return out, nil
}

// remapOOM surfaces llama.cpp allocation failures as device OOM so the
// router can retry on a different provider while the session is torn down.
func (a *GGUF) remapOOM(err error) error {
	if err == nil || !errs.IsKind(err, errs.ProviderUnavailable) {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "out of memory") || strings.Contains(msg, "failed to allocate") {
		return errs.Wrap(errs.DeviceOutOfMemory, err).With("provider", a.id)
	}
	return err
}

func (a *GGUF) Health(ctx context.Context) models.ProviderHealth {
	now := time.Now().UTC()
	a.mu.Lock()
	initialized := a.initialized
	servers := make([]*llamaServer, 0, len(a.servers))
	for _, srv := range a.servers {
		servers = append(servers, srv)
	}
	a.mu.Unlock()

	if !initialized {
		return models.ProviderHealth{Status: models.HealthInitializing, Message: "not initialized", ProbedAt: now}
	}
	for _, srv := range servers {
		h := srv.client.Health(ctx)
		if h.Status != models.HealthUp {
			return models.ProviderHealth{Status: models.HealthDegraded, Message: h.Message, ProbedAt: now}
		}
	}
	return models.ProviderHealth{Status: models.HealthUp, ProbedAt: now}
}
