package routing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/inferd-io/inferd/pkg/breaker"
	"github.com/inferd-io/inferd/pkg/errs"
	"github.com/inferd-io/inferd/pkg/metrics"
	"github.com/inferd-io/inferd/pkg/models"
	"github.com/inferd-io/inferd/pkg/provider"
	"github.com/inferd-io/inferd/pkg/quota"
	"github.com/inferd-io/inferd/pkg/runner"
	"github.com/inferd-io/inferd/pkg/stream"
)

// ManifestSource resolves model manifests per tenant. Satisfied by the
// registry store.
type ManifestSource interface {
	Get(ctx context.Context, modelID, tenantID string) (*models.ModelManifest, error)
}

// Config controls routing behavior.
type Config struct {
	Default Descriptor
	// MaxRetries bounds failover attempts per request.
	MaxRetries int
	// AutoFailover disables retrying further candidates when false.
	AutoFailover bool
	// DefaultTimeout applies when the request carries none.
	DefaultTimeout time.Duration
	// DefaultMaxOutputTokens sizes the output-token reservation when the
	// request does not cap generation.
	DefaultMaxOutputTokens int
}

// DefaultConfig returns the stock routing configuration.
func DefaultConfig() Config {
	return Config{
		Default:                Descriptor{Strategy: StrategyScored},
		MaxRetries:             3,
		AutoFailover:           true,
		DefaultTimeout:         2 * time.Minute,
		DefaultMaxOutputTokens: 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Default.Strategy == "" {
		c.Default.Strategy = d.Default.Strategy
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.DefaultMaxOutputTokens <= 0 {
		c.DefaultMaxOutputTokens = d.DefaultMaxOutputTokens
	}
	return c
}

// Router orchestrates one inference end to end: quota reservation, manifest
// lookup, candidate ranking, breaker-guarded execution with failover, and
// settlement of metrics and quota on every exit path.
type Router struct {
	cfg       Config
	policy    *Policy
	quota     *quota.Enforcer
	factory   *runner.Factory
	breakers  *breaker.Registry
	sink      *metrics.Sink
	manifests ManifestSource
	providers *provider.Registry
}

// NewRouter wires the router.
func NewRouter(cfg Config, policy *Policy, q *quota.Enforcer, f *runner.Factory, b *breaker.Registry, sink *metrics.Sink, manifests ManifestSource, providers *provider.Registry) *Router {
	return &Router{
		cfg:       cfg.withDefaults(),
		policy:    policy,
		quota:     q,
		factory:   f,
		breakers:  b,
		sink:      sink,
		manifests: manifests,
		providers: providers,
	}
}

// estimateInputTokens is a cheap chars/4 heuristic used only for the
// up-front reservation; OnComplete reconciles against the real count.
func estimateInputTokens(req *models.InferenceRequest) int64 {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content) + 4
	}
	est := int64(chars / 4)
	if est < 1 {
		est = 1
	}
	return est
}

func (r *Router) outputEstimate(req *models.InferenceRequest) int64 {
	if p := req.Parameters.MaxTokens; p != nil {
		return int64(*p)
	}
	return int64(r.cfg.DefaultMaxOutputTokens)
}

// reserve takes all four quota kinds for the request. On partial failure
// everything already taken is returned.
func (r *Router) reserve(ctx context.Context, req *models.InferenceRequest, tenant models.TenantContext) error {
	kinds := []struct {
		kind   quota.Kind
		amount int64
	}{
		{quota.KindRequests, 1},
		{quota.KindConcurrent, 1},
		{quota.KindInputTokens, estimateInputTokens(req)},
		{quota.KindOutputTokens, r.outputEstimate(req)},
	}
	for i, k := range kinds {
		if err := r.quota.Reserve(ctx, tenant.TenantID, k.kind, k.amount, req.RequestID); err != nil {
			for _, prev := range kinds[:i] {
				r.quota.Release(ctx, prev.kind, req.RequestID)
			}
			return err
		}
	}
	return nil
}

// releaseAll returns the full reservation, for requests that never ran.
func (r *Router) releaseAll(ctx context.Context, requestID string) {
	for _, kind := range []quota.Kind{quota.KindRequests, quota.KindConcurrent, quota.KindInputTokens, quota.KindOutputTokens} {
		r.quota.Release(ctx, kind, requestID)
	}
}

// settleSuccess reconciles the reservation with actual usage. The request
// stays consumed; token counters settle to actuals; the concurrency slot is
// returned.
func (r *Router) settleSuccess(ctx context.Context, requestID string, inputTokens, outputTokens int64) {
	r.quota.OnComplete(ctx, quota.KindRequests, 1, requestID)
	r.quota.OnComplete(ctx, quota.KindConcurrent, 0, requestID)
	r.quota.OnComplete(ctx, quota.KindInputTokens, inputTokens, requestID)
	r.quota.OnComplete(ctx, quota.KindOutputTokens, outputTokens, requestID)
}

func (r *Router) timeoutFor(req *models.InferenceRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return r.cfg.DefaultTimeout
}

// rank resolves the manifest and produces the ordered candidate list.
func (r *Router) rank(ctx context.Context, req *models.InferenceRequest, tenant models.TenantContext) (*models.ModelManifest, []Candidate, error) {
	manifest, err := r.manifests.Get(ctx, req.Model, tenant.TenantID)
	if err != nil {
		return nil, nil, err
	}
	candidates := r.policy.Rank(manifest, req, r.providers.IDs(), r.cfg.Default)
	if len(candidates) == 0 {
		return nil, nil, errs.Newf(errs.RoutingNoCompatibleProvider, "no provider can serve model %q", req.Model).
			With("model", req.Model).
			With("tenant_id", tenant.TenantID)
	}
	return manifest, candidates, nil
}

// attempts bounds the failover loop.
func (r *Router) attempts(candidates []Candidate) int {
	n := len(candidates)
	if n > r.cfg.MaxRetries {
		n = r.cfg.MaxRetries
	}
	if !r.cfg.AutoFailover && n > 1 {
		n = 1
	}
	return n
}

// Infer runs the synchronous path.
func (r *Router) Infer(ctx context.Context, req *models.InferenceRequest, tenant models.TenantContext) (*models.InferenceResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if tenant.TenantID == "" {
		return nil, errs.New(errs.AuthTenantNotFound)
	}
	if err := r.reserve(ctx, req, tenant); err != nil {
		return nil, err
	}

	resp, err := r.dispatch(ctx, req, tenant)
	if err != nil {
		r.releaseAll(ctx, req.RequestID)
		return nil, err
	}
	r.settleSuccess(ctx, req.RequestID, int64(resp.InputTokens), int64(resp.OutputTokens))
	return resp, nil
}

func (r *Router) dispatch(ctx context.Context, req *models.InferenceRequest, tenant models.TenantContext) (*models.InferenceResponse, error) {
	manifest, candidates, err := r.rank(ctx, req, tenant)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, candidate := range candidates[:r.attempts(candidates)] {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.RuntimeCancelled, err)
		}
		id := candidate.ProviderID
		b := r.breakers.Get(id)
		if !b.PermitCall() {
			lastErr = errs.New(errs.CircuitBreakerOpen).With("provider", id)
			continue
		}

		rnr, err := r.factory.GetRunner(ctx, manifest, id, tenant)
		if err != nil {
			slog.Warn("Runner construction failed",
				"provider", id, "model", req.Model, "error", err)
			lastErr = err
			if !errs.IsRetryable(err) {
				return nil, err
			}
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, r.timeoutFor(req))
		started := time.Now()
		r.sink.RequestStarted(id)

		var resp *models.InferenceResponse
		callErr := b.Call(cctx, func(c context.Context) error {
			var ierr error
			resp, ierr = rnr.Infer(c, req)
			return ierr
		})

		r.sink.RequestFinished(id)
		cancel()

		if callErr == nil {
			r.sink.RecordSuccess(id, req.Model, time.Since(started), resp.InputTokens, resp.OutputTokens)
			return resp, nil
		}
		callErr = r.classifyTimeout(ctx, cctx, callErr, id)
		r.sink.RecordFailure(id, req.Model)
		lastErr = callErr
		if !errs.IsRetryable(callErr) {
			return nil, callErr
		}
		slog.Info("Provider attempt failed, trying next candidate",
			"provider", id, "model", req.Model, "request_id", req.RequestID, "error", callErr)
	}

	return nil, errs.Wrap(errs.AllRunnersFailed, lastErr).
		With("model", req.Model).
		With("request_id", req.RequestID)
}

// classifyTimeout retags an expired attempt deadline as a runtime timeout,
// which is retryable and counts against the breaker. Errors from a cancelled
// caller context pass through untouched.
func (r *Router) classifyTimeout(ctx, actx context.Context, err error, providerID string) error {
	if ctx.Err() != nil || !errors.Is(actx.Err(), context.DeadlineExceeded) {
		return err
	}
	if kind, ok := errs.KindOf(err); ok && kind.Code != errs.RuntimeCancelled.Code {
		return err
	}
	return errs.Wrap(errs.RuntimeTimeout, err).With("provider", providerID)
}

// InferStream runs the streaming path. Failover applies only until the
// first chunk reaches the consumer; after that a failure terminates the
// stream with an error chunk. Quota and metrics settle when the stream
// finishes on any path.
func (r *Router) InferStream(ctx context.Context, req *models.InferenceRequest, tenant models.TenantContext) (*stream.Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if tenant.TenantID == "" {
		return nil, errs.New(errs.AuthTenantNotFound)
	}
	if err := r.reserve(ctx, req, tenant); err != nil {
		return nil, err
	}

	manifest, candidates, err := r.rank(ctx, req, tenant)
	if err != nil {
		r.releaseAll(ctx, req.RequestID)
		return nil, err
	}

	out := stream.New(req.RequestID, stream.Options{})
	go r.pumpStream(ctx, req, tenant, manifest, candidates, out)
	return out, nil
}

func (r *Router) pumpStream(ctx context.Context, req *models.InferenceRequest, tenant models.TenantContext, manifest *models.ModelManifest, candidates []Candidate, out *stream.Stream) {
	inputTokens := estimateInputTokens(req)
	emitted := 0
	var lastErr error

	for _, candidate := range candidates[:r.attempts(candidates)] {
		if err := ctx.Err(); err != nil {
			r.releaseAll(ctx, req.RequestID)
			out.Fail(errs.Wrap(errs.RuntimeCancelled, err))
			return
		}
		id := candidate.ProviderID
		b := r.breakers.Get(id)
		if !b.PermitCall() {
			lastErr = errs.New(errs.CircuitBreakerOpen).With("provider", id)
			continue
		}

		rnr, err := r.factory.GetRunner(ctx, manifest, id, tenant)
		if err != nil {
			lastErr = err
			if !errs.IsRetryable(err) {
				break
			}
			continue
		}

		sctx, cancel := context.WithTimeout(ctx, r.timeoutFor(req))
		started := time.Now()
		r.sink.RequestStarted(id)

		upstream, done, err := rnr.InferStream(sctx, req)
		if err != nil {
			r.sink.RequestFinished(id)
			cancel()
			if breaker.DefaultFailurePredicate(err) {
				b.RecordFailure()
			}
			r.sink.RecordFailure(id, req.Model)
			lastErr = err
			if !errs.IsRetryable(err) {
				break
			}
			continue
		}

		outcome, copyErr := r.copyChunks(sctx, upstream, out, &emitted)
		done()
		r.sink.RequestFinished(id)
		cancel()

		if outcome == copyDone {
			b.RecordSuccess()
			r.sink.RecordSuccess(id, req.Model, time.Since(started), int(inputTokens), emitted)
			r.settleSuccess(ctx, req.RequestID, inputTokens, int64(emitted))
			return
		}
		if outcome == copyCancelled {
			upstream.Cancel()
			// The attempt deadline and the consumer going away both surface
			// as a context error here; only the latter ends the request
			// without a terminal chunk.
			if ctx.Err() != nil || !errors.Is(sctx.Err(), context.DeadlineExceeded) {
				r.releaseAll(ctx, req.RequestID)
				return
			}
			copyErr = errs.Wrap(errs.RuntimeTimeout, copyErr).With("provider", id)
		}

		if breaker.DefaultFailurePredicate(copyErr) {
			b.RecordFailure()
		}
		r.sink.RecordFailure(id, req.Model)
		lastErr = copyErr
		if emitted > 0 {
			// The consumer observed partial output: no retry.
			r.releaseAll(ctx, req.RequestID)
			out.Fail(copyErr)
			return
		}
		if !errs.IsRetryable(copyErr) {
			r.releaseAll(ctx, req.RequestID)
			out.Fail(copyErr)
			return
		}
	}

	r.releaseAll(ctx, req.RequestID)
	out.Fail(errs.Wrap(errs.AllRunnersFailed, lastErr).
		With("model", req.Model).
		With("request_id", req.RequestID))
}

type copyOutcome int

const (
	copyDone copyOutcome = iota
	copyFailed
	copyCancelled
)

// copyChunks relays tokens from the provider stream into the consumer
// stream, re-sequencing them. Returns the upstream failure when the stream
// did not finish cleanly.
func (r *Router) copyChunks(ctx context.Context, upstream, out *stream.Stream, emitted *int) (copyOutcome, error) {
	for {
		chunk, err := upstream.Recv(ctx)
		if err != nil {
			// Recv fails only when ctx ends; the caller decides whether
			// that was the attempt deadline or the consumer going away.
			return copyCancelled, err
		}
		if chunk.IsComplete {
			if upErr := upstream.Err(); upErr != nil {
				return copyFailed, upErr
			}
			out.Complete(chunk.FinishReason)
			return copyDone, nil
		}
		if err := out.Emit(ctx, chunk.Token); err != nil {
			return copyCancelled, err
		}
		*emitted++
	}
}
