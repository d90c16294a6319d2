// Package quota enforces per-tenant rate limits over pluggable counter
// stores. Counters are windowed (requests, tokens) or gauges (concurrent).
// Reservations are tracked per request so release is idempotent and actual
// usage can be reconciled after completion.
package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/inferd-io/inferd/pkg/errs"
)

// Kind is a limited resource class.
type Kind string

// Limited resource kinds.
const (
	KindRequests     Kind = "requests"
	KindInputTokens  Kind = "input_tokens"
	KindOutputTokens Kind = "output_tokens"
	KindConcurrent   Kind = "concurrent"
)

// windowed reports whether counters of this kind reset with the window.
// Concurrent counts are gauges and only move via release.
func (k Kind) windowed() bool { return k != KindConcurrent }

// Limits are the per-tenant ceilings for one window.
type Limits struct {
	Requests     int64         `yaml:"requests"`
	InputTokens  int64         `yaml:"input_tokens"`
	OutputTokens int64         `yaml:"output_tokens"`
	Concurrent   int64         `yaml:"concurrent"`
	Window       time.Duration `yaml:"window"`
}

// DefaultLimits returns permissive single-node defaults.
func DefaultLimits() Limits {
	return Limits{
		Requests:     600,
		InputTokens:  2_000_000,
		OutputTokens: 1_000_000,
		Concurrent:   16,
		Window:       time.Minute,
	}
}

// limit returns the ceiling for the kind; zero means unlimited.
func (l Limits) limit(kind Kind) int64 {
	switch kind {
	case KindRequests:
		return l.Requests
	case KindInputTokens:
		return l.InputTokens
	case KindOutputTokens:
		return l.OutputTokens
	case KindConcurrent:
		return l.Concurrent
	}
	return 0
}

// Store is the atomic counter backend. The in-memory store serves
// single-node deployments; the Redis store serves clustered ones.
type Store interface {
	// Add atomically adds amount to the counter identified by key if the
	// result stays within limit. Windowed counters reset after window.
	// On refusal it returns ok=false and a retry-after hint.
	Add(ctx context.Context, key string, amount, limit int64, window time.Duration) (ok bool, retryAfter time.Duration, err error)
	// Sub decrements the counter, flooring at zero.
	Sub(ctx context.Context, key string, amount int64) error
}

// LimitsResolver returns the limits for a tenant. The config package
// provides an implementation backed by the tenant registry.
type LimitsResolver func(tenantID string) Limits

// reservation tracks what one request reserved, keyed by kind.
type reservation struct {
	tenantID string
	amounts  map[Kind]int64
}

// Enforcer applies per-tenant limits. One instance per process.
type Enforcer struct {
	store  Store
	limits LimitsResolver

	mu           sync.Mutex
	reservations map[string]*reservation // requestID → outstanding reservation
}

// NewEnforcer creates an enforcer over the given store. resolver may be nil,
// in which case every tenant gets DefaultLimits.
func NewEnforcer(store Store, resolver LimitsResolver) *Enforcer {
	if resolver == nil {
		resolver = func(string) Limits { return DefaultLimits() }
	}
	return &Enforcer{
		store:        store,
		limits:       resolver,
		reservations: make(map[string]*reservation),
	}
}

func key(tenantID string, kind Kind) string {
	return tenantID + ":" + string(kind)
}

// Check verifies that amount would fit without consuming it.
func (e *Enforcer) Check(ctx context.Context, tenantID string, kind Kind, amount int64) error {
	limits := e.limits(tenantID)
	limit := limits.limit(kind)
	if limit <= 0 {
		return nil
	}
	window := time.Duration(0)
	if kind.windowed() {
		window = limits.Window
	}
	ok, retryAfter, err := e.store.Add(ctx, key(tenantID, kind), amount, limit, window)
	if err != nil {
		return errs.Wrap(errs.StorageUnavailable, err)
	}
	if !ok {
		return quotaExceeded(tenantID, kind, retryAfter)
	}
	// Check is non-consuming: undo the probe.
	if err := e.store.Sub(ctx, key(tenantID, kind), amount); err != nil {
		slog.Warn("Failed to undo quota check probe",
			"tenant_id", tenantID, "kind", kind, "error", err)
	}
	return nil
}

// Reserve atomically consumes amount against the tenant's limit, tagged by
// requestID so the reservation can be released exactly once.
func (e *Enforcer) Reserve(ctx context.Context, tenantID string, kind Kind, amount int64, requestID string) error {
	limits := e.limits(tenantID)
	limit := limits.limit(kind)
	if limit > 0 {
		window := time.Duration(0)
		if kind.windowed() {
			window = limits.Window
		}
		ok, retryAfter, err := e.store.Add(ctx, key(tenantID, kind), amount, limit, window)
		if err != nil {
			return errs.Wrap(errs.StorageUnavailable, err)
		}
		if !ok {
			return quotaExceeded(tenantID, kind, retryAfter)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.reservations[requestID]
	if !ok {
		res = &reservation{tenantID: tenantID, amounts: make(map[Kind]int64)}
		e.reservations[requestID] = res
	}
	res.amounts[kind] += amount
	return nil
}

// Release returns the outstanding reservation for requestID and kind.
// Releasing an unknown or already-released reservation is a no-op.
//
// Windowed counters are decremented so a failed or cancelled request does
// not consume quota; use OnComplete for requests that did run.
func (e *Enforcer) Release(ctx context.Context, kind Kind, requestID string) {
	tenantID, amount, ok := e.take(requestID, kind)
	if !ok || amount == 0 {
		return
	}
	if e.limits(tenantID).limit(kind) <= 0 {
		return
	}
	if err := e.store.Sub(ctx, key(tenantID, kind), amount); err != nil {
		slog.Warn("Failed to release quota reservation",
			"tenant_id", tenantID, "kind", kind, "request_id", requestID, "error", err)
	}
}

// OnComplete reconciles the reservation with the actual amount consumed.
// For windowed counters the reserved amount stays consumed and any overage
// (actual > reserved) is added on top, best-effort. Concurrent gauges are
// always returned.
func (e *Enforcer) OnComplete(ctx context.Context, kind Kind, actual int64, requestID string) {
	tenantID, reserved, ok := e.take(requestID, kind)
	if !ok {
		return
	}
	limits := e.limits(tenantID)
	if limits.limit(kind) <= 0 {
		return
	}
	if kind == KindConcurrent {
		if err := e.store.Sub(ctx, key(tenantID, kind), reserved); err != nil {
			slog.Warn("Failed to return concurrent quota",
				"tenant_id", tenantID, "request_id", requestID, "error", err)
		}
		return
	}
	switch {
	case actual > reserved:
		// Consume the overage even if it exceeds the limit; the tenant
		// already received the tokens.
		if _, _, err := e.store.Add(ctx, key(tenantID, kind), actual-reserved, 0, limits.Window); err != nil {
			slog.Warn("Failed to reconcile quota overage",
				"tenant_id", tenantID, "kind", kind, "error", err)
		}
	case actual < reserved:
		if err := e.store.Sub(ctx, key(tenantID, kind), reserved-actual); err != nil {
			slog.Warn("Failed to reconcile quota underrun",
				"tenant_id", tenantID, "kind", kind, "error", err)
		}
	}
}

// take removes and returns the reservation amount for (requestID, kind).
func (e *Enforcer) take(requestID string, kind Kind) (tenantID string, amount int64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, found := e.reservations[requestID]
	if !found {
		return "", 0, false
	}
	amount, found = res.amounts[kind]
	if !found {
		return "", 0, false
	}
	delete(res.amounts, kind)
	if len(res.amounts) == 0 {
		delete(e.reservations, requestID)
	}
	return res.tenantID, amount, true
}

func quotaExceeded(tenantID string, kind Kind, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	return errs.Newf(errs.QuotaExceeded, "tenant %q exceeded %s quota", tenantID, kind).
		With("tenant_id", tenantID).
		With("kind", string(kind)).
		With("retry_after", retryAfter)
}
