package provider

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/inferd-io/inferd/pkg/errs"
	"github.com/inferd-io/inferd/pkg/models"
)

// mapStatus converts an upstream HTTP status into a taxonomy error.
// Rate limits and 5xx are retryable so the router can fail over; 4xx are
// terminal because the request would fail identically elsewhere.
func mapStatus(providerID string, status int, body string) error {
	var kind errs.Kind
	switch {
	case status == http.StatusTooManyRequests:
		kind = errs.ProviderRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = errs.ProviderTimeout
	case status >= 500:
		kind = errs.ProviderUnavailable
	default:
		kind = errs.ProviderInvalidRequest
	}
	e := errs.Newf(kind, "%s returned status %d", providerID, status).
		With("provider", providerID).
		With("status", status)
	if body != "" {
		e = e.With("body", body)
	}
	return e
}

// mapTransport converts a transport-level failure (DNS, TLS, connect, read)
// into a taxonomy error.
func mapTransport(providerID string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Wrap(errs.ProviderTimeout, err).With("provider", providerID)
	case errors.Is(err, context.Canceled):
		return errs.Wrap(errs.RuntimeCancelled, err).With("provider", providerID)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.Wrap(errs.NetworkTimeout, err).With("provider", providerID)
	}
	return errs.Wrap(errs.ProviderUnavailable, err).With("provider", providerID)
}

// mapFinishReason normalizes OpenAI-style finish reasons onto the chunk
// vocabulary.
func mapFinishReason(reason string) string {
	switch reason {
	case "stop", "end_turn", "stop_sequence", "STOP":
		return models.FinishReasonStop
	case "length", "max_tokens", "MAX_TOKENS":
		return models.FinishReasonLength
	case "tool_calls", "function_call", "tool_use":
		return models.FinishReasonToolCall
	case "content_filter", "SAFETY", "RECITATION":
		return models.FinishReasonContentFilter
	case "":
		return models.FinishReasonStop
	default:
		return reason
	}
}
