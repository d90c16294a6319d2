// Package errs defines the categorized error taxonomy used across the
// dispatch plane. Every error kind carries a stable code, an HTTP status
// affinity, and a retryability flag that drives router failover and circuit
// breaker accounting.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Category groups error kinds by subsystem.
type Category string

// Error categories.
const (
	CategoryModel      Category = "MODEL"
	CategoryTensor     Category = "TENSOR"
	CategoryDevice     Category = "DEVICE"
	CategoryQuota      Category = "QUOTA"
	CategoryAuth       Category = "AUTH"
	CategoryInit       Category = "INIT"
	CategoryRuntime    Category = "RUNTIME"
	CategoryStorage    Category = "STORAGE"
	CategoryConversion Category = "CONVERSION"
	CategoryValidation Category = "VALIDATION"
	CategoryCircuit    Category = "CIRCUIT"
	CategoryProvider   Category = "PROVIDER"
	CategoryRouting    Category = "ROUTING"
	CategoryJob        Category = "JOB"
	CategoryPlugin     Category = "PLUGIN"
	CategoryConfig     Category = "CONFIG"
	CategoryNetwork    Category = "NETWORK"
	CategoryStream     Category = "STREAM"
	CategoryInternal   Category = "INTERNAL"
)

// Kind describes one error kind in the taxonomy.
type Kind struct {
	// Code is the stable machine-readable identifier (CATEGORY_NNN).
	Code string
	// Category is the owning subsystem.
	Category Category
	// HTTPStatus is the status the REST layer maps this kind to.
	HTTPStatus int
	// Retryable reports whether the router may fail over to another
	// candidate after seeing this kind.
	Retryable bool
	// Message is the default human-readable message.
	Message string
}

// Error kinds. Retryable kinds allow router failover; non-retryable kinds
// short-circuit back to the caller.
var (
	ModelNotFound = Kind{"MODEL_001", CategoryModel, http.StatusNotFound, false, "model not found"}

	DeviceOutOfMemory = Kind{"DEVICE_001", CategoryDevice, http.StatusServiceUnavailable, true, "device out of memory"}
	DeviceUnavailable = Kind{"DEVICE_002", CategoryDevice, http.StatusServiceUnavailable, false, "requested device not available"}
	DeviceUnsupported = Kind{"DEVICE_003", CategoryDevice, http.StatusBadRequest, false, "device type not supported"}

	QuotaExceeded = Kind{"QUOTA_001", CategoryQuota, http.StatusTooManyRequests, false, "tenant quota exceeded"}

	AuthTenantNotFound = Kind{"AUTH_001", CategoryAuth, http.StatusUnauthorized, false, "api key does not resolve to a tenant"}
	AuthForbidden      = Kind{"AUTH_002", CategoryAuth, http.StatusForbidden, false, "tenant is not allowed to access this resource"}

	InitFailed        = Kind{"INIT_001", CategoryInit, http.StatusInternalServerError, false, "provider initialization failed"}
	InitInvalidConfig = Kind{"INIT_002", CategoryInit, http.StatusInternalServerError, false, "invalid provider configuration"}

	RuntimeTimeout          = Kind{"RUNTIME_001", CategoryRuntime, http.StatusGatewayTimeout, true, "inference timed out"}
	RuntimeCancelled        = Kind{"RUNTIME_002", CategoryRuntime, 499, false, "inference cancelled"}
	RuntimeSessionExhausted = Kind{"RUNTIME_003", CategoryRuntime, http.StatusServiceUnavailable, true, "no session available before timeout"}

	StorageUnavailable = Kind{"STORAGE_001", CategoryStorage, http.StatusServiceUnavailable, false, "backing store unavailable"}

	ValidationInvalidRequest = Kind{"VALIDATION_001", CategoryValidation, http.StatusBadRequest, false, "invalid inference request"}
	ValidationMissingField   = Kind{"VALIDATION_002", CategoryValidation, http.StatusBadRequest, false, "required field missing"}

	CircuitBreakerOpen = Kind{"CIRCUIT_001", CategoryCircuit, http.StatusServiceUnavailable, true, "circuit breaker is open"}

	ProviderUnavailable    = Kind{"PROVIDER_001", CategoryProvider, http.StatusServiceUnavailable, true, "provider unavailable"}
	ProviderTimeout        = Kind{"PROVIDER_002", CategoryProvider, http.StatusGatewayTimeout, true, "provider call timed out"}
	ProviderRateLimited    = Kind{"PROVIDER_003", CategoryProvider, http.StatusTooManyRequests, true, "provider rate limit hit"}
	ProviderInvalidRequest = Kind{"PROVIDER_004", CategoryProvider, http.StatusBadRequest, false, "provider rejected the request"}

	RoutingNoCompatibleProvider = Kind{"ROUTING_001", CategoryRouting, http.StatusServiceUnavailable, false, "no compatible provider for model"}
	AllRunnersFailed            = Kind{"ROUTING_002", CategoryRouting, http.StatusServiceUnavailable, true, "all candidate providers failed"}

	JobNotFound    = Kind{"JOB_001", CategoryJob, http.StatusNotFound, false, "async job not found"}
	JobNotPending  = Kind{"JOB_002", CategoryJob, http.StatusConflict, false, "async job already in a terminal state"}
	JobQueueFull   = Kind{"JOB_003", CategoryJob, http.StatusServiceUnavailable, true, "job queue is full"}

	ConfigInvalid = Kind{"CONFIG_001", CategoryConfig, http.StatusInternalServerError, false, "invalid configuration"}

	NetworkTimeout = Kind{"NETWORK_001", CategoryNetwork, http.StatusGatewayTimeout, true, "network timeout"}

	StreamDisconnected = Kind{"STREAM_001", CategoryStream, http.StatusBadGateway, true, "backend stream disconnected mid-stream"}
	StreamOverflow     = Kind{"STREAM_002", CategoryStream, http.StatusServiceUnavailable, false, "stream buffer overflow"}

	Internal = Kind{"INTERNAL_001", CategoryInternal, http.StatusInternalServerError, false, "internal error"}
)

// Error is a taxonomy-tagged error. Context carries debugging fields such as
// model_id, tenant_id, provider_id, and attempt.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	Cause   error
}

// New creates an error of the given kind with the kind's default message.
func New(kind Kind) *Error {
	return &Error{Kind: kind, Message: kind.Message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind wrapping a cause.
func Wrap(kind Kind, cause error) *Error {
	msg := kind.Message
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", kind.Message, cause)
	}
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches errors of the same kind code, so callers can use
// errors.Is(err, errs.New(errs.QuotaExceeded)) or compare against kinds
// via KindOf.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind.Code == te.Kind.Code
	}
	return false
}

// With adds a context entry and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// RetryAfter returns the retry-after hint attached to a quota error, or zero.
func (e *Error) RetryAfter() time.Duration {
	if v, ok := e.Context["retry_after"]; ok {
		if d, ok := v.(time.Duration); ok {
			return d
		}
	}
	return 0
}

// KindOf extracts the taxonomy kind from an error chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return Kind{}, false
}

// IsKind reports whether the error chain contains the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k.Code == kind.Code
}

// IsRetryable reports whether the router may fail over after this error.
// Untagged errors are treated as non-retryable.
func IsRetryable(err error) bool {
	k, ok := KindOf(err)
	return ok && k.Retryable
}

// HTTPStatus returns the HTTP status affinity for the error chain,
// defaulting to 500 for untagged errors.
func HTTPStatus(err error) int {
	if k, ok := KindOf(err); ok {
		return k.HTTPStatus
	}
	return http.StatusInternalServerError
}
