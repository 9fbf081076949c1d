package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a dispatch failure for retry and resolution decisions.
type Kind string

const (
	// KindRateLimited indicates the backend rejected the call due to rate limits
	KindRateLimited Kind = "RATE_LIMITED"
	// KindNetworkTimeout indicates the call or its admission exceeded its deadline
	KindNetworkTimeout Kind = "NETWORK_TIMEOUT"
	// KindBackendUnavailable indicates an open circuit or no healthy backend
	KindBackendUnavailable Kind = "BACKEND_UNAVAILABLE"
	// KindQueueSaturated indicates admission was rejected by backpressure
	KindQueueSaturated Kind = "QUEUE_SATURATED"
	// KindResourceExhausted indicates pool/quota exhaustion on the backend side
	KindResourceExhausted Kind = "RESOURCE_EXHAUSTED"
	// KindDeadlock indicates a deadlock-class failure reported by the backend
	KindDeadlock Kind = "DEADLOCK"
	// KindConcurrentModification indicates a lost-update style conflict
	KindConcurrentModification Kind = "CONCURRENT_MODIFICATION"
	// KindValidationFailed indicates a structurally invalid request
	KindValidationFailed Kind = "VALIDATION_FAILED"
	// KindAuthFailed indicates the backend rejected the caller's credentials
	KindAuthFailed Kind = "AUTH_FAILED"
	// KindUpsertConflict indicates a duplicate-resource conflict on write
	KindUpsertConflict Kind = "UPSERT_CONFLICT"
	// KindUnclassified is the fallback for failures no rule matched
	KindUnclassified Kind = "UNCLASSIFIED"
)

// Kinds returns every known failure kind. Used for counter registration.
func Kinds() []Kind {
	return []Kind{
		KindRateLimited,
		KindNetworkTimeout,
		KindBackendUnavailable,
		KindQueueSaturated,
		KindResourceExhausted,
		KindDeadlock,
		KindConcurrentModification,
		KindValidationFailed,
		KindAuthFailed,
		KindUpsertConflict,
		KindUnclassified,
	}
}

// DispatchError is the structured error carried through the dispatch core.
// Every failing operation returns one so callers can branch on Kind rather
// than parsing messages.
type DispatchError struct {
	Kind       Kind                   `json:"kind"`
	Component  string                 `json:"component,omitempty"`
	Message    string                 `json:"message"`
	Timestamp  time.Time              `json:"timestamp"`
	Backend    string                 `json:"backend,omitempty"`
	NotRetried bool                   `json:"not_retried,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Cause      error                  `json:"-"`
}

// Error implements the error interface
func (e *DispatchError) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("[%s] %s (backend=%s): %s", e.Kind, e.Component, e.Backend, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Component, e.Message)
}

// Unwrap returns the underlying error
func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// Is matches on Kind so errors.Is works with sentinel DispatchErrors.
func (e *DispatchError) Is(target error) bool {
	if t, ok := target.(*DispatchError); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *DispatchError) WithMetadata(key string, value interface{}) *DispatchError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithBackend tags the error with the backend it came from
func (e *DispatchError) WithBackend(name string) *DispatchError {
	e.Backend = name
	return e
}

// MarkNotRetried flags the error as deliberately not retried. Set on
// structural failures that propagate immediately.
func (e *DispatchError) MarkNotRetried() *DispatchError {
	e.NotRetried = true
	return e
}

// IsTransient reports whether the kind is retried locally before
// surfacing. Structural and fail-fast kinds return false.
func (e *DispatchError) IsTransient() bool {
	switch e.Kind {
	case KindRateLimited, KindNetworkTimeout, KindResourceExhausted, KindDeadlock:
		return true
	default:
		return false
	}
}

// IsStructural reports whether the failure is inherent to the request
// itself. Structural failures are never retried automatically.
func (e *DispatchError) IsStructural() bool {
	switch e.Kind {
	case KindValidationFailed, KindAuthFailed:
		return true
	default:
		return false
	}
}

// IsFailFast reports whether the kind must surface immediately without
// any local retry loop (callers apply their own backoff).
func (e *DispatchError) IsFailFast() bool {
	switch e.Kind {
	case KindBackendUnavailable, KindQueueSaturated:
		return true
	default:
		return false
	}
}

// New creates a DispatchError
func New(kind Kind, component, message string) *DispatchError {
	return &DispatchError{
		Kind:      kind,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap wraps an existing error with dispatch classification. Returns nil
// when err is nil.
func Wrap(err error, kind Kind, component, message string) *DispatchError {
	if err == nil {
		return nil
	}
	return &DispatchError{
		Kind:      kind,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
	}
}

// Common constructors

// NewQueueSaturatedError is returned when the dispatch queue rejects admission.
func NewQueueSaturatedError(depth, capacity int) *DispatchError {
	return New(
		KindQueueSaturated,
		"dispatch_queue",
		fmt.Sprintf("queue is full (%d/%d), request rejected", depth, capacity),
	).WithMetadata("depth", depth).WithMetadata("capacity", capacity)
}

// NewNoBackendError is returned when the balancer finds no eligible backend.
func NewNoBackendError(capability string) *DispatchError {
	return New(
		KindBackendUnavailable,
		"load_balancer",
		fmt.Sprintf("no healthy backend available for capability %q", capability),
	).WithMetadata("capability", capability)
}

// NewCircuitOpenError is returned when a backend's circuit breaker rejects a call.
func NewCircuitOpenError(backend string) *DispatchError {
	return New(
		KindBackendUnavailable,
		"circuit_breaker",
		fmt.Sprintf("circuit breaker is open for backend %s", backend),
	).WithBackend(backend)
}

// NewTimeoutError is returned when a call or its admission ran out of deadline.
func NewTimeoutError(component string, cause error) *DispatchError {
	return Wrap(cause, KindNetworkTimeout, component, "deadline exceeded")
}

// GetKind extracts the failure kind from any error. Non-dispatch errors
// report KindUnclassified.
func GetKind(err error) Kind {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnclassified
}

// AsDispatchError unwraps err to a DispatchError if it carries one.
func AsDispatchError(err error) (*DispatchError, bool) {
	var de *DispatchError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IsTransient reports whether err is a locally-retryable failure.
func IsTransient(err error) bool {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.IsTransient()
	}
	return false
}
