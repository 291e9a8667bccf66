// Package faults defines the classified error taxonomy shared by the
// resilience layer: operation failures, resource exhaustion, timeouts and
// rejected state transitions.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Severity classifies how badly a failure affects the resource.
type Severity string

const (
	// SeverityTransient indicates a temporary failure that may succeed on retry.
	SeverityTransient Severity = "TRANSIENT"

	// SeverityDegraded indicates the resource still works with reduced capacity.
	SeverityDegraded Severity = "DEGRADED"

	// SeverityFatal indicates the resource cannot continue.
	SeverityFatal Severity = "FATAL"
)

// Kind identifies which family of failure an error belongs to.
type Kind string

const (
	KindOperation  Kind = "operation"
	KindExhaustion Kind = "exhaustion"
	KindTimeout    Kind = "timeout"
	KindValidation Kind = "validation"
)

// Common error codes.
const (
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeMemoryExceeded    = "MEMORY_EXCEEDED"
	CodeTimeout           = "TIMEOUT"
	CodeBackend           = "BACKEND_ERROR"
	CodeCircuitOpen       = "CIRCUIT_OPEN"
)

// ResourceError is a classified failure attributed to a resource.
type ResourceError struct {
	// Kind is the failure family.
	Kind Kind `json:"kind"`

	// Severity drives recovery decisions.
	Severity Severity `json:"severity"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// CorrelationID links the error to related events.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ResourceError) Error() string {
	msg := fmt.Sprintf("[%s/%s] %s", e.Kind, e.Severity, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ResourceError) Unwrap() error {
	return e.Err
}

// Is matches another ResourceError of the same kind and code.
func (e *ResourceError) Is(target error) bool {
	t, ok := target.(*ResourceError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// NewOperationError creates an operation-level failure with the given severity.
func NewOperationError(severity Severity, message string, err error) *ResourceError {
	return &ResourceError{
		Kind:     KindOperation,
		Severity: severity,
		Message:  message,
		Err:      err,
	}
}

// NewExhaustionError reports that a measured usage went past its limit.
// Usage beyond one and a half times the limit is fatal.
func NewExhaustionError(resourceID, resourceKind string, current, limit float64) *ResourceError {
	severity := SeverityDegraded
	if current > limit*1.5 {
		severity = SeverityFatal
	}
	return &ResourceError{
		Kind:     KindExhaustion,
		Severity: severity,
		Code:     CodeMemoryExceeded,
		Message:  fmt.Sprintf("%s usage %.2f exceeds limit %.2f", resourceKind, current, limit),
		Resource: resourceID,
		Details: map[string]interface{}{
			"resource_type": resourceKind,
			"current_usage": current,
			"limit":         limit,
		},
	}
}

// NewTimeoutError reports an operation that did not finish in time.
func NewTimeoutError(resourceID, operation string, timeout time.Duration, err error) *ResourceError {
	e := &ResourceError{
		Kind:      KindTimeout,
		Severity:  SeverityTransient,
		Code:      CodeTimeout,
		Message:   "operation timed out",
		Resource:  resourceID,
		Operation: operation,
		Err:       err,
	}
	if timeout > 0 {
		e.Message = fmt.Sprintf("operation timed out after %s", timeout)
		e.Details = map[string]interface{}{"timeout_seconds": timeout.Seconds()}
	}
	return e
}

// NewValidationError reports a rejected request, such as an illegal state transition.
func NewValidationError(message string) *ResourceError {
	return &ResourceError{
		Kind:     KindValidation,
		Severity: SeverityDegraded,
		Message:  message,
	}
}

// WithResource adds resource context to an error.
func (e *ResourceError) WithResource(resourceID string) *ResourceError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *ResourceError) WithOperation(operation string) *ResourceError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *ResourceError) WithCode(code string) *ResourceError {
	e.Code = code
	return e
}

// WithCorrelationID links the error to an event correlation ID.
func (e *ResourceError) WithCorrelationID(id string) *ResourceError {
	e.CorrelationID = id
	return e
}

// WithDetail adds a detail field to the error context.
func (e *ResourceError) WithDetail(key string, value interface{}) *ResourceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func as(err error) (*ResourceError, bool) {
	var e *ResourceError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// SeverityOf returns the severity of a classified error, or empty if err is not one.
func SeverityOf(err error) Severity {
	if e, ok := as(err); ok {
		return e.Severity
	}
	return ""
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return SeverityOf(err) == SeverityTransient
}

// IsDegraded returns true if the error is classified as degraded.
func IsDegraded(err error) bool {
	return SeverityOf(err) == SeverityDegraded
}

// IsFatal returns true if the error is classified as fatal.
func IsFatal(err error) bool {
	return SeverityOf(err) == SeverityFatal
}

// IsExhaustion returns true for resource exhaustion errors.
func IsExhaustion(err error) bool {
	e, ok := as(err)
	return ok && e.Kind == KindExhaustion
}

// IsTimeout returns true for resource timeout errors.
func IsTimeout(err error) bool {
	e, ok := as(err)
	return ok && e.Kind == KindTimeout
}

// IsValidation returns true for validation errors.
func IsValidation(err error) bool {
	e, ok := as(err)
	return ok && e.Kind == KindValidation
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err)
}
