// Package apierr provides Dalston's unified error taxonomy (spec §7).
//
// Errors are ordered from most local to most user-visible: transient I/O is
// retried invisibly; engine-reported transient/permanent failures surface as
// task/job failures; catalog and engine-availability errors are synchronous
// submit-time rejections; internal invariant violations are fatal and opaque.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a Dalston error kind.
type Code string

const (
	// CodeTransientIO marks a retried-internally broker/storage hiccup. Never
	// surfaced to the user unless retries are exhausted.
	CodeTransientIO Code = "TRANSIENT_IO"
	// CodeEngineTransient marks an engine-reported transient failure (GPU OOM,
	// model warm-up). Retried up to the task's attempt cap.
	CodeEngineTransient Code = "ENGINE_TRANSIENT"
	// CodeEnginePermanent marks an engine-reported permanent failure (bad
	// input format, input too long). Not retried; echoed verbatim to the user.
	CodeEnginePermanent Code = "ENGINE_PERMANENT"
	// CodeCatalogValidation marks a synchronous submit-time rejection: no
	// catalogued engine can satisfy the job's (stage, language, capability)
	// requirement.
	CodeCatalogValidation Code = "CATALOG_VALIDATION"
	// CodeEngineUnavailable marks a catalogued engine with no registered,
	// healthy instance (fail-fast policy, or exhausted wait timeout).
	CodeEngineUnavailable Code = "ENGINE_UNAVAILABLE"
	// CodeEngineCapabilityMismatch marks a registered engine instance that
	// cannot satisfy this job's specific requirement (e.g. language), distinct
	// from CodeEngineUnavailable so operators can tell "nothing is running"
	// from "the running thing is misconfigured".
	CodeEngineCapabilityMismatch Code = "ENGINE_CAPABILITY_MISMATCH"
	// CodeInvariantViolation marks a fatal internal-consistency breach (I1/I2
	// breach, ordering anomaly). The job is marked failed with an opaque
	// indicator; full context goes to the log, never to the caller.
	CodeInvariantViolation Code = "INTERNAL_INVARIANT_VIOLATION"
	// CodeNotFound marks a missing resource.
	CodeNotFound Code = "NOT_FOUND"
	// CodeAlreadyTerminal marks a no-op state-change request against a job
	// that has already reached a terminal status.
	CodeAlreadyTerminal Code = "ALREADY_TERMINAL"
	// CodeInvalidInput marks a request-shape validation failure.
	CodeInvalidInput Code = "INVALID_INPUT"
	// CodeCapacityExhausted marks a resource-allocation failure (no spare
	// session-router capacity).
	CodeCapacityExhausted Code = "CAPACITY_EXHAUSTED"
)

// Error is Dalston's structured error type. It implements error and carries
// enough detail to render both the §6.1 structured error document and an
// internal log line.
type Error struct {
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetails attaches a structured detail and returns e for chaining.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a bare Error.
func New(code Code, message string, httpStatus int) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap creates an Error around an existing cause.
func Wrap(code Code, message string, httpStatus int, err error) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// TransientIO builds a §7.1 transient I/O error.
func TransientIO(operation string, err error) *Error {
	return Wrap(CodeTransientIO, "transient I/O error", http.StatusServiceUnavailable, err).
		WithDetails("operation", operation)
}

// EngineTransient builds a §7.2 engine-reported transient failure, surfaced
// only once the retry cap is exhausted.
func EngineTransient(stage string, attempts int, err error) *Error {
	e := Wrap(CodeEngineTransient, fmt.Sprintf("transient error after %d attempts", attempts), http.StatusServiceUnavailable, err)
	e.Retryable = true
	return e.WithDetails("stage", stage).WithDetails("attempts", attempts)
}

// EnginePermanent builds a §7.3 engine-reported permanent failure.
func EnginePermanent(stage, message string) *Error {
	return New(CodeEnginePermanent, message, http.StatusUnprocessableEntity).WithDetails("stage", stage)
}

// CatalogValidation builds the §6.1 structured catalog-validation error
// document: {error, message, stage, language, details:{required, available_engines, suggestion}}.
func CatalogValidation(stage, language string, required []string, available []string, suggestion string) *Error {
	return New(CodeCatalogValidation, "no catalogued engine satisfies this request", http.StatusUnprocessableEntity).
		WithDetails("stage", stage).
		WithDetails("language", language).
		WithDetails("required", required).
		WithDetails("available_engines", available).
		WithDetails("suggestion", suggestion)
}

// EngineUnavailable builds a §4.2/§7.5 "catalogued but not registered" error.
func EngineUnavailable(engineID, stage string) *Error {
	return New(CodeEngineUnavailable, "no healthy instance of the selected engine is registered", http.StatusServiceUnavailable).
		WithDetails("engine_id", engineID).
		WithDetails("stage", stage)
}

// EngineCapabilityMismatch builds an error for a registered-but-incompatible engine.
func EngineCapabilityMismatch(engineID, stage, language string) *Error {
	return New(CodeEngineCapabilityMismatch, "the registered engine does not support this job's requirements", http.StatusUnprocessableEntity).
		WithDetails("engine_id", engineID).
		WithDetails("stage", stage).
		WithDetails("language", language)
}

// InvariantViolation builds a §7.6 fatal internal error. The message passed to
// callers is always the generic one; detail belongs in the log, not the response.
func InvariantViolation(context string, err error) *Error {
	return Wrap(CodeInvariantViolation, "internal invariant violation", http.StatusInternalServerError, err).
		WithDetails("context", context)
}

// NotFound builds a 404.
func NotFound(resource, id string) *Error {
	return New(CodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// AlreadyTerminal builds the §8.3 "cancel on an already-terminal job" response.
func AlreadyTerminal(jobID string) *Error {
	return New(CodeAlreadyTerminal, "job has already reached a terminal state", http.StatusConflict).
		WithDetails("job_id", jobID)
}

// InvalidInput builds a 400.
func InvalidInput(field, reason string) *Error {
	return New(CodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// CapacityExhausted builds the session router's 503.
func CapacityExhausted(reason string) *Error {
	return New(CodeCapacityExhausted, "no healthy worker has spare capacity", http.StatusServiceUnavailable).
		WithDetails("reason", reason)
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// HTTPStatus returns the HTTP status for an error, defaulting to 500.
func HTTPStatus(err error) int {
	if e, ok := As(err); ok {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether the scheduler's retry policy should apply.
// Transient I/O and engine-transient errors are retryable; catalog, capability,
// permanent, and invariant errors are not (spec §4.3 retry policy).
func IsRetryable(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	switch e.Code {
	case CodeTransientIO:
		return true
	case CodeEngineTransient:
		return true
	default:
		return false
	}
}
