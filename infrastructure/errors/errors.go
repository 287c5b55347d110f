// Package errors provides unified error handling for Thorium.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode string

const (
	// Validation errors (3xxx): bad form fields, empty names, forbidden
	// characters, unknown enum variants.
	ErrCodeInvalidInput     ErrorCode = "VAL_3001"
	ErrCodeMissingParameter ErrorCode = "VAL_3002"
	ErrCodeInvalidFormat    ErrorCode = "VAL_3003"
	ErrCodeOutOfRange       ErrorCode = "VAL_3004"
	ErrCodeInvalidEntrypoint ErrorCode = "VAL_3005"

	// Authorization errors (2xxx): missing group membership, editability,
	// or action permission.
	ErrCodeUnauthorized ErrorCode = "AUTHZ_2001"
	ErrCodeForbidden     ErrorCode = "AUTHZ_2002"

	// Resource errors (4xxx): item, cursor, reaction, stage missing, or
	// conflicting identity.
	ErrCodeNotFound      ErrorCode = "RES_4001"
	ErrCodeAlreadyExists ErrorCode = "RES_4002"
	ErrCodeConflict      ErrorCode = "RES_4003"

	// Service errors (5xxx): upstream store/object-store refusals,
	// invariant violations, internal bugs.
	ErrCodeInternal     ErrorCode = "SVC_5001"
	ErrCodeStoreError   ErrorCode = "SVC_5002"
	ErrCodeUnavailable  ErrorCode = "SVC_5003"
	ErrCodeTimeout      ErrorCode = "SVC_5004"
	ErrCodeExternalCall ErrorCode = "SVC_5005"

	// Fatal errors (9xxx): persisted data failed to deserialize; the
	// kind of thing that gets a full trace, not a retry.
	ErrCodeCorrupted ErrorCode = "FATAL_9001"
)

// ServiceError represents a structured error with code, message, and HTTP status.
// It is what every API-facing Thorium error response serializes as:
// {"code": ..., "msg": ...}.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"msg"`
	HTTPStatus int                    `json:"-"`
	Retryable  bool                   `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Validation errors

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func InvalidFormat(field, expected string) *ServiceError {
	return New(ErrCodeInvalidFormat, "invalid format", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

func OutOfRange(field string, minValue, maxValue interface{}) *ServiceError {
	return New(ErrCodeOutOfRange, "value out of range", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("min", minValue).
		WithDetails("max", maxValue)
}

// InvalidEntrypoint is returned by the agent argument materializer's
// safety check (spec §4.9 step 7): argv empty, or argv is just a shell.
func InvalidEntrypoint(argv []string) *ServiceError {
	return New(ErrCodeInvalidEntrypoint, "argv is empty or resolves to a bare shell", http.StatusBadRequest).
		WithDetails("argv", argv)
}

// Authorization errors

func Unauthorized(message string) *ServiceError {
	return New(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func Forbidden(message string) *ServiceError {
	return New(ErrCodeForbidden, message, http.StatusForbidden)
}

// Resource errors

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func AlreadyExists(resource, id string) *ServiceError {
	return New(ErrCodeAlreadyExists, "resource already exists", http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// Service errors

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

// StoreError wraps a wide-column store (Scylla) or queue (Redis) failure.
// Most store failures are transport-level and retryable; callers that know
// otherwise should mark Retryable = false after the fact.
func StoreError(operation string, err error) *ServiceError {
	se := Wrap(ErrCodeStoreError, "store operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
	se.Retryable = true
	return se
}

// Unavailable marks an upstream dependency (store, object store) as
// refusing service within the configured timeout. Always retryable.
func Unavailable(service string, err error) *ServiceError {
	se := Wrap(ErrCodeUnavailable, "upstream unavailable", http.StatusServiceUnavailable, err).
		WithDetails("service", service)
	se.Retryable = true
	return se
}

func Timeout(operation string) *ServiceError {
	se := New(ErrCodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
	se.Retryable = true
	return se
}

func ExternalCallFailed(service string, err error) *ServiceError {
	se := Wrap(ErrCodeExternalCall, "external call failed", http.StatusBadGateway, err).
		WithDetails("service", service)
	se.Retryable = true
	return se
}

// Fatal errors

// Corrupted marks a persisted struct that failed to deserialize: data
// corruption, not a transient failure. Never retryable.
func Corrupted(resource string, err error) *ServiceError {
	return Wrap(ErrCodeCorrupted, "persisted data failed to deserialize", http.StatusInternalServerError, err).
		WithDetails("resource", resource)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether a caller may retry the operation that
// produced err. Non-ServiceError errors are treated as not retryable.
func IsRetryable(err error) bool {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.Retryable
	}
	return false
}

// IsNotFound reports whether err is a NotFound ServiceError.
func IsNotFound(err error) bool {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.Code == ErrCodeNotFound
	}
	return false
}
