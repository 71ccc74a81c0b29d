// Package domain provides the listing pipeline data model and canonical error types.
package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed, oversized or out-of-policy request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeAuthentication indicates an authentication failure.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypeNotFound indicates a resource was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeRateLimit indicates the tenant's bucket was empty.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeConflict indicates the idempotency key is already executing.
	ErrorTypeConflict ErrorType = "conflict"

	// ErrorTypeOverloaded indicates the job backlog is full.
	ErrorTypeOverloaded ErrorType = "overloaded"

	// ErrorTypeStageFailed indicates a pipeline stage failed without a fallback.
	ErrorTypeStageFailed ErrorType = "stage_failed"

	// ErrorTypeServer indicates an internal server error.
	ErrorTypeServer ErrorType = "server"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeRateLimitExceeded ErrorCode = "rate_limit_exceeded"
	ErrorCodeInvalidAPIKey     ErrorCode = "invalid_api_key"
	ErrorCodeDuplicateInFlight ErrorCode = "duplicate_in_flight"
	ErrorCodeQueueSaturated    ErrorCode = "queue_saturated"
	ErrorCodeInvalidInput      ErrorCode = "invalid_input"
	ErrorCodeUpstream          ErrorCode = "upstream"
	ErrorCodeInternal          ErrorCode = "internal"
	ErrorCodeInterrupted       ErrorCode = "interrupted"
)

// APIError is the canonical caller-visible error.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Param is the request field that caused the error (if applicable)
	Param string `json:"param,omitempty"`

	// Stage names the pipeline stage that failed (if applicable)
	Stage StageName `json:"stage,omitempty"`

	// RetryAfter is set for rate limited responses
	RetryAfter time.Duration `json:"-"`

	// StatusCode is the suggested HTTP status code
	StatusCode int `json:"-"`

	cause error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	prefix := string(e.Type)
	if e.Code != "" {
		prefix = fmt.Sprintf("%s (%s)", e.Type, e.Code)
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s: stage %s: %s", prefix, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *APIError) Unwrap() error {
	return e.cause
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeOverloaded:
		return http.StatusServiceUnavailable
	case ErrorTypeStageFailed:
		switch e.Code {
		case ErrorCodeInvalidInput:
			return http.StatusBadRequest
		case ErrorCodeUpstream:
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithParam adds a parameter name to the error.
func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

// WithStage records the failing stage.
func (e *APIError) WithStage(stage StageName) *APIError {
	e.Stage = stage
	return e
}

// WithRetryAfter sets the retry hint for rate limited errors.
func (e *APIError) WithRetryAfter(d time.Duration) *APIError {
	e.RetryAfter = d
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// WithCause attaches the underlying error for errors.Is/As.
func (e *APIError) WithCause(err error) *APIError {
	e.cause = err
	return e
}

// Convenience constructors for common errors

// ErrInvalidRequest creates a validation error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrAuthentication creates an authentication error.
func ErrAuthentication(message string) *APIError {
	return NewAPIError(ErrorTypeAuthentication, message)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message)
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string, retryAfter time.Duration) *APIError {
	return NewAPIError(ErrorTypeRateLimit, message).
		WithCode(ErrorCodeRateLimitExceeded).
		WithRetryAfter(retryAfter)
}

// ErrDuplicateInFlight creates the error returned while an idempotency key is executing.
func ErrDuplicateInFlight(key string) *APIError {
	return NewAPIError(ErrorTypeConflict, fmt.Sprintf("request with idempotency key %q is already in progress", key)).
		WithCode(ErrorCodeDuplicateInFlight)
}

// ErrQueueSaturated creates the error returned when the job backlog is full.
func ErrQueueSaturated(message string) *APIError {
	return NewAPIError(ErrorTypeOverloaded, message).
		WithCode(ErrorCodeQueueSaturated)
}

// ErrStageFailed creates a fatal stage error.
func ErrStageFailed(stage StageName, code ErrorCode, message string) *APIError {
	return NewAPIError(ErrorTypeStageFailed, message).
		WithCode(code).
		WithStage(stage)
}

// ErrServer creates a server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}

// AsAPIError converts any error into an APIError, wrapping unknown errors as server errors.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ErrServer(err.Error()).WithCause(err)
}
