// Grounded on the teacher's internal/api/errors.go ErrorBuilder/BusinessError
// pair, narrowed to the handful of error codes this API's small surface
// actually raises.
package api

import (
	"net/http"
	"time"
)

// BusinessError is a structured, HTTP-status-carrying error.
type BusinessError struct {
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Details    string    `json:"details,omitempty"`
	StatusCode int       `json:"-"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e *BusinessError) Error() string { return e.Message }

// ErrorBuilder builds a BusinessError fluently.
type ErrorBuilder struct {
	err *BusinessError
}

// NewError starts building a BusinessError with the given code and message.
func NewError(code, message string) *ErrorBuilder {
	return &ErrorBuilder{err: &BusinessError{
		Code: code, Message: message, Timestamp: time.Now(), StatusCode: http.StatusInternalServerError,
	}}
}

// WithStatus sets the HTTP status code.
func (b *ErrorBuilder) WithStatus(status int) *ErrorBuilder {
	b.err.StatusCode = status
	return b
}

// WithDetails attaches human-readable detail.
func (b *ErrorBuilder) WithDetails(details string) *ErrorBuilder {
	b.err.Details = details
	return b
}

// Build returns the finished BusinessError.
func (b *ErrorBuilder) Build() *BusinessError { return b.err }

// Common errors this API's handlers raise.
var (
	ErrUnknownHost = func(hostID string) *BusinessError {
		return NewError("unknown_host", "host is not registered").
			WithStatus(http.StatusNotFound).WithDetails(hostID).Build()
	}
	ErrInvalidRange = func(details string) *BusinessError {
		return NewError("invalid_range", "invalid time range").
			WithStatus(http.StatusBadRequest).WithDetails(details).Build()
	}
	ErrStoreUnavailable = func(details string) *BusinessError {
		return NewError("store_unavailable", "anomaly store query failed").
			WithStatus(http.StatusServiceUnavailable).WithDetails(details).Build()
	}
)
