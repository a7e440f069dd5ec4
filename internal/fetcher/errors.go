package fetcher

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of error that occurred during a fetch operation
type ErrorType string

const (
	// ErrorTypeTransport indicates a network-level error (timeout, DNS, connection reset).
	// Transport errors are not retried.
	ErrorTypeTransport ErrorType = "transport"
	// ErrorTypeRequestFailed indicates a non-2xx response other than 429
	ErrorTypeRequestFailed ErrorType = "request_failed"
	// ErrorTypeRateLimitExceeded indicates HTTP 429 persisted past the attempt budget
	ErrorTypeRateLimitExceeded ErrorType = "rate_limit_exceeded"
	// ErrorTypeMalformedResponse indicates an expected field is absent or has the wrong shape
	ErrorTypeMalformedResponse ErrorType = "malformed_response"
	// ErrorTypeQueryFailed indicates a remote query reached a terminal failure state
	ErrorTypeQueryFailed ErrorType = "query_failed"
)

// maxBodyInError caps how much of a response body is kept in an error.
const maxBodyInError = 512

// FetchError represents a structured error from a fetch operation
type FetchError struct {
	Type       ErrorType
	Target     string
	StatusCode int
	Attempts   int
	Message    string
	Body       string
	Cause      error
}

// Error implements the error interface
func (e *FetchError) Error() string {
	msg := fmt.Sprintf("%s error", e.Type)
	if e.Target != "" {
		msg += fmt.Sprintf(" for %s", e.Target)
	}
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	msg += ": " + e.Message
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *FetchError) Unwrap() error {
	return e.Cause
}

// NewTransportError creates a transport error
func NewTransportError(cause error) *FetchError {
	return &FetchError{
		Type:    ErrorTypeTransport,
		Message: "network request failed",
		Cause:   cause,
	}
}

// NewRequestFailedError creates an error for a non-retryable HTTP status
func NewRequestFailedError(statusCode int, body string) *FetchError {
	if len(body) > maxBodyInError {
		body = body[:maxBodyInError] + "..."
	}
	return &FetchError{
		Type:       ErrorTypeRequestFailed,
		StatusCode: statusCode,
		Message:    "request failed",
		Body:       body,
	}
}

// NewRateLimitExceededError creates an error for a rate limit that outlasted the retries
func NewRateLimitExceededError(attempts int) *FetchError {
	return &FetchError{
		Type:       ErrorTypeRateLimitExceeded,
		StatusCode: 429,
		Attempts:   attempts,
		Message:    fmt.Sprintf("rate limit exceeded after %d attempts", attempts),
	}
}

// NewMalformedResponseError creates an error for a payload that does not have the expected shape
func NewMalformedResponseError(format string, args ...any) *FetchError {
	return &FetchError{
		Type:    ErrorTypeMalformedResponse,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewQueryFailedError creates an error for a remote query in a terminal failure state
func NewQueryFailedError(state string) *FetchError {
	return &FetchError{
		Type:    ErrorTypeQueryFailed,
		Message: fmt.Sprintf("query ended in state %s", state),
	}
}

// TypeOf returns the ErrorType of err, or "" if err is not a FetchError.
func TypeOf(err error) ErrorType {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Type
	}
	return ""
}

// IsType reports whether err is a FetchError of the given type.
func IsType(err error, t ErrorType) bool {
	return TypeOf(err) == t
}

// AttachTarget attaches the target identifier if the error is a FetchError
// that does not carry one yet.
func AttachTarget(err error, target string) error {
	var fe *FetchError
	if errors.As(err, &fe) && fe.Target == "" {
		fe.Target = target
	}
	return err
}
