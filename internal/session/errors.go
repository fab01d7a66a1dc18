package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned when an operation needs a connected client.
	ErrNotConnected = errors.New("session: not connected")

	// ErrSessionRetired is returned by a Session that has been stopped. The
	// registry replaces retired sessions, so callers should look the user up again.
	ErrSessionRetired = errors.New("session: retired")

	// ErrInitTimeout is the failure recorded when client initialization
	// exceeds the configured init timeout.
	ErrInitTimeout = errors.New("session: initialization timed out")
)

// RateLimitError rejects an explicit start that arrived within the per-user
// start interval.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("session: start throttled, retry after %s", e.RetryAfter.Round(time.Second))
}

// ValidationError rejects a malformed settings or keyword request. Nothing is
// mutated when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Error codes carried by error events.
const (
	CodeRateLimited  = "rate_limited"
	CodeValidation   = "validation_failed"
	CodeInitFailed   = "init_failed"
	CodeAuthFailed   = "auth_failed"
	CodeNotConnected = "not_connected"
	CodeStoreFailed  = "store_failed"
	CodeInternal     = "internal_error"
)

// ErrorCode maps err to the code used in error events and API responses.
func ErrorCode(err error) string {
	var rl *RateLimitError
	var ve *ValidationError
	switch {
	case errors.As(err, &rl):
		return CodeRateLimited
	case errors.As(err, &ve):
		return CodeValidation
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrSessionRetired):
		return CodeNotConnected
	case errors.Is(err, ErrInitTimeout):
		return CodeInitFailed
	default:
		return CodeInternal
	}
}
