package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorCode classifies a failure so the presentation layer can map it to a
// user-facing message. Codes travel verbatim through the status reader.
type ErrorCode string

// Failure classes.
const (
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeNetworkError       ErrorCode = "NETWORK_ERROR"
	CodeAuthError          ErrorCode = "AUTH_ERROR"
	CodeProviderError      ErrorCode = "PROVIDER_ERROR"
	CodeNoResults          ErrorCode = "NO_RESULTS"
	CodeRecrawlRateLimited ErrorCode = "RECRAWL_RATE_LIMITED"
	CodeLockContended      ErrorCode = "LOCK_CONTENDED"
)

// Error is a classified pipeline failure.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewError constructs a classified error.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// Retryable reports whether a worker should retry the job after backoff.
// Only transient classes qualify; auth and provider failures fail fast.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeRateLimit, CodeNetworkError:
		return true
	default:
		return false
	}
}

// ErrJobNotFound is returned by the queue when no record exists for an id.
var ErrJobNotFound = errors.New("job not found")

// Classify maps an arbitrary scrape failure onto the taxonomy. Already
// classified errors pass through unchanged; network-shaped errors become
// NETWORK_ERROR; everything else is a provider failure.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(CodeNetworkError, "external call timed out: %v", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewError(CodeNetworkError, "network failure: %v", err)
	}
	return NewError(CodeProviderError, "%v", err)
}
