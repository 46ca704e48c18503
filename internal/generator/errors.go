package generator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindOverloaded  ErrorKind = "overloaded"
	KindRateLimited ErrorKind = "rate_limited"
	KindMalformed   ErrorKind = "malformed_response"
)

// statusOverloaded is Anthropic's non-standard "overloaded" status.
const statusOverloaded = 529

// ServiceError is a failure of the external generation service.
type ServiceError struct {
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration // suggested wait before the caller tries again
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("generation service %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("generation service %s: %v", e.Kind, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Retryable reports whether the caller may usefully retry later.
func (e *ServiceError) Retryable() bool {
	return e.Kind != KindMalformed
}

// ParseError means the generator output held no recoverable questions.
type ParseError struct {
	Snippet string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable generator output (%q): %v", e.Snippet, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationRejection is a candidate the quality gate turned down.
type ValidationRejection struct {
	Score  int
	Issues []string
}

func (e *ValidationRejection) Error() string {
	return fmt.Sprintf("rejected by quality gate: score %d (%s)", e.Score, strings.Join(e.Issues, ", "))
}

// classify maps a client error onto a ServiceError. Errors that already are
// ServiceErrors pass through.
func classify(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ServiceError{Kind: KindTimeout, RetryAfter: 5 * time.Second, Err: err}
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return fromStatus(apiErr.StatusCode, err)
	}
	return &ServiceError{Kind: KindOverloaded, RetryAfter: 5 * time.Second, Err: err}
}

func fromStatus(status int, err error) *ServiceError {
	switch status {
	case http.StatusTooManyRequests:
		return &ServiceError{Kind: KindRateLimited, StatusCode: status, RetryAfter: 30 * time.Second, Err: err}
	case statusOverloaded:
		return &ServiceError{Kind: KindOverloaded, StatusCode: status, RetryAfter: 10 * time.Second, Err: err}
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return &ServiceError{Kind: KindTimeout, StatusCode: status, RetryAfter: 5 * time.Second, Err: err}
	default:
		return &ServiceError{Kind: KindOverloaded, StatusCode: status, RetryAfter: 5 * time.Second, Err: err}
	}
}
