package gateway

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"exec-gateway/internal/dispatch"
	"exec-gateway/internal/pricing"
	"exec-gateway/internal/scanner"
	"exec-gateway/internal/storage"
)

// Sentinel errors for typed error checking.
var (
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrSecurityRejected    = errors.New("code rejected by security scan")
	ErrTierLimitExceeded   = pricing.ErrLimitExceeded
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrDispatchFailure     = dispatch.ErrDispatch
	ErrInvalidRequest      = errors.New("invalid execution request")
	ErrNotFound            = storage.ErrNotFound
)

// RateLimitError carries how long the client must wait.
type RateLimitError struct {
	ClientID string
	Reset    time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry in %dms", e.ClientID, e.Reset.Milliseconds())
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfterSeconds rounds Reset up to whole seconds, minimum 1.
func (e *RateLimitError) RetryAfterSeconds() int {
	return max(1, int(math.Ceil(e.Reset.Seconds())))
}

// SecurityError lists the blocking issues that stopped a request.
type SecurityError struct {
	Issues []scanner.Issue
}

func (e *SecurityError) Error() string {
	rules := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		rules = append(rules, is.Rule)
	}
	return fmt.Sprintf("%s: %s", ErrSecurityRejected, strings.Join(rules, ", "))
}

func (e *SecurityError) Unwrap() error { return ErrSecurityRejected }

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The pipeline stage that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
