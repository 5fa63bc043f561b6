// Package domain holds the shared data model for the CF client SDK:
// users, configs, sessions, flag records, exposure summaries, tracked
// events, and the error taxonomy every other package reports through.
package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Category classifies an SDKError into one of the taxonomy buckets
// from the error handling design. Categories are deliberately coarse:
// callers branch on them, they don't pattern-match on message text.
type Category string

const (
	CategoryNetwork       Category = "network"
	CategorySerialization Category = "serialization"
	CategoryValidation    Category = "validation"
	CategoryPermission    Category = "permission"
	CategoryTimeout       Category = "timeout"
	CategoryInternal      Category = "internal"
	CategoryState         Category = "state"
	CategoryUnknown       Category = "unknown"
)

// Severity ranks an SDKError for logging and alerting purposes.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SDKError is the error type every internal package returns. It never
// escapes to the host as a panic or an uncategorized error — typed
// accessors and track/push_summary swallow it per spec, but internal
// callers (fetcher, coordinator, queues) need the category to decide
// whether to retry, re-queue, or just log.
type SDKError struct {
	Category Category
	Severity Severity
	Message  string
	Cause    error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *SDKError) Unwrap() error { return e.Cause }

// NewError builds an SDKError with the given category/severity.
func NewError(category Category, severity Severity, message string, cause error) *SDKError {
	return &SDKError{Category: category, Severity: severity, Message: message, Cause: cause}
}

// IsRetryable reports whether err should be retried by WithRetry.
// Ported from the teacher's DefaultErrorChecker: SDKErrors of the
// Validation, Permission, or State category are not retryable;
// network errors and timeouts are; an error with a Temporary() method
// follows that method; everything else defaults to retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var sdkErr *SDKError
	if errors.As(err, &sdkErr) {
		switch sdkErr.Category {
		case CategoryValidation, CategoryPermission, CategoryState:
			return false
		}
	}

	if isTransientNetworkError(err) {
		return true
	}
	if isTimeoutError(err) {
		return true
	}

	type temporary interface {
		Temporary() bool
	}
	if te, ok := err.(temporary); ok {
		return te.Temporary()
	}

	return true
}

func isTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch {
		case errors.Is(opErr.Err, syscall.ECONNREFUSED),
			errors.Is(opErr.Err, syscall.ECONNRESET),
			errors.Is(opErr.Err, syscall.ENETUNREACH),
			errors.Is(opErr.Err, syscall.EHOSTUNREACH):
			return true
		}
	}

	return false
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	type timeout interface {
		Timeout() bool
	}
	if te, ok := err.(timeout); ok {
		return te.Timeout()
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout") ||
		strings.Contains(strings.ToLower(err.Error()), "timed out")
}

// Classify maps an error onto a short label used for metrics and for
// the rate-limited-logging dedup key (category, source, message).
func Classify(err error) string {
	if err == nil {
		return "none"
	}

	var sdkErr *SDKError
	if errors.As(err, &sdkErr) {
		return string(sdkErr.Category)
	}

	if errors.Is(err, context.Canceled) {
		return "context_cancelled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "context_deadline"
	}
	if isTimeoutError(err) {
		return "timeout"
	}
	if isTransientNetworkError(err) {
		return "network"
	}
	return "unknown"
}
