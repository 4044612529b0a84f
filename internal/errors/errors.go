// Package errors classifies failures so callers can decide between retrying,
// backing off longer, and giving up. Classification is by error type and
// message pattern: network and rate-limit failures are transient, corrupt
// state and schema mismatches are not. The backfill retry policy consumes
// the package-level predicates.
package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrorType is the classification of a failure.
type ErrorType string

const (
	// Retryable failure classes.
	ErrorTypeNetwork     ErrorType = "network"      // connectivity failures
	ErrorTypeTimeout     ErrorType = "timeout"      // request or deadline timeouts
	ErrorTypeRateLimit   ErrorType = "rate_limit"   // provider throttling; retried with a longer fixed backoff
	ErrorTypeServerError ErrorType = "server_error" // provider-side 5xx failures

	// Non-retryable failure classes.
	ErrorTypeCorruptState   ErrorType = "corrupt_state"   // unreadable coverage state file (quarantined)
	ErrorTypePartialWrite   ErrorType = "partial_write"   // state write aborted before rename; prior state intact
	ErrorTypeSchemaMismatch ErrorType = "schema_mismatch" // provider record did not parse; record skipped
	ErrorTypeValidation     ErrorType = "validation"      // local data validation failures
	ErrorTypeConfiguration  ErrorType = "configuration"   // bad or missing configuration
	ErrorTypeFatal          ErrorType = "fatal"           // stop processing

	// ErrorTypeUnknown is the fallback class; treated as retryable with
	// caution.
	ErrorTypeUnknown ErrorType = "unknown"
)

// Severity is the severity level of a classified error.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ClassifiedError carries an error plus the metadata handling decisions are
// made on.
type ClassifiedError struct {
	Err       error     `json:"error"`
	Type      ErrorType `json:"type"`
	Severity  Severity  `json:"severity"`
	Retryable bool      `json:"retryable"`
	Component string    `json:"component"`
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
	Attempts  int       `json:"attempts"`
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is matches either another ClassifiedError of the same type or the wrapped
// error chain.
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return errors.Is(ce.Err, target)
}

// Classify analyzes an error and returns it wrapped with type, severity, and
// retryability. Already-classified errors pass through unchanged.
func Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*ClassifiedError); ok {
		return ce
	}

	errorType := classifyType(err)
	return &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  severityFor(errorType),
		Retryable: retryableType(errorType),
		Component: component,
		Operation: operation,
		Timestamp: time.Now().UTC(),
	}
}

// New creates a pre-classified error of the given type.
func New(errorType ErrorType, component, operation string, err error) *ClassifiedError {
	return &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  severityFor(errorType),
		Retryable: retryableType(errorType),
		Component: component,
		Operation: operation,
		Timestamp: time.Now().UTC(),
	}
}

// classifyType determines the error type from the error's content.
func classifyType(err error) ErrorType {
	errStr := strings.ToLower(err.Error())

	if isTimeoutError(err) {
		return ErrorTypeTimeout
	}
	if isNetworkError(err) {
		return ErrorTypeNetwork
	}

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "request weight") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "-1003") {
		return ErrorTypeRateLimit
	}

	if strings.Contains(errStr, "corrupt") || strings.Contains(errStr, "quarantine") {
		return ErrorTypeCorruptState
	}

	if strings.Contains(errStr, "schema") || strings.Contains(errStr, "malformed") {
		return ErrorTypeSchemaMismatch
	}

	if strings.Contains(errStr, "validation") || strings.Contains(errStr, "invalid") {
		return ErrorTypeValidation
	}

	if strings.Contains(errStr, "config") || strings.Contains(errStr, "missing required") {
		return ErrorTypeConfiguration
	}

	if strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "bad gateway") {
		return ErrorTypeServerError
	}

	return ErrorTypeUnknown
}

// isNetworkError checks for net.Error or common connectivity patterns.
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	patterns := []string{
		"connection refused",
		"connection reset",
		"connection aborted",
		"no route to host",
		"host unreachable",
		"network unreachable",
		"dns",
		"resolve",
		"broken pipe",
		"eof",
	}
	for _, p := range patterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}

// isTimeoutError checks for timeout-flavored failures.
func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

func severityFor(errorType ErrorType) Severity {
	switch errorType {
	case ErrorTypeFatal:
		return SeverityCritical
	case ErrorTypeCorruptState, ErrorTypeConfiguration:
		return SeverityHigh
	case ErrorTypePartialWrite, ErrorTypeValidation, ErrorTypeSchemaMismatch:
		return SeverityMedium
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeServerError:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

func retryableType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeServerError:
		return true
	case ErrorTypeCorruptState, ErrorTypePartialWrite, ErrorTypeSchemaMismatch,
		ErrorTypeValidation, ErrorTypeConfiguration, ErrorTypeFatal:
		return false
	default:
		// Unknown errors retry with caution; the attempt cap bounds the
		// damage.
		return true
	}
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return retryableType(classifyType(err))
}

// IsRateLimit reports whether the error is provider throttling, which gets
// the longer fixed backoff.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type == ErrorTypeRateLimit
	}
	return classifyType(err) == ErrorTypeRateLimit
}

// TypeOf extracts the error type, classifying on the fly when needed.
func TypeOf(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return classifyType(err)
}

// WrapError wraps an error with component and operation context.
func WrapError(err error, component, operation, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s in %s.%s: %w", message, component, operation, err)
}
