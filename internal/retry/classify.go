// Package retry provides the generic retry policy used across the app:
// bounded attempts, exponential backoff with jitter, abort-aware timeouts,
// and the error classification that decides what is worth retrying.
package retry

import (
	"context"
	"errors"
	"strings"
)

// Kind classifies an error for retry decisions. Values are kinds, not type
// names.
type Kind string

const (
	KindAborted          Kind = "ABORTED"
	KindTimeout          Kind = "TIMEOUT"
	KindTransientNetwork Kind = "TRANSIENT_NETWORK"
	KindProviderError    Kind = "PROVIDER_ERROR"
	KindValidation       Kind = "VALIDATION"
	KindPremiumRequired  Kind = "PREMIUM_REQUIRED"
	KindUnknown          Kind = "UNKNOWN"
)

// ClassifiedError carries an explicit kind. Errors wrapped in one are
// classified by kind, not by message.
type ClassifiedError struct {
	Kind Kind
	Err  error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Wrap attaches a kind to an error.
func Wrap(kind Kind, err error) error {
	return &ClassifiedError{Kind: kind, Err: err}
}

// Classify determines an error's kind. Typed classification wins over message
// sniffing: a cancellation whose message mentions "timeout" is still ABORTED.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}

	// Type/sentinel checks first.
	if errors.Is(err, context.Canceled) {
		return KindAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	// Message-based fallback.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "abort"):
		return KindAborted
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline"):
		return KindTimeout
	case strings.Contains(msg, "network") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "eof"):
		return KindTransientNetwork
	case strings.Contains(msg, "status 500") ||
		strings.Contains(msg, "status 502") ||
		strings.Contains(msg, "status 503") ||
		strings.Contains(msg, "status 504") ||
		strings.Contains(msg, "status 429"):
		return KindProviderError
	case strings.Contains(msg, "premium"):
		return KindPremiumRequired
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "validation"):
		return KindValidation
	}
	return KindUnknown
}

// IsRetryable reports whether a kind is worth another attempt. Aborts,
// validation failures and premium gates are deterministic; retrying them only
// burns budget.
func IsRetryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindTransientNetwork, KindProviderError:
		return true
	default:
		return false
	}
}
