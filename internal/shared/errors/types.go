// Package errors defines the provider error taxonomy used by the LLM
// routing plane and generic retry helpers built on top of it.
//
// Four caller-visible kinds exist for provider failures:
//
//   - Transient: network faults and 5xx responses, eligible for retry
//   - RateLimit: quota exhaustion / 429, handled by routing, never retried in place
//   - Policy: the provider refused or filtered the request
//   - Fatal: misconfiguration such as a bad credential
//
// Classification prefers explicit wrapping via the constructors; a string
// fallback handles SDK errors that only carry a message.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind classifies a provider failure for routing decisions.
type Kind int

const (
	KindTransient Kind = iota
	KindRateLimit
	KindPolicy
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimit:
		return "rate_limit"
	case KindPolicy:
		return "policy"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ProviderError is a tagged provider failure.
type ProviderError struct {
	Kind       Kind
	Err        error
	StatusCode int    // HTTP status code when applicable
	Message    string // human-oriented summary
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewTransient wraps err as a retryable provider failure.
func NewTransient(err error, message string) error {
	return &ProviderError{Kind: KindTransient, Err: err, Message: message}
}

// NewRateLimit wraps err as a quota/429 failure.
func NewRateLimit(err error, message string) error {
	return &ProviderError{Kind: KindRateLimit, Err: err, Message: message}
}

// NewPolicy wraps err as a refused or filtered request.
func NewPolicy(err error, message string) error {
	return &ProviderError{Kind: KindPolicy, Err: err, Message: message}
}

// NewFatal wraps err as a non-recoverable provider failure.
func NewFatal(err error, message string) error {
	return &ProviderError{Kind: KindFatal, Err: err, Message: message}
}

// KindOf returns the tagged kind of err, classifying untagged errors by
// network type and message as a fallback. Untagged, unrecognized errors
// report KindFatal so they are never retried blindly.
func KindOf(err error) Kind {
	if err == nil {
		return KindFatal
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if isNetworkError(err) {
		return KindTransient
	}
	return classifyMessage(err.Error())
}

// IsTransient reports whether err should be retried in place.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsRateLimit reports whether err is a provider quota failure.
func IsRateLimit(err error) bool {
	return err != nil && KindOf(err) == KindRateLimit
}

// IsCancellation reports whether err should be treated as caller
// cancellation. A provider's own per-attempt timeout also surfaces as
// context.DeadlineExceeded in the error chain, so the error value alone
// cannot distinguish the two; only the caller's context is authoritative.
// Cancellations are neither failures nor successes for breaker accounting.
func IsCancellation(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	return false
}

// classifyMessage is the last-resort classifier for SDK errors that only
// expose a message string.
func classifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "429"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "resource has been exhausted"),
		strings.Contains(lower, "resource exhausted"),
		strings.Contains(lower, "quota"):
		return KindRateLimit
	case strings.Contains(lower, "500"), strings.Contains(lower, "internal server error"),
		strings.Contains(lower, "502"), strings.Contains(lower, "bad gateway"),
		strings.Contains(lower, "503"), strings.Contains(lower, "service unavailable"),
		strings.Contains(lower, "504"), strings.Contains(lower, "gateway timeout"),
		strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline exceeded"),
		strings.Contains(lower, "connection refused"), strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "broken pipe"), strings.Contains(lower, "eof"):
		return KindTransient
	case strings.Contains(lower, "content_filter"), strings.Contains(lower, "content filter"),
		strings.Contains(lower, "blocked"), strings.Contains(lower, "safety"):
		return KindPolicy
	default:
		return KindFatal
	}
}

// ClassifyHTTPStatus maps a provider HTTP status code to a Kind.
func ClassifyHTTPStatus(status int) Kind {
	switch {
	case status == 429:
		return KindRateLimit
	case status >= 500:
		return KindTransient
	case status == 401 || status == 403:
		return KindFatal
	default:
		return KindFatal
	}
}
