// Package resilience provides error classification, retry with backoff,
// and a circuit breaker for remote model calls. Classification drives
// every downstream decision: whether to retry, how long to wait, and
// what to tell the user when a run dies.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorClass buckets a failure by how the engine should react.
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient" // retry with backoff
	ClassPermanent ErrorClass = "permanent" // do not retry
	ClassResource  ErrorClass = "resource"  // rate limit or budget, wait then retry
	ClassStuck     ErrorClass = "stuck"     // no progress, handled by the loop
	ClassUnknown   ErrorClass = "unknown"   // retry cautiously
)

// RateLimitError wraps a provider error that carried an explicit
// retry-after delay. Zero RetryAfter means the provider gave none.
type RateLimitError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

var transientMarkers = []string{
	"timeout", "timed out", "deadline exceeded",
	"connection refused", "connection reset", "network", "unreachable",
	"temporarily", "unavailable", "overloaded",
	"status 500", "status 502", "status 503", "status 504", "status 529",
	"eof",
}

var resourceMarkers = []string{
	"status 429", "too many requests", "rate limit",
	"quota", "budget", "token limit", "limit exceeded",
}

var permanentMarkers = []string{
	"status 400", "status 401", "status 403", "status 404", "status 422",
	"permission", "unauthorized", "forbidden", "invalid",
	"unsupported", "not found", "api key",
}

var stuckMarkers = []string{
	"no progress", "repetitive", "repeated action", "stuck",
}

// Classify maps an error onto an ErrorClass. Matching is on lowercased
// error text plus a few well-known error values; resource markers are
// checked before permanent ones so a 429 never reads as a 4xx failure.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	var rl *RateLimitError
	if errors.As(err, &rl) {
		return ClassResource
	}
	if errors.Is(err, ErrCircuitOpen) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}

	msg := strings.ToLower(err.Error())
	for _, m := range resourceMarkers {
		if strings.Contains(msg, m) {
			return ClassResource
		}
	}
	for _, m := range stuckMarkers {
		if strings.Contains(msg, m) {
			return ClassStuck
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return ClassTransient
		}
	}
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return ClassPermanent
		}
	}
	return ClassUnknown
}
