package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/stateflow/pkg/schema"
)

// IsRetryableError classifies whether an error points at a transient
// condition. Typed FlowErrors decide by code; network errors and step
// timeouts are retryable; a cancelled context means shutdown, never retry.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable. The retry policy bounds the attempts.
	return true
}

// ComputeBackoff calculates the delay before the next retry attempt.
// Supports none, constant, linear and exponential backoff with an optional
// max_delay cap. attempt is zero-based: the delay before attempt N+1.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" || policy.Backoff == "none" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	case "linear":
		delay = base * time.Duration(attempt+1)
	default: // constant or unset
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// WaitForBackoff sleeps for the computed backoff duration or returns early
// with the context error if the context is cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// selectRetryPolicy returns the first declared policy matching the error
// code, or nil when none applies.
func selectRetryPolicy(policies []schema.RetryPolicy, code string) *schema.RetryPolicy {
	for i := range policies {
		if policies[i].Matches(code) {
			return &policies[i]
		}
	}
	return nil
}

// selectCatchPolicy returns the first declared catch matching the error
// code, or nil when none applies.
func selectCatchPolicy(policies []schema.CatchPolicy, code string) *schema.CatchPolicy {
	for i := range policies {
		if policies[i].Matches(code) {
			return &policies[i]
		}
	}
	return nil
}
