package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrValidation marks malformed requests.
	ErrValidation = errors.New("validation failed")
	// ErrRateLimited marks requests rejected by the rate limiter.
	ErrRateLimited = errors.New("rate limited")
	// ErrForbidden marks requests rejected by the access check.
	ErrForbidden = errors.New("forbidden")
	// ErrQueueUnavailable marks broker failures at publish time. Callers may retry.
	ErrQueueUnavailable = errors.New("queue unavailable")
	// ErrGeneratorFailure marks a failed or timed-out generation.
	ErrGeneratorFailure = errors.New("generator failure")
	// ErrWebhookDelivery marks a failed webhook delivery. It is never fatal.
	ErrWebhookDelivery = errors.New("webhook delivery failed")
	// ErrAdminAuth marks admin calls without a matching shared secret.
	ErrAdminAuth = errors.New("admin authentication failed")
)

// ValidationError collects per-field problems.
type ValidationError struct {
	Fields map[string]string
}

// Add records a problem for field.
func (v *ValidationError) Add(field, msg string) {
	if v.Fields == nil {
		v.Fields = make(map[string]string)
	}
	if _, exists := v.Fields[field]; exists {
		return
	}
	v.Fields[field] = msg
}

// OrNil returns nil when no fields were recorded.
func (v *ValidationError) OrNil() error {
	if v == nil || len(v.Fields) == 0 {
		return nil
	}
	return v
}

func (v *ValidationError) Error() string {
	keys := make([]string, 0, len(v.Fields))
	for k := range v.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+" "+v.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Unwrap lets errors.Is match ErrValidation.
func (v *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a single-field validation error.
func NewValidationError(field, msg string) *ValidationError {
	v := &ValidationError{}
	v.Add(field, msg)
	return v
}

// RateLimitedError reports the rule that rejected the request.
type RateLimitedError struct {
	Rule       string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by %s rule (limit %d), retry after %s", e.Rule, e.Limit, e.RetryAfter)
}

// Unwrap lets errors.Is match ErrRateLimited.
func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// ForbiddenError carries the human-readable rejection reason.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string { return "forbidden: " + e.Reason }

// Unwrap lets errors.Is match ErrForbidden.
func (e *ForbiddenError) Unwrap() error { return ErrForbidden }
