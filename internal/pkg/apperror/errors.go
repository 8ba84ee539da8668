// Package apperror holds the error kinds the chat backend distinguishes when
// deciding how a failure reaches the caller.
package apperror

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnauthorized means no usable session: no side effects happened.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotAuthorized means the conversation exists but belongs to someone else.
	ErrNotAuthorized = errors.New("conversation belongs to another user")

	// ErrUpstreamUnavailable is retryable by the caller.
	ErrUpstreamUnavailable = errors.New("completion provider unavailable")

	ErrNotFound = errors.New("not found")
)

// ValidationError reports malformed input. It is always raised before any
// store access.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: reason}}
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, reason := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, reason))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// Upstream wraps a provider failure so callers can match ErrUpstreamUnavailable
// while the cause stays visible in logs.
func Upstream(cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, cause)
}

// DurabilityWarning describes a finalize-stage write that did not land. It is
// logged and published, never returned to the HTTP caller.
type DurabilityWarning struct {
	ConversationId string
	MessageIds     []string
	Cause          error
}

func (w *DurabilityWarning) Error() string {
	return fmt.Sprintf("durability gap for conversation %s (%d messages): %v", w.ConversationId, len(w.MessageIds), w.Cause)
}

func (w *DurabilityWarning) Unwrap() error {
	return w.Cause
}

// IsRetryable reports whether the caller may retry the same request.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}
