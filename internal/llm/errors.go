package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors.
var (
	// ErrRateLimited is returned by clients on HTTP 429.
	ErrRateLimited = errors.New("rate limited (429)")

	// ErrServerError is returned by clients on 5xx responses.
	ErrServerError = errors.New("server error")

	// ErrEmptyResponse is returned when a backend replies without text.
	ErrEmptyResponse = errors.New("empty response")

	// ErrUnknownProvider is returned when no client is registered for a provider.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrProviderUnavailable is matched by every ProviderUnavailableError.
	ErrProviderUnavailable = errors.New("no model provider available")
)

// ErrorCode classifies invocation failures for logging and escalation.
type ErrorCode string

// ErrorCode constants.
const (
	CodeRateLimit   ErrorCode = "RATE_LIMIT"
	CodeServerError ErrorCode = "SERVER_ERROR"
	CodeTimeout     ErrorCode = "TIMEOUT"
	CodeUnknown     ErrorCode = "UNKNOWN"
)

// InvocationError is the single failure type produced by the invoker.
type InvocationError struct {
	Provider Provider
	Code     ErrorCode
	Message  string
	Err      error
}

// Error implements error.
func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s invocation failed [%s]: %s", e.Provider, e.Code, e.Message)
}

// Unwrap returns the transport error.
func (e *InvocationError) Unwrap() error {
	return e.Err
}

// NewInvocationError wraps err and classifies it.
func NewInvocationError(provider Provider, err error) *InvocationError {
	return &InvocationError{
		Provider: provider,
		Code:     Classify(err),
		Message:  err.Error(),
		Err:      err,
	}
}

var (
	rateLimitPatterns = []string{"429", "rate limit", "rate_limit", "too many requests"}
	serverPatterns    = []string{"500", "502", "503", "504", "server error", "bad gateway", "service unavailable"}
	timeoutPatterns   = []string{"timeout", "timed out", "deadline exceeded"}
)

// Classify maps an error onto an ErrorCode. Transports do not expose typed
// errors uniformly, so classification works on the error text.
func Classify(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, rateLimitPatterns):
		return CodeRateLimit
	case containsAny(msg, timeoutPatterns):
		return CodeTimeout
	case containsAny(msg, serverPatterns):
		return CodeServerError
	default:
		return CodeUnknown
	}
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// ProviderUnavailableError reports that no provider could serve a call,
// either because none was healthy or because the retry budget ran out.
type ProviderUnavailableError struct {
	Attempted []Provider
	LastErr   error
}

// Error implements error.
func (e *ProviderUnavailableError) Error() string {
	if len(e.Attempted) == 0 {
		return ErrProviderUnavailable.Error() + ": all providers unhealthy"
	}
	names := make([]string, len(e.Attempted))
	for i, p := range e.Attempted {
		names[i] = string(p)
	}
	if e.LastErr == nil {
		return fmt.Sprintf("%s: attempted %s", ErrProviderUnavailable, strings.Join(names, ", "))
	}
	return fmt.Sprintf("%s: attempted %s: %v", ErrProviderUnavailable, strings.Join(names, ", "), e.LastErr)
}

// Is matches ErrProviderUnavailable.
func (e *ProviderUnavailableError) Is(target error) bool {
	return target == ErrProviderUnavailable
}

// Unwrap returns the last invocation error.
func (e *ProviderUnavailableError) Unwrap() error {
	return e.LastErr
}
