package llm

import (
	"context"
	"errors"
	"time"

	"github.com/pitabwire/util"
)

// Default failover settings.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 2 * time.Second
)

// FailoverPolicy bounds how many providers are tried for one call and how
// long to wait between tries.
type FailoverPolicy struct {
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultFailoverPolicy returns the standard policy.
func DefaultFailoverPolicy() FailoverPolicy {
	return FailoverPolicy{MaxRetries: DefaultMaxRetries, RetryDelay: DefaultRetryDelay}
}

// Backoff returns the wait before the retry that follows the failed attempt
// with zero-based index attempt.
func (p FailoverPolicy) Backoff(attempt int) time.Duration {
	return p.RetryDelay * time.Duration(1<<attempt)
}

// EventType classifies a reliability event.
type EventType string

// EventType constants.
const (
	EventSuccess  EventType = "success"
	EventFailure  EventType = "failure"
	EventFailover EventType = "failover"
)

// Scope tags a failover run with the work it serves.
type Scope struct {
	RequestID string
	Stage     string
}

// AttemptEvent describes one outcome inside a failover run.
type AttemptEvent struct {
	Scope        Scope
	Provider     Provider
	Type         EventType
	Attempt      int
	ErrorCode    ErrorCode
	ErrorMessage string
	FailoverTo   Provider
	ResponseTime time.Duration
	Timestamp    time.Time
}

// AttemptObserver receives attempt events. Implementations must not block.
type AttemptObserver interface {
	ObserveAttempt(ctx context.Context, event AttemptEvent)
}

// AttemptObserverFunc adapts a function to AttemptObserver.
type AttemptObserverFunc func(ctx context.Context, event AttemptEvent)

// ObserveAttempt implements AttemptObserver.
func (f AttemptObserverFunc) ObserveAttempt(ctx context.Context, event AttemptEvent) {
	f(ctx, event)
}

// Failover composes the registry with a policy and observers.
type Failover struct {
	registry  *Registry
	policy    FailoverPolicy
	observers []AttemptObserver
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewFailover creates a failover runner.
func NewFailover(registry *Registry, policy FailoverPolicy, observers ...AttemptObserver) *Failover {
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = DefaultMaxRetries
	}
	return &Failover{
		registry:  registry,
		policy:    policy,
		observers: observers,
		sleep:     sleepContext,
	}
}

// Registry returns the registry the runner selects providers from.
func (f *Failover) Registry() *Registry {
	return f.registry
}

// Policy returns the active policy.
func (f *Failover) Policy() FailoverPolicy {
	return f.policy
}

// Operation is one attempt against a chosen provider.
type Operation[T any] func(ctx context.Context, provider Provider) (T, error)

// WithFailover runs op against up to MaxRetries distinct healthy providers
// and returns the first success together with the provider that served it.
// When no healthy untried provider remains, or the retry budget is spent, it
// returns a *ProviderUnavailableError.
func WithFailover[T any](ctx context.Context, f *Failover, scope Scope, op Operation[T]) (T, Provider, error) {
	var zero T
	log := util.Log(ctx)

	tried := make(map[Provider]struct{}, f.policy.MaxRetries)
	attempted := make([]Provider, 0, f.policy.MaxRetries)
	var (
		lastErr  error
		previous Provider
	)

	for attempt := 0; attempt < f.policy.MaxRetries; attempt++ {
		provider, ok := f.registry.NextHealthy(tried)
		if !ok {
			log.Warn("no healthy provider left",
				"request_id", scope.RequestID,
				"stage", scope.Stage,
				"attempted", attempted,
			)
			return zero, "", &ProviderUnavailableError{Attempted: attempted, LastErr: lastErr}
		}

		if attempt > 0 {
			f.emit(ctx, AttemptEvent{
				Scope:      scope,
				Provider:   previous,
				Type:       EventFailover,
				Attempt:    attempt,
				FailoverTo: provider,
			})
			if err := f.sleep(ctx, f.policy.Backoff(attempt-1)); err != nil {
				return zero, "", &ProviderUnavailableError{Attempted: attempted, LastErr: err}
			}
		}

		tried[provider] = struct{}{}
		attempted = append(attempted, provider)

		start := time.Now()
		result, err := op(ctx, provider)
		elapsed := time.Since(start)

		if err == nil {
			f.registry.RecordSuccess(provider)
			f.emit(ctx, AttemptEvent{
				Scope:        scope,
				Provider:     provider,
				Type:         EventSuccess,
				Attempt:      attempt,
				ResponseTime: elapsed,
			})
			return result, provider, nil
		}

		lastErr = err
		health := f.registry.RecordFailure(provider)
		code := Classify(err)
		var invErr *InvocationError
		if errors.As(err, &invErr) {
			code = invErr.Code
		}

		log.WithError(err).Warn("provider attempt failed",
			"request_id", scope.RequestID,
			"stage", scope.Stage,
			"provider", provider,
			"code", code,
			"attempt", attempt+1,
			"consecutive_failures", health.ConsecutiveFailures,
			"healthy", health.IsHealthy,
		)
		f.emit(ctx, AttemptEvent{
			Scope:        scope,
			Provider:     provider,
			Type:         EventFailure,
			Attempt:      attempt,
			ErrorCode:    code,
			ErrorMessage: err.Error(),
			ResponseTime: elapsed,
		})
		previous = provider
	}

	return zero, "", &ProviderUnavailableError{Attempted: attempted, LastErr: lastErr}
}

func (f *Failover) emit(ctx context.Context, event AttemptEvent) {
	event.Timestamp = time.Now().UTC()
	for _, o := range f.observers {
		o.ObserveAttempt(ctx, event)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
