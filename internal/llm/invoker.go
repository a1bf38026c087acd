package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/util"
)

// DefaultInvocationTimeout bounds a single model call.
const DefaultInvocationTimeout = 10 * time.Second

// Invoker performs exactly one model call against one provider.
type Invoker interface {
	Invoke(ctx context.Context, provider Provider, req *InvocationRequest) (string, error)
}

// Backend binds a registry provider id to its client and model.
type Backend struct {
	Provider Provider
	Model    string
	Client   ProviderClient
}

// ModelInvoker dispatches calls to the backend registered for a provider.
type ModelInvoker struct {
	backends map[Provider]Backend
	timeout  time.Duration
}

// NewModelInvoker creates an invoker over the given backends.
func NewModelInvoker(timeout time.Duration, backends ...Backend) *ModelInvoker {
	if timeout <= 0 {
		timeout = DefaultInvocationTimeout
	}
	m := &ModelInvoker{
		backends: make(map[Provider]Backend, len(backends)),
		timeout:  timeout,
	}
	for _, b := range backends {
		m.backends[b.Provider] = b
	}
	return m
}

// Invoke sends the messages to provider and returns the reply text. Every
// failure, including timeouts and empty replies, is an *InvocationError.
// No retries are made here.
func (m *ModelInvoker) Invoke(ctx context.Context, provider Provider, req *InvocationRequest) (string, error) {
	backend, ok := m.backends[provider]
	if !ok || backend.Client == nil {
		return "", &InvocationError{
			Provider: provider,
			Code:     CodeUnknown,
			Message:  ErrUnknownProvider.Error(),
			Err:      ErrUnknownProvider,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	resp, err := backend.Client.Complete(ctx, &CompletionRequest{
		Model:       backend.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		invErr := NewInvocationError(provider, err)
		util.Log(ctx).WithError(err).Debug("model invocation failed",
			"provider", provider,
			"code", invErr.Code,
			"elapsed", time.Since(start),
		)
		return "", invErr
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", NewInvocationError(provider, ErrEmptyResponse)
	}
	return resp.Content, nil
}
