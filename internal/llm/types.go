// Package llm provides the model-provider layer used by the council: a
// health-tracking provider registry, a single-call model invoker, the
// failover wrapper that composes the two, and one client per backend kind.
package llm

import (
	"context"
	"time"
)

// Provider identifies one configured backend in the registry.
type Provider string

// String returns the provider id.
func (p Provider) String() string {
	return string(p)
}

// Kind identifies the transport a provider is reached through.
type Kind string

// Kind constants.
const (
	KindHuggingFace Kind = "huggingface"
	KindOpenAI      Kind = "openai"
	KindAnthropic   Kind = "anthropic"
	KindGoogle      Kind = "google"
	KindOllama      Kind = "ollama"
)

// Role tags a message block.
type Role string

// Role constants.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged block of prompt text.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SystemMessage builds a system block.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user block.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// InvocationRequest is the provider-agnostic input of one model call.
type InvocationRequest struct {
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// CompletionRequest is what a ProviderClient receives. Model is filled in
// from the provider's configuration.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Usage contains token usage information.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// CompletionResponse is a backend reply.
type CompletionResponse struct {
	Content   string `json:"content"`
	Usage     Usage  `json:"usage"`
	RequestID string `json:"request_id,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// ProviderClient is implemented by each backend transport.
type ProviderClient interface {
	// Complete sends one completion request. Implementations must not retry.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Kind returns the transport kind.
	Kind() Kind

	// IsAvailable reports whether the client is configured for use.
	IsAvailable() bool
}

// ClientConfig holds transport settings shared by all provider clients.
type ClientConfig struct {
	// TimeoutSeconds bounds one HTTP exchange at the transport level.
	TimeoutSeconds int

	// MaxOutputTokens is used when a request does not set MaxTokens.
	MaxOutputTokens int
}

// DefaultClientConfig returns the standard transport settings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		TimeoutSeconds:  30,
		MaxOutputTokens: 512,
	}
}

func (c ClientConfig) timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}
