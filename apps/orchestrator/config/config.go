package config

import (
	"time"

	"github.com/pitabwire/frame/config"

	"github.com/antinvestor/parity/internal/inflight"
	"github.com/antinvestor/parity/internal/llm"
)

// OrchestratorConfig defines configuration for the orchestrator service.
// The orchestrator accepts replay reports, runs the three stage council
// over them and serves the resulting records.
type OrchestratorConfig struct {
	config.ConfigurationDefault

	// UseMemoryStore keeps records and reliability logs in process instead of
	// the database. Records do not survive a restart.
	UseMemoryStore bool `envDefault:"false" env:"USE_MEMORY_STORE"`

	// ==========================================================================
	// Queue Configuration
	// ==========================================================================

	// Analysis job queue (published by the analyze endpoint, consumed here)
	QueueAnalysisName string `envDefault:"parity.analysis" env:"QUEUE_ANALYSIS_NAME"`
	QueueAnalysisURI  string `envDefault:"mem://parity.analysis" env:"QUEUE_ANALYSIS_URI"`

	// ==========================================================================
	// Model Providers
	// ==========================================================================

	// ProviderSpecs lists "id=kind:model" entries in failover priority order.
	ProviderSpecs string `envDefault:"qwen=huggingface:Qwen/Qwen2.5-7B-Instruct,phi3=huggingface:microsoft/Phi-3-medium-4k-instruct,mistral=huggingface:mistralai/Mistral-7B-Instruct-v0.3" env:"PROVIDER_SPECS"`

	HuggingFaceToken   string `env:"HF_TOKEN"`
	HuggingFaceBaseURL string `env:"HF_BASE_URL"`
	OpenAIAPIKey       string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL      string `env:"OPENAI_BASE_URL"`
	AnthropicAPIKey    string `env:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL   string `env:"ANTHROPIC_BASE_URL"`
	GoogleAPIKey       string `env:"GOOGLE_API_KEY"`
	GoogleBaseURL      string `env:"GOOGLE_BASE_URL"`
	OllamaBaseURL      string `env:"OLLAMA_BASE_URL"`

	// InvocationTimeout bounds a single model call.
	InvocationTimeout time.Duration `envDefault:"10s" env:"INVOCATION_TIMEOUT"`

	// TransportTimeoutSeconds bounds one HTTP exchange inside a provider client.
	TransportTimeoutSeconds int `envDefault:"30" env:"LLM_TRANSPORT_TIMEOUT_SECONDS"`

	// MaxOutputTokens is the per stage completion budget.
	MaxOutputTokens int `envDefault:"512" env:"LLM_MAX_OUTPUT_TOKENS"`

	// RegressionRatio flags candidates slower than ratio times the reference
	// when submitted reports are re-derived.
	RegressionRatio float64 `envDefault:"1.5" env:"REPLAY_REGRESSION_RATIO"`

	// ==========================================================================
	// Failover
	// ==========================================================================

	// FailoverMaxRetries is how many providers one stage may try.
	FailoverMaxRetries int `envDefault:"3" env:"FAILOVER_MAX_RETRIES"`

	// FailoverRetryDelay is the base backoff, doubled after every failure.
	FailoverRetryDelay time.Duration `envDefault:"1s" env:"FAILOVER_RETRY_DELAY"`

	// ==========================================================================
	// In-flight Claims
	// ==========================================================================

	// InFlightBackend is "memory" or "redis".
	InFlightBackend string `envDefault:"memory" env:"INFLIGHT_BACKEND"`

	// InFlightRedisURL is used when the backend is redis.
	InFlightRedisURL string `envDefault:"redis://localhost:6379/0" env:"INFLIGHT_REDIS_URL"`

	// InFlightClaimTTL bounds how long an unreleased claim lives.
	InFlightClaimTTL time.Duration `envDefault:"15m" env:"INFLIGHT_CLAIM_TTL"`

	// ==========================================================================
	// HTTP API
	// ==========================================================================

	// RateLimitRequestsPerMinute limits requests per minute per client.
	RateLimitRequestsPerMinute int `envDefault:"120" env:"RATE_LIMIT_REQUESTS_PER_MINUTE"`

	// RateLimitBurstSize is the burst size for rate limiting.
	RateLimitBurstSize int `envDefault:"20" env:"RATE_LIMIT_BURST_SIZE"`

	// MaxRequestBodyBytes caps analyze request bodies.
	MaxRequestBodyBytes int64 `envDefault:"2097152" env:"MAX_REQUEST_BODY_BYTES"` // 2MB

	// StatusPollInterval is how often the websocket pushes a record.
	StatusPollInterval time.Duration `envDefault:"2s" env:"STATUS_POLL_INTERVAL"`

	// RequireMitigationAuth guards the mitigation endpoint with bearer auth.
	RequireMitigationAuth bool `envDefault:"false" env:"REQUIRE_MITIGATION_AUTH"`

	// AuthRealm is reported in WWW-Authenticate challenges.
	AuthRealm string `envDefault:"parity-council" env:"AUTH_REALM"`
}

// ClaimsConfig returns the in-flight claims backend settings.
func (c *OrchestratorConfig) ClaimsConfig() inflight.Config {
	return inflight.Config{
		Backend:  inflight.BackendType(c.InFlightBackend),
		RedisURL: c.InFlightRedisURL,
	}
}

// Credentials returns the provider credentials.
func (c *OrchestratorConfig) Credentials() llm.Credentials {
	return llm.Credentials{
		HuggingFaceToken:   c.HuggingFaceToken,
		HuggingFaceBaseURL: c.HuggingFaceBaseURL,
		OpenAIAPIKey:       c.OpenAIAPIKey,
		OpenAIBaseURL:      c.OpenAIBaseURL,
		AnthropicAPIKey:    c.AnthropicAPIKey,
		AnthropicBaseURL:   c.AnthropicBaseURL,
		GoogleAPIKey:       c.GoogleAPIKey,
		GoogleBaseURL:      c.GoogleBaseURL,
		OllamaBaseURL:      c.OllamaBaseURL,
	}
}

// ClientConfig returns the provider transport settings.
func (c *OrchestratorConfig) ClientConfig() llm.ClientConfig {
	cfg := llm.DefaultClientConfig()
	if c.TransportTimeoutSeconds > 0 {
		cfg.TimeoutSeconds = c.TransportTimeoutSeconds
	}
	if c.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = c.MaxOutputTokens
	}
	return cfg
}

// FailoverPolicy returns the failover retry policy.
func (c *OrchestratorConfig) FailoverPolicy() llm.FailoverPolicy {
	policy := llm.DefaultFailoverPolicy()
	if c.FailoverMaxRetries > 0 {
		policy.MaxRetries = c.FailoverMaxRetries
	}
	if c.FailoverRetryDelay >= 0 {
		policy.RetryDelay = c.FailoverRetryDelay
	}
	return policy
}

// WorstCaseStageLatency is the longest a single stage can take when every
// attempt times out.
func (c *OrchestratorConfig) WorstCaseStageLatency() time.Duration {
	policy := c.FailoverPolicy()
	timeout := c.InvocationTimeout
	if timeout <= 0 {
		timeout = llm.DefaultInvocationTimeout
	}

	total := time.Duration(0)
	for attempt := range policy.MaxRetries {
		total += timeout
		if attempt < policy.MaxRetries-1 {
			total += policy.Backoff(attempt)
		}
	}
	return total
}
