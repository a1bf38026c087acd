package config

import (
	"time"

	"github.com/pitabwire/frame/config"

	"github.com/antinvestor/parity/internal/comparator"
)

// ReplayerConfig defines configuration for the replayer service and the
// replayctl command. The replayer sends the same payload to the legacy and
// headless implementations, diffs the answers and hands interesting reports
// to the council.
type ReplayerConfig struct {
	config.ConfigurationDefault

	// ==========================================================================
	// Compared Endpoints
	// ==========================================================================

	// LegacyURL is the reference implementation endpoint.
	LegacyURL string `envDefault:"http://localhost:8081/api/v1/quote" env:"LEGACY_URL"`

	// HeadlessURL is the candidate implementation endpoint.
	HeadlessURL string `envDefault:"http://localhost:8082/api/v1/quote" env:"HEADLESS_URL"`

	// RequestTimeout bounds each endpoint call.
	RequestTimeout time.Duration `envDefault:"3s" env:"REPLAY_REQUEST_TIMEOUT"`

	// RetryInterval is the pause between failed candidate attempts.
	RetryInterval time.Duration `envDefault:"250ms" env:"REPLAY_RETRY_INTERVAL"`

	// DefaultRetries is used when a replay request names no retry count.
	DefaultRetries int `envDefault:"3" env:"REPLAY_DEFAULT_RETRIES"`

	// RegressionRatio flags candidates slower than ratio times the reference.
	RegressionRatio float64 `envDefault:"1.5" env:"REPLAY_REGRESSION_RATIO"`

	// MaxResponseBytes caps how much of each response body is read.
	MaxResponseBytes int64 `envDefault:"4194304" env:"REPLAY_MAX_RESPONSE_BYTES"` // 4MB

	// ==========================================================================
	// Council Trigger
	// ==========================================================================

	// TriggerCouncil submits reports with differences or flags for analysis.
	TriggerCouncil bool `envDefault:"true" env:"TRIGGER_COUNCIL"`

	// OrchestratorURL is the base URL of the orchestrator RPC endpoint.
	OrchestratorURL string `envDefault:"http://localhost:8080" env:"ORCHESTRATOR_URL"`

	// ==========================================================================
	// HTTP API
	// ==========================================================================

	// MaxRequestBodyBytes caps replay request bodies.
	MaxRequestBodyBytes int64 `envDefault:"1048576" env:"MAX_REQUEST_BODY_BYTES"` // 1MB
}

// ComparatorConfig returns the comparator settings.
func (c *ReplayerConfig) ComparatorConfig() comparator.Config {
	cfg := comparator.DefaultConfig()
	if c.RequestTimeout > 0 {
		cfg.RequestTimeout = c.RequestTimeout
	}
	if c.RetryInterval >= 0 {
		cfg.RetryInterval = c.RetryInterval
	}
	if c.RegressionRatio > 0 {
		cfg.RegressionRatio = c.RegressionRatio
	}
	if c.MaxResponseBytes > 0 {
		cfg.MaxBodyBytes = c.MaxResponseBytes
	}
	return cfg
}
