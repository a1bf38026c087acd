// Package metrics exposes Prometheus collectors for comparisons, council runs
// and provider attempts.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/antinvestor/parity/internal/comparator"
	"github.com/antinvestor/parity/internal/llm"
)

const namespace = "parity"

// Comparison outcomes.
const (
	OutcomeIdentical  = "identical"
	OutcomeDifferent  = "different"
	OutcomeIncomplete = "incomplete"
)

// Metrics groups every collector on one registry.
type Metrics struct {
	registry *prometheus.Registry

	comparisons     *prometheus.CounterVec
	comparatorFlags *prometheus.CounterVec
	councilRuns     *prometheus.CounterVec
	stageFallbacks  *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	attemptLatency  *prometheus.HistogramVec
	providerHealthy *prometheus.GaugeVec
	rateLimited     prometheus.Counter
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		comparisons: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "comparisons_total",
			Help:      "Total number of replay comparisons by outcome.",
		}, []string{"outcome"}),
		comparatorFlags: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "comparator_flags_total",
			Help:      "Total number of flags raised on replay reports.",
		}, []string{"flag"}),
		councilRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "council_runs_total",
			Help:      "Total number of finished council runs by terminal status and label.",
		}, []string{"status", "label"}),
		stageFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "council_stage_fallbacks_total",
			Help:      "Total number of stage opinions produced by the rule-based fallback.",
		}, []string{"stage"}),
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Total number of provider attempt events.",
		}, []string{"provider", "stage", "event"}),
		attemptLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_attempt_seconds",
			Help:      "Latency distribution of provider attempts.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}, []string{"provider", "event"}),
		providerHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_healthy",
			Help:      "Whether a provider is currently considered healthy (1/0).",
		}, []string{"provider"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Total number of API requests rejected by the rate limiter.",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveReport counts a finished comparison.
func (m *Metrics) ObserveReport(report *comparator.ReplayReport) {
	switch {
	case report.Incomplete():
		m.comparisons.WithLabelValues(OutcomeIncomplete).Inc()
	case report.Difference.IsEmpty():
		m.comparisons.WithLabelValues(OutcomeIdentical).Inc()
	default:
		m.comparisons.WithLabelValues(OutcomeDifferent).Inc()
	}
	for _, f := range report.Flags {
		m.comparatorFlags.WithLabelValues(string(f)).Inc()
	}
}

// ObserveRun counts a council run reaching a terminal status. label is empty
// for failed runs.
func (m *Metrics) ObserveRun(status, label string) {
	m.councilRuns.WithLabelValues(status, label).Inc()
}

// ObserveFallback counts a stage that fell back to its rule-based opinion.
func (m *Metrics) ObserveFallback(stage string) {
	m.stageFallbacks.WithLabelValues(stage).Inc()
}

// ObserveRateLimited counts a rejected API request.
func (m *Metrics) ObserveRateLimited() {
	m.rateLimited.Inc()
}

// SyncHealth copies a registry snapshot into the health gauge.
func (m *Metrics) SyncHealth(snapshot []llm.ProviderHealth) {
	for _, h := range snapshot {
		v := 0.0
		if h.IsHealthy {
			v = 1
		}
		m.providerHealthy.WithLabelValues(string(h.Provider)).Set(v)
	}
}

// AttemptObserver returns an observer feeding the attempt collectors. The
// registry is read after every event so the health gauge tracks it.
func (m *Metrics) AttemptObserver(registry *llm.Registry) llm.AttemptObserver {
	return llm.AttemptObserverFunc(func(_ context.Context, e llm.AttemptEvent) {
		m.attempts.WithLabelValues(string(e.Provider), e.Scope.Stage, string(e.Type)).Inc()
		if e.Type != llm.EventFailover {
			m.attemptLatency.WithLabelValues(string(e.Provider), string(e.Type)).Observe(e.ResponseTime.Seconds())
		}
		if registry != nil {
			m.SyncHealth(registry.Snapshot())
		}
	})
}
