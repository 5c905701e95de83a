// Package observability exposes the Prometheus counters and gauges the
// arbiter, cache, session manager, and tournament engine update as they
// run. A single Metrics struct is constructed once at startup and passed
// down via constructor injection; nothing here is a package-level
// global.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects every counter/gauge/histogram this server reports.
//
// Usage:
//
//	m := observability.NewMetrics()
//	m.ProviderAttempt("primary", "success")
//	defer m.ProviderDuration("primary").Observe(time.Since(start).Seconds())
type Metrics struct {
	// ProviderAttempts counts arbiter attempts by provider and outcome
	// (success|retryable-failure|terminal-failure).
	// Labels: provider, outcome
	ProviderAttempts *prometheus.CounterVec

	// ProviderDurationSeconds measures per-provider analyze latency.
	// Labels: provider
	ProviderDurationSeconds *prometheus.HistogramVec

	// ArbiterFallbacks counts requests where a non-primary provider
	// ultimately served the result.
	ArbiterFallbacks prometheus.Counter

	// CircuitOpens counts circuit-breaker opens by provider.
	// Labels: provider
	CircuitOpens *prometheus.CounterVec

	// AllProvidersFailed counts requests that exhausted every candidate.
	AllProvidersFailed prometheus.Counter

	// CacheHits / CacheMisses / CacheEvictions track reasoning cache
	// effectiveness.
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter

	// CacheEntries / CacheBytes are gauges sampled after each Put/Sweep.
	CacheEntries prometheus.Gauge
	CacheBytes   prometheus.Gauge

	// SessionsStarted / SessionsFinalized / SessionsExpired count session
	// lifecycle transitions.
	SessionsStarted   prometheus.Counter
	SessionsFinalized prometheus.Counter
	SessionsExpired   prometheus.Counter

	// ActiveSessions is a gauge of the store's current session count.
	ActiveSessions prometheus.Gauge

	// TournamentRounds counts completed rounds across every tournament.
	TournamentRounds prometheus.Counter

	// TournamentEliminations counts hypothesis eliminations.
	TournamentEliminations prometheus.Counter

	// TournamentCompletions counts tournaments reaching a terminal
	// state, by outcome (complete|failed).
	// Labels: outcome
	TournamentCompletions *prometheus.CounterVec

	// ToolInvocations counts dispatcher tool calls by tool name and
	// outcome (success|error).
	// Labels: tool, outcome
	ToolInvocations *prometheus.CounterVec

	// ToolDurationSeconds measures dispatcher tool call latency.
	// Labels: tool
	ToolDurationSeconds *prometheus.HistogramVec
}

// NewMetrics constructs and registers every metric with the default
// Prometheus registry. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		ProviderAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reasoning_provider_attempts_total",
				Help: "Total number of provider analyze attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		ProviderDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reasoning_provider_duration_seconds",
				Help:    "Duration of provider analyze calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		),
		ArbiterFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reasoning_arbiter_fallbacks_total",
			Help: "Total number of requests served by a non-primary provider",
		}),
		CircuitOpens: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reasoning_circuit_opens_total",
				Help: "Total number of circuit-breaker opens by provider",
			},
			[]string{"provider"},
		),
		AllProvidersFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reasoning_all_providers_failed_total",
			Help: "Total number of requests where every candidate provider failed",
		}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reasoning_cache_hits_total",
			Help: "Total number of reasoning cache hits",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reasoning_cache_misses_total",
			Help: "Total number of reasoning cache misses",
		}),
		CacheEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reasoning_cache_evictions_total",
			Help: "Total number of reasoning cache evictions",
		}),
		CacheEntries: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "reasoning_cache_entries",
			Help: "Current number of reasoning cache entries",
		}),
		CacheBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "reasoning_cache_bytes",
			Help: "Current estimated byte size of the reasoning cache",
		}),
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reasoning_sessions_started_total",
			Help: "Total number of conversational sessions started",
		}),
		SessionsFinalized: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reasoning_sessions_finalized_total",
			Help: "Total number of conversational sessions finalized",
		}),
		SessionsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reasoning_sessions_expired_total",
			Help: "Total number of conversational sessions expired by the TTL sweep",
		}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "reasoning_active_sessions",
			Help: "Current number of live conversational sessions",
		}),
		TournamentRounds: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reasoning_tournament_rounds_total",
			Help: "Total number of tournament rounds run",
		}),
		TournamentEliminations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reasoning_tournament_eliminations_total",
			Help: "Total number of hypotheses eliminated across all tournaments",
		}),
		TournamentCompletions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reasoning_tournament_completions_total",
				Help: "Total number of tournaments reaching a terminal state by outcome",
			},
			[]string{"outcome"},
		),
		ToolInvocations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reasoning_tool_invocations_total",
				Help: "Total number of dispatcher tool invocations by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		ToolDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reasoning_tool_duration_seconds",
				Help:    "Duration of dispatcher tool invocations in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
	}
}

// ProviderAttempt records one arbiter attempt against a named provider.
func (m *Metrics) ProviderAttempt(provider, outcome string) {
	m.ProviderAttempts.WithLabelValues(provider, outcome).Inc()
}

// ProviderDuration returns the observer for a provider's analyze latency.
func (m *Metrics) ProviderDuration(provider string) prometheus.Observer {
	return m.ProviderDurationSeconds.WithLabelValues(provider)
}

// CircuitOpened records a circuit-breaker open for the named provider.
func (m *Metrics) CircuitOpened(provider string) {
	m.CircuitOpens.WithLabelValues(provider).Inc()
}

// ToolInvocation records one dispatcher tool call.
func (m *Metrics) ToolInvocation(tool, outcome string) {
	m.ToolInvocations.WithLabelValues(tool, outcome).Inc()
}

// ToolDuration returns the observer for a tool's invocation latency.
func (m *Metrics) ToolDuration(tool string) prometheus.Observer {
	return m.ToolDurationSeconds.WithLabelValues(tool)
}

// TournamentCompletion records a tournament reaching complete or failed.
func (m *Metrics) TournamentCompletion(outcome string) {
	m.TournamentCompletions.WithLabelValues(outcome).Inc()
}
