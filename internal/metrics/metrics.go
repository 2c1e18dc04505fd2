// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the supervision and orchestration core:
// - Provider health probe results and latency
// - Orchestrator routing, retries, fallbacks, and cache efficiency
// - Watchdog restart activity and alerting
// - Process supervisor state transitions
// - Service registry size

var (
	// Provider health metrics
	ProviderAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maestro_provider_available",
			Help: "Whether a provider is currently considered available (1) or not (0)",
		},
		[]string{"provider"},
	)

	ProviderConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maestro_provider_consecutive_failures",
			Help: "Current count of consecutive failed health probes per provider",
		},
		[]string{"provider"},
	)

	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_health_probe_duration_seconds",
			Help:    "Duration of provider health probes in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "outcome"}, // outcome: success, failure
	)

	AutoRecoveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_auto_recovery_attempts_total",
			Help: "Total number of remote repair requests issued by the health monitor",
		},
		[]string{"provider", "outcome"}, // outcome: repaired, failed
	)

	// Orchestrator metrics
	OrchestratorRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_orchestrator_requests_total",
			Help: "Total orchestrated requests by kind, provider, and outcome",
		},
		[]string{"kind", "provider", "outcome"}, // outcome: success, failure
	)

	OrchestratorFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_orchestrator_fallbacks_total",
			Help: "Total requests that fell back to the secondary provider",
		},
		[]string{"kind", "from", "to"},
	)

	OrchestratorRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_orchestrator_retries_total",
			Help: "Total retry attempts against providers",
		},
		[]string{"kind", "provider"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_request_duration_seconds",
			Help:    "End-to-end orchestrated request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"kind", "provider"},
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_response_cache_hits_total",
			Help: "Total number of response cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_response_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	BudgetRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_budget_rejections_total",
			Help: "Total requests rejected because the daily spend ceiling was exceeded",
		},
	)

	DailySpend = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maestro_daily_spend_usd",
			Help: "Accumulated cloud provider spend for the current day in USD",
		},
	)

	// Circuit breaker metrics (cloud provider)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maestro_circuit_breaker_state",
			Help: "Circuit breaker state: 0=closed, 1=half-open, 2=open",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Watchdog metrics
	WatchdogRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_watchdog_restarts_total",
			Help: "Total restart attempts by the watchdog per service and outcome",
		},
		[]string{"service", "outcome"}, // outcome: recovered, failed
	)

	WatchdogAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_watchdog_alerts_total",
			Help: "Total alerts emitted by the watchdog per severity",
		},
		[]string{"service", "severity"},
	)

	WatchdogServiceHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maestro_watchdog_service_healthy",
			Help: "Whether a watchdog-managed service is currently healthy (1) or not (0)",
		},
		[]string{"service"},
	)

	// Process supervisor metrics
	SupervisorState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maestro_supervisor_state",
			Help: "Current process supervisor state as an enum value",
		},
		[]string{"service", "state"},
	)

	SupervisorRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_supervisor_restarts_total",
			Help: "Total restarts performed by the process supervisor",
		},
	)

	// Registry metrics
	RegistryServices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maestro_registry_services",
			Help: "Current number of registered services",
		},
	)

	RegistryPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_registry_pruned_total",
			Help: "Total stale registry rows removed by the janitor",
		},
	)

	// HTTP API metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// ObserveProbe records a single health probe result.
func ObserveProbe(provider string, d time.Duration, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	ProbeDuration.WithLabelValues(provider, outcome).Observe(d.Seconds())
}

// SetSupervisorState sets the state gauge so that exactly one state label
// has value 1 for the given service.
func SetSupervisorState(service, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1.0
		}
		SupervisorState.WithLabelValues(service, s).Set(v)
	}
}
