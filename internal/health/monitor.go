// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

// Package health implements the provider health monitor.
//
// The monitor probes each provider's health endpoint on a fixed sweep
// interval, demotes a provider to unavailable only after a run of
// consecutive failures, and asks the remote watchdog to repair local
// providers whose failure count keeps climbing. Health signals are
// best-effort and eventually consistent; a few seconds of stale state
// after a transition is acceptable.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/averled/maestro/internal/logging"
	"github.com/averled/maestro/internal/metrics"
)

// DefaultFailureThreshold is the consecutive-failure count at which a
// provider is demoted to unavailable. Sub-threshold failures keep the
// provider flagged available so a single slow probe doesn't cause
// flapping.
const DefaultFailureThreshold = 3

// ProviderHealth is the monitor's view of one logical provider. Values
// are snapshots; the monitor owns the authoritative state.
type ProviderHealth struct {
	Name                string    `json:"name"`
	Available           bool      `json:"available"`
	LastCheck           time.Time `json:"lastCheck"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LatencyMs           int64     `json:"latencyMs"`
	Error               string    `json:"error,omitempty"`
}

// Target describes one provider endpoint to monitor.
type Target struct {
	// Name is the provider's logical name.
	Name string
	// HealthURL is probed with GET; any 2xx is healthy.
	HealthURL string
	// Local marks providers eligible for watchdog auto-recovery.
	Local bool
	// WatchdogService is the managed-service name the watchdog knows
	// this provider by.
	WatchdogService string
}

// Repairer requests a remote repair of a managed service. Implemented by
// the watchdog HTTP client.
type Repairer interface {
	// Repair returns whether the service reports being online after the
	// repair attempt.
	Repair(ctx context.Context, service string) (online bool, err error)
}

// Options configure a Monitor.
type Options struct {
	// Interval between full sweeps. Default: 30s
	Interval time.Duration
	// ProbeTimeout bounds each health probe. Default: 5s
	ProbeTimeout time.Duration
	// FailureThreshold demotes a provider after this many consecutive
	// failures. Default: 3
	FailureThreshold int
	// Repairer handles auto-recovery of local providers. Nil disables
	// auto-recovery.
	Repairer Repairer
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
}

// Monitor polls provider health endpoints and maintains per-provider
// status. All state mutation happens under mu; the public accessors
// return copies.
type Monitor struct {
	opts       Options
	httpClient *http.Client

	mu      sync.RWMutex
	targets map[string]Target
	state   map[string]*ProviderHealth
}

// NewMonitor creates a monitor for the given targets. Every provider
// starts unavailable until its first successful probe.
func NewMonitor(targets []Target, opts Options) *Monitor {
	opts.applyDefaults()

	m := &Monitor{
		opts: opts,
		httpClient: &http.Client{
			Timeout: opts.ProbeTimeout,
		},
		targets: make(map[string]Target, len(targets)),
		state:   make(map[string]*ProviderHealth, len(targets)),
	}
	for _, t := range targets {
		m.targets[t.Name] = t
		m.state[t.Name] = &ProviderHealth{Name: t.Name}
		metrics.ProviderAvailable.WithLabelValues(t.Name).Set(0)
		metrics.ProviderConsecutiveFailures.WithLabelValues(t.Name).Set(0)
	}
	return m
}

// CheckProvider probes one provider and updates its stored state.
func (m *Monitor) CheckProvider(ctx context.Context, name string) (*ProviderHealth, error) {
	m.mu.RLock()
	target, ok := m.targets[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}

	latency, probeErr := m.probe(ctx, target.HealthURL)
	metrics.ObserveProbe(name, latency, probeErr == nil)

	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.state[name]
	h.LastCheck = time.Now()
	h.LatencyMs = latency.Milliseconds()

	if probeErr != nil {
		h.ConsecutiveFailures++
		h.Error = probeErr.Error()
		if h.ConsecutiveFailures >= m.opts.FailureThreshold {
			if h.Available {
				logging.Warn().
					Str("provider", name).
					Int("consecutive_failures", h.ConsecutiveFailures).
					Str("error", h.Error).
					Msg("Provider demoted to unavailable")
			}
			h.Available = false
		}
	} else {
		wasUnavailable := !h.Available
		h.ConsecutiveFailures = 0
		h.Error = ""
		h.Available = true
		if wasUnavailable {
			logging.Info().
				Str("provider", name).
				Int64("latency_ms", h.LatencyMs).
				Msg("Provider auto-recovered")
		}
	}

	m.exportMetrics(name, h)
	cp := *h
	return &cp, nil
}

// CheckAll probes all providers concurrently, then runs the auto-recovery
// pass strictly after every probe of the sweep has completed.
func (m *Monitor) CheckAll(ctx context.Context) map[string]*ProviderHealth {
	m.mu.RLock()
	names := make([]string, 0, len(m.targets))
	for name := range m.targets {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if _, err := m.CheckProvider(ctx, name); err != nil {
				logging.Warn().Err(err).Str("provider", name).Msg("Health probe failed to run")
			}
		}(name)
	}
	wg.Wait()

	m.autoRecover(ctx)

	return m.Snapshot()
}

// IsAvailable reports the stored availability of a provider. Unknown
// providers are never available.
func (m *Monitor) IsAvailable(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.state[name]
	return ok && h.Available
}

// Latency returns the last recorded probe latency for a provider.
func (m *Monitor) Latency(name string) (time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.state[name]
	if !ok {
		return 0, false
	}
	return time.Duration(h.LatencyMs) * time.Millisecond, true
}

// ForceCheck probes one provider immediately, outside the sweep schedule.
func (m *Monitor) ForceCheck(ctx context.Context, name string) (*ProviderHealth, error) {
	return m.CheckProvider(ctx, name)
}

// Reset clears a provider's failure state. Operator action: the next
// probe decides availability from a clean slate.
func (m *Monitor) Reset(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.state[name]; ok {
		h.ConsecutiveFailures = 0
		h.Error = ""
		m.exportMetrics(name, h)
		logging.Info().Str("provider", name).Msg("Provider health state reset")
	}
}

// Snapshot returns a copy of all provider states.
func (m *Monitor) Snapshot() map[string]*ProviderHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*ProviderHealth, len(m.state))
	for name, h := range m.state {
		cp := *h
		out[name] = &cp
	}
	return out
}

// Run sweeps every interval until the context is canceled. Intended to
// run as a supervised service.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// autoRecover asks the watchdog to repair local providers whose failure
// count is a positive multiple of the threshold. The multiple-of-threshold
// gating avoids hammering the repair endpoint every sweep while still
// retrying periodically if the first repair attempt failed.
func (m *Monitor) autoRecover(ctx context.Context) {
	if m.opts.Repairer == nil {
		return
	}

	type candidate struct {
		name    string
		service string
	}
	m.mu.RLock()
	var candidates []candidate
	for name, h := range m.state {
		t := m.targets[name]
		if !t.Local || t.WatchdogService == "" {
			continue
		}
		if h.ConsecutiveFailures > 0 && h.ConsecutiveFailures%m.opts.FailureThreshold == 0 {
			candidates = append(candidates, candidate{name: name, service: t.WatchdogService})
		}
	}
	m.mu.RUnlock()

	for _, c := range candidates {
		logging.Info().
			Str("provider", c.name).
			Str("service", c.service).
			Msg("Requesting remote repair")

		online, err := m.opts.Repairer.Repair(ctx, c.service)
		if err != nil {
			metrics.AutoRecoveryAttempts.WithLabelValues(c.name, "failed").Inc()
			logging.Warn().Err(err).Str("provider", c.name).Msg("Remote repair failed")
			continue
		}
		if !online {
			metrics.AutoRecoveryAttempts.WithLabelValues(c.name, "failed").Inc()
			logging.Warn().Str("provider", c.name).Msg("Remote repair did not bring service online")
			continue
		}

		// The repair endpoint reports the service online: clear the
		// failure count immediately instead of waiting for the next
		// sweep. The next scheduled probe re-verifies this optimism.
		m.mu.Lock()
		if h, ok := m.state[c.name]; ok {
			h.ConsecutiveFailures = 0
			h.Error = ""
			h.Available = true
			m.exportMetrics(c.name, h)
		}
		m.mu.Unlock()

		metrics.AutoRecoveryAttempts.WithLabelValues(c.name, "repaired").Inc()
		logging.Info().Str("provider", c.name).Msg("Provider repaired by watchdog")
	}
}

// probe issues one bounded health probe. Timeouts are treated identically
// to connection failures.
func (m *Monitor) probe(ctx context.Context, healthURL string) (time.Duration, error) {
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, healthURL, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return elapsed, fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return elapsed, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return elapsed, nil
}

func (m *Monitor) exportMetrics(name string, h *ProviderHealth) {
	v := 0.0
	if h.Available {
		v = 1.0
	}
	metrics.ProviderAvailable.WithLabelValues(name).Set(v)
	metrics.ProviderConsecutiveFailures.WithLabelValues(name).Set(float64(h.ConsecutiveFailures))
}
