// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

// Package watchdog implements the per-host service orchestrator that runs
// on the machine owning the local AI services. It probes each managed
// service, restarts services that stay unhealthy past a threshold, bounds
// restarts per service with a cooldown, and escalates to a critical alert
// when the restart budget is exhausted. A service escalated to critical
// is never restarted again until an operator calls Reset.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/averled/maestro/internal/logging"
	"github.com/averled/maestro/internal/metrics"
)

// Watchdog errors
var (
	// ErrUnknownService indicates the service is not in the managed table.
	ErrUnknownService = errors.New("service is not managed by this watchdog")

	// ErrMaxRestartsExceeded indicates the service's restart budget is
	// exhausted; only an operator reset re-arms it.
	ErrMaxRestartsExceeded = errors.New("max restarts exceeded, operator reset required")

	// ErrCooldownActive indicates a restart was attempted too soon after
	// the previous one.
	ErrCooldownActive = errors.New("restart cooldown active")
)

// ManagedService is one static row of the watchdog's service table.
type ManagedService struct {
	Name           string
	HealthCheckURL string
	StartCmd       string
	StopCmd        string
	MaxRestarts    int
	// StartDelay is the service's declared cold-start delay, waited after
	// the start command before re-probing.
	StartDelay time.Duration
}

// ServiceState is a snapshot of one managed service's runtime state.
type ServiceState struct {
	Name           string     `json:"name"`
	Healthy        bool       `json:"healthy"`
	UnhealthySince *time.Time `json:"unhealthySince,omitempty"`
	RestartCount   int        `json:"restartCount"`
	LastRestart    *time.Time `json:"lastRestart,omitempty"`
	Critical       bool       `json:"critical"`
	LastError      string     `json:"lastError,omitempty"`
}

// CommandRunner executes start/stop commands. The default implementation
// shells out; tests substitute a recorder.
type CommandRunner interface {
	Run(ctx context.Context, command string) error
}

// ShellRunner runs commands through the shell with a bounded timeout.
type ShellRunner struct {
	Timeout time.Duration
}

// Run executes the command via sh -c.
func (r ShellRunner) Run(ctx context.Context, command string) error {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("command %q failed: %w (output: %s)", command, err, string(out))
	}
	return nil
}

// Options configure a Watchdog.
type Options struct {
	// SweepInterval is how often each service is probed. Default: 15s
	SweepInterval time.Duration
	// ProbeTimeout bounds each health probe. Default: 5s
	ProbeTimeout time.Duration
	// UnhealthyThreshold is how long a service must stay unhealthy before
	// the first restart attempt. Default: 30s
	UnhealthyThreshold time.Duration
	// CooldownPeriod is the minimum interval between restart attempts for
	// the same service. Default: 5m
	CooldownPeriod time.Duration
	// SettleDelay is waited between stop and start. Default: 3s
	SettleDelay time.Duration
	// Runner executes start/stop commands. Default: ShellRunner.
	Runner CommandRunner
	// Alerter receives state-change alerts. Nil disables alerting.
	Alerter Alerter
}

func (o *Options) applyDefaults() {
	if o.SweepInterval <= 0 {
		o.SweepInterval = 15 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.UnhealthyThreshold <= 0 {
		o.UnhealthyThreshold = 30 * time.Second
	}
	if o.CooldownPeriod <= 0 {
		o.CooldownPeriod = 5 * time.Minute
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = 3 * time.Second
	}
	if o.Runner == nil {
		o.Runner = ShellRunner{}
	}
}

// serviceEntry pairs a static table row with its runtime state.
type serviceEntry struct {
	cfg   ManagedService
	state ServiceState
}

// Watchdog supervises the managed services of one host.
type Watchdog struct {
	opts       Options
	httpClient *http.Client

	mu       sync.Mutex
	services map[string]*serviceEntry
}

// New creates a watchdog for the given service table.
func New(services []ManagedService, opts Options) *Watchdog {
	opts.applyDefaults()

	w := &Watchdog{
		opts: opts,
		httpClient: &http.Client{
			Timeout: opts.ProbeTimeout,
		},
		services: make(map[string]*serviceEntry, len(services)),
	}
	for _, svc := range services {
		w.services[svc.Name] = &serviceEntry{
			cfg:   svc,
			state: ServiceState{Name: svc.Name},
		}
		metrics.WatchdogServiceHealthy.WithLabelValues(svc.Name).Set(0)
	}
	return w
}

// Run sweeps all services on the sweep interval until the context is
// canceled. Intended to run as a supervised service.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep probes every managed service once and restarts those that have
// been unhealthy past the threshold.
func (w *Watchdog) Sweep(ctx context.Context) {
	w.mu.Lock()
	names := make([]string, 0, len(w.services))
	for name := range w.services {
		names = append(names, name)
	}
	w.mu.Unlock()

	for _, name := range names {
		w.sweepService(ctx, name)
	}
}

func (w *Watchdog) sweepService(ctx context.Context, name string) {
	w.mu.Lock()
	entry, ok := w.services[name]
	if !ok {
		w.mu.Unlock()
		return
	}
	cfg := entry.cfg
	w.mu.Unlock()

	healthy := w.probe(ctx, cfg.HealthCheckURL)
	now := time.Now()

	w.mu.Lock()
	wasUnhealthy := entry.state.UnhealthySince != nil
	hadRestarted := entry.state.RestartCount > 0
	if healthy {
		entry.state.Healthy = true
		entry.state.UnhealthySince = nil
		entry.state.LastError = ""
		metrics.WatchdogServiceHealthy.WithLabelValues(name).Set(1)
		state := entry.state
		w.mu.Unlock()

		if wasUnhealthy && hadRestarted {
			w.alert(ctx, name, SeverityRecovered, "service recovered", state)
		}
		return
	}

	entry.state.Healthy = false
	metrics.WatchdogServiceHealthy.WithLabelValues(name).Set(0)
	if entry.state.UnhealthySince == nil {
		t := now
		entry.state.UnhealthySince = &t
	}
	unhealthyFor := now.Sub(*entry.state.UnhealthySince)
	w.mu.Unlock()

	if unhealthyFor < w.opts.UnhealthyThreshold {
		return
	}

	if err := w.restart(ctx, name); err != nil {
		switch {
		case errors.Is(err, ErrCooldownActive):
			logging.Debug().Str("service", name).Msg("Restart skipped, cooldown active")
		case errors.Is(err, ErrMaxRestartsExceeded):
			// critical alert already fired by restart()
		default:
			logging.Warn().Err(err).Str("service", name).Msg("Restart attempt failed")
		}
	}
}

// restart performs one bounded restart attempt: stop (best-effort),
// settle, start, wait the declared cold-start delay, re-probe.
func (w *Watchdog) restart(ctx context.Context, name string) error {
	w.mu.Lock()
	entry, ok := w.services[name]
	if !ok {
		w.mu.Unlock()
		return ErrUnknownService
	}
	cfg := entry.cfg

	if entry.state.Critical {
		w.mu.Unlock()
		return ErrMaxRestartsExceeded
	}
	if entry.state.LastRestart != nil && time.Since(*entry.state.LastRestart) < w.opts.CooldownPeriod {
		w.mu.Unlock()
		return ErrCooldownActive
	}
	if entry.state.RestartCount >= cfg.MaxRestarts {
		// Budget exhausted: escalate exactly once and disarm.
		entry.state.Critical = true
		state := entry.state
		w.mu.Unlock()

		logging.Error().
			Str("service", name).
			Int("restart_count", state.RestartCount).
			Str("last_error", state.LastError).
			Msg("Service exceeded max restarts, escalating")
		w.alert(ctx, name, SeverityCritical,
			fmt.Sprintf("service failed %d restarts, operator intervention required", state.RestartCount), state)
		return ErrMaxRestartsExceeded
	}

	now := time.Now()
	entry.state.LastRestart = &now
	entry.state.RestartCount++
	state := entry.state
	w.mu.Unlock()

	logging.Warn().
		Str("service", name).
		Int("attempt", state.RestartCount).
		Int("max_restarts", cfg.MaxRestarts).
		Msg("Restarting unhealthy service")
	w.alert(ctx, name, SeverityWarning, "restarting unhealthy service", state)

	// Stop is best-effort; a crashed service has nothing to stop.
	if cfg.StopCmd != "" {
		if err := w.opts.Runner.Run(ctx, cfg.StopCmd); err != nil {
			logging.Debug().Err(err).Str("service", name).Msg("Stop command failed (ignored)")
		}
	}
	if err := sleepCtx(ctx, w.opts.SettleDelay); err != nil {
		return err
	}

	if err := w.opts.Runner.Run(ctx, cfg.StartCmd); err != nil {
		w.recordRestartOutcome(ctx, name, false, err.Error())
		return fmt.Errorf("start command failed: %w", err)
	}
	if err := sleepCtx(ctx, cfg.StartDelay); err != nil {
		return err
	}

	if w.probe(ctx, cfg.HealthCheckURL) {
		w.recordRestartOutcome(ctx, name, true, "")
		return nil
	}
	w.recordRestartOutcome(ctx, name, false, "service still unhealthy after restart")
	return fmt.Errorf("service %s still unhealthy after restart", name)
}

func (w *Watchdog) recordRestartOutcome(ctx context.Context, name string, recovered bool, reason string) {
	w.mu.Lock()
	entry := w.services[name]
	if recovered {
		entry.state.Healthy = true
		entry.state.UnhealthySince = nil
		entry.state.LastError = ""
	} else {
		entry.state.Healthy = false
		entry.state.LastError = reason
	}
	state := entry.state
	w.mu.Unlock()

	if recovered {
		metrics.WatchdogRestarts.WithLabelValues(name, "recovered").Inc()
		metrics.WatchdogServiceHealthy.WithLabelValues(name).Set(1)
		logging.Info().Str("service", name).Msg("Service recovered after restart")
		w.alert(ctx, name, SeverityRecovered, "service recovered after restart", state)
	} else {
		metrics.WatchdogRestarts.WithLabelValues(name, "failed").Inc()
		logging.Warn().Str("service", name).Str("reason", reason).Msg("Restart did not recover service")
		w.alert(ctx, name, SeverityWarning, "restart failed: "+reason, state)
	}
}

// Repair is the synchronous entry point behind POST /api/watchdog/repair.
// If the service is already healthy it reports online without touching
// it; otherwise it attempts one restart, still subject to the cooldown
// and the restart budget.
func (w *Watchdog) Repair(ctx context.Context, name string) (online bool, err error) {
	w.mu.Lock()
	entry, ok := w.services[name]
	if !ok {
		w.mu.Unlock()
		return false, ErrUnknownService
	}
	cfg := entry.cfg
	w.mu.Unlock()

	if w.probe(ctx, cfg.HealthCheckURL) {
		w.mu.Lock()
		entry.state.Healthy = true
		entry.state.UnhealthySince = nil
		w.mu.Unlock()
		return true, nil
	}

	if err := w.restart(ctx, name); err != nil {
		return false, err
	}
	return true, nil
}

// Reset re-arms a service after operator intervention: clears the restart
// count, the critical flag, and the unhealthy timer.
func (w *Watchdog) Reset(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.services[name]
	if !ok {
		return ErrUnknownService
	}
	entry.state.RestartCount = 0
	entry.state.Critical = false
	entry.state.UnhealthySince = nil
	entry.state.LastRestart = nil
	entry.state.LastError = ""
	logging.Info().Str("service", name).Msg("Service restart budget reset by operator")
	return nil
}

// Status returns a snapshot of all managed services.
func (w *Watchdog) Status() map[string]ServiceState {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[string]ServiceState, len(w.services))
	for name, entry := range w.services {
		out[name] = entry.state
	}
	return out
}

func (w *Watchdog) probe(ctx context.Context, healthURL string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, w.opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, healthURL, http.NoBody)
	if err != nil {
		return false
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

func (w *Watchdog) alert(ctx context.Context, service string, severity Severity, message string, state ServiceState) {
	metrics.WatchdogAlerts.WithLabelValues(service, string(severity)).Inc()
	if w.opts.Alerter == nil {
		return
	}
	w.opts.Alerter.Send(ctx, Alert{
		Type:         "ai_service_alert",
		Service:      service,
		Severity:     severity,
		Message:      message,
		Timestamp:    time.Now(),
		State:        state,
		RestartCount: state.RestartCount,
	})
}

// sleepCtx sleeps for d unless the context is canceled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
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
