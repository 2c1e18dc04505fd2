// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

// Package lifecycle supervises one slow-starting AI service through an
// explicit state machine: adopt an already-running instance when its
// health probe passes, otherwise acquire an advisory lock, start the
// service remotely, and wait out its cold start. While RUNNING, a health
// loop restarts the service after consecutive probe failures, bounded by
// a restart budget.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/averled/maestro/internal/logging"
	"github.com/averled/maestro/internal/metrics"
)

// State is one node of the supervisor state machine.
type State string

// Supervisor states
const (
	StateIdle           State = "IDLE"
	StateCheckingHealth State = "CHECKING_HEALTH"
	StateAcquiringLock  State = "ACQUIRING_LOCK"
	StateStarting       State = "STARTING"
	StateRunning        State = "RUNNING"
	StateRestarting     State = "RESTARTING"
	StateStopping       State = "STOPPING"
	StateError          State = "ERROR"
)

// AllStates lists every state, used to keep the state gauge complete.
var AllStates = []string{
	string(StateIdle), string(StateCheckingHealth), string(StateAcquiringLock),
	string(StateStarting), string(StateRunning), string(StateRestarting),
	string(StateStopping), string(StateError),
}

// StateChange is one observed transition.
type StateChange struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Supervisor errors
var (
	// ErrNotReady indicates the service never became reachable within the
	// readiness window.
	ErrNotReady = errors.New("service did not become ready")

	// ErrRestartBudgetExhausted indicates the supervisor gave up after
	// MaxRestarts failed recovery attempts.
	ErrRestartBudgetExhausted = errors.New("supervisor restart budget exhausted")
)

// eventBuffer bounds the state-change channel; when a slow consumer falls
// behind, the oldest events are dropped.
const eventBuffer = 32

// Options configure a Supervisor.
type Options struct {
	// ServiceName identifies the supervised service in logs and metrics.
	ServiceName string
	// LockFile is the advisory lock path shared by cooperating supervisors.
	LockFile string
	// HealthURL is probed to decide adoption, readiness, and liveness.
	HealthURL string
	// ReadinessTimeout bounds the wait for a cold start. Default: 120s
	ReadinessTimeout time.Duration
	// ReadinessPollInterval is the delay between readiness probes. Default: 5s
	ReadinessPollInterval time.Duration
	// HealthInterval is the RUNNING health-loop cadence. Default: 30s
	HealthInterval time.Duration
	// ProbeTimeout bounds each probe. Default: 5s
	ProbeTimeout time.Duration
	// FailureThreshold is the consecutive probe failures that trigger a
	// restart while RUNNING. Default: 3
	FailureThreshold int
	// MaxRestarts bounds recovery attempts before ERROR. Default: 3
	MaxRestarts int
	// RestartCooldown is waited between stop and start. Default: 10s
	RestartCooldown time.Duration
	// Host, Port, Version are recorded in the lock file.
	Host    string
	Port    int
	Version string
}

func (o *Options) applyDefaults() {
	if o.ReadinessTimeout <= 0 {
		o.ReadinessTimeout = 120 * time.Second
	}
	if o.ReadinessPollInterval <= 0 {
		o.ReadinessPollInterval = 5 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 30 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = 3
	}
	if o.RestartCooldown <= 0 {
		o.RestartCooldown = 10 * time.Second
	}
}

// Supervisor is the singleton process supervisor for one service.
type Supervisor struct {
	opts       Options
	controller Controller
	httpClient *http.Client

	mu       sync.Mutex
	state    State
	restarts int
	adopted  bool

	events chan StateChange
}

// New creates a supervisor in IDLE.
func New(controller Controller, opts Options) *Supervisor {
	opts.applyDefaults()
	s := &Supervisor{
		opts:       opts,
		controller: controller,
		httpClient: &http.Client{Timeout: opts.ProbeTimeout},
		state:      StateIdle,
		events:     make(chan StateChange, eventBuffer),
	}
	metrics.SetSupervisorState(opts.ServiceName, string(StateIdle), AllStates)
	return s
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Adopted reports whether the supervisor attached to an instance it did
// not start.
func (s *Supervisor) Adopted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adopted
}

// Events returns the state-change stream. The channel is bounded; when a
// consumer falls behind, the oldest events are dropped.
func (s *Supervisor) Events() <-chan StateChange {
	return s.events
}

func (s *Supervisor) setState(to State, reason string) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	if from == to {
		return
	}
	metrics.SetSupervisorState(s.opts.ServiceName, string(to), AllStates)
	logging.Info().
		Str("service", s.opts.ServiceName).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("Supervisor state transition")

	change := StateChange{From: from, To: to, Reason: reason, At: time.Now()}
	for {
		select {
		case s.events <- change:
			return
		default:
			// Full buffer: drop the oldest event to keep the newest.
			select {
			case <-s.events:
			default:
			}
		}
	}
}

// EnsureRunning drives the machine from IDLE to RUNNING. If the service
// already answers its health probe the existing instance is adopted
// without a restart; otherwise the advisory lock is acquired (a lock
// whose service fails the probe is stale, regardless of file age) and the
// service is started remotely.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	s.setState(StateCheckingHealth, "ensure running")

	if _, healthy := s.probe(ctx); healthy {
		s.mu.Lock()
		s.adopted = true
		s.mu.Unlock()
		s.ensureLockForAdoption()
		s.setState(StateRunning, "adopted running instance")
		return nil
	}

	s.setState(StateAcquiringLock, "service not healthy")
	if err := s.takeLock(ctx); err != nil {
		s.setState(StateError, err.Error())
		return err
	}

	s.setState(StateStarting, "lock acquired")
	if err := s.startAndAwaitReady(ctx); err != nil {
		// A failed cold start must not leave a lock behind.
		if rerr := releaseLock(s.opts.LockFile); rerr != nil {
			logging.Warn().Err(rerr).Msg("Failed to release lock after failed start")
		}
		s.setState(StateError, err.Error())
		return err
	}

	s.setState(StateRunning, "service ready")
	return nil
}

// takeLock removes a stale lock (probe already failed, so any holder is
// not serving) and acquires a fresh one.
func (s *Supervisor) takeLock(ctx context.Context) error {
	existing, err := readLock(s.opts.LockFile)
	if err != nil {
		logging.Warn().Err(err).Msg("Unreadable lock file, treating as stale")
	}
	if existing != nil || err != nil {
		if existing != nil {
			logging.Warn().
				Str("holder_host", existing.Host).
				Time("holder_start", existing.StartTime).
				Msg("Removing stale lock, service behind it is not serving")
		}
		if rerr := releaseLock(s.opts.LockFile); rerr != nil {
			return rerr
		}
	}

	return acquireLock(s.opts.LockFile, LockInfo{
		Host:      s.opts.Host,
		Port:      s.opts.Port,
		StartTime: time.Now(),
		Version:   s.opts.Version,
	})
}

// ensureLockForAdoption records our lock when adopting an unlocked
// instance; an existing lock is left to its holder.
func (s *Supervisor) ensureLockForAdoption() {
	existing, err := readLock(s.opts.LockFile)
	if err == nil && existing != nil {
		return
	}
	lockErr := acquireLock(s.opts.LockFile, LockInfo{
		Host:      s.opts.Host,
		Port:      s.opts.Port,
		StartTime: time.Now(),
		Version:   s.opts.Version,
	})
	if lockErr != nil && !errors.Is(lockErr, ErrLockHeld) {
		logging.Warn().Err(lockErr).Msg("Failed to record lock for adopted instance")
	}
}

// startAndAwaitReady starts the service and polls its health endpoint for
// up to ReadinessTimeout. A service that answers HTTP but reports
// unhealthy at the deadline is accepted as degraded-but-reachable; one
// that never answers at all is a failed start.
func (s *Supervisor) startAndAwaitReady(ctx context.Context) error {
	if err := s.controller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start %s: %w", s.opts.ServiceName, err)
	}

	deadline := time.Now().Add(s.opts.ReadinessTimeout)
	everReachable := false
	for {
		reachable, healthy := s.probe(ctx)
		if healthy {
			return nil
		}
		if reachable {
			everReachable = true
		}

		if time.Now().After(deadline) {
			if everReachable {
				logging.Warn().
					Str("service", s.opts.ServiceName).
					Dur("waited", s.opts.ReadinessTimeout).
					Msg("Readiness window elapsed, accepting degraded but reachable service")
				return nil
			}
			return fmt.Errorf("%w: %s unreachable after %s",
				ErrNotReady, s.opts.ServiceName, s.opts.ReadinessTimeout)
		}
		if err := sleepCtx(ctx, s.opts.ReadinessPollInterval); err != nil {
			return err
		}
	}
}

// Run is the RUNNING health loop: probe on the interval; after
// FailureThreshold consecutive failures restart the service, bounded by
// MaxRestarts. Returns when the context is canceled or the budget is
// exhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			state := s.State()
			if state != StateRunning && state != StateRestarting {
				continue
			}

			if state == StateRunning {
				if _, healthy := s.probe(ctx); healthy {
					consecutiveFailures = 0
					continue
				}
				consecutiveFailures++
				logging.Warn().
					Str("service", s.opts.ServiceName).
					Int("consecutive_failures", consecutiveFailures).
					Int("threshold", s.opts.FailureThreshold).
					Msg("Supervised service failed health probe")
				if consecutiveFailures < s.opts.FailureThreshold {
					continue
				}
				consecutiveFailures = 0
			}

			// Either the failure threshold was just crossed, or a previous
			// restart attempt failed and the machine is still RESTARTING.
			if err := s.restart(ctx); err != nil {
				if errors.Is(err, ErrRestartBudgetExhausted) {
					return err
				}
				logging.Error().Err(err).Msg("Supervised restart failed")
			}
		}
	}
}

// restart cycles the service once: stop, cooldown, start, readiness.
func (s *Supervisor) restart(ctx context.Context) error {
	s.mu.Lock()
	s.restarts++
	attempt := s.restarts
	s.mu.Unlock()

	if attempt > s.opts.MaxRestarts {
		s.setState(StateError, "restart budget exhausted")
		return fmt.Errorf("%w after %d attempts", ErrRestartBudgetExhausted, s.opts.MaxRestarts)
	}

	s.setState(StateRestarting, fmt.Sprintf("restart attempt %d/%d", attempt, s.opts.MaxRestarts))
	metrics.SupervisorRestarts.Inc()

	if err := s.controller.Stop(ctx); err != nil {
		logging.Debug().Err(err).Msg("Stop before restart failed (ignored)")
	}
	if err := sleepCtx(ctx, s.opts.RestartCooldown); err != nil {
		return err
	}
	if err := s.startAndAwaitReady(ctx); err != nil {
		// Stay in RESTARTING; the health loop retries until the budget runs
		// out, and only budget exhaustion moves the machine to ERROR.
		return err
	}

	s.setState(StateRunning, "restart recovered service")
	return nil
}

// Shutdown stops supervision and releases the lock unconditionally.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.setState(StateStopping, "shutdown requested")

	if err := releaseLock(s.opts.LockFile); err != nil {
		logging.Warn().Err(err).Msg("Failed to release lock on shutdown")
	}

	s.setState(StateIdle, "shutdown complete")
	return nil
}

// probe answers (reachable, healthy): reachable means any HTTP response
// arrived, healthy means it was a 2xx.
func (s *Supervisor) probe(ctx context.Context) (reachable, healthy bool) {
	probeCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, s.opts.HealthURL, http.NoBody)
	if err != nil {
		return false, false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, false
	}
	defer resp.Body.Close()
	return true, resp.StatusCode >= 200 && resp.StatusCode <= 299
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
