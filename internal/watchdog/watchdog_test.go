// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

package watchdog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// toggleServer is a health endpoint whose state tests flip at will.
type toggleServer struct {
	healthy atomic.Bool
	srv     *httptest.Server
}

func newToggleServer(t *testing.T, healthy bool) *toggleServer {
	t.Helper()
	ts := &toggleServer{}
	ts.healthy.Store(healthy)
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ts.healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

// recordingRunner records commands and optionally runs a hook per command.
type recordingRunner struct {
	mu       sync.Mutex
	commands []string
	onRun    func(command string)
	err      error
}

func (r *recordingRunner) Run(ctx context.Context, command string) error {
	r.mu.Lock()
	r.commands = append(r.commands, command)
	hook := r.onRun
	r.mu.Unlock()
	if hook != nil {
		hook(command)
	}
	return r.err
}

func (r *recordingRunner) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.commands))
	copy(out, r.commands)
	return out
}

// recordingAlerter captures alerts for assertions.
type recordingAlerter struct {
	mu     sync.Mutex
	alerts []Alert
}

func (a *recordingAlerter) Send(ctx context.Context, alert Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *recordingAlerter) bySeverity(sev Severity) []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Alert
	for _, alert := range a.alerts {
		if alert.Severity == sev {
			out = append(out, alert)
		}
	}
	return out
}

func testOptions(runner CommandRunner, alerter Alerter) Options {
	return Options{
		SweepInterval:      10 * time.Millisecond,
		ProbeTimeout:       time.Second,
		UnhealthyThreshold: time.Millisecond,
		CooldownPeriod:     time.Millisecond,
		SettleDelay:        time.Millisecond,
		Runner:             runner,
		Alerter:            alerter,
	}
}

func TestSweepRestartsUnhealthyService(t *testing.T) {
	ts := newToggleServer(t, false)
	runner := &recordingRunner{}
	// The start command brings the service back.
	runner.onRun = func(command string) {
		if command == "start backend" {
			ts.healthy.Store(true)
		}
	}
	alerter := &recordingAlerter{}

	wd := New([]ManagedService{{
		Name:           "backend",
		HealthCheckURL: ts.srv.URL,
		StartCmd:       "start backend",
		StopCmd:        "stop backend",
		MaxRestarts:    3,
	}}, testOptions(runner, alerter))

	ctx := context.Background()

	// First sweep marks the service unhealthy; the threshold has not
	// elapsed at the moment the timer starts, so no restart yet.
	wd.Sweep(ctx)
	if got := runner.recorded(); len(got) != 0 {
		t.Fatalf("expected no commands before threshold, got %v", got)
	}

	time.Sleep(5 * time.Millisecond)
	wd.Sweep(ctx)

	got := runner.recorded()
	if len(got) != 2 || got[0] != "stop backend" || got[1] != "start backend" {
		t.Fatalf("expected stop then start, got %v", got)
	}

	state := wd.Status()["backend"]
	if !state.Healthy {
		t.Error("expected service healthy after restart")
	}
	if state.RestartCount != 1 {
		t.Errorf("expected restartCount 1, got %d", state.RestartCount)
	}
	if len(alerter.bySeverity(SeverityRecovered)) != 1 {
		t.Errorf("expected one recovered alert, got %d", len(alerter.bySeverity(SeverityRecovered)))
	}
}

func TestHealthyServiceNeverRestarted(t *testing.T) {
	ts := newToggleServer(t, true)
	runner := &recordingRunner{}

	wd := New([]ManagedService{{
		Name:           "backend",
		HealthCheckURL: ts.srv.URL,
		StartCmd:       "start backend",
		MaxRestarts:    3,
	}}, testOptions(runner, nil))

	for i := 0; i < 3; i++ {
		wd.Sweep(context.Background())
	}
	if got := runner.recorded(); len(got) != 0 {
		t.Fatalf("expected no commands for healthy service, got %v", got)
	}
}

func TestRestartCooldown(t *testing.T) {
	ts := newToggleServer(t, false)
	runner := &recordingRunner{}

	opts := testOptions(runner, nil)
	opts.CooldownPeriod = time.Hour

	wd := New([]ManagedService{{
		Name:           "backend",
		HealthCheckURL: ts.srv.URL,
		StartCmd:       "start backend",
		MaxRestarts:    5,
	}}, opts)

	ctx := context.Background()
	wd.Sweep(ctx)
	time.Sleep(5 * time.Millisecond)
	wd.Sweep(ctx) // first restart attempt
	wd.Sweep(ctx) // inside cooldown, must not restart again

	if got := runner.recorded(); len(got) != 1 {
		t.Fatalf("expected exactly one start within cooldown, got %v", got)
	}
}

func TestMaxRestartsFiresSingleCriticalAlert(t *testing.T) {
	ts := newToggleServer(t, false)
	runner := &recordingRunner{}
	alerter := &recordingAlerter{}

	wd := New([]ManagedService{{
		Name:           "backend",
		HealthCheckURL: ts.srv.URL,
		StartCmd:       "start backend",
		MaxRestarts:    2,
	}}, testOptions(runner, alerter))

	ctx := context.Background()
	wd.Sweep(ctx)
	time.Sleep(5 * time.Millisecond)

	// Exhaust the budget, then keep sweeping well past it.
	for i := 0; i < 6; i++ {
		wd.Sweep(ctx)
		time.Sleep(2 * time.Millisecond)
	}

	starts := 0
	for _, cmd := range runner.recorded() {
		if cmd == "start backend" {
			starts++
		}
	}
	if starts != 2 {
		t.Errorf("expected exactly 2 start attempts, got %d", starts)
	}
	if got := len(alerter.bySeverity(SeverityCritical)); got != 1 {
		t.Errorf("expected exactly one critical alert, got %d", got)
	}
	if !wd.Status()["backend"].Critical {
		t.Error("expected service marked critical")
	}
}

func TestResetReArmsService(t *testing.T) {
	ts := newToggleServer(t, false)
	runner := &recordingRunner{}

	wd := New([]ManagedService{{
		Name:           "backend",
		HealthCheckURL: ts.srv.URL,
		StartCmd:       "start backend",
		MaxRestarts:    1,
	}}, testOptions(runner, nil))

	ctx := context.Background()
	wd.Sweep(ctx)
	time.Sleep(5 * time.Millisecond)
	for i := 0; i < 3; i++ {
		wd.Sweep(ctx)
		time.Sleep(2 * time.Millisecond)
	}
	if !wd.Status()["backend"].Critical {
		t.Fatal("expected service critical before reset")
	}

	if err := wd.Reset("backend"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	state := wd.Status()["backend"]
	if state.Critical || state.RestartCount != 0 {
		t.Errorf("expected re-armed state, got %+v", state)
	}

	// Restarts are possible again after the reset.
	before := len(runner.recorded())
	wd.Sweep(ctx)
	time.Sleep(5 * time.Millisecond)
	wd.Sweep(ctx)
	if len(runner.recorded()) <= before {
		t.Error("expected a restart attempt after reset")
	}

	if err := wd.Reset("ghost"); !errors.Is(err, ErrUnknownService) {
		t.Errorf("Reset(ghost) error = %v, want ErrUnknownService", err)
	}
}

func TestRepairHealthyServiceSkipsCommands(t *testing.T) {
	ts := newToggleServer(t, true)
	runner := &recordingRunner{}

	wd := New([]ManagedService{{
		Name:           "backend",
		HealthCheckURL: ts.srv.URL,
		StartCmd:       "start backend",
		MaxRestarts:    3,
	}}, testOptions(runner, nil))

	online, err := wd.Repair(context.Background(), "backend")
	if err != nil {
		t.Fatalf("Repair() error = %v", err)
	}
	if !online {
		t.Error("expected online for healthy service")
	}
	if got := runner.recorded(); len(got) != 0 {
		t.Errorf("expected no commands for healthy service, got %v", got)
	}
}

func TestRepairRestartsUnhealthyService(t *testing.T) {
	ts := newToggleServer(t, false)
	runner := &recordingRunner{}
	runner.onRun = func(command string) {
		if command == "start backend" {
			ts.healthy.Store(true)
		}
	}

	wd := New([]ManagedService{{
		Name:           "backend",
		HealthCheckURL: ts.srv.URL,
		StartCmd:       "start backend",
		StopCmd:        "stop backend",
		MaxRestarts:    3,
	}}, testOptions(runner, nil))

	online, err := wd.Repair(context.Background(), "backend")
	if err != nil {
		t.Fatalf("Repair() error = %v", err)
	}
	if !online {
		t.Error("expected online after repair")
	}

	if _, err := wd.Repair(context.Background(), "ghost"); !errors.Is(err, ErrUnknownService) {
		t.Errorf("Repair(ghost) error = %v, want ErrUnknownService", err)
	}
}
