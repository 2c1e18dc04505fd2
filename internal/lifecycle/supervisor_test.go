// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

// healthState drives the fake service's health endpoint: 0 = unreachable
// is simulated by closing the server, so the states here are healthy vs
// degraded (HTTP 500).
type fakeService struct {
	healthy atomic.Bool
	srv     *httptest.Server
}

func newFakeService(t *testing.T, healthy bool) *fakeService {
	t.Helper()
	fs := &fakeService{}
	fs.healthy.Store(healthy)
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fs.healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

// fakeController records start/stop calls; onStart runs on each Start.
type fakeController struct {
	mu      sync.Mutex
	starts  int
	stops   int
	onStart func()
	err     error
}

func (f *fakeController) Start(ctx context.Context) error {
	f.mu.Lock()
	f.starts++
	hook := f.onStart
	err := f.err
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeController) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	return nil
}

func (f *fakeController) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func testSupervisorOptions(t *testing.T, healthURL string) Options {
	t.Helper()
	return Options{
		ServiceName:           "ai-backend",
		LockFile:              filepath.Join(t.TempDir(), "maestro.lock"),
		HealthURL:             healthURL,
		ReadinessTimeout:      100 * time.Millisecond,
		ReadinessPollInterval: 5 * time.Millisecond,
		HealthInterval:        5 * time.Millisecond,
		ProbeTimeout:          time.Second,
		FailureThreshold:      3,
		MaxRestarts:           2,
		RestartCooldown:       time.Millisecond,
		Host:                  "test-host",
		Port:                  8600,
		Version:               "1.0.0-test",
	}
}

func TestAdoptAlreadyRunningInstance(t *testing.T) {
	fs := newFakeService(t, true)
	ctrl := &fakeController{}
	sup := New(ctrl, testSupervisorOptions(t, fs.srv.URL))

	if err := sup.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning() error = %v", err)
	}
	if sup.State() != StateRunning {
		t.Errorf("state = %s, want RUNNING", sup.State())
	}
	if !sup.Adopted() {
		t.Error("expected adoption of the healthy instance")
	}
	if ctrl.startCount() != 0 {
		t.Errorf("controller started %d times, want 0 on adoption", ctrl.startCount())
	}
}

func TestColdStartWritesLockAndRuns(t *testing.T) {
	fs := newFakeService(t, false)
	ctrl := &fakeController{}
	ctrl.onStart = func() { fs.healthy.Store(true) }

	opts := testSupervisorOptions(t, fs.srv.URL)
	sup := New(ctrl, opts)

	if err := sup.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning() error = %v", err)
	}
	if sup.State() != StateRunning {
		t.Errorf("state = %s, want RUNNING", sup.State())
	}
	if sup.Adopted() {
		t.Error("cold start must not count as adoption")
	}
	if ctrl.startCount() != 1 {
		t.Errorf("controller started %d times, want 1", ctrl.startCount())
	}

	data, err := os.ReadFile(opts.LockFile)
	if err != nil {
		t.Fatalf("lock file not written: %v", err)
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("lock file not valid JSON: %v", err)
	}
	if info.Host != "test-host" || info.Port != 8600 || info.Version != "1.0.0-test" {
		t.Errorf("lock info = %+v", info)
	}
	if info.StartTime.IsZero() {
		t.Error("lock startTime not recorded")
	}
}

func TestStaleLockIsReplaced(t *testing.T) {
	fs := newFakeService(t, false)
	ctrl := &fakeController{}
	ctrl.onStart = func() { fs.healthy.Store(true) }

	opts := testSupervisorOptions(t, fs.srv.URL)

	// A lock from a dead supervisor; its service fails the probe, so the
	// lock is stale no matter how fresh the file is.
	stale := LockInfo{Host: "dead-host", Port: 1, StartTime: time.Now(), Version: "0.0.1"}
	if err := acquireLock(opts.LockFile, stale); err != nil {
		t.Fatalf("seeding stale lock: %v", err)
	}

	sup := New(ctrl, opts)
	if err := sup.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning() error = %v", err)
	}

	info, err := readLock(opts.LockFile)
	if err != nil || info == nil {
		t.Fatalf("readLock() = %v, %v", info, err)
	}
	if info.Host != "test-host" {
		t.Errorf("lock holder = %q, want test-host", info.Host)
	}
}

func TestLockAcquisitionIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maestro.lock")
	info := LockInfo{Host: "a", StartTime: time.Now()}

	if err := acquireLock(path, info); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := acquireLock(path, info); !errors.Is(err, ErrLockHeld) {
		t.Errorf("second acquire error = %v, want ErrLockHeld", err)
	}

	if err := releaseLock(path); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := acquireLock(path, info); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
	// Releasing a missing lock is not an error.
	releaseLock(path)
	if err := releaseLock(path); err != nil {
		t.Errorf("double release error = %v", err)
	}
}

func TestUnreachableServiceFailsStart(t *testing.T) {
	fs := newFakeService(t, false)
	url := fs.srv.URL
	fs.srv.Close() // connection refused from now on

	ctrl := &fakeController{}
	opts := testSupervisorOptions(t, url)
	opts.ReadinessTimeout = 20 * time.Millisecond
	sup := New(ctrl, opts)

	err := sup.EnsureRunning(context.Background())
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("EnsureRunning() error = %v, want ErrNotReady", err)
	}
	if sup.State() != StateError {
		t.Errorf("state = %s, want ERROR", sup.State())
	}
	// A failed cold start must not leave a lock behind.
	if _, err := os.Stat(opts.LockFile); !errors.Is(err, os.ErrNotExist) {
		t.Error("expected lock released after failed start")
	}
}

func TestDegradedButReachableAcceptedAtDeadline(t *testing.T) {
	fs := newFakeService(t, false) // answers HTTP 500 forever
	ctrl := &fakeController{}

	opts := testSupervisorOptions(t, fs.srv.URL)
	opts.ReadinessTimeout = 20 * time.Millisecond
	sup := New(ctrl, opts)

	if err := sup.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning() error = %v, want degraded acceptance", err)
	}
	if sup.State() != StateRunning {
		t.Errorf("state = %s, want RUNNING", sup.State())
	}
}

func TestHealthLoopRestartsAfterThreshold(t *testing.T) {
	fs := newFakeService(t, true)
	ctrl := &fakeController{}
	ctrl.onStart = func() { fs.healthy.Store(true) }

	sup := New(ctrl, testSupervisorOptions(t, fs.srv.URL))
	if err := sup.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	fs.healthy.Store(false)

	deadline := time.After(2 * time.Second)
	for ctrl.startCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("health loop never restarted the service")
		case <-time.After(5 * time.Millisecond):
		}
	}

	for sup.State() != StateRunning {
		select {
		case <-deadline:
			t.Fatalf("state = %s, never recovered to RUNNING", sup.State())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestHealthLoopGivesUpAfterMaxRestarts(t *testing.T) {
	fs := newFakeService(t, true)
	ctrl := &fakeController{}

	opts := testSupervisorOptions(t, fs.srv.URL)
	opts.ReadinessTimeout = 10 * time.Millisecond
	opts.ReadinessPollInterval = 2 * time.Millisecond
	sup := New(ctrl, opts)
	if err := sup.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning() error = %v", err)
	}

	// Service dies hard: connection refused, restarts never bring it back.
	fs.srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := sup.Run(ctx)
	if !errors.Is(err, ErrRestartBudgetExhausted) {
		t.Fatalf("Run() error = %v, want ErrRestartBudgetExhausted", err)
	}
	if sup.State() != StateError {
		t.Errorf("state = %s, want ERROR", sup.State())
	}
	if got := ctrl.startCount(); got != opts.MaxRestarts {
		t.Errorf("start attempts = %d, want %d", got, opts.MaxRestarts)
	}
}

func TestShutdownReleasesLock(t *testing.T) {
	fs := newFakeService(t, true)
	ctrl := &fakeController{}
	opts := testSupervisorOptions(t, fs.srv.URL)
	sup := New(ctrl, opts)

	if err := sup.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning() error = %v", err)
	}
	if _, err := os.Stat(opts.LockFile); err != nil {
		t.Fatalf("expected lock before shutdown: %v", err)
	}

	if err := sup.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if sup.State() != StateIdle {
		t.Errorf("state = %s, want IDLE", sup.State())
	}
	if _, err := os.Stat(opts.LockFile); !errors.Is(err, os.ErrNotExist) {
		t.Error("expected lock removed by shutdown")
	}
}

func TestEventsObserveTransitions(t *testing.T) {
	fs := newFakeService(t, true)
	ctrl := &fakeController{}
	sup := New(ctrl, testSupervisorOptions(t, fs.srv.URL))

	if err := sup.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning() error = %v", err)
	}

	var seen []State
	for {
		select {
		case change := <-sup.Events():
			seen = append(seen, change.To)
			if change.To == StateRunning {
				if change.From != StateCheckingHealth {
					t.Errorf("RUNNING reached from %s, want CHECKING_HEALTH", change.From)
				}
				if seen[0] != StateCheckingHealth {
					t.Errorf("first transition to %s, want CHECKING_HEALTH", seen[0])
				}
				return
			}
		default:
			t.Fatalf("events exhausted before RUNNING, saw %v", seen)
		}
	}
}
