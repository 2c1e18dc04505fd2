// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/averled/maestro/internal/lifecycle"
	"github.com/averled/maestro/internal/logging"
)

// HTTPServer matches *http.Server's lifecycle methods, allowing tests to
// substitute a mock.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService wraps an HTTP server as a supervised service,
// translating the blocking ListenAndServe pattern into suture's
// context-aware Serve:
//
//  1. ListenAndServe runs in a goroutine
//  2. Serve waits for context cancellation or a server error
//  3. On cancellation the server gets a graceful Shutdown window
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	name            string
}

// NewHTTPServerService creates an HTTP server service wrapper. The
// shutdownTimeout bounds graceful shutdown; 10-30s is typical.
func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{
		server:          server,
		shutdownTimeout: shutdownTimeout,
		name:            "http-server",
	}
}

// Serve implements suture.Service. http.ErrServerClosed is converted to
// nil since it is expected on shutdown.
func (h *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		// The original context is canceled; shutdown needs its own.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()

		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

// String implements fmt.Stringer; suture uses it in log messages.
func (h *HTTPServerService) String() string {
	return h.name
}

// LoopService adapts a blocking run-loop function — the health monitor's
// Run, the watchdog's Run, the registry's heartbeat and janitor loops —
// to suture.Service.
type LoopService struct {
	name string
	run  func(ctx context.Context) error
}

// NewLoopService wraps a run loop under the given service name.
func NewLoopService(name string, run func(ctx context.Context) error) *LoopService {
	return &LoopService{name: name, run: run}
}

// Serve implements suture.Service.
func (l *LoopService) Serve(ctx context.Context) error {
	logging.Info().Str("service", l.name).Msg("Starting supervised loop")
	err := l.run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Warn().Err(err).Str("service", l.name).Msg("Supervised loop exited")
	}
	return err
}

// String implements fmt.Stringer.
func (l *LoopService) String() string {
	return l.name
}

// LifecycleService runs the process supervisor: EnsureRunning to reach
// RUNNING, then the health loop. An exhausted restart budget terminates
// the service permanently; everything else is retried by suture with
// backoff.
type LifecycleService struct {
	sup *lifecycle.Supervisor
}

// NewLifecycleService wraps a process supervisor.
func NewLifecycleService(sup *lifecycle.Supervisor) *LifecycleService {
	return &LifecycleService{sup: sup}
}

// Serve implements suture.Service.
func (l *LifecycleService) Serve(ctx context.Context) error {
	if err := l.sup.EnsureRunning(ctx); err != nil {
		return err
	}
	err := l.sup.Run(ctx)
	if errors.Is(err, lifecycle.ErrRestartBudgetExhausted) {
		// Operator intervention required; suture must not loop on this.
		return errors.Join(suture.ErrDoNotRestart, err)
	}
	return err
}

// String implements fmt.Stringer.
func (l *LifecycleService) String() string {
	return "process-supervisor"
}
