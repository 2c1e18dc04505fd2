// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

// Package registry implements the heartbeat-based service directory.
//
// Each process registers itself under (name, environment) and refreshes
// its row on a heartbeat interval. Health is derived, never stored: a row
// is healthy iff now - lastHeartbeat < healthTimeout. Discovery queries
// that care about health exclude stale rows; List does not. A separate
// janitor removes rows whose heartbeat is older than a much larger max
// age - garbage collection, not a health decision.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/averled/maestro/internal/logging"
	"github.com/averled/maestro/internal/metrics"
)

// Options configure a Registry.
type Options struct {
	// Environment partitions the directory (production, staging, ...).
	Environment string

	// HeartbeatInterval is how often the own row is refreshed.
	// Default: 30s
	HeartbeatInterval time.Duration

	// HealthTimeout is the staleness cutoff for health-sensitive queries.
	// Default: 90s
	HealthTimeout time.Duration

	// PruneMaxAge is the janitor's deletion cutoff. Default: 24h
	PruneMaxAge time.Duration

	// PruneInterval is how often the janitor sweeps. Default: 1h
	PruneInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.Environment == "" {
		o.Environment = "production"
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 90 * time.Second
	}
	if o.PruneMaxAge <= 0 {
		o.PruneMaxAge = 24 * time.Hour
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = time.Hour
	}
}

// Registry is the caller-facing service directory bound to one storage
// backend and one environment.
type Registry struct {
	store Store
	opts  Options

	mu   sync.Mutex
	self *RegisteredService
}

// New creates a Registry over the given store.
func New(store Store, opts Options) *Registry {
	opts.applyDefaults()
	return &Registry{store: store, opts: opts}
}

// Register upserts this process's row keyed by (name, environment). The
// heartbeat loop (RunHeartbeat) refreshes the row for as long as the
// process lives; Register itself writes the first heartbeat.
func (r *Registry) Register(ctx context.Context, name string, capabilities []string, endpoint string, metadata map[string]string) error {
	svc := &RegisteredService{
		Name:          name,
		Environment:   r.opts.Environment,
		Endpoint:      endpoint,
		Capabilities:  capabilities,
		LastHeartbeat: time.Now(),
		Metadata:      metadata,
	}

	if err := r.store.Put(ctx, svc); err != nil {
		return fmt.Errorf("failed to register service %s: %w", name, err)
	}

	r.mu.Lock()
	r.self = svc
	r.mu.Unlock()

	logging.Info().
		Str("service", name).
		Str("environment", r.opts.Environment).
		Str("endpoint", endpoint).
		Strs("capabilities", capabilities).
		Msg("Service registered")

	r.updateSizeMetric(ctx)
	return nil
}

// Unregister removes this process's own row. Called best-effort on
// shutdown so peers don't wait out the heartbeat timeout to notice
// departure.
func (r *Registry) Unregister(ctx context.Context) error {
	r.mu.Lock()
	self := r.self
	r.self = nil
	r.mu.Unlock()

	if self == nil {
		return nil
	}

	if err := r.store.Delete(ctx, self.Name, self.Environment); err != nil {
		return fmt.Errorf("failed to unregister service %s: %w", self.Name, err)
	}

	logging.Info().Str("service", self.Name).Msg("Service unregistered")
	r.updateSizeMetric(ctx)
	return nil
}

// Heartbeat refreshes the own row's lastHeartbeat once.
func (r *Registry) Heartbeat(ctx context.Context) error {
	r.mu.Lock()
	self := r.self
	r.mu.Unlock()

	if self == nil {
		return fmt.Errorf("heartbeat before Register")
	}

	self.LastHeartbeat = time.Now()
	return r.store.Put(ctx, self)
}

// RunHeartbeat refreshes the own row until the context is canceled.
// Intended to run as a supervised service.
func (r *Registry) RunHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Heartbeat(ctx); err != nil {
				logging.Warn().Err(err).Msg("Registry heartbeat failed")
			}
		}
	}
}

// RunJanitor prunes stale rows on the prune interval until the context is
// canceled. Intended to run as a supervised service.
func (r *Registry) RunJanitor(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed, err := r.PruneStale(ctx, r.opts.PruneMaxAge)
			if err != nil {
				logging.Warn().Err(err).Msg("Registry prune failed")
				continue
			}
			if removed > 0 {
				logging.Info().Int("removed", removed).Msg("Pruned stale registry rows")
			}
		}
	}
}

// Discover returns the most recently heartbeated row with the given name,
// regardless of environment.
func (r *Registry) Discover(ctx context.Context, name string) (*RegisteredService, error) {
	rows, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	var best *RegisteredService
	for _, svc := range rows {
		if svc.Name != name {
			continue
		}
		if best == nil || svc.LastHeartbeat.After(best.LastHeartbeat) {
			best = svc
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// DiscoverByCapability returns healthy rows advertising the capability.
// Rows whose heartbeat is older than the health timeout are excluded.
func (r *Registry) DiscoverByCapability(ctx context.Context, capability string) ([]*RegisteredService, error) {
	rows, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-r.opts.HealthTimeout)
	out := make([]*RegisteredService, 0)
	for _, svc := range rows {
		if svc.HasCapability(capability) && svc.LastHeartbeat.After(cutoff) {
			out = append(out, svc)
		}
	}
	return out, nil
}

// DiscoverByEnvironment returns healthy rows in the given environment.
func (r *Registry) DiscoverByEnvironment(ctx context.Context, environment string) ([]*RegisteredService, error) {
	rows, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-r.opts.HealthTimeout)
	out := make([]*RegisteredService, 0)
	for _, svc := range rows {
		if svc.Environment == environment && svc.LastHeartbeat.After(cutoff) {
			out = append(out, svc)
		}
	}
	return out, nil
}

// List returns all rows, including stale ones. Staleness filtering is the
// caller's concern here; health-sensitive queries use the Discover methods.
func (r *Registry) List(ctx context.Context) ([]*RegisteredService, error) {
	return r.store.List(ctx)
}

// IsHealthy reports whether a row's heartbeat is within the health timeout.
func (r *Registry) IsHealthy(svc *RegisteredService) bool {
	return time.Since(svc.LastHeartbeat) < r.opts.HealthTimeout
}

// PruneStale deletes rows whose heartbeat is older than maxAge and returns
// the number removed.
func (r *Registry) PruneStale(ctx context.Context, maxAge time.Duration) (int, error) {
	rows, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, svc := range rows {
		if svc.LastHeartbeat.After(cutoff) {
			continue
		}
		if err := r.store.Delete(ctx, svc.Name, svc.Environment); err != nil {
			return removed, fmt.Errorf("failed to prune %s@%s: %w", svc.Name, svc.Environment, err)
		}
		removed++
		metrics.RegistryPruned.Inc()
	}

	if removed > 0 {
		r.updateSizeMetric(ctx)
	}
	return removed, nil
}

func (r *Registry) updateSizeMetric(ctx context.Context) {
	rows, err := r.store.List(ctx)
	if err != nil {
		return
	}
	metrics.RegistryServices.Set(float64(len(rows)))
}
