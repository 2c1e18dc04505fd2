// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

// Package main is the entry point for the Maestro coordinator.
//
// Maestro supervises a fleet of self-hosted AI providers (a local LLM
// server, an image-generation service) alongside a metered cloud API,
// and routes inference requests across them with health-aware failover,
// bounded retry, response caching, and a daily cloud spend ceiling.
//
// The coordinator initializes components in the following order:
//
//  1. Configuration: Koanf v2 layered sources (defaults, file, env)
//  2. Storage: BadgerDB shared by the service registry and spend ledger
//  3. Health monitor: periodic provider probes with watchdog auto-recovery
//  4. Orchestrator: routing, retry, fallback, caching, cost gate
//  5. Watchdog: per-host managed-service restart loop (optional)
//  6. Process supervisor: singleton lifecycle for one slow-starting
//     local service behind an advisory lock file (optional)
//  7. Supervision tree: suture v4 with monitoring/control/api layers
//  8. HTTP server: REST API, NDJSON streaming, Prometheus metrics
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables prefixed MAESTRO_, the config
// file (maestro.yaml), and built-in defaults.
//
// Minimal local-only setup:
//
//	export MAESTRO_PROVIDERS_LOCAL_ENABLED=true
//	export MAESTRO_PROVIDERS_LOCAL_BASE_URL=http://10.0.0.5:11434
//	export MAESTRO_PROVIDERS_LOCAL_HEALTH_URL=http://10.0.0.5:11434/api/tags
//	./maestrod
//
// With cloud fallback and a daily budget:
//
//	export MAESTRO_PROVIDERS_CLOUD_ENABLED=true
//	export MAESTRO_PROVIDERS_CLOUD_BASE_URL=https://api.openai.com/v1
//	export MAESTRO_PROVIDERS_CLOUD_API_KEY=sk-...
//	export MAESTRO_ORCHESTRATOR_DAILY_BUDGET_USD=5.0
//	./maestrod
//
// # Signal Handling
//
// The coordinator handles graceful shutdown on SIGINT and SIGTERM:
// stops accepting new connections, drains in-flight requests, deletes
// its own registry row, and releases the supervisor lock file.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-chi/chi/v5"

	"github.com/averled/maestro/internal/api"
	"github.com/averled/maestro/internal/config"
	"github.com/averled/maestro/internal/health"
	"github.com/averled/maestro/internal/lifecycle"
	"github.com/averled/maestro/internal/logging"
	"github.com/averled/maestro/internal/orchestrator"
	"github.com/averled/maestro/internal/providers"
	"github.com/averled/maestro/internal/registry"
	"github.com/averled/maestro/internal/supervisor"
	"github.com/averled/maestro/internal/watchdog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("strategy", cfg.Orchestrator.Strategy).
		Bool("local", cfg.Providers.Local.Enabled).
		Bool("cloud", cfg.Providers.Cloud.Enabled).
		Bool("image", cfg.Providers.Image.Enabled).
		Msg("Starting Maestro coordinator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared Badger database: registry rows and the spend ledger live in
	// one store so a single handle survives restarts for both.
	var db *badger.DB
	needsBadger := cfg.Registry.Backend == "badger" || cfg.Orchestrator.DailyBudgetUSD > 0
	if needsBadger {
		opts := badger.DefaultOptions(cfg.Registry.Path)
		opts.Logger = nil
		db, err = badger.Open(opts)
		if err != nil {
			logging.Fatal().Err(err).Str("path", cfg.Registry.Path).Msg("Failed to open data store")
		}
		defer func() {
			if err := db.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing data store")
			}
		}()
	}

	// === PROVIDERS ===

	var local, cloud providers.Provider
	var image providers.ImageProvider
	var targets []health.Target

	if cfg.Providers.Local.Enabled {
		p := cfg.Providers.Local
		local = providers.NewLocalClient(p.Name, p.BaseURL, p.Model, p.Timeout)
		targets = append(targets, health.Target{
			Name:            p.Name,
			HealthURL:       p.HealthURL,
			Local:           true,
			WatchdogService: p.WatchdogService,
		})
	}
	if cfg.Providers.Cloud.Enabled {
		p := cfg.Providers.Cloud
		cloud = orchestrator.NewBreakerProvider(
			providers.NewCloudClient(p.Name, p.BaseURL, p.APIKey, p.Model, p.Timeout))
		targets = append(targets, health.Target{Name: p.Name, HealthURL: p.HealthURL})
	}
	if cfg.Providers.Image.Enabled {
		p := cfg.Providers.Image
		image = providers.NewImageClient(p.Name, p.BaseURL, p.Timeout)
		targets = append(targets, health.Target{
			Name:            p.Name,
			HealthURL:       p.HealthURL,
			Local:           p.Local,
			WatchdogService: p.WatchdogService,
		})
	}
	if local == nil && cloud == nil {
		logging.Fatal().Msg("No chat provider enabled; enable providers.local or providers.cloud")
	}

	// === HEALTH MONITOR ===

	var repairer health.Repairer
	if cfg.Health.RepairURL != "" {
		repairer = health.NewWatchdogClient(cfg.Health.RepairURL, cfg.Health.RepairToken, cfg.Health.RepairTimeout)
		logging.Info().Str("repair_url", cfg.Health.RepairURL).Msg("Watchdog auto-recovery enabled")
	}
	monitor := health.NewMonitor(targets, health.Options{
		Interval:         cfg.Health.Interval,
		ProbeTimeout:     cfg.Health.ProbeTimeout,
		FailureThreshold: cfg.Health.FailureThreshold,
		Repairer:         repairer,
	})

	// === SERVICE REGISTRY ===

	var reg *registry.Registry
	switch cfg.Registry.Backend {
	case "badger":
		reg = registry.New(registry.NewBadgerStore(db), registryOptions(cfg))
	case "memory":
		reg = registry.New(registry.NewMemoryStore(), registryOptions(cfg))
	case "none":
		reg = registry.New(registry.NewNoopStore(), registryOptions(cfg))
		logging.Info().Msg("Service registry persistence disabled (registry.backend=none)")
	default:
		logging.Fatal().Str("backend", cfg.Registry.Backend).Msg("Unknown registry backend")
	}
	if reg != nil {
		endpoint := cfg.Registry.Endpoint
		if endpoint == "" {
			endpoint = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
		}
		if err := reg.Register(ctx, cfg.Registry.ServiceName, cfg.Registry.Capabilities, endpoint, nil); err != nil {
			logging.Warn().Err(err).Msg("Initial service registration failed (heartbeat will retry)")
		}
	}

	// === ORCHESTRATOR ===

	var ledger *orchestrator.Ledger
	if cfg.Orchestrator.DailyBudgetUSD > 0 {
		ledger = orchestrator.NewLedger(db, cfg.Orchestrator.DailyBudgetUSD)
		logging.Info().
			Float64("ceiling_usd", cfg.Orchestrator.DailyBudgetUSD).
			Float64("spent_usd", ledger.Spent()).
			Msg("Daily cloud budget enforced")
	}

	jobs := orchestrator.NewJobStore(cfg.Orchestrator.JobRetention)
	orch := orchestrator.New(local, cloud, image, monitor, ledger, jobs, orchestrator.Options{
		Strategy:          cfg.Orchestrator.Strategy,
		MaxRetries:        cfg.Orchestrator.MaxRetries,
		InitialDelay:      cfg.Orchestrator.InitialDelay,
		Multiplier:        cfg.Orchestrator.Multiplier,
		MaxDelay:          cfg.Orchestrator.MaxDelay,
		CacheTTL:          cfg.Orchestrator.CacheTTL,
		CloudCostPerToken: cfg.Providers.Cloud.CostPerToken,
	})

	// === WATCHDOG ===

	var dog *watchdog.Watchdog
	if cfg.Watchdog.Enabled {
		managed := make([]watchdog.ManagedService, 0, len(cfg.Watchdog.Services))
		for _, s := range cfg.Watchdog.Services {
			managed = append(managed, watchdog.ManagedService{
				Name:           s.Name,
				HealthCheckURL: s.HealthCheckURL,
				StartCmd:       s.StartCmd,
				StopCmd:        s.StopCmd,
				MaxRestarts:    s.MaxRestarts,
				StartDelay:     s.StartDelay,
			})
		}
		var alerter watchdog.Alerter
		if cfg.Watchdog.WebhookURL != "" {
			alerter = watchdog.NewWebhookAlerter(cfg.Watchdog.WebhookURL)
		}
		dog = watchdog.New(managed, watchdog.Options{
			SweepInterval:      cfg.Watchdog.SweepInterval,
			ProbeTimeout:       cfg.Watchdog.ProbeTimeout,
			UnhealthyThreshold: cfg.Watchdog.UnhealthyThreshold,
			CooldownPeriod:     cfg.Watchdog.CooldownPeriod,
			SettleDelay:        cfg.Watchdog.SettleDelay,
			Runner:             watchdog.ShellRunner{Timeout: cfg.Watchdog.CommandTimeout},
			Alerter:            alerter,
		})
		logging.Info().Int("services", len(managed)).Msg("Watchdog enabled")
	}

	// === PROCESS SUPERVISOR ===

	var procSup *lifecycle.Supervisor
	if cfg.Supervisor.Enabled {
		repairURL := strings.TrimRight(cfg.Supervisor.ControlURL, "/") + "/repair"
		controller := lifecycle.NewRemoteController(
			cfg.Supervisor.ServiceName, repairURL, cfg.Supervisor.ControlToken,
			cfg.Supervisor.ReadinessTimeout)
		procSup = lifecycle.New(controller, lifecycle.Options{
			ServiceName:           cfg.Supervisor.ServiceName,
			LockFile:              cfg.Supervisor.LockFile,
			HealthURL:             cfg.Supervisor.HealthURL,
			ReadinessTimeout:      cfg.Supervisor.ReadinessTimeout,
			ReadinessPollInterval: cfg.Supervisor.ReadinessPollInterval,
			HealthInterval:        cfg.Supervisor.HealthInterval,
			ProbeTimeout:          cfg.Supervisor.ProbeTimeout,
			MaxRestarts:           cfg.Supervisor.MaxRestarts,
			RestartCooldown:       cfg.Supervisor.RestartCooldown,
			Host:                  cfg.Supervisor.Host,
			Port:                  cfg.Supervisor.Port,
			Version:               cfg.Supervisor.Version,
		})
		logging.Info().
			Str("service", cfg.Supervisor.ServiceName).
			Str("lock_file", cfg.Supervisor.LockFile).
			Msg("Process supervisor enabled")
	}

	// === HTTP SERVER ===

	var regView api.RegistryView
	if reg != nil {
		regView = reg
	}
	var supView api.SupervisorView
	if procSup != nil {
		supView = procSup
	}
	router := api.NewRouter(orch, monitor, regView, supView, watchdogRoutes(dog, cfg.Watchdog.AuthToken))
	router.RateLimitReqs = cfg.Server.RateLimitReqs
	router.RateLimitWindow = cfg.Server.RateLimitWindow

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// === SUPERVISION TREE ===

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	tree.AddMonitoringService(supervisor.NewLoopService("health-monitor", monitor.Run))
	if dog != nil {
		tree.AddMonitoringService(supervisor.NewLoopService("watchdog", dog.Run))
	}
	if reg != nil {
		tree.AddMonitoringService(supervisor.NewLoopService("registry-heartbeat", reg.RunHeartbeat))
		tree.AddMonitoringService(supervisor.NewLoopService("registry-janitor", reg.RunJanitor))
	}
	tree.AddMonitoringService(supervisor.NewLoopService("job-janitor", func(ctx context.Context) error {
		return jobs.RunJanitor(ctx, cfg.Orchestrator.JobJanitorInterval)
	}))
	if procSup != nil {
		tree.AddControlService(supervisor.NewLifecycleService(procSup))
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server added to supervision tree")

	// === RUN ===

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervision tree to stop")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervision tree error")
		}
		cancel()
	}
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervision tree shutdown error")
		}
	}

	// Best-effort cleanup outside the canceled run context.
	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cleanupCancel()
	if reg != nil {
		if err := reg.Unregister(cleanupCtx); err != nil {
			logging.Warn().Err(err).Msg("Failed to unregister from service registry")
		}
	}
	if procSup != nil {
		if err := procSup.Shutdown(cleanupCtx); err != nil {
			logging.Warn().Err(err).Msg("Supervisor shutdown reported an error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Maestro stopped gracefully")
}

func registryOptions(cfg *config.Config) registry.Options {
	return registry.Options{
		Environment:       cfg.Registry.Environment,
		HeartbeatInterval: cfg.Registry.HeartbeatInterval,
		HealthTimeout:     cfg.Registry.HealthTimeout,
		PruneMaxAge:       cfg.Registry.PruneMaxAge,
		PruneInterval:     cfg.Registry.PruneInterval,
	}
}

// watchdogRoutes returns the watchdog control routes, or nil when the
// watchdog is disabled.
func watchdogRoutes(dog *watchdog.Watchdog, token string) chi.Router {
	if dog == nil {
		return nil
	}
	return watchdog.NewHandler(dog, token).Routes()
}
