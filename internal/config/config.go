// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

// Package config loads and validates Maestro configuration using Koanf v2
// with layered sources: built-in defaults, an optional YAML file, and
// environment variables (highest priority).
package config

import (
	"time"
)

// Config is the root configuration for the Maestro coordinator.
type Config struct {
	Logging      LoggingConfig      `koanf:"logging"`
	Server       ServerConfig       `koanf:"server"`
	Providers    ProvidersConfig    `koanf:"providers"`
	Health       HealthConfig       `koanf:"health"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Supervisor   SupervisorConfig   `koanf:"supervisor"`
	Watchdog     WatchdogConfig     `koanf:"watchdog"`
	Registry     RegistryConfig     `koanf:"registry"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// ServerConfig controls the coordinator's own HTTP server.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// ProviderConfig describes one inference provider endpoint.
type ProviderConfig struct {
	Enabled bool   `koanf:"enabled"`
	Name    string `koanf:"name"`
	// BaseURL is the provider's API root, e.g. http://10.0.0.5:11434.
	BaseURL string `koanf:"base_url"`
	// HealthURL is probed by the health monitor; any 2xx is healthy.
	HealthURL string `koanf:"health_url"`
	APIKey    string `koanf:"api_key"`
	Model     string `koanf:"model"`
	Timeout   time.Duration `koanf:"timeout"`
	// Local marks providers hosted on the overlay network; only local
	// providers are eligible for watchdog auto-recovery.
	Local bool `koanf:"local"`
	// WatchdogService is the managed-service name the watchdog knows this
	// provider by. Required for auto-recovery of local providers.
	WatchdogService string `koanf:"watchdog_service"`
	// CostPerToken is the USD cost per token for metered cloud providers.
	CostPerToken float64 `koanf:"cost_per_token"`
}

// ProvidersConfig names the three provider roles the orchestrator routes
// across. Local and Cloud serve chat/embeddings; Image serves generation.
type ProvidersConfig struct {
	Local ProviderConfig `koanf:"local"`
	Cloud ProviderConfig `koanf:"cloud"`
	Image ProviderConfig `koanf:"image"`
}

// HealthConfig controls the provider health monitor.
type HealthConfig struct {
	// Interval between full health sweeps.
	Interval time.Duration `koanf:"interval"`
	// ProbeTimeout bounds each individual health probe.
	ProbeTimeout time.Duration `koanf:"probe_timeout"`
	// FailureThreshold is the consecutive-failure count at which a
	// provider is demoted to unavailable.
	FailureThreshold int `koanf:"failure_threshold"`
	// RepairURL is the remote watchdog's repair endpoint, e.g.
	// http://10.0.0.5:8700/api/watchdog/repair.
	RepairURL string `koanf:"repair_url"`
	// RepairToken is the bearer token for the repair endpoint.
	RepairToken string `koanf:"repair_token"`
	// RepairTimeout bounds each repair call; repairs can trigger slow
	// service restarts, so this is longer than a probe timeout.
	RepairTimeout time.Duration `koanf:"repair_timeout"`
}

// OrchestratorConfig controls request routing, retry, caching, and budget.
type OrchestratorConfig struct {
	// Strategy is one of local-first, cloud-first, auto.
	Strategy     string        `koanf:"strategy"`
	MaxRetries   int           `koanf:"max_retries"`
	InitialDelay time.Duration `koanf:"initial_delay"`
	Multiplier   float64       `koanf:"multiplier"`
	MaxDelay     time.Duration `koanf:"max_delay"`
	CacheTTL     time.Duration `koanf:"cache_ttl"`
	// DailyBudgetUSD is the daily cloud spend ceiling. Zero disables the
	// cost gate entirely.
	DailyBudgetUSD float64 `koanf:"daily_budget_usd"`
	// JobRetention is how long completed/failed jobs are kept before the
	// janitor removes them.
	JobRetention time.Duration `koanf:"job_retention"`
	// JobJanitorInterval is how often the job janitor sweeps.
	JobJanitorInterval time.Duration `koanf:"job_janitor_interval"`
}

// SupervisorConfig controls the singleton process supervisor for one
// slow-starting local service.
type SupervisorConfig struct {
	Enabled bool `koanf:"enabled"`
	// ServiceName identifies the managed service in logs and metrics.
	ServiceName string `koanf:"service_name"`
	// LockFile is the advisory lock path shared by cooperating supervisors.
	LockFile string `koanf:"lock_file"`
	// ControlURL is the remote control surface used to start/stop the
	// service, e.g. http://10.0.0.5:8700/api/watchdog.
	ControlURL string `koanf:"control_url"`
	// ControlToken is the bearer token for the control surface.
	ControlToken string `koanf:"control_token"`
	// HealthURL is probed to decide adoption, readiness, and liveness.
	HealthURL string `koanf:"health_url"`
	// ReadinessTimeout bounds the wait for a cold start to become ready.
	ReadinessTimeout time.Duration `koanf:"readiness_timeout"`
	// ReadinessPollInterval is the delay between readiness probes.
	ReadinessPollInterval time.Duration `koanf:"readiness_poll_interval"`
	HealthInterval        time.Duration `koanf:"health_interval"`
	ProbeTimeout          time.Duration `koanf:"probe_timeout"`
	MaxRestarts           int           `koanf:"max_restarts"`
	RestartCooldown       time.Duration `koanf:"restart_cooldown"`
	// Host/Port/Version are recorded in the lock file for diagnostics.
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
	Version string `koanf:"version"`
}

// ManagedServiceConfig is one row of the watchdog's static service table.
type ManagedServiceConfig struct {
	Name           string        `koanf:"name"`
	HealthCheckURL string        `koanf:"health_check_url"`
	StartCmd       string        `koanf:"start_cmd"`
	StopCmd        string        `koanf:"stop_cmd"`
	MaxRestarts    int           `koanf:"max_restarts"`
	// StartDelay is the service's declared cold-start delay, waited after
	// issuing the start command before re-probing.
	StartDelay time.Duration `koanf:"start_delay"`
}

// WatchdogConfig controls the per-host watchdog.
type WatchdogConfig struct {
	Enabled bool `koanf:"enabled"`
	// AuthToken guards the repair/reset HTTP endpoints.
	AuthToken string `koanf:"auth_token"`
	// WebhookURL receives ai_service_alert payloads. Empty disables alerts.
	WebhookURL string `koanf:"webhook_url"`
	// SweepInterval is how often each managed service is probed.
	SweepInterval time.Duration `koanf:"sweep_interval"`
	ProbeTimeout  time.Duration `koanf:"probe_timeout"`
	// UnhealthyThreshold is how long a service must stay unhealthy before
	// the first restart attempt.
	UnhealthyThreshold time.Duration `koanf:"unhealthy_threshold"`
	// CooldownPeriod is the minimum interval between restart attempts for
	// the same service.
	CooldownPeriod time.Duration `koanf:"cooldown_period"`
	// SettleDelay is waited between stop and start during a restart.
	SettleDelay time.Duration `koanf:"settle_delay"`
	// CommandTimeout bounds start/stop command execution.
	CommandTimeout time.Duration          `koanf:"command_timeout"`
	Services       []ManagedServiceConfig `koanf:"services"`
}

// RegistryConfig controls the heartbeat-based service registry.
type RegistryConfig struct {
	// Backend selects the storage backend: badger, memory, or none.
	// "none" is a visible configuration choice, not a silent fallback.
	Backend     string `koanf:"backend"`
	Path        string `koanf:"path"`
	Environment string `koanf:"environment"`
	// Self-registration of this coordinator instance.
	ServiceName  string   `koanf:"service_name"`
	Endpoint     string   `koanf:"endpoint"`
	Capabilities []string `koanf:"capabilities"`

	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	// HealthTimeout is the staleness cutoff for health-sensitive queries.
	HealthTimeout time.Duration `koanf:"health_timeout"`
	PruneMaxAge   time.Duration `koanf:"prune_max_age"`
	PruneInterval time.Duration `koanf:"prune_interval"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8780,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute, // image generation responses are slow
			ShutdownTimeout: 10 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Providers: ProvidersConfig{
			Local: ProviderConfig{
				Enabled:         false,
				Name:            "local-llm",
				Timeout:         120 * time.Second,
				Local:           true,
				WatchdogService: "local-llm",
			},
			Cloud: ProviderConfig{
				Enabled:      false,
				Name:         "cloud-llm",
				Timeout:      60 * time.Second,
				Local:        false,
				CostPerToken: 0.000003,
			},
			Image: ProviderConfig{
				Enabled:         false,
				Name:            "image-gen",
				Timeout:         300 * time.Second, // diffusion is slow
				Local:           true,
				WatchdogService: "image-gen",
			},
		},
		Health: HealthConfig{
			Interval:         30 * time.Second,
			ProbeTimeout:     5 * time.Second,
			FailureThreshold: 3,
			RepairTimeout:    60 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			Strategy:           "local-first",
			MaxRetries:         3,
			InitialDelay:       time.Second,
			Multiplier:         2.0,
			MaxDelay:           4 * time.Second,
			CacheTTL:           time.Hour,
			DailyBudgetUSD:     0, // cost gate disabled by default
			JobRetention:       24 * time.Hour,
			JobJanitorInterval: 10 * time.Minute,
		},
		Supervisor: SupervisorConfig{
			Enabled:               false,
			ServiceName:           "image-gen",
			LockFile:              "/data/maestro/image-gen.lock",
			ReadinessTimeout:      120 * time.Second,
			ReadinessPollInterval: 5 * time.Second,
			HealthInterval:        30 * time.Second,
			ProbeTimeout:          10 * time.Second,
			MaxRestarts:           3,
			RestartCooldown:       30 * time.Second,
			Port:                  8188,
			Version:               "dev",
		},
		Watchdog: WatchdogConfig{
			Enabled:            false,
			SweepInterval:      15 * time.Second,
			ProbeTimeout:       5 * time.Second,
			UnhealthyThreshold: 30 * time.Second,
			CooldownPeriod:     5 * time.Minute,
			SettleDelay:        3 * time.Second,
			CommandTimeout:     60 * time.Second,
		},
		Registry: RegistryConfig{
			Backend:           "none",
			Path:              "/data/maestro/registry",
			Environment:       "production",
			ServiceName:       "maestro",
			Capabilities:      []string{"orchestration"},
			HeartbeatInterval: 30 * time.Second,
			HealthTimeout:     90 * time.Second,
			PruneMaxAge:       24 * time.Hour,
			PruneInterval:     time.Hour,
		},
	}
}
