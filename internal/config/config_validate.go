// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that required configuration is present and valid.
// Validation is conditional: sections are only checked when enabled, so a
// coordinator-only deployment doesn't need watchdog or supervisor settings.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateProviders(); err != nil {
		return err
	}
	if err := c.validateHealth(); err != nil {
		return err
	}
	if err := c.validateOrchestrator(); err != nil {
		return err
	}
	if err := c.validateSupervisor(); err != nil {
		return err
	}
	if err := c.validateWatchdog(); err != nil {
		return err
	}
	if err := c.validateRegistry(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	return nil
}

func (c *Config) validateProviders() error {
	for _, p := range []struct {
		label string
		cfg   *ProviderConfig
	}{
		{"providers.local", &c.Providers.Local},
		{"providers.cloud", &c.Providers.Cloud},
		{"providers.image", &c.Providers.Image},
	} {
		if !p.cfg.Enabled {
			continue
		}
		if p.cfg.Name == "" {
			return fmt.Errorf("%s.name is required when enabled", p.label)
		}
		if err := validateURL(p.label+".base_url", p.cfg.BaseURL); err != nil {
			return err
		}
		if err := validateURL(p.label+".health_url", p.cfg.HealthURL); err != nil {
			return err
		}
		if p.cfg.Timeout <= 0 {
			return fmt.Errorf("%s.timeout must be positive", p.label)
		}
		if !p.cfg.Local && p.cfg.APIKey == "" {
			return fmt.Errorf("%s.api_key is required for non-local providers", p.label)
		}
		if p.cfg.Local && p.cfg.WatchdogService == "" {
			return fmt.Errorf("%s.watchdog_service is required for local providers", p.label)
		}
	}
	return nil
}

func (c *Config) validateHealth() error {
	if c.Health.FailureThreshold < 1 {
		return fmt.Errorf("health.failure_threshold must be at least 1, got %d", c.Health.FailureThreshold)
	}
	if c.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be positive")
	}
	if c.Health.ProbeTimeout <= 0 {
		return fmt.Errorf("health.probe_timeout must be positive")
	}
	if c.Health.RepairURL != "" {
		if err := validateURL("health.repair_url", c.Health.RepairURL); err != nil {
			return err
		}
		if c.Health.RepairToken == "" {
			return fmt.Errorf("health.repair_token is required when health.repair_url is set")
		}
	}
	return nil
}

func (c *Config) validateOrchestrator() error {
	switch c.Orchestrator.Strategy {
	case "local-first", "cloud-first", "auto":
	default:
		return fmt.Errorf("orchestrator.strategy must be one of local-first, cloud-first, auto; got %q", c.Orchestrator.Strategy)
	}
	if c.Orchestrator.MaxRetries < 1 {
		return fmt.Errorf("orchestrator.max_retries must be at least 1, got %d", c.Orchestrator.MaxRetries)
	}
	if c.Orchestrator.Multiplier < 1 {
		return fmt.Errorf("orchestrator.multiplier must be at least 1, got %v", c.Orchestrator.Multiplier)
	}
	if c.Orchestrator.InitialDelay <= 0 || c.Orchestrator.MaxDelay <= 0 {
		return fmt.Errorf("orchestrator retry delays must be positive")
	}
	if c.Orchestrator.DailyBudgetUSD < 0 {
		return fmt.Errorf("orchestrator.daily_budget_usd must not be negative")
	}
	return nil
}

func (c *Config) validateSupervisor() error {
	if !c.Supervisor.Enabled {
		return nil
	}
	if c.Supervisor.ServiceName == "" {
		return fmt.Errorf("supervisor.service_name is required when enabled")
	}
	if c.Supervisor.LockFile == "" {
		return fmt.Errorf("supervisor.lock_file is required when enabled")
	}
	if err := validateURL("supervisor.control_url", c.Supervisor.ControlURL); err != nil {
		return err
	}
	if err := validateURL("supervisor.health_url", c.Supervisor.HealthURL); err != nil {
		return err
	}
	if c.Supervisor.MaxRestarts < 0 {
		return fmt.Errorf("supervisor.max_restarts must not be negative")
	}
	return nil
}

func (c *Config) validateWatchdog() error {
	if !c.Watchdog.Enabled {
		return nil
	}
	if c.Watchdog.AuthToken == "" {
		return fmt.Errorf("watchdog.auth_token is required when the watchdog is enabled")
	}
	if len(c.Watchdog.Services) == 0 {
		return fmt.Errorf("watchdog.services must list at least one managed service")
	}
	seen := map[string]bool{}
	for i, svc := range c.Watchdog.Services {
		if svc.Name == "" {
			return fmt.Errorf("watchdog.services[%d].name is required", i)
		}
		if seen[svc.Name] {
			return fmt.Errorf("watchdog.services: duplicate service name %q", svc.Name)
		}
		seen[svc.Name] = true
		if err := validateURL(fmt.Sprintf("watchdog.services[%d].health_check_url", i), svc.HealthCheckURL); err != nil {
			return err
		}
		if svc.StartCmd == "" {
			return fmt.Errorf("watchdog.services[%d].start_cmd is required", i)
		}
		if svc.MaxRestarts < 1 {
			return fmt.Errorf("watchdog.services[%d].max_restarts must be at least 1", i)
		}
	}
	if c.Watchdog.WebhookURL != "" {
		if err := validateURL("watchdog.webhook_url", c.Watchdog.WebhookURL); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateRegistry() error {
	switch c.Registry.Backend {
	case "badger", "memory", "none":
	default:
		return fmt.Errorf("registry.backend must be one of badger, memory, none; got %q", c.Registry.Backend)
	}
	if c.Registry.Backend == "badger" && c.Registry.Path == "" {
		return fmt.Errorf("registry.path is required when registry.backend=badger")
	}
	if c.Registry.Backend != "none" {
		if c.Registry.HeartbeatInterval <= 0 {
			return fmt.Errorf("registry.heartbeat_interval must be positive")
		}
		if c.Registry.HealthTimeout <= c.Registry.HeartbeatInterval {
			return fmt.Errorf("registry.health_timeout (%v) must exceed registry.heartbeat_interval (%v)",
				c.Registry.HealthTimeout, c.Registry.HeartbeatInterval)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "disabled":
	default:
		return fmt.Errorf("logging.level must be a valid level, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// validateURL checks that the value is an absolute http(s) URL.
func validateURL(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", field, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s is missing a host", field)
	}
	return nil
}
