// Maestro - AI Provider Supervision and Orchestration
// Copyright 2026 A. Verled (averled)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/averled/maestro

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"maestro.yaml",
	"maestro.yml",
	"/etc/maestro/config.yaml",
	"/etc/maestro/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "MAESTRO_CONFIG"

// envPrefix is stripped from environment variables before mapping them to
// config paths: MAESTRO_ORCHESTRATOR_STRATEGY -> orchestrator.strategy.
const envPrefix = "MAESTRO_"

// Load loads configuration with layered sources (highest priority wins):
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. MAESTRO_* environment variables
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the path to the first file found, or empty string if none found.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// envSectionPrefixes maps env var prefixes (after MAESTRO_ is stripped) to
// their dotted config sections. Longest match wins, so the nested provider
// sections must precede the bare "providers" fallback.
var envSectionPrefixes = []struct {
	prefix  string
	section string
}{
	{"PROVIDERS_LOCAL_", "providers.local."},
	{"PROVIDERS_CLOUD_", "providers.cloud."},
	{"PROVIDERS_IMAGE_", "providers.image."},
	{"LOGGING_", "logging."},
	{"SERVER_", "server."},
	{"HEALTH_", "health."},
	{"ORCHESTRATOR_", "orchestrator."},
	{"SUPERVISOR_", "supervisor."},
	{"WATCHDOG_", "watchdog."},
	{"REGISTRY_", "registry."},
}

// envTransformFunc transforms environment variable names to koanf config
// paths. The section prefix becomes a dotted path component and the
// remainder stays snake_case to match the koanf struct tags:
//
//   - MAESTRO_ORCHESTRATOR_DAILY_BUDGET_USD -> orchestrator.daily_budget_usd
//   - MAESTRO_PROVIDERS_LOCAL_BASE_URL      -> providers.local.base_url
//   - MAESTRO_WATCHDOG_AUTH_TOKEN           -> watchdog.auth_token
func envTransformFunc(key string) string {
	key = strings.TrimPrefix(key, envPrefix)

	for _, m := range envSectionPrefixes {
		if strings.HasPrefix(key, m.prefix) {
			return m.section + strings.ToLower(strings.TrimPrefix(key, m.prefix))
		}
	}

	// Unknown sections map to a flat lowercase key; Unmarshal ignores
	// anything that doesn't match a struct tag.
	return strings.ToLower(key)
}

// sliceConfigPaths defines which config paths should be parsed as
// comma-separated slices when they arrive as env var strings.
var sliceConfigPaths = []string{
	"registry.capabilities",
}

// processSliceFields converts comma-separated string values to slices for
// known slice fields. Env vars come in as strings, but the config expects
// slices; YAML-sourced values are already slices and are left alone.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("config path %s: expected string or slice, got %T", path, val)
		}

		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}

		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("config path %s: %w", path, err)
		}
	}

	return nil
}
