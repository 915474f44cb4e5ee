package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, WEICHE_CONFIG env, ./config.yaml, /etc/weiche/config.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	// Start with defaults.
	cfg := Defaults()

	// Discover and load YAML config file.
	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	// Apply environment variable overrides.
	applyEnvOverrides(&cfg)

	// Resolve _file references.
	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	applyDeploymentDefaults(&cfg)

	// Validate.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. WEICHE_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/weiche/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	// Explicit path takes priority.
	if configPath != "" {
		return configPath
	}

	// Check WEICHE_CONFIG env var.
	if envPath := os.Getenv("WEICHE_CONFIG"); envPath != "" {
		return envPath
	}

	// Check common locations.
	candidates := []string{
		"config.yaml",
		"/etc/weiche/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps environment variables to config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WEICHE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("WEICHE_STRATEGY"); v != "" {
		cfg.Router.Strategy = v
	}
	if v := os.Getenv("WEICHE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Router.MaxRetries = n
		}
	}
	if v := os.Getenv("WEICHE_ATTEMPT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Router.AttemptTimeout = d
		}
	}
	if v := os.Getenv("WEICHE_USAGE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Router.UsageWindow = d
		}
	}

	// WEICHE_DEPLOYMENTS: JSON array of deployment configs, for
	// container environments where mounting a config file is awkward.
	if v := os.Getenv("WEICHE_DEPLOYMENTS"); v != "" {
		deps, err := parseDeploymentsJSON(v)
		if err == nil && len(deps) > 0 {
			cfg.Deployments = deps
		}
	}

	// WEICHE_FALLBACKS: JSON map of model -> fallback chain.
	if v := os.Getenv("WEICHE_FALLBACKS"); v != "" {
		var fallbacks map[string][]string
		if err := json.Unmarshal([]byte(v), &fallbacks); err == nil && len(fallbacks) > 0 {
			cfg.Fallbacks = fallbacks
		}
	}
}

// applyDeploymentDefaults fills per-deployment zero values.
func applyDeploymentDefaults(cfg *Config) {
	for i := range cfg.Deployments {
		if cfg.Deployments[i].Provider == "" {
			cfg.Deployments[i].Provider = "openai"
		}
		if cfg.Deployments[i].Weight == 0 {
			cfg.Deployments[i].Weight = 1
		}
	}
}

// parseDeploymentsJSON parses a JSON array of deployment configurations.
func parseDeploymentsJSON(jsonStr string) ([]DeploymentConfig, error) {
	var deps []DeploymentConfig
	if err := json.Unmarshal([]byte(jsonStr), &deps); err != nil {
		return nil, fmt.Errorf("parsing deployments JSON: %w", err)
	}
	return deps, nil
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// For each field ending in _file, if the value field is empty and the file field is set,
// the file is read, whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	// deployments[*].api_key_file -> deployments[*].api_key
	for i := range cfg.Deployments {
		if cfg.Deployments[i].APIKeyFile != "" && cfg.Deployments[i].APIKey == "" {
			val, err := readSecretFile(cfg.Deployments[i].APIKeyFile)
			if err != nil {
				return fmt.Errorf("deployments[%d].api_key_file: %w", i, err)
			}
			cfg.Deployments[i].APIKey = val
		}
	}
	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
