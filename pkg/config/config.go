// Package config provides unified configuration for the weiche router.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (WEICHE_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import "time"

// Config holds all configuration for the weiche router.
type Config struct {
	Server         ServerConfig        `yaml:"server"`
	Router         RouterConfig        `yaml:"router"`
	Deployments    []DeploymentConfig  `yaml:"deployments"`
	Fallbacks      map[string][]string `yaml:"fallbacks"`
	Classification map[int]string      `yaml:"classification"` // HTTP status -> error class override
	Observability  ObservabilityConfig `yaml:"observability"`
	Debug          DebugConfig         `yaml:"debug"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`          // default: 8080
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 120s
	MaxInFlight  int           `yaml:"max_in_flight"` // default: 0 (unlimited)
}

// RouterConfig holds the orchestration tuning.
type RouterConfig struct {
	Strategy       string         `yaml:"strategy"`        // roundrobin, leastbusy, latency, usagebased
	MaxRetries     int            `yaml:"max_retries"`     // retries per deployment per chain entry, default: 2
	BackoffBase    time.Duration  `yaml:"backoff_base"`    // default: 100ms
	BackoffMax     time.Duration  `yaml:"backoff_max"`     // default: 10s
	AttemptTimeout time.Duration  `yaml:"attempt_timeout"` // default: 0 (adapter timeout applies)
	UsageWindow    time.Duration  `yaml:"usage_window"`    // default: 60s
	Cooldown       CooldownConfig `yaml:"cooldown"`
}

// CooldownConfig tunes the deployment health state machine.
type CooldownConfig struct {
	SoftThreshold    int           `yaml:"soft_threshold"`     // default: 3
	ErrorWindow      time.Duration `yaml:"error_window"`       // default: 60s
	CoolDuration     time.Duration `yaml:"cool_duration"`      // default: 30s
	HardCoolDuration time.Duration `yaml:"hard_cool_duration"` // default: 5m
}

// DeploymentConfig describes one backend deployment of a logical model.
type DeploymentConfig struct {
	ID           string `yaml:"id"`
	Model        string `yaml:"model"`         // logical model name
	Provider     string `yaml:"provider"`      // adapter name, default: "openai"
	BackendModel string `yaml:"backend_model"` // name sent to the backend, default: model
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	APIKeyFile   string `yaml:"api_key_file"` // _file variant for api_key
	Weight       int    `yaml:"weight"`       // default: 1
	RPM          int    `yaml:"rpm"`          // 0 = unlimited
	TPM          int    `yaml:"tpm"`          // 0 = unlimited
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// DebugConfig holds category logging settings; env vars override.
type DebugConfig struct {
	Categories string `yaml:"categories"`
	Level      string `yaml:"level"`
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
		Router: RouterConfig{
			Strategy:    "roundrobin",
			MaxRetries:  2,
			BackoffBase: 100 * time.Millisecond,
			BackoffMax:  10 * time.Second,
			UsageWindow: time.Minute,
			Cooldown: CooldownConfig{
				SoftThreshold:    3,
				ErrorWindow:      time.Minute,
				CoolDuration:     30 * time.Second,
				HardCoolDuration: 5 * time.Minute,
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}
