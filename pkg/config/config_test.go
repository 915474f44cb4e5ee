package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != 8080 {
		t.Errorf("default server.port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("default server.read_timeout = %v, want 30s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 120*time.Second {
		t.Errorf("default server.write_timeout = %v, want 120s", cfg.Server.WriteTimeout)
	}
	if cfg.Router.Strategy != "roundrobin" {
		t.Errorf("default router.strategy = %q, want \"roundrobin\"", cfg.Router.Strategy)
	}
	if cfg.Router.MaxRetries != 2 {
		t.Errorf("default router.max_retries = %d, want 2", cfg.Router.MaxRetries)
	}
	if cfg.Router.BackoffBase != 100*time.Millisecond {
		t.Errorf("default router.backoff_base = %v, want 100ms", cfg.Router.BackoffBase)
	}
	if cfg.Router.UsageWindow != time.Minute {
		t.Errorf("default router.usage_window = %v, want 1m", cfg.Router.UsageWindow)
	}
	if cfg.Router.Cooldown.SoftThreshold != 3 {
		t.Errorf("default router.cooldown.soft_threshold = %d, want 3", cfg.Router.Cooldown.SoftThreshold)
	}
	if cfg.Router.Cooldown.HardCoolDuration != 5*time.Minute {
		t.Errorf("default router.cooldown.hard_cool_duration = %v, want 5m", cfg.Router.Cooldown.HardCoolDuration)
	}
	if !cfg.Observability.Metrics.Enabled {
		t.Error("default observability.metrics.enabled = false, want true")
	}
	if cfg.Observability.Metrics.Path != "/metrics" {
		t.Errorf("default observability.metrics.path = %q, want \"/metrics\"", cfg.Observability.Metrics.Path)
	}
}

func TestLoadFromYAML(t *testing.T) {
	yamlContent := `
server:
  port: 9090
  read_timeout: 60s
  write_timeout: 180s
router:
  strategy: usagebased
  max_retries: 3
  backoff_base: 200ms
  backoff_max: 20s
  attempt_timeout: 90s
  usage_window: 30s
  cooldown:
    soft_threshold: 5
    error_window: 2m
    cool_duration: 45s
    hard_cool_duration: 10m
deployments:
  - id: azure-east
    model: gpt-4
    backend_model: gpt-4-0613
    base_url: https://east.example.com/v1
    api_key: sk-east
    weight: 2
    rpm: 100
    tpm: 100000
  - id: azure-west
    model: gpt-4
    base_url: https://west.example.com/v1
    api_key: sk-west
  - id: anthropic-1
    model: claude-3
    base_url: https://claude.example.com/v1
    api_key: sk-claude
fallbacks:
  gpt-4: [claude-3]
classification:
  404: deployment_terminal
  529: transient
observability:
  metrics:
    enabled: true
    path: /custom-metrics
debug:
  categories: router,cooldown
  level: DEBUG
`

	tmpFile := writeTemp(t, "config-*.yaml", yamlContent)

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	// Server
	if cfg.Server.Port != 9090 {
		t.Errorf("server.port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 60*time.Second {
		t.Errorf("server.read_timeout = %v, want 60s", cfg.Server.ReadTimeout)
	}

	// Router
	if cfg.Router.Strategy != "usagebased" {
		t.Errorf("router.strategy = %q, want \"usagebased\"", cfg.Router.Strategy)
	}
	if cfg.Router.MaxRetries != 3 {
		t.Errorf("router.max_retries = %d, want 3", cfg.Router.MaxRetries)
	}
	if cfg.Router.BackoffBase != 200*time.Millisecond {
		t.Errorf("router.backoff_base = %v, want 200ms", cfg.Router.BackoffBase)
	}
	if cfg.Router.AttemptTimeout != 90*time.Second {
		t.Errorf("router.attempt_timeout = %v, want 90s", cfg.Router.AttemptTimeout)
	}
	if cfg.Router.Cooldown.SoftThreshold != 5 {
		t.Errorf("router.cooldown.soft_threshold = %d, want 5", cfg.Router.Cooldown.SoftThreshold)
	}
	if cfg.Router.Cooldown.HardCoolDuration != 10*time.Minute {
		t.Errorf("router.cooldown.hard_cool_duration = %v, want 10m", cfg.Router.Cooldown.HardCoolDuration)
	}

	// Deployments
	if len(cfg.Deployments) != 3 {
		t.Fatalf("deployments length = %d, want 3", len(cfg.Deployments))
	}
	east := cfg.Deployments[0]
	if east.ID != "azure-east" || east.Model != "gpt-4" || east.BackendModel != "gpt-4-0613" {
		t.Errorf("deployments[0] = %+v", east)
	}
	if east.Weight != 2 || east.RPM != 100 || east.TPM != 100000 {
		t.Errorf("deployments[0] limits = %+v", east)
	}
	if east.Provider != "openai" {
		t.Errorf("deployments[0].provider = %q, want default \"openai\"", east.Provider)
	}
	if cfg.Deployments[1].Weight != 1 {
		t.Errorf("deployments[1].weight = %d, want default 1", cfg.Deployments[1].Weight)
	}

	// Fallbacks
	if len(cfg.Fallbacks["gpt-4"]) != 1 || cfg.Fallbacks["gpt-4"][0] != "claude-3" {
		t.Errorf("fallbacks[gpt-4] = %v, want [claude-3]", cfg.Fallbacks["gpt-4"])
	}

	// Classification overrides
	if cfg.Classification[404] != "deployment_terminal" {
		t.Errorf("classification[404] = %q", cfg.Classification[404])
	}
	if cfg.Classification[529] != "transient" {
		t.Errorf("classification[529] = %q", cfg.Classification[529])
	}

	// Observability and debug
	if cfg.Observability.Metrics.Path != "/custom-metrics" {
		t.Errorf("observability.metrics.path = %q", cfg.Observability.Metrics.Path)
	}
	if cfg.Debug.Categories != "router,cooldown" {
		t.Errorf("debug.categories = %q", cfg.Debug.Categories)
	}
	if cfg.Debug.Level != "DEBUG" {
		t.Errorf("debug.level = %q", cfg.Debug.Level)
	}
}

func TestEnvOverride(t *testing.T) {
	yamlContent := `
server:
  port: 9090
router:
  strategy: roundrobin
deployments:
  - id: d1
    model: gpt-4
    base_url: http://backend:8000/v1
`
	tmpFile := writeTemp(t, "config-*.yaml", yamlContent)

	t.Setenv("WEICHE_PORT", "7070")
	t.Setenv("WEICHE_STRATEGY", "leastbusy")
	t.Setenv("WEICHE_MAX_RETRIES", "5")
	t.Setenv("WEICHE_ATTEMPT_TIMEOUT", "45s")
	t.Setenv("WEICHE_USAGE_WINDOW", "2m")

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("server.port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.Router.Strategy != "leastbusy" {
		t.Errorf("router.strategy = %q, want env override \"leastbusy\"", cfg.Router.Strategy)
	}
	if cfg.Router.MaxRetries != 5 {
		t.Errorf("router.max_retries = %d, want env override 5", cfg.Router.MaxRetries)
	}
	if cfg.Router.AttemptTimeout != 45*time.Second {
		t.Errorf("router.attempt_timeout = %v, want env override 45s", cfg.Router.AttemptTimeout)
	}
	if cfg.Router.UsageWindow != 2*time.Minute {
		t.Errorf("router.usage_window = %v, want env override 2m", cfg.Router.UsageWindow)
	}
}

func TestEnvDeploymentsJSON(t *testing.T) {
	t.Setenv("WEICHE_DEPLOYMENTS", `[{"ID":"env-1","Model":"gpt-4","BaseURL":"http://env:8000/v1","RPM":50}]`)
	t.Setenv("WEICHE_FALLBACKS", `{"gpt-4":[]}`)

	cfg, err := Load(writeTemp(t, "config-*.yaml", "server:\n  port: 8080\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if len(cfg.Deployments) != 1 {
		t.Fatalf("deployments length = %d, want 1", len(cfg.Deployments))
	}
	if cfg.Deployments[0].ID != "env-1" || cfg.Deployments[0].RPM != 50 {
		t.Errorf("deployments[0] = %+v", cfg.Deployments[0])
	}
	if cfg.Deployments[0].Provider != "openai" {
		t.Errorf("deployments[0].provider = %q, want default applied to env deployments", cfg.Deployments[0].Provider)
	}
}

func TestFileReference(t *testing.T) {
	secretFile := writeTemp(t, "secret-*.txt", "  sk-from-file-123  \n")

	yamlContent := `
deployments:
  - id: d1
    model: gpt-4
    base_url: http://backend:8000/v1
    api_key_file: ` + secretFile + `
`
	tmpFile := writeTemp(t, "config-*.yaml", yamlContent)

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Deployments[0].APIKey != "sk-from-file-123" {
		t.Errorf("deployments[0].api_key = %q, want trimmed file content", cfg.Deployments[0].APIKey)
	}
}

func TestFileReferenceDoesNotOverrideExplicitKey(t *testing.T) {
	secretFile := writeTemp(t, "secret-*.txt", "sk-from-file")

	yamlContent := `
deployments:
  - id: d1
    model: gpt-4
    api_key: sk-explicit
    api_key_file: ` + secretFile + `
`
	cfg, err := Load(writeTemp(t, "config-*.yaml", yamlContent))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Deployments[0].APIKey != "sk-explicit" {
		t.Errorf("deployments[0].api_key = %q, explicit value must win", cfg.Deployments[0].APIKey)
	}
}

func TestFileReferenceMissingFile(t *testing.T) {
	yamlContent := `
deployments:
  - id: d1
    model: gpt-4
    api_key_file: /nonexistent/secret.txt
`
	_, err := Load(writeTemp(t, "config-*.yaml", yamlContent))
	if err == nil {
		t.Fatal("expected error for missing secret file")
	}
	if !strings.Contains(err.Error(), "api_key_file") {
		t.Errorf("error %q should name the failing field", err)
	}
}

func TestFileDiscovery(t *testing.T) {
	envFile := writeTemp(t, "envconfig-*.yaml", `
server:
  port: 6060
deployments:
  - id: d1
    model: gpt-4
`)
	t.Setenv("WEICHE_CONFIG", envFile)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 6060 {
		t.Errorf("server.port = %d, want 6060 from WEICHE_CONFIG file", cfg.Server.Port)
	}
}

func TestExplicitPathBeatsEnv(t *testing.T) {
	envFile := writeTemp(t, "envconfig-*.yaml", "server:\n  port: 6060\n")
	explicit := writeTemp(t, "config-*.yaml", `
server:
  port: 5050
deployments:
  - id: d1
    model: gpt-4
`)
	t.Setenv("WEICHE_CONFIG", envFile)

	cfg, err := Load(explicit)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 5050 {
		t.Errorf("server.port = %d, want 5050 from explicit path", cfg.Server.Port)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "negative in-flight cap",
			mutate:  func(c *Config) { c.Server.MaxInFlight = -1 },
			wantErr: "server.max_in_flight",
		},
		{
			name:    "bad strategy",
			mutate:  func(c *Config) { c.Router.Strategy = "random" },
			wantErr: "router.strategy",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.Router.MaxRetries = -1 },
			wantErr: "router.max_retries",
		},
		{
			name:    "no deployments",
			mutate:  func(c *Config) { c.Deployments = nil },
			wantErr: "at least one deployment",
		},
		{
			name: "duplicate deployment id",
			mutate: func(c *Config) {
				c.Deployments = append(c.Deployments, c.Deployments[0])
			},
			wantErr: "duplicates",
		},
		{
			name: "missing model",
			mutate: func(c *Config) {
				c.Deployments[0].Model = ""
			},
			wantErr: "model is required",
		},
		{
			name: "negative tpm",
			mutate: func(c *Config) {
				c.Deployments[0].TPM = -5
			},
			wantErr: "tpm must be >= 0",
		},
		{
			name: "fallback to unknown model",
			mutate: func(c *Config) {
				c.Fallbacks = map[string][]string{"gpt-4": {"no-such-model"}}
			},
			wantErr: "no deployments",
		},
		{
			name: "bad classification class",
			mutate: func(c *Config) {
				c.Classification = map[int]string{429: "flaky"}
			},
			wantErr: "unknown error class",
		},
		{
			name: "bad classification status",
			mutate: func(c *Config) {
				c.Classification = map[int]string{42: "transient"}
			},
			wantErr: "not an HTTP status code",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Deployments = []DeploymentConfig{
				{ID: "d1", Model: "gpt-4", Provider: "openai", Weight: 1},
			}
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpFile := writeTemp(t, "config-*.yaml", "server: [not a mapping")
	if _, err := Load(tmpFile); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestLoadFailsValidation(t *testing.T) {
	tmpFile := writeTemp(t, "config-*.yaml", "server:\n  port: -1\n")
	_, err := Load(tmpFile)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(err.Error(), "config validation") {
		t.Errorf("error %q should come from validation", err)
	}
}

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, pattern, content string) string {
	t.Helper()
	dir := t.TempDir()
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		t.Fatalf("creating temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("closing temp file: %v", err)
	}
	return f.Name()
}
