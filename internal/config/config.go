// Package config loads the kernel's YAML configuration, split into one
// file per concern, with environment overrides and hot-reload of the
// fields that are safe to change at runtime (log level, feature flags).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration object.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	LLM           LLMConfig           `yaml:"llm"`
	Session       SessionConfig       `yaml:"session"`
	Registry      RegistryConfig      `yaml:"registry"`
	VectorIndex   VectorIndexConfig   `yaml:"vector_index"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	MCP           MCPConfig           `yaml:"mcp"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// LoggingConfig selects the slog handler format and level.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	Tracing       TracingConfig `yaml:"tracing"`
	MetricsAddr   string        `yaml:"metrics_addr"`
}

// TracingConfig mirrors observability.TracingConfig's YAML shape; kept
// separate to avoid an import cycle between config and observability.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	Environment    string  `yaml:"environment"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	Insecure       bool    `yaml:"insecure"`
}

// Default returns the baseline configuration applied before the YAML
// file and environment overrides are layered on.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080", InternalKeyEnv: "KERNEL_INTERNAL_KEY"},
		Store:  StoreConfig{Driver: "sqlite", DSN: "kernel.db"},
		LLM: LLMConfig{
			Primary:  LLMProviderConfig{Name: "anthropic", Model: "claude-sonnet-4-5"},
			Baseline: LLMProviderConfig{Name: "openai", Model: "gpt-4o-mini"},
		},
		Session:     DefaultSessionConfig(),
		Registry:    RegistryConfig{},
		VectorIndex: VectorIndexConfig{Backend: "sqlite", Dimension: 1536},
		Scheduler:   SchedulerConfig{TickInterval: "1s"},
		MCP:         MCPConfig{SessionTTL: "1h", KeepAlive: "30s"},
		Logging:     LoggingConfig{Level: "info", Format: "text"},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
		},
	}
}

// Load reads a YAML file at path, layering it on top of Default(), then
// applies environment variable overrides. A missing file is not an
// error; the defaults (plus env overrides) are used, so the server can
// start even when optional inputs are absent.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KERNEL_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("KERNEL_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("KERNEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("KERNEL_JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.Primary.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.Baseline.APIKey = v
	}
}

// Validate checks required fields. A fatal configuration error at
// startup is the only condition that exits the process non-zero.
func (c *Config) Validate() error {
	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		return fmt.Errorf("config: store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("config: store.dsn is required")
	}
	return nil
}

// InternalKey reads the service-to-service secret from the configured
// environment variable. Empty disables x-internal-key auth entirely.
func (c *Config) InternalKey() string {
	if c.Server.InternalKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Server.InternalKeyEnv)
}
