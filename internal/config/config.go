// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Lock          LockConfig          `yaml:"lock"`
	Graphs        GraphsConfig        `yaml:"graphs"`
	Assignment    AssignmentConfig    `yaml:"assignment"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig describes workflow persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// LockConfig describes per-request locking.
type LockConfig struct {
	Driver         string        `yaml:"driver"`
	AddrEnv        string        `yaml:"addr_env"`
	DB             int           `yaml:"db"`
	Prefix         string        `yaml:"prefix"`
	TTL            time.Duration `yaml:"ttl"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// GraphsConfig describes where to find workflow graph YAML files.
type GraphsConfig struct {
	Directories      []string `yaml:"directories"`
	StrictConditions bool     `yaml:"strict_conditions"`
}

// AssignmentConfig describes static approver assignment. Steps maps a
// workflow type to step name (or id) to approver ids and overrides the
// approvers declared in the graph files. File, when set, is a YAML file with
// the same "steps" shape that can be reloaded at runtime.
type AssignmentConfig struct {
	Steps            map[string]map[string][]string `yaml:"steps"`
	DefaultApprovers []string                       `yaml:"default_approvers"`
	File             string                         `yaml:"file"`
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	InitialWorkflowType string        `yaml:"initial_workflow_type"`
	ReconcileInterval   time.Duration `yaml:"reconcile_interval"`
}

// IdempotencyConfig describes idempotency-key handling for create calls.
type IdempotencyConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "APPROVALS_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Lock: LockConfig{
			Driver:         "memory",
			AddrEnv:        "APPROVALS_REDIS_ADDR",
			Prefix:         "approvals:lock:",
			TTL:            30 * time.Second,
			RetryInterval:  25 * time.Millisecond,
			AcquireTimeout: 5 * time.Second,
		},
		Graphs: GraphsConfig{
			Directories:      []string{"/graphs"},
			StrictConditions: true,
		},
		Workflow: WorkflowConfig{
			InitialWorkflowType: "default",
			ReconcileInterval:   60 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			Enabled:    true,
			Driver:     "memory",
			AddrEnv:    "APPROVALS_REDIS_ADDR",
			DefaultTTL: 24 * time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be memory or postgres", c.Store.Driver))
	}

	switch c.Lock.Driver {
	case "memory":
	case "redis":
		if c.Lock.AddrEnv == "" {
			errs = append(errs, "lock.addr_env is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("lock.driver %q must be memory or redis", c.Lock.Driver))
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, "lock.ttl must be positive")
	}
	if c.Lock.AcquireTimeout <= 0 {
		errs = append(errs, "lock.acquire_timeout must be positive")
	}

	if len(c.Graphs.Directories) == 0 {
		errs = append(errs, "graphs.directories must name at least one directory")
	}
	if c.Workflow.InitialWorkflowType == "" {
		errs = append(errs, "workflow.initial_workflow_type is required")
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Driver {
		case "memory":
		case "redis":
			if c.Idempotency.AddrEnv == "" {
				errs = append(errs, "idempotency.addr_env is required for the redis driver")
			}
		default:
			errs = append(errs, fmt.Sprintf("idempotency.driver %q must be memory or redis", c.Idempotency.Driver))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads APPROVALS_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APPROVALS_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("APPROVALS_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("APPROVALS_LOCK_DRIVER"); v != "" {
		cfg.Lock.Driver = v
	}
	if v := os.Getenv("APPROVALS_GRAPHS_DIRECTORIES"); v != "" {
		cfg.Graphs.Directories = strings.Split(v, ",")
	}
	if v := os.Getenv("APPROVALS_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
