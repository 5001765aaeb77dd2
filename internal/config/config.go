// Package config loads runtime configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"colloquy/internal/logging"
)

// Config holds all colloquy configuration.
type Config struct {
	// Core settings
	Name string `yaml:"name"`

	// Domain and training inputs
	Domain DomainConfig `yaml:"domain"`

	// Policy ensemble settings
	Policies PoliciesConfig `yaml:"policies"`

	// Tracker persistence
	Store StoreConfig `yaml:"store"`

	// Session lock settings
	Lock LockConfig `yaml:"lock"`

	// Embedding scorer (optional)
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Metrics endpoint
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DomainConfig points at the domain definition and training stories.
type DomainConfig struct {
	Path        string `yaml:"path"`
	StoriesPath string `yaml:"stories_path"`
	// ExtraRulesPath names a raw Datalog file appended to the compiled
	// domain rules.
	ExtraRulesPath string `yaml:"extra_rules_path"`
	// WatchRules enables hot reload of the extra rules file.
	WatchRules bool `yaml:"watch_rules"`
}

// PoliciesConfig tunes the ensemble.
type PoliciesConfig struct {
	MaxHistory int `yaml:"max_history"`
	// MaxRetries bounds optimistic save retries per turn.
	MaxRetries int `yaml:"max_retries"`
}

// StoreConfig selects the tracker store backend.
type StoreConfig struct {
	Backend      string `yaml:"backend"` // memory, sqlite
	DatabasePath string `yaml:"database_path"`
}

// LockConfig tunes session lock acquisition.
type LockConfig struct {
	WaitTimeout string `yaml:"wait_timeout"`
}

// EmbeddingConfig configures the GenAI embedding scorer. Disabled unless an
// API key is present.
type EmbeddingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	CentroidsPath string `yaml:"centroids_path"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Namespace string `yaml:"namespace"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "colloquy",

		Domain: DomainConfig{
			Path:        "domain.yml",
			StoriesPath: "stories.yml",
			WatchRules:  false,
		},

		Policies: PoliciesConfig{
			MaxHistory: 5,
			MaxRetries: 3,
		},

		Store: StoreConfig{
			Backend:      "sqlite",
			DatabasePath: "data/trackers.db",
		},

		Lock: LockConfig{
			WaitTimeout: "10s",
		},

		Embedding: EmbeddingConfig{
			Model: "gemini-embedding-001",
		},

		Metrics: MetricsConfig{
			Enabled:   false,
			Listen:    ":9090",
			Namespace: "colloquy",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.APIKey = key
		c.Embedding.Enabled = true
	}
	if key := os.Getenv("COLLOQUY_EMBEDDING_API_KEY"); key != "" {
		c.Embedding.APIKey = key
		c.Embedding.Enabled = true
	}
	if path := os.Getenv("COLLOQUY_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if backend := os.Getenv("COLLOQUY_STORE"); backend != "" {
		c.Store.Backend = backend
	}
	if path := os.Getenv("COLLOQUY_DOMAIN"); path != "" {
		c.Domain.Path = path
	}
	if listen := os.Getenv("COLLOQUY_METRICS_LISTEN"); listen != "" {
		c.Metrics.Listen = listen
		c.Metrics.Enabled = true
	}
	if level := os.Getenv("COLLOQUY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if v := os.Getenv("COLLOQUY_DEBUG"); v != "" {
		if debug, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = debug
		}
	}
}

// GetLockTimeout parses the lock wait timeout.
func (c *Config) GetLockTimeout() time.Duration {
	d, err := time.ParseDuration(c.Lock.WaitTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// LoggingSettings converts the logging section to the logging package's
// settings type.
func (c *Config) LoggingSettings() logging.Settings {
	return logging.Settings{
		DebugMode:  c.Logging.DebugMode,
		Level:      c.Logging.Level,
		JSONFormat: c.Logging.JSONFormat,
		Categories: c.Logging.Categories,
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "sqlite" && c.Store.DatabasePath == "" {
		return fmt.Errorf("sqlite backend requires a database path")
	}
	if c.Policies.MaxHistory < 1 {
		return fmt.Errorf("max_history must be at least 1")
	}
	if c.Embedding.Enabled && c.Embedding.APIKey == "" {
		return fmt.Errorf("embedding scorer enabled without an API key")
	}
	if c.Embedding.Enabled && c.Embedding.CentroidsPath == "" {
		return fmt.Errorf("embedding scorer enabled without a centroids file")
	}
	return nil
}
