// Package config loads the engine's YAML configuration and supports
// hot-reloading the throttle section while campaigns run.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"leadpilot/internal/browser"
	"leadpilot/internal/compliance"
)

// Config holds all leadpilot configuration.
type Config struct {
	Name string `yaml:"name"`

	// Browser configures the rod-controlled browser session.
	Browser browser.Config `yaml:"browser"`

	// Throttle is the compliance gate's rate policy. This section is
	// hot-reloadable.
	Throttle compliance.ThrottleConfig `yaml:"throttle"`

	// ApprovalTTLMs overrides the pending-approval expiry when > 0.
	ApprovalTTLMs int `yaml:"approval_ttl_ms"`

	Engine  EngineConfig  `yaml:"engine"`
	Audit   AuditConfig   `yaml:"audit"`
	Logging LoggingConfig `yaml:"logging"`
}

// EngineConfig tunes workflow step execution.
type EngineConfig struct {
	MaxRetries    int `yaml:"max_retries"`
	StepTimeoutMs int `yaml:"step_timeout_ms"`
	BackoffBaseMs int `yaml:"backoff_base_ms"`
}

// AuditConfig configures the durable event sink.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:     "leadpilot",
		Browser:  browser.DefaultConfig(),
		Throttle: compliance.DefaultThrottleConfig(),
		Engine: EngineConfig{
			MaxRetries:    3,
			StepTimeoutMs: 30000,
			BackoffBaseMs: 1000,
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    "data/leadpilot.db",
		},
		Logging: LoggingConfig{},
	}
}

// Load reads configuration from a YAML file layered over defaults. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes configuration to a YAML file, creating directories.
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
