// Package config loads the engine configuration (YAML, home dir) and the
// faculty definitions (a directory of TOML files, one per faculty).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/animusworks/animus/internal/otel"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for "30s"-style config values.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// SandboxConfig holds defaults for the code execution sandbox.
type SandboxConfig struct {
	Image   string `yaml:"image"`
	Network string `yaml:"network"`
}

// Config is the engine-level configuration, read from
// <home>/config.yaml with environment overrides.
type Config struct {
	HomeDir string `yaml:"-"`

	DatabaseURL   string `yaml:"database_url"`
	FacultiesDir  string `yaml:"faculties_dir"`
	SkillsDir     string `yaml:"skills_dir"`
	LogLevel      string `yaml:"log_level"`
	MaxConcurrent int    `yaml:"max_concurrent"`

	// VisibilitySeconds is the queue claim visibility timeout.
	VisibilitySeconds int `yaml:"visibility_seconds"`

	// DrainTimeoutSeconds bounds the shutdown grace period for in-flight
	// foci. 0 uses the default (30s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// AnthropicAPIKeyEnv names the env var holding the LLM credential.
	// Default ANTHROPIC_API_KEY.
	AnthropicAPIKeyEnv string `yaml:"anthropic_api_key_env"`

	// MaxChildDepth caps spawn_child_work ancestry. Default 5.
	MaxChildDepth int `yaml:"max_child_depth"`

	// MaxAutoActivated caps auto-activated skills per focus. Default 3.
	MaxAutoActivated int `yaml:"max_auto_activated"`

	// SkillsHotReload watches the skills directory for changes.
	SkillsHotReload bool `yaml:"skills_hot_reload"`

	Sandbox SandboxConfig `yaml:"sandbox"`
	OTel    otel.Config   `yaml:"otel"`
}

// DefaultHomeDir returns ~/.animus.
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".animus")
}

// Load reads <homeDir>/config.yaml (missing file is fine) and applies
// defaults plus environment overrides.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.FacultiesDir == "" {
		c.FacultiesDir = filepath.Join(c.HomeDir, "faculties")
	}
	if c.SkillsDir == "" {
		c.SkillsDir = filepath.Join(c.HomeDir, "skills")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.VisibilitySeconds <= 0 {
		c.VisibilitySeconds = 60
	}
	if c.AnthropicAPIKeyEnv == "" {
		c.AnthropicAPIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if c.MaxChildDepth <= 0 {
		c.MaxChildDepth = 5
	}
	if c.MaxAutoActivated == 0 {
		c.MaxAutoActivated = 3
	}
	if c.Sandbox.Image == "" {
		c.Sandbox.Image = "python:3.12-alpine"
	}
	if c.Sandbox.Network == "" {
		c.Sandbox.Network = "none"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("OTEL_ENDPOINT"); v != "" {
		c.OTel.Enabled = true
		c.OTel.Endpoint = v
	}
}

// APIKey resolves the LLM credential from the configured env var.
func (c *Config) APIKey() string {
	return os.Getenv(c.AnthropicAPIKeyEnv)
}
