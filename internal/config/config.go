// Package config resolves the async-code home directory and loads the
// orchestrator configuration from <home>/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the orchestrator limits and knobs. Every field has a usable
// default; a missing config.yaml is not an error.
type Config struct {
	// PerOwnerLimit caps concurrently running tasks per owner.
	PerOwnerLimit int `yaml:"per_owner_limit"`
	// SandboxCapacity caps concurrently allocated sandboxes globally.
	SandboxCapacity int `yaml:"sandbox_capacity"`
	// MaxRetries bounds the retry sub-loop for transient stage failures.
	MaxRetries int `yaml:"max_retries"`
	// RetryBackoff is the base backoff between retries; doubles per attempt.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// SandboxTimeout is the wall-clock budget for one task's sandbox.
	SandboxTimeout time.Duration `yaml:"sandbox_timeout"`
	// AdmitInterval is the admission loop's poll interval.
	AdmitInterval time.Duration `yaml:"admit_interval"`
	// AuthDisabled selects the static mock identity resolver instead of
	// header-based identity.
	AuthDisabled bool `yaml:"auth_disabled"`

	DBDriver string `yaml:"db_driver"` // "sqlite" (default) or "postgres"
	DBURL    string `yaml:"db_url"`    // for postgres; DATABASE_URL also works
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		PerOwnerLimit:   3,
		SandboxCapacity: 8,
		MaxRetries:      2,
		RetryBackoff:    2 * time.Second,
		SandboxTimeout:  15 * time.Minute,
		AdmitInterval:   1 * time.Second,
		DBDriver:        "sqlite",
	}
}

// Path returns <home>/config.yaml.
func Path(home string) string {
	return filepath.Join(home, "config.yaml")
}

// Load reads <home>/config.yaml over the defaults. A missing file returns the
// defaults; a malformed file is an error.
func Load(home string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(Path(home))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", Path(home), err)
	}
	return cfg.WithDefaults(), nil
}

// Save writes cfg to <home>/config.yaml.
func Save(home string, cfg Config) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(home), data, 0o644)
}

// WithDefaults fills zero values so a partial or zero config stays usable.
func (c Config) WithDefaults() Config {
	d := Default()
	if c.PerOwnerLimit <= 0 {
		c.PerOwnerLimit = d.PerOwnerLimit
	}
	if c.SandboxCapacity <= 0 {
		c.SandboxCapacity = d.SandboxCapacity
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.SandboxTimeout <= 0 {
		c.SandboxTimeout = d.SandboxTimeout
	}
	if c.AdmitInterval <= 0 {
		c.AdmitInterval = d.AdmitInterval
	}
	if c.DBDriver == "" {
		c.DBDriver = d.DBDriver
	}
	return c
}
