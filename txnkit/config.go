package txnkit

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file-loadable engine configuration. YAML and JSON are both
// accepted (yaml.v3 parses JSON as a subset).
type Config struct {
	// DefaultIsolation is one of "read_committed", "repeatable_read",
	// "serializable". Empty means repeatable_read.
	DefaultIsolation string `json:"default_isolation" yaml:"default_isolation"`

	// Retry configures backoff between conflict retries.
	Retry RetrySettings `json:"retry,omitempty" yaml:"retry,omitempty"`

	// GCIntervalMs is the auto-GC period in milliseconds; 0 disables the loop.
	GCIntervalMs int `json:"gc_interval_ms,omitempty" yaml:"gc_interval_ms,omitempty"`
}

// RetrySettings mirrors RetryConfig in file-friendly units.
type RetrySettings struct {
	InitialDelayMs int     `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`
	MaxDelayMs     int     `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	Multiplier     float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}

// LoadConfig parses a Config from r and validates it.
func LoadConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigFile parses a Config from the file at path.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()
	return LoadConfig(f)
}

// Validate checks field ranges and the isolation level name.
func (c *Config) Validate() error {
	if c.DefaultIsolation != "" {
		if _, err := ParseIsolationLevel(c.DefaultIsolation); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	if c.GCIntervalMs < 0 {
		return fmt.Errorf("invalid config: gc_interval_ms must be non-negative, got %d", c.GCIntervalMs)
	}
	r := c.Retry
	if r.InitialDelayMs < 0 || r.MaxDelayMs < 0 {
		return fmt.Errorf("invalid config: retry delays must be non-negative")
	}
	if r.MaxDelayMs > 0 && r.MaxDelayMs < r.InitialDelayMs {
		return fmt.Errorf("invalid config: retry max_delay_ms %d below initial_delay_ms %d", r.MaxDelayMs, r.InitialDelayMs)
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		return fmt.Errorf("invalid config: retry multiplier must be >= 1, got %v", r.Multiplier)
	}
	return nil
}

// apply translates the config onto a builder.
func (c *Config) apply(b *CoordinatorBuilder) error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.DefaultIsolation != "" {
		level, err := ParseIsolationLevel(c.DefaultIsolation)
		if err != nil {
			return err
		}
		b.WithDefaultIsolation(level)
	}

	if c.GCIntervalMs > 0 {
		b.WithGCInterval(time.Duration(c.GCIntervalMs) * time.Millisecond)
	}

	if c.Retry != (RetrySettings{}) {
		rc := &RetryConfig{
			InitialDelay: time.Duration(c.Retry.InitialDelayMs) * time.Millisecond,
			MaxDelay:     time.Duration(c.Retry.MaxDelayMs) * time.Millisecond,
			Multiplier:   c.Retry.Multiplier,
		}
		if rc.InitialDelay == 0 {
			rc.InitialDelay = 10 * time.Millisecond
		}
		if rc.MaxDelay == 0 {
			rc.MaxDelay = time.Second
		}
		if rc.Multiplier == 0 {
			rc.Multiplier = 2.0
		}
		b.WithRetryConfig(rc)
	}

	return nil
}
