// Package config loads docagent configuration from YAML with environment
// overrides.
//
// Loading is three-phase for every section: defaults fill zero values,
// DOCAGENT_* environment variables override, then the section validates.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BaseConfigFile       = "docagent.yaml"
	OverlayConfigPattern = "docagent.%s.yaml"

	EnvDocagentEnv = "DOCAGENT_ENV"
	EnvLogLevel    = "DOCAGENT_LOG_LEVEL"
	EnvLogFormat   = "DOCAGENT_LOG_FORMAT"
	EnvMetricsAddr = "DOCAGENT_METRICS_ADDR"
	EnvTracing     = "DOCAGENT_TRACING"
)

// Config is the root configuration.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Grading    GradingConfig    `yaml:"grading"`
	Retry      RetryConfig      `yaml:"retry"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	LLM        LLMConfig        `yaml:"llm"`
	Search     SearchConfig     `yaml:"search"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// TracingConfig turns on OpenTelemetry spans for engine events. Spans are
// written to the log under the "traces" component.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads path, or docagent.yaml in the working directory when path is
// empty and the file exists, applies the DOCAGENT_ENV overlay and finalizes.
// With no file at all, defaults and the environment provide everything.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		if _, err := os.Stat(BaseConfigFile); err == nil {
			path = BaseConfigFile
		}
	}
	if path != "" {
		loaded, err := load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if overlay := overlayPath(); overlay != "" {
		o, err := load(overlay)
		if err != nil {
			return nil, fmt.Errorf("load overlay %s: %w", overlay, err)
		}
		cfg.Merge(o)
	}

	if err := cfg.Finalize(); err != nil {
		return nil, fmt.Errorf("finalize config: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML without finalizing.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Finalize applies defaults, environment overrides and validation to every
// section.
func (c *Config) Finalize() error {
	c.loadDefaults()
	c.loadEnv()
	if err := c.validate(); err != nil {
		return err
	}

	sections := []struct {
		name     string
		finalize func() error
	}{
		{"engine", c.Engine.Finalize},
		{"grading", c.Grading.Finalize},
		{"retry", c.Retry.Finalize},
		{"checkpoint", c.Checkpoint.Finalize},
		{"llm", c.LLM.Finalize},
		{"search", c.Search.Finalize},
		{"retrieval", c.Retrieval.Finalize},
	}
	for _, s := range sections {
		if err := s.finalize(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// Merge overwrites c with the non-zero fields of overlay.
func (c *Config) Merge(overlay *Config) {
	c.Engine.Merge(&overlay.Engine)
	c.Grading.Merge(&overlay.Grading)
	c.Retry.Merge(&overlay.Retry)
	c.Checkpoint.Merge(&overlay.Checkpoint)
	c.LLM.Merge(&overlay.LLM)
	c.Search.Merge(&overlay.Search)
	c.Retrieval.Merge(&overlay.Retrieval)
	if overlay.Logging.Level != "" {
		c.Logging.Level = overlay.Logging.Level
	}
	if overlay.Logging.Format != "" {
		c.Logging.Format = overlay.Logging.Format
	}
	if overlay.Metrics.Addr != "" {
		c.Metrics.Addr = overlay.Metrics.Addr
	}
	if overlay.Tracing.Enabled {
		c.Tracing.Enabled = true
	}
}

func (c *Config) loadDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) loadEnv() {
	envString(EnvLogLevel, &c.Logging.Level)
	envString(EnvLogFormat, &c.Logging.Format)
	envString(EnvMetricsAddr, &c.Metrics.Addr)
	envBool(EnvTracing, &c.Tracing.Enabled)
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q: want text or json", c.Logging.Format)
	}
	return nil
}

func load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func overlayPath() string {
	if env := os.Getenv(EnvDocagentEnv); env != "" {
		path := fmt.Sprintf(OverlayConfigPattern, env)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// duration parses an optional duration field. Empty is zero.
func duration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: negative duration", field)
	}
	return d, nil
}

// mustDuration is for fields already checked by validate.
func mustDuration(v string) time.Duration {
	d, _ := time.ParseDuration(v)
	return d
}

func validateDurations(fields map[string]string) error {
	var errs []error
	for name, v := range fields {
		if _, err := duration(name, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
