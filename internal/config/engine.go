package config

import (
	"fmt"
	"time"

	"github.com/huytofu/documentation-helper-agent-sub000/graph"
)

const (
	EnvMaxIterations  = "DOCAGENT_MAX_ITERATIONS"
	EnvMaxRetries     = "DOCAGENT_MAX_RETRIES"
	EnvNodeTimeout    = "DOCAGENT_NODE_TIMEOUT"
	EnvRunTimeout     = "DOCAGENT_RUN_TIMEOUT"
	EnvNamespace      = "DOCAGENT_NAMESPACE"
	EnvPerDocTimeout  = "DOCAGENT_GRADING_PER_DOC_TIMEOUT"
	EnvMaxWorkers     = "DOCAGENT_GRADING_MAX_WORKERS"
	EnvGradingTimeout = "DOCAGENT_GRADING_TIMEOUT"
	EnvRetryAttempts  = "DOCAGENT_RETRY_MAX_ATTEMPTS"
	EnvCallTimeout    = "DOCAGENT_CALL_TIMEOUT"
)

// EngineConfig bounds a run.
type EngineConfig struct {
	// Namespace is the checkpoint namespace runs use unless the caller
	// names one.
	Namespace      string `yaml:"namespace"`
	MaxIterations  int    `yaml:"max_iterations"`
	MaxRetries     int    `yaml:"max_retries"`
	MaxSteps       int    `yaml:"max_steps"`
	MessagesWindow int    `yaml:"messages_window"`
	NodeTimeout    string `yaml:"node_timeout"`
	RunTimeout     string `yaml:"run_timeout"`
}

// Finalize applies defaults, environment overrides and validation.
func (c *EngineConfig) Finalize() error {
	if c.Namespace == "" {
		c.Namespace = "docs"
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = 5
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxSteps == 0 {
		c.MaxSteps = 100
	}
	if c.MessagesWindow == 0 {
		c.MessagesWindow = 20
	}
	if c.NodeTimeout == "" {
		c.NodeTimeout = "2m"
	}

	envString(EnvNamespace, &c.Namespace)
	envInt(EnvMaxIterations, &c.MaxIterations)
	envInt(EnvMaxRetries, &c.MaxRetries)
	envString(EnvNodeTimeout, &c.NodeTimeout)
	envString(EnvRunTimeout, &c.RunTimeout)

	if c.MaxIterations < 0 || c.MaxRetries < 0 || c.MaxSteps < 0 || c.MessagesWindow < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	return validateDurations(map[string]string{"node_timeout": c.NodeTimeout, "run_timeout": c.RunTimeout})
}

// Merge overwrites non-zero fields from overlay.
func (c *EngineConfig) Merge(overlay *EngineConfig) {
	if overlay.Namespace != "" {
		c.Namespace = overlay.Namespace
	}
	if overlay.MaxIterations != 0 {
		c.MaxIterations = overlay.MaxIterations
	}
	if overlay.MaxRetries != 0 {
		c.MaxRetries = overlay.MaxRetries
	}
	if overlay.MaxSteps != 0 {
		c.MaxSteps = overlay.MaxSteps
	}
	if overlay.MessagesWindow != 0 {
		c.MessagesWindow = overlay.MessagesWindow
	}
	if overlay.NodeTimeout != "" {
		c.NodeTimeout = overlay.NodeTimeout
	}
	if overlay.RunTimeout != "" {
		c.RunTimeout = overlay.RunTimeout
	}
}

// NodeTimeoutDuration returns NodeTimeout as a time.Duration.
func (c *EngineConfig) NodeTimeoutDuration() time.Duration {
	return mustDuration(c.NodeTimeout)
}

// Options returns the engine options the config describes.
func (c *EngineConfig) Options() []graph.Option {
	return []graph.Option{
		graph.WithMaxIterations(c.MaxIterations),
		graph.WithMaxSteps(c.MaxSteps),
		graph.WithRunTimeout(mustDuration(c.RunTimeout)),
	}
}

// GradingConfig sizes the document grading fan-out.
type GradingConfig struct {
	PerDocTimeout  string `yaml:"per_doc_timeout"`
	MaxWorkers     int    `yaml:"max_workers"`
	OverallTimeout string `yaml:"overall_timeout"`

	// Journal persists per-document verdicts as checkpoint pending writes.
	Journal *bool `yaml:"journal"`
}

// Finalize applies defaults, environment overrides and validation.
func (c *GradingConfig) Finalize() error {
	if c.PerDocTimeout == "" {
		c.PerDocTimeout = "10s"
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = 4
	}
	if c.Journal == nil {
		on := true
		c.Journal = &on
	}

	envString(EnvPerDocTimeout, &c.PerDocTimeout)
	envInt(EnvMaxWorkers, &c.MaxWorkers)
	envString(EnvGradingTimeout, &c.OverallTimeout)

	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be at least 1")
	}
	return validateDurations(map[string]string{"per_doc_timeout": c.PerDocTimeout, "overall_timeout": c.OverallTimeout})
}

// Merge overwrites non-zero fields from overlay.
func (c *GradingConfig) Merge(overlay *GradingConfig) {
	if overlay.PerDocTimeout != "" {
		c.PerDocTimeout = overlay.PerDocTimeout
	}
	if overlay.MaxWorkers != 0 {
		c.MaxWorkers = overlay.MaxWorkers
	}
	if overlay.OverallTimeout != "" {
		c.OverallTimeout = overlay.OverallTimeout
	}
	if overlay.Journal != nil {
		c.Journal = overlay.Journal
	}
}

// PerDocTimeoutDuration returns PerDocTimeout as a time.Duration.
func (c *GradingConfig) PerDocTimeoutDuration() time.Duration {
	return mustDuration(c.PerDocTimeout)
}

// OverallTimeoutDuration returns OverallTimeout as a time.Duration. Zero
// means the coordinator derives it.
func (c *GradingConfig) OverallTimeoutDuration() time.Duration {
	return mustDuration(c.OverallTimeout)
}

// JournalEnabled reports whether grading verdicts are journaled.
func (c *GradingConfig) JournalEnabled() bool {
	return c.Journal != nil && *c.Journal
}

// RetryConfig is the policy for every outbound collaborator call.
type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	BaseDelay   string `yaml:"base_delay"`
	MaxDelay    string `yaml:"max_delay"`
	CallTimeout string `yaml:"call_timeout"`
}

// Finalize applies defaults, environment overrides and validation.
func (c *RetryConfig) Finalize() error {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay == "" {
		c.BaseDelay = "200ms"
	}
	if c.MaxDelay == "" {
		c.MaxDelay = "5s"
	}
	if c.CallTimeout == "" {
		c.CallTimeout = "60s"
	}

	envInt(EnvRetryAttempts, &c.MaxAttempts)
	envString(EnvCallTimeout, &c.CallTimeout)

	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	return validateDurations(map[string]string{
		"base_delay":   c.BaseDelay,
		"max_delay":    c.MaxDelay,
		"call_timeout": c.CallTimeout,
	})
}

// Merge overwrites non-zero fields from overlay.
func (c *RetryConfig) Merge(overlay *RetryConfig) {
	if overlay.MaxAttempts != 0 {
		c.MaxAttempts = overlay.MaxAttempts
	}
	if overlay.BaseDelay != "" {
		c.BaseDelay = overlay.BaseDelay
	}
	if overlay.MaxDelay != "" {
		c.MaxDelay = overlay.MaxDelay
	}
	if overlay.CallTimeout != "" {
		c.CallTimeout = overlay.CallTimeout
	}
}

// Policy returns the retry discipline without a per-call timeout.
func (c *RetryConfig) Policy() graph.RetryPolicy {
	return graph.RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   mustDuration(c.BaseDelay),
		MaxDelay:    mustDuration(c.MaxDelay),
	}
}

// CallPolicy returns the timeout and retry policy for one call.
func (c *RetryConfig) CallPolicy() graph.CallPolicy {
	return graph.CallPolicy{Timeout: mustDuration(c.CallTimeout), Retry: c.Policy()}
}
