package graph

import (
	"log/slog"
	"time"
)

// Options configures Engine execution behavior.
//
// Zero values are valid; New fills in defaults.
type Options struct {
	// MaxSteps bounds the number of node executions in a single Run or
	// Resume call. It backs up the iteration guard against routing loops
	// that never pass through a guarded node. 0 means no limit.
	MaxSteps int

	// MaxIterations is the per-run budget for entries into guarded nodes.
	// 0 means no limit.
	MaxIterations int

	// DefaultNodeTimeout applies to nodes without a NodePolicy timeout.
	DefaultNodeTimeout time.Duration

	// RunTimeout bounds the whole Run or Resume call. When it fires the run
	// is diverted to the degraded node. 0 means no limit.
	RunTimeout time.Duration

	// DegradedTimeout bounds the degraded node when it runs after the run
	// context is already done.
	DegradedTimeout time.Duration

	// LockTTL is the lease used with stores that implement store.Locker.
	// The store renews a held lease, so runs may take longer than LockTTL;
	// it bounds how long a crashed holder blocks the thread.
	LockTTL time.Duration

	// Logger receives engine diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics records Prometheus metrics when set.
	Metrics *PrometheusMetrics
}

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine := graph.New(reduce, st, emitter,
//	    graph.WithMaxIterations(5),
//	    graph.WithDefaultNodeTimeout(30*time.Second),
//	)
type Option func(*engineConfig) error

// engineConfig is an internal struct used to collect options before applying them to an Engine.
type engineConfig struct {
	opts Options
}

func defaultOptions() Options {
	return Options{
		MaxSteps:        100,
		DegradedTimeout: 10 * time.Second,
		LockTTL:         5 * time.Minute,
	}
}

// WithOptions replaces the whole option set. Zero fields keep their
// defaults.
func WithOptions(o Options) Option {
	return func(cfg *engineConfig) error {
		if o.MaxSteps != 0 {
			cfg.opts.MaxSteps = o.MaxSteps
		}
		if o.MaxIterations != 0 {
			cfg.opts.MaxIterations = o.MaxIterations
		}
		if o.DefaultNodeTimeout != 0 {
			cfg.opts.DefaultNodeTimeout = o.DefaultNodeTimeout
		}
		if o.RunTimeout != 0 {
			cfg.opts.RunTimeout = o.RunTimeout
		}
		if o.DegradedTimeout != 0 {
			cfg.opts.DegradedTimeout = o.DegradedTimeout
		}
		if o.LockTTL != 0 {
			cfg.opts.LockTTL = o.LockTTL
		}
		if o.Logger != nil {
			cfg.opts.Logger = o.Logger
		}
		if o.Metrics != nil {
			cfg.opts.Metrics = o.Metrics
		}
		return nil
	}
}

// WithMaxSteps limits node executions per call to prevent runaway loops.
func WithMaxSteps(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return &EngineError{Message: "MaxSteps must be >= 0", Code: "INVALID_OPTION"}
		}
		cfg.opts.MaxSteps = n
		return nil
	}
}

// WithMaxIterations sets the per-run guard budget for guarded nodes.
func WithMaxIterations(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return &EngineError{Message: "MaxIterations must be >= 0", Code: "INVALID_OPTION"}
		}
		cfg.opts.MaxIterations = n
		return nil
	}
}

// WithDefaultNodeTimeout sets the timeout for nodes without their own policy.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return &EngineError{Message: "DefaultNodeTimeout must be >= 0", Code: "INVALID_OPTION"}
		}
		cfg.opts.DefaultNodeTimeout = d
		return nil
	}
}

// WithRunTimeout bounds each Run or Resume call.
func WithRunTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return &EngineError{Message: "RunTimeout must be >= 0", Code: "INVALID_OPTION"}
		}
		cfg.opts.RunTimeout = d
		return nil
	}
}

// WithLockTTL sets the lease duration for cross-process run locks.
func WithLockTTL(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d <= 0 {
			return &EngineError{Message: "LockTTL must be > 0", Code: "INVALID_OPTION"}
		}
		cfg.opts.LockTTL = d
		return nil
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Logger = l
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Metrics = metrics
		return nil
	}
}
