// Package graph provides the core graph execution engine.
package graph

import "time"

// Option is a functional option for configuring an Executor.
//
// Example:
//
//	exec, err := graph.NewExecutor[MyState](g, st, policy, boundaryFactory,
//	    graph.WithMaxConcurrentRuns(16),
//	    graph.WithQueueDepth(2048),
//	    graph.WithDefaultNodeTimeout(10*time.Second),
//	)
type Option func(*engineConfig) error

// engineConfig collects options before they're applied to an Executor.
type engineConfig struct {
	opts Options
}

// Options holds the runtime knobs named in spec §3 Configuration's
// "runtime" section, plus the worker-pool sizing that section leaves
// implementation-defined. Every field has a zero-value-safe default
// applied by the executor constructor.
type Options struct {
	// MaxConcurrentRuns bounds how many runs a single worker pool drives
	// at once. Each run still executes its own steps strictly
	// sequentially (spec §5); this only bounds fan-out across runs.
	MaxConcurrentRuns int

	// QueueDepth is the Frontier's bounded capacity for pending RunTasks.
	QueueDepth int

	// BackpressureTimeout bounds how long Enqueue waits for queue space.
	BackpressureTimeout time.Duration

	// DefaultNodeTimeout is perNodeTimeoutMs from spec §3 Configuration,
	// applied when a node's own NodePolicy.Timeout is unset.
	DefaultNodeTimeout time.Duration

	// RunWallClockBudget is wholeRunTimeoutMs: the whole-run deadline
	// enforced at step boundaries (spec §4.7 step 5).
	RunWallClockBudget time.Duration

	// CheckpointEveryNSteps is stored on the Options but not read by the
	// executor, which persists every step whatever its value. Default 1.
	CheckpointEveryNSteps int

	// MaxRetriesPerNode is the default RetryPolicy.MaxAttempts used when
	// a node declares no explicit policy.
	MaxRetriesPerNode int

	// ReplayPayloadSizeThresholdBytes is the inline/blob-spill cutoff
	// for activity request/response payloads (spec §4.2, §8 boundary
	// behavior: "payloads at exactly threshold spill to blob").
	ReplayPayloadSizeThresholdBytes int

	// Metrics, if set, receives the engine's Prometheus instrumentation.
	Metrics *PrometheusMetrics
}

// WithMaxConcurrentRuns sets how many runs a worker pool drives at once.
//
// Default: 8.
func WithMaxConcurrentRuns(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.MaxConcurrentRuns = n
		return nil
	}
}

// WithQueueDepth sets the Frontier's bounded RunTask queue capacity.
//
// Default: 1024. When full, Enqueue blocks (backpressure) until a
// worker dequeues a task or BackpressureTimeout elapses.
func WithQueueDepth(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.QueueDepth = n
		return nil
	}
}

// WithBackpressureTimeout bounds how long Enqueue waits for queue space.
//
// Default: 30s.
func WithBackpressureTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.BackpressureTimeout = d
		return nil
	}
}

// WithDefaultNodeTimeout sets perNodeTimeoutMs: the timeout applied to
// nodes that don't declare their own NodePolicy.Timeout.
//
// Default: 30s.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.DefaultNodeTimeout = d
		return nil
	}
}

// WithRunWallClockBudget sets wholeRunTimeoutMs, the deadline checked
// at each step boundary (spec §4.7 step 5).
//
// Default: 10m. Zero disables the whole-run deadline.
func WithRunWallClockBudget(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.RunWallClockBudget = d
		return nil
	}
}

// WithCheckpointEveryNSteps sets Options.CheckpointEveryNSteps. Default 1.
// The executor persists every step regardless of this value.
func WithCheckpointEveryNSteps(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.CheckpointEveryNSteps = n
		return nil
	}
}

// WithMaxRetriesPerNode sets the default retry attempt ceiling used
// when a node declares no explicit RetryPolicy.
//
// Default: 1 (no retries).
func WithMaxRetriesPerNode(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.MaxRetriesPerNode = n
		return nil
	}
}

// WithReplayPayloadSizeThreshold sets the byte threshold at or above which
// activity request/response payloads spill to the blob store instead
// of being stored inline (spec §4.2, §8).
//
// Default: 262144 (256 KiB).
func WithReplayPayloadSizeThreshold(bytes int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.ReplayPayloadSizeThresholdBytes = bytes
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
//
// Metrics enable production monitoring with 6 key metrics:
//   - inflight_nodes: current concurrently-executing node count
//   - queue_depth: pending RunTasks in the scheduler's Frontier
//   - step_latency_ms: node execution duration histogram
//   - retries_total: cumulative retry attempts
//   - merge_conflicts_total: checkpoint divergences detected on resume
//   - backpressure_events_total: queue saturation events
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	exec, err := graph.NewExecutor[MyState](g, st, policy, boundaryFactory, graph.WithMetrics(metrics))
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Metrics = metrics
		return nil
	}
}

// defaultOptions returns the zero-config defaults applied before any
// Option overrides them.
func defaultOptions() Options {
	return Options{
		MaxConcurrentRuns:               8,
		QueueDepth:                      1024,
		BackpressureTimeout:             30 * time.Second,
		DefaultNodeTimeout:              30 * time.Second,
		RunWallClockBudget:              10 * time.Minute,
		CheckpointEveryNSteps:           1,
		MaxRetriesPerNode:               1,
		ReplayPayloadSizeThresholdBytes: 256 * 1024,
	}
}
