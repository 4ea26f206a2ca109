// Package config loads and validates PM-Runner's YAML configuration: a root
// YAML document merged over built-in defaults, with environment variable
// expansion before parsing.
package config

import "time"

// Config is the umbrella configuration object returned by Initialize and
// threaded through every component at startup.
type Config struct {
	Namespace *NamespaceConfig `yaml:"namespace"`
	Queue     *QueueConfig     `yaml:"queue"`
	Retry     *RetryConfig     `yaml:"retry"`
	Review    *ReviewConfig    `yaml:"review"`
	Limits    *LimitConfig     `yaml:"limits"`
	Locks     *LockConfig      `yaml:"locks"`
	Retention *RetentionConfig `yaml:"retention"`
	StateDir  string           `yaml:"state_dir"`
}

// NamespaceConfig controls namespace resolution.
type NamespaceConfig struct {
	// Override, if set, is used verbatim instead of deriving from ProjectPath.
	Override string `yaml:"override"`
	// ProjectPath is the project directory used to auto-derive a namespace
	// when Override is empty.
	ProjectPath string `yaml:"project_path"`
}

// QueueConfig tunes the poller's claim loop.
type QueueConfig struct {
	// PollInterval is the base interval between claim attempts when idle.
	PollInterval time.Duration `yaml:"poll_interval"`
	// PollIntervalJitter is the jitter applied symmetrically around PollInterval.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`
	// StaleTaskThreshold bounds how long a task may sit in RUNNING before
	// recoverStaleTasks reclaims it on startup.
	StaleTaskThreshold time.Duration `yaml:"stale_task_threshold"`
	// GracefulShutdownTimeout bounds how long Stop waits for the in-flight
	// task to finish.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// RetryConfig tunes failure classification and exponential backoff.
type RetryConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	InitialDelay     time.Duration `yaml:"initial_delay"`
	Multiplier       float64       `yaml:"multiplier"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	JitterFraction   float64       `yaml:"jitter_fraction"`
	RateLimitInitial time.Duration `yaml:"rate_limit_initial_delay"`
	TimeoutMaxDelay  time.Duration `yaml:"timeout_max_delay"`
}

// ReviewConfig bounds the review loop.
type ReviewConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

// LimitConfig sets per-task budgets and parallel ceilings.
type LimitConfig struct {
	MaxFiles     int `yaml:"max_files"`
	MaxTests     int `yaml:"max_tests"`
	MaxSeconds   int `yaml:"max_seconds"`
	MaxSubagents int `yaml:"max_subagents"`
	MaxExecutors int `yaml:"max_executors"`
	MinSubtasks  int `yaml:"min_subtasks"`
	MaxSubtasks  int `yaml:"max_subtasks"`
}

// LockConfig sets the global executor semaphore capacity.
type LockConfig struct {
	GlobalExecutorCapacity int `yaml:"global_executor_capacity"`
}

// RetentionConfig controls deletion of terminal tasks and pruning of
// finalized evidence sessions.
type RetentionConfig struct {
	TaskRetentionDays int           `yaml:"task_retention_days"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}
