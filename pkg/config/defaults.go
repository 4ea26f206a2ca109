package config

import "time"

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      250 * time.Millisecond,
		StaleTaskThreshold:      15 * time.Minute,
		GracefulShutdownTimeout: 15 * time.Minute,
	}
}

// DefaultRetryConfig returns the built-in retry/backoff defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:       3,
		InitialDelay:     1 * time.Second,
		Multiplier:       2,
		MaxDelay:         30 * time.Second,
		JitterFraction:   0.1,
		RateLimitInitial: 5 * time.Second,
		TimeoutMaxDelay:  60 * time.Second,
	}
}

// DefaultReviewConfig returns the built-in review loop defaults.
func DefaultReviewConfig() *ReviewConfig {
	return &ReviewConfig{MaxIterations: 5}
}

// DefaultLimitConfig returns the built-in per-task budgets.
func DefaultLimitConfig() *LimitConfig {
	return &LimitConfig{
		MaxFiles:     5,
		MaxTests:     10,
		MaxSeconds:   300,
		MaxSubagents: 9,
		MaxExecutors: 4,
		MinSubtasks:  2,
		MaxSubtasks:  10,
	}
}

// DefaultLockConfig returns the built-in lock manager defaults.
func DefaultLockConfig() *LockConfig {
	return &LockConfig{GlobalExecutorCapacity: 4}
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		TaskRetentionDays: 90,
		CleanupInterval:   12 * time.Hour,
	}
}

// Default returns a fully populated Config using every component's defaults.
func Default() *Config {
	return &Config{
		Namespace: &NamespaceConfig{},
		Queue:     DefaultQueueConfig(),
		Retry:     DefaultRetryConfig(),
		Review:    DefaultReviewConfig(),
		Limits:    DefaultLimitConfig(),
		Locks:     DefaultLockConfig(),
		Retention: DefaultRetentionConfig(),
		StateDir:  ".pmrunner",
	}
}
