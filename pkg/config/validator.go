package config

import "fmt"

// Validator validates configuration comprehensively with clear error messages,
// in a fail-fast, ordered style.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation, stopping at the first error.
func (v *Validator) ValidateAll() error {
	if err := v.validateLimits(); err != nil {
		return fmt.Errorf("limits validation failed: %w", err)
	}
	if err := v.validateRetry(); err != nil {
		return fmt.Errorf("retry validation failed: %w", err)
	}
	if err := v.validateReview(); err != nil {
		return fmt.Errorf("review validation failed: %w", err)
	}
	if err := v.validateLocks(); err != nil {
		return fmt.Errorf("locks validation failed: %w", err)
	}
	if err := v.validateQueue(); err != nil {
		return fmt.Errorf("queue validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateLimits() error {
	l := v.cfg.Limits
	if l == nil {
		return fmt.Errorf("limits config is required")
	}
	if l.MaxFiles < 1 || l.MaxFiles > 20 {
		return fmt.Errorf("max_files must be in [1,20], got %d", l.MaxFiles)
	}
	if l.MaxTests < 1 || l.MaxTests > 50 {
		return fmt.Errorf("max_tests must be in [1,50], got %d", l.MaxTests)
	}
	if l.MaxSeconds < 30 || l.MaxSeconds > 900 {
		return fmt.Errorf("max_seconds must be in [30,900], got %d", l.MaxSeconds)
	}
	if l.MaxSubagents < 1 {
		return fmt.Errorf("max_subagents must be positive, got %d", l.MaxSubagents)
	}
	if l.MaxExecutors < 1 {
		return fmt.Errorf("max_executors must be positive, got %d", l.MaxExecutors)
	}
	if l.MinSubtasks < 1 || l.MaxSubtasks < l.MinSubtasks {
		return fmt.Errorf("subtask bounds invalid: min=%d max=%d", l.MinSubtasks, l.MaxSubtasks)
	}
	return nil
}

func (v *Validator) validateRetry() error {
	r := v.cfg.Retry
	if r == nil {
		return fmt.Errorf("retry config is required")
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", r.MaxRetries)
	}
	if r.Multiplier <= 1 {
		return fmt.Errorf("multiplier must be > 1, got %f", r.Multiplier)
	}
	if r.JitterFraction < 0 || r.JitterFraction > 1 {
		return fmt.Errorf("jitter_fraction must be in [0,1], got %f", r.JitterFraction)
	}
	if r.MaxDelay < r.InitialDelay {
		return fmt.Errorf("max_delay (%s) must be >= initial_delay (%s)", r.MaxDelay, r.InitialDelay)
	}
	return nil
}

func (v *Validator) validateReview() error {
	rv := v.cfg.Review
	if rv == nil {
		return fmt.Errorf("review config is required")
	}
	if rv.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1, got %d", rv.MaxIterations)
	}
	return nil
}

func (v *Validator) validateLocks() error {
	lk := v.cfg.Locks
	if lk == nil {
		return fmt.Errorf("locks config is required")
	}
	if lk.GlobalExecutorCapacity < 1 {
		return fmt.Errorf("global_executor_capacity must be >= 1, got %d", lk.GlobalExecutorCapacity)
	}
	return nil
}

func (v *Validator) validateQueue() error {
	q := v.cfg.Queue
	if q == nil {
		return fmt.Errorf("queue config is required")
	}
	if q.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", q.PollInterval)
	}
	if q.StaleTaskThreshold <= 0 {
		return fmt.Errorf("stale_task_threshold must be positive, got %s", q.StaleTaskThreshold)
	}
	return nil
}
