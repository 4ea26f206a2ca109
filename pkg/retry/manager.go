package retry

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pm-runner/pmrunner/pkg/config"
)

// Manager tracks retry history per (task_id, subtask_id?) and computes
// PASS/RETRY/ESCALATE decisions with exponential backoff. The history
// registry is a plain map+mutex, the same bookkeeping style as
// pkg/lockmanager and pkg/limits, rather than a dedicated state-store
// dependency.
type Manager struct {
	cfg *config.RetryConfig

	mu      sync.Mutex
	history map[Key][]Attempt
}

// New builds a Manager bound to cfg.
func New(cfg *config.RetryConfig) *Manager {
	return &Manager{cfg: cfg, history: make(map[Key][]Attempt)}
}

// Record appends one attempt to the history for key.
func (m *Manager) Record(key Key, attempt Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[key] = append(m.history[key], attempt)
}

// History returns a copy of the recorded attempts for key.
func (m *Manager) History(key Key) []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[key]
	out := make([]Attempt, len(h))
	copy(out, h)
	return out
}

// Decide applies the PASS/RETRY/ESCALATE rule for the attempt
// just recorded at key. pass indicates whether the just-completed attempt
// itself succeeded; failureType is meaningful only when pass is false.
func (m *Manager) Decide(key Key, pass bool, failureType FailureType) Decision {
	if pass {
		return Decision{Kind: DecisionPass}
	}

	attempts := m.History(key)
	retryCount := len(attempts) // attempts already recorded, including the failed one just logged
	if retryCount > m.cfg.MaxRetries {
		return Decision{Kind: DecisionEscalate, Reason: "max_retries reached"}
	}
	if nonRetryable(failureType) {
		return Decision{Kind: DecisionEscalate, Reason: "non-retryable failure: " + string(failureType)}
	}

	delay := m.ComputeDelay(failureType, retryCount-1)
	return Decision{Kind: DecisionRetry, DelayMS: delay.Milliseconds()}
}

// ComputeDelay returns the backoff delay for the given zero-indexed attempt
// number, applying any failure-type-specific override.
func (m *Manager) ComputeDelay(failureType FailureType, attempt int) time.Duration {
	initial := m.cfg.InitialDelay
	maxDelay := m.cfg.MaxDelay
	switch failureType {
	case FailureRateLimit:
		initial = m.cfg.RateLimitInitial
	case FailureTimeout:
		maxDelay = m.cfg.TimeoutMaxDelay
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = m.cfg.Multiplier
	b.MaxInterval = maxDelay
	b.RandomizationFactor = m.cfg.JitterFraction
	b.MaxElapsedTime = 0 // never signal backoff.Stop; the caller owns max_retries
	b.Reset()

	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	if d > maxDelay {
		// RandomizationFactor can push the jittered value above MaxInterval
		// on the final step; the upper bound clamps to max_delay
		// before applying jitter, which NextBackOff does not itself enforce.
		jitterCeiling := time.Duration(float64(maxDelay) * (1 + m.cfg.JitterFraction))
		if d > jitterCeiling {
			d = jitterCeiling
		}
	}
	return d
}
