// Package retry implements RetryManager: failure classification, the
// PASS/RETRY/ESCALATE decision, exponential backoff with
// symmetric jitter, escalation reporting, and optional partial-recovery
// strategy selection for chunked tasks. Backoff delays are computed with
// github.com/cenkalti/backoff/v4's ExponentialBackOff, whose InitialInterval/
// Multiplier/MaxInterval/RandomizationFactor fields map directly onto the
// backoff formula used here.
package retry

import "time"

// FailureType classifies why an iteration failed.
type FailureType string

// Failure types.
const (
	FailureTimeout    FailureType = "TIMEOUT"
	FailureQuality    FailureType = "QUALITY_FAILURE"
	FailureIncomplete FailureType = "INCOMPLETE"
	FailureRateLimit  FailureType = "RATE_LIMIT"
	FailureFatal      FailureType = "FATAL_ERROR"
	FailureTransient  FailureType = "TRANSIENT_ERROR"
	FailureUnknown    FailureType = "UNKNOWN"
)

// DecisionKind is the tagged variant discriminator for Decision.
type DecisionKind string

// Decision kinds.
const (
	DecisionPass     DecisionKind = "PASS"
	DecisionRetry    DecisionKind = "RETRY"
	DecisionEscalate DecisionKind = "ESCALATE"
)

// Decision is RetryManager's verdict for one failed attempt.
type Decision struct {
	Kind    DecisionKind
	DelayMS int64  // meaningful only when Kind == DecisionRetry
	Reason  string // meaningful only when Kind == DecisionEscalate
}

// Attempt is one entry of a task or subtask's retry history.
type Attempt struct {
	AttemptN    int         `json:"attempt_n"`
	Status      string      `json:"status"`
	FailureType FailureType `json:"failure_type,omitempty"`
	Error       string      `json:"error,omitempty"`
	DurationMS  int64       `json:"duration_ms"`
	At          time.Time   `json:"at"`
}

// Key identifies one retry history stream: a task, or a specific subtask
// within a chunked task.
type Key struct {
	TaskID    string
	SubtaskID string // empty for the top-level task's own history
}

// EscalationReport is RetryManager's output when a task exhausts retries.
type EscalationReport struct {
	Reason             string              `json:"reason"`
	FailureTypeCounts  map[FailureType]int `json:"failure_type_counts"`
	RecentHistory      []Attempt           `json:"recent_history"`
	RecommendedActions []string            `json:"recommended_actions"`
	UserMessage        string              `json:"user_message"`
	DebugInfo          DebugInfo           `json:"debug_info"`
}

// DebugInfo carries the machine-facing detail behind an EscalationReport.
type DebugInfo struct {
	RetryHistory []Attempt `json:"retry_history"`
	TraceFile    string    `json:"trace_file,omitempty"`
}

// PartialRecoveryStrategy is RetryManager's optional chunked-task partial
// recovery decision.
type PartialRecoveryStrategy string

// Partial recovery strategies.
const (
	StrategyRetryFailedOnly  PartialRecoveryStrategy = "RETRY_FAILED_ONLY"
	StrategyRollbackAndRetry PartialRecoveryStrategy = "ROLLBACK_AND_RETRY"
	StrategyPartialCommit    PartialRecoveryStrategy = "PARTIAL_COMMIT"
	StrategyEscalate         PartialRecoveryStrategy = "ESCALATE"
)
