package retry

// recommendedActions is a small lookup from FailureType to an ordered list
// of human-readable remediation suggestions.
var recommendedActions = map[FailureType][]string{
	FailureTimeout: {
		"Increase max_seconds for this task type",
		"Split the task into smaller subtasks",
	},
	FailureQuality: {
		"Review the failed gates listed in the rejection details",
		"Clarify the prompt's acceptance criteria",
	},
	FailureIncomplete: {
		"Re-run with an explicit instruction to avoid omission markers",
		"Reduce scope so the executor can finish in one pass",
	},
	FailureRateLimit: {
		"Wait before resubmitting; the backend is rate-limiting requests",
		"Reduce executor concurrency",
	},
	FailureFatal: {
		"Check executor authentication/credentials",
	},
	FailureTransient: {
		"Retry later; this looks like a transient network/server error",
	},
	FailureUnknown: {
		"Inspect the conversation trace for this task",
	},
}

// BuildEscalationReport assembles the human- and machine-facing escalation
// output once a Decide call returns DecisionEscalate.
func (m *Manager) BuildEscalationReport(key Key, reason, traceFile string) EscalationReport {
	history := m.History(key)

	counts := make(map[FailureType]int)
	var actions []string
	seen := make(map[string]struct{})
	for _, a := range history {
		if a.FailureType == "" {
			continue
		}
		counts[a.FailureType]++
		for _, action := range recommendedActions[a.FailureType] {
			if _, ok := seen[action]; !ok {
				seen[action] = struct{}{}
				actions = append(actions, action)
			}
		}
	}

	recent := history
	const maxRecent = 10
	if len(recent) > maxRecent {
		recent = recent[len(recent)-maxRecent:]
	}

	return EscalationReport{
		Reason:             reason,
		FailureTypeCounts:  counts,
		RecentHistory:      recent,
		RecommendedActions: actions,
		UserMessage:        "This task could not be completed automatically: " + reason,
		DebugInfo: DebugInfo{
			RetryHistory: history,
			TraceFile:    traceFile,
		},
	}
}
