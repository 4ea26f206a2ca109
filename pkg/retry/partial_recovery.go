package retry

// DependencyEdge mirrors planner.DependencyEdge's shape locally to avoid an
// import cycle (pkg/planner has no reason to depend on pkg/retry).
type DependencyEdge struct {
	From int
	To   int
}

// ChoosePartialRecovery picks a recovery strategy for a chunked task with a
// mix of failed and succeeded subtasks. Indices refer to positions in the chunked task's subtask list.
func ChoosePartialRecovery(failed, succeeded []int, edges []DependencyEdge) PartialRecoveryStrategy {
	if len(failed) == 0 {
		return StrategyPartialCommit
	}

	failedSet := make(map[int]struct{}, len(failed))
	for _, i := range failed {
		failedSet[i] = struct{}{}
	}
	succeededSet := make(map[int]struct{}, len(succeeded))
	for _, i := range succeeded {
		succeededSet[i] = struct{}{}
	}

	// A succeeded subtask that depends on a failed one is compromised: its
	// output may be built on work that never materialized.
	compromised := false
	for _, e := range edges {
		if _, failedDep := failedSet[e.From]; failedDep {
			if _, succeededDependent := succeededSet[e.To]; succeededDependent {
				compromised = true
				break
			}
		}
	}

	switch {
	case !compromised && len(succeeded) > 0:
		return StrategyRetryFailedOnly
	case compromised:
		return StrategyRollbackAndRetry
	case len(succeeded) == 0:
		return StrategyEscalate
	default:
		return StrategyPartialCommit
	}
}
