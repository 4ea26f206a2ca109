package retry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pm-runner/pmrunner/pkg/retry"
)

func TestChoosePartialRecovery_NoFailuresIsPartialCommit(t *testing.T) {
	strategy := retry.ChoosePartialRecovery(nil, []int{0, 1, 2}, nil)
	assert.Equal(t, retry.StrategyPartialCommit, strategy)
}

func TestChoosePartialRecovery_IndependentFailureRetriesOnlyFailed(t *testing.T) {
	// subtask 1 failed but nothing downstream of it succeeded.
	edges := []retry.DependencyEdge{{From: 0, To: 2}}
	strategy := retry.ChoosePartialRecovery([]int{1}, []int{0, 2}, edges)
	assert.Equal(t, retry.StrategyRetryFailedOnly, strategy)
}

func TestChoosePartialRecovery_DownstreamOfFailureIsCompromised(t *testing.T) {
	edges := []retry.DependencyEdge{{From: 0, To: 1}}
	strategy := retry.ChoosePartialRecovery([]int{0}, []int{1}, edges)
	assert.Equal(t, retry.StrategyRollbackAndRetry, strategy)
}

func TestChoosePartialRecovery_AllFailedEscalates(t *testing.T) {
	strategy := retry.ChoosePartialRecovery([]int{0, 1}, nil, nil)
	assert.Equal(t, retry.StrategyEscalate, strategy)
}
