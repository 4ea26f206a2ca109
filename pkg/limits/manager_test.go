package limits_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pm-runner/pmrunner/pkg/config"
	"github.com/pm-runner/pmrunner/pkg/limits"
)

func testConfig() *config.LimitConfig {
	return &config.LimitConfig{
		MaxFiles:     2,
		MaxTests:     3,
		MaxSeconds:   10,
		MaxSubagents: 2,
		MaxExecutors: 1,
		MinSubtasks:  2,
		MaxSubtasks:  10,
	}
}

func TestCheckFileOp_DeniesBeyondBudget(t *testing.T) {
	m := limits.New(testConfig())
	require.NoError(t, m.CheckFileOp("t1"))
	require.NoError(t, m.CheckFileOp("t1"))
	err := m.CheckFileOp("t1")
	require.Error(t, err)
	var v *limits.Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "max_files", v.Resource)
}

func TestCheckFileOp_IsolatedPerTask(t *testing.T) {
	m := limits.New(testConfig())
	require.NoError(t, m.CheckFileOp("t1"))
	require.NoError(t, m.CheckFileOp("t1"))
	require.NoError(t, m.CheckFileOp("t2"))
}

func TestCheckTimeBudget_ExceedsMaxSeconds(t *testing.T) {
	m := limits.New(testConfig())
	require.NoError(t, m.CheckTimeBudget("t1", 5))
	err := m.CheckTimeBudget("t1", 11)
	require.Error(t, err)
}

func TestCheckTestExec_DeniesBeyondBudget(t *testing.T) {
	m := limits.New(testConfig())
	for i := 0; i < 3; i++ {
		require.NoError(t, m.CheckTestExec("t1"))
	}
	err := m.CheckTestExec("t1")
	require.Error(t, err)
	var v *limits.Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "max_tests", v.Resource)
}

func TestAcquireSubagent_HardCeiling(t *testing.T) {
	m := limits.New(testConfig())
	require.NoError(t, m.AcquireSubagent())
	require.NoError(t, m.AcquireSubagent())
	require.Error(t, m.AcquireSubagent())
	m.ReleaseSubagent()
	require.NoError(t, m.AcquireSubagent())
}

func TestAcquireExecutor_HardCeiling(t *testing.T) {
	m := limits.New(testConfig())
	require.NoError(t, m.AcquireExecutor())
	err := m.AcquireExecutor()
	require.Error(t, err)
	m.ReleaseExecutor()
	require.NoError(t, m.AcquireExecutor())
}

func TestSuggestChunkSize_ClampsToRemaining(t *testing.T) {
	m := limits.New(testConfig())
	assert.Equal(t, 2, m.SuggestChunkSize("t1", 10))
	require.NoError(t, m.CheckFileOp("t1"))
	assert.Equal(t, 1, m.SuggestChunkSize("t1", 10))
	assert.Equal(t, 1, m.SuggestChunkSize("t1", 1))
}

func TestReleaseTask_ResetsUsage(t *testing.T) {
	m := limits.New(testConfig())
	require.NoError(t, m.CheckFileOp("t1"))
	require.NoError(t, m.CheckFileOp("t1"))
	require.Error(t, m.CheckFileOp("t1"))

	m.ReleaseTask("t1")
	require.NoError(t, m.CheckFileOp("t1"))
}
