package trace_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pm-runner/pmrunner/pkg/trace"
)

func intPtr(i int) *int { return &i }

func TestOpenThenLog_WritesValidJSONLines(t *testing.T) {
	dir := t.TempDir()
	tr := trace.New(dir)

	path, err := tr.Open("sess-1", "task-1")
	require.NoError(t, err)
	require.FileExists(t, path)

	require.NoError(t, tr.Log("task-1", trace.EventUserRequest, map[string]any{"prompt": "fix bug"}, trace.Options{}))
	require.NoError(t, tr.Log("task-1", trace.EventLLMRequest, nil, trace.Options{IterationIndex: intPtr(0)}))
	require.NoError(t, tr.Log("task-1", trace.EventLLMResponse, nil, trace.Options{IterationIndex: intPtr(0)}))
	require.NoError(t, tr.Log("task-1", trace.EventIterationEnd, nil, trace.Options{IterationIndex: intPtr(1)}))
	require.NoError(t, tr.Close("task-1"))

	result, err := trace.VerifyConversationTrace(path)
	require.NoError(t, err)
	assert.Equal(t, 4, result.TotalLines)
	assert.Equal(t, 4, result.ValidLines)
	assert.Empty(t, result.InvalidLines)
	assert.Equal(t, 2, result.TotalIterations)
	assert.Equal(t, 1, result.EventCounts["USER_REQUEST"])
}

func TestOpen_IsIdempotentPerTask(t *testing.T) {
	dir := t.TempDir()
	tr := trace.New(dir)
	p1, err := tr.Open("sess-1", "task-1")
	require.NoError(t, err)
	p2, err := tr.Open("sess-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}

func TestLog_WithoutOpenFails(t *testing.T) {
	dir := t.TempDir()
	tr := trace.New(dir)
	err := tr.Log("unknown-task", trace.EventUserRequest, nil, trace.Options{})
	assert.Error(t, err)
}

func TestVerifyConversationTrace_ReportsInvalidLines(t *testing.T) {
	dir := t.TempDir()
	tr := trace.New(dir)
	path, err := tr.Open("sess-1", "task-1")
	require.NoError(t, err)
	require.NoError(t, tr.Log("task-1", trace.EventUserRequest, nil, trace.Options{}))
	require.NoError(t, tr.Close("task-1"))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not valid json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	result, err := trace.VerifyConversationTrace(path)
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalLines)
	assert.Equal(t, 1, result.ValidLines)
	assert.Equal(t, []int{2}, result.InvalidLines)
}
