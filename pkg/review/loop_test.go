package review_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pm-runner/pmrunner/pkg/executor"
	"github.com/pm-runner/pmrunner/pkg/review"
	"github.com/pm-runner/pmrunner/pkg/trace"
)

// scriptedExecutor returns one canned result per call, in order, looping on
// the last entry once exhausted.
type scriptedExecutor struct {
	results []*executor.Result
	calls   int
}

func (s *scriptedExecutor) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	return s.results[idx], nil
}

func (s *scriptedExecutor) IsClaudeCodeAvailable() bool { return true }
func (s *scriptedExecutor) CheckAuthStatus() (*executor.AuthStatus, error) {
	return &executor.AuthStatus{OK: true}, nil
}

func TestLoop_PassesOnFirstIteration(t *testing.T) {
	inner := &scriptedExecutor{results: []*executor.Result{
		{Output: "fixed it", Status: executor.StatusComplete, FilesModified: []string{"a.go"},
			VerifiedFiles: []executor.VerifiedFile{{Path: "a.go", Exists: true}}},
	}}
	tr := trace.New(t.TempDir())
	_, err := tr.Open("sess-1", "task-1")
	require.NoError(t, err)
	defer tr.Close("task-1")

	loop := review.NewLoop(inner, tr, 5, "sess-1", "task-1", "", nil)
	result, err := loop.Execute(context.Background(), executor.Request{ID: "task-1", Prompt: "fix bug"})
	require.NoError(t, err)
	assert.Equal(t, "fixed it", result.Output)
	assert.Equal(t, 1, loop.Iterations())
	assert.Equal(t, review.VerdictPass, loop.LastVerdict())
}

func TestLoop_RejectThenPass(t *testing.T) {
	inner := &scriptedExecutor{results: []*executor.Result{
		{Output: "// 残り省略", Status: executor.StatusComplete, FilesModified: []string{"a.go"},
			VerifiedFiles: []executor.VerifiedFile{{Path: "a.go", Exists: true}}},
		{Output: "complete implementation", Status: executor.StatusComplete, FilesModified: []string{"a.go"},
			VerifiedFiles: []executor.VerifiedFile{{Path: "a.go", Exists: true}}},
	}}
	tr := trace.New(t.TempDir())
	_, err := tr.Open("sess-1", "task-2")
	require.NoError(t, err)
	defer tr.Close("task-2")

	var events []string
	loop := review.NewLoop(inner, tr, 5, "sess-1", "task-2", "", func(kind string, _ map[string]any) {
		events = append(events, kind)
	})
	result, err := loop.Execute(context.Background(), executor.Request{ID: "task-2", Prompt: "implement feature X"})
	require.NoError(t, err)
	assert.Equal(t, "complete implementation", result.Output)
	assert.Equal(t, 2, loop.Iterations())
	assert.Contains(t, events, "REJECTION_DETAILS")
	assert.Contains(t, events, "MODIFICATION_PROMPT")
}

func TestLoop_EscalatesAfterMaxIterations(t *testing.T) {
	inner := &scriptedExecutor{results: []*executor.Result{
		{Output: "// 残り省略", Status: executor.StatusComplete},
	}}
	loop := review.NewLoop(inner, nil, 5, "sess-1", "task-3", "", nil)
	_, err := loop.Execute(context.Background(), executor.Request{ID: "task-3", Prompt: "implement feature Y"})
	require.Error(t, err)
	assert.Equal(t, 5, loop.Iterations())
	assert.Equal(t, 5, inner.calls)
}

func TestLoop_PropagatesExecutorError(t *testing.T) {
	inner := &erroringExecutor{}
	loop := review.NewLoop(inner, nil, 5, "sess-1", "task-4", "", nil)
	_, err := loop.Execute(context.Background(), executor.Request{ID: "task-4", Prompt: "do something"})
	require.Error(t, err)
	assert.Equal(t, 1, loop.Iterations())
}

type erroringExecutor struct{}

func (e *erroringExecutor) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	return nil, assertErr
}
func (e *erroringExecutor) IsClaudeCodeAvailable() bool { return true }
func (e *erroringExecutor) CheckAuthStatus() (*executor.AuthStatus, error) {
	return &executor.AuthStatus{OK: true}, nil
}

var assertErr = errAlways("executor exploded")

type errAlways string

func (e errAlways) Error() string { return string(e) }
