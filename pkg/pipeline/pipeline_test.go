package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pm-runner/pmrunner/pkg/evidence"
	"github.com/pm-runner/pmrunner/pkg/executor"
	"github.com/pm-runner/pmrunner/pkg/pipeline"
	"github.com/pm-runner/pmrunner/pkg/queuestore"
	"github.com/pm-runner/pmrunner/pkg/trace"
)

type fixedExecutor struct {
	result *executor.Result
	err    error
}

func (f *fixedExecutor) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	return f.result, f.err
}

func newTask(taskType queuestore.TaskType) *queuestore.Task {
	return &queuestore.Task{
		Namespace:   "ns1",
		TaskID:      "task-1",
		TaskGroupID: "group-1",
		SessionID:   "sess-1",
		Status:      queuestore.StatusRunning,
		Prompt:      "do the thing",
		TaskType:    taskType,
	}
}

func newPipeline(t *testing.T, exec pipeline.Executor) *pipeline.Pipeline {
	t.Helper()
	store := evidence.New(t.TempDir())
	require.NoError(t, store.Initialize("sess-1"))
	return &pipeline.Pipeline{
		Exec:     exec,
		Evidence: store,
		Tracer:   trace.New(t.TempDir()),
	}
}

func TestPipeline_CompleteOutcome(t *testing.T) {
	p := newPipeline(t, &fixedExecutor{result: &executor.Result{Output: "done", Status: executor.StatusComplete}})
	outcome := p.Run(context.Background(), newTask(queuestore.TaskTypeImplementation))
	assert.Equal(t, pipeline.OutcomeComplete, outcome.Kind)
	assert.Equal(t, "done", outcome.Output)
}

func TestPipeline_ErrorOutcomeOnExecutorError(t *testing.T) {
	p := newPipeline(t, &fixedExecutor{err: errors.New("boom")})
	outcome := p.Run(context.Background(), newTask(queuestore.TaskTypeImplementation))
	assert.Equal(t, pipeline.OutcomeError, outcome.Kind)
	assert.Equal(t, "boom", outcome.ErrorMessage)
}

func TestPipeline_AwaitingClarificationPrefixTranslatesError(t *testing.T) {
	p := newPipeline(t, &fixedExecutor{err: errors.New("AWAITING_CLARIFICATION: which environment should this target?")})
	outcome := p.Run(context.Background(), newTask(queuestore.TaskTypeImplementation))
	require.Equal(t, pipeline.OutcomeAwaitingResponse, outcome.Kind)
	require.NotNil(t, outcome.Clarification)
	assert.Equal(t, "which environment should this target?", outcome.Clarification.Question)
}

func TestPipeline_ReadInfoIncompleteBecomesAwaitingResponse(t *testing.T) {
	p := newPipeline(t, &fixedExecutor{result: &executor.Result{Output: "partial findings so far", Status: executor.StatusIncomplete}})
	outcome := p.Run(context.Background(), newTask(queuestore.TaskTypeReadInfo))
	assert.Equal(t, pipeline.OutcomeAwaitingResponse, outcome.Kind)
	assert.Equal(t, "partial findings so far", outcome.Output)
}

func TestPipeline_ImplementationIncompleteStaysError(t *testing.T) {
	p := newPipeline(t, &fixedExecutor{result: &executor.Result{Output: "ran out of budget", Status: executor.StatusIncomplete}})
	outcome := p.Run(context.Background(), newTask(queuestore.TaskTypeImplementation))
	assert.Equal(t, pipeline.OutcomeError, outcome.Kind)
}

func TestPipeline_ImplementationIncompleteQuestionBecomesAwaitingResponse(t *testing.T) {
	p := newPipeline(t, &fixedExecutor{result: &executor.Result{Output: "Should I use Postgres or MySQL?", Status: executor.StatusIncomplete}})
	outcome := p.Run(context.Background(), newTask(queuestore.TaskTypeImplementation))
	assert.Equal(t, pipeline.OutcomeAwaitingResponse, outcome.Kind)
}

func TestPipeline_ExecutorErrorStatusIsError(t *testing.T) {
	p := newPipeline(t, &fixedExecutor{result: &executor.Result{Output: "crashed", Status: executor.StatusError}})
	outcome := p.Run(context.Background(), newTask(queuestore.TaskTypeImplementation))
	assert.Equal(t, pipeline.OutcomeError, outcome.Kind)
	assert.Contains(t, outcome.ErrorMessage, "ERROR")
}

func TestPipeline_MissingSessionIDFailsClosed(t *testing.T) {
	p := newPipeline(t, &fixedExecutor{result: &executor.Result{Output: "done", Status: executor.StatusComplete}})
	task := newTask(queuestore.TaskTypeImplementation)
	task.SessionID = ""
	outcome := p.Run(context.Background(), task)
	assert.Equal(t, pipeline.OutcomeError, outcome.Kind)
	assert.Contains(t, outcome.ErrorMessage, "E501")
}

func TestPipeline_EvidenceFailureIsFatal(t *testing.T) {
	store := evidence.New(t.TempDir())
	require.NoError(t, store.Initialize("sess-1"))
	// A finalized session rejects further records; the pipeline must not let
	// an unauditable execution surface as COMPLETE.
	_, err := store.FinalizeSession("sess-1")
	require.NoError(t, err)

	p := &pipeline.Pipeline{
		Exec:     &fixedExecutor{result: &executor.Result{Output: "done", Status: executor.StatusComplete}},
		Evidence: store,
		Tracer:   trace.New(t.TempDir()),
	}
	outcome := p.Run(context.Background(), newTask(queuestore.TaskTypeImplementation))
	assert.Equal(t, pipeline.OutcomeError, outcome.Kind)
	assert.Contains(t, outcome.ErrorMessage, "recordEvidence failed")
}

func TestPipeline_RecordsEvidenceForEveryRun(t *testing.T) {
	store := evidence.New(t.TempDir())
	require.NoError(t, store.Initialize("sess-1"))
	p := &pipeline.Pipeline{
		Exec:     &fixedExecutor{result: &executor.Result{Output: "done", Status: executor.StatusComplete}},
		Evidence: store,
		Tracer:   trace.New(t.TempDir()),
	}
	p.Run(context.Background(), newTask(queuestore.TaskTypeImplementation))

	items, err := store.ListEvidence("sess-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].AtomicOperation)
	assert.False(t, items[0].Aggregated)
}
