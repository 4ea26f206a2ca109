package poller_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pm-runner/pmrunner/pkg/config"
	"github.com/pm-runner/pmrunner/pkg/events"
	"github.com/pm-runner/pmrunner/pkg/executor"
	"github.com/pm-runner/pmrunner/pkg/pipeline"
	"github.com/pm-runner/pmrunner/pkg/poller"
	"github.com/pm-runner/pmrunner/pkg/queuestore"
	"github.com/pm-runner/pmrunner/pkg/queuestore/memory"
)

type stubExec struct {
	result *executor.Result
	err    error
}

func (s *stubExec) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	return s.result, s.err
}

func fastCfg() *config.QueueConfig {
	return &config.QueueConfig{
		PollInterval:            5 * time.Millisecond,
		PollIntervalJitter:      0,
		StaleTaskThreshold:      time.Hour,
		GracefulShutdownTimeout: time.Second,
	}
}

func TestPoller_ClaimsAndCompletesTask(t *testing.T) {
	backend := memory.New()
	store := queuestore.New(backend)
	ctx := context.Background()
	task, err := store.Enqueue(ctx, "ns1", "sess-1", "group-1", "fix the thing", "", queuestore.TaskTypeImplementation)
	require.NoError(t, err)

	pl := &pipeline.Pipeline{Exec: &stubExec{result: &executor.Result{Output: "fixed", Status: executor.StatusComplete}}}
	emitter := events.New()

	var completed []string
	var mu sync.Mutex
	emitter.Subscribe(func(ev events.Event) {
		if ev.Kind == "completed" {
			mu.Lock()
			completed = append(completed, ev.Data["task_id"].(string))
			mu.Unlock()
		}
	})

	p := poller.New("ns1", store, pl, fastCfg(), emitter, "poller-1")
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completed) == 1 && completed[0] == task.TaskID
	}, 2*time.Second, 5*time.Millisecond)

	got, err := store.GetItem(ctx, "ns1", task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, queuestore.StatusComplete, got.Status)
	assert.Equal(t, "fixed", got.Output)
}

func TestPoller_PipelineErrorMarksTaskError(t *testing.T) {
	backend := memory.New()
	store := queuestore.New(backend)
	ctx := context.Background()
	task, err := store.Enqueue(ctx, "ns1", "sess-2", "group-1", "do something broken", "", queuestore.TaskTypeImplementation)
	require.NoError(t, err)

	pl := &pipeline.Pipeline{Exec: &stubExec{result: &executor.Result{Output: "ran out of budget", Status: executor.StatusIncomplete}}}
	p := poller.New("ns1", store, pl, fastCfg(), nil, "poller-1")
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	require.Eventually(t, func() bool {
		got, err := store.GetItem(ctx, "ns1", task.TaskID)
		require.NoError(t, err)
		return got.Status == queuestore.StatusError
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPoller_RecoversStaleTasksOnStart(t *testing.T) {
	backend := memory.New()
	store := queuestore.New(backend)
	ctx := context.Background()
	task, err := store.Enqueue(ctx, "ns1", "sess-3", "group-1", "long running", "", queuestore.TaskTypeImplementation)
	require.NoError(t, err)
	_, ok, err := store.Claim(ctx, "ns1", "stale-claimer")
	require.NoError(t, err)
	require.True(t, ok)

	// Make the claimed task count as stale by setting the threshold to zero
	// rather than backdating it.
	cfg := fastCfg()
	cfg.StaleTaskThreshold = 0 // anything RUNNING is immediately stale

	pl := &pipeline.Pipeline{Exec: &stubExec{result: &executor.Result{Status: executor.StatusComplete}}}
	p := poller.New("ns1", store, pl, cfg, nil, "poller-2")
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	require.Eventually(t, func() bool {
		got, err := store.GetItem(ctx, "ns1", task.TaskID)
		require.NoError(t, err)
		return got.Status == queuestore.StatusComplete
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPoller_AtMostOneInFlightTask(t *testing.T) {
	backend := memory.New()
	store := queuestore.New(backend)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := store.Enqueue(ctx, "ns1", "sess-4", "group-1", "task", "", queuestore.TaskTypeImplementation)
		require.NoError(t, err)
	}

	var maxConcurrent, current int32
	var mu sync.Mutex
	track := func() {
		mu.Lock()
		current++
		if current > maxConcurrent {
			maxConcurrent = current
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
	}

	pl := &pipeline.Pipeline{Exec: &trackingExec{onRun: track}}
	p := poller.New("ns1", store, pl, fastCfg(), nil, "poller-1")
	require.NoError(t, p.Start(ctx))

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, p.Stop(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxConcurrent, int32(1))
}

type trackingExec struct {
	onRun func()
}

func (t *trackingExec) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	t.onRun()
	return &executor.Result{Output: "ok", Status: executor.StatusComplete}, nil
}
