package chunker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pm-runner/pmrunner/pkg/apierrors"
	"github.com/pm-runner/pmrunner/pkg/executor"
	"github.com/pm-runner/pmrunner/pkg/limits"
	"github.com/pm-runner/pmrunner/pkg/lockmanager"
	"github.com/pm-runner/pmrunner/pkg/planner"
	"github.com/pm-runner/pmrunner/pkg/retry"
	"github.com/pm-runner/pmrunner/pkg/review"
	"github.com/pm-runner/pmrunner/pkg/trace"
)

// Chunker is the TaskChunkingExecutorWrapper. It consumes
// a planner.ExecutionPlan built from the request's own prompt and either
// runs the whole request through a single review.Loop or fans it out into
// subtasks, each with its own review.Loop and retry.Manager-governed retry.
type Chunker struct {
	Raw     executor.Executor // the innermost, unjudged Executor
	Planner *planner.Planner
	Tracer  *trace.Tracer
	Retry   *retry.Manager
	Limits  *limits.Manager
	Locks   *lockmanager.Manager

	ReviewMaxIterations int
	PlannerOptions      planner.Options
	FailFast            bool
	SessionID           string
	OnEvent             EventFunc

	// seenFiles tracks which modified files have already consumed a unit of
	// a task's file budget, so the same file touched by several subtasks (or
	// several review iterations) is charged once.
	mu        sync.Mutex
	seenFiles map[string]map[string]struct{}
}

func (c *Chunker) emit(kind string, data map[string]any) {
	if c.OnEvent != nil {
		c.OnEvent(kind, data)
	}
}

// Execute implements executor.Executor.
func (c *Chunker) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	taskStart := time.Now()
	defer c.releaseTask(req.ID)

	plan := c.Planner.Plan(req.Prompt, c.PlannerOptions)

	if !plan.ChunkingRecommendation.ShouldChunk {
		return c.runSingle(ctx, req, taskStart)
	}

	analysis := map[string]any{
		"task_id":        req.ID,
		"size_category":  plan.SizeEstimation.SizeCategory,
		"execution_mode": plan.ChunkingRecommendation.ExecutionMode,
	}
	if c.Limits != nil {
		analysis["suggested_chunk_size"] = c.Limits.SuggestChunkSize(req.ID, plan.SizeEstimation.EstimatedFileCount)
	}
	c.emit("CHUNKING_START", map[string]any{"task_id": req.ID})
	c.emit("CHUNKING_ANALYSIS", analysis)

	subtasks := buildSubtasks(req.ID, plan)
	for _, st := range subtasks {
		c.emit("SUBTASK_CREATED", map[string]any{"subtask_id": st.SubtaskID, "prompt": st.Prompt})
	}
	if c.Tracer != nil {
		entries := make([]map[string]any, len(subtasks))
		for i, st := range subtasks {
			entries[i] = map[string]any{"subtask_id": st.SubtaskID, "dependencies": st.Dependencies}
		}
		_ = c.Tracer.Log(req.ID, trace.EventChunkingPlan, map[string]any{"subtasks": entries}, trace.Options{})
	}

	var agg AggregatedResult
	if plan.ChunkingRecommendation.ExecutionMode == "sequential" {
		agg = c.runSequential(ctx, req, subtasks, taskStart)
	} else {
		agg = c.runParallel(ctx, req, subtasks, taskStart)
	}

	c.emit("CHUNKING_AGGREGATION", map[string]any{"task_id": req.ID, "status": agg.Status})
	c.emit("CHUNKING_COMPLETE", map[string]any{"task_id": req.ID, "status": agg.Status})

	status := executor.StatusComplete
	if agg.Status == ChunkedFailed {
		status = executor.StatusIncomplete
	}
	return &executor.Result{
		Executed:      true,
		Output:        agg.OutputSummary,
		FilesModified: agg.FilesModified,
		Status:        status,
		Cwd:           req.WorkingDir,
	}, nil
}

// runSingle handles should_chunk=false: the task is delegated whole to a
// review-wrapped Executor.
func (c *Chunker) runSingle(ctx context.Context, req executor.Request, taskStart time.Time) (*executor.Result, error) {
	loop := review.NewLoop(c.Raw, c.Tracer, c.ReviewMaxIterations, c.SessionID, req.ID, "", c.OnEvent)
	key := retry.Key{TaskID: req.ID}
	return c.executeWithRetry(ctx, loop, req, key, req.ID, taskStart, nil)
}

// executeWithRetry drives one executor.Executor (typically a review.Loop)
// through retry.Manager's PASS/RETRY/ESCALATE decision, sleeping between
// attempts as instructed. traceFileID is the parent task_id the
// conversation trace file is opened under; taskStart anchors the task's
// wall-clock budget, checked at every attempt boundary.
func (c *Chunker) executeWithRetry(ctx context.Context, exec executor.Executor, req executor.Request, key retry.Key, traceFileID string, taskStart time.Time, onRetry func()) (*executor.Result, error) {
	for {
		if c.Limits != nil {
			if lerr := c.Limits.CheckTimeBudget(key.TaskID, int(time.Since(taskStart).Seconds())); lerr != nil {
				return nil, apierrors.Newf(apierrors.ELifecycleResourceLimit,
					map[string]any{"task_id": key.TaskID}, "time budget exhausted: %v", lerr)
			}
		}

		start := time.Now()
		result, err := c.withExecutorSlot(ctx, req.ID, func() (*executor.Result, error) {
			return exec.Execute(ctx, req)
		})
		duration := time.Since(start)

		if err == nil && result != nil {
			err = c.consumeFileBudget(key.TaskID, result.FilesModified)
		}

		pass := err == nil && result != nil && result.Status == executor.StatusComplete
		ft := retry.FailureUnknown
		if !pass {
			ft = retry.Classify(result, nil, err)
		}

		status := "COMPLETE"
		if !pass {
			status = "FAILED"
		}
		attempt := retry.Attempt{
			AttemptN:    len(c.Retry.History(key)) + 1,
			Status:      status,
			FailureType: ft,
			DurationMS:  duration.Milliseconds(),
			At:          start,
		}
		if err != nil {
			attempt.Error = err.Error()
		}
		c.Retry.Record(key, attempt)

		decision := c.Retry.Decide(key, pass, ft)
		switch decision.Kind {
		case retry.DecisionPass:
			return result, nil
		case retry.DecisionEscalate:
			traceFile := ""
			if c.Tracer != nil {
				traceFile, _ = c.Tracer.PathFor(traceFileID)
			}
			report := c.Retry.BuildEscalationReport(key, decision.Reason, traceFile)
			if err != nil {
				// Keep the underlying cause (e.g. "max_iterations reached")
				// visible through the wrapped chain.
				return result, fmt.Errorf("escalated: %s: %w", decision.Reason, err)
			}
			return result, fmt.Errorf("escalated: %s (%s)", decision.Reason, report.UserMessage)
		default: // DecisionRetry
			if onRetry != nil {
				onRetry()
			}
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(time.Duration(decision.DelayMS) * time.Millisecond):
			}
		}
	}
}

// withExecutorSlot bounds concurrent executor invocations: the LimitManager
// ceiling is consulted first (fail-closed capacity check), then the
// lock-layer global semaphore is acquired for the duration of the call.
func (c *Chunker) withExecutorSlot(ctx context.Context, executorID string, fn func() (*executor.Result, error)) (*executor.Result, error) {
	if c.Limits != nil {
		if err := c.Limits.AcquireExecutor(); err != nil {
			return nil, err
		}
		defer c.Limits.ReleaseExecutor()
	}
	if c.Locks == nil {
		return fn()
	}
	if err := c.Locks.AcquireGlobalSemaphore(executorID); err != nil {
		return nil, err
	}
	defer c.Locks.ReleaseGlobalSemaphore(executorID)
	return fn()
}

// consumeFileBudget charges one unit of the task's max_files budget for each
// modified file not seen before on this task. A violation is wrapped as an
// E206 resource-limit error, which classifies as fatal: the budget is a hard
// ceiling, not a retryable condition.
func (c *Chunker) consumeFileBudget(taskID string, files []string) error {
	if c.Limits == nil || len(files) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seenFiles == nil {
		c.seenFiles = make(map[string]map[string]struct{})
	}
	seen := c.seenFiles[taskID]
	if seen == nil {
		seen = make(map[string]struct{})
		c.seenFiles[taskID] = seen
	}
	for _, f := range files {
		if _, ok := seen[f]; ok {
			continue
		}
		if err := c.Limits.CheckFileOp(taskID); err != nil {
			return apierrors.Newf(apierrors.ELifecycleResourceLimit,
				map[string]any{"task_id": taskID, "file": f}, "file budget exhausted: %v", err)
		}
		seen[f] = struct{}{}
	}
	return nil
}

// releaseTask drops the task's budget bookkeeping once it reaches a terminal
// outcome.
func (c *Chunker) releaseTask(taskID string) {
	if c.Limits != nil {
		c.Limits.ReleaseTask(taskID)
	}
	c.mu.Lock()
	delete(c.seenFiles, taskID)
	c.mu.Unlock()
}

func buildSubtasks(parentTaskID string, plan *planner.ExecutionPlan) []SubtaskDefinition {
	prompts := plan.ChunkingRecommendation.SubtaskPrompts
	subtasks := make([]SubtaskDefinition, len(prompts))
	for i, prompt := range prompts {
		id := fmt.Sprintf("%s-sub-%d", parentTaskID, i+1)
		var deps []string
		if plan.DependencyAnalysis != nil {
			for _, e := range plan.DependencyAnalysis.Edges {
				if e.To == i {
					deps = append(deps, fmt.Sprintf("%s-sub-%d", parentTaskID, e.From+1))
				}
			}
		}
		subtasks[i] = SubtaskDefinition{
			SubtaskID:      id,
			ParentTaskID:   parentTaskID,
			Prompt:         prompt,
			Dependencies:   deps,
			Status:         SubtaskPending,
			ExecutionOrder: i,
		}
	}
	return subtasks
}

// runParallel launches all PENDING subtasks concurrently and awaits them
// collectively.
func (c *Chunker) runParallel(ctx context.Context, req executor.Request, subtasks []SubtaskDefinition, taskStart time.Time) AggregatedResult {
	var wg sync.WaitGroup
	for i := range subtasks {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			c.runOneSubtask(ctx, req, &subtasks[idx], taskStart)
		}(i)
	}
	wg.Wait()
	return aggregate(subtasks, c.FailFast)
}

// runSequential executes subtasks in execution_order, awaiting each one's
// dependencies and marking unmet-dependency subtasks FAILED.
func (c *Chunker) runSequential(ctx context.Context, req executor.Request, subtasks []SubtaskDefinition, taskStart time.Time) AggregatedResult {
	completed := make(map[string]bool)
	stopped := false
	for i := range subtasks {
		st := &subtasks[i]
		if stopped {
			st.Status = SubtaskFailed
			st.FailureReason = "upstream subtask failed (fail_fast)"
			continue
		}
		ready := true
		for _, dep := range st.Dependencies {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if !ready {
			st.Status = SubtaskFailed
			st.FailureReason = "Dependencies not satisfied"
			if c.FailFast {
				stopped = true
			}
			continue
		}
		c.runOneSubtask(ctx, req, st, taskStart)
		if st.Status == SubtaskComplete {
			completed[st.SubtaskID] = true
		} else if c.FailFast {
			stopped = true
		}
	}
	return aggregate(subtasks, c.FailFast)
}

// acquireSubagentSlot blocks until one of the max_subagents slots frees up,
// or the context is cancelled.
func (c *Chunker) acquireSubagentSlot(ctx context.Context) error {
	for {
		if err := c.Limits.AcquireSubagent(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (c *Chunker) runOneSubtask(ctx context.Context, parentReq executor.Request, st *SubtaskDefinition, taskStart time.Time) {
	if c.Limits != nil {
		// The subagent ceiling bounds fan-out, it doesn't doom a subtask:
		// wait for a slot to free up rather than failing outright.
		if err := c.acquireSubagentSlot(ctx); err != nil {
			st.Status = SubtaskFailed
			st.FailureReason = err.Error()
			c.emit("SUBTASK_FAILED", map[string]any{"subtask_id": st.SubtaskID, "reason": err.Error()})
			return
		}
		defer c.Limits.ReleaseSubagent()
	}

	st.Status = SubtaskRunning
	c.emit("SUBTASK_START", map[string]any{"subtask_id": st.SubtaskID})

	subReq := executor.Request{
		ID:         st.SubtaskID,
		Prompt:     st.Prompt,
		WorkingDir: parentReq.WorkingDir,
		SessionID:  parentReq.SessionID,
	}
	loop := review.NewLoop(c.Raw, c.Tracer, c.ReviewMaxIterations, c.SessionID, parentReq.ID, st.SubtaskID, c.OnEvent)
	key := retry.Key{TaskID: parentReq.ID, SubtaskID: st.SubtaskID}

	// From a failed attempt until a terminal verdict, the subtask is
	// observably RETRYING.
	onRetry := func() {
		st.Status = SubtaskRetrying
		st.RetryCount++
		c.emit("SUBTASK_RETRY", map[string]any{"subtask_id": st.SubtaskID, "retry_count": st.RetryCount})
	}

	result, err := c.executeWithRetry(ctx, loop, subReq, key, parentReq.ID, taskStart, onRetry)
	st.Result = result
	st.ReviewIterations = loop.Iterations()
	if err != nil {
		st.Status = SubtaskFailed
		st.FailureReason = err.Error()
		c.emit("SUBTASK_FAILED", map[string]any{"subtask_id": st.SubtaskID, "reason": err.Error()})
		return
	}
	st.Status = SubtaskComplete
	c.emit("SUBTASK_COMPLETE", map[string]any{"subtask_id": st.SubtaskID})
}

// aggregate merges subtask results: deduplicated insertion-order
// files_modified union, concatenated output, and a final status driven by
// fail_fast.
func aggregate(subtasks []SubtaskDefinition, failFast bool) AggregatedResult {
	seen := make(map[string]struct{})
	var files []string
	var summary string
	allComplete := true
	anyComplete := false
	iterations := 0

	for _, st := range subtasks {
		iterations += st.ReviewIterations
		if st.Result != nil {
			for _, f := range st.Result.FilesModified {
				if _, ok := seen[f]; !ok {
					seen[f] = struct{}{}
					files = append(files, f)
				}
			}
			summary += fmt.Sprintf("[%s] %s\n", st.SubtaskID, st.Result.Output)
		}
		if st.Status == SubtaskComplete {
			anyComplete = true
		} else {
			allComplete = false
		}
	}

	status := ChunkedComplete
	degraded := false
	switch {
	case allComplete:
		status = ChunkedComplete
	case failFast:
		status = ChunkedFailed
	case anyComplete:
		status = ChunkedComplete
		degraded = true
	default:
		status = ChunkedFailed
	}

	return AggregatedResult{
		Status:           status,
		FilesModified:    files,
		OutputSummary:    summary,
		ReviewIterations: iterations,
		Subtasks:         subtasks,
		Degraded:         degraded,
	}
}

// IsClaudeCodeAvailable delegates to the wrapped executor.
func (c *Chunker) IsClaudeCodeAvailable() bool { return c.Raw.IsClaudeCodeAvailable() }

// CheckAuthStatus delegates to the wrapped executor.
func (c *Chunker) CheckAuthStatus() (*executor.AuthStatus, error) { return c.Raw.CheckAuthStatus() }
