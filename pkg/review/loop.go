package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/pm-runner/pmrunner/pkg/apierrors"
	"github.com/pm-runner/pmrunner/pkg/executor"
	"github.com/pm-runner/pmrunner/pkg/trace"
)

// EventFunc receives lifecycle notifications the loop emits beyond what
// goes into the conversation trace — callers route these into a Task's event log and/or a
// process-wide Emitter. Trace-worthy events (QUALITY_JUDGMENT,
// REJECTION_DETAILS, ITERATION_END) are logged directly to the tracer,
// since those are part of the fixed conversation-trace vocabulary;
// REJECTION_DETAILS is also passed to OnEvent.
type EventFunc func(kind string, data map[string]any)

// Loop drives up to MaxIterations of "invoke Executor, judge, maybe
// re-prompt". It implements executor.Executor
// itself, so TaskChunker and the pipeline orchestrator can treat a
// judged executor identically to a raw one.
type Loop struct {
	Inner         executor.Executor
	Tracer        *trace.Tracer
	MaxIterations int
	SessionID     string
	// TraceFileID is the key of the already-open conversation trace file
	// (always the parent task_id — one JSONL file per task, not per
	// subtask).
	TraceFileID string
	// SubtaskID, if non-empty, tags every trace entry this Loop logs with
	// the subtask it belongs to, without
	// opening a second file.
	SubtaskID string
	OnEvent   EventFunc

	iterations  int
	lastVerdict Verdict
}

// NewLoop builds a Loop bound to one task/subtask invocation. traceFileID is
// always the parent task_id; subtaskID is empty for the top-level task and
// set to the subtask's id when this Loop drives one subtask of a chunked
// task. Create a new Loop per Execute call — Iterations()/LastVerdict()
// report on the most recent run only.
func NewLoop(inner executor.Executor, tracer *trace.Tracer, maxIterations int, sessionID, traceFileID, subtaskID string, onEvent EventFunc) *Loop {
	if maxIterations <= 0 {
		maxIterations = 5
	}
	return &Loop{
		Inner:         inner,
		Tracer:        tracer,
		MaxIterations: maxIterations,
		SessionID:     sessionID,
		TraceFileID:   traceFileID,
		SubtaskID:     subtaskID,
		OnEvent:       onEvent,
	}
}

// Iterations reports how many iterations the last Execute call ran.
func (l *Loop) Iterations() int { return l.iterations }

// LastVerdict reports the last per-iteration verdict observed.
func (l *Loop) LastVerdict() Verdict { return l.lastVerdict }

func (l *Loop) emit(kind string, data map[string]any) {
	if l.OnEvent != nil {
		l.OnEvent(kind, data)
	}
}

func (l *Loop) logTrace(event trace.EventKind, data map[string]any, iteration int) {
	if l.Tracer == nil {
		return
	}
	idx := iteration
	_ = l.Tracer.Log(l.TraceFileID, event, data, trace.Options{IterationIndex: &idx, SubtaskID: l.SubtaskID})
}

// Execute runs the bounded review loop around req. On loop
// exhaustion it returns an ESCALATE-flavored error so RetryManager can
// classify it; callers should still inspect the returned Result for any
// partial output the final iteration produced.
func (l *Loop) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	l.iterations = 0
	l.emit("REVIEW_LOOP_START", map[string]any{"task_id": req.ID, "max_iterations": l.MaxIterations})

	prompt := req.Prompt
	var lastResult *executor.Result

	for iter := 0; iter < l.MaxIterations; iter++ {
		l.iterations = iter + 1
		iterReq := req
		iterReq.Prompt = prompt
		iterReq.Iteration = iter

		l.emit("REVIEW_ITERATION_START", map[string]any{"iteration": iter})
		l.logTrace(trace.EventLLMRequest, map[string]any{"prompt": prompt}, iter)

		result, err := l.Inner.Execute(ctx, iterReq)
		if err != nil {
			l.logTrace(trace.EventLLMResponse, map[string]any{"error": err.Error()}, iter)
			l.emit("REVIEW_ITERATION_END", map[string]any{"iteration": iter, "error": err.Error()})
			return result, err
		}
		lastResult = result
		l.logTrace(trace.EventLLMResponse, map[string]any{"output": result.Output, "status": string(result.Status)}, iter)

		// Empty output is not judged: re-invoke with the same prompt rather
		// than constructing a modification prompt around nothing.
		if strings.TrimSpace(result.Output) == "" {
			l.lastVerdict = VerdictRetry
			l.logTrace(trace.EventQualityJudgment, map[string]any{"verdict": string(VerdictRetry), "reason": "empty output"}, iter)
			l.emit("REVIEW_ITERATION_END", map[string]any{"iteration": iter, "verdict": "RETRY"})
			l.logTrace(trace.EventIterationEnd, map[string]any{"verdict": "RETRY"}, iter)
			continue
		}

		judgment := Evaluate(result, req.WorkingDir)
		l.lastVerdict = judgment.Verdict
		l.logTrace(trace.EventQualityJudgment, map[string]any{
			"verdict":      string(judgment.Verdict),
			"failed_gates": judgment.FailedGates,
		}, iter)

		if judgment.Verdict == VerdictPass {
			l.emit("REVIEW_ITERATION_END", map[string]any{"iteration": iter, "verdict": "PASS"})
			l.logTrace(trace.EventIterationEnd, map[string]any{"verdict": "PASS"}, iter)
			l.emit("REVIEW_LOOP_END", map[string]any{"iterations": l.iterations, "verdict": "PASS"})
			return result, nil
		}

		l.logTrace(trace.EventRejectionDetails, map[string]any{"failed_gates": judgment.FailedGates}, iter)
		l.emit("REJECTION_DETAILS", map[string]any{"iteration": iter, "failed_gates": judgment.FailedGates})

		modPrompt := buildModificationPrompt(req.Prompt, judgment)
		l.emit("MODIFICATION_PROMPT", map[string]any{"iteration": iter, "prompt": modPrompt})
		l.emit("REVIEW_ITERATION_END", map[string]any{"iteration": iter, "verdict": "REJECT"})
		l.logTrace(trace.EventIterationEnd, map[string]any{"verdict": "REJECT"}, iter)

		prompt = modPrompt
	}

	l.emit("REVIEW_LOOP_END", map[string]any{"iterations": l.iterations, "verdict": "ESCALATE"})
	return lastResult, apierrors.Newf(apierrors.ELifecycleDecomposition,
		map[string]any{"task_id": req.ID, "iterations": l.iterations},
		"max_iterations reached")
}

// IsClaudeCodeAvailable delegates to the wrapped executor.
func (l *Loop) IsClaudeCodeAvailable() bool { return l.Inner.IsClaudeCodeAvailable() }

// CheckAuthStatus delegates to the wrapped executor.
func (l *Loop) CheckAuthStatus() (*executor.AuthStatus, error) { return l.Inner.CheckAuthStatus() }

// buildModificationPrompt enumerates each failed gate and demands concrete
// remediation.
func buildModificationPrompt(original string, judgment Judgment) string {
	prompt := original + "\n\nThe previous attempt failed quality review. Fix the following before responding again:\n"
	for _, g := range judgment.Gates {
		if g.Passed {
			continue
		}
		detail := g.Detail
		if detail == "" {
			detail = "criterion not met"
		}
		prompt += fmt.Sprintf("- %s: %s\n", g.Gate, detail)
	}
	return prompt
}
