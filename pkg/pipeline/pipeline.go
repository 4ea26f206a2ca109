// Package pipeline composes the planner, chunker, review, and retry
// components for one claimed task: the
// "Pipeline orchestrator". It is the sole translation point between a
// chunker/executor error and the queue's AWAITING_RESPONSE status, and it applies the READ_INFO/REPORT partial-
// results rule before handing a verdict back to QueuePoller.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pm-runner/pmrunner/pkg/apierrors"
	"github.com/pm-runner/pmrunner/pkg/evidence"
	"github.com/pm-runner/pmrunner/pkg/executor"
	"github.com/pm-runner/pmrunner/pkg/queuestore"
	"github.com/pm-runner/pmrunner/pkg/trace"
)

// awaitingClarificationPrefix is the recognized error-message prefix that
// signals a clarification question rather than a hard failure.
const awaitingClarificationPrefix = "AWAITING_CLARIFICATION:"

// OutcomeKind discriminates PipelineOutcome.
type OutcomeKind string

// Outcome kinds.
const (
	OutcomeComplete         OutcomeKind = "COMPLETE"
	OutcomeError            OutcomeKind = "ERROR"
	OutcomeAwaitingResponse OutcomeKind = "AWAITING_RESPONSE"
	OutcomeCancelled        OutcomeKind = "CANCELLED"
)

// Outcome is the pipeline's resolved verdict for one claimed task. QueuePoller maps this directly onto a QueueStore call — it never
// inspects error-message prefixes itself.
type Outcome struct {
	Kind          OutcomeKind
	Output        string
	ErrorMessage  string
	Clarification *queuestore.Clarification
}

// Executor is satisfied by chunker.Chunker (and, for tests, any stub).
type Executor interface {
	Execute(ctx context.Context, req executor.Request) (*executor.Result, error)
}

// Pipeline drives one task through an Executor (normally a chunker.Chunker
// wrapping review.Loop wrapping a raw Executor) and records evidence of the
// outcome.
type Pipeline struct {
	Exec     Executor
	Evidence *evidence.Store
	Tracer   *trace.Tracer
	BaseDir  func(namespace, sessionID string) string // working directory resolver
}

// Run executes one task to a terminal pipeline Outcome. It
// opens the task's conversation trace, logs the bracketing USER_REQUEST and
// FINAL_SUMMARY entries, and closes the trace file before returning.
func (p *Pipeline) Run(ctx context.Context, task *queuestore.Task) Outcome {
	if task.SessionID == "" {
		// Fail closed: without a session id there is nowhere to anchor
		// evidence or the conversation trace.
		err := apierrors.Newf(apierrors.ESessionIDMissing, map[string]any{"task_id": task.TaskID}, "task has no session_id")
		return Outcome{Kind: OutcomeError, ErrorMessage: err.Error()}
	}

	workingDir := ""
	if p.BaseDir != nil {
		workingDir = p.BaseDir(task.Namespace, task.SessionID)
	}

	if p.Tracer != nil {
		if _, err := p.Tracer.Open(task.SessionID, task.TaskID); err != nil {
			return Outcome{Kind: OutcomeError, ErrorMessage: "opening conversation trace: " + err.Error()}
		}
		_ = p.Tracer.Log(task.TaskID, trace.EventUserRequest, map[string]any{"prompt": task.Prompt, "task_type": string(task.TaskType)}, trace.Options{})
		defer p.Tracer.Close(task.TaskID)
	}

	req := executor.Request{
		ID:         task.TaskID,
		Prompt:     task.Prompt,
		WorkingDir: workingDir,
		SessionID:  task.SessionID,
	}

	result, err := p.Exec.Execute(ctx, req)

	var outcome Outcome
	if evErr := p.recordEvidence(task, result, err); evErr != nil {
		// Evidence collection failures are fatal (E301): a task whose
		// execution cannot be audited must not surface as COMPLETE.
		slog.Error("evidence collection failed", "task_id", task.TaskID, "session_id", task.SessionID, "error", evErr)
		outcome = Outcome{Kind: OutcomeError, ErrorMessage: evErr.Error()}
	} else {
		outcome = p.resolve(ctx, task, result, err)
	}
	if p.Tracer != nil {
		_ = p.Tracer.Log(task.TaskID, trace.EventFinalSummary, map[string]any{"outcome": string(outcome.Kind)}, trace.Options{})
	}
	return outcome
}

func (p *Pipeline) resolve(ctx context.Context, task *queuestore.Task, result *executor.Result, err error) Outcome {
	if err != nil {
		if clar, ok := extractClarification(err.Error()); ok {
			output := ""
			if result != nil {
				output = result.Output
			}
			return Outcome{Kind: OutcomeAwaitingResponse, Output: output, Clarification: &clar}
		}
		if ctx.Err() == context.Canceled {
			return Outcome{Kind: OutcomeCancelled, ErrorMessage: "cancelled"}
		}
		return Outcome{Kind: OutcomeError, ErrorMessage: err.Error()}
	}

	if result == nil {
		return Outcome{Kind: OutcomeError, ErrorMessage: "executor returned no result"}
	}

	switch result.Status {
	case executor.StatusComplete:
		return Outcome{Kind: OutcomeComplete, Output: result.Output}
	case executor.StatusIncomplete:
		return p.handleIncomplete(task, result)
	default: // ERROR, TIMEOUT, NO_EVIDENCE
		return Outcome{Kind: OutcomeError, ErrorMessage: fmt.Sprintf("executor finished with status %s: %s", result.Status, result.Output)}
	}
}

// handleIncomplete applies the READ_INFO/REPORT partial-results
// rule: those task types convert an INCOMPLETE result into
// AWAITING_RESPONSE (preserving partial output) instead of ERROR; for
// IMPLEMENTATION, INCOMPLETE remains ERROR unless the output is itself a
// question (heuristically: ends with '?').
func (p *Pipeline) handleIncomplete(task *queuestore.Task, result *executor.Result) Outcome {
	isReadOnly := task.TaskType == queuestore.TaskTypeReadInfo || task.TaskType == queuestore.TaskTypeReport
	looksLikeQuestion := strings.HasSuffix(strings.TrimSpace(result.Output), "?")

	if isReadOnly || looksLikeQuestion {
		return Outcome{
			Kind:   OutcomeAwaitingResponse,
			Output: result.Output,
			Clarification: &queuestore.Clarification{
				Question: extractQuestion(result.Output),
				Context:  result.Output,
			},
		}
	}
	return Outcome{Kind: OutcomeError, ErrorMessage: "task incomplete: " + result.Output}
}

// extractClarification parses the "AWAITING_CLARIFICATION:" prefix into a Clarification. The remainder of the message is the question;
// context is left empty since the prefix convention carries no separate
// context field.
func extractClarification(errMsg string) (queuestore.Clarification, bool) {
	if !strings.HasPrefix(errMsg, awaitingClarificationPrefix) {
		return queuestore.Clarification{}, false
	}
	question := strings.TrimSpace(strings.TrimPrefix(errMsg, awaitingClarificationPrefix))
	return queuestore.Clarification{Question: question}, true
}

func extractQuestion(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	return lines[len(lines)-1]
}

// recordEvidence registers one atomic evidence record for this task's
// outcome. A non-nil return is an E301 CodedError and means the task's
// execution could not be audited; Run treats it as fatal and never lets the
// task resolve normally — evidence integrity is the one thing the pipeline
// will not degrade gracefully.
func (p *Pipeline) recordEvidence(task *queuestore.Task, result *executor.Result, execErr error) error {
	if p.Evidence == nil {
		return nil
	}
	if err := p.Evidence.Initialize(task.SessionID); err != nil {
		return apierrors.Newf(apierrors.EEvidenceCollection, map[string]any{"task_id": task.TaskID}, "initializing evidence session: %v", err)
	}
	artifacts := []evidence.Artifact{{Label: "prompt", Content: task.Prompt}}
	if result != nil {
		artifacts = append(artifacts, evidence.Artifact{Label: "output", Content: result.Output})
	}
	if execErr != nil {
		artifacts = append(artifacts, evidence.Artifact{Label: "error", Content: execErr.Error()})
	}
	_, err := p.Evidence.RecordEvidence(task.SessionID, evidence.Evidence{
		SessionID:       task.SessionID,
		OperationID:     task.TaskID,
		OperationType:   "task_execution",
		Timestamp:       time.Now(),
		AtomicOperation: true,
		Aggregated:      false,
		Artifacts:       artifacts,
	})
	if err != nil {
		if errors.Is(err, evidence.ErrSessionMismatch) {
			return apierrors.Newf(apierrors.ESessionMismatch, map[string]any{"task_id": task.TaskID}, "recordEvidence failed: %v", err)
		}
		return apierrors.Newf(apierrors.EEvidenceCollection, map[string]any{"task_id": task.TaskID}, "recordEvidence failed: %v", err)
	}
	return nil
}
