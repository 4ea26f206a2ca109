package executor

import (
	"context"
	"log/slog"
	"time"
)

// StubExecutor is a placeholder Executor for development and tests: it
// performs no agent invocation and reports a completed no-op result.
// Useful in tests and as the dev-mode default when no real agent binary is
// configured.
type StubExecutor struct{}

// NewStubExecutor returns a StubExecutor.
func NewStubExecutor() *StubExecutor {
	return &StubExecutor{}
}

// Execute returns a completed result immediately without touching workingDir.
func (e *StubExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	slog.Info("stub executor invoked", "task_id", req.ID, "working_dir", req.WorkingDir)

	if err := ctx.Err(); err != nil {
		return &Result{
			Executed:   false,
			Output:     "cancelled before execution",
			Status:     StatusError,
			Cwd:        req.WorkingDir,
			DurationMS: time.Since(start).Milliseconds(),
		}, nil
	}

	return &Result{
		Executed:      true,
		Output:        "stub executor: no agent execution performed",
		FilesModified: nil,
		Status:        StatusComplete,
		Cwd:           req.WorkingDir,
		DurationMS:    time.Since(start).Milliseconds(),
	}, nil
}

// IsClaudeCodeAvailable always reports true for the stub.
func (e *StubExecutor) IsClaudeCodeAvailable() bool { return true }

// CheckAuthStatus always reports ok for the stub.
func (e *StubExecutor) CheckAuthStatus() (*AuthStatus, error) {
	return &AuthStatus{OK: true}, nil
}
