package executor

import "context"

// Executor is the external code-modifying agent collaborator.
// The core treats it as opaque: ReviewLoop, TaskChunker, and the pipeline
// orchestrator only ever see this interface, never a concrete agent type,
// so the wrapper chain (TaskChunkingExecutorWrapper -> ReviewLoop-wrapped
// executor -> raw Executor) can stack without any layer knowing about the
// others' internals.
type Executor interface {
	// Execute runs one invocation against workingDir and returns its outcome.
	// Implementations must never panic on a malformed prompt; report ERROR
	// status instead.
	Execute(ctx context.Context, req Request) (*Result, error)

	// IsClaudeCodeAvailable reports whether the underlying agent binary/API
	// is reachable at all.
	IsClaudeCodeAvailable() bool

	// CheckAuthStatus reports whether the underlying agent is authenticated.
	CheckAuthStatus() (*AuthStatus, error)
}
