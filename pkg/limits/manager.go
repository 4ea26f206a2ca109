package limits

import (
	"sync"

	"github.com/pm-runner/pmrunner/pkg/config"
)

// taskUsage tracks consumption against a single task's budget.
type taskUsage struct {
	filesUsed   int
	testsUsed   int
	secondsUsed int
}

// Manager enforces per-task budgets and parallel ceilings.
// One Manager instance is shared across a namespace's in-flight tasks.
type Manager struct {
	cfg *config.LimitConfig

	mu    sync.Mutex
	usage map[string]*taskUsage

	subagentsHeld int
	executorsHeld int
}

// New returns a Manager enforcing the given budgets.
func New(cfg *config.LimitConfig) *Manager {
	return &Manager{cfg: cfg, usage: make(map[string]*taskUsage)}
}

func (m *Manager) usageFor(taskID string) *taskUsage {
	u, ok := m.usage[taskID]
	if !ok {
		u = &taskUsage{}
		m.usage[taskID] = u
	}
	return u
}

// CheckFileOp consults and reserves one unit of the per-task file budget.
// Returns a *Violation (fail-closed) if max_files would be exceeded.
func (m *Manager) CheckFileOp(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.usageFor(taskID)
	if u.filesUsed >= m.cfg.MaxFiles {
		return &Violation{Resource: "max_files", Limit: m.cfg.MaxFiles, Attempt: u.filesUsed + 1}
	}
	u.filesUsed++
	return nil
}

// CheckTestExec consults and reserves one unit of the per-task test budget.
func (m *Manager) CheckTestExec(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.usageFor(taskID)
	if u.testsUsed >= m.cfg.MaxTests {
		return &Violation{Resource: "max_tests", Limit: m.cfg.MaxTests, Attempt: u.testsUsed + 1}
	}
	u.testsUsed++
	return nil
}

// CheckTimeBudget consults whether elapsedSeconds is still within
// max_seconds for the task, without reserving (time only ever increases).
func (m *Manager) CheckTimeBudget(taskID string, elapsedSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.usageFor(taskID)
	u.secondsUsed = elapsedSeconds
	if elapsedSeconds > m.cfg.MaxSeconds {
		return &Violation{Resource: "max_seconds", Limit: m.cfg.MaxSeconds, Attempt: elapsedSeconds}
	}
	return nil
}

// AcquireSubagent reserves one of the max_subagents parallel slots.
func (m *Manager) AcquireSubagent() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subagentsHeld >= m.cfg.MaxSubagents {
		return &Violation{Resource: "max_subagents", Limit: m.cfg.MaxSubagents, Attempt: m.subagentsHeld + 1}
	}
	m.subagentsHeld++
	return nil
}

// ReleaseSubagent frees one subagent slot.
func (m *Manager) ReleaseSubagent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subagentsHeld > 0 {
		m.subagentsHeld--
	}
}

// AcquireExecutor reserves one of the max_executors parallel slots. This is
// the same ceiling LockManager's global semaphore enforces at the lock
// layer; LimitManager exposes it too so planning code can check capacity
// before attempting to acquire it.
func (m *Manager) AcquireExecutor() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.executorsHeld >= m.cfg.MaxExecutors {
		return &Violation{Resource: "max_executors", Limit: m.cfg.MaxExecutors, Attempt: m.executorsHeld + 1}
	}
	m.executorsHeld++
	return nil
}

// ReleaseExecutor frees one executor slot.
func (m *Manager) ReleaseExecutor() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.executorsHeld > 0 {
		m.executorsHeld--
	}
}

// SuggestChunkSize returns the remaining file capacity for a task, clamped
// to the requested total.
func (m *Manager) SuggestChunkSize(taskID string, totalFiles int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.usageFor(taskID)
	remaining := m.cfg.MaxFiles - u.filesUsed
	if remaining < 0 {
		remaining = 0
	}
	if totalFiles < remaining {
		return totalFiles
	}
	return remaining
}

// ReleaseTask drops a task's usage tracking once it reaches a terminal
// status, so the usage map doesn't grow unbounded across a long-lived
// process.
func (m *Manager) ReleaseTask(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.usage, taskID)
}
