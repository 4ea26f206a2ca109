package lockmanager

import (
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pm-runner/pmrunner/pkg/apierrors"
)

// Manager holds file locks and the global executor semaphore.
// Capacity is fixed per process; there is no background eviction of expired
// locks or semaphore slots — see AutoReleaseExpiredLocks.
type Manager struct {
	mu    sync.Mutex
	locks map[string][]*Lock // file_path -> held locks (READ can have many, WRITE exactly one)
	byID  map[string]*Lock

	executorCapacity int
	executorHeld     int
}

// New returns a Manager with the given global executor semaphore capacity.
func New(executorCapacity int) *Manager {
	return &Manager{
		locks:            make(map[string][]*Lock),
		byID:             make(map[string]*Lock),
		executorCapacity: executorCapacity,
	}
}

func normalizePath(p string) string {
	return filepath.Clean(p)
}

// AcquireLock acquires a single lock, enforcing the READ/READ-only
// compatibility matrix. Conflicting acquires return an E401 CodedError.
func (m *Manager) AcquireLock(path, holderID string, lockType LockType) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquireLocked(path, holderID, lockType)
}

func (m *Manager) acquireLocked(path, holderID string, lockType LockType) (*Lock, error) {
	path = normalizePath(path)
	for _, held := range m.locks[path] {
		if !compatible(held.Type, lockType) {
			return nil, apierrors.Newf(apierrors.ELockAcquisition,
				map[string]any{"file_path": path, "conflicting_holder": held.HolderID, "conflicting_type": held.Type},
				"cannot acquire %s lock on %s: held as %s by %s", lockType, path, held.Type, held.HolderID)
		}
	}

	lock := &Lock{
		LockID:     uuid.New().String(),
		FilePath:   path,
		HolderID:   holderID,
		Type:       lockType,
		AcquiredAt: time.Now().UTC(),
	}
	m.locks[path] = append(m.locks[path], lock)
	m.byID[lock.LockID] = lock
	slog.Debug("lock acquired", "lock_id", lock.LockID, "file_path", path, "holder_id", holderID, "type", lockType)
	return lock, nil
}

// AcquireMultipleLocks sorts paths before acquisition so that any two callers
// locking an overlapping file set always acquire in the same order,
// eliminating lock-ordering cycles. On partial failure, all
// locks acquired so far in this call are rolled back.
func (m *Manager) AcquireMultipleLocks(paths []string, holderID string, lockType LockType) ([]*Lock, error) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	m.mu.Lock()
	defer m.mu.Unlock()

	acquired := make([]*Lock, 0, len(sorted))
	for _, p := range sorted {
		lock, err := m.acquireLocked(p, holderID, lockType)
		if err != nil {
			for _, l := range acquired {
				m.releaseLocked(l.LockID)
			}
			return nil, err
		}
		acquired = append(acquired, lock)
	}
	return acquired, nil
}

// ReleaseLock releases a held lock. Releasing an unknown lock_id fails with
// E402.
func (m *Manager) ReleaseLock(lockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(lockID)
}

func (m *Manager) releaseLocked(lockID string) error {
	lock, ok := m.byID[lockID]
	if !ok {
		return apierrors.Newf(apierrors.ELockRelease, map[string]any{"lock_id": lockID},
			"no held lock with id %s", lockID)
	}
	delete(m.byID, lockID)
	held := m.locks[lock.FilePath]
	for i, l := range held {
		if l.LockID == lockID {
			m.locks[lock.FilePath] = append(held[:i], held[i+1:]...)
			break
		}
	}
	if len(m.locks[lock.FilePath]) == 0 {
		delete(m.locks, lock.FilePath)
	}
	slog.Debug("lock released", "lock_id", lockID, "file_path", lock.FilePath)
	return nil
}

// AcquireGlobalSemaphore reserves one of the fixed executor slots. Exceeding
// the hard ceiling fails with E404.
func (m *Manager) AcquireGlobalSemaphore(executorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.executorHeld >= m.executorCapacity {
		return apierrors.Newf(apierrors.ESemaphoreExceeded,
			map[string]any{"executor_id": executorID, "capacity": m.executorCapacity},
			"global executor semaphore exhausted: %d/%d held", m.executorHeld, m.executorCapacity)
	}
	m.executorHeld++
	return nil
}

// ReleaseGlobalSemaphore frees one executor slot. Releasing beyond zero held
// slots is a caller bug; it is clamped rather than going negative.
func (m *Manager) ReleaseGlobalSemaphore(executorID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.executorHeld > 0 {
		m.executorHeld--
	}
}

// AutoReleaseExpiredLocks always fails: expires_at is informational only and
// auto-release by time is forbidden. Any caller that reaches
// this path has a bug — time-based release must never silently drop a held
// lock, so this raises E405 instead of doing nothing quietly.
func (m *Manager) AutoReleaseExpiredLocks() error {
	return apierrors.New(apierrors.ELockForbiddenAutoRelease,
		"autoReleaseExpiredLocks is forbidden: locks are never released by time", nil)
}

// HeldLocks returns a snapshot of currently held locks for a file path
// (mainly for diagnostics/tests).
func (m *Manager) HeldLocks(path string) []*Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	held := m.locks[normalizePath(path)]
	out := make([]*Lock, len(held))
	copy(out, held)
	return out
}

// ExecutorsHeld reports how many global executor slots are currently held.
func (m *Manager) ExecutorsHeld() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executorHeld
}
