// Package memory provides an in-process implementation of
// queuestore.Backend, used for tests and single-process development. It
// implements the "abstract key-value + secondary-index store with
// conditional updates" contract directly with a guarded map.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pm-runner/pmrunner/pkg/queuestore"
)

type key struct {
	namespace string
	taskID    string
}

// Backend is a mutex-guarded in-memory queuestore.Backend.
type Backend struct {
	mu    sync.Mutex
	tasks map[key]*queuestore.Task
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{tasks: make(map[key]*queuestore.Task)}
}

// Insert implements queuestore.Backend.
func (b *Backend) Insert(_ context.Context, t *queuestore.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := key{t.Namespace, t.TaskID}
	if _, exists := b.tasks[k]; exists {
		return queuestore.ErrConflict
	}
	b.tasks[k] = t.Clone()
	return nil
}

// Get implements queuestore.Backend.
func (b *Backend) Get(_ context.Context, ns, taskID string) (*queuestore.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[key{ns, taskID}]
	if !ok {
		return nil, queuestore.ErrNotFound
	}
	return t.Clone(), nil
}

// ClaimOldestQueued implements queuestore.Backend: picks the oldest QUEUED
// task by created_at and flips it to RUNNING under the backend's single
// mutex, which is what gives this backend strong claim consistency.
func (b *Backend) ClaimOldestQueued(_ context.Context, ns, claimedBy string, now time.Time) (*queuestore.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var oldest *queuestore.Task
	for k, t := range b.tasks {
		if k.namespace != ns || t.Status != queuestore.StatusQueued {
			continue
		}
		if oldest == nil || t.CreatedAt.Before(oldest.CreatedAt) {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, queuestore.ErrNotFound
	}
	oldest.Status = queuestore.StatusRunning
	oldest.UpdatedAt = now
	oldest.ClaimedBy = claimedBy
	return oldest.Clone(), nil
}

// ConditionalUpdate implements queuestore.Backend.
func (b *Backend) ConditionalUpdate(_ context.Context, ns, taskID string, expected queuestore.Status, mutate func(*queuestore.Task)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[key{ns, taskID}]
	if !ok {
		return queuestore.ErrNotFound
	}
	if t.Status != expected {
		return queuestore.ErrConflict
	}
	mutate(t)
	return nil
}

// GetBySession implements queuestore.Backend.
func (b *Backend) GetBySession(_ context.Context, ns, sessionID string) ([]*queuestore.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filterLocked(func(t *queuestore.Task) bool {
		return t.Namespace == ns && t.SessionID == sessionID
	}), nil
}

// GetByStatus implements queuestore.Backend.
func (b *Backend) GetByStatus(_ context.Context, ns string, status queuestore.Status) ([]*queuestore.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filterLocked(func(t *queuestore.Task) bool {
		return t.Namespace == ns && t.Status == status
	}), nil
}

// GetByTaskGroup implements queuestore.Backend.
func (b *Backend) GetByTaskGroup(_ context.Context, ns, taskGroupID string) ([]*queuestore.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filterLocked(func(t *queuestore.Task) bool {
		return t.Namespace == ns && t.TaskGroupID == taskGroupID
	}), nil
}

// GetAllTaskGroups implements queuestore.Backend.
func (b *Backend) GetAllTaskGroups(_ context.Context, ns string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	all := b.filterLocked(func(t *queuestore.Task) bool { return t.Namespace == ns })
	seen := make(map[string]bool)
	groups := make([]string, 0)
	for _, t := range all {
		if !seen[t.TaskGroupID] {
			seen[t.TaskGroupID] = true
			groups = append(groups, t.TaskGroupID)
		}
	}
	return groups, nil
}

// List implements queuestore.Backend.
func (b *Backend) List(_ context.Context, ns string) ([]*queuestore.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filterLocked(func(t *queuestore.Task) bool { return t.Namespace == ns }), nil
}

// Delete implements queuestore.Backend.
func (b *Backend) Delete(_ context.Context, ns, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := key{ns, taskID}
	if _, ok := b.tasks[k]; !ok {
		return queuestore.ErrNotFound
	}
	delete(b.tasks, k)
	return nil
}

// filterLocked must be called with b.mu held. Results are cloned and sorted
// by created_at ascending, the ordering contract on every
// secondary index.
func (b *Backend) filterLocked(pred func(*queuestore.Task) bool) []*queuestore.Task {
	out := make([]*queuestore.Task, 0)
	for _, t := range b.tasks {
		if pred(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
