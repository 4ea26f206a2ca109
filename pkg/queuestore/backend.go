package queuestore

import (
	"context"
	"time"
)

// Backend abstracts the durable store underneath QueueStore as a key-value
// + secondary-index store with conditional updates, specialized to the Task
// record. Implementations: queuestore/memory (dev/tests) and
// queuestore/postgres (production, `SELECT ... FOR UPDATE SKIP LOCKED`
// claims).
//
// Every method is scoped by namespace; a Backend must never let a read or
// write in one namespace observe or mutate another's data.
type Backend interface {
	// Insert stores a brand new task. Returns ErrConflict if a task with the
	// same (namespace, task_id) already exists.
	Insert(ctx context.Context, t *Task) error

	// Get returns the task, or ErrNotFound.
	Get(ctx context.Context, namespace, taskID string) (*Task, error)

	// ClaimOldestQueued atomically selects the oldest QUEUED task in the
	// namespace and transitions it to RUNNING, strongly consistent. Returns ErrNotFound if no
	// QUEUED task exists.
	ClaimOldestQueued(ctx context.Context, namespace, claimedBy string, now time.Time) (*Task, error)

	// ConditionalUpdate applies mutate to the stored task iff it still
	// matches expectedStatus, atomically. Returns ErrConflict if the stored
	// status no longer matches (another writer won), ErrNotFound if the task
	// doesn't exist.
	ConditionalUpdate(ctx context.Context, namespace, taskID string, expectedStatus Status, mutate func(*Task)) error

	// GetBySession lists tasks for a session, ordered by created_at ascending.
	GetBySession(ctx context.Context, namespace, sessionID string) ([]*Task, error)

	// GetByStatus lists tasks with a given status, ordered by created_at ascending.
	GetByStatus(ctx context.Context, namespace string, status Status) ([]*Task, error)

	// GetByTaskGroup lists tasks in a task group, ordered by created_at ascending.
	GetByTaskGroup(ctx context.Context, namespace, taskGroupID string) ([]*Task, error)

	// GetAllTaskGroups lists distinct task_group_ids in the namespace, in
	// first-seen (created_at ascending) order.
	GetAllTaskGroups(ctx context.Context, namespace string) ([]string, error)

	// List returns every task in the namespace, ordered by created_at ascending.
	List(ctx context.Context, namespace string) ([]*Task, error)

	// Delete permanently removes a task record. Used only by retention
	// cleanup against terminal tasks; never called on a live QUEUED/RUNNING
	// task.
	Delete(ctx context.Context, namespace, taskID string) error
}
