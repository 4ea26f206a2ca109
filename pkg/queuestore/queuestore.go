package queuestore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pm-runner/pmrunner/pkg/namespace"
)

// QueueStore is the durable task queue. It is the
// exclusive owner of Task records; every mutation goes
// through one of its methods, which enforce the state machine and namespace
// isolation before delegating to a Backend.
type QueueStore struct {
	backend Backend
}

// New creates a QueueStore over the given Backend.
func New(backend Backend) *QueueStore {
	return &QueueStore{backend: backend}
}

// Enqueue creates a new QUEUED task, generating a task_id if one isn't
// supplied.
func (q *QueueStore) Enqueue(ctx context.Context, ns, sessionID, taskGroupID, prompt string, taskID string, taskType TaskType) (*Task, error) {
	if err := namespace.Validate(ns); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	if taskID == "" {
		taskID = uuid.NewString()
	}
	if taskType == "" {
		taskType = TaskTypeImplementation
	}
	now := time.Now()
	t := &Task{
		Namespace:   ns,
		TaskID:      taskID,
		TaskGroupID: taskGroupID,
		SessionID:   sessionID,
		Status:      StatusQueued,
		Prompt:      prompt,
		TaskType:    taskType,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.backend.Insert(ctx, t); err != nil {
		return nil, fmt.Errorf("enqueue task %s/%s: %w", ns, taskID, err)
	}
	return t.Clone(), nil
}

// Claim atomically selects the oldest QUEUED task in the namespace and
// transitions it to RUNNING. At most one concurrent caller succeeds per
// task; losers receive ok=false. claimedBy identifies the calling
// process/poller for crash forensics; it has no coordination meaning.
func (q *QueueStore) Claim(ctx context.Context, ns, claimedBy string) (*Task, bool, error) {
	if err := namespace.Validate(ns); err != nil {
		return nil, false, fmt.Errorf("claim: %w", err)
	}
	t, err := q.backend.ClaimOldestQueued(ctx, ns, claimedBy, time.Now())
	if err != nil {
		if err == ErrNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("claim in namespace %s: %w", ns, err)
	}
	return t, true, nil
}

// UpdateStatus transitions a task to new_status, refusing illegal edges.
func (q *QueueStore) UpdateStatus(ctx context.Context, ns, taskID string, newStatus Status, errorMessage, output string) error {
	cur, err := q.backend.Get(ctx, ns, taskID)
	if err != nil {
		return fmt.Errorf("updateStatus %s: %w", taskID, err)
	}
	if !CanTransition(cur.Status, newStatus) {
		return fmt.Errorf("updateStatus %s: %s -> %s: %w", taskID, cur.Status, newStatus, ErrIllegalTransition)
	}
	expected := cur.Status
	err = q.backend.ConditionalUpdate(ctx, ns, taskID, expected, func(t *Task) {
		t.Status = newStatus
		t.UpdatedAt = time.Now()
		if errorMessage != "" {
			t.ErrorMessage = errorMessage
		}
		if output != "" {
			t.Output = output
		}
	})
	if err != nil {
		return fmt.Errorf("updateStatus %s: %w", taskID, err)
	}
	return nil
}

// SetAwaitingResponse transitions RUNNING -> AWAITING_RESPONSE, storing the
// clarification question/context and optional partial output.
func (q *QueueStore) SetAwaitingResponse(ctx context.Context, ns, taskID string, clarification Clarification, output string) error {
	cur, err := q.backend.Get(ctx, ns, taskID)
	if err != nil {
		return fmt.Errorf("setAwaitingResponse %s: %w", taskID, err)
	}
	if cur.Status != StatusRunning {
		return fmt.Errorf("setAwaitingResponse %s: must be RUNNING, got %s: %w", taskID, cur.Status, ErrIllegalTransition)
	}
	err = q.backend.ConditionalUpdate(ctx, ns, taskID, StatusRunning, func(t *Task) {
		t.Status = StatusAwaitingResponse
		t.UpdatedAt = time.Now()
		c := clarification
		t.Clarification = &c
		if output != "" {
			t.Output = output
		}
	})
	if err != nil {
		return fmt.Errorf("setAwaitingResponse %s: %w", taskID, err)
	}
	return nil
}

// AppendEvent appends an event to a task's ordered event log. updated_at
// advances only if the event's timestamp is later. Returns
// false if the task is unknown.
func (q *QueueStore) AppendEvent(ctx context.Context, ns, taskID string, ev Event) (bool, error) {
	cur, err := q.backend.Get(ctx, ns, taskID)
	if err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("appendEvent %s: %w", taskID, err)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	err = q.backend.ConditionalUpdate(ctx, ns, taskID, cur.Status, func(t *Task) {
		t.Events = append(t.Events, ev)
		if ev.Timestamp.After(t.UpdatedAt) {
			t.UpdatedAt = ev.Timestamp
		}
	})
	if err != nil {
		// A concurrent status change between the read and the conditional
		// update lost the race; appendEvent retries once against the fresh
		// status since events are additive and never themselves gate the
		// state machine.
		cur, gerr := q.backend.Get(ctx, ns, taskID)
		if gerr != nil {
			return false, fmt.Errorf("appendEvent %s: %w", taskID, gerr)
		}
		err = q.backend.ConditionalUpdate(ctx, ns, taskID, cur.Status, func(t *Task) {
			t.Events = append(t.Events, ev)
			if ev.Timestamp.After(t.UpdatedAt) {
				t.UpdatedAt = ev.Timestamp
			}
		})
		if err != nil {
			return false, fmt.Errorf("appendEvent %s: %w", taskID, err)
		}
	}
	return true, nil
}

// GetItem returns a single task by id.
func (q *QueueStore) GetItem(ctx context.Context, ns, taskID string) (*Task, error) {
	if err := namespace.Validate(ns); err != nil {
		return nil, err
	}
	return q.backend.Get(ctx, ns, taskID)
}

// GetBySession returns tasks for a session, created_at ascending.
func (q *QueueStore) GetBySession(ctx context.Context, ns, sessionID string) ([]*Task, error) {
	return q.backend.GetBySession(ctx, ns, sessionID)
}

// GetByStatus returns tasks with the given status, created_at ascending.
func (q *QueueStore) GetByStatus(ctx context.Context, ns string, status Status) ([]*Task, error) {
	return q.backend.GetByStatus(ctx, ns, status)
}

// GetByTaskGroup returns tasks in a task group, created_at ascending.
func (q *QueueStore) GetByTaskGroup(ctx context.Context, ns, taskGroupID string) ([]*Task, error) {
	return q.backend.GetByTaskGroup(ctx, ns, taskGroupID)
}

// GetAllTaskGroups returns distinct task_group_ids in first-seen order.
func (q *QueueStore) GetAllTaskGroups(ctx context.Context, ns string) ([]string, error) {
	return q.backend.GetAllTaskGroups(ctx, ns)
}

// List returns every task in the namespace, created_at ascending.
func (q *QueueStore) List(ctx context.Context, ns string) ([]*Task, error) {
	return q.backend.List(ctx, ns)
}

// RecoverStaleTasks transitions RUNNING tasks older than maxAge back to
// QUEUED exactly once. Returns the count recovered. Intended to
// run once at process startup, before a QueuePoller begins claiming.
func (q *QueueStore) RecoverStaleTasks(ctx context.Context, ns string, maxAge time.Duration) (int, error) {
	running, err := q.backend.GetByStatus(ctx, ns, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("recoverStaleTasks: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	recovered := 0
	for _, t := range running {
		if t.UpdatedAt.After(cutoff) {
			continue
		}
		err := q.backend.ConditionalUpdate(ctx, ns, t.TaskID, StatusRunning, func(task *Task) {
			task.Status = StatusQueued
			task.UpdatedAt = time.Now()
			task.ClaimedBy = ""
		})
		if err != nil {
			if err == ErrConflict {
				// Another recovery pass or a live claim already moved it on;
				// that's fine, it's no longer stale from our perspective.
				continue
			}
			slog.Error("Failed to recover stale task", "namespace", ns, "task_id", t.TaskID, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// PurgeTerminalBefore permanently deletes terminal tasks (COMPLETE, ERROR,
// CANCELLED, AWAITING_RESPONSE) whose updated_at is older than cutoff.
// Non-terminal tasks are never touched, matching the retention rule's
// "never deletes non-terminal tasks" guarantee. Returns the count deleted.
func (q *QueueStore) PurgeTerminalBefore(ctx context.Context, ns string, cutoff time.Time) (int, error) {
	all, err := q.backend.List(ctx, ns)
	if err != nil {
		return 0, fmt.Errorf("purgeTerminalBefore: %w", err)
	}
	purged := 0
	for _, t := range all {
		if !t.Status.terminal() || !t.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := q.backend.Delete(ctx, ns, t.TaskID); err != nil {
			if err == ErrNotFound {
				continue
			}
			slog.Error("Failed to purge terminal task", "namespace", ns, "task_id", t.TaskID, "error", err)
			continue
		}
		purged++
	}
	return purged, nil
}
