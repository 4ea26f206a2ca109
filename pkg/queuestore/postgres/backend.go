package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pm-runner/pmrunner/pkg/queuestore"
)

// row mirrors the tasks table's columns for scan/marshal.
type row struct {
	Namespace     string
	TaskID        string
	TaskGroupID   string
	SessionID     string
	Status        string
	Prompt        string
	TaskType      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Output        sql.NullString
	ErrorMessage  sql.NullString
	Clarification []byte
	Events        []byte
	Attempt       int
	ClaimedBy     sql.NullString
}

func (r *row) toTask() (*queuestore.Task, error) {
	t := &queuestore.Task{
		Namespace:   r.Namespace,
		TaskID:      r.TaskID,
		TaskGroupID: r.TaskGroupID,
		SessionID:   r.SessionID,
		Status:      queuestore.Status(r.Status),
		Prompt:      r.Prompt,
		TaskType:    queuestore.TaskType(r.TaskType),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		Attempt:     r.Attempt,
	}
	if r.Output.Valid {
		t.Output = r.Output.String
	}
	if r.ErrorMessage.Valid {
		t.ErrorMessage = r.ErrorMessage.String
	}
	if r.ClaimedBy.Valid {
		t.ClaimedBy = r.ClaimedBy.String
	}
	if len(r.Clarification) > 0 {
		var c queuestore.Clarification
		if err := json.Unmarshal(r.Clarification, &c); err != nil {
			return nil, fmt.Errorf("unmarshalling clarification: %w", err)
		}
		t.Clarification = &c
	}
	if len(r.Events) > 0 {
		var evs []queuestore.Event
		if err := json.Unmarshal(r.Events, &evs); err != nil {
			return nil, fmt.Errorf("unmarshalling events: %w", err)
		}
		t.Events = evs
	}
	return t, nil
}

const selectColumns = `namespace, task_id, task_group_id, session_id, status, prompt, task_type,
	created_at, updated_at, output, error_message, clarification, events, attempt, claimed_by`

func scanRow(scanner interface{ Scan(...any) error }) (*queuestore.Task, error) {
	var r row
	err := scanner.Scan(
		&r.Namespace, &r.TaskID, &r.TaskGroupID, &r.SessionID, &r.Status, &r.Prompt, &r.TaskType,
		&r.CreatedAt, &r.UpdatedAt, &r.Output, &r.ErrorMessage, &r.Clarification, &r.Events, &r.Attempt, &r.ClaimedBy,
	)
	if err != nil {
		return nil, err
	}
	return r.toTask()
}

// Insert implements queuestore.Backend.
func (b *Backend) Insert(ctx context.Context, t *queuestore.Task) error {
	clar, err := json.Marshal(t.Clarification)
	if err != nil {
		return fmt.Errorf("marshalling clarification: %w", err)
	}
	evs, err := json.Marshal(t.Events)
	if err != nil {
		return fmt.Errorf("marshalling events: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO tasks (namespace, task_id, task_group_id, session_id, status, prompt, task_type,
			created_at, updated_at, output, error_message, clarification, events, attempt, claimed_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (namespace, task_id) DO NOTHING`,
		t.Namespace, t.TaskID, t.TaskGroupID, t.SessionID, string(t.Status), t.Prompt, string(t.TaskType),
		t.CreatedAt, t.UpdatedAt, nullableString(t.Output), nullableString(t.ErrorMessage), clar, evs, t.Attempt, nullableString(t.ClaimedBy),
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	// ON CONFLICT DO NOTHING can't tell us whether the row existed already;
	// re-read to distinguish the conflict case from an unknown task.
	existing, err := b.Get(ctx, t.Namespace, t.TaskID)
	if err != nil {
		return err
	}
	if existing.CreatedAt.Sub(t.CreatedAt).Abs() > time.Millisecond {
		return queuestore.ErrConflict
	}
	return nil
}

// Get implements queuestore.Backend.
func (b *Backend) Get(ctx context.Context, ns, taskID string) (*queuestore.Task, error) {
	rowScanner := b.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM tasks WHERE namespace=$1 AND task_id=$2`, ns, taskID)
	t, err := scanRow(rowScanner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queuestore.ErrNotFound
		}
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return t, nil
}

// ClaimOldestQueued implements queuestore.Backend using SELECT ... FOR UPDATE
// SKIP LOCKED, so concurrent claimers never block on or double-claim the
// same row — the core primitive that makes claim strongly consistent under
// concurrent pollers.
func (b *Backend) ClaimOldestQueued(ctx context.Context, ns, claimedBy string, now time.Time) (*queuestore.Task, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rowScanner := tx.QueryRowContext(ctx, `
		SELECT `+selectColumns+` FROM tasks
		WHERE namespace = $1 AND status = $2
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, ns, string(queuestore.StatusQueued))

	t, err := scanRow(rowScanner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queuestore.ErrNotFound
		}
		return nil, fmt.Errorf("selecting claimable task: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status=$1, updated_at=$2, claimed_by=$3
		WHERE namespace=$4 AND task_id=$5`,
		string(queuestore.StatusRunning), now, claimedBy, ns, t.TaskID)
	if err != nil {
		return nil, fmt.Errorf("claiming task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	t.Status = queuestore.StatusRunning
	t.UpdatedAt = now
	t.ClaimedBy = claimedBy
	return t, nil
}

// ConditionalUpdate implements queuestore.Backend: read-modify-write inside a
// transaction, guarded by a WHERE status=$expected on the UPDATE so a
// concurrent writer that changed status first wins and this caller sees
// ErrConflict (an optimistic conditional update).
func (b *Backend) ConditionalUpdate(ctx context.Context, ns, taskID string, expected queuestore.Status, mutate func(*queuestore.Task)) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning update transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rowScanner := tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM tasks WHERE namespace=$1 AND task_id=$2 FOR UPDATE`, ns, taskID)
	t, err := scanRow(rowScanner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queuestore.ErrNotFound
		}
		return fmt.Errorf("selecting task for update: %w", err)
	}
	if t.Status != expected {
		return queuestore.ErrConflict
	}

	mutate(t)

	clar, err := json.Marshal(t.Clarification)
	if err != nil {
		return fmt.Errorf("marshalling clarification: %w", err)
	}
	evs, err := json.Marshal(t.Events)
	if err != nil {
		return fmt.Errorf("marshalling events: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status=$1, updated_at=$2, output=$3, error_message=$4,
			clarification=$5, events=$6, attempt=$7, claimed_by=$8
		WHERE namespace=$9 AND task_id=$10 AND status=$11`,
		string(t.Status), t.UpdatedAt, nullableString(t.Output), nullableString(t.ErrorMessage),
		clar, evs, t.Attempt, nullableString(t.ClaimedBy), ns, taskID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("applying conditional update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return queuestore.ErrConflict
	}
	return tx.Commit()
}

// GetBySession implements queuestore.Backend.
func (b *Backend) GetBySession(ctx context.Context, ns, sessionID string) ([]*queuestore.Task, error) {
	return b.query(ctx, `WHERE namespace=$1 AND session_id=$2 ORDER BY created_at ASC`, ns, sessionID)
}

// GetByStatus implements queuestore.Backend.
func (b *Backend) GetByStatus(ctx context.Context, ns string, status queuestore.Status) ([]*queuestore.Task, error) {
	return b.query(ctx, `WHERE namespace=$1 AND status=$2 ORDER BY created_at ASC`, ns, string(status))
}

// GetByTaskGroup implements queuestore.Backend.
func (b *Backend) GetByTaskGroup(ctx context.Context, ns, taskGroupID string) ([]*queuestore.Task, error) {
	return b.query(ctx, `WHERE namespace=$1 AND task_group_id=$2 ORDER BY created_at ASC`, ns, taskGroupID)
}

// List implements queuestore.Backend.
func (b *Backend) List(ctx context.Context, ns string) ([]*queuestore.Task, error) {
	return b.query(ctx, `WHERE namespace=$1 ORDER BY created_at ASC`, ns)
}

// GetAllTaskGroups implements queuestore.Backend.
func (b *Backend) GetAllTaskGroups(ctx context.Context, ns string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT task_group_id FROM (
			SELECT task_group_id, MIN(created_at) AS first_seen
			FROM tasks WHERE namespace=$1
			GROUP BY task_group_id
		) t ORDER BY first_seen ASC`, ns)
	if err != nil {
		return nil, fmt.Errorf("querying task groups: %w", err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("scanning task group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// Delete implements queuestore.Backend.
func (b *Backend) Delete(ctx context.Context, ns, taskID string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM tasks WHERE namespace=$1 AND task_id=$2`, ns, taskID)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return queuestore.ErrNotFound
	}
	return nil
}

func (b *Backend) query(ctx context.Context, where string, args ...any) ([]*queuestore.Task, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM tasks `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var out []*queuestore.Task
	for rows.Next() {
		t, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
