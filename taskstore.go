package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TaskStatus is a scheduled task's lifecycle state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// ScheduledTask is one row of the scheduled_tasks table.
//
// There is no terminal "exhausted" status: a task that has failed
// max_attempts times simply stays failed and the due-task predicate stops
// selecting it. Keeping "failed" broad (any task with an error on record)
// is intentional; listing surfaces rely on it.
type ScheduledTask struct {
	ID          int64      `json:"id"`
	FireAt      time.Time  `json:"fireAt"`
	Prompt      string     `json:"prompt"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	LastError   string     `json:"lastError,omitempty"`
	SessionID   int64      `json:"sessionId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// TaskFilter narrows List results. Zero values mean "any".
type TaskFilter struct {
	Status TaskStatus
	From   time.Time
	To     time.Time
}

// TaskStore owns all scheduled_tasks access. Transitions are keyed by task
// id, so concurrent handlers for distinct tasks never collide on a row.
type TaskStore struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

func NewTaskStore(pool *pgxpool.Pool, maxAttempts int) *TaskStore {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &TaskStore{pool: pool, maxAttempts: maxAttempts}
}

const taskColumns = `id, fire_at, prompt, status, attempts, max_attempts,
	COALESCE(last_error, ''), COALESCE(session_id, 0), created_at`

// Insert creates a pending task and returns its id.
func (t *TaskStore) Insert(ctx context.Context, fireAt time.Time, prompt string) (int64, error) {
	var id int64
	err := t.pool.QueryRow(ctx,
		`INSERT INTO scheduled_tasks (fire_at, prompt, max_attempts)
		 VALUES ($1, $2, $3) RETURNING id`,
		fireAt, prompt, t.maxAttempts,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

// DueTasks returns every task that is due and still eligible, ordered by
// fire time. A task qualifies iff fire_at <= now and it is pending, or
// failed with attempts remaining. The query only selects; claiming is the
// caller's explicit transition to running.
func (t *TaskStore) DueTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	rows, err := t.pool.Query(ctx,
		`SELECT `+taskColumns+`
		 FROM scheduled_tasks
		 WHERE fire_at <= $1
		   AND (status = 'pending' OR (status = 'failed' AND attempts < max_attempts))
		 ORDER BY fire_at ASC`,
		now)
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Transition moves a task through its state machine:
//
//	pending|failed → running   (increments attempts)
//	running        → completed (records sessionID)
//	running        → failed    (records errMsg)
//
// A transition whose from-state guard matches no row returns an error; that
// includes double-claims of the same task.
func (t *TaskStore) Transition(ctx context.Context, id int64, status TaskStatus, errMsg string, sessionID int64) error {
	var tag pgconn.CommandTag
	var err error
	switch status {
	case TaskRunning:
		tag, err = t.pool.Exec(ctx,
			`UPDATE scheduled_tasks SET status = 'running', attempts = attempts + 1
			 WHERE id = $1 AND (status = 'pending' OR status = 'failed')`, id)
	case TaskCompleted:
		tag, err = t.pool.Exec(ctx,
			`UPDATE scheduled_tasks SET status = 'completed', session_id = $2
			 WHERE id = $1 AND status = 'running'`, id, nullableID(sessionID))
	case TaskFailed:
		tag, err = t.pool.Exec(ctx,
			`UPDATE scheduled_tasks SET status = 'failed', last_error = $2
			 WHERE id = $1 AND status = 'running'`, id, errMsg)
	default:
		return fmt.Errorf("task %d: transition to %s not allowed", id, status)
	}
	if err != nil {
		return fmt.Errorf("task %d → %s: %w", id, status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d: no row eligible for transition to %s", id, status)
	}
	return nil
}

// List returns tasks matching filter, newest fire time first.
func (t *TaskStore) List(ctx context.Context, filter TaskFilter) ([]ScheduledTask, error) {
	query := `SELECT ` + taskColumns + ` FROM scheduled_tasks WHERE TRUE`
	args := []any{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += fmt.Sprintf(" AND fire_at >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += fmt.Sprintf(" AND fire_at <= $%d", len(args))
	}
	query += " ORDER BY fire_at DESC"

	rows, err := t.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Edit updates fire time and/or prompt while the task is still pending.
// Returns the number of affected rows; 0 means not found or not editable.
func (t *TaskStore) Edit(ctx context.Context, id int64, fireAt *time.Time, prompt *string) (int64, error) {
	tag, err := t.pool.Exec(ctx,
		`UPDATE scheduled_tasks
		 SET fire_at = COALESCE($2, fire_at), prompt = COALESCE($3, prompt)
		 WHERE id = $1 AND status = 'pending'`,
		id, fireAt, prompt)
	if err != nil {
		return 0, fmt.Errorf("edit task %d: %w", id, err)
	}
	return tag.RowsAffected(), nil
}

// Cancel marks a pending task cancelled. Same guard and return convention
// as Edit.
func (t *TaskStore) Cancel(ctx context.Context, id int64) (int64, error) {
	tag, err := t.pool.Exec(ctx,
		`UPDATE scheduled_tasks SET status = 'cancelled'
		 WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return 0, fmt.Errorf("cancel task %d: %w", id, err)
	}
	return tag.RowsAffected(), nil
}

func scanTasks(rows pgx.Rows) ([]ScheduledTask, error) {
	var out []ScheduledTask
	for rows.Next() {
		var task ScheduledTask
		if err := rows.Scan(&task.ID, &task.FireAt, &task.Prompt, &task.Status,
			&task.Attempts, &task.MaxAttempts, &task.LastError, &task.SessionID,
			&task.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func nullableID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
