package main

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// testPool connects to the database named by TEST_DATABASE_URL and applies
// the schema. Tests that need Postgres skip when the variable is unset.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := ensureSchema(ctx, pool); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return pool
}

func newDBTaskStore(t *testing.T) *TaskStore {
	t.Helper()
	pool := testPool(t)
	ctx := context.Background()
	if _, err := pool.Exec(ctx, `DELETE FROM scheduled_tasks`); err != nil {
		t.Fatalf("clean tasks: %v", err)
	}
	return NewTaskStore(pool, 3)
}

func mustTransition(t *testing.T, ts *TaskStore, id int64, status TaskStatus, errMsg string, sessionID int64) {
	t.Helper()
	if err := ts.Transition(context.Background(), id, status, errMsg, sessionID); err != nil {
		t.Fatalf("transition task %d to %s: %v", id, status, err)
	}
}

func TestTaskStoreDuePredicate(t *testing.T) {
	ts := newDBTaskStore(t)
	ctx := context.Background()
	now := time.Now()

	due, err := ts.Insert(ctx, now.Add(-time.Minute), "due now")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ts.Insert(ctx, now.Add(time.Hour), "not yet"); err != nil {
		t.Fatal(err)
	}

	got, err := ts.DueTasks(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != due {
		t.Fatalf("due = %v, want only the past task", got)
	}
	if got[0].Status != TaskPending || got[0].MaxAttempts != 3 {
		t.Fatalf("task = %+v", got[0])
	}

	// A claimed task disappears from the due set until it fails.
	mustTransition(t, ts, due, TaskRunning, "", 0)
	got, err = ts.DueTasks(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("running task still listed as due: %v", got)
	}

	// Failed with attempts remaining: due again.
	mustTransition(t, ts, due, TaskFailed, "boom", 0)
	got, err = ts.DueTasks(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].LastError != "boom" || got[0].Attempts != 1 {
		t.Fatalf("failed task not due for retry: %v", got)
	}
}

func TestTaskStoreExhaustedTaskNotDue(t *testing.T) {
	ts := newDBTaskStore(t)
	ctx := context.Background()
	now := time.Now()

	id, err := ts.Insert(ctx, now.Add(-time.Minute), "doomed")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		mustTransition(t, ts, id, TaskRunning, "", 0)
		mustTransition(t, ts, id, TaskFailed, "boom", 0)
	}

	got, err := ts.DueTasks(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("task with attempts = max still due: %v", got)
	}

	// Status stays failed; only the predicate retires it.
	listed, err := ts.List(ctx, TaskFilter{Status: TaskFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 || listed[0].Attempts != 3 {
		t.Fatalf("listed = %v", listed)
	}
}

func TestTaskStoreTransitionGuards(t *testing.T) {
	ts := newDBTaskStore(t)
	ctx := context.Background()

	id, err := ts.Insert(ctx, time.Now(), "guarded")
	if err != nil {
		t.Fatal(err)
	}

	// completed requires running.
	if err := ts.Transition(ctx, id, TaskCompleted, "", 1); err == nil {
		t.Fatal("pending → completed allowed")
	}

	mustTransition(t, ts, id, TaskRunning, "", 0)
	// Double claim fails: the row is no longer pending or failed.
	if err := ts.Transition(ctx, id, TaskRunning, "", 0); err == nil {
		t.Fatal("running task claimed twice")
	}

	sessionID, err := NewStore(ts.pool).CreateSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	mustTransition(t, ts, id, TaskCompleted, "", sessionID)
	got, err := ts.List(ctx, TaskFilter{Status: TaskCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].SessionID != sessionID || got[0].Attempts != 1 {
		t.Fatalf("completed task = %v", got)
	}
}

func TestTaskStoreEditAndCancelPendingOnly(t *testing.T) {
	ts := newDBTaskStore(t)
	ctx := context.Background()

	id, err := ts.Insert(ctx, time.Now().Add(time.Hour), "original")
	if err != nil {
		t.Fatal(err)
	}

	newPrompt := "revised"
	affected, err := ts.Edit(ctx, id, nil, &newPrompt)
	if err != nil {
		t.Fatal(err)
	}
	if affected != 1 {
		t.Fatalf("edit of pending task affected %d rows", affected)
	}

	affected, err = ts.Cancel(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if affected != 1 {
		t.Fatalf("cancel of pending task affected %d rows", affected)
	}

	// Cancelled: no longer editable or cancellable.
	if affected, _ = ts.Edit(ctx, id, nil, &newPrompt); affected != 0 {
		t.Fatal("edited a cancelled task")
	}
	if affected, _ = ts.Cancel(ctx, id); affected != 0 {
		t.Fatal("cancelled a cancelled task")
	}

	got, err := ts.List(ctx, TaskFilter{Status: TaskCancelled})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Prompt != "revised" {
		t.Fatalf("cancelled task = %v", got)
	}
}

func TestTaskStoreListFilters(t *testing.T) {
	ts := newDBTaskStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	for i := 0; i < 3; i++ {
		if _, err := ts.Insert(ctx, base.Add(time.Duration(i)*time.Hour), "t"); err != nil {
			t.Fatal(err)
		}
	}

	got, err := ts.List(ctx, TaskFilter{
		From: base.Add(30 * time.Minute),
		To:   base.Add(90 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("window filter returned %d tasks, want 1", len(got))
	}

	all, err := ts.List(ctx, TaskFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("unfiltered list returned %d tasks", len(all))
	}
	// Newest fire time first.
	if !all[0].FireAt.After(all[2].FireAt) {
		t.Fatalf("list not ordered by fire time desc: %v then %v", all[0].FireAt, all[2].FireAt)
	}
}
