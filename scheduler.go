package main

import (
	"context"
	"log"
	"sync"
	"time"
)

const lastPollKey = "scheduler_last_poll_at"

// taskSource is the slice of TaskStore the scheduler needs.
type taskSource interface {
	DueTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error)
	Transition(ctx context.Context, id int64, status TaskStatus, errMsg string, sessionID int64) error
}

// kvWriter records poll bookkeeping, best-effort.
type kvWriter interface {
	SetKv(ctx context.Context, key string, value any) error
}

// TaskHandler executes one claimed task end to end and returns the session
// id of the run it produced.
type TaskHandler func(ctx context.Context, task ScheduledTask) (int64, error)

// Scheduler polls the task store on a fixed interval and fires due tasks.
// Each due task is handled independently and concurrently: one handler's
// failure is recorded on its own row and never blocks another task.
type Scheduler struct {
	tasks    taskSource
	kv       kvWriter
	handler  TaskHandler
	interval time.Duration
	logger   *Logger
	now      func() time.Time // test seam
}

func NewScheduler(tasks taskSource, kv kvWriter, handler TaskHandler, interval time.Duration, logger *Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		tasks:    tasks,
		kv:       kv,
		handler:  handler,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run polls until ctx is cancelled. Fires once immediately to catch up on
// tasks that came due while the process was down.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Printf("scheduler started (interval %v)", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Printf("scheduler stopped")
			return nil
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	if err := s.PollOnce(ctx); err != nil {
		if ctx.Err() == nil {
			s.logger.Error("scheduler_poll", err)
		}
		return
	}
	bestEffort(s.logger, "scheduler_last_poll",
		s.kv.SetKv(ctx, lastPollKey, map[string]any{"timestamp": s.now().UTC()}))
}

// PollOnce claims and runs every currently due task. Returns an error only
// when the due-task query itself fails; per-task outcomes land on their
// rows.
func (s *Scheduler) PollOnce(ctx context.Context) error {
	due, err := s.tasks.DueTasks(ctx, s.now())
	if err != nil {
		return err
	}
	s.logger.Poll(len(due))
	if len(due) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, task := range due {
		wg.Add(1)
		go func(task ScheduledTask) {
			defer wg.Done()
			s.runTask(ctx, task)
		}(task)
	}
	wg.Wait()
	return nil
}

func (s *Scheduler) runTask(ctx context.Context, task ScheduledTask) {
	if err := s.tasks.Transition(ctx, task.ID, TaskRunning, "", 0); err != nil {
		// Claimed by a previous poll still in flight, or the row changed
		// under us. Either way this poll does not own the task.
		s.logger.Error("task_claim", err)
		return
	}
	s.logger.Task(task.ID, TaskRunning, "")

	sessionID, err := s.handler(ctx, task)
	if err != nil {
		s.logger.Task(task.ID, TaskFailed, err.Error())
		if terr := s.tasks.Transition(ctx, task.ID, TaskFailed, err.Error(), 0); terr != nil {
			s.logger.Error("task_fail_transition", terr)
		}
		return
	}

	s.logger.Task(task.ID, TaskCompleted, "")
	if terr := s.tasks.Transition(ctx, task.ID, TaskCompleted, "", sessionID); terr != nil {
		s.logger.Error("task_complete_transition", terr)
	}
}

// bestEffort makes swallowed writes visible in review: the error is logged
// and dropped, and the hot path moves on.
func bestEffort(logger *Logger, context string, err error) {
	if err != nil {
		logger.Error(context, err)
	}
}
