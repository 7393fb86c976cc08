package main

import (
	"context"
	"fmt"
	"log"
	"time"
)

// RunFunc executes one complete agent run over a batch of signals and
// returns the session id it produced. It must block until the run's output
// is persisted.
type RunFunc func(ctx context.Context, signals []Signal) (int64, error)

// Dispatcher is the single-flight worker for one lane. Signals wake it; it
// drains the queue, runs exactly one agent execution at a time, and drains
// again after every run so nothing that arrived mid-run starves. Any burst
// of wake-ups that overlaps a run collapses into one follow-up pass.
type Dispatcher struct {
	lane   string
	detail string // status board detail while running
	queue  *SignalQueue
	board  *StatusBoard
	run    RunFunc
	logger *Logger
	wake   chan struct{}
}

func NewDispatcher(lane, detail string, queue *SignalQueue, board *StatusBoard, run RunFunc, logger *Logger) *Dispatcher {
	d := &Dispatcher{
		lane:   lane,
		detail: detail,
		queue:  queue,
		board:  board,
		run:    run,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
	queue.OnSignal(d.Wake)
	return d
}

// Wake nudges the worker. Coalescing: a wake that lands while one is
// already pending is absorbed, which is safe because the worker always
// drains the whole queue.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run is the worker loop. Exits only when ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Printf("%s dispatcher started", d.lane)
	// Signals may have been pushed before the loop started.
	d.Wake()
	for {
		select {
		case <-ctx.Done():
			log.Printf("%s dispatcher stopped", d.lane)
			return nil
		case <-d.wake:
			d.cycle(ctx)
		}
	}
}

// cycle drains and runs until the queue is observed empty. The re-drain
// after each run is the single-flight loop's re-check: signals that arrived
// during the run get their follow-up run here, in the same pass.
func (d *Dispatcher) cycle(ctx context.Context) {
	for ctx.Err() == nil {
		signals := d.queue.Drain()
		if len(signals) == 0 {
			return
		}
		d.runOnce(ctx, signals)
	}
}

// runOnce brackets one run with the status board transitions. The idle
// transition is unconditional: run errors and panics are logged and
// swallowed, never re-thrown past the lane.
func (d *Dispatcher) runOnce(ctx context.Context, signals []Signal) {
	for _, sig := range signals {
		d.logger.Signal(d.lane, sig)
	}
	bestEffort(d.logger, "status_update",
		d.board.Update(ctx, d.lane, AgentStatus{State: StateRunning, Detail: d.detail}))
	d.logger.RunStart(d.lane, len(signals))
	start := time.Now()

	sessionID, err := d.safeRun(ctx, signals)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		d.logger.Error(d.lane+"_run", err)
	}
	d.logger.RunEnd(d.lane, sessionID, time.Since(start).Milliseconds(), errMsg)
	bestEffort(d.logger, "status_update",
		d.board.Update(ctx, d.lane, AgentStatus{State: StateIdle}))
}

func (d *Dispatcher) safeRun(ctx context.Context, signals []Signal) (sessionID int64, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("run panic: %v", rec)
		}
	}()
	return d.run(ctx, signals)
}
