package main

import "sync"

// SignalQueue buffers inbound signals for a single designated reader.
// Push appends and fires the wake callback once per push; Drain atomically
// returns and clears the buffer. Pushes that land during a Drain stay queued
// for the next one.
type SignalQueue struct {
	mu     sync.Mutex
	buffer []Signal
	onPush func()
}

func NewSignalQueue() *SignalQueue {
	return &SignalQueue{}
}

// OnSignal registers the wake callback. One listener; later calls replace
// earlier ones.
func (q *SignalQueue) OnSignal(cb func()) {
	q.mu.Lock()
	q.onPush = cb
	q.mu.Unlock()
}

// Push appends sig and wakes the listener. The callback runs outside the
// lock so a listener may call Drain from it.
func (q *SignalQueue) Push(sig Signal) {
	q.mu.Lock()
	q.buffer = append(q.buffer, sig)
	cb := q.onPush
	q.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Drain returns the buffered signals and clears the queue. Never blocks;
// returns nil when empty.
func (q *SignalQueue) Drain() []Signal {
	q.mu.Lock()
	drained := q.buffer
	q.buffer = nil
	q.mu.Unlock()
	return drained
}

// Len reports the number of buffered signals.
func (q *SignalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffer)
}
