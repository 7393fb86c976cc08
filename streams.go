package main

import (
	"encoding/json"
	"sync"
)

// Envelope is the parsed shape of a bus payload. Only the fields the
// registry routes on are decoded; subscribers get the raw bytes.
type Envelope struct {
	SessionID int64 `json:"sessionId"`
	Event     struct {
		Type string `json:"type"`
	} `json:"event"`
	Truncated bool `json:"truncated,omitempty"`
}

// subscriberBuffer bounds how far a slow consumer may lag before envelopes
// are dropped on the floor for it.
const subscriberBuffer = 64

// Subscription is one live observer. Events yields raw envelope payloads
// (or derived feed notices) until the subscription is closed.
type Subscription struct {
	ch        chan []byte
	sessionID int64
	feed      bool
}

// Events returns the subscription's delivery channel. Closed when the
// session ends or the subscription is removed.
func (s *Subscription) Events() <-chan []byte {
	return s.ch
}

// Registry fans bus envelopes out to live subscribers and derives the
// active session set from lifecycle events. Single writer (the bus
// consumer) mutates; HTTP handlers subscribe, read and unsubscribe.
type Registry struct {
	mu       sync.Mutex
	active   map[int64]struct{}
	sessions map[int64]map[*Subscription]struct{}
	feeds    map[*Subscription]struct{}
	logger   *Logger
}

func NewRegistry(logger *Logger) *Registry {
	return &Registry{
		active:   make(map[int64]struct{}),
		sessions: make(map[int64]map[*Subscription]struct{}),
		feeds:    make(map[*Subscription]struct{}),
		logger:   logger,
	}
}

// Subscribe registers a live observer for one session's raw envelopes.
// Subscribing to an unknown or already-ended session is legal; the
// subscription just never sees lifecycle data, and the caller is expected
// to time it out and unsubscribe.
func (r *Registry) Subscribe(sessionID int64) *Subscription {
	sub := &Subscription{ch: make(chan []byte, subscriberBuffer), sessionID: sessionID}
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.sessions[sessionID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		r.sessions[sessionID] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// SubscribeFeed registers an aggregate observer that receives only derived
// session_start/session_end notices, never content.
func (r *Registry) SubscribeFeed() *Subscription {
	sub := &Subscription{ch: make(chan []byte, subscriberBuffer), feed: true}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds[sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub from whichever set holds it and closes its
// channel. Idempotent: removing an already-removed subscription is a no-op.
func (r *Registry) Unsubscribe(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(sub)
}

func (r *Registry) removeLocked(sub *Subscription) {
	if sub.feed {
		if _, ok := r.feeds[sub]; ok {
			delete(r.feeds, sub)
			close(sub.ch)
		}
		return
	}
	subs, ok := r.sessions[sub.sessionID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; ok {
		delete(subs, sub)
		close(sub.ch)
	}
	if len(subs) == 0 {
		delete(r.sessions, sub.sessionID)
	}
}

// IsActive reports whether a session currently has a run in flight.
func (r *Registry) IsActive(sessionID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[sessionID]
	return ok
}

// ActiveSessions returns the derived active set. Not authoritative across
// reconnects: clients reconcile via the REST session listing.
func (r *Registry) ActiveSessions() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.active))
	for id := range r.active {
		out = append(out, id)
	}
	return out
}

// Dispatch routes one raw bus payload: update the active set, fan the raw
// envelope out to the session's subscribers, then derive feed notices for
// lifecycle events. run_end additionally closes every open subscription for
// the session. Sends to subscribers are bounded and non-blocking; a slow or
// gone consumer loses envelopes, never stalls the publisher.
func (r *Registry) Dispatch(payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.logger.Error("envelope_decode", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch env.Event.Type {
	case EventRunStart:
		r.active[env.SessionID] = struct{}{}
	case EventRunEnd:
		delete(r.active, env.SessionID)
	}

	for sub := range r.sessions[env.SessionID] {
		r.offer(sub, payload)
	}

	switch env.Event.Type {
	case EventRunStart:
		r.notifyFeedsLocked("session_start", env.SessionID)
	case EventRunEnd:
		r.notifyFeedsLocked("session_end", env.SessionID)
		for sub := range r.sessions[env.SessionID] {
			r.removeLocked(sub)
		}
	}
}

func (r *Registry) notifyFeedsLocked(kind string, sessionID int64) {
	notice, err := json.Marshal(struct {
		Type      string `json:"type"`
		SessionID int64  `json:"sessionId"`
	}{kind, sessionID})
	if err != nil {
		r.logger.Error("feed_notice", err)
		return
	}
	for sub := range r.feeds {
		r.offer(sub, notice)
	}
}

// offer delivers without blocking. A full buffer means the consumer is too
// slow for live delivery; it can catch up from the durable log.
func (r *Registry) offer(sub *Subscription, payload []byte) {
	select {
	case sub.ch <- payload:
	default:
	}
}
