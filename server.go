package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// sessionDirectory is the slice of Store the HTTP surface reads.
type sessionDirectory interface {
	ListSessions(ctx context.Context, limit int) ([]SessionInfo, error)
	SessionMessages(ctx context.Context, sessionID int64) ([]Message, error)
}

// taskAPI is the slice of TaskStore the HTTP surface exposes.
type taskAPI interface {
	Insert(ctx context.Context, fireAt time.Time, prompt string) (int64, error)
	List(ctx context.Context, filter TaskFilter) ([]ScheduledTask, error)
	Edit(ctx context.Context, id int64, fireAt *time.Time, prompt *string) (int64, error)
	Cancel(ctx context.Context, id int64) (int64, error)
}

// liveRegistry is the slice of Registry the HTTP surface consumes.
type liveRegistry interface {
	IsActive(sessionID int64) bool
	Subscribe(sessionID int64) *Subscription
	SubscribeFeed() *Subscription
	Unsubscribe(sub *Subscription)
}

// signalSink accepts inbound signals for the conversation lane. The chat
// client lives in another process and delivers through this surface.
type signalSink interface {
	Push(sig Signal)
}

// Server exposes signal ingestion, the catch-up REST windows and the live
// SSE streams. It is a read/write window into the stores, not part of the
// coordination state machine: nothing here mutates the status board or
// dispatch state.
type Server struct {
	store   sessionDirectory
	tasks   taskAPI
	live    liveRegistry
	signals signalSink
	logger  *Logger
}

func NewServer(store sessionDirectory, tasks taskAPI, live liveRegistry, signals signalSink, logger *Logger) *Server {
	return &Server{store: store, tasks: tasks, live: live, signals: signals, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/signals", s.handleSignal)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/feed", s.handleFeed)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSessionHistory)
	mux.HandleFunc("GET /api/sessions/{id}/stream", s.handleSessionStream)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", s.handleEditTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleCancelTask)
	return mux
}

// ── Signals ───────────────────────────────────────────────────────────────────

type signalBody struct {
	Kind     string         `json:"kind"`
	Source   string         `json:"source"`
	Text     string         `json:"text"`
	Content  []ContentBlock `json:"content"`
	Channel  string         `json:"channel"`
	Metadata map[string]any `json:"metadata"`
}

// handleSignal turns a chat-client delivery into a queued Signal. Accepted
// and queued is all this endpoint promises; the dispatch loop owns the rest.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var body signalBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	kind := SignalKind(body.Kind)
	switch kind {
	case "":
		kind = SignalMessage
	case SignalMessage, SignalSelfNotification:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown signal kind %q", body.Kind))
		return
	}
	content := body.Content
	if len(content) == 0 && body.Text != "" {
		content = TextBlock(body.Text)
	}
	sig := Signal{
		ID:        uuid.NewString(),
		Kind:      kind,
		Source:    body.Source,
		Content:   content,
		Channel:   body.Channel,
		Metadata:  body.Metadata,
		Timestamp: time.Now(),
	}
	s.signals.Push(sig)
	writeJSON(w, http.StatusAccepted, map[string]any{"id": sig.ID, "queued": true})
}

// ── Sessions ──────────────────────────────────────────────────────────────────

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context(), 0)
	if err != nil {
		s.internalError(w, "list_sessions", err)
		return
	}
	for i := range sessions {
		sessions[i].Active = s.live.IsActive(sessions[i].ID)
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	msgs, err := s.store.SessionMessages(r.Context(), id)
	if err != nil {
		s.internalError(w, "session_history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "messages": msgs})
}

func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sub := s.live.Subscribe(id)
	defer s.live.Unsubscribe(sub)
	s.serveStream(w, r, sub)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	sub := s.live.SubscribeFeed()
	defer s.live.Unsubscribe(sub)
	s.serveStream(w, r, sub)
}

// serveStream writes one data: record per envelope until the client
// disconnects or the subscription closes. Subscribing to a session that
// never produces events is fine; the client times out and drops the
// connection, which lands in the disconnect case here.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, sub *Subscription) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, "data: {\"type\":\"connected\"}\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case payload, open := <-sub.Events():
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// ── Scheduled tasks ───────────────────────────────────────────────────────────

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := TaskFilter{Status: TaskStatus(q.Get("status"))}
	if v := q.Get("from"); v != "" {
		t, err := parseWhen(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := parseWhen(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.To = t
	}
	tasks, err := s.tasks.List(r.Context(), filter)
	if err != nil {
		s.internalError(w, "list_tasks", err)
		return
	}
	if tasks == nil {
		tasks = []ScheduledTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type taskBody struct {
	At     string `json:"at"`
	Prompt string `json:"prompt"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body taskBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	fireAt, err := parseWhen(body.At)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.tasks.Insert(r.Context(), fireAt, body.Prompt)
	if err != nil {
		s.internalError(w, "create_task", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleEditTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body taskBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var fireAt *time.Time
	if body.At != "" {
		t, err := parseWhen(body.At)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		fireAt = &t
	}
	var prompt *string
	if body.Prompt != "" {
		prompt = &body.Prompt
	}
	if fireAt == nil && prompt == nil {
		writeError(w, http.StatusBadRequest, "nothing to edit")
		return
	}
	affected, err := s.tasks.Edit(r.Context(), id, fireAt, prompt)
	if err != nil {
		s.internalError(w, "edit_task", err)
		return
	}
	if affected == 0 {
		writeError(w, http.StatusConflict, fmt.Sprintf("task #%d not found or not editable", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "updated": true})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	affected, err := s.tasks.Cancel(r.Context(), id)
	if err != nil {
		s.internalError(w, "cancel_task", err)
		return
	}
	if affected == 0 {
		writeError(w, http.StatusConflict, fmt.Sprintf("task #%d not found or not editable", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": true})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// whenLayouts are the accepted task-time formats, tried in order. Naive
// layouts are interpreted in server-local time.
var whenLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseWhen(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing date/time")
	}
	for _, layout := range whenLayouts {
		if layout == time.RFC3339 {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("could not parse %q as a date/time", s)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func (s *Server) internalError(w http.ResponseWriter, context string, err error) {
	s.logger.Error(context, err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
