package main

import (
	"encoding/json"
	"os"
	"time"
)

// Logger emits one JSON object per line on stdout for structured events.
// Operational chatter stays on the stdlib log package; this is for the
// events an external collector would want to correlate.
type Logger struct{}

func NewLogger() *Logger { return &Logger{} }

func (l *Logger) emit(event string, fields map[string]any) {
	payload := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"event": event,
	}
	for k, v := range fields {
		payload[k] = v
	}
	b, _ := json.Marshal(payload)
	_, _ = os.Stdout.Write(append(b, '\n'))
}

func (l *Logger) Signal(lane string, sig Signal) {
	l.emit("signal", map[string]any{"lane": lane, "kind": string(sig.Kind), "source": sig.Source, "id": sig.ID})
}

func (l *Logger) RunStart(lane string, signals int) {
	l.emit("run_start", map[string]any{"lane": lane, "signals": signals})
}

func (l *Logger) RunEnd(lane string, sessionID int64, durationMs int64, errMsg string) {
	l.emit("run_end", map[string]any{"lane": lane, "session_id": sessionID, "duration_ms": durationMs, "error": errMsg})
}

func (l *Logger) Poll(due int) {
	l.emit("scheduler_poll", map[string]any{"due": due})
}

func (l *Logger) Task(id int64, status TaskStatus, errMsg string) {
	l.emit("task", map[string]any{"id": id, "status": string(status), "error": errMsg})
}

func (l *Logger) Error(context string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	l.emit("error", map[string]any{"context": context, "error": msg})
}
