package main

import "time"

// SignalKind distinguishes inbound stimuli by origin.
type SignalKind string

const (
	// SignalMessage is a human message relayed by the chat client.
	SignalMessage SignalKind = "message"
	// SignalSelfNotification is a stimulus the assistant generated for
	// itself: a heartbeat tick or a speak request from a background run.
	SignalSelfNotification SignalKind = "self_notification"
)

// Signal is one inbound stimulus awaiting dispatch. Signals live only in the
// queue; the durable record of a user message is written by the run that
// consumes it.
type Signal struct {
	ID        string
	Kind      SignalKind
	Source    string // human-readable origin: "dani", "heartbeat", "system"
	Content   []ContentBlock
	Channel   string // chat channel to respond on, when known
	Metadata  map[string]any
	Timestamp time.Time
}

// ContentBlock is one unit of message content.
type ContentBlock struct {
	Type     string `json:"type"` // "text", "image", "file"
	Text     string `json:"text,omitempty"`
	Path     string `json:"path,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// TextBlock wraps plain text as a single-block content slice.
func TextBlock(text string) []ContentBlock {
	return []ContentBlock{{Type: "text", Text: text}}
}

// Lane names. Fixed set: the status board always carries exactly one entry
// per lane.
const (
	LaneConversation = "conversation"
	LaneHeartbeat    = "heartbeat"
)

// Lanes lists all known lanes.
var Lanes = []string{LaneConversation, LaneHeartbeat}

// AgentState is a lane's activity state.
type AgentState string

const (
	StateIdle    AgentState = "idle"
	StateRunning AgentState = "running"
)

// AgentStatus describes one lane's current activity.
type AgentStatus struct {
	State  AgentState `json:"state"`
	Detail string     `json:"detail,omitempty"`
}

// Harness event types, in the order a run produces them. The core interprets
// only Type and the session correlation; everything else passes through to
// the bus opaquely.
const (
	EventRunStart   = "run_start"
	EventText       = "text"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventError      = "error"
	EventRunEnd     = "run_end"
)

// HarnessEvent is one event in the stream produced by an external agent run.
// Raw carries the full JSON object exactly as the harness sent it; the
// decoded fields are the only ones the core looks at.
type HarnessEvent struct {
	Type    string `json:"type"`
	RunID   string `json:"runId,omitempty"`
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`

	Raw []byte `json:"-"`
}

// Message is one row of the durable log.
type Message struct {
	Role      string         `json:"role"`
	Content   []ContentBlock `json:"content"`
	Source    string         `json:"source"`
	Channel   string         `json:"channel,omitempty"`
	Lane      string         `json:"lane"`
	SessionID int64          `json:"sessionId,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
