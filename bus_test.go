package main

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEncodeEnvelopeSmallPassesThrough(t *testing.T) {
	event := json.RawMessage(`{"type":"text","runId":"r1","content":"hello"}`)

	payload, truncated, err := encodeEnvelope(42, event)
	if err != nil {
		t.Fatalf("encodeEnvelope() error = %v", err)
	}
	if truncated {
		t.Fatal("small envelope reported truncated")
	}

	var env struct {
		SessionID int64           `json:"sessionId"`
		Event     json.RawMessage `json:"event"`
		Truncated bool            `json:"truncated"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if env.SessionID != 42 {
		t.Fatalf("sessionId = %d, want 42", env.SessionID)
	}
	if env.Truncated {
		t.Fatal("truncated flag set on small envelope")
	}
	if string(env.Event) != string(event) {
		t.Fatalf("event modified in transit: %s", env.Event)
	}
}

func TestEncodeEnvelopeTruncatesOversized(t *testing.T) {
	big := strings.Repeat("x", maxNotifyPayload+1000)
	event, err := json.Marshal(map[string]any{
		"type":   "tool_result",
		"runId":  "r1",
		"output": big,
	})
	if err != nil {
		t.Fatal(err)
	}

	payload, truncated, err := encodeEnvelope(7, json.RawMessage(event))
	if err != nil {
		t.Fatalf("encodeEnvelope() error = %v", err)
	}
	if !truncated {
		t.Fatal("oversized envelope not reported truncated")
	}
	if len(payload) > maxNotifyPayload {
		t.Fatalf("truncated payload is %d bytes, exceeds limit %d", len(payload), maxNotifyPayload)
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("truncated payload not valid JSON: %v", err)
	}
	if env.SessionID != 7 {
		t.Fatalf("sessionId = %d, want 7", env.SessionID)
	}
	if !env.Truncated {
		t.Fatal("truncated flag missing from stub")
	}
	if env.Event.Type != "tool_result" {
		t.Fatalf("stub event type = %q, want tool_result", env.Event.Type)
	}
	if strings.Contains(string(payload), "xxxx") {
		t.Fatal("stub still carries the oversized content")
	}
}

func TestEncodeEnvelopeBoundary(t *testing.T) {
	// An envelope exactly at the limit must pass through untouched.
	overhead := len(`{"sessionId":1,"event":}`)
	pad := maxNotifyPayload - overhead - len(`{"type":"text","content":""}`)
	event, _ := json.Marshal(map[string]string{"type": "text", "content": strings.Repeat("y", pad)})

	payload, truncated, err := encodeEnvelope(1, event)
	if err != nil {
		t.Fatal(err)
	}
	if len(payload) > maxNotifyPayload {
		t.Fatalf("payload %d bytes over limit", len(payload))
	}
	if truncated {
		t.Fatalf("envelope of %d bytes truncated below the limit", len(payload))
	}
}
