package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func collectEvents(t *testing.T, ch <-chan HarnessEvent) []HarnessEvent {
	t.Helper()
	var out []HarnessEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestGatewayClientDecodesEventStream(t *testing.T) {
	var gotReq RunRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/runs" {
			t.Errorf("gateway hit with %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode run request: %v", err)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"type":"run_start","runId":"r1"}`)
		fmt.Fprintln(w, `{"type":"text","content":"hello"}`)
		fmt.Fprintln(w, `{"type":"tool_use","runId":"r1","name":"bash"}`)
		fmt.Fprintln(w, `{"type":"run_end","runId":"r1"}`)
	}))
	defer srv.Close()

	g := NewGatewayClient(srv.URL)
	ch, err := g.Run(context.Background(), RunRequest{Model: "m", Messages: []GatewayMessage{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	events := collectEvents(t, ch)
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	if gotReq.Model != "m" || len(gotReq.Messages) != 1 {
		t.Fatalf("gateway received request %+v", gotReq)
	}
	if events[0].Type != EventRunStart || events[0].RunID != "r1" {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[1].Type != EventText || events[1].Content != "hello" {
		t.Fatalf("text event = %+v", events[1])
	}
	if events[3].Type != EventRunEnd {
		t.Fatalf("last event = %+v", events[3])
	}

	// Raw must carry the wire bytes including fields the struct ignores.
	if !strings.Contains(string(events[2].Raw), `"name":"bash"`) {
		t.Fatalf("raw bytes lost unknown fields: %s", events[2].Raw)
	}
}

func TestGatewayClientNonOKStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := NewGatewayClient(srv.URL)
	_, err := g.Run(context.Background(), RunRequest{Model: "m"})
	if err == nil {
		t.Fatal("Run() succeeded against a failing gateway")
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("error does not carry the gateway body: %v", err)
	}
}

func TestGatewayClientMidStreamGarbageSurfacesAsErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"type":"run_start","runId":"r1"}`)
		fmt.Fprintln(w, `this is not json`)
	}))
	defer srv.Close()

	g := NewGatewayClient(srv.URL)
	ch, err := g.Run(context.Background(), RunRequest{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}

	events := collectEvents(t, ch)
	if len(events) != 2 {
		t.Fatalf("got %d events, want run_start then error", len(events))
	}
	last := events[len(events)-1]
	if last.Type != EventError || last.Message == "" {
		t.Fatalf("garbage not surfaced as error event: %+v", last)
	}
}

func TestGatewayClientCleanEOFJustCloses(t *testing.T) {
	// The stream ending without run_end is the consumer's problem to judge;
	// the client reports a clean EOF by closing without an error event.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"type":"run_start","runId":"r1"}`)
		fmt.Fprintln(w, `{"type":"text","content":"partial"}`)
	}))
	defer srv.Close()

	g := NewGatewayClient(srv.URL)
	ch, err := g.Run(context.Background(), RunRequest{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	events := collectEvents(t, ch)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	for _, ev := range events {
		if ev.Type == EventError {
			t.Fatalf("clean EOF produced an error event: %+v", ev)
		}
	}
}
