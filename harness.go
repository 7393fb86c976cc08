package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Harness is the external agent-orchestration framework: given a run
// request it yields the ordered event stream for exactly one run. The
// channel closes when the run is over; a stream that closes without a
// run_end event means the run died mid-flight.
type Harness interface {
	Run(ctx context.Context, req RunRequest) (<-chan HarnessEvent, error)
}

// GatewayMessage is one turn of run input.
type GatewayMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RunRequest describes one agent run to spawn.
type RunRequest struct {
	Model    string           `json:"model"`
	System   string           `json:"system,omitempty"`
	Messages []GatewayMessage `json:"messages"`
	Tools    []string         `json:"tools,omitempty"`
}

// GatewayClient talks to the orchestrator gateway over HTTP: POST the spawn
// request, then decode the response body as a stream of newline-delimited
// JSON events until it ends.
type GatewayClient struct {
	baseURL string
	client  *http.Client
}

func NewGatewayClient(baseURL string) *GatewayClient {
	return &GatewayClient{
		baseURL: baseURL,
		// No overall timeout: runs are long-lived. Dial/TLS limits come
		// from the default transport; cancellation comes from ctx.
		client: &http.Client{Timeout: 0},
	}
}

func (g *GatewayClient) Run(ctx context.Context, req RunRequest) (<-chan HarnessEvent, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal run request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/runs", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build run request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("spawn run: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("spawn run: gateway returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	events := make(chan HarnessEvent, 16)
	go g.decodeStream(ctx, resp.Body, events)
	return events, nil
}

// decodeStream reads events off the wire until EOF or cancellation. Each
// event keeps its raw bytes so the bus can forward it untouched.
func (g *GatewayClient) decodeStream(ctx context.Context, body io.ReadCloser, events chan<- HarnessEvent) {
	defer close(events)
	defer body.Close()

	dec := json.NewDecoder(body)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if err != io.EOF && ctx.Err() == nil {
				// Surface the break in-band; the consumer decides whether
				// the run completed.
				g.emit(ctx, events, streamErrorEvent(err))
			}
			return
		}
		var ev HarnessEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			g.emit(ctx, events, streamErrorEvent(err))
			return
		}
		ev.Raw = raw
		if !g.emit(ctx, events, ev) {
			return
		}
	}
}

func (g *GatewayClient) emit(ctx context.Context, events chan<- HarnessEvent, ev HarnessEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func streamErrorEvent(err error) HarnessEvent {
	msg := err.Error()
	raw, _ := json.Marshal(map[string]any{"type": EventError, "message": msg, "ts": time.Now().UTC()})
	return HarnessEvent{Type: EventError, Message: msg, Raw: raw}
}
