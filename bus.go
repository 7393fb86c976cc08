package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event bus transport: pg_notify on one channel. NOTIFY payloads have a
// hard ceiling (8000 bytes by default), so oversized envelopes are replaced
// by a stub carrying only the event type; subscribers needing the full
// content re-fetch it from the durable log.
const (
	notifyChannel    = "agent_events"
	maxNotifyPayload = 8000
)

// encodeEnvelope serializes {sessionId, event}. When the result would blow
// the payload ceiling it returns the truncation stub instead; the bool
// reports which one you got.
func encodeEnvelope(sessionID int64, event json.RawMessage) ([]byte, bool, error) {
	full, err := json.Marshal(struct {
		SessionID int64           `json:"sessionId"`
		Event     json.RawMessage `json:"event"`
	}{sessionID, event})
	if err != nil {
		return nil, false, fmt.Errorf("marshal envelope: %w", err)
	}
	if len(full) <= maxNotifyPayload {
		return full, false, nil
	}

	var probe struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(event, &probe)
	stub, err := json.Marshal(struct {
		SessionID int64          `json:"sessionId"`
		Event     map[string]any `json:"event"`
		Truncated bool           `json:"truncated"`
	}{sessionID, map[string]any{"type": probe.Type}, true})
	if err != nil {
		return nil, false, fmt.Errorf("marshal truncated envelope: %w", err)
	}
	return stub, true, nil
}

// Bus publishes envelopes to the broadcast channel. Fire-and-forget: no
// delivery confirmation, and a failed publish never surfaces to the run
// producing events.
type Bus struct {
	pool   *pgxpool.Pool
	logger *Logger
}

func NewBus(pool *pgxpool.Pool, logger *Logger) *Bus {
	return &Bus{pool: pool, logger: logger}
}

// Publish broadcasts one event for a session.
func (b *Bus) Publish(ctx context.Context, sessionID int64, event json.RawMessage) {
	payload, _, err := encodeEnvelope(sessionID, event)
	if err != nil {
		b.logger.Error("bus_encode", err)
		return
	}
	_, err = b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload))
	bestEffort(b.logger, "bus_publish", err)
}

// envelopeSink receives raw broadcast payloads. Implemented by the stream
// registry.
type envelopeSink interface {
	Dispatch(payload []byte)
}

// Listener holds the dedicated LISTEN connection and feeds every
// notification to the sink. Reconnects with backoff; never returns an error
// before ctx is cancelled.
type Listener struct {
	connString string
	sink       envelopeSink
	logger     *Logger
}

func NewListener(connString string, sink envelopeSink, logger *Logger) *Listener {
	return &Listener{connString: connString, sink: sink, logger: logger}
}

func (l *Listener) Run(ctx context.Context) error {
	for {
		if err := l.listen(ctx); err != nil {
			if ctx.Err() != nil {
				log.Printf("bus listener stopped")
				return nil
			}
			l.logger.Error("bus_listen", err)
		}
		select {
		case <-ctx.Done():
			log.Printf("bus listener stopped")
			return nil
		case <-time.After(time.Second):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("listener connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, `LISTEN `+notifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", notifyChannel, err)
	}
	log.Printf("bus listener attached to %s", notifyChannel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait notification: %w", err)
		}
		l.sink.Dispatch([]byte(notification.Payload))
	}
}
