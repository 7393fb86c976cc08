package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the data-access handle for the durable log and kv corner.
// Constructed once in main and passed to everything that needs it; there is
// no package-level pool.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ── Sessions ──────────────────────────────────────────────────────────────────

// SessionInfo is one row of the session listing.
type SessionInfo struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Active    bool      `json:"active"`
}

// CreateSession inserts a new session row and returns its id.
func (s *Store) CreateSession(ctx context.Context) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sessions DEFAULT VALUES RETURNING id`,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// ListSessions returns all sessions, newest first. Active flags are filled
// in by the caller from the live set.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionInfo, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, created_at FROM sessions ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var si SessionInfo
		if err := rows.Scan(&si.ID, &si.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, si)
	}
	return out, rows.Err()
}

// ── Messages ──────────────────────────────────────────────────────────────────

// AppendMessage writes one row to the durable log.
func (s *Store) AppendMessage(ctx context.Context, msg Message) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	lane := msg.Lane
	if lane == "" {
		lane = LaneConversation
	}
	var channel *string
	if msg.Channel != "" {
		channel = &msg.Channel
	}
	var sessionID *int64
	if msg.SessionID != 0 {
		sessionID = &msg.SessionID
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO messages (role, content, source, channel, lane, session_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.Role, content, msg.Source, channel, lane, sessionID,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// SessionMessages returns the full persisted history for one session in
// insertion order.
func (s *Store) SessionMessages(ctx context.Context, sessionID int64) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT role, content, source, COALESCE(channel, ''), lane, created_at
		 FROM messages WHERE session_id = $1 ORDER BY created_at ASC, id ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("session messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows, sessionID)
}

// RecentMessages returns up to limit most recent messages across all
// sessions, oldest first. Used by collaborators building run context.
func (s *Store) RecentMessages(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT role, content, source, COALESCE(channel, ''), lane, created_at
		 FROM messages ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows, 0)
	if err != nil {
		return nil, err
	}
	// Query is newest-first for the LIMIT; callers want chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func scanMessages(rows pgx.Rows, sessionID int64) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var content []byte
		if err := rows.Scan(&m.Role, &content, &m.Source, &m.Channel, &m.Lane, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal(content, &m.Content); err != nil {
			return nil, fmt.Errorf("decode content: %w", err)
		}
		m.SessionID = sessionID
		out = append(out, m)
	}
	return out, rows.Err()
}

// ── KV ────────────────────────────────────────────────────────────────────────

// GetKv reads one kv value into dest. Returns false when the key is absent.
func (s *Store) GetKv(ctx context.Context, key string, dest any) (bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get kv %s: %w", key, err)
	}
	if err := json.Unmarshal(value, dest); err != nil {
		return false, fmt.Errorf("decode kv %s: %w", key, err)
	}
	return true, nil
}

// SetKv upserts one kv value.
func (s *Store) SetKv(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal kv %s: %w", key, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO kv (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, b)
	if err != nil {
		return fmt.Errorf("set kv %s: %w", key, err)
	}
	return nil
}
