package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const statusBoardKey = "status_board"

// statusPersister is the slice of Store the board needs. Persistence is part
// of every Update, not best-effort: a caller returning from Update knows the
// board on disk matches the board in memory.
type statusPersister interface {
	SetKv(ctx context.Context, key string, value any) error
	GetKv(ctx context.Context, key string, dest any) (bool, error)
}

// StatusBoard tracks each lane's current activity. Every known lane always
// has an entry; Update replaces exactly one.
type StatusBoard struct {
	mu    sync.Mutex
	state map[string]AgentStatus
	kv    statusPersister
}

func NewStatusBoard(kv statusPersister) *StatusBoard {
	state := make(map[string]AgentStatus, len(Lanes))
	for _, lane := range Lanes {
		state[lane] = AgentStatus{State: StateIdle}
	}
	return &StatusBoard{state: state, kv: kv}
}

// Load restores the persisted board. Stale running entries from a crashed
// process are reset to idle: nothing is actually running at boot.
func (b *StatusBoard) Load(ctx context.Context) error {
	var persisted map[string]AgentStatus
	ok, err := b.kv.GetKv(ctx, statusBoardKey, &persisted)
	if err != nil {
		return fmt.Errorf("load status board: %w", err)
	}
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, lane := range Lanes {
		if st, found := persisted[lane]; found && st.State != StateRunning {
			b.state[lane] = st
		}
	}
	return nil
}

// Get returns a defensive copy of the full board.
func (b *StatusBoard) Get() map[string]AgentStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]AgentStatus, len(b.state))
	for lane, st := range b.state {
		out[lane] = st
	}
	return out
}

// Update replaces one lane's status and persists the full board before
// returning. Unknown lanes are rejected: the board's shape is fixed.
func (b *StatusBoard) Update(ctx context.Context, lane string, status AgentStatus) error {
	b.mu.Lock()
	if _, known := b.state[lane]; !known {
		b.mu.Unlock()
		return fmt.Errorf("unknown lane: %s", lane)
	}
	b.state[lane] = status
	snapshot := make(map[string]AgentStatus, len(b.state))
	for l, st := range b.state {
		snapshot[l] = st
	}
	b.mu.Unlock()

	if err := b.kv.SetKv(ctx, statusBoardKey, snapshot); err != nil {
		return fmt.Errorf("persist status board: %w", err)
	}
	return nil
}

// Format renders the board for prompt injection. Read-only projection,
// stable lane order.
func (b *StatusBoard) Format() string {
	board := b.Get()
	lanes := make([]string, 0, len(board))
	for lane := range board {
		lanes = append(lanes, lane)
	}
	sort.Strings(lanes)

	var sb strings.Builder
	for i, lane := range lanes {
		if i > 0 {
			sb.WriteByte('\n')
		}
		st := board[lane]
		sb.WriteString(lane)
		sb.WriteString(": ")
		sb.WriteString(string(st.State))
		if st.Detail != "" {
			sb.WriteString(" - ")
			sb.WriteString(st.Detail)
		}
	}
	return sb.String()
}
