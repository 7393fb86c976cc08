package main

import (
	"context"
	"testing"
)

func newDBStore(t *testing.T) *Store {
	t.Helper()
	pool := testPool(t)
	ctx := context.Background()
	for _, table := range []string{"messages", "scheduled_tasks", "kv", "sessions"} {
		if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("clean %s: %v", table, err)
		}
	}
	return NewStore(pool)
}

func TestStoreSessionHistoryRoundTrip(t *testing.T) {
	s := newDBStore(t)
	ctx := context.Background()

	sessionID, err := s.CreateSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	otherID, err := s.CreateSession(ctx)
	if err != nil {
		t.Fatal(err)
	}

	msgs := []Message{
		{Role: "user", Content: TextBlock("question"), Source: "dani", Channel: "general", Lane: LaneConversation},
		{Role: "assistant", Content: TextBlock("answer"), Source: LaneConversation, SessionID: sessionID, Lane: LaneConversation},
	}
	for _, m := range msgs {
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.AppendMessage(ctx, Message{
		Role: "assistant", Content: TextBlock("elsewhere"), Source: LaneHeartbeat,
		SessionID: otherID, Lane: LaneHeartbeat,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.SessionMessages(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("session history has %d messages, want only this session's", len(got))
	}
	if got[0].Role != "assistant" || flattenBlocks(got[0].Content) != "answer" {
		t.Fatalf("message = %+v", got[0])
	}

	recent, err := s.RecentMessages(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 3 {
		t.Fatalf("recent has %d messages, want 3", len(recent))
	}
	// Chronological order for run-context building.
	if flattenBlocks(recent[0].Content) != "question" || flattenBlocks(recent[2].Content) != "elsewhere" {
		t.Fatalf("recent out of order: %v", recent)
	}
}

func TestStoreRecentMessagesLimit(t *testing.T) {
	s := newDBStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.AppendMessage(ctx, Message{
			Role: "user", Content: TextBlock("m"), Source: "dani",
		}); err != nil {
			t.Fatal(err)
		}
	}
	recent, err := s.RecentMessages(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("limit ignored: got %d messages", len(recent))
	}
}

func TestStoreListSessionsNewestFirst(t *testing.T) {
	s := newDBStore(t)
	ctx := context.Background()

	first, err := s.CreateSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.CreateSession(ctx)
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.ListSessions(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != second || got[1].ID != first {
		t.Fatalf("sessions = %v, want newest first", got)
	}
	if got[0].Active {
		t.Fatal("store filled in the active flag; that belongs to the live set")
	}
}

func TestStoreKvRoundTrip(t *testing.T) {
	s := newDBStore(t)
	ctx := context.Background()

	var missing map[string]string
	found, err := s.GetKv(ctx, "absent", &missing)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("absent key reported found")
	}

	if err := s.SetKv(ctx, "board", map[string]string{"conversation": "idle"}); err != nil {
		t.Fatal(err)
	}
	// Upsert replaces.
	if err := s.SetKv(ctx, "board", map[string]string{"conversation": "running"}); err != nil {
		t.Fatal(err)
	}

	var got map[string]string
	found, err = s.GetKv(ctx, "board", &got)
	if err != nil {
		t.Fatal(err)
	}
	if !found || got["conversation"] != "running" {
		t.Fatalf("kv = %v found=%v", got, found)
	}
}
