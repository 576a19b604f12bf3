package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voicefleet/agentdesk/backend/internal/model/conversation"
)

func TestMemoryStoreTrimsOldestBeyondCap(t *testing.T) {
	store := NewMemoryStore(4)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		if _, err := store.Append(ctx, "s1", conversation.RoleUser, fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("Append err: %v", err)
		}
	}

	turns, err := store.Context(ctx, "s1")
	if err != nil {
		t.Fatalf("Context err: %v", err)
	}
	if len(turns) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(turns))
	}
	for i, want := range []string{"m3", "m4", "m5", "m6"} {
		if turns[i].Text != want {
			t.Fatalf("turn %d = %q, want %q", i, turns[i].Text, want)
		}
	}
}

func TestMemoryStoreSnapshotIsolation(t *testing.T) {
	store := NewMemoryStore(10)
	ctx := context.Background()

	store.Append(ctx, "s1", conversation.RoleUser, "Merhaba")
	snap, _ := store.Context(ctx, "s1")
	snap[0].Text = "mutated"

	again, _ := store.Context(ctx, "s1")
	if again[0].Text != "Merhaba" {
		t.Fatalf("snapshot mutation leaked into store: %q", again[0].Text)
	}
}

func TestMemoryStoreSessionsAreIndependent(t *testing.T) {
	store := NewMemoryStore(10)
	ctx := context.Background()

	store.Append(ctx, "a", conversation.RoleUser, "one")
	store.Append(ctx, "b", conversation.RoleAssistant, "two")
	if err := store.Reset(ctx, "a"); err != nil {
		t.Fatalf("Reset err: %v", err)
	}

	a, _ := store.Context(ctx, "a")
	b, _ := store.Context(ctx, "b")
	if len(a) != 0 || len(b) != 1 || b[0].Text != "two" {
		t.Fatalf("unexpected transcripts: a=%v b=%v", a, b)
	}
	if infos, _ := store.Sessions(ctx); len(infos) != 1 || infos[0].ID != "b" {
		t.Fatalf("reset session still listed: %+v", infos)
	}

	unknown, err := store.Context(ctx, "missing")
	if err != nil || unknown == nil || len(unknown) != 0 {
		t.Fatalf("unknown session should be empty, got %v, %v", unknown, err)
	}
}

func TestMemoryStoreAppendValidation(t *testing.T) {
	store := NewMemoryStore(10)
	ctx := context.Background()

	cases := []struct {
		name    string
		session string
		role    conversation.Role
		text    string
	}{
		{name: "no session", session: "", role: conversation.RoleUser, text: "x"},
		{name: "bad role", session: "s", role: "system", text: "x"},
		{name: "empty text", session: "s", role: conversation.RoleUser, text: ""},
	}
	for _, tc := range cases {
		if _, err := store.Append(ctx, tc.session, tc.role, tc.text); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestMemoryStoreReplaceKeepsNewest(t *testing.T) {
	store := NewMemoryStore(2)
	ctx := context.Background()

	history := []conversation.Turn{
		{Role: conversation.RoleUser, Text: "a"},
		{Role: conversation.RoleAssistant, Text: "b"},
		{Role: conversation.RoleUser, Text: "c"},
	}
	if err := store.Replace(ctx, "s", history); err != nil {
		t.Fatalf("Replace err: %v", err)
	}
	turns, _ := store.Context(ctx, "s")
	if len(turns) != 2 || turns[0].Text != "b" || turns[1].Text != "c" {
		t.Fatalf("unexpected turns: %+v", turns)
	}
	if turns[0].Timestamp.IsZero() {
		t.Fatal("expected timestamps to be filled")
	}

	if err := store.Replace(ctx, "s", []conversation.Turn{{Role: "robot", Text: "x"}}); !errors.Is(err, ErrSessionCorrupt) {
		t.Fatalf("expected ErrSessionCorrupt, got %v", err)
	}
}

func TestMemoryStoreConcurrentAppendsKeepOrderPerWriter(t *testing.T) {
	store := NewMemoryStore(50)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				unlock := store.Lock("shared")
				store.Append(ctx, "shared", conversation.RoleUser, fmt.Sprintf("w%d-%d", w, i))
				store.Append(ctx, "shared", conversation.RoleAssistant, fmt.Sprintf("w%d-%d", w, i))
				unlock()
			}
		}(w)
	}
	wg.Wait()

	turns, _ := store.Context(ctx, "shared")
	if len(turns) != 50 {
		t.Fatalf("expected 50 turns, got %d", len(turns))
	}
	for i := 0; i < len(turns); i += 2 {
		if turns[i].Role != conversation.RoleUser || turns[i+1].Role != conversation.RoleAssistant || turns[i].Text != turns[i+1].Text {
			t.Fatalf("exchange at %d interleaved: %+v %+v", i, turns[i], turns[i+1])
		}
	}
}

func TestMemoryStoreEvictAndClear(t *testing.T) {
	store := NewMemoryStore(10)
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	store.Append(ctx, "old", conversation.RoleUser, "x")
	now = now.Add(time.Hour)
	store.Append(ctx, "fresh", conversation.RoleUser, "y")

	n, err := store.Evict(ctx, now.Add(-30*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("Evict = %d, %v", n, err)
	}
	sessions, _ := store.Sessions(ctx)
	if len(sessions) != 1 || sessions[0].ID != "fresh" || sessions[0].Turns != 1 {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}

	store.ClearAll(ctx)
	if sessions, _ = store.Sessions(ctx); len(sessions) != 0 {
		t.Fatalf("expected no sessions after ClearAll, got %+v", sessions)
	}
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.lock("a")
	unlock()
	unlock()
	if len(k.locks) != 0 {
		t.Fatalf("expected lock table to be empty, got %d", len(k.locks))
	}
}

func TestMemoryStoreResetWaitsForTurnInProgress(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)

	unlock := s.Lock("s1")
	if _, err := s.Append(ctx, "s1", conversation.RoleUser, "Merhaba"); err != nil {
		t.Fatalf("append user: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Reset(ctx, "s1"); err != nil {
			t.Errorf("reset: %v", err)
		}
	}()

	select {
	case <-done:
		t.Fatalf("reset finished while the turn still held the session")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := s.Append(ctx, "s1", conversation.RoleAssistant, "Merhaba! Size nasıl yardımcı olabilirim?"); err != nil {
		t.Fatalf("append assistant: %v", err)
	}
	got, _ := s.Context(ctx, "s1")
	if len(got) != 2 || got[0].Role != conversation.RoleUser || got[1].Role != conversation.RoleAssistant {
		t.Fatalf("turn was split by reset: %+v", got)
	}
	unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("reset never ran after the turn finished")
	}
	if got, _ := s.Context(ctx, "s1"); len(got) != 0 {
		t.Fatalf("expected empty transcript after reset, got %+v", got)
	}
}

func TestMemoryStoreClearAllWaitsForTurnsInProgress(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)

	unlock := s.Lock("s2")
	if _, err := s.Append(ctx, "s2", conversation.RoleUser, "selam"); err != nil {
		t.Fatalf("append: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.ClearAll(ctx)
	}()

	select {
	case <-done:
		t.Fatalf("clear-all finished while a turn was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := s.Append(ctx, "s2", conversation.RoleAssistant, "selam!"); err != nil {
		t.Fatalf("append: %v", err)
	}
	unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("clear-all never ran")
	}
	if sessions, _ := s.Sessions(ctx); len(sessions) != 0 {
		t.Fatalf("expected no sessions, got %+v", sessions)
	}
	// other sessions can be locked again afterwards
	s.Lock("s3")()
}
