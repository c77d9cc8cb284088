package convstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentcore/agentcore/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path, 30*time.Minute)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestSessionReuseAndTimeout exercises round-trip R1: reuse within the idle
// window, a fresh id after it.
func TestSessionReuseAndTimeout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	id1, err := s.OpenOrReuseSession(ctx, "alice", now)
	if err != nil {
		t.Fatalf("OpenOrReuseSession() error = %v", err)
	}
	if err := s.Append(ctx, id1, "alice", types.RoleUser, "hi", Metadata{}, now); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	id2, err := s.OpenOrReuseSession(ctx, "alice", now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("OpenOrReuseSession() error = %v", err)
	}
	if id2 != id1 {
		t.Fatalf("expected session reuse within idle timeout, got %s != %s", id2, id1)
	}

	id3, err := s.OpenOrReuseSession(ctx, "alice", now.Add(45*time.Minute))
	if err != nil {
		t.Fatalf("OpenOrReuseSession() error = %v", err)
	}
	if id3 == id1 {
		t.Fatal("expected a new session id after idle timeout")
	}
}

func TestAppendAndRecentOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	session := "sess-1"
	for i, content := range []string{"first", "second", "third"} {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		if err := s.Append(ctx, session, "bob", role, content, Metadata{}, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	msgs := s.Recent(ctx, "bob", 10)
	if len(msgs) != 3 {
		t.Fatalf("Recent() returned %d messages, want 3", len(msgs))
	}
	want := []string{"first", "second", "third"}
	for i, m := range msgs {
		if m.Content != want[i] {
			t.Errorf("Recent()[%d] = %q, want %q (oldest-first)", i, m.Content, want[i])
		}
	}
}

// TestPurgeOlderThan exercises property P6.
func TestPurgeOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = s.Append(ctx, "s1", "carol", types.RoleUser, "old", Metadata{}, base)
	_ = s.Append(ctx, "s1", "carol", types.RoleUser, "new", Metadata{}, base.Add(48*time.Hour))

	if err := s.PurgeOlderThan(ctx, base.Add(24*time.Hour)); err != nil {
		t.Fatalf("PurgeOlderThan() error = %v", err)
	}

	msgs := s.Recent(ctx, "carol", 10)
	if len(msgs) != 1 || msgs[0].Content != "new" {
		t.Fatalf("Recent() after purge = %+v, want only \"new\"", msgs)
	}
}

func TestClearForgetsUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_ = s.Append(ctx, "s1", "dave", types.RoleUser, "hello", Metadata{}, now)
	if err := s.Clear(ctx, "dave"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if msgs := s.Recent(ctx, "dave", 10); len(msgs) != 0 {
		t.Fatalf("Recent() after Clear = %+v, want empty", msgs)
	}

	id, err := s.OpenOrReuseSession(ctx, "dave", now)
	if err != nil {
		t.Fatalf("OpenOrReuseSession() error = %v", err)
	}
	if id == "" {
		t.Fatal("expected a fresh session id after Clear")
	}
}
