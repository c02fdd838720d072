package transcript

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/floegence/redeven-console/internal/chat"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache", "transcript.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreAppendAndList(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	msgs := []chat.Message{
		{ID: "u1", Role: chat.RoleUser, Content: "hello", TimestampUnixMs: 1000},
		{ID: "a1", Role: chat.RoleAssistant, Content: "hi", TimestampUnixMs: 2000,
			ToolCalls: []chat.ToolCall{{ID: "t1", Name: "search", Status: chat.ToolStatusComplete, InsertedAtContentLength: 2}}},
	}
	for _, m := range msgs {
		if err := s.Append(ctx, "s1", m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.ListMessages(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(got) != 2 || got[0].ID != "u1" || got[1].ID != "a1" {
		t.Fatalf("messages got=%+v", got)
	}
	if len(got[1].ToolCalls) != 1 || got[1].ToolCalls[0].InsertedAtContentLength != 2 {
		t.Fatalf("tool calls did not round-trip: %+v", got[1].ToolCalls)
	}
}

func TestStoreAppendIsIdempotent(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	m := chat.Message{ID: "a1", Role: chat.RoleAssistant, Content: "v1", TimestampUnixMs: 1000}
	if err := s.Append(ctx, "s1", m); err != nil {
		t.Fatalf("Append: %v", err)
	}
	m.Content = "v2"
	if err := s.Append(ctx, "s1", m); err != nil {
		t.Fatalf("Append retry: %v", err)
	}

	got, err := s.ListMessages(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(got) != 1 || got[0].Content != "v2" {
		t.Fatalf("messages got=%+v", got)
	}
}

func TestStoreReplaceAndClear(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, "s1", chat.Message{ID: "old", Role: chat.RoleUser, Content: "old", TimestampUnixMs: 500}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, "s2", chat.Message{ID: "keep", Role: chat.RoleUser, Content: "keep", TimestampUnixMs: 500}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := s.Replace(ctx, "s1", []chat.Message{
		{ID: "n1", Role: chat.RoleUser, Content: "fresh", TimestampUnixMs: 1000},
	}); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	got, err := s.ListMessages(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(got) != 1 || got[0].ID != "n1" {
		t.Fatalf("replace result got=%+v", got)
	}

	if err := s.Clear(ctx, "s1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	got, err = s.ListMessages(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("clear left messages: %+v", got)
	}

	// Other sessions are untouched.
	other, err := s.ListMessages(ctx, "s2", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(other) != 1 || other[0].ID != "keep" {
		t.Fatalf("other session got=%+v", other)
	}
}

func TestStoreOpenIsExclusive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "transcript.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := Open(path); !errors.Is(err, ErrCacheInUse) {
		t.Fatalf("second Open err=%v, want ErrCacheInUse", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Releasing the lock makes the cache reusable.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = s2.Close()
}
