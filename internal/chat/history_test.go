package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestReconcileHistoryFoldsToolResults(t *testing.T) {
	t.Parallel()

	entries := []HistoryEntry{
		{Role: "user", Text: "find it", TimestampUnixMs: 1000},
		{
			Role:            "assistant",
			Text:            "Searching",
			TimestampUnixMs: 2000,
			ToolCalls:       []HistoryToolCall{{ID: "t1", Name: "search", InsertedAtContentLength: 9}},
		},
		{ToolResult: &HistoryToolResult{ToolCallID: "t1", Content: "3 hits"}, TimestampUnixMs: 2100},
	}

	msgs := reconcileHistory(entries)
	if len(msgs) != 2 {
		t.Fatalf("messages len got=%d want=2", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].SendState != SendStateSent {
		t.Fatalf("user message got=%+v", msgs[0])
	}
	a := msgs[1]
	if a.Role != RoleAssistant || len(a.ToolCalls) != 1 {
		t.Fatalf("assistant message got=%+v", a)
	}
	tc := a.ToolCalls[0]
	if tc.Status != ToolStatusComplete || tc.Result != "3 hits" || tc.InsertedAtContentLength != 9 {
		t.Fatalf("tool call got=%+v", tc)
	}
}

func TestReconcileHistoryErrorResult(t *testing.T) {
	t.Parallel()

	entries := []HistoryEntry{
		{Role: "assistant", Text: "Trying", ToolCalls: []HistoryToolCall{{ID: "t1", Name: "run"}}},
		{ToolResult: &HistoryToolResult{ToolCallID: "t1", Content: "exit 1", IsError: true}},
	}
	msgs := reconcileHistory(entries)
	if len(msgs) != 1 {
		t.Fatalf("messages len got=%d want=1", len(msgs))
	}
	tc := msgs[0].ToolCalls[0]
	if tc.Status != ToolStatusError || !tc.IsError || tc.Result != "exit 1" {
		t.Fatalf("tool call got=%+v", tc)
	}
}

func TestReconcileHistoryMergesInterruptedTurn(t *testing.T) {
	t.Parallel()

	first := "part one"
	entries := []HistoryEntry{
		{Role: "assistant", Text: first, TimestampUnixMs: 10_000},
		{
			Role:            "assistant",
			Text:            "part two",
			TimestampUnixMs: 10_000 + sameTurnMergeThresholdMs,
			ToolCalls:       []HistoryToolCall{{ID: "t1", Name: "grep", InsertedAtContentLength: 3}},
		},
	}

	msgs := reconcileHistory(entries)
	if len(msgs) != 1 {
		t.Fatalf("adjacent assistant entries must merge: len got=%d", len(msgs))
	}
	m := msgs[0]
	if want := first + "\n\npart two"; m.Content != want {
		t.Fatalf("content got=%q want=%q", m.Content, want)
	}
	// The later fragment's tool call offsets are re-based onto the merged
	// content.
	if want := len(first) + 2 + 3; m.ToolCalls[0].InsertedAtContentLength != want {
		t.Fatalf("tool call offset got=%d want=%d", m.ToolCalls[0].InsertedAtContentLength, want)
	}
}

func TestReconcileHistoryDoesNotMergeDistantTurns(t *testing.T) {
	t.Parallel()

	entries := []HistoryEntry{
		{Role: "assistant", Text: "first answer", TimestampUnixMs: 10_000},
		{Role: "assistant", Text: "second answer", TimestampUnixMs: 10_000 + sameTurnMergeThresholdMs + 1},
	}
	if msgs := reconcileHistory(entries); len(msgs) != 2 {
		t.Fatalf("distant assistant entries must stay separate: len got=%d", len(msgs))
	}
}

func TestReconcileHistorySkipsJunkEntries(t *testing.T) {
	t.Parallel()

	entries := []HistoryEntry{
		{Role: "system", Text: "internal note"},
		{Role: "assistant", Text: "   "},
		{Role: "user", Text: "real"},
	}
	msgs := reconcileHistory(entries)
	if len(msgs) != 1 || msgs[0].Content != "real" {
		t.Fatalf("messages got=%+v", msgs)
	}
	if !strings.HasPrefix(msgs[0].ID, "h_") {
		t.Fatalf("history message id got=%q want h_ prefix", msgs[0].ID)
	}
}

func TestLoadHistoryReplacesTranscript(t *testing.T) {
	t.Parallel()

	e, sched, conn := newTestEngine(t)
	e.mu.Lock()
	e.messages = []Message{{ID: "stale", Role: RoleAssistant, Content: "stale"}}
	e.mu.Unlock()
	conn.mu.Lock()
	conn.history = []HistoryEntry{
		{Role: "user", Text: "hello", TimestampUnixMs: 1000},
		{Role: "assistant", Text: "hi there", TimestampUnixMs: 2000},
	}
	conn.mu.Unlock()

	msgs, err := e.LoadHistory(context.Background(), 0)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("returned messages len got=%d want=2", len(msgs))
	}
	sched.Drain()

	got := e.Messages()
	if len(got) != 2 || got[0].Content != "hello" || got[1].Content != "hi there" {
		t.Fatalf("transcript got=%+v", got)
	}
}

func TestLoadHistoryErrorSurfaces(t *testing.T) {
	t.Parallel()

	e, sched, conn := newTestEngine(t)
	conn.mu.Lock()
	conn.historyErr = errors.New("backend down")
	conn.mu.Unlock()

	if _, err := e.LoadHistory(context.Background(), 0); err == nil {
		t.Fatalf("LoadHistory must return the fetch error")
	}
	sched.Drain()
	if got := e.LastError(); !strings.Contains(got, "backend down") {
		t.Fatalf("last error got=%q", got)
	}
}
