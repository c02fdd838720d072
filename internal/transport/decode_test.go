package transport

import (
	"encoding/json"
	"testing"

	"github.com/floegence/redeven-console/internal/chat"
)

func TestDecodeTurnEvent(t *testing.T) {
	t.Parallel()

	payload := json.RawMessage(`{
		"state": "final",
		"run_id": " r1 ",
		"session_key": "s1",
		"message": {
			"text": "Hi",
			"tool_calls": [{"id": "t1", "name": "search", "status": "complete", "result": "3 hits"}]
		},
		"at_unix_ms": 1234
	}`)

	ev, err := decodeTurnEvent(payload)
	if err != nil {
		t.Fatalf("decodeTurnEvent: %v", err)
	}
	if ev.State != chat.TurnStateFinal || ev.RunID != "r1" || ev.SessionKey != "s1" {
		t.Fatalf("event got=%+v", ev)
	}
	if ev.Message == nil || ev.Message.Text != "Hi" || len(ev.Message.ToolCalls) != 1 {
		t.Fatalf("message got=%+v", ev.Message)
	}
	if tc := ev.Message.ToolCalls[0]; tc.ID != "t1" || tc.Status != "complete" {
		t.Fatalf("tool call got=%+v", tc)
	}
}

func TestDecodeTurnEventRejectsBadPayloads(t *testing.T) {
	t.Parallel()

	for _, payload := range []string{
		`{"state": "final"}`,
		`{"state": "???", "run_id": "r1"}`,
		`not json`,
	} {
		if _, err := decodeTurnEvent(json.RawMessage(payload)); err == nil {
			t.Fatalf("payload %q must be rejected", payload)
		}
	}
}

func TestDecodeAgentEventNormalizesAliases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		payload    string
		wantStream chat.StreamKind
		wantPhase  chat.StreamPhase
	}{
		{
			name:       "assistant_text_alias",
			payload:    `{"stream": "assistant-text", "run_id": "r1", "text": "Hi"}`,
			wantStream: chat.StreamKindAssistant,
		},
		{
			name:       "tool_call_alias",
			payload:    `{"stream": "tool_call", "phase": "start", "run_id": "r1", "tool": {"id": "t1"}}`,
			wantStream: chat.StreamKindTool,
			wantPhase:  chat.PhaseStart,
		},
		{
			name:       "finish_alias",
			payload:    `{"stream": "lifecycle", "phase": "finish", "run_id": "r1"}`,
			wantStream: chat.StreamKindLifecycle,
			wantPhase:  chat.PhaseEnd,
		},
		{
			name:       "case_insensitive",
			payload:    `{"stream": "Lifecycle", "phase": "End", "run_id": "r1"}`,
			wantStream: chat.StreamKindLifecycle,
			wantPhase:  chat.PhaseEnd,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ev, err := decodeAgentEvent(json.RawMessage(tc.payload))
			if err != nil {
				t.Fatalf("decodeAgentEvent: %v", err)
			}
			if ev.Stream != tc.wantStream {
				t.Fatalf("stream got=%q want=%q", ev.Stream, tc.wantStream)
			}
			if tc.wantPhase != "" && ev.Phase != tc.wantPhase {
				t.Fatalf("phase got=%q want=%q", ev.Phase, tc.wantPhase)
			}
		})
	}
}

func TestDecodeAgentEventRejectsBadPayloads(t *testing.T) {
	t.Parallel()

	for _, payload := range []string{
		`{"stream": "assistant", "text": "no run id"}`,
		`{"stream": "mystery", "run_id": "r1"}`,
		`{"stream": "tool", "phase": "start", "run_id": "r1"}`,
		`{"stream": "lifecycle", "phase": "update", "run_id": "r1"}`,
	} {
		if _, err := decodeAgentEvent(json.RawMessage(payload)); err == nil {
			t.Fatalf("payload %q must be rejected", payload)
		}
	}
}

func TestDecodeHistoryEntries(t *testing.T) {
	t.Parallel()

	in := []wireHistoryEntry{
		{Role: " User ", Text: "hello", TimestampUnixMs: 1000},
		{
			Role:      "assistant",
			Text:      "Searching",
			ToolCalls: []wireHistoryToolCall{{ID: " t1 ", Name: "search", InsertedAtContentLength: 9}},
		},
		{ToolResult: &wireToolResult{ToolCallID: "t1", Content: "3 hits"}},
	}

	out := decodeHistoryEntries(in)
	if len(out) != 3 {
		t.Fatalf("entries len got=%d want=3", len(out))
	}
	if out[0].Role != "user" {
		t.Fatalf("role got=%q want=%q", out[0].Role, "user")
	}
	if len(out[1].ToolCalls) != 1 || out[1].ToolCalls[0].ID != "t1" || out[1].ToolCalls[0].InsertedAtContentLength != 9 {
		t.Fatalf("tool calls got=%+v", out[1].ToolCalls)
	}
	if out[2].ToolResult == nil || out[2].ToolResult.ToolCallID != "t1" {
		t.Fatalf("tool result got=%+v", out[2].ToolResult)
	}
}
