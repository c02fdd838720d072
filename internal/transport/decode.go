package transport

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/floegence/redeven-console/internal/chat"
)

// Wire payloads are decoded and normalized here, at the boundary; the engine
// only ever sees validated events from the closed taxonomy.

// Older agent builds emit a few legacy names. Normalization keeps them
// working without widening the engine's taxonomy.
var streamAliases = map[string]chat.StreamKind{
	"assistant-text": chat.StreamKindAssistant,
	"assistant_text": chat.StreamKindAssistant,
	"text":           chat.StreamKindAssistant,
	"tool-call":      chat.StreamKindTool,
	"tool_call":      chat.StreamKindTool,
}

var phaseAliases = map[string]chat.StreamPhase{
	"finish": chat.PhaseEnd,
	"done":   chat.PhaseEnd,
}

func normalizeStream(raw string) chat.StreamKind {
	v := strings.ToLower(strings.TrimSpace(raw))
	if k, ok := streamAliases[v]; ok {
		return k
	}
	return chat.StreamKind(v)
}

func normalizePhase(raw string) chat.StreamPhase {
	v := strings.ToLower(strings.TrimSpace(raw))
	if p, ok := phaseAliases[v]; ok {
		return p
	}
	return chat.StreamPhase(v)
}

func toolCallUpdate(in wireToolCall) chat.ToolCallUpdate {
	return chat.ToolCallUpdate{
		ID:      strings.TrimSpace(in.ID),
		Name:    strings.TrimSpace(in.Name),
		Args:    in.Args,
		Status:  strings.TrimSpace(in.Status),
		Result:  in.Result,
		IsError: in.IsError,
	}
}

func decodeTurnEvent(payload json.RawMessage) (chat.TurnEvent, error) {
	var w wireTurnEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return chat.TurnEvent{}, fmt.Errorf("decode turn event: %w", err)
	}
	ev := chat.TurnEvent{
		State:      chat.TurnState(strings.ToLower(strings.TrimSpace(w.State))),
		RunID:      strings.TrimSpace(w.RunID),
		SessionKey: strings.TrimSpace(w.SessionKey),
		ErrorText:  w.Error,
		AtUnixMs:   w.AtUnixMs,
	}
	if w.Message != nil {
		m := chat.TurnMessage{
			Text:            w.Message.Text,
			TimestampUnixMs: w.Message.TimestampUnixMs,
		}
		for _, tc := range w.Message.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, toolCallUpdate(tc))
		}
		ev.Message = &m
	}
	if err := ev.Validate(); err != nil {
		return chat.TurnEvent{}, err
	}
	return ev, nil
}

func decodeAgentEvent(payload json.RawMessage) (chat.AgentEvent, error) {
	var w wireAgentEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return chat.AgentEvent{}, fmt.Errorf("decode agent event: %w", err)
	}
	ev := chat.AgentEvent{
		Stream:     normalizeStream(w.Stream),
		Phase:      normalizePhase(w.Phase),
		RunID:      strings.TrimSpace(w.RunID),
		SessionKey: strings.TrimSpace(w.SessionKey),
		Text:       w.Text,
		ErrorText:  w.Error,
		AtUnixMs:   w.AtUnixMs,
	}
	if w.Tool != nil {
		tc := toolCallUpdate(*w.Tool)
		ev.Tool = &tc
	}
	if err := ev.Validate(); err != nil {
		return chat.AgentEvent{}, err
	}
	return ev, nil
}

func decodeHistoryEntries(in []wireHistoryEntry) []chat.HistoryEntry {
	out := make([]chat.HistoryEntry, 0, len(in))
	for _, w := range in {
		en := chat.HistoryEntry{
			Role:            strings.ToLower(strings.TrimSpace(w.Role)),
			Text:            w.Text,
			TimestampUnixMs: w.TimestampUnixMs,
		}
		for _, tc := range w.ToolCalls {
			en.ToolCalls = append(en.ToolCalls, chat.HistoryToolCall{
				ID:                      strings.TrimSpace(tc.ID),
				Name:                    strings.TrimSpace(tc.Name),
				Args:                    tc.Args,
				Status:                  strings.TrimSpace(tc.Status),
				InsertedAtContentLength: tc.InsertedAtContentLength,
			})
		}
		if w.ToolResult != nil {
			en.ToolResult = &chat.HistoryToolResult{
				ToolCallID: strings.TrimSpace(w.ToolResult.ToolCallID),
				Content:    w.ToolResult.Content,
				IsError:    w.ToolResult.IsError,
			}
		}
		out = append(out, en)
	}
	return out
}
