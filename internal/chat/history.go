package chat

import (
	"context"
	"fmt"
	"strings"
)

const (
	// Adjacent assistant entries whose timestamps are within this window are
	// treated as fragments of a single interrupted turn and merged back into
	// one message.
	sameTurnMergeThresholdMs = 5000

	assistantMergeSeparator = "\n\n"
)

// HistoryToolCall is a tool call as recorded in durable history. Unlike
// live stream observations it carries the content offset the producer
// recorded at insertion time.
type HistoryToolCall struct {
	ID                      string
	Name                    string
	Args                    map[string]any
	Status                  string
	InsertedAtContentLength int
}

// HistoryToolResult is a standalone tool-result entry. Durable history
// stores results as their own entries keyed by tool call id; the reconciler
// folds them back into the owning assistant message.
type HistoryToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// HistoryEntry is one row of durable history as returned by the upstream.
// Exactly one of the message fields or ToolResult is meaningful: entries
// with a ToolResult are lookups consumed by the reconciler, not messages.
type HistoryEntry struct {
	Role            string
	Text            string
	TimestampUnixMs int64
	ToolCalls       []HistoryToolCall
	ToolResult      *HistoryToolResult
}

// reconcileHistory turns raw durable history into display messages:
//
//   - tool-result entries are folded into the assistant message owning the
//     tool call (first result per id wins) and dropped as entries
//   - entries with unknown roles, and blank entries with no tool calls, are
//     skipped
//   - adjacent assistant entries within sameTurnMergeThresholdMs are merged
//     into one message, joined by assistantMergeSeparator, with the later
//     entry's tool call offsets re-based onto the merged content
//
// History is settled: every surviving tool call reports a finished status.
func reconcileHistory(entries []HistoryEntry) []Message {
	results := make(map[string]HistoryToolResult)
	for _, en := range entries {
		if en.ToolResult == nil {
			continue
		}
		id := strings.TrimSpace(en.ToolResult.ToolCallID)
		if id == "" {
			continue
		}
		if _, ok := results[id]; !ok {
			results[id] = *en.ToolResult
		}
	}

	out := make([]Message, 0, len(entries))
	for _, en := range entries {
		if en.ToolResult != nil {
			continue
		}
		role := strings.ToLower(strings.TrimSpace(en.Role))
		if role != RoleUser && role != RoleAssistant {
			continue
		}

		var toolCalls []ToolCall
		for _, tc := range en.ToolCalls {
			id := strings.TrimSpace(tc.ID)
			if id == "" {
				continue
			}
			call := ToolCall{
				ID:                      id,
				Name:                    strings.TrimSpace(tc.Name),
				Args:                    tc.Args,
				Status:                  NormalizeToolStatus(tc.Status),
				InsertedAtContentLength: tc.InsertedAtContentLength,
				StartedAtUnixMs:         en.TimestampUnixMs,
			}
			if res, ok := results[id]; ok {
				call.Result = res.Content
				call.IsError = res.IsError
				if res.IsError {
					call.Status = ToolStatusError
				}
			}
			if !call.Status.isFinished() {
				call.Status = ToolStatusComplete
			}
			toolCalls = append(toolCalls, call)
		}

		if strings.TrimSpace(en.Text) == "" && len(toolCalls) == 0 {
			continue
		}

		if role == RoleAssistant && len(out) > 0 {
			last := &out[len(out)-1]
			if last.Role == RoleAssistant && absInt64(en.TimestampUnixMs-last.TimestampUnixMs) <= sameTurnMergeThresholdMs {
				base := len(last.Content) + len(assistantMergeSeparator)
				for i := range toolCalls {
					toolCalls[i].InsertedAtContentLength += base
				}
				last.Content = last.Content + assistantMergeSeparator + en.Text
				last.ToolCalls = append(last.ToolCalls, toolCalls...)
				last.TimestampUnixMs = en.TimestampUnixMs
				continue
			}
		}

		id, err := NewMessageID("h")
		if err != nil {
			id = fmt.Sprintf("h_%d", len(out))
		}
		m := Message{
			ID:              id,
			Role:            role,
			Content:         en.Text,
			ToolCalls:       toolCalls,
			TimestampUnixMs: en.TimestampUnixMs,
		}
		if role == RoleUser {
			m.SendState = SendStateSent
		}
		out = append(out, m)
	}
	return out
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// LoadHistory fetches durable history for the active session, reconciles it,
// and installs it as the transcript. The fetched list is authoritative:
// local messages for the session are replaced, not merged.
func (e *Engine) LoadHistory(ctx context.Context, limit int) ([]Message, error) {
	if e == nil {
		return nil, ErrDisconnected
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = e.historyLimit
	}
	sessionKey := e.SessionKey()

	entries, err := e.conn.ListHistory(ctx, sessionKey, limit)
	if err != nil {
		e.sched.Post(func() {
			e.mu.Lock()
			e.setLastErrorLocked(fmt.Sprintf("history load failed: %v", err))
			e.mu.Unlock()
			e.publish(Update{Kind: UpdateKindError, SessionKey: sessionKey})
		})
		return nil, fmt.Errorf("list history: %w", err)
	}

	msgs := reconcileHistory(entries)
	e.sched.Post(func() {
		e.mu.Lock()
		if e.sessionKey != sessionKey {
			// The active session changed while the fetch was in flight.
			e.mu.Unlock()
			return
		}
		e.messages = msgs
		if e.compactionMarker > len(msgs) {
			e.compactionMarker = len(msgs)
		}
		e.mu.Unlock()
		e.publish(Update{Kind: UpdateKindTranscript, SessionKey: sessionKey})
		e.cacheReplace(sessionKey, msgs)
	})
	return msgs, nil
}

// reloadHistory is the fire-and-forget form used after connect, resets, and
// heartbeat promotions. Errors are logged; LoadHistory already surfaced them
// through the error update.
func (e *Engine) reloadHistory() {
	ctx, cancel := context.WithTimeout(e.baseCtx, e.sendTimeout)
	defer cancel()
	if _, err := e.LoadHistory(ctx, e.historyLimit); err != nil {
		e.log.Warn("history reload failed", "session_key", e.SessionKey(), "error", err)
	}
}
