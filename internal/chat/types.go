package chat

// This package implements the run reconciliation engine of the Redeven
// console: it consumes the agent's realtime event streams (turn results and
// lower-level lifecycle events) and produces a single consistent conversation
// state for the presentation layer.
//
// Design notes:
// - The wire may deliver events duplicated, interleaved across two streams,
//   or partially lost. Consistency comes from idempotent merge operations,
//   not from sequencing.
// - All state mutation happens on a single scheduler loop (see scheduler.go);
//   the mutex only guards snapshot reads from other goroutines.

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
)

// RunStatus is the state machine for a single in-flight agent turn.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusStreaming RunStatus = "streaming"
	RunStatusComplete  RunStatus = "complete"
	RunStatusError     RunStatus = "error"
	RunStatusAborted   RunStatus = "aborted"
)

// IsTerminal reports whether the status is final. Terminal statuses are
// mutually exclusive and never transition again.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusComplete, RunStatusError, RunStatusAborted:
		return true
	default:
		return false
	}
}

func runStatusRank(s RunStatus) int {
	switch s {
	case RunStatusPending:
		return 0
	case RunStatusStreaming:
		return 1
	case RunStatusComplete, RunStatusError, RunStatusAborted:
		return 2
	default:
		return -1
	}
}

// ToolStatus is the lifecycle of one tool invocation within a run.
type ToolStatus string

const (
	ToolStatusPending  ToolStatus = "pending"
	ToolStatusRunning  ToolStatus = "running"
	ToolStatusComplete ToolStatus = "complete"
	ToolStatusError    ToolStatus = "error"
)

// NormalizeToolStatus maps a wire-provided status string onto the closed
// ToolStatus set. Unknown values collapse to running.
func NormalizeToolStatus(raw string) ToolStatus {
	v := strings.TrimSpace(strings.ToLower(raw))
	switch ToolStatus(v) {
	case ToolStatusPending, ToolStatusRunning, ToolStatusComplete, ToolStatusError:
		return ToolStatus(v)
	default:
		return ToolStatusRunning
	}
}

// ToolCall is one tool invocation within a run.
//
// InsertedAtContentLength is the offset in the run's text content at which
// the call interleaves visually. It is captured once, at first sight of the
// id, and never moves afterwards.
type ToolCall struct {
	ID                      string         `json:"id"`
	Name                    string         `json:"name"`
	Args                    map[string]any `json:"args,omitempty"`
	Status                  ToolStatus     `json:"status"`
	Result                  string         `json:"result,omitempty"`
	IsError                 bool           `json:"is_error,omitempty"`
	StartedAtUnixMs         int64          `json:"started_at_unix_ms,omitempty"`
	CompletedAtUnixMs       int64          `json:"completed_at_unix_ms,omitempty"`
	InsertedAtContentLength int            `json:"inserted_at_content_length"`
}

// Run is one in-flight agent turn. Runs are owned by the registry; they are
// created on the first event referencing an unknown run id and removed a
// short grace window after reaching a terminal status.
type Run struct {
	ID         string
	SessionKey string
	Status     RunStatus

	// Content accumulates streamed assistant text. LastBlockStart marks the
	// offset where the current text block began; the upstream resends the
	// full current block on every delta, so this drives continuation
	// detection (see mergeAssistantDelta).
	Content        string
	LastBlockStart int

	Tools *ToolCallTable

	StartedAtUnixMs int64
	Error           string

	// Message is set once the run has been promoted into the transcript.
	Message *Message

	// settled guards against double promotion when both a turn-result final
	// and a lifecycle end try to finish the same run.
	settled bool
}

// SendState tracks the local delivery state of a user message.
type SendState string

const (
	SendStateSending SendState = "sending"
	SendStateSent    SendState = "sent"
	SendStateFailed  SendState = "failed"
)

// Message is a finalized, displayable turn. Once created it is independent
// of the streaming machinery.
type Message struct {
	ID              string     `json:"id"`
	Role            string     `json:"role"`
	Content         string     `json:"content"`
	ToolCalls       []ToolCall `json:"tool_calls,omitempty"`
	SendState       SendState  `json:"send_state,omitempty"`
	IdempotencyKey  string     `json:"idempotency_key,omitempty"`
	ErrorText       string     `json:"error,omitempty"`
	TimestampUnixMs int64      `json:"timestamp_unix_ms"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// QueuedSend is a user message not yet transmitted, either because the
// transport is disconnected or because another run is streaming. Entries are
// owned by the sender and removed the instant transmission begins.
type QueuedSend struct {
	IdempotencyKey   string `json:"idempotency_key"`
	SessionKey       string `json:"session_key"`
	Text             string `json:"text"`
	MessageID        string `json:"message_id,omitempty"`
	EnqueuedAtUnixMs int64  `json:"enqueued_at_unix_ms"`
}

// NewMessageID generates a random message id with the given role prefix.
func NewMessageID(prefix string) (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + "_" + base64.RawURLEncoding.EncodeToString(b), nil
}
