package chat

import (
	"errors"
	"fmt"
	"strings"
)

// The two inbound event families are modeled as closed tagged unions and
// validated at the transport boundary. Unrecognized shapes are rejected there
// rather than trusted.

// TurnState classifies turn-result events on the chat channel.
type TurnState string

const (
	TurnStateDelta   TurnState = "delta"
	TurnStateFinal   TurnState = "final"
	TurnStateAborted TurnState = "aborted"
	TurnStateError   TurnState = "error"
)

// StreamKind classifies agent-lifecycle events on the agent channel.
type StreamKind string

const (
	StreamKindLifecycle  StreamKind = "lifecycle"
	StreamKindAssistant  StreamKind = "assistant"
	StreamKindTool       StreamKind = "tool"
	StreamKindCompaction StreamKind = "compaction"
)

// StreamPhase is the phase within a stream kind: lifecycle uses
// start|end|error, tool uses start|update|result, compaction uses start|end.
type StreamPhase string

const (
	PhaseStart  StreamPhase = "start"
	PhaseUpdate StreamPhase = "update"
	PhaseResult StreamPhase = "result"
	PhaseEnd    StreamPhase = "end"
	PhaseError  StreamPhase = "error"
)

// ToolCallUpdate is one observation of a tool call carried by an event. The
// same id may be observed multiple times across both channels; merges are
// idempotent (see ToolCallTable).
type ToolCallUpdate struct {
	ID      string
	Name    string
	Args    map[string]any
	Status  string
	Result  string
	IsError bool
}

// TurnMessage is the message payload carried by turn-result events.
type TurnMessage struct {
	Text            string
	ToolCalls       []ToolCallUpdate
	TimestampUnixMs int64
}

// TurnEvent is a turn-result event from the chat channel.
type TurnEvent struct {
	State      TurnState
	RunID      string
	SessionKey string
	Message    *TurnMessage
	ErrorText  string
	AtUnixMs   int64
}

func (ev TurnEvent) Validate() error {
	switch ev.State {
	case TurnStateDelta, TurnStateFinal, TurnStateAborted, TurnStateError:
	default:
		return fmt.Errorf("unknown turn state: %q", string(ev.State))
	}
	if strings.TrimSpace(ev.RunID) == "" {
		return errors.New("missing run_id")
	}
	return nil
}

// AgentEvent is a lower-level lifecycle event from the agent channel.
//
// For StreamKindAssistant, Text carries the full accumulated text of the
// *current* block, not an append-only fragment.
type AgentEvent struct {
	Stream     StreamKind
	Phase      StreamPhase
	RunID      string
	SessionKey string
	Text       string
	Tool       *ToolCallUpdate
	ErrorText  string
	AtUnixMs   int64
}

func (ev AgentEvent) Validate() error {
	if strings.TrimSpace(ev.RunID) == "" {
		return errors.New("missing run_id")
	}
	switch ev.Stream {
	case StreamKindAssistant:
		return nil
	case StreamKindLifecycle:
		switch ev.Phase {
		case PhaseStart, PhaseEnd, PhaseError:
			return nil
		}
		return fmt.Errorf("unknown lifecycle phase: %q", string(ev.Phase))
	case StreamKindTool:
		switch ev.Phase {
		case PhaseStart, PhaseUpdate, PhaseResult:
		default:
			return fmt.Errorf("unknown tool phase: %q", string(ev.Phase))
		}
		if ev.Tool == nil || strings.TrimSpace(ev.Tool.ID) == "" {
			return errors.New("missing tool payload")
		}
		return nil
	case StreamKindCompaction:
		switch ev.Phase {
		case PhaseStart, PhaseEnd:
			return nil
		}
		return fmt.Errorf("unknown compaction phase: %q", string(ev.Phase))
	default:
		return fmt.Errorf("unknown stream kind: %q", string(ev.Stream))
	}
}
