package transport

// RPC type IDs for the console <-> agent chat surface. These must stay in
// sync with the agent's registration table.
const (
	TypeID_CHAT_SEND          uint32 = 7001
	TypeID_CHAT_ABORT         uint32 = 7002
	TypeID_CHAT_SUBSCRIBE     uint32 = 7003
	TypeID_CHAT_EVENT_NOTIFY  uint32 = 7004 // notify (agent -> console)
	TypeID_AGENT_EVENT_NOTIFY uint32 = 7005 // notify (agent -> console)
	TypeID_CHAT_HISTORY_LIST  uint32 = 7006
	TypeID_CHAT_PING          uint32 = 7007
)

type chatSendReq struct {
	SessionKey     string `json:"session_key"`
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotency_key"`
}

type chatSendResp struct {
	RunID string `json:"run_id"`
}

type chatAbortReq struct {
	SessionKey string `json:"session_key"`
	RunID      string `json:"run_id"`
}

type chatAbortResp struct {
	OK bool `json:"ok"`
}

type chatSubscribeReq struct {
	SessionKey string `json:"session_key"`
}

type chatSubscribeResp struct {
	ActiveRunID string `json:"active_run_id,omitempty"`
}

type chatHistoryListReq struct {
	SessionKey string `json:"session_key"`
	Limit      int    `json:"limit,omitempty"`
}

type chatHistoryListResp struct {
	Entries []wireHistoryEntry `json:"entries"`
}

type chatPingReq struct {
	NowUnixMs int64 `json:"now_unix_ms"`
}

type chatPingResp struct {
	OK bool `json:"ok"`
}

// wireToolCall is one tool-call observation as it appears on either event
// channel.
type wireToolCall struct {
	ID      string         `json:"id"`
	Name    string         `json:"name,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Status  string         `json:"status,omitempty"`
	Result  string         `json:"result,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
}

type wireTurnMessage struct {
	Text            string         `json:"text,omitempty"`
	ToolCalls       []wireToolCall `json:"tool_calls,omitempty"`
	TimestampUnixMs int64          `json:"timestamp_unix_ms,omitempty"`
}

// wireTurnEvent is the payload of TypeID_CHAT_EVENT_NOTIFY.
type wireTurnEvent struct {
	State      string           `json:"state"`
	RunID      string           `json:"run_id"`
	SessionKey string           `json:"session_key,omitempty"`
	Message    *wireTurnMessage `json:"message,omitempty"`
	Error      string           `json:"error,omitempty"`
	AtUnixMs   int64            `json:"at_unix_ms,omitempty"`
}

// wireAgentEvent is the payload of TypeID_AGENT_EVENT_NOTIFY.
type wireAgentEvent struct {
	Stream     string        `json:"stream"`
	Phase      string        `json:"phase,omitempty"`
	RunID      string        `json:"run_id"`
	SessionKey string        `json:"session_key,omitempty"`
	Text       string        `json:"text,omitempty"`
	Tool       *wireToolCall `json:"tool,omitempty"`
	Error      string        `json:"error,omitempty"`
	AtUnixMs   int64         `json:"at_unix_ms,omitempty"`
}

type wireHistoryToolCall struct {
	ID                      string         `json:"id"`
	Name                    string         `json:"name,omitempty"`
	Args                    map[string]any `json:"args,omitempty"`
	Status                  string         `json:"status,omitempty"`
	InsertedAtContentLength int            `json:"inserted_at_content_length,omitempty"`
}

type wireToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

type wireHistoryEntry struct {
	Role            string                `json:"role,omitempty"`
	Text            string                `json:"text,omitempty"`
	TimestampUnixMs int64                 `json:"timestamp_unix_ms,omitempty"`
	ToolCalls       []wireHistoryToolCall `json:"tool_calls,omitempty"`
	ToolResult      *wireToolResult       `json:"tool_result,omitempty"`
}
