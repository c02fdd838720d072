package chat

import "strings"

// ToolCallTable maintains the set of tool invocations for one run, merging
// partial and duplicate observations into a single lifecycle per id.
//
// Every operation is idempotent under at-least-once redelivery. Merge policy
// for two observations of the same id: later status wins, later result wins,
// but StartedAtUnixMs and InsertedAtContentLength keep their first observed
// value.
type ToolCallTable struct {
	order []string
	byID  map[string]*ToolCall
}

func NewToolCallTable() *ToolCallTable {
	return &ToolCallTable{byID: make(map[string]*ToolCall)}
}

func (t *ToolCallTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.order)
}

func (t *ToolCallTable) Has(id string) bool {
	if t == nil {
		return false
	}
	_, ok := t.byID[strings.TrimSpace(id)]
	return ok
}

func (t *ToolCallTable) Get(id string) *ToolCall {
	if t == nil {
		return nil
	}
	return t.byID[strings.TrimSpace(id)]
}

// Start inserts a new entry if the id is unseen and reports whether an insert
// happened. Duplicate starts are suppressed entirely: tool-start
// notifications race with text deltas and the same id may be announced
// twice, and a second start must not move the insertion point.
func (t *ToolCallTable) Start(id string, name string, args map[string]any, contentLength int, nowUnixMs int64) bool {
	id = strings.TrimSpace(id)
	if t == nil || id == "" {
		return false
	}
	if _, ok := t.byID[id]; ok {
		return false
	}
	t.insert(&ToolCall{
		ID:                      id,
		Name:                    strings.TrimSpace(name),
		Args:                    args,
		Status:                  ToolStatusRunning,
		StartedAtUnixMs:         nowUnixMs,
		InsertedAtContentLength: contentLength,
	})
	return true
}

// Update sets the partial result without changing status. An unseen id is
// synthesized first: a missed start event must not lose the call.
func (t *ToolCallTable) Update(id string, result string, contentLength int, nowUnixMs int64) {
	id = strings.TrimSpace(id)
	if t == nil || id == "" {
		return
	}
	tc := t.byID[id]
	if tc == nil {
		tc = t.synthesize(id, contentLength, nowUnixMs)
	}
	if result != "" {
		tc.Result = result
	}
}

// Complete finishes the call, synthesizing it if unseen.
func (t *ToolCallTable) Complete(id string, result string, isError bool, contentLength int, nowUnixMs int64) {
	id = strings.TrimSpace(id)
	if t == nil || id == "" {
		return
	}
	tc := t.byID[id]
	if tc == nil {
		tc = t.synthesize(id, contentLength, nowUnixMs)
	}
	if isError {
		tc.Status = ToolStatusError
	} else {
		tc.Status = ToolStatusComplete
	}
	tc.IsError = isError
	tc.Result = result
	if tc.CompletedAtUnixMs <= 0 {
		tc.CompletedAtUnixMs = nowUnixMs
	}
}

// Merge folds one observation from another stream (for example a turn-result
// delta reporting the same id) into the table. Later status and result win;
// position and start time keep their first observed value.
func (t *ToolCallTable) Merge(in ToolCallUpdate, contentLength int, nowUnixMs int64) {
	id := strings.TrimSpace(in.ID)
	if t == nil || id == "" {
		return
	}
	tc := t.byID[id]
	if tc == nil {
		tc = t.synthesize(id, contentLength, nowUnixMs)
	}
	if name := strings.TrimSpace(in.Name); name != "" && tc.Name == "" {
		tc.Name = name
	}
	if in.Args != nil && tc.Args == nil {
		tc.Args = in.Args
	}
	if strings.TrimSpace(in.Status) != "" {
		tc.Status = NormalizeToolStatus(in.Status)
	}
	if in.Result != "" {
		tc.Result = in.Result
	}
	if in.IsError {
		tc.Status = ToolStatusError
		tc.IsError = true
	}
	if tc.Status.isFinished() && tc.CompletedAtUnixMs <= 0 {
		tc.CompletedAtUnixMs = nowUnixMs
	}
}

func (s ToolStatus) isFinished() bool {
	return s == ToolStatusComplete || s == ToolStatusError
}

// Snapshot returns a frozen copy in insertion order. When forceComplete is
// set, calls still pending or running are forced to complete; this happens
// at promotion time, when the run is final and no further tool events can
// arrive for it.
func (t *ToolCallTable) Snapshot(forceComplete bool) []ToolCall {
	if t == nil || len(t.order) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(t.order))
	for _, id := range t.order {
		tc := t.byID[id]
		if tc == nil {
			continue
		}
		cp := *tc
		if forceComplete && !cp.Status.isFinished() {
			cp.Status = ToolStatusComplete
		}
		out = append(out, cp)
	}
	return out
}

func (t *ToolCallTable) insert(tc *ToolCall) {
	t.order = append(t.order, tc.ID)
	t.byID[tc.ID] = tc
}

func (t *ToolCallTable) synthesize(id string, contentLength int, nowUnixMs int64) *ToolCall {
	tc := &ToolCall{
		ID:                      id,
		Status:                  ToolStatusRunning,
		StartedAtUnixMs:         nowUnixMs,
		InsertedAtContentLength: contentLength,
	}
	t.insert(tc)
	return tc
}
