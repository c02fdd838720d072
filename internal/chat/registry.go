package chat

import "strings"

const tombstoneTTLMs = 10 * 60 * 1000

// runRegistry is the keyed store over Run entities.
//
// Invariants:
//  1. no two distinct run ids ever collapse into one entry;
//  2. a run moves only forward through its status lattice
//     (pending -> streaming -> terminal), never backward;
//  3. terminal runs are retained for a grace window to absorb duplicate
//     trailing events, then removed and tombstoned so they are never
//     resurrected into a non-terminal state.
type runRegistry struct {
	runs       map[string]*Run
	tombstones map[string]int64 // run id -> removed at (unix ms)
}

func newRunRegistry() *runRegistry {
	return &runRegistry{
		runs:       make(map[string]*Run),
		tombstones: make(map[string]int64),
	}
}

func (g *runRegistry) Get(id string) *Run {
	if g == nil {
		return nil
	}
	return g.runs[strings.TrimSpace(id)]
}

// GetOrCreate returns the run for id, creating it in pending if unseen.
// Creation is refused for tombstoned ids: a removed terminal run must stay
// gone even if late duplicates still reference it.
func (g *runRegistry) GetOrCreate(id string, sessionKey string, nowUnixMs int64) (*Run, bool) {
	id = strings.TrimSpace(id)
	if g == nil || id == "" {
		return nil, false
	}
	if r := g.runs[id]; r != nil {
		return r, false
	}
	if _, dead := g.tombstones[id]; dead {
		return nil, false
	}
	r := &Run{
		ID:              id,
		SessionKey:      strings.TrimSpace(sessionKey),
		Status:          RunStatusPending,
		Tools:           NewToolCallTable(),
		StartedAtUnixMs: nowUnixMs,
	}
	g.runs[id] = r
	return r, true
}

// Advance moves the run forward to next and reports whether the transition
// was applied. Backward transitions and any transition out of a terminal
// status are refused.
func (g *runRegistry) Advance(r *Run, next RunStatus) bool {
	if g == nil || r == nil {
		return false
	}
	if r.Status == next {
		return false
	}
	if r.Status.IsTerminal() {
		return false
	}
	if runStatusRank(next) < runStatusRank(r.Status) {
		return false
	}
	r.Status = next
	return true
}

// Removed reports whether id belongs to a run that was already cleaned up.
func (g *runRegistry) Removed(id string) bool {
	if g == nil {
		return false
	}
	_, ok := g.tombstones[strings.TrimSpace(id)]
	return ok
}

// Remove deletes the run and leaves a tombstone behind.
func (g *runRegistry) Remove(id string, nowUnixMs int64) {
	id = strings.TrimSpace(id)
	if g == nil || id == "" {
		return
	}
	delete(g.runs, id)
	g.tombstones[id] = nowUnixMs
	g.pruneTombstones(nowUnixMs)
}

func (g *runRegistry) pruneTombstones(nowUnixMs int64) {
	for id, at := range g.tombstones {
		if nowUnixMs-at > tombstoneTTLMs {
			delete(g.tombstones, id)
		}
	}
}

// AnyActive reports whether any run is still pending or streaming. This is
// the single global concurrency gate for outbound sends: the upstream agent
// does not support concurrent turns.
func (g *runRegistry) AnyActive() bool {
	if g == nil {
		return false
	}
	for _, r := range g.runs {
		if !r.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// ActiveRunID returns the id of an active run, or "" if none.
func (g *runRegistry) ActiveRunID() string {
	if g == nil {
		return ""
	}
	for id, r := range g.runs {
		if !r.Status.IsTerminal() {
			return id
		}
	}
	return ""
}
