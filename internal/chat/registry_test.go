package chat

import "testing"

func TestRunRegistryForwardOnly(t *testing.T) {
	t.Parallel()

	g := newRunRegistry()
	r, created := g.GetOrCreate("r1", "s1", 100)
	if !created || r == nil {
		t.Fatalf("GetOrCreate must create an unseen run")
	}
	if r.Status != RunStatusPending {
		t.Fatalf("new run status got=%q want=%q", r.Status, RunStatusPending)
	}

	if !g.Advance(r, RunStatusStreaming) {
		t.Fatalf("pending -> streaming must be allowed")
	}
	if g.Advance(r, RunStatusStreaming) {
		t.Fatalf("same-status transition must be refused")
	}
	if g.Advance(r, RunStatusPending) {
		t.Fatalf("backward transition must be refused")
	}
	if !g.Advance(r, RunStatusComplete) {
		t.Fatalf("streaming -> complete must be allowed")
	}
	for _, next := range []RunStatus{RunStatusStreaming, RunStatusError, RunStatusAborted, RunStatusPending} {
		if g.Advance(r, next) {
			t.Fatalf("transition out of terminal to %q must be refused", next)
		}
	}
	if r.Status != RunStatusComplete {
		t.Fatalf("terminal status changed: got=%q", r.Status)
	}
}

func TestRunRegistryDistinctIDs(t *testing.T) {
	t.Parallel()

	g := newRunRegistry()
	a, _ := g.GetOrCreate("r1", "s1", 100)
	b, _ := g.GetOrCreate("r2", "s1", 100)
	if a == b {
		t.Fatalf("distinct run ids must not collapse")
	}
	if got, _ := g.GetOrCreate("r1", "s1", 200); got != a {
		t.Fatalf("GetOrCreate for a known id must return the same run")
	}
}

func TestRunRegistryTombstones(t *testing.T) {
	t.Parallel()

	g := newRunRegistry()
	r, _ := g.GetOrCreate("r1", "s1", 100)
	g.Advance(r, RunStatusComplete)
	g.Remove("r1", 1000)

	if g.Get("r1") != nil {
		t.Fatalf("removed run must be gone")
	}
	if !g.Removed("r1") {
		t.Fatalf("removed run must be tombstoned")
	}
	// A late duplicate event must not resurrect the run.
	if r, created := g.GetOrCreate("r1", "s1", 2000); created || r != nil {
		t.Fatalf("tombstoned id must not be recreated: got=(%v, %v)", r, created)
	}

	// Tombstones expire after the TTL; a genuinely new run may then reuse
	// the id.
	g.pruneTombstones(1000 + tombstoneTTLMs + 1)
	if g.Removed("r1") {
		t.Fatalf("tombstone must expire after TTL")
	}
}

func TestRunRegistryActiveGate(t *testing.T) {
	t.Parallel()

	g := newRunRegistry()
	if g.AnyActive() {
		t.Fatalf("empty registry must not be active")
	}
	r, _ := g.GetOrCreate("r1", "s1", 100)
	if !g.AnyActive() {
		t.Fatalf("pending run must hold the gate")
	}
	if got := g.ActiveRunID(); got != "r1" {
		t.Fatalf("ActiveRunID got=%q want=%q", got, "r1")
	}
	g.Advance(r, RunStatusError)
	if g.AnyActive() {
		t.Fatalf("terminal run must release the gate")
	}
	if got := g.ActiveRunID(); got != "" {
		t.Fatalf("ActiveRunID got=%q want empty", got)
	}
}
