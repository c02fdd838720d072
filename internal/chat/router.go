package chat

import (
	"strings"
	"time"
)

// Event routing. Both handlers enqueue a scheduler task; all mutation happens
// on the loop, in arrival order per channel. There is no reordering buffer:
// correctness under out-of-order delivery comes from the idempotent merge
// operations in delta.go and toolcalls.go.

// HandleTurnEvent routes a turn-result event from the chat channel.
func (e *Engine) HandleTurnEvent(ev TurnEvent) {
	if e == nil {
		return
	}
	e.sched.Post(func() { e.applyTurnEvent(ev) })
}

// HandleAgentEvent routes a lifecycle event from the agent channel.
func (e *Engine) HandleAgentEvent(ev AgentEvent) {
	if e == nil {
		return
	}
	e.sched.Post(func() { e.applyAgentEvent(ev) })
}

// dropLocked applies the shared filters: session isolation, compaction-run
// suppression, and expired-run tombstones.
func (e *Engine) dropLocked(sessionKey string, runID string) bool {
	if sessionKey != "" && sessionKey != e.sessionKey {
		e.log.Debug("dropping event for inactive session", "session_key", sessionKey, "run_id", runID)
		return true
	}
	if _, ok := e.compactionRuns[runID]; ok {
		return true
	}
	if e.runs.Removed(runID) {
		return true
	}
	return false
}

func (e *Engine) applyTurnEvent(ev TurnEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	runID := strings.TrimSpace(ev.RunID)
	if runID == "" || e.dropLocked(strings.TrimSpace(ev.SessionKey), runID) {
		return
	}
	now := ev.AtUnixMs
	if now <= 0 {
		now = nowUnixMs()
	}

	switch ev.State {
	case TurnStateDelta:
		// Text is handled by the faster assistant stream; a turn delta only
		// supplements tool-call state.
		if ev.Message == nil || len(ev.Message.ToolCalls) == 0 {
			return
		}
		r := e.ensureRunLocked(runID, now)
		if r == nil || r.Status.IsTerminal() {
			return
		}
		for _, tc := range ev.Message.ToolCalls {
			r.Tools.Merge(tc, len(r.Content), now)
		}
		e.publish(Update{Kind: UpdateKindRunState, SessionKey: e.sessionKey, RunID: runID})

	case TurnStateFinal:
		r := e.ensureRunLocked(runID, now)
		if r == nil {
			return
		}
		if r.settled || r.Status.IsTerminal() {
			// A final arriving after a lifecycle end already promoted the run
			// must not create a second message.
			return
		}
		payload := ""
		if ev.Message != nil {
			payload = ev.Message.Text
			for _, tc := range ev.Message.ToolCalls {
				r.Tools.Merge(tc, len(r.Content), now)
			}
		}
		// Final reconciliation: the longer of payload and accumulated stream
		// content wins; a strictly shorter but non-empty payload is merged
		// instead of discarded, protecting against a partial final flush.
		switch {
		case payload == "":
		case len(payload) >= len(r.Content):
			r.Content = payload
		default:
			r.Content, r.LastBlockStart = mergeAssistantDelta(r.Content, payload, r.LastBlockStart)
		}
		e.finishRunLocked(r, now)

	case TurnStateAborted:
		r := e.runs.Get(runID)
		if r == nil || r.Status.IsTerminal() {
			return
		}
		r.settled = true
		e.runs.Advance(r, RunStatusAborted)
		e.publish(Update{Kind: UpdateKindRunState, SessionKey: e.sessionKey, RunID: runID})
		e.scheduleCleanupLocked(runID, e.cleanupGrace)
		e.sched.Post(e.drainQueue)

	case TurnStateError:
		r := e.ensureRunLocked(runID, now)
		if r == nil || r.Status.IsTerminal() {
			return
		}
		e.failRunLocked(r, ev.ErrorText)
	}
}

func (e *Engine) applyAgentEvent(ev AgentEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	runID := strings.TrimSpace(ev.RunID)
	if runID == "" {
		return
	}
	sessionKey := strings.TrimSpace(ev.SessionKey)
	if sessionKey != "" && sessionKey != e.sessionKey {
		e.log.Debug("dropping event for inactive session", "session_key", sessionKey, "run_id", runID)
		return
	}
	now := ev.AtUnixMs
	if now <= 0 {
		now = nowUnixMs()
	}

	// Compaction is handled before the suppression filter: its own stream is
	// the only handler allowed to touch compaction runs.
	if ev.Stream == StreamKindCompaction {
		e.applyCompactionLocked(ev, runID, now)
		return
	}
	if _, ok := e.compactionRuns[runID]; ok {
		// Suppressed, but a lifecycle end or error for the compaction run is
		// still the recovery signal when the compaction stream's own end was
		// lost: clear the stuck flag before dropping the event.
		if ev.Stream == StreamKindLifecycle && (ev.Phase == PhaseEnd || ev.Phase == PhaseError) {
			e.clearCompactingLocked()
		}
		return
	}
	if e.runs.Removed(runID) {
		return
	}

	switch ev.Stream {
	case StreamKindLifecycle:
		e.applyLifecycleLocked(ev, runID, now)

	case StreamKindAssistant:
		r := e.ensureRunLocked(runID, now)
		if r == nil || r.Status.IsTerminal() {
			return
		}
		r.Content, r.LastBlockStart = mergeAssistantDelta(r.Content, ev.Text, r.LastBlockStart)
		if e.runs.Advance(r, RunStatusStreaming) {
			e.publish(Update{Kind: UpdateKindRunState, SessionKey: e.sessionKey, RunID: runID})
		}
		e.publish(Update{Kind: UpdateKindRunDelta, SessionKey: e.sessionKey, RunID: runID})

	case StreamKindTool:
		if ev.Tool == nil || strings.TrimSpace(ev.Tool.ID) == "" {
			return
		}
		tool := *ev.Tool
		switch ev.Phase {
		case PhaseStart:
			// Deferred by one scheduler tick so a text delta arriving for the
			// same instant is applied first; the content-length offset is
			// captured at insert time, after that delta landed.
			e.sched.Post(func() { e.applyToolStart(runID, tool) })
		case PhaseUpdate:
			r := e.ensureRunLocked(runID, now)
			if r == nil || r.Status.IsTerminal() {
				return
			}
			r.Tools.Update(tool.ID, tool.Result, len(r.Content), now)
		case PhaseResult:
			r := e.ensureRunLocked(runID, now)
			if r == nil || r.Status.IsTerminal() {
				return
			}
			r.Tools.Complete(tool.ID, tool.Result, tool.IsError, len(r.Content), now)
			// A completed tool call ends the current text block; the next
			// assistant snapshot starts from empty.
			r.LastBlockStart = len(r.Content)
			e.publish(Update{Kind: UpdateKindRunState, SessionKey: e.sessionKey, RunID: runID})
		}
	}
}

func (e *Engine) applyToolStart(runID string, tool ToolCallUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dropLocked("", runID) {
		return
	}
	now := nowUnixMs()
	r := e.ensureRunLocked(runID, now)
	if r == nil || r.Status.IsTerminal() {
		return
	}
	if !r.Tools.Start(tool.ID, tool.Name, tool.Args, len(r.Content), now) {
		return
	}
	e.publish(Update{Kind: UpdateKindRunState, SessionKey: e.sessionKey, RunID: runID})
}

func (e *Engine) applyLifecycleLocked(ev AgentEvent, runID string, now int64) {
	switch ev.Phase {
	case PhaseStart:
		// Defensive run creation: a reconnect or a missed earlier event must
		// not prevent later events from having somewhere to land.
		if r := e.ensureRunLocked(runID, now); r != nil {
			e.publish(Update{Kind: UpdateKindRunState, SessionKey: e.sessionKey, RunID: runID})
		}

	case PhaseEnd:
		// A lifecycle end also clears a stuck compacting flag in case the
		// compaction stream's own end event was lost.
		e.clearCompactingLocked()
		r := e.runs.Get(runID)
		if r == nil || r.Status.IsTerminal() {
			return
		}
		// Safety net for turns that never receive a turn-result final (for
		// example heartbeat turns suppressed upstream): promote whatever
		// exists, then refresh from durable history so server-injected
		// messages are still reflected.
		e.finishRunLocked(r, now)
		e.scheduleHistoryReloadLocked()

	case PhaseError:
		r := e.ensureRunLocked(runID, now)
		if r == nil || r.Status.IsTerminal() {
			return
		}
		e.failRunLocked(r, ev.ErrorText)
	}
}

func (e *Engine) applyCompactionLocked(ev AgentEvent, runID string, now int64) {
	switch ev.Phase {
	case PhaseStart:
		e.compactionRuns[runID] = now
		e.pruneCompactionRunsLocked(now)
		// A racing lifecycle start may already have created a ghost run for
		// the compaction id; compaction produces no user-visible message.
		if r := e.runs.Get(runID); r != nil {
			e.runs.Remove(runID, now)
		}
		if !e.compacting {
			e.compacting = true
			e.publish(Update{Kind: UpdateKindCompaction, SessionKey: e.sessionKey})
		}
	case PhaseEnd:
		e.compactionMarker = len(e.messages)
		if e.compacting {
			e.compacting = false
		}
		e.publish(Update{Kind: UpdateKindCompaction, SessionKey: e.sessionKey})
	}
}

func (e *Engine) clearCompactingLocked() {
	if !e.compacting {
		return
	}
	e.compacting = false
	e.publish(Update{Kind: UpdateKindCompaction, SessionKey: e.sessionKey})
}

func (e *Engine) pruneCompactionRunsLocked(now int64) {
	for id, at := range e.compactionRuns {
		if now-at > tombstoneTTLMs {
			delete(e.compactionRuns, id)
		}
	}
}

func (e *Engine) ensureRunLocked(runID string, now int64) *Run {
	r, created := e.runs.GetOrCreate(runID, e.sessionKey, now)
	if created {
		e.log.Debug("run created", "run_id", runID, "session_key", e.sessionKey)
	}
	return r
}

// finishRunLocked completes the run and promotes its content into the
// transcript, at most once per run. No-reply sentinel content and fully
// empty turns complete silently with no message.
func (e *Engine) finishRunLocked(r *Run, now int64) {
	if r == nil || r.settled {
		return
	}
	if !e.runs.Advance(r, RunStatusComplete) {
		return
	}
	r.settled = true

	empty := strings.TrimSpace(r.Content) == "" && r.Tools.Len() == 0
	if !empty && !isNoReplyText(r.Content) {
		id, err := NewMessageID("a")
		if err != nil {
			e.log.Warn("failed to allocate message id", "run_id", r.ID, "error", err)
			id = "a_" + r.ID
		}
		m := Message{
			ID:              id,
			Role:            RoleAssistant,
			Content:         r.Content,
			ToolCalls:       r.Tools.Snapshot(true),
			TimestampUnixMs: now,
		}
		r.Message = &m
		e.messages = append(e.messages, m)
		e.cacheAppend(e.sessionKey, m)
		e.publish(Update{Kind: UpdateKindTranscript, SessionKey: e.sessionKey, RunID: r.ID})
	}

	e.publish(Update{Kind: UpdateKindRunState, SessionKey: e.sessionKey, RunID: r.ID})
	e.scheduleCleanupLocked(r.ID, e.cleanupGrace)
	e.sched.Post(e.drainQueue)
}

func (e *Engine) failRunLocked(r *Run, errorText string) {
	errorText = strings.TrimSpace(errorText)
	if errorText == "" {
		errorText = "run failed"
	}
	r.Error = errorText
	r.settled = true
	e.runs.Advance(r, RunStatusError)
	e.setLastErrorLocked(errorText)
	e.publish(Update{Kind: UpdateKindRunState, SessionKey: e.sessionKey, RunID: r.ID})
	e.publish(Update{Kind: UpdateKindError, SessionKey: e.sessionKey, RunID: r.ID})
	e.scheduleCleanupLocked(r.ID, e.errorGrace)
	e.sched.Post(e.drainQueue)
}

func (e *Engine) scheduleCleanupLocked(runID string, grace time.Duration) {
	e.sched.After(grace, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		r := e.runs.Get(runID)
		if r == nil || !r.Status.IsTerminal() {
			return
		}
		e.runs.Remove(runID, nowUnixMs())
	})
}

func (e *Engine) scheduleHistoryReloadLocked() {
	e.sched.After(e.reloadDelay, func() {
		go e.reloadHistory()
	})
}
