package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// stubConn is an in-memory transport for engine tests. Every SendTurn is
// recorded and signalled on the sent channel so tests can wait for the
// off-loop transmit goroutine before draining the scheduler.
type stubConn struct {
	mu      sync.Mutex
	sends   []SendTurnRequest
	aborts  []string
	sendErr error
	runSeq  int

	history    []HistoryEntry
	historyErr error

	// block, when set, parks SendTurn after the sent signal until the
	// channel is closed, modeling a slow upstream accept.
	block chan struct{}

	sent chan struct{}
}

func newStubConn() *stubConn {
	return &stubConn{sent: make(chan struct{}, 64)}
}

func (c *stubConn) SendTurn(ctx context.Context, req SendTurnRequest) (SendTurnResponse, error) {
	c.mu.Lock()
	c.sends = append(c.sends, req)
	err := c.sendErr
	c.runSeq++
	runID := fmt.Sprintf("run-%d", c.runSeq)
	block := c.block
	c.mu.Unlock()
	c.sent <- struct{}{}
	if block != nil {
		<-block
	}
	if err != nil {
		return SendTurnResponse{}, err
	}
	return SendTurnResponse{RunID: runID}, nil
}

func (c *stubConn) AbortRun(ctx context.Context, sessionKey string, runID string) error {
	c.mu.Lock()
	c.aborts = append(c.aborts, runID)
	c.mu.Unlock()
	return nil
}

func (c *stubConn) ListHistory(ctx context.Context, sessionKey string, limit int) ([]HistoryEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history, c.historyErr
}

func (c *stubConn) sendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

func (c *stubConn) sendAt(i int) SendTurnRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends[i]
}

func waitSent(t *testing.T, c *stubConn) {
	t.Helper()
	select {
	case <-c.sent:
	case <-time.After(2 * time.Second):
		t.Fatalf("transmit goroutine never reached the transport")
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine builds an engine on a StepScheduler, already connected, with
// the history reload delay pushed out so timer-driven cleanup tests do not
// trip a background history fetch.
func newTestEngine(t *testing.T) (*Engine, *StepScheduler, *stubConn) {
	t.Helper()
	sched := NewStepScheduler()
	conn := newStubConn()
	e, err := NewEngine(Options{
		Log:                discardLogger(),
		Conn:               conn,
		Scheduler:          sched,
		SessionKey:         "s1",
		HistoryReloadDelay: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(e.Close)
	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	return e, sched, conn
}

func assistantDelta(runID string, text string) AgentEvent {
	return AgentEvent{Stream: StreamKindAssistant, RunID: runID, Text: text}
}

func lifecycle(runID string, phase StreamPhase) AgentEvent {
	return AgentEvent{Stream: StreamKindLifecycle, Phase: phase, RunID: runID}
}

func toolEvent(runID string, phase StreamPhase, tool ToolCallUpdate) AgentEvent {
	return AgentEvent{Stream: StreamKindTool, Phase: phase, RunID: runID, Tool: &tool}
}

func TestEngineRequiresConnAndSession(t *testing.T) {
	t.Parallel()

	if _, err := NewEngine(Options{SessionKey: "s1"}); err == nil {
		t.Fatalf("NewEngine without conn must fail")
	}
	if _, err := NewEngine(Options{Conn: newStubConn()}); err == nil {
		t.Fatalf("NewEngine without session key must fail")
	}
}

func TestEngineSnapshotsAreCopies(t *testing.T) {
	t.Parallel()

	e, sched, _ := newTestEngine(t)
	e.HandleAgentEvent(lifecycle("r1", PhaseStart))
	e.HandleAgentEvent(assistantDelta("r1", "Hi"))
	e.HandleTurnEvent(TurnEvent{State: TurnStateFinal, RunID: "r1", Message: &TurnMessage{Text: "Hi"}})
	sched.Drain()

	msgs := e.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages len got=%d want=1", len(msgs))
	}
	msgs[0].Content = "mutated"
	if got := e.Messages()[0].Content; got != "Hi" {
		t.Fatalf("snapshot mutation leaked into engine state: got=%q", got)
	}
}

func TestEngineAbortRunForwardsToTransport(t *testing.T) {
	t.Parallel()

	e, sched, conn := newTestEngine(t)
	e.HandleAgentEvent(lifecycle("r1", PhaseStart))
	sched.Drain()

	e.AbortRun("r1")
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn.mu.Lock()
		n := len(conn.aborts)
		conn.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("abort request never reached the transport")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// The run stays active until the aborted event arrives.
	if !e.Streaming() {
		t.Fatalf("abort request alone must not terminate the run")
	}
	e.HandleTurnEvent(TurnEvent{State: TurnStateAborted, RunID: "r1"})
	sched.Drain()
	if e.Streaming() {
		t.Fatalf("aborted event must terminate the run")
	}
}
