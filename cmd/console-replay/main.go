// console-replay feeds a recorded event scenario through the chat engine on
// a deterministic scheduler and reports what the transcript ended up as.
// Used to reproduce ordering bugs from the field without a live channel.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/floegence/redeven-console/internal/chat"
)

type scenario struct {
	SessionKey string `yaml:"session_key"`
	Steps      []step `yaml:"steps"`

	// Settle advances virtual time once at the end so grace-window cleanups
	// run. Duration string, defaults to "30s".
	Settle string `yaml:"settle"`
}

// step is one scenario entry. Exactly one field should be set.
type step struct {
	Send    string     `yaml:"send,omitempty"`
	Turn    *turnStep  `yaml:"turn,omitempty"`
	Agent   *agentStep `yaml:"agent,omitempty"`
	Advance string     `yaml:"advance,omitempty"`
	Abort   string     `yaml:"abort,omitempty"`
}

type turnStep struct {
	State      string    `yaml:"state"`
	RunID      string    `yaml:"run_id"`
	SessionKey string    `yaml:"session_key,omitempty"`
	Text       string    `yaml:"text,omitempty"`
	ToolCalls  []toolRef `yaml:"tool_calls,omitempty"`
	Error      string    `yaml:"error,omitempty"`
	AtUnixMs   int64     `yaml:"at_unix_ms,omitempty"`
}

type agentStep struct {
	Stream     string   `yaml:"stream"`
	Phase      string   `yaml:"phase"`
	RunID      string   `yaml:"run_id"`
	SessionKey string   `yaml:"session_key,omitempty"`
	Text       string   `yaml:"text,omitempty"`
	Tool       *toolRef `yaml:"tool,omitempty"`
	Error      string   `yaml:"error,omitempty"`
	AtUnixMs   int64    `yaml:"at_unix_ms,omitempty"`
}

type toolRef struct {
	ID      string         `yaml:"id"`
	Name    string         `yaml:"name,omitempty"`
	Args    map[string]any `yaml:"args,omitempty"`
	Status  string         `yaml:"status,omitempty"`
	Result  string         `yaml:"result,omitempty"`
	IsError bool           `yaml:"is_error,omitempty"`
}

type replayReport struct {
	Status         string         `json:"status"`
	Reasons        []string       `json:"reasons,omitempty"`
	Messages       []chat.Message `json:"messages"`
	AssistantChars int            `json:"assistant_chars"`
	ToolCalls      int            `json:"tool_calls"`
	QueuedSends    int            `json:"queued_sends"`
	LastError      string         `json:"last_error,omitempty"`
}

func main() {
	scenarioPath := flag.String("scenario", "", "scenario yaml path")
	expect := flag.String("expect", "", "optional expectation: pass|fail")
	flag.Parse()

	if strings.TrimSpace(*scenarioPath) == "" {
		fatalf("--scenario is required")
	}

	report, err := runReplay(strings.TrimSpace(*scenarioPath))
	if err != nil {
		fatalf("replay failed: %v", err)
	}

	b, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(b))

	expected := strings.TrimSpace(strings.ToLower(*expect))
	if expected == "" {
		if report.Status != "pass" {
			os.Exit(2)
		}
		return
	}
	if expected != "pass" && expected != "fail" {
		fatalf("invalid --expect: %s", expected)
	}
	if report.Status != expected {
		os.Exit(3)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func runReplay(path string) (replayReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return replayReport{}, err
	}
	var sc scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return replayReport{}, fmt.Errorf("parse scenario: %w", err)
	}
	sessionKey := strings.TrimSpace(sc.SessionKey)
	if sessionKey == "" {
		sessionKey = "default"
	}
	settle := 30 * time.Second
	if s := strings.TrimSpace(sc.Settle); s != "" {
		settle, err = time.ParseDuration(s)
		if err != nil {
			return replayReport{}, fmt.Errorf("parse settle: %w", err)
		}
	}

	sched := chat.NewStepScheduler()
	conn := &replayConn{}
	engine, err := chat.NewEngine(chat.Options{
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Conn:       conn,
		Scheduler:  sched,
		SessionKey: sessionKey,
		// History fetches never fire during a replay window.
		HistoryReloadDelay: 24 * time.Hour,
	})
	if err != nil {
		return replayReport{}, err
	}
	defer engine.Close()
	engine.SetConnected(true)
	sched.Drain()

	for i, st := range sc.Steps {
		if err := applyStep(engine, sched, sessionKey, i, st); err != nil {
			return replayReport{}, err
		}
		sched.Drain()
	}
	sched.Advance(settle)

	return buildReport(engine), nil
}

func applyStep(engine *chat.Engine, sched *chat.StepScheduler, sessionKey string, idx int, st step) error {
	set := 0
	if strings.TrimSpace(st.Send) != "" {
		set++
	}
	if st.Turn != nil {
		set++
	}
	if st.Agent != nil {
		set++
	}
	if strings.TrimSpace(st.Advance) != "" {
		set++
	}
	if strings.TrimSpace(st.Abort) != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("step %d: exactly one of send/turn/agent/advance/abort must be set", idx)
	}

	switch {
	case strings.TrimSpace(st.Send) != "":
		if _, err := engine.SendMessage(sessionKey, st.Send, nil); err != nil {
			return fmt.Errorf("step %d: send: %w", idx, err)
		}
		// Transmission crosses a goroutine even on the step scheduler. Wait
		// until the send either held the gate or landed in the queue.
		deadline := time.Now().Add(2 * time.Second)
		for {
			sched.Drain()
			if engine.ActiveRunID() != "" || len(engine.QueuedSends()) > 0 {
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("step %d: send did not settle", idx)
			}
			time.Sleep(2 * time.Millisecond)
		}
	case st.Turn != nil:
		ev := chat.TurnEvent{
			State:      chat.TurnState(strings.TrimSpace(strings.ToLower(st.Turn.State))),
			RunID:      st.Turn.RunID,
			SessionKey: st.Turn.SessionKey,
			ErrorText:  st.Turn.Error,
			AtUnixMs:   st.Turn.AtUnixMs,
		}
		if st.Turn.Text != "" || len(st.Turn.ToolCalls) > 0 {
			msg := &chat.TurnMessage{Text: st.Turn.Text}
			for _, tc := range st.Turn.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, toolUpdate(tc))
			}
			ev.Message = msg
		}
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("step %d: turn: %w", idx, err)
		}
		engine.HandleTurnEvent(ev)
	case st.Agent != nil:
		ev := chat.AgentEvent{
			Stream:     chat.StreamKind(strings.TrimSpace(strings.ToLower(st.Agent.Stream))),
			Phase:      chat.StreamPhase(strings.TrimSpace(strings.ToLower(st.Agent.Phase))),
			RunID:      st.Agent.RunID,
			SessionKey: st.Agent.SessionKey,
			Text:       st.Agent.Text,
			ErrorText:  st.Agent.Error,
			AtUnixMs:   st.Agent.AtUnixMs,
		}
		if st.Agent.Tool != nil {
			tu := toolUpdate(*st.Agent.Tool)
			ev.Tool = &tu
		}
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("step %d: agent: %w", idx, err)
		}
		engine.HandleAgentEvent(ev)
	case strings.TrimSpace(st.Advance) != "":
		d, err := time.ParseDuration(strings.TrimSpace(st.Advance))
		if err != nil {
			return fmt.Errorf("step %d: advance: %w", idx, err)
		}
		sched.Advance(d)
	case strings.TrimSpace(st.Abort) != "":
		engine.AbortRun(strings.TrimSpace(st.Abort))
	}
	return nil
}

func toolUpdate(tc toolRef) chat.ToolCallUpdate {
	return chat.ToolCallUpdate{
		ID:      tc.ID,
		Name:    tc.Name,
		Args:    tc.Args,
		Status:  tc.Status,
		Result:  tc.Result,
		IsError: tc.IsError,
	}
}

func buildReport(engine *chat.Engine) replayReport {
	report := replayReport{
		Messages:    engine.Messages(),
		QueuedSends: len(engine.QueuedSends()),
		LastError:   engine.LastError(),
	}
	for _, m := range report.Messages {
		if m.Role == chat.RoleAssistant {
			report.AssistantChars += len(m.Content)
		}
		report.ToolCalls += len(m.ToolCalls)
	}

	var reasons []string
	if len(report.Messages) == 0 {
		reasons = append(reasons, "empty_transcript")
	}
	if report.AssistantChars == 0 {
		reasons = append(reasons, "no_assistant_text")
	}
	if report.LastError != "" {
		reasons = append(reasons, "run_error")
	}
	if engine.Streaming() {
		reasons = append(reasons, "run_still_active")
	}

	if len(reasons) == 0 {
		report.Status = "pass"
	} else {
		report.Status = "fail"
		report.Reasons = reasons
	}
	return report
}

// replayConn satisfies the engine's transport dependency. Sends succeed
// immediately with synthetic run ids; the scenario drives everything else.
type replayConn struct {
	sends int
}

func (c *replayConn) SendTurn(ctx context.Context, req chat.SendTurnRequest) (chat.SendTurnResponse, error) {
	c.sends++
	return chat.SendTurnResponse{RunID: fmt.Sprintf("replay-run-%d", c.sends)}, nil
}

func (c *replayConn) AbortRun(ctx context.Context, sessionKey string, runID string) error {
	return nil
}

// ListHistory blocks until the engine shuts down. The scenario owns the
// transcript; a background history install landing mid-replay would make
// runs nondeterministic.
func (c *replayConn) ListHistory(ctx context.Context, sessionKey string, limit int) ([]chat.HistoryEntry, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
