package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/floegence/redeven-console/internal/chat"
	"github.com/floegence/redeven-console/internal/monitor"
	"github.com/floegence/redeven-console/internal/transcript"
)

type replOptions struct {
	Log     *slog.Logger
	Engine  *chat.Engine
	Cache   *transcript.Store
	Status  *monitor.Service
	Session string
	Version string
}

// repl is the interactive front of the console. It owns stdout: the
// transcript and streaming deltas are printed here and nowhere else.
type repl struct {
	log     *slog.Logger
	engine  *chat.Engine
	cache   *transcript.Store
	status  *monitor.Service
	session string
	version string

	interactive bool

	// Rendering state, owned by the update loop goroutine.
	renderedIDs []string
	streamRunID string
	streamLen   int
}

func newRepl(opts replOptions) *repl {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &repl{
		log:         log,
		engine:      opts.Engine,
		cache:       opts.Cache,
		status:      opts.Status,
		session:     opts.Session,
		version:     opts.Version,
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
	}
}

func (r *repl) Run(ctx context.Context) error {
	if r.interactive {
		fmt.Printf("redeven-console %s  session=%s  (/help for commands)\n", r.version, r.session)
	}

	r.printCachedTranscript(ctx)

	updates, cancel := r.engine.Updates()
	defer cancel()
	go r.updateLoop(ctx, updates)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	r.prompt()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			// stdin closed: in pipe mode wait briefly for in-flight runs so
			// piped usage sees the reply before exit.
			if !r.interactive {
				r.awaitIdle(ctx, 30*time.Second)
			}
			return err
		case line := <-lines:
			if quit := r.handleLine(ctx, line); quit {
				return nil
			}
			r.prompt()
		}
	}
}

func (r *repl) prompt() {
	if r.interactive {
		fmt.Print("> ")
	}
}

// handleLine dispatches one input line. Returns true when the console should
// exit.
func (r *repl) handleLine(ctx context.Context, line string) bool {
	text := strings.TrimSpace(line)
	if text == "" {
		return false
	}

	cmd := text
	arg := ""
	if i := strings.IndexByte(text, ' '); i >= 0 {
		cmd, arg = text[:i], strings.TrimSpace(text[i+1:])
	}

	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		r.printHelp()
		return false
	case "/abort":
		if id := r.engine.ActiveRunID(); id != "" {
			r.engine.AbortRun(id)
			fmt.Printf("abort requested for %s\n", id)
		} else {
			fmt.Println("no active run")
		}
		return false
	case "/status":
		r.printStatus(ctx)
		return false
	case "/history":
		r.reloadHistory(ctx)
		return false
	case "/retry":
		if arg == "" {
			fmt.Println("usage: /retry <message-id>")
			return false
		}
		if err := r.engine.RetryMessage(arg); err != nil {
			fmt.Printf("retry failed: %v\n", err)
		}
		return false
	case "/session":
		if arg == "" {
			fmt.Printf("session=%s\n", r.engine.SessionKey())
			return false
		}
		r.switchSession(arg)
		return false
	}

	// Everything else, reset commands included, goes through the engine.
	if _, err := r.engine.SendMessage("", text, nil); err != nil {
		if errors.Is(err, chat.ErrEmptyText) {
			return false
		}
		fmt.Printf("send failed: %v\n", err)
	}
	return false
}

func (r *repl) printHelp() {
	fmt.Print(`Commands:
  /status          Show connection and local process diagnostics.
  /history         Re-fetch durable history from the agent.
  /abort           Abort the active run.
  /retry <id>      Retransmit a failed message.
  /session [key]   Show or switch the active session.
  /new             Reset the conversation (also /reset, /clear).
  /quit            Exit.
`)
}

func (r *repl) printStatus(ctx context.Context) {
	connected := r.engine.Connected()
	fmt.Printf("connected=%v session=%s streaming=%v queued=%d",
		connected, r.engine.SessionKey(), r.engine.Streaming(), len(r.engine.QueuedSends()))
	if id := r.engine.ActiveRunID(); id != "" {
		fmt.Printf(" run=%s", id)
	}
	if e := r.engine.LastError(); e != "" {
		fmt.Printf(" last_error=%q", e)
	}
	fmt.Println()

	if r.status != nil {
		snap := r.status.Snapshot(ctx)
		b, err := json.MarshalIndent(snap, "", "  ")
		if err == nil {
			fmt.Println(string(b))
		}
	}
}

func (r *repl) reloadHistory(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := r.engine.LoadHistory(fetchCtx, 0); err != nil {
		fmt.Printf("history reload failed: %v\n", err)
	}
}

func (r *repl) switchSession(key string) {
	r.engine.SetActiveSession(key)
	r.session = r.engine.SessionKey()
	fmt.Printf("session=%s\n", r.session)
}

// awaitIdle blocks until no run is active and the queue is empty, or the
// deadline passes.
func (r *repl) awaitIdle(ctx context.Context, max time.Duration) {
	deadline := time.Now().Add(max)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return
		}
		if !r.engine.Streaming() && len(r.engine.QueuedSends()) == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (r *repl) printCachedTranscript(ctx context.Context) {
	if r.cache == nil {
		return
	}
	msgs, err := r.cache.ListMessages(ctx, r.session, 0)
	if err != nil {
		r.log.Warn("transcript cache read failed", "error", err)
		return
	}
	for _, m := range msgs {
		r.printMessage(m)
	}
	r.renderedIDs = messageIDs(msgs)
}

func (r *repl) updateLoop(ctx context.Context, updates <-chan chat.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			r.render(u)
		}
	}
}

func (r *repl) render(u chat.Update) {
	switch u.Kind {
	case chat.UpdateKindTranscript:
		r.renderTranscript()
	case chat.UpdateKindRunDelta:
		r.renderDelta()
	case chat.UpdateKindConnection:
		r.endStream()
		if r.engine.Connected() {
			fmt.Println("[connected]")
		} else {
			fmt.Println("[disconnected]")
		}
		r.prompt()
	case chat.UpdateKindError:
		r.endStream()
		if e := r.engine.LastError(); e != "" {
			fmt.Printf("[error] %s\n", e)
			r.prompt()
		}
	case chat.UpdateKindCompaction:
		if r.engine.Compacting() {
			fmt.Println("[compacting conversation...]")
			r.prompt()
		}
	}
}

// renderTranscript prints messages not yet shown. When the message list was
// replaced wholesale (history reload, session reset) the whole transcript is
// reprinted behind a separator.
func (r *repl) renderTranscript() {
	r.endStream()
	msgs := r.engine.Messages()
	ids := messageIDs(msgs)

	start := 0
	if isPrefix(r.renderedIDs, ids) {
		start = len(r.renderedIDs)
	} else if len(r.renderedIDs) > 0 || len(msgs) > 0 {
		fmt.Println("--- transcript ---")
	}
	for _, m := range msgs[start:] {
		r.printMessage(m)
	}
	r.renderedIDs = ids
	if start < len(msgs) {
		r.prompt()
	}
}

// renderDelta streams assistant text for the active run incrementally. Only
// the still-unprinted suffix is written; content resets (history rewrites)
// restart the line.
func (r *repl) renderDelta() {
	run, ok := r.engine.ActiveRun()
	if !ok {
		return
	}
	if run.ID != r.streamRunID {
		r.endStream()
		r.streamRunID = run.ID
		r.streamLen = 0
		fmt.Print("agent> ")
	}
	if r.streamLen > len(run.Content) {
		// The accumulated text shrank. Start the stream over.
		fmt.Println()
		fmt.Print("agent> ")
		r.streamLen = 0
	}
	fmt.Print(run.Content[r.streamLen:])
	r.streamLen = len(run.Content)
}

func (r *repl) endStream() {
	if r.streamRunID == "" {
		return
	}
	if r.streamLen > 0 {
		fmt.Println()
	}
	r.streamRunID = ""
	r.streamLen = 0
}

func (r *repl) printMessage(m chat.Message) {
	label := m.Role
	switch m.Role {
	case chat.RoleUser:
		label = "you"
	case chat.RoleAssistant:
		label = "agent"
	}
	fmt.Printf("%s> %s", label, m.Content)
	if m.SendState == chat.SendStateFailed {
		fmt.Printf("  [send failed: %s; /retry %s]", m.ErrorText, m.ID)
	}
	fmt.Println()
	for _, tc := range m.ToolCalls {
		fmt.Printf("  [tool %s: %s]", tc.Name, tc.Status)
		if tc.Result != "" {
			fmt.Printf(" %s", truncate(tc.Result, 200))
		}
		fmt.Println()
	}
}

func messageIDs(msgs []chat.Message) []string {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}

func isPrefix(prefix []string, full []string) bool {
	if len(prefix) > len(full) {
		return false
	}
	for i, id := range prefix {
		if full[i] != id {
			return false
		}
	}
	return true
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
