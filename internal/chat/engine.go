package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	ErrDisconnected        = errors.New("transport disconnected")
	ErrEmptyText           = errors.New("empty message text")
	ErrMessageNotFound     = errors.New("message not found")
	ErrMessageNotRetryable = errors.New("message not retryable")
)

const (
	// Terminal runs stay in the registry for a grace window to absorb late
	// duplicate events; errors are kept longer so the UI can show them.
	defaultCleanupGrace      = 2 * time.Second
	defaultErrorCleanupGrace = 15 * time.Second

	// Delay before re-fetching history after a heartbeat promotion or a
	// session reset, giving the upstream time to commit session state.
	defaultHistoryReloadDelay = 1 * time.Second

	defaultSendTimeout  = 15 * time.Second
	defaultCacheTimeout = 3 * time.Second
	defaultHistoryLimit = 200
)

// No-reply sentinels: recognized content patterns indicating the agent
// intentionally produced no visible response. Such turns complete
// successfully with no transcript message.
const (
	noReplySentinel   = "NO_REPLY"
	heartbeatSentinel = "HEARTBEAT_OK"
)

func isNoReplyText(s string) bool {
	t := strings.TrimSpace(s)
	return t == noReplySentinel || t == heartbeatSentinel
}

// SendTurnRequest asks the upstream agent to start a turn. The idempotency
// key is reused verbatim on retry so the upstream can deduplicate.
type SendTurnRequest struct {
	SessionKey     string
	Text           string
	IdempotencyKey string
}

type SendTurnResponse struct {
	RunID string
}

// Conn is the transport collaborator as seen by the engine. Implementations
// must be safe for concurrent use. Connection state flows the other way,
// through SetConnected.
type Conn interface {
	SendTurn(ctx context.Context, req SendTurnRequest) (SendTurnResponse, error)
	AbortRun(ctx context.Context, sessionKey string, runID string) error
	ListHistory(ctx context.Context, sessionKey string, limit int) ([]HistoryEntry, error)
}

// TranscriptCache is an optional local cache of the server-authoritative
// transcript. Engine writes are best-effort: a cache failure never fails a
// run or a send.
type TranscriptCache interface {
	Append(ctx context.Context, sessionKey string, m Message) error
	Replace(ctx context.Context, sessionKey string, msgs []Message) error
	Clear(ctx context.Context, sessionKey string) error
}

type Options struct {
	Log  *slog.Logger
	Conn Conn

	// Scheduler overrides the production loop scheduler; replay and tests
	// inject a StepScheduler here.
	Scheduler Scheduler
	Cache     TranscriptCache

	SessionKey   string
	HistoryLimit int

	CleanupGrace       time.Duration
	ErrorCleanupGrace  time.Duration
	HistoryReloadDelay time.Duration
	SendTimeout        time.Duration
}

// Engine owns the whole reconciliation state: the run registry, the durable
// message list for the active session, the outbound queue, and the
// compaction marker. It exposes read-only snapshots plus a small set of
// imperative operations; every mutation runs as a scheduler task.
type Engine struct {
	log   *slog.Logger
	conn  Conn
	sched Scheduler
	cache TranscriptCache

	ownSched *loopScheduler

	cleanupGrace time.Duration
	errorGrace   time.Duration
	reloadDelay  time.Duration
	sendTimeout  time.Duration
	historyLimit int

	baseCtx context.Context
	stop    context.CancelFunc

	mu               sync.Mutex
	sessionKey       string
	connected        bool
	messages         []Message
	runs             *runRegistry
	queue            []QueuedSend
	// transmitting marks a SendTurn call in flight. The run holding the send
	// gate only exists once the response arrives, so the gate has to close
	// for the whole call.
	transmitting     bool
	compacting       bool
	compactionMarker int
	compactionRuns   map[string]int64
	lastError        string

	notify *notifier
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Conn == nil {
		return nil, errors.New("missing conn")
	}
	sessionKey := strings.TrimSpace(opts.SessionKey)
	if sessionKey == "" {
		return nil, errors.New("missing session_key")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	e := &Engine{
		log:              log,
		conn:             opts.Conn,
		cache:            opts.Cache,
		cleanupGrace:     opts.CleanupGrace,
		errorGrace:       opts.ErrorCleanupGrace,
		reloadDelay:      opts.HistoryReloadDelay,
		sendTimeout:      opts.SendTimeout,
		historyLimit:     opts.HistoryLimit,
		sessionKey:       sessionKey,
		runs:             newRunRegistry(),
		compactionMarker: -1,
		compactionRuns:   make(map[string]int64),
		notify:           newNotifier(),
	}
	if e.cleanupGrace <= 0 {
		e.cleanupGrace = defaultCleanupGrace
	}
	if e.errorGrace <= 0 {
		e.errorGrace = defaultErrorCleanupGrace
	}
	if e.reloadDelay <= 0 {
		e.reloadDelay = defaultHistoryReloadDelay
	}
	if e.sendTimeout <= 0 {
		e.sendTimeout = defaultSendTimeout
	}
	if e.historyLimit <= 0 {
		e.historyLimit = defaultHistoryLimit
	}

	e.sched = opts.Scheduler
	if e.sched == nil {
		own := NewLoopScheduler()
		e.sched = own
		e.ownSched = own
	}
	e.baseCtx, e.stop = context.WithCancel(context.Background())
	return e, nil
}

func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.stop()
	if e.ownSched != nil {
		e.ownSched.Close()
	}
	e.notify.Close()
}

// Updates returns a subscription to state-change notifications. Delta
// repaints may be dropped under load; state changes are always delivered.
func (e *Engine) Updates() (<-chan Update, func()) {
	if e == nil {
		ch := make(chan Update)
		close(ch)
		return ch, func() {}
	}
	return e.notify.Subscribe()
}

// --- snapshot accessors (safe from any goroutine) ---

func (e *Engine) Messages() []Message {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Message, len(e.messages))
	copy(out, e.messages)
	return out
}

// Streaming reports whether any run is pending or streaming. This is the
// global send gate: the upstream agent is single-turn.
func (e *Engine) Streaming() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs.AnyActive()
}

func (e *Engine) ActiveRunID() string {
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs.ActiveRunID()
}

// ActiveRun returns a copy of the active run's display state, if any.
func (e *Engine) ActiveRun() (Run, bool) {
	if e == nil {
		return Run{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.runs.Get(e.runs.ActiveRunID())
	if r == nil {
		return Run{}, false
	}
	cp := *r
	cp.Tools = nil
	return cp, true
}

func (e *Engine) QueuedSends() []QueuedSend {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]QueuedSend, len(e.queue))
	copy(out, e.queue)
	return out
}

func (e *Engine) Connected() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *Engine) Compacting() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compacting
}

// CompactionMarkerIndex returns the transcript index at which a "compaction
// occurred" marker should render, or -1 if none.
func (e *Engine) CompactionMarkerIndex() int {
	if e == nil {
		return -1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compactionMarker
}

func (e *Engine) LastError() string {
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastError
}

func (e *Engine) SessionKey() string {
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionKey
}

// --- connection state ---

// SetConnected is called by the transport on connect and disconnect. A fresh
// connection seeds the transcript from durable history and drains any sends
// queued while offline.
func (e *Engine) SetConnected(connected bool) {
	if e == nil {
		return
	}
	e.sched.Post(func() {
		e.mu.Lock()
		changed := e.connected != connected
		e.connected = connected
		sessionKey := e.sessionKey
		e.mu.Unlock()
		if !changed {
			return
		}
		e.publish(Update{Kind: UpdateKindConnection, SessionKey: sessionKey})
		if connected {
			go e.reloadHistory()
			e.sched.Post(e.drainQueue)
		}
	})
}

// SetActiveSession switches the engine to a different conversation. Local
// state for the previous session is discarded; the new transcript is seeded
// from durable history.
func (e *Engine) SetActiveSession(sessionKey string) {
	sessionKey = strings.TrimSpace(sessionKey)
	if e == nil || sessionKey == "" {
		return
	}
	e.sched.Post(func() {
		e.mu.Lock()
		if e.sessionKey == sessionKey {
			e.mu.Unlock()
			return
		}
		e.sessionKey = sessionKey
		e.messages = nil
		e.queue = nil
		e.compacting = false
		e.compactionMarker = -1
		e.lastError = ""
		connected := e.connected
		e.mu.Unlock()
		e.publish(Update{Kind: UpdateKindTranscript, SessionKey: sessionKey})
		if connected {
			go e.reloadHistory()
		}
	})
}

// AbortRun asks the upstream to abort a run. The state change itself arrives
// as an aborted event; aborting is not a local cancellation token.
func (e *Engine) AbortRun(runID string) {
	runID = strings.TrimSpace(runID)
	if e == nil || runID == "" {
		return
	}
	e.mu.Lock()
	sessionKey := e.sessionKey
	e.mu.Unlock()
	go func() {
		ctx, cancel := context.WithTimeout(e.baseCtx, e.sendTimeout)
		defer cancel()
		if err := e.conn.AbortRun(ctx, sessionKey, runID); err != nil {
			e.log.Warn("abort request failed", "run_id", runID, "error", err)
		}
	}()
}

// --- internal helpers ---

func (e *Engine) publish(u Update) {
	e.notify.Publish(u)
}

func nowUnixMs() int64 {
	return time.Now().UnixMilli()
}

func (e *Engine) setLastErrorLocked(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	e.lastError = msg
}

// cacheAppend persists a promoted message into the local cache,
// best-effort.
func (e *Engine) cacheAppend(sessionKey string, m Message) {
	if e.cache == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultCacheTimeout)
		defer cancel()
		if err := e.cache.Append(ctx, sessionKey, m); err != nil {
			e.log.Debug("transcript cache append failed", "session_key", sessionKey, "message_id", m.ID, "error", err)
		}
	}()
}

func (e *Engine) cacheReplace(sessionKey string, msgs []Message) {
	if e.cache == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultCacheTimeout)
		defer cancel()
		if err := e.cache.Replace(ctx, sessionKey, msgs); err != nil {
			e.log.Debug("transcript cache replace failed", "session_key", sessionKey, "error", err)
		}
	}()
}

func (e *Engine) cacheClear(sessionKey string) {
	if e.cache == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultCacheTimeout)
		defer cancel()
		if err := e.cache.Clear(ctx, sessionKey); err != nil {
			e.log.Debug("transcript cache clear failed", "session_key", sessionKey, "error", err)
		}
	}()
}
