package chat

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Session reset commands recognized by exact or prefix match. On a
// successful send the local transcript is cleared and history is reloaded
// after a short delay, giving the server time to provision the fresh
// session.
var resetCommands = []string{"/new", "/reset", "/clear"}

func isResetCommand(text string) bool {
	t := strings.TrimSpace(text)
	for _, c := range resetCommands {
		if t == c || strings.HasPrefix(t, c+" ") {
			return true
		}
	}
	return false
}

type SendOptions struct {
	// IdempotencyKey overrides the generated key; a retried send must reuse
	// the original key verbatim so the upstream can deduplicate.
	IdempotencyKey string
}

// SendMessage queues or transmits a user message and returns its idempotency
// key immediately. The message is queued instead of transmitted when the
// transport is disconnected, a previous send is still in flight, or any run
// is still streaming (the upstream agent does not support concurrent turns);
// queued sends are drained in enqueue order, one per run completion.
func (e *Engine) SendMessage(sessionKey string, text string, opts *SendOptions) (string, error) {
	if e == nil {
		return "", ErrDisconnected
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyText
	}
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		sessionKey = e.SessionKey()
	}

	key := ""
	if opts != nil {
		key = strings.TrimSpace(opts.IdempotencyKey)
	}
	if key == "" {
		key = uuid.NewString()
	}

	q := QueuedSend{
		IdempotencyKey:   key,
		SessionKey:       sessionKey,
		Text:             text,
		EnqueuedAtUnixMs: nowUnixMs(),
	}
	e.sched.Post(func() { e.enqueueOrTransmit(q) })
	return key, nil
}

// RetryMessage re-transmits a failed user message, reusing its idempotency
// key.
func (e *Engine) RetryMessage(messageID string) error {
	messageID = strings.TrimSpace(messageID)
	if e == nil || messageID == "" {
		return ErrMessageNotFound
	}
	e.mu.Lock()
	m := e.messageByIDLocked(messageID)
	if m == nil {
		e.mu.Unlock()
		return ErrMessageNotFound
	}
	if m.Role != RoleUser || m.SendState != SendStateFailed {
		e.mu.Unlock()
		return ErrMessageNotRetryable
	}
	q := QueuedSend{
		IdempotencyKey:   m.IdempotencyKey,
		SessionKey:       e.sessionKey,
		Text:             m.Content,
		MessageID:        messageID,
		EnqueuedAtUnixMs: nowUnixMs(),
	}
	e.mu.Unlock()

	e.sched.Post(func() { e.enqueueOrTransmit(q) })
	return nil
}

func (e *Engine) enqueueOrTransmit(q QueuedSend) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected || e.transmitting || e.runs.AnyActive() {
		e.queue = append(e.queue, q)
		e.publish(Update{Kind: UpdateKindQueue, SessionKey: q.SessionKey})
		return
	}
	e.beginTransmitLocked(q)
}

// drainQueue runs after every run completion and on reconnect: it picks the
// oldest queued send for the active session and transmits it. A failed
// transmission leaves the remaining entries for the next drain.
func (e *Engine) drainQueue() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected || e.transmitting || e.runs.AnyActive() || len(e.queue) == 0 {
		return
	}
	idx := -1
	for i, q := range e.queue {
		if q.SessionKey == e.sessionKey {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = 0
	}
	q := e.queue[idx]
	e.queue = append(e.queue[:idx], e.queue[idx+1:]...)
	e.publish(Update{Kind: UpdateKindQueue, SessionKey: q.SessionKey})
	e.beginTransmitLocked(q)
}

// beginTransmitLocked moves a queued send into transmission: the local user
// message appears (or flips back to sending) and the wire call happens off
// the scheduler loop.
func (e *Engine) beginTransmitLocked(q QueuedSend) {
	e.transmitting = true

	msgID := strings.TrimSpace(q.MessageID)
	if msgID == "" {
		id, err := NewMessageID("u")
		if err != nil {
			id = "u_" + q.IdempotencyKey
		}
		msgID = id
		e.messages = append(e.messages, Message{
			ID:              msgID,
			Role:            RoleUser,
			Content:         q.Text,
			SendState:       SendStateSending,
			IdempotencyKey:  q.IdempotencyKey,
			TimestampUnixMs: nowUnixMs(),
		})
	} else {
		e.setSendStateLocked(msgID, SendStateSending, "")
	}
	e.publish(Update{Kind: UpdateKindTranscript, SessionKey: q.SessionKey})

	go e.transmit(q, msgID)
}

func (e *Engine) transmit(q QueuedSend, msgID string) {
	ctx, cancel := context.WithTimeout(e.baseCtx, e.sendTimeout)
	defer cancel()
	resp, err := e.conn.SendTurn(ctx, SendTurnRequest{
		SessionKey:     q.SessionKey,
		Text:           q.Text,
		IdempotencyKey: q.IdempotencyKey,
	})
	e.sched.Post(func() { e.finishTransmit(q, msgID, resp, err) })
}

func (e *Engine) finishTransmit(q QueuedSend, msgID string, resp SendTurnResponse, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transmitting = false

	if err != nil {
		e.log.Warn("send failed", "session_key", q.SessionKey, "idempotency_key", q.IdempotencyKey, "error", err)
		e.setSendStateLocked(msgID, SendStateFailed, err.Error())
		e.setLastErrorLocked(err.Error())
		e.publish(Update{Kind: UpdateKindTranscript, SessionKey: q.SessionKey})
		e.publish(Update{Kind: UpdateKindError, SessionKey: q.SessionKey})
		return
	}

	e.setSendStateLocked(msgID, SendStateSent, "")
	if m := e.messageByIDLocked(msgID); m != nil {
		e.cacheAppend(q.SessionKey, *m)
	}
	if runID := strings.TrimSpace(resp.RunID); runID != "" {
		// Holding a pending run here keeps the send gate closed until the
		// run's own events arrive.
		e.ensureRunLocked(runID, nowUnixMs())
	}
	e.publish(Update{Kind: UpdateKindTranscript, SessionKey: q.SessionKey})

	if isResetCommand(q.Text) {
		e.messages = nil
		e.compacting = false
		e.compactionMarker = -1
		e.cacheClear(q.SessionKey)
		e.publish(Update{Kind: UpdateKindTranscript, SessionKey: q.SessionKey})
		e.scheduleHistoryReloadLocked()
	}
}

func (e *Engine) messageByIDLocked(messageID string) *Message {
	for i := range e.messages {
		if e.messages[i].ID == messageID {
			return &e.messages[i]
		}
	}
	return nil
}

func (e *Engine) setSendStateLocked(messageID string, state SendState, errorText string) {
	m := e.messageByIDLocked(messageID)
	if m == nil {
		return
	}
	m.SendState = state
	m.ErrorText = strings.TrimSpace(errorText)
}
