package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	fsclient "github.com/floegence/flowersec/flowersec-go/client"
	directv1 "github.com/floegence/flowersec/flowersec-go/gen/flowersec/direct/v1"
	"github.com/floegence/flowersec/flowersec-go/origin"
	"github.com/floegence/flowersec/flowersec-go/rpc"
	rpctyped "github.com/floegence/flowersec/flowersec-go/rpc/typed"

	"github.com/floegence/redeven-console/internal/chat"
)

var ErrNotConnected = errors.New("not connected")

const (
	keepaliveInterval = 15 * time.Second
	pingInterval      = 10 * time.Second
	callTimeout       = 30 * time.Second
)

// EventSink receives decoded events and connection state changes. The chat
// engine implements it.
type EventSink interface {
	HandleTurnEvent(ev chat.TurnEvent)
	HandleAgentEvent(ev chat.AgentEvent)
	SetConnected(connected bool)
}

type Options struct {
	Log        *slog.Logger
	Direct     *directv1.DirectConnectInfo
	SessionKey string
}

// Client maintains the flowersec channel to the agent: connect, subscribe,
// forward notifies to the sink, ping, and reconnect with backoff. It also
// implements chat.Conn for outbound calls.
type Client struct {
	log        *slog.Logger
	direct     *directv1.DirectConnectInfo
	sessionKey string

	mu   sync.Mutex
	sink EventSink
	rpcC *rpc.Client
}

func NewClient(opts Options) (*Client, error) {
	if opts.Direct == nil || strings.TrimSpace(opts.Direct.WsUrl) == "" {
		return nil, errors.New("missing direct connect info")
	}
	sessionKey := strings.TrimSpace(opts.SessionKey)
	if sessionKey == "" {
		return nil, errors.New("missing session_key")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Client{log: log, direct: opts.Direct, sessionKey: sessionKey}, nil
}

// SetSink installs the event sink. Must be called before Run; the split
// exists because the engine and the client reference each other.
func (c *Client) SetSink(sink EventSink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

// Run connects and serves the channel until ctx is cancelled, reconnecting
// with backoff on every failure.
func (c *Client) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	backoff := newBackoff()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.runOnce(ctx)
		c.setRPC(nil)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("chat channel disconnected; retrying", "error", err)

		d := backoff.Next()
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	org, err := origin.FromWSURL(c.direct.WsUrl)
	if err != nil {
		return err
	}

	conn, err := fsclient.ConnectDirect(ctx, c.direct,
		fsclient.WithOrigin(org),
		fsclient.WithKeepaliveInterval(keepaliveInterval),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	rpcC := conn.RPC()
	if rpcC == nil {
		return errors.New("missing rpc client")
	}

	unsubTurn := rpcC.OnNotify(TypeID_CHAT_EVENT_NOTIFY, func(payload json.RawMessage) {
		c.handleTurnNotify(payload)
	})
	defer unsubTurn()
	unsubAgent := rpcC.OnNotify(TypeID_AGENT_EVENT_NOTIFY, func(payload json.RawMessage) {
		c.handleAgentNotify(payload)
	})
	defer unsubAgent()

	// Subscribe before announcing the connection so no event gap is visible
	// to the engine.
	sub, err := rpctyped.Call[chatSubscribeReq, chatSubscribeResp](ctx, rpcC, TypeID_CHAT_SUBSCRIBE, &chatSubscribeReq{
		SessionKey: c.sessionKey,
	})
	if err != nil {
		return err
	}
	if sub != nil && strings.TrimSpace(sub.ActiveRunID) != "" {
		c.log.Info("subscribed with run in flight", "run_id", sub.ActiveRunID)
	}

	c.setRPC(rpcC)
	if sink := c.currentSink(); sink != nil {
		sink.SetConnected(true)
		defer sink.SetConnected(false)
	}

	// Ping loop; a failed ping tears the connection down and lets the outer
	// loop reconnect.
	t := time.NewTicker(pingInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			_, err := rpctyped.Call[chatPingReq, chatPingResp](ctx, rpcC, TypeID_CHAT_PING, &chatPingReq{
				NowUnixMs: time.Now().UnixMilli(),
			})
			if err != nil {
				return err
			}
		}
	}
}

func (c *Client) handleTurnNotify(payload json.RawMessage) {
	ev, err := decodeTurnEvent(payload)
	if err != nil {
		c.log.Warn("invalid turn event json", "error", err)
		return
	}
	if sink := c.currentSink(); sink != nil {
		sink.HandleTurnEvent(ev)
	}
}

func (c *Client) handleAgentNotify(payload json.RawMessage) {
	ev, err := decodeAgentEvent(payload)
	if err != nil {
		c.log.Warn("invalid agent event json", "error", err)
		return
	}
	if sink := c.currentSink(); sink != nil {
		sink.HandleAgentEvent(ev)
	}
}

func (c *Client) currentSink() EventSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink
}

func (c *Client) setRPC(rpcC *rpc.Client) {
	c.mu.Lock()
	c.rpcC = rpcC
	c.mu.Unlock()
}

func (c *Client) currentRPC() *rpc.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rpcC
}

// --- chat.Conn ---

func (c *Client) SendTurn(ctx context.Context, req chat.SendTurnRequest) (chat.SendTurnResponse, error) {
	rpcC := c.currentRPC()
	if rpcC == nil {
		return chat.SendTurnResponse{}, ErrNotConnected
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
	}
	resp, err := rpctyped.Call[chatSendReq, chatSendResp](ctx, rpcC, TypeID_CHAT_SEND, &chatSendReq{
		SessionKey:     req.SessionKey,
		Text:           req.Text,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return chat.SendTurnResponse{}, err
	}
	if resp == nil {
		return chat.SendTurnResponse{}, errors.New("empty send response")
	}
	return chat.SendTurnResponse{RunID: strings.TrimSpace(resp.RunID)}, nil
}

func (c *Client) AbortRun(ctx context.Context, sessionKey string, runID string) error {
	rpcC := c.currentRPC()
	if rpcC == nil {
		return ErrNotConnected
	}
	_, err := rpctyped.Call[chatAbortReq, chatAbortResp](ctx, rpcC, TypeID_CHAT_ABORT, &chatAbortReq{
		SessionKey: sessionKey,
		RunID:      runID,
	})
	return err
}

func (c *Client) ListHistory(ctx context.Context, sessionKey string, limit int) ([]chat.HistoryEntry, error) {
	rpcC := c.currentRPC()
	if rpcC == nil {
		return nil, ErrNotConnected
	}
	resp, err := rpctyped.Call[chatHistoryListReq, chatHistoryListResp](ctx, rpcC, TypeID_CHAT_HISTORY_LIST, &chatHistoryListReq{
		SessionKey: sessionKey,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	return decodeHistoryEntries(resp.Entries), nil
}

// --- helper: backoff ---

type backoff struct {
	attempt int
}

func newBackoff() *backoff { return &backoff{} }

func (b *backoff) Next() time.Duration {
	// 250ms, 450ms, 810ms, ... capped at 10s
	if b.attempt < 0 {
		b.attempt = 0
	}
	base := 250 * time.Millisecond
	d := time.Duration(float64(base) * pow(1.8, b.attempt))
	b.attempt++
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
