// Package subscribe owns the WebSocket connection to the BSC node: it
// subscribes log topic groups, routes inbound frames, and reconnects
// with backoff while preserving the subscription set.
package subscribe

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chainsift/bscalert/internal/metrics"
	"github.com/chainsift/bscalert/internal/wire"
)

const (
	pingPeriod   = 30 * time.Second
	pongWait     = 10 * time.Second
	writeWait    = 10 * time.Second
	idleLimit    = 10 * time.Minute
	idleCheckGap = time.Minute
	backoffBase  = time.Second
	backoffCap   = 60 * time.Second
)

// Group is one eth_subscribe filter: a set of contract addresses and
// topic0 values that share a routing label.
type Group struct {
	Name      string
	Addresses []string
	Topics    []string
}

// Handler receives every routed log with its group label.
type Handler func(group string, log *wire.Log)

// Manager maintains the connection lifecycle. Reads happen on one
// goroutine; writes (subscribes and pings) are serialized by a mutex.
type Manager struct {
	endpoint string
	groups   []Group
	handler  Handler
	health   *metrics.Health
	m        *metrics.Metrics

	dialer *websocket.Dialer
	nextID atomic.Int64

	mu         sync.Mutex
	pendingIDs map[int64]string // request id -> group name
	subToGroup map[string]string
	lastFrame  atomic.Int64 // unix seconds
}

func NewManager(endpoint string, groups []Group, handler Handler, health *metrics.Health, m *metrics.Metrics) *Manager {
	return &Manager{
		endpoint: endpoint,
		groups:   groups,
		handler:  handler,
		health:   health,
		m:        m,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  4096,
		},
		pendingIDs: make(map[int64]string),
		subToGroup: make(map[string]string),
	}
}

// Run connects and processes frames until ctx is cancelled, redialing
// with capped exponential backoff after every connection loss.
func (mgr *Manager) Run(ctx context.Context) {
	backoff := backoffBase
	for ctx.Err() == nil {
		err := mgr.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if mgr.m != nil {
			mgr.m.Reconnects.Inc()
		}
		if mgr.health != nil {
			mgr.health.Reconnected()
		}
		wait := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		slog.Warn("websocket session ended, reconnecting", "err", err, "wait", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if backoff < backoffCap {
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
		}
	}
}

// session runs one connection: dial, subscribe every group, then read
// until the socket dies or ctx is cancelled.
func (mgr *Manager) session(ctx context.Context) error {
	conn, _, err := mgr.dialer.DialContext(ctx, mgr.endpoint, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	mgr.mu.Lock()
	mgr.pendingIDs = make(map[int64]string)
	mgr.subToGroup = make(map[string]string)
	mgr.mu.Unlock()
	mgr.lastFrame.Store(time.Now().Unix())

	if mgr.m != nil {
		mgr.m.WSConnections.Set(1)
		defer mgr.m.WSConnections.Set(0)
	}
	slog.Info("websocket connected", "endpoint", mgr.endpoint)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingPeriod + pongWait))
	})
	if err := conn.SetReadDeadline(time.Now().Add(pingPeriod + pongWait)); err != nil {
		return err
	}

	if err := mgr.subscribeAll(conn); err != nil {
		return err
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go mgr.pingLoop(sessionCtx, conn)
	go mgr.idleWatchdog(sessionCtx, conn)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		mgr.lastFrame.Store(time.Now().Unix())
		_ = conn.SetReadDeadline(time.Now().Add(pingPeriod + pongWait))
		mgr.handleFrame(payload)
	}
}

type subscribeRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

func (mgr *Manager) subscribeAll(conn *websocket.Conn) error {
	for _, g := range mgr.groups {
		id := mgr.nextID.Add(1)

		filter := map[string]any{}
		if len(g.Addresses) > 0 {
			filter["address"] = g.Addresses
		}
		if len(g.Topics) > 0 {
			filter["topics"] = []any{g.Topics}
		}

		req := subscribeRequest{
			JSONRPC: "2.0",
			ID:      id,
			Method:  "eth_subscribe",
			Params:  []any{"logs", filter},
		}
		raw, err := json.Marshal(req)
		if err != nil {
			return err
		}

		mgr.mu.Lock()
		mgr.pendingIDs[id] = g.Name
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err = conn.WriteMessage(websocket.TextMessage, raw)
		mgr.mu.Unlock()
		if err != nil {
			return err
		}
		slog.Debug("subscribe sent", "group", g.Name, "request_id", id)
	}
	return nil
}

func (mgr *Manager) handleFrame(payload []byte) {
	if mgr.m != nil {
		mgr.m.MessagesTotal.Inc()
	}
	if mgr.health != nil {
		mgr.health.MessageReceived()
	}

	frame, err := wire.DecodeFrame(payload)
	if err != nil {
		if mgr.m != nil {
			mgr.m.DecodeErrors.Inc()
		}
		slog.Debug("frame decode failed", "err", err)
		return
	}

	switch frame.Kind {
	case wire.FrameSubscriptionAck:
		mgr.mu.Lock()
		group, ok := mgr.pendingIDs[frame.ID]
		if ok {
			delete(mgr.pendingIDs, frame.ID)
			mgr.subToGroup[frame.SubscriptionID] = group
		}
		mgr.mu.Unlock()
		if ok {
			slog.Info("subscription confirmed", "group", group, "subscription", frame.SubscriptionID)
		}
	case wire.FrameLog:
		mgr.mu.Lock()
		group, ok := mgr.subToGroup[frame.SubscriptionID]
		mgr.mu.Unlock()
		if !ok {
			if mgr.m != nil {
				mgr.m.FramesDropped.Inc()
			}
			return
		}
		mgr.handler(group, frame.Log)
	default:
		if mgr.m != nil {
			mgr.m.FramesDropped.Inc()
		}
	}
}

func (mgr *Manager) pingLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			mgr.mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			mgr.mu.Unlock()
			if err != nil {
				slog.Warn("ping write failed", "err", err)
				conn.Close()
				return
			}
		}
	}
}

// idleWatchdog force-closes a connection that has gone silent past the
// idle limit; the session then ends and Run redials.
func (mgr *Manager) idleWatchdog(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(idleCheckGap)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			idle := time.Since(time.Unix(mgr.lastFrame.Load(), 0))
			if idle > idleLimit {
				slog.Warn("websocket idle past limit, forcing reconnect", "idle", idle.Round(time.Second))
				conn.Close()
				return
			}
		}
	}
}

// ActiveGroups reports the groups with a confirmed subscription.
func (mgr *Manager) ActiveGroups() []string {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	out := make([]string, 0, len(mgr.subToGroup))
	for _, g := range mgr.subToGroup {
		out = append(out, g)
	}
	return out
}
