package metrics

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Health tracks liveness counters that feed the periodic summary line.
// Writers are the WS reader and the subscription manager; the summary
// loop is the only reader.
type Health struct {
	startedAt   time.Time
	messages    atomic.Int64
	reconnects  atomic.Int64
	lastMessage atomic.Int64 // unix seconds
}

func NewHealth() *Health {
	h := &Health{startedAt: time.Now()}
	h.lastMessage.Store(time.Now().Unix())
	return h
}

func (h *Health) MessageReceived() {
	h.messages.Add(1)
	h.lastMessage.Store(time.Now().Unix())
}

func (h *Health) Reconnected() { h.reconnects.Add(1) }

// IdleFor reports how long the socket has been silent.
func (h *Health) IdleFor() time.Duration {
	return time.Since(time.Unix(h.lastMessage.Load(), 0))
}

// Run logs a health summary every interval until ctx is cancelled.
func (h *Health) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			idle := h.IdleFor()
			slog.Info("health summary",
				"uptime", time.Since(h.startedAt).Round(time.Second),
				"messages", h.messages.Load(),
				"reconnects", h.reconnects.Load(),
				"idle", idle.Round(time.Second),
				"stale", idle > 5*time.Minute,
			)
		}
	}
}
