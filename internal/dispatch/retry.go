package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chainsift/bscalert/internal/infra"
	"github.com/chainsift/bscalert/internal/metrics"
)

const (
	retryPrefix   = "bsc:retry:"
	retryTTL      = time.Hour
	retryInterval = 5 * time.Minute
	maxRetries    = 3
)

func retryKey(token string) string { return retryPrefix + token }

// DeadLetterSink receives alerts that exhausted their retries.
type DeadLetterSink interface {
	InsertDeadLetter(ctx context.Context, token, payload, reason string, retries int) error
}

type retryEntry struct {
	Payload    *Payload  `json:"payload"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// RetryQueue persists failed deliveries in the KV store and redrives
// them on a fixed interval until they succeed or dead-letter.
type RetryQueue struct {
	kv   infra.Store
	n    *Notifier
	dead DeadLetterSink
	m    *metrics.Metrics
	hc   *http.Client
}

func NewRetryQueue(kv infra.Store, n *Notifier, dead DeadLetterSink, m *metrics.Metrics) *RetryQueue {
	return &RetryQueue{
		kv:   kv,
		n:    n,
		dead: dead,
		m:    m,
		hc:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Enqueue records a failed delivery for redrive. One pending entry per
// token; a newer failure overwrites an older one.
func (q *RetryQueue) Enqueue(ctx context.Context, p *Payload, lastErr error) error {
	entry := retryEntry{
		Payload:    p,
		RetryCount: 0,
		EnqueuedAt: time.Now(),
	}
	if lastErr != nil {
		entry.LastError = lastErr.Error()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal retry entry: %w", err)
	}
	if err := q.kv.Set(ctx, retryKey(p.Token), string(raw), retryTTL); err != nil {
		return fmt.Errorf("enqueue retry %s: %w", p.Token, err)
	}
	if q.m != nil {
		q.m.RetryEnqueued.Inc()
	}
	return nil
}

// Run redrives pending entries every interval until ctx is cancelled.
// Shutdown is checked at interval boundaries only; an in-progress sweep
// completes.
func (q *RetryQueue) Run(ctx context.Context) {
	t := time.NewTicker(retryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			q.Sweep(ctx)
		}
	}
}

// Sweep attempts every pending entry once.
func (q *RetryQueue) Sweep(ctx context.Context) {
	keys, err := q.kv.Keys(ctx, retryPrefix+"*")
	if err != nil {
		slog.Error("retry sweep: list keys", "err", err)
		return
	}
	for _, key := range keys {
		q.redrive(ctx, key)
	}
}

func (q *RetryQueue) redrive(ctx context.Context, key string) {
	token := strings.TrimPrefix(key, retryPrefix)

	raw, ok, err := q.kv.Get(ctx, key)
	if err != nil || !ok {
		return
	}
	var entry retryEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		slog.Error("retry entry corrupt, dropping", "token", token, "err", err)
		_ = q.kv.Del(ctx, key)
		return
	}

	sendErr := q.n.Send(ctx, q.hc, entry.Payload)
	if sendErr == nil {
		slog.Info("retry delivered", "token", token, "attempt", entry.RetryCount+1)
		if q.m != nil {
			q.m.Alerts.WithLabelValues("success").Inc()
		}
		_ = q.kv.Del(ctx, key)
		return
	}

	entry.RetryCount++
	entry.LastError = sendErr.Error()
	if entry.RetryCount >= maxRetries {
		slog.Warn("retries exhausted, dead-lettering", "token", token, "err", sendErr)
		if q.dead != nil {
			payload, _ := json.Marshal(entry.Payload)
			if err := q.dead.InsertDeadLetter(ctx, token, string(payload), entry.LastError, entry.RetryCount); err != nil {
				slog.Error("dead letter insert failed", "token", token, "err", err)
			}
		}
		if q.m != nil {
			q.m.DeadLettered.Inc()
		}
		_ = q.kv.Del(ctx, key)
		return
	}

	updated, _ := json.Marshal(entry)
	_ = q.kv.Set(ctx, key, string(updated), retryTTL)
	slog.Warn("retry failed, keeping entry", "token", token, "attempt", entry.RetryCount, "err", sendErr)
}
