package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainsift/bscalert/internal/infra"
)

func TestPoolProcessesJobs(t *testing.T) {
	var processed atomic.Int32
	p := NewPool(2, func(_ context.Context, _ *http.Client, job int) {
		processed.Add(1)
	})
	p.Start(context.Background())

	for i := 0; i < 10; i++ {
		require.True(t, p.Submit(context.Background(), i))
	}
	p.Close()
	assert.Equal(t, int32(10), processed.Load())
}

// With every worker busy, Submit must block instead of dropping.
func TestPoolSubmitBlocksWhenSaturated(t *testing.T) {
	gate := make(chan struct{})
	p := NewPool(1, func(_ context.Context, _ *http.Client, job int) {
		<-gate
	})
	p.Start(context.Background())

	require.True(t, p.Submit(context.Background(), 1))

	submitted := make(chan struct{})
	go func() {
		p.Submit(context.Background(), 2)
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("submit returned while the only worker was busy")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("submit never unblocked")
	}
	p.Close()
}

func TestPoolSubmitRespectsCancel(t *testing.T) {
	p := NewPool(1, func(_ context.Context, _ *http.Client, job int) {
		time.Sleep(time.Hour)
	})
	// No workers started: submission can never be taken.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, p.Submit(ctx, 1))
}

func TestPoolRecoversWorkerPanic(t *testing.T) {
	var processed atomic.Int32
	p := NewPool(1, func(_ context.Context, _ *http.Client, job int) {
		if job == 0 {
			panic("boom")
		}
		processed.Add(1)
	})
	p.Start(context.Background())

	require.True(t, p.Submit(context.Background(), 0))
	require.True(t, p.Submit(context.Background(), 1))
	p.Close()
	assert.Equal(t, int32(1), processed.Load())
}

func TestNotifierSend(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "chat-1")
	p := &Payload{
		Token:    "0xtoken",
		Symbol:   "CAKE",
		TxHash:   "0xabc",
		Origin:   "external",
		PoolType: "pancake_v2",
		USDValue: 612.5,
		Reasons:  []string{"price +22.0% in 1m (>= 20.0%)"},
	}
	require.NoError(t, n.Send(context.Background(), http.DefaultClient, p))

	assert.Equal(t, "chat-1", got.ChatID)
	assert.Contains(t, got.Text, "CAKE")
	assert.Contains(t, got.Text, "612.5")
	require.Len(t, got.Buttons, 2)
	assert.Contains(t, got.Buttons[0].URL, "0xtoken")
}

func TestNotifierNon2xxIsDispatchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "chat-1")
	err := n.Send(context.Background(), http.DefaultClient, &Payload{})
	assert.ErrorIs(t, err, ErrDispatch)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "1.23K", FormatAmount(1234))
	assert.Equal(t, "2.5M", FormatAmount(2_500_000))
	assert.Equal(t, "1B", FormatAmount(1_000_000_000))
	assert.Equal(t, "612.5", FormatAmount(612.5))
	assert.Equal(t, "0.0001234", FormatAmount(0.0001234))
}

type memDeadLetters struct {
	mu   sync.Mutex
	rows []string
}

func (m *memDeadLetters) InsertDeadLetter(_ context.Context, token, payload, reason string, retries int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, token)
	return nil
}

func TestRetryQueueRedrivesUntilSuccess(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	kv := infra.NewMemStore()
	q := NewRetryQueue(kv, NewNotifier(srv.URL, "c"), nil, nil)
	ctx := context.Background()

	p := &Payload{Token: "0xtoken", Symbol: "X"}
	require.NoError(t, q.Enqueue(ctx, p, ErrDispatch))

	// First sweep fails: entry stays with retry_count bumped.
	q.Sweep(ctx)
	raw, ok, err := kv.Get(ctx, "bsc:retry:0xtoken")
	require.NoError(t, err)
	require.True(t, ok)
	var entry retryEntry
	require.NoError(t, json.Unmarshal([]byte(raw), &entry))
	assert.Equal(t, 1, entry.RetryCount)

	// Upstream recovers: entry delivered and removed.
	fail.Store(false)
	q.Sweep(ctx)
	_, ok, err = kv.Get(ctx, "bsc:retry:0xtoken")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetryQueueDeadLettersAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	kv := infra.NewMemStore()
	dead := &memDeadLetters{}
	q := NewRetryQueue(kv, NewNotifier(srv.URL, "c"), dead, nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Payload{Token: "0xtoken"}, ErrDispatch))
	for i := 0; i < maxRetries; i++ {
		q.Sweep(ctx)
	}

	_, ok, err := kv.Get(ctx, "bsc:retry:0xtoken")
	require.NoError(t, err)
	assert.False(t, ok)
	require.Len(t, dead.rows, 1)
	assert.Equal(t, "0xtoken", dead.rows[0])
}
