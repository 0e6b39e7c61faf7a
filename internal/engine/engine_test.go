package engine

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainsift/bscalert/internal/config"
	"github.com/chainsift/bscalert/internal/cooldown"
	"github.com/chainsift/bscalert/internal/dispatch"
	"github.com/chainsift/bscalert/internal/filter"
	"github.com/chainsift/bscalert/internal/infra"
	"github.com/chainsift/bscalert/internal/meta"
	"github.com/chainsift/bscalert/internal/metrics"
	"github.com/chainsift/bscalert/internal/rpc"
	"github.com/chainsift/bscalert/internal/stats"
	"github.com/chainsift/bscalert/internal/wire"
)

const (
	pairAddr  = "0xaaaa567890123456789012345678901234567890"
	tokenAddr = "0xbbbb567890123456789012345678901234567890"
)

type fakeChain struct {
	calls    map[string]string
	receipts map[string]*rpc.Receipt
	txs      map[string]*rpc.Transaction
	rcptErr  error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		calls:    map[string]string{},
		receipts: map[string]*rpc.Receipt{},
		txs:      map[string]*rpc.Transaction{},
	}
}

func (f *fakeChain) Call(_ context.Context, to, data string) (string, error) {
	if r, ok := f.calls[to+data]; ok {
		return r, nil
	}
	return "", fmt.Errorf("no result for %s %s", to, data)
}

func (f *fakeChain) GetReceipt(_ context.Context, txHash string) (*rpc.Receipt, error) {
	if f.rcptErr != nil {
		return nil, f.rcptErr
	}
	if r, ok := f.receipts[txHash]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("receipt %s: %w", txHash, rpc.ErrNotFound)
}

func (f *fakeChain) GetTransaction(_ context.Context, txHash string) (*rpc.Transaction, error) {
	if tx, ok := f.txs[txHash]; ok {
		return tx, nil
	}
	return &rpc.Transaction{Hash: txHash, Value: big.NewInt(0)}, nil
}

func (f *fakeChain) setPair(pair, token0, token1 string, dec0, dec1 uint64) {
	word := func(addr string) string {
		return "0x" + strings.Repeat("0", 24) + strings.TrimPrefix(addr, "0x")
	}
	f.calls[pair+"0x0dfe1681"] = word(token0)
	f.calls[pair+"0xd21220a7"] = word(token1)
	f.calls[token0+"0x313ce567"] = fmt.Sprintf("0x%064x", dec0)
	f.calls[token1+"0x313ce567"] = fmt.Sprintf("0x%064x", dec1)
}

type fakeClassifier struct{ fourmeme bool }

func (f *fakeClassifier) IsFourmeme(context.Context, string) (bool, error) {
	return f.fourmeme, nil
}

type fakeStats struct {
	byWindow map[string]*stats.PairStat
}

func (f *fakeStats) PairStats(_ context.Context, pair, window string) (*stats.PairStat, error) {
	if st, ok := f.byWindow[window]; ok {
		return st, nil
	}
	return &stats.PairStat{Pair: pair, Window: window, Completeness: stats.Empty}, nil
}

type harness struct {
	engine   *Engine
	chain    *fakeChain
	kv       *infra.MemStore
	m        *metrics.Metrics
	sent     *atomic.Int32
	notifyOK *atomic.Bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	chain := newFakeChain()
	kv := infra.NewMemStore()
	m := metrics.New(prometheus.NewRegistry())

	var sent atomic.Int32
	var notifyOK atomic.Bool
	notifyOK.Store(true)
	notify := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !notifyOK.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		sent.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(notify.Close)

	spot := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"last":"1000"}`))
	}))
	t.Cleanup(spot.Close)

	resolver, err := meta.NewResolver(chain, &fakeClassifier{fourmeme: true}, kv, m)
	require.NoError(t, err)

	statSource := &fakeStats{byWindow: map[string]*stats.PairStat{
		"1m": {Window: "1m", PriceChange: 22, Completeness: stats.Complete},
	}}
	notifier := dispatch.NewNotifier(notify.URL, "chat")

	th := config.NewThresholdManager(kv)
	e := New(Options{
		Resolver:   resolver,
		Layer1:     filter.NewLayer1(),
		Layer2:     filter.NewLayer2(statSource, kv, m),
		Guard:      cooldown.NewGuard(kv, 3*time.Minute, 30*time.Second),
		Dedup:      cooldown.NewDedup(),
		Notifier:   notifier,
		Retry:      dispatch.NewRetryQueue(kv, notifier, nil, m),
		Price:      stats.NewPriceFeed(spot.URL, false),
		Chain:      chain,
		Thresholds: th,
		Metrics:    m,
		Workers:    2,
	})
	return &harness{engine: e, chain: chain, kv: kv, m: m, sent: &sent, notifyOK: &notifyOK}
}

func swapData(a0in, a1in, a0out, a1out *big.Int) string {
	return fmt.Sprintf("0x%064x%064x%064x%064x", a0in, a1in, a0out, a1out)
}

func wbnbAmount(units float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(units), big.NewFloat(1e18))
	v, _ := f.Int(nil)
	return v
}

func swapLog(txHash string, data string) *wire.Log {
	return &wire.Log{
		Address: pairAddr,
		Topics:  []string{wire.TopicSwapV2},
		Data:    data,
		TxHash:  txHash,
	}
}

// A 0.6 WBNB buy at $1000 clears the $400 external threshold, the
// launchpad check, and a 22% 1m rise against a 20% rule: exactly one
// alert, cooldown armed with a jittered TTL.
func TestExternalSwapAdmitted(t *testing.T) {
	h := newHarness(t)
	h.chain.setPair(pairAddr, meta.WBNB, tokenAddr, 18, 18)

	l := swapLog("0xtx1", swapData(wbnbAmount(0.6), big.NewInt(0), big.NewInt(0), wbnbAmount(150000)))
	h.engine.process(context.Background(), http.DefaultClient, Event{Origin: filter.OriginExternal, Log: l})

	assert.Equal(t, int32(1), h.sent.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.Alerts.WithLabelValues("success")))

	ttl, err := h.kv.TTL(context.Background(), "bsc:cooldown:"+tokenAddr)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ttl, 3*time.Minute-time.Second)
	assert.LessOrEqual(t, ttl, 3*time.Minute+30*time.Second)
}

func TestExternalSwapBelowThresholdRejected(t *testing.T) {
	h := newHarness(t)
	h.chain.setPair(pairAddr, meta.WBNB, tokenAddr, 18, 18)

	// 0.3 WBNB = $300 < $400.
	l := swapLog("0xtx1", swapData(wbnbAmount(0.3), big.NewInt(0), big.NewInt(0), wbnbAmount(75000)))
	h.engine.process(context.Background(), http.DefaultClient, Event{Origin: filter.OriginExternal, Log: l})

	assert.Equal(t, int32(0), h.sent.Load())
}

func TestStablePairSkipped(t *testing.T) {
	h := newHarness(t)
	h.chain.setPair(pairAddr, meta.WBNB, meta.USDT, 18, 18)

	l := swapLog("0xtx1", swapData(wbnbAmount(5), big.NewInt(0), big.NewInt(0), wbnbAmount(5000)))
	h.engine.process(context.Background(), http.DefaultClient, Event{Origin: filter.OriginExternal, Log: l})
	assert.Equal(t, int32(0), h.sent.Load())
}

// Notifier failure: cooldown released, retry entry written, and a
// following event for the same token can alert again.
func TestDispatchFailureReleasesCooldown(t *testing.T) {
	h := newHarness(t)
	h.chain.setPair(pairAddr, meta.WBNB, tokenAddr, 18, 18)
	h.notifyOK.Store(false)

	l := swapLog("0xtx1", swapData(wbnbAmount(0.6), big.NewInt(0), big.NewInt(0), wbnbAmount(150000)))
	h.engine.process(context.Background(), http.DefaultClient, Event{Origin: filter.OriginExternal, Log: l})

	ctx := context.Background()
	_, held, err := h.kv.Get(ctx, "bsc:cooldown:"+tokenAddr)
	require.NoError(t, err)
	assert.False(t, held)

	_, pending, err := h.kv.Get(ctx, "bsc:retry:"+tokenAddr)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.Alerts.WithLabelValues("failure")))

	// Upstream recovers: a fresh admissible event is not suppressed.
	h.notifyOK.Store(true)
	l2 := swapLog("0xtx2", swapData(wbnbAmount(0.7), big.NewInt(0), big.NewInt(0), wbnbAmount(150000)))
	h.engine.process(ctx, http.DefaultClient, Event{Origin: filter.OriginExternal, Log: l2})
	assert.Equal(t, int32(1), h.sent.Load())
}

func TestCooldownSuppressesSecondAlert(t *testing.T) {
	h := newHarness(t)
	h.chain.setPair(pairAddr, meta.WBNB, tokenAddr, 18, 18)

	for i := 0; i < 2; i++ {
		l := swapLog(fmt.Sprintf("0xtx%d", i), swapData(wbnbAmount(0.6), big.NewInt(0), big.NewInt(0), wbnbAmount(150000)))
		h.engine.process(context.Background(), http.DefaultClient, Event{Origin: filter.OriginExternal, Log: l})
	}
	assert.Equal(t, int32(1), h.sent.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.CooldownHeld))
}

// Pending receipt: drop with the not-found counter, no cache poisoning,
// and the same token processes normally once the receipt lands.
func TestReceiptPending(t *testing.T) {
	h := newHarness(t)

	l := &wire.Log{Address: ProxyMain, Topics: []string{wire.TopicSwapV2}, TxHash: "0xtx1"}
	h.engine.process(context.Background(), http.DefaultClient, Event{Origin: filter.OriginInternal, Log: l})

	assert.Equal(t, int32(0), h.sent.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.ReceiptNotFound))

	// Receipt arrives: the next event delivers.
	h.chain.receipts["0xtx1"] = proxyReceipt("0xtx1")
	l2 := &wire.Log{Address: ProxyMain, Topics: []string{wire.TopicSwapV2}, TxHash: "0xtx1", LogIndex: 1}
	h.engine.process(context.Background(), http.DefaultClient, Event{Origin: filter.OriginInternal, Log: l2})
	assert.Equal(t, int32(1), h.sent.Load())
}

func transferLog(token, from, to string, value *big.Int) *wire.Log {
	pad := func(addr string) string {
		return "0x" + strings.Repeat("0", 24) + strings.TrimPrefix(addr, "0x")
	}
	return &wire.Log{
		Address: token,
		Topics:  []string{wire.TopicTransfer, pad(from), pad(to)},
		Data:    fmt.Sprintf("0x%064x", value),
	}
}

func proxyReceipt(txHash string) *rpc.Receipt {
	buyer := "0x1111567890123456789012345678901234567890"
	return &rpc.Receipt{
		TxHash: txHash,
		Status: 1,
		Logs: []*wire.Log{
			// $500 USDT into the proxy, tokens out to the buyer.
			transferLog(meta.USDT, buyer, ProxyMain, wbnbAmount(500)),
			transferLog(tokenAddr, ProxyMain, buyer, wbnbAmount(1_000_000)),
		},
	}
}

func TestProxyPurchaseAdmitted(t *testing.T) {
	h := newHarness(t)
	h.chain.receipts["0xtx1"] = proxyReceipt("0xtx1")

	l := &wire.Log{Address: ProxyMain, Topics: []string{wire.TopicTransfer}, TxHash: "0xtx1"}
	h.engine.process(context.Background(), http.DefaultClient, Event{Origin: filter.OriginInternal, Log: l})

	// $500 USDT clears the $200 internal threshold.
	assert.Equal(t, int32(1), h.sent.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.FirstLayerPass.WithLabelValues("internal")))
}

func TestAggregateProxyFlowPicksMaxOutflow(t *testing.T) {
	buyer := "0x1111567890123456789012345678901234567890"
	other := "0x2222567890123456789012345678901234567890"
	logs := []*wire.Log{
		transferLog(meta.USDT, buyer, ProxyMain, wbnbAmount(300)),
		transferLog(meta.WBNB, buyer, ProxyTryBuy, wbnbAmount(1)),
		transferLog(other, ProxyMain, buyer, wbnbAmount(10)),
		transferLog(tokenAddr, ProxyMain, buyer, wbnbAmount(500)),
		// Quote outflows never become the target.
		transferLog(meta.WBNB, ProxyMain, buyer, wbnbAmount(900)),
	}
	flow := aggregateProxyFlow(logs)
	assert.Equal(t, tokenAddr, flow.target)
	assert.InDelta(t, 500, flow.targetOut, 0.01)
	assert.InDelta(t, 300, flow.usdtIn, 0.01)
	assert.InDelta(t, 1, flow.wbnbIn, 0.001)
}

// Duplicate (txHash, logIndex) submissions through HandleLog are
// processed once.
func TestHandleLogDedups(t *testing.T) {
	h := newHarness(t)
	h.chain.setPair(pairAddr, meta.WBNB, tokenAddr, 18, 18)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.Start(ctx)

	handle := h.engine.HandleLog(ctx)
	l := swapLog("0xtx1", swapData(wbnbAmount(0.6), big.NewInt(0), big.NewInt(0), wbnbAmount(150000)))
	handle(GroupSwaps, l)
	handle(GroupSwaps, l)
	h.engine.Close()

	assert.Equal(t, int32(1), h.sent.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.Deduplicated))
}
