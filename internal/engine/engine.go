// Package engine wires the pipeline together: it routes decoded logs
// into the worker pool and runs each event through metadata resolution,
// both filter layers, cooldown, and dispatch.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/chainsift/bscalert/internal/cache"
	"github.com/chainsift/bscalert/internal/config"
	"github.com/chainsift/bscalert/internal/cooldown"
	"github.com/chainsift/bscalert/internal/dispatch"
	"github.com/chainsift/bscalert/internal/filter"
	"github.com/chainsift/bscalert/internal/meta"
	"github.com/chainsift/bscalert/internal/metrics"
	"github.com/chainsift/bscalert/internal/rpc"
	"github.com/chainsift/bscalert/internal/stats"
	"github.com/chainsift/bscalert/internal/store"
	"github.com/chainsift/bscalert/internal/wire"
)

// Fourmeme proxy contracts on BSC, lowercase.
const (
	ProxyMain   = "0x5c952063c7fc8610ffdb798152d69f0b9550762b"
	ProxyTryBuy = "0x8e06ab256ca534ebba05d700f8e40341ec39e0d6"
)

// Subscription group names used for routing.
const (
	GroupSwaps = "swaps"
	GroupProxy = "proxy"
)

const receiptTTL = 5 * time.Minute

// Event is one unit of work for the pool.
type Event struct {
	Origin filter.Origin
	Log    *wire.Log
}

// ChainClient is the RPC surface the engine needs.
type ChainClient interface {
	GetReceipt(ctx context.Context, txHash string) (*rpc.Receipt, error)
	GetTransaction(ctx context.Context, txHash string) (*rpc.Transaction, error)
}

// AlertSink mirrors dispatched alerts into the relational store.
type AlertSink interface {
	InsertAlert(ctx context.Context, row store.AlertRow) error
}

// Engine is the orchestrator. All fields are set once at construction;
// per-event state lives on the stack.
type Engine struct {
	resolver   *meta.Resolver
	layer1     *filter.Layer1
	layer2     *filter.Layer2
	guard      *cooldown.Guard
	dedup      *cooldown.Dedup
	notifier   *dispatch.Notifier
	retry      *dispatch.RetryQueue
	price      *stats.PriceFeed
	chain      ChainClient
	thresholds *config.ThresholdManager
	m          *metrics.Metrics
	sink       AlertSink

	pool     *dispatch.Pool[Event]
	receipts *cache.TTLMap
	flight   cache.Loader
}

// Options carries the collaborators for New.
type Options struct {
	Resolver   *meta.Resolver
	Layer1     *filter.Layer1
	Layer2     *filter.Layer2
	Guard      *cooldown.Guard
	Dedup      *cooldown.Dedup
	Notifier   *dispatch.Notifier
	Retry      *dispatch.RetryQueue
	Price      *stats.PriceFeed
	Chain      ChainClient
	Thresholds *config.ThresholdManager
	Metrics    *metrics.Metrics
	Sink       AlertSink
	Workers    int
}

func New(opts Options) *Engine {
	e := &Engine{
		resolver:   opts.Resolver,
		layer1:     opts.Layer1,
		layer2:     opts.Layer2,
		guard:      opts.Guard,
		dedup:      opts.Dedup,
		notifier:   opts.Notifier,
		retry:      opts.Retry,
		price:      opts.Price,
		chain:      opts.Chain,
		thresholds: opts.Thresholds,
		m:          opts.Metrics,
		sink:       opts.Sink,
		receipts:   cache.NewTTLMap(receiptTTL, 4096),
	}
	e.pool = dispatch.NewPool(opts.Workers, e.process)
	return e
}

// Start launches the worker pool.
func (e *Engine) Start(ctx context.Context) {
	e.pool.Start(ctx)
}

// Close stops intake and drains in-flight events.
func (e *Engine) Close() {
	e.pool.Close()
}

// HandleLog is the subscription manager's callback. It dedups, tags the
// origin by group, and submits to the pool, blocking when every worker
// is busy so backpressure reaches the socket reader.
func (e *Engine) HandleLog(ctx context.Context) func(group string, l *wire.Log) {
	return func(group string, l *wire.Log) {
		if l.Removed {
			return
		}
		if e.dedup.Seen(l.TxHash, l.LogIndex) {
			if e.m != nil {
				e.m.Deduplicated.Inc()
			}
			return
		}

		var origin filter.Origin
		switch group {
		case GroupProxy:
			origin = filter.OriginInternal
		case GroupSwaps:
			origin = filter.OriginExternal
		default:
			if e.m != nil {
				e.m.FramesDropped.Inc()
			}
			return
		}
		e.pool.Submit(ctx, Event{Origin: origin, Log: l})
	}
}

func (e *Engine) process(ctx context.Context, client *http.Client, ev Event) {
	start := time.Now()
	defer func() {
		if e.m != nil {
			e.m.ProcessingSeconds.Observe(time.Since(start).Seconds())
		}
	}()

	th := e.thresholds.Current()
	var err error
	switch ev.Origin {
	case filter.OriginInternal:
		err = e.processProxy(ctx, client, ev.Log, th)
	default:
		err = e.processSwap(ctx, client, ev.Log, th)
	}
	if err != nil && !errors.Is(err, ErrCooldownHeld) {
		slog.Debug("event dropped", "tx", ev.Log.TxHash, "origin", ev.Origin, "reason", err)
	}
}

// processSwap handles a PancakeSwap V2 Swap log (external origin).
func (e *Engine) processSwap(ctx context.Context, client *http.Client, l *wire.Log, th *config.Thresholds) error {
	if len(l.Topics) == 0 || l.Topics[0] != wire.TopicSwapV2 {
		return ErrDecode
	}

	pm, err := e.resolver.Resolve(ctx, l.Address)
	if err != nil {
		return err
	}
	quote, target, quoteIsToken0, ok := pm.QuoteSide()
	if !ok {
		// Stable/stable or token/token pair: nothing to alert on.
		return nil
	}

	amounts, err := wire.ParseSwapData(l.Data)
	if err != nil {
		if e.m != nil {
			e.m.DecodeErrors.Inc()
		}
		return err
	}

	quoteIn, targetOut := swapLegs(amounts, quoteIsToken0)
	if quoteIn.Sign() <= 0 || targetOut.Sign() <= 0 {
		// Not a buy of the target token.
		return nil
	}

	quoteDecimals := pm.Decimals0
	targetDecimals := pm.Decimals1
	if !quoteIsToken0 {
		quoteDecimals, targetDecimals = pm.Decimals1, pm.Decimals0
	}

	quoteAmount := toUnits(quoteIn, quoteDecimals)
	usd, err := e.toUSD(ctx, quote, quoteAmount)
	if err != nil {
		return err
	}

	d := e.layer1.Admit(target, usd, filter.OriginExternal, th)
	if !d.Admitted {
		return nil
	}
	if e.m != nil {
		e.m.FirstLayerPass.WithLabelValues(string(filter.OriginExternal)).Inc()
	}
	if d.Cumulative {
		usd = d.WindowSum
	}

	// External events alert only on fourmeme launches.
	lp, err := e.resolver.Classify(ctx, target)
	if err != nil {
		return err
	}
	if lp != meta.LaunchpadFourmeme {
		return nil
	}

	verdict, err := e.evaluateLayer2(ctx, pm.Pair, filter.OriginExternal, th)
	if err != nil || !verdict.Pass {
		return err
	}

	p := &dispatch.Payload{
		Token:     target,
		Symbol:    e.resolver.Symbol(ctx, target),
		Pair:      pm.Pair,
		TxHash:    l.TxHash,
		Origin:    string(filter.OriginExternal),
		PoolType:  "pancake_v2",
		USDValue:  usd,
		QuoteIn:   quoteAmount,
		TargetOut: toUnits(targetOut, targetDecimals),
		Reasons:   verdict.Reasons,
	}
	if p.TargetOut > 0 {
		p.PriceUSD = usd / p.TargetOut
	}
	return e.dispatchAlert(ctx, client, p)
}

// processProxy handles a fourmeme proxy purchase (internal origin): the
// receipt's Transfer logs reveal the quote spent and the token bought.
func (e *Engine) processProxy(ctx context.Context, client *http.Client, l *wire.Log, th *config.Thresholds) error {
	receipt, err := e.receipt(ctx, l.TxHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) && e.m != nil {
			e.m.ReceiptNotFound.Inc()
		}
		return err
	}
	if receipt.Status != 1 {
		return nil
	}

	flow := aggregateProxyFlow(receipt.Logs)
	if flow.target == "" {
		return nil
	}

	// Native BNB spent shows up as transaction value, not a Transfer.
	usd := flow.usdtIn
	wbnb := flow.wbnbIn
	if tx, err := e.chain.GetTransaction(ctx, l.TxHash); err == nil && tx.Value.Sign() > 0 {
		wbnb += toUnits(tx.Value, 18)
	}
	if wbnb > 0 {
		price, err := e.price.WBNBPrice(ctx)
		if err != nil {
			return err
		}
		usd += wbnb * price
	}
	if usd <= 0 {
		return nil
	}

	d := e.layer1.Admit(flow.target, usd, filter.OriginInternal, th)
	if !d.Admitted {
		return nil
	}
	if e.m != nil {
		e.m.FirstLayerPass.WithLabelValues(string(filter.OriginInternal)).Inc()
	}
	if d.Cumulative {
		usd = d.WindowSum
	}

	verdict, err := e.evaluateLayer2(ctx, flow.target, filter.OriginInternal, th)
	if err != nil || !verdict.Pass {
		return err
	}

	p := &dispatch.Payload{
		Token:     flow.target,
		Symbol:    e.resolver.Symbol(ctx, flow.target),
		TxHash:    l.TxHash,
		Origin:    string(filter.OriginInternal),
		PoolType:  "fourmeme",
		USDValue:  usd,
		TargetOut: flow.targetOut,
		Reasons:   verdict.Reasons,
	}
	if p.TargetOut > 0 {
		p.PriceUSD = usd / p.TargetOut
	}
	return e.dispatchAlert(ctx, client, p)
}

func (e *Engine) evaluateLayer2(ctx context.Context, key string, origin filter.Origin, th *config.Thresholds) (*filter.Verdict, error) {
	if e.m != nil {
		e.m.SecondLayerChck.WithLabelValues(string(origin)).Inc()
	}
	verdict, err := e.layer2.Evaluate(ctx, key, th)
	if err != nil {
		return nil, err
	}
	if verdict.Pass && e.m != nil {
		e.m.SecondLayerPass.WithLabelValues(string(origin)).Inc()
	}
	return verdict, nil
}

// dispatchAlert claims the cooldown, delivers, and on any post-claim
// failure releases the cooldown and enqueues a retry.
func (e *Engine) dispatchAlert(ctx context.Context, client *http.Client, p *dispatch.Payload) error {
	claimed, err := e.guard.Claim(ctx, p.Token)
	if err != nil {
		return err
	}
	if !claimed {
		if e.m != nil {
			e.m.CooldownHeld.Inc()
		}
		return ErrCooldownHeld
	}

	sendErr := e.notifier.Send(ctx, client, p)
	status := "success"
	if sendErr != nil {
		status = "failure"
		if relErr := e.guard.Release(ctx, p.Token); relErr != nil {
			slog.Error("cooldown release failed", "token", p.Token, "err", relErr)
		}
		if enqErr := e.retry.Enqueue(ctx, p, sendErr); enqErr != nil {
			slog.Error("retry enqueue failed", "token", p.Token, "err", enqErr)
		}
	}
	if e.m != nil {
		e.m.Alerts.WithLabelValues(status).Inc()
	}
	e.mirror(ctx, p, status)

	if sendErr != nil {
		slog.Warn("alert delivery failed", "token", p.Token, "err", sendErr)
		return sendErr
	}
	slog.Info("alert delivered", "token", p.Token, "symbol", p.Symbol,
		"usd", p.USDValue, "origin", p.Origin, "tx", p.TxHash)
	return nil
}

func (e *Engine) mirror(ctx context.Context, p *dispatch.Payload, status string) {
	if e.sink == nil {
		return
	}
	row := store.AlertRow{
		BatchID:  uuid.New(),
		Token:    p.Token,
		TxHash:   p.TxHash,
		USDValue: p.USDValue,
		Reasons:  p.Reasons,
		Status:   status,
	}
	if err := e.sink.InsertAlert(ctx, row); err != nil {
		slog.Error("alert mirror failed", "token", p.Token, "err", err)
	}
}

// receipt fetches a transaction receipt through the 5-minute cache with
// single-flight miss resolution.
func (e *Engine) receipt(ctx context.Context, txHash string) (*rpc.Receipt, error) {
	if v, ok := e.receipts.Get(txHash); ok {
		if e.m != nil {
			e.m.CacheHits.WithLabelValues("receipt").Inc()
		}
		return v.(*rpc.Receipt), nil
	}
	v, err := e.flight.Do("receipt:"+txHash, func() (any, error) {
		r, err := e.chain.GetReceipt(ctx, txHash)
		if err != nil {
			return nil, err
		}
		e.receipts.Set(txHash, r)
		return r, nil
	})
	if err != nil {
		e.flight.Forget("receipt:" + txHash)
		return nil, err
	}
	return v.(*rpc.Receipt), nil
}

func (e *Engine) toUSD(ctx context.Context, quote string, amount float64) (float64, error) {
	if meta.IsStablecoin(quote) {
		return amount, nil
	}
	price, err := e.price.WBNBPrice(ctx)
	if err != nil {
		return 0, err
	}
	return amount * price, nil
}

// proxyFlow summarizes the Transfer logs of one fourmeme purchase.
type proxyFlow struct {
	usdtIn    float64 // stablecoin paid into the proxies
	wbnbIn    float64 // WBNB paid into the proxies
	target    string  // token with the largest proxy outflow
	targetOut float64
}

func isProxy(addr string) bool {
	return addr == ProxyMain || addr == ProxyTryBuy
}

// aggregateProxyFlow sums quote inflows to the proxy contracts and
// picks the target as the largest non-quote outflow from them.
func aggregateProxyFlow(logs []*wire.Log) proxyFlow {
	var flow proxyFlow
	outflows := map[string]*big.Int{}
	decimalsHint := map[string]uint8{}

	for _, l := range logs {
		tr, err := wire.ParseTransfer(l)
		if err != nil {
			continue
		}
		switch {
		case isProxy(tr.To) && meta.IsStablecoin(tr.Token):
			flow.usdtIn += toUnits(tr.Value, 18)
		case isProxy(tr.To) && tr.Token == meta.WBNB:
			flow.wbnbIn += toUnits(tr.Value, 18)
		case isProxy(tr.From) && !meta.IsQuoteAsset(tr.Token):
			sum, ok := outflows[tr.Token]
			if !ok {
				sum = new(big.Int)
				outflows[tr.Token] = sum
			}
			sum.Add(sum, tr.Value)
			decimalsHint[tr.Token] = 18
		}
	}

	var best *big.Int
	for token, sum := range outflows {
		if best == nil || sum.Cmp(best) > 0 {
			best = sum
			flow.target = token
		}
	}
	if best != nil {
		flow.targetOut = toUnits(best, decimalsHint[flow.target])
	}
	return flow
}

// swapLegs picks the quote-in and target-out amounts of a swap given
// which side of the pair is the quote asset.
func swapLegs(a *wire.SwapAmounts, quoteIsToken0 bool) (quoteIn, targetOut *big.Int) {
	if quoteIsToken0 {
		return a.Amount0In, a.Amount1Out
	}
	return a.Amount1In, a.Amount0Out
}

// toUnits converts a raw integer token amount to a float in whole
// units. Precision loss past float64 is acceptable for alerting.
func toUnits(v *big.Int, decimals uint8) float64 {
	f := new(big.Float).SetInt(v)
	scale := new(big.Float).SetFloat64(1)
	ten := big.NewFloat(10)
	for i := uint8(0); i < decimals; i++ {
		scale.Mul(scale, ten)
	}
	out, _ := new(big.Float).Quo(f, scale).Float64()
	return out
}
