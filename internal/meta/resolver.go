// Package meta resolves pair and token metadata: token0/token1,
// decimals, symbols, and launchpad classification. Resolution walks the
// cache tiers (hot LRU, warm TTL map, persistent KV) before touching
// the chain, and at most one resolution per pair is in flight.
package meta

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/chainsift/bscalert/internal/cache"
	"github.com/chainsift/bscalert/internal/infra"
	"github.com/chainsift/bscalert/internal/metrics"
)

// ErrResolve marks metadata that could not be determined or is
// malformed, e.g. decimals outside the sane range.
var ErrResolve = errors.New("resolve error")

// ERC-20 and pair function selectors.
const (
	selToken0   = "0x0dfe1681"
	selToken1   = "0xd21220a7"
	selDecimals = "0x313ce567"
	selSymbol   = "0x95d89b41"
)

// Quote assets on BSC, lowercase.
const (
	USDT = "0x55d398326f99059ff775485246999027b3197955"
	WBNB = "0xbb4cdb9cbd36b01bd1cbaebf2de08d9173bc095c"
	USDC = "0x8ac76a51cc950d9822d68b83fe1ad97b32cd580d"
)

var quoteAssets = map[string]bool{USDT: true, WBNB: true, USDC: true}

// IsQuoteAsset reports whether addr (lowercase) is USDT, WBNB, or USDC.
func IsQuoteAsset(addr string) bool { return quoteAssets[addr] }

// IsStablecoin reports whether addr is pegged to $1.
func IsStablecoin(addr string) bool { return addr == USDT || addr == USDC }

// Launchpad is the tri-state fourmeme classification.
type Launchpad int

const (
	LaunchpadUnknown Launchpad = iota
	LaunchpadFourmeme
	LaunchpadOther
)

// PairMeta is the resolved metadata of one liquidity pair. Immutable
// once published to a cache tier.
type PairMeta struct {
	Pair       string
	Token0     string
	Token1     string
	Decimals0  uint8
	Decimals1  uint8
	Launchpad  Launchpad
	ResolvedAt time.Time
}

// QuoteSide returns the quote-asset side of the pair and the opposite
// (target) token, or ok=false when neither or both sides are quotes.
func (m *PairMeta) QuoteSide() (quote, target string, quoteIsToken0, ok bool) {
	q0, q1 := IsQuoteAsset(m.Token0), IsQuoteAsset(m.Token1)
	switch {
	case q0 && !q1:
		return m.Token0, m.Token1, true, true
	case q1 && !q0:
		return m.Token1, m.Token0, false, true
	default:
		return "", "", false, false
	}
}

// Caller is the chain read surface the resolver needs.
type Caller interface {
	Call(ctx context.Context, to, data string) (string, error)
}

// Classifier answers launchpad queries for tokens missing from the KV
// whitelist and blacklist.
type Classifier interface {
	IsFourmeme(ctx context.Context, token string) (bool, error)
}

const (
	keyFourmeme    = "bsc:fourmeme_tokens"
	keyNonFourmeme = "bsc:non_fourmeme_tokens"
	classifyTTL    = 7 * 24 * time.Hour
	hotSize        = 1024
	warmTTL        = time.Hour
	symbolTTL      = time.Hour
)

// Resolver owns pair metadata resolution and its cache tiers.
type Resolver struct {
	chain      Caller
	classifier Classifier
	kv         infra.Store
	m          *metrics.Metrics

	hot     *lru.Cache // pair -> *PairMeta
	warm    *cache.TTLMap
	symbols *cache.TTLMap
	flight  cache.Loader
}

func NewResolver(chain Caller, classifier Classifier, kv infra.Store, m *metrics.Metrics) (*Resolver, error) {
	hot, err := lru.New(hotSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		chain:      chain,
		classifier: classifier,
		kv:         kv,
		m:          m,
		hot:        hot,
		warm:       cache.NewTTLMap(warmTTL, 4096),
		symbols:    cache.NewTTLMap(symbolTTL, 4096),
	}, nil
}

// Resolve returns the metadata for a pair, resolving on-chain on a full
// cache miss. Concurrent misses for the same pair share one resolution.
func (r *Resolver) Resolve(ctx context.Context, pair string) (*PairMeta, error) {
	pair = strings.ToLower(pair)

	if v, ok := r.hot.Get(pair); ok {
		if r.m != nil {
			r.m.CacheHits.WithLabelValues("pair_meta").Inc()
		}
		return v.(*PairMeta), nil
	}
	if v, ok := r.warm.Get(pair); ok {
		meta := v.(*PairMeta)
		r.hot.Add(pair, meta)
		if r.m != nil {
			r.m.CacheHits.WithLabelValues("pair_meta").Inc()
		}
		return meta, nil
	}

	v, err := r.flight.Do("pair:"+pair, func() (any, error) {
		meta, err := r.resolvePair(ctx, pair)
		if err != nil {
			return nil, err
		}
		// Publish fully populated or not at all.
		r.warm.Set(pair, meta)
		r.hot.Add(pair, meta)
		return meta, nil
	})
	if err != nil {
		r.flight.Forget("pair:" + pair)
		if r.m != nil {
			r.m.ResolveErrors.Inc()
		}
		return nil, err
	}
	return v.(*PairMeta), nil
}

func (r *Resolver) resolvePair(ctx context.Context, pair string) (*PairMeta, error) {
	token0, err := r.callAddress(ctx, pair, selToken0)
	if err != nil {
		return nil, fmt.Errorf("%w: pair %s token0: %v", ErrResolve, pair, err)
	}
	token1, err := r.callAddress(ctx, pair, selToken1)
	if err != nil {
		return nil, fmt.Errorf("%w: pair %s token1: %v", ErrResolve, pair, err)
	}
	dec0, err := r.callDecimals(ctx, token0)
	if err != nil {
		return nil, fmt.Errorf("%w: token %s decimals: %v", ErrResolve, token0, err)
	}
	dec1, err := r.callDecimals(ctx, token1)
	if err != nil {
		return nil, fmt.Errorf("%w: token %s decimals: %v", ErrResolve, token1, err)
	}
	return &PairMeta{
		Pair:       pair,
		Token0:     token0,
		Token1:     token1,
		Decimals0:  dec0,
		Decimals1:  dec1,
		ResolvedAt: time.Now(),
	}, nil
}

func (r *Resolver) callAddress(ctx context.Context, to, selector string) (string, error) {
	out, err := r.chain.Call(ctx, to, selector)
	if err != nil {
		return "", err
	}
	h := strings.TrimPrefix(out, "0x")
	if len(h) < 64 {
		return "", fmt.Errorf("short address word %q", out)
	}
	return "0x" + strings.ToLower(h[24:64]), nil
}

func (r *Resolver) callDecimals(ctx context.Context, token string) (uint8, error) {
	out, err := r.chain.Call(ctx, token, selDecimals)
	if err != nil {
		return 0, err
	}
	h := strings.TrimPrefix(out, "0x")
	if h == "" {
		return 0, fmt.Errorf("empty decimals result")
	}
	n, err := strconv.ParseUint(h, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("decimals %q: %w", out, err)
	}
	if n > 36 {
		return 0, fmt.Errorf("decimals %d out of range", n)
	}
	return uint8(n), nil
}

// Symbol resolves and caches a token's symbol. Unparseable or failing
// lookups come back as "???" so an alert is never blocked on a symbol.
func (r *Resolver) Symbol(ctx context.Context, token string) string {
	token = strings.ToLower(token)
	if v, ok := r.symbols.Get(token); ok {
		return v.(string)
	}
	out, err := r.chain.Call(ctx, token, selSymbol)
	sym := "???"
	if err == nil {
		if s, perr := ParseABIString(out); perr == nil && s != "" {
			sym = s
		}
	}
	r.symbols.Set(token, sym)
	return sym
}

// Classify determines the launchpad of a token: KV whitelist, then
// blacklist, then the classifier API, persisting the answer for a week.
func (r *Resolver) Classify(ctx context.Context, token string) (Launchpad, error) {
	token = strings.ToLower(token)

	if ok, err := r.kv.SIsMember(ctx, keyFourmeme, token); err == nil && ok {
		if r.m != nil {
			r.m.CacheHits.WithLabelValues("fourmeme").Inc()
		}
		return LaunchpadFourmeme, nil
	}
	if ok, err := r.kv.SIsMember(ctx, keyNonFourmeme, token); err == nil && ok {
		if r.m != nil {
			r.m.CacheHits.WithLabelValues("fourmeme").Inc()
		}
		return LaunchpadOther, nil
	}

	v, err := r.flight.Do("launchpad:"+token, func() (any, error) {
		is, err := r.classifier.IsFourmeme(ctx, token)
		if err != nil {
			return LaunchpadUnknown, err
		}
		key := keyNonFourmeme
		lp := LaunchpadOther
		if is {
			key = keyFourmeme
			lp = LaunchpadFourmeme
		}
		if err := r.kv.SAdd(ctx, key, token); err == nil {
			_ = r.kv.Expire(ctx, key, classifyTTL)
		}
		return lp, nil
	})
	if err != nil {
		r.flight.Forget("launchpad:" + token)
		return LaunchpadUnknown, fmt.Errorf("%w: classify %s: %v", ErrResolve, token, err)
	}
	return v.(Launchpad), nil
}

// ParseABIString decodes an eth_call string return. Handles the dynamic
// encoding (offset word, length word, bytes) and the legacy fixed
// 32-byte encoding some older tokens use.
func ParseABIString(out string) (string, error) {
	h := strings.TrimPrefix(out, "0x")
	if h == "" {
		return "", fmt.Errorf("empty string result")
	}
	raw, err := hex.DecodeString(h)
	if err != nil {
		return "", fmt.Errorf("string result not hex: %w", err)
	}

	if len(raw) >= 64 {
		offset := beUint(raw[:32])
		if offset == 32 && len(raw) >= 64 {
			length := beUint(raw[32:64])
			if 64+length <= uint64(len(raw)) {
				return sanitize(raw[64 : 64+length]), nil
			}
		}
	}
	// Fixed bytes32: NUL-padded ASCII.
	if len(raw) >= 32 {
		return sanitize(raw[:32]), nil
	}
	return sanitize(raw), nil
}

func beUint(b []byte) uint64 {
	var n uint64
	for _, c := range b {
		n = n<<8 | uint64(c)
	}
	return n
}

func sanitize(b []byte) string {
	s := strings.TrimRight(string(b), "\x00")
	return strings.TrimSpace(s)
}
