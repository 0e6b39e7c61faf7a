package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// DefaultWBNBPrice is the last-resort quote used only when the operator
// explicitly allows running without a live spot feed.
const DefaultWBNBPrice = 600.0

const priceTTL = 5 * time.Minute

// ErrNoPrice is returned when no live quote exists and the default is
// not allowed.
var ErrNoPrice = errors.New("no wbnb price available")

// PriceFeed caches the BNB/USDT spot price from the exchange ticker
// endpoint. A stale quote beats no quote: the last good value is kept
// past its TTL and only refreshed, never discarded, so a feed outage
// degrades accuracy instead of halting alerts.
type PriceFeed struct {
	url          string
	hc           *http.Client
	allowDefault bool

	mu        sync.Mutex
	price     float64
	fetchedAt time.Time
}

func NewPriceFeed(base string, allowDefault bool) *PriceFeed {
	return &PriceFeed{
		url:          base + "/spot/tickers?currency_pair=BNB_USDT",
		hc:           &http.Client{Timeout: 10 * time.Second},
		allowDefault: allowDefault,
	}
}

// WBNBPrice returns the cached quote, refreshing when it is older than
// the TTL. With no quote ever obtained, the gated default applies.
func (p *PriceFeed) WBNBPrice(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.price > 0 && time.Since(p.fetchedAt) < priceTTL {
		return p.price, nil
	}

	quote, err := p.fetch(ctx)
	if err == nil {
		p.price = quote
		p.fetchedAt = time.Now()
		return quote, nil
	}

	if p.price > 0 {
		slog.Warn("wbnb price refresh failed, using stale quote",
			"err", err, "stale", time.Since(p.fetchedAt).Round(time.Second))
		return p.price, nil
	}
	if p.allowDefault {
		slog.Warn("wbnb price unavailable, using default", "err", err, "default", DefaultWBNBPrice)
		return DefaultWBNBPrice, nil
	}
	return 0, fmt.Errorf("%w: %v", ErrNoPrice, err)
}

func (p *PriceFeed) fetch(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("spot ticker: http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	var out struct {
		Last string `json:"last"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("spot ticker: %w", err)
	}
	quote, err := strconv.ParseFloat(out.Last, 64)
	if err != nil || quote <= 0 {
		return 0, fmt.Errorf("spot ticker: bad last %q", out.Last)
	}
	return quote, nil
}
