// Package stats talks to the external token statistics service: pair
// trading stats per time window and the fourmeme launchpad classifier.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/chainsift/bscalert/internal/rpc"
)

// Completeness of a stat window as reported by the API.
const (
	Complete = "complete"
	Partial  = "partial"
	Empty    = "empty"
)

// Valid stat windows.
const (
	Window1m = "1m"
	Window5m = "5m"
	Window1h = "1h"
)

// ErrTransient marks a stats API failure worth retrying or widening.
var ErrTransient = errors.New("stats api unavailable")

// PairStat is one window of pair trading statistics. PriceChange and
// Top10Pct are percentages (22 means +22%), Volume is USD.
type PairStat struct {
	Pair         string  `json:"pair"`
	Window       string  `json:"interval"`
	PriceChange  float64 `json:"priceChange"`
	Volume       float64 `json:"volume"`
	Txs          int     `json:"txs"`
	Top10Pct     float64 `json:"top10"`
	Completeness string  `json:"completeness"`
}

// Client queries the statistics service. All calls share one pooled
// http.Client and go through a circuit breaker so a dead upstream does
// not stall every worker for its full timeout.
type Client struct {
	base    string
	hc      *http.Client
	breaker *rpc.Breaker
}

func NewClient(base string) *Client {
	return &Client{
		base: base,
		hc: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 50,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker: rpc.NewBreaker(rpc.DefaultBreakerConfig("stats-api")),
	}
}

// PairStats fetches stats for one pair and window.
func (c *Client) PairStats(ctx context.Context, pair, window string) (*PairStat, error) {
	u := fmt.Sprintf("%s/pair/%s?interval=%s", c.base, url.PathEscape(pair), url.QueryEscape(window))

	var st PairStat
	err := c.breaker.Do(func() error {
		body, err := c.get(ctx, u)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &st); err != nil {
			return fmt.Errorf("pair stats %s: %w", pair, err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, rpc.ErrBreakerOpen) {
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return nil, err
	}
	if st.Window == "" {
		st.Window = window
	}
	if st.Completeness == "" {
		st.Completeness = Empty
	}
	st.Pair = pair
	return &st, nil
}

// IsFourmeme asks the launchpad classifier whether a token was launched
// through fourmeme.
func (c *Client) IsFourmeme(ctx context.Context, token string) (bool, error) {
	u := fmt.Sprintf("%s/launchpad/%s", c.base, url.PathEscape(token))

	var out struct {
		IsFourmeme bool `json:"is_fourmeme"`
	}
	err := c.breaker.Do(func() error {
		body, err := c.get(ctx, u)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &out)
	})
	if err != nil {
		if errors.Is(err, rpc.ErrBreakerOpen) {
			return false, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return false, err
	}
	return out.IsFourmeme, nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: http %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stats api: http %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
