// Package rpc is the JSON-RPC 2.0 client for the BSC HTTP endpoint.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chainsift/bscalert/internal/metrics"
	"github.com/chainsift/bscalert/internal/wire"
)

var (
	// ErrNotFound means the queried object does not exist yet, e.g. a
	// receipt for a still-pending transaction. Never retried.
	ErrNotFound = errors.New("not found")

	// ErrTransient covers network failures, 5xx, and 429 responses.
	// Retried with backoff up to the configured attempt limit.
	ErrTransient = errors.New("transient rpc error")
)

const (
	defaultTimeout = 3 * time.Second
	maxAttempts    = 3
	baseBackoff    = 100 * time.Millisecond
)

// Client issues eth_* calls over HTTPS with retry and 429 handling.
type Client struct {
	url     string
	hc      *http.Client
	m       *metrics.Metrics
	reqID   atomic.Int64
	timeout time.Duration
}

// Receipt is a decoded eth_getTransactionReceipt result.
type Receipt struct {
	TxHash  string
	Status  uint64
	GasUsed uint64
	Logs    []*wire.Log
}

// Transaction carries the fields of eth_getTransactionByHash the engine
// uses: only the native value matters for proxy buys paid in BNB.
type Transaction struct {
	Hash  string
	Value *big.Int
}

func NewClient(url string, m *metrics.Metrics) *Client {
	return &Client{
		url: url,
		hc: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		m:       m,
		timeout: defaultTimeout,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call performs one JSON-RPC round trip with retry on transient errors.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		result, err := c.once(ctx, method, body)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrTransient) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%s: attempts exhausted: %w", method, lastErr)
}

func (c *Client) once(ctx context.Context, method string, body []byte) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTransient, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		if c.m != nil {
			c.m.RateLimited.Inc()
		}
		return nil, retryAfterErr(resp)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: %s: http %d", ErrTransient, method, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: http %d", method, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}
	var rr rpcResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, fmt.Errorf("%s: bad response: %w", method, err)
	}
	if rr.Error != nil {
		return nil, fmt.Errorf("%s: rpc error %d: %s", method, rr.Error.Code, rr.Error.Message)
	}
	return rr.Result, nil
}

// retryAfterError carries the server-requested wait for a 429.
type retryAfterError struct {
	wait time.Duration
}

func (e *retryAfterError) Error() string { return "rate limited" }
func (e *retryAfterError) Unwrap() error { return ErrTransient }

func retryAfterErr(resp *http.Response) error {
	e := &retryAfterError{}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			e.wait = time.Duration(secs) * time.Second
		}
	}
	return fmt.Errorf("http 429: %w", e)
}

func backoff(attempt int, lastErr error) time.Duration {
	var rae *retryAfterError
	if errors.As(lastErr, &rae) && rae.wait > 0 {
		return rae.wait
	}
	base := baseBackoff * time.Duration(1<<uint(attempt-1))
	return base + time.Duration(rand.Int63n(int64(base)))
}

// Call issues eth_call against latest and returns the raw hex result.
func (c *Client) Call(ctx context.Context, to, data string) (string, error) {
	result, err := c.call(ctx, "eth_call", []any{
		map[string]string{"to": to, "data": data}, "latest",
	})
	if err != nil {
		return "", err
	}
	var out string
	if err := json.Unmarshal(result, &out); err != nil {
		return "", fmt.Errorf("eth_call: %w", err)
	}
	return out, nil
}

// GetReceipt fetches a transaction receipt. A null result means the
// transaction is still pending and maps to ErrNotFound.
func (c *Client) GetReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	result, err := c.call(ctx, "eth_getTransactionReceipt", []any{txHash})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, fmt.Errorf("receipt %s: %w", txHash, ErrNotFound)
	}

	var raw struct {
		TransactionHash string            `json:"transactionHash"`
		Status          string            `json:"status"`
		GasUsed         string            `json:"gasUsed"`
		Logs            []json.RawMessage `json:"logs"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("receipt %s: %w", txHash, err)
	}

	status, _ := wire.ParseHexUint(raw.Status)
	gasUsed, _ := wire.ParseHexUint(raw.GasUsed)
	r := &Receipt{TxHash: raw.TransactionHash, Status: status, GasUsed: gasUsed}
	for _, rl := range raw.Logs {
		l, err := wire.DecodeReceiptLog(rl)
		if err != nil {
			return nil, fmt.Errorf("receipt %s: %w", txHash, err)
		}
		r.Logs = append(r.Logs, l)
	}
	return r, nil
}

// GetTransaction fetches a transaction by hash; null maps to ErrNotFound.
func (c *Client) GetTransaction(ctx context.Context, txHash string) (*Transaction, error) {
	result, err := c.call(ctx, "eth_getTransactionByHash", []any{txHash})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, fmt.Errorf("tx %s: %w", txHash, ErrNotFound)
	}
	var raw struct {
		Hash  string `json:"hash"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("tx %s: %w", txHash, err)
	}
	value := new(big.Int)
	if hex := strings.TrimPrefix(raw.Value, "0x"); hex != "" {
		value.SetString(hex, 16)
	}
	return &Transaction{Hash: raw.Hash, Value: value}, nil
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "eth_blockNumber", []any{})
	if err != nil {
		return 0, err
	}
	var hex string
	if err := json.Unmarshal(result, &hex); err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return wire.ParseHexUint(hex)
}
