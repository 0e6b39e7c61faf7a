// Package wire decodes JSON-RPC WebSocket frames and the log payloads
// of the events the engine understands: PancakeSwap V2 Swap, ERC-20
// Transfer, and the fourmeme router/proxy events.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// ErrDecode marks a malformed frame or log payload. Callers drop the
// frame and bump a counter; nothing downstream sees a partial event.
var ErrDecode = errors.New("decode error")

// Event topic0 values on BSC.
const (
	TopicSwapV2   = "0xd78ad95fa46c994b6551d0da85fc275fe613ce37657fb8d5e3d130840159d822"
	TopicTransfer = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
)

// FrameKind classifies an inbound WebSocket frame.
type FrameKind int

const (
	FrameOther FrameKind = iota
	FrameSubscriptionAck
	FrameLog
)

// Frame is a decoded WebSocket frame. For acks, ID and SubscriptionID
// are set; for log frames, SubscriptionID and Log are set.
type Frame struct {
	Kind           FrameKind
	ID             int64
	SubscriptionID string
	Log            *Log
}

// Log is one Ethereum log entry as delivered over eth_subscription or
// inside a transaction receipt.
type Log struct {
	Address     string
	Topics      []string
	Data        string
	BlockNumber uint64
	TxHash      string
	LogIndex    uint64
	Removed     bool
}

// SwapAmounts holds the four 256-bit words of a PancakeV2 Swap event.
// Exactly one of (in, out) per token side is nonzero for a normal swap.
type SwapAmounts struct {
	Amount0In  *big.Int
	Amount1In  *big.Int
	Amount0Out *big.Int
	Amount1Out *big.Int
}

// Transfer is a decoded ERC-20 Transfer log.
type Transfer struct {
	Token string
	From  string
	To    string
	Value *big.Int
}

type rawFrame struct {
	ID     *int64 `json:"id"`
	Method string `json:"method"`
	Result any    `json:"result"`
	Params *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

type rawLog struct {
	Address          string   `json:"address"`
	Topics           []string `json:"topics"`
	Data             string   `json:"data"`
	BlockNumber      string   `json:"blockNumber"`
	TransactionHash  string   `json:"transactionHash"`
	LogIndex         string   `json:"logIndex"`
	Removed          bool     `json:"removed"`
}

// DecodeFrame parses a UTF-8 JSON frame from the subscription socket.
// Subscription acks and eth_subscription log frames are recognized;
// everything else comes back as FrameOther so the caller can count it.
func DecodeFrame(payload []byte) (*Frame, error) {
	var raw rawFrame
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: frame not JSON: %v", ErrDecode, err)
	}

	if raw.ID != nil {
		f := &Frame{Kind: FrameSubscriptionAck, ID: *raw.ID}
		if sub, ok := raw.Result.(string); ok {
			f.SubscriptionID = sub
		}
		return f, nil
	}

	if raw.Method != "eth_subscription" || raw.Params == nil {
		return &Frame{Kind: FrameOther}, nil
	}

	var rl rawLog
	if err := json.Unmarshal(raw.Params.Result, &rl); err != nil {
		return nil, fmt.Errorf("%w: log frame: %v", ErrDecode, err)
	}
	if rl.TransactionHash == "" || len(rl.Topics) == 0 {
		return nil, fmt.Errorf("%w: log frame missing transactionHash or topics", ErrDecode)
	}

	log, err := rl.toLog()
	if err != nil {
		return nil, err
	}
	return &Frame{
		Kind:           FrameLog,
		SubscriptionID: raw.Params.Subscription,
		Log:            log,
	}, nil
}

// DecodeReceiptLog converts a raw receipt log object (already unmarshaled
// from JSON) into a Log.
func DecodeReceiptLog(data json.RawMessage) (*Log, error) {
	var rl rawLog
	if err := json.Unmarshal(data, &rl); err != nil {
		return nil, fmt.Errorf("%w: receipt log: %v", ErrDecode, err)
	}
	return rl.toLog()
}

func (rl *rawLog) toLog() (*Log, error) {
	block, err := ParseHexUint(rl.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: blockNumber %q", ErrDecode, rl.BlockNumber)
	}
	idx, err := ParseHexUint(rl.LogIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: logIndex %q", ErrDecode, rl.LogIndex)
	}
	return &Log{
		Address:     strings.ToLower(rl.Address),
		Topics:      rl.Topics,
		Data:        rl.Data,
		BlockNumber: block,
		TxHash:      rl.TransactionHash,
		LogIndex:    idx,
		Removed:     rl.Removed,
	}, nil
}

// ParseSwapData decodes the data field of a PancakeV2 Swap event:
// four packed 32-byte words.
func ParseSwapData(data string) (*SwapAmounts, error) {
	hex := strings.TrimPrefix(data, "0x")
	if len(hex) < 256 {
		return nil, fmt.Errorf("%w: swap data %d hex chars, want 256", ErrDecode, len(hex))
	}
	words := make([]*big.Int, 4)
	for i := 0; i < 4; i++ {
		w, ok := new(big.Int).SetString(hex[i*64:(i+1)*64], 16)
		if !ok {
			return nil, fmt.Errorf("%w: swap data word %d not hex", ErrDecode, i)
		}
		words[i] = w
	}
	return &SwapAmounts{
		Amount0In:  words[0],
		Amount1In:  words[1],
		Amount0Out: words[2],
		Amount1Out: words[3],
	}, nil
}

// ParseTransfer decodes an ERC-20 Transfer log. The log address is the
// token contract; topics 1 and 2 carry the padded from/to addresses.
func ParseTransfer(l *Log) (*Transfer, error) {
	if len(l.Topics) < 3 || l.Topics[0] != TopicTransfer {
		return nil, fmt.Errorf("%w: not a Transfer log", ErrDecode)
	}
	value := new(big.Int)
	hex := strings.TrimPrefix(l.Data, "0x")
	if hex != "" {
		v, ok := new(big.Int).SetString(hex, 16)
		if !ok {
			return nil, fmt.Errorf("%w: transfer value not hex", ErrDecode)
		}
		value = v
	}
	return &Transfer{
		Token: strings.ToLower(l.Address),
		From:  TopicAddress(l.Topics[1]),
		To:    TopicAddress(l.Topics[2]),
		Value: value,
	}, nil
}

// TopicAddress extracts the 20-byte address from a 32-byte topic word.
func TopicAddress(topic string) string {
	t := strings.TrimPrefix(topic, "0x")
	if len(t) < 40 {
		return ""
	}
	return strings.ToLower("0x" + t[len(t)-40:])
}

// ParseHexUint parses a JSON-RPC hex quantity ("0x1a") into a uint64.
// An empty string parses as zero: pending logs omit some fields.
func ParseHexUint(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}
