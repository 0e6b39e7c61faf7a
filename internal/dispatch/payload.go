package dispatch

import (
	"fmt"
	"strings"
)

// Button is one inline link under the alert message.
type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Payload is the alert content handed to the notifier and persisted on
// the retry path.
type Payload struct {
	Token     string   `json:"token"`
	Symbol    string   `json:"symbol"`
	Pair      string   `json:"pair"`
	TxHash    string   `json:"tx_hash"`
	Origin    string   `json:"origin"`    // internal | external
	PoolType  string   `json:"pool_type"` // fourmeme | pancake_v2
	USDValue  float64  `json:"usd_value"`
	PriceUSD  float64  `json:"price_usd,omitempty"`
	MarketCap float64  `json:"market_cap,omitempty"`
	QuoteIn   float64  `json:"quote_in,omitempty"`  // quote asset spent
	TargetOut float64  `json:"target_out,omitempty"` // target tokens received
	Reasons   []string `json:"reasons"`
}

// Text renders the notifier message body.
func (p *Payload) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 %s buy $%s\n", p.Symbol, FormatAmount(p.USDValue))
	fmt.Fprintf(&b, "CA: %s\n", p.Token)
	if p.PriceUSD > 0 {
		fmt.Fprintf(&b, "Price: $%s\n", formatPrice(p.PriceUSD))
	}
	if p.MarketCap > 0 {
		fmt.Fprintf(&b, "MC: $%s\n", FormatAmount(p.MarketCap))
	}
	fmt.Fprintf(&b, "Pool: %s (%s)\n", p.PoolType, p.Origin)
	if p.QuoteIn > 0 && p.TargetOut > 0 {
		fmt.Fprintf(&b, "Spent %s quote for %s %s\n",
			FormatAmount(p.QuoteIn), FormatAmount(p.TargetOut), p.Symbol)
	}
	if len(p.Reasons) > 0 {
		fmt.Fprintf(&b, "Triggers: %s\n", strings.Join(p.Reasons, ", "))
	}
	fmt.Fprintf(&b, "Tx: %s", p.TxHash)
	return b.String()
}

// Buttons builds the chart deep links for the token.
func (p *Payload) Buttons() []Button {
	return []Button{
		{Text: "GMGN", URL: "https://gmgn.ai/bsc/token/" + p.Token},
		{Text: "OKX", URL: "https://www.okx.com/web3/detail/56/" + p.Token},
	}
}

// FormatAmount renders a number with K/M/B suffixes: 1234 -> 1.23K.
func FormatAmount(v float64) string {
	abs := v
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= 1e9:
		return trimZeros(fmt.Sprintf("%.2f", v/1e9)) + "B"
	case abs >= 1e6:
		return trimZeros(fmt.Sprintf("%.2f", v/1e6)) + "M"
	case abs >= 1e3:
		return trimZeros(fmt.Sprintf("%.2f", v/1e3)) + "K"
	case abs >= 1:
		return trimZeros(fmt.Sprintf("%.2f", v))
	default:
		return fmt.Sprintf("%.4g", v)
	}
}

// formatPrice keeps enough precision for sub-cent token prices.
func formatPrice(v float64) string {
	if v >= 0.01 {
		return trimZeros(fmt.Sprintf("%.4f", v))
	}
	return fmt.Sprintf("%.3g", v)
}

func trimZeros(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
