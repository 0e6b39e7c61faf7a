package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/chainsift/bscalert/internal/infra"
)

// ThresholdsKey is the KV document holding the live filter thresholds.
const ThresholdsKey = "bsc:monitor:config:thresholds"

// Rule kinds for the statistics layer.
const (
	RulePriceRise = "price_rise"
	RulePriceFall = "price_fall"
	RuleVolume    = "volume"
	RuleTop10     = "top10"
)

// Rule is one statistics-layer condition bound to a time window.
// Threshold is a percent for price and holder rules, USD for volume.
type Rule struct {
	Kind      string  `json:"kind"`
	Window    string  `json:"window"`
	Threshold float64 `json:"threshold"`
	Enabled   bool    `json:"enabled"`
}

// Thresholds is an immutable snapshot of the filter configuration.
// Readers take one snapshot per event and never see a torn update.
type Thresholds struct {
	MinUSDInternal        float64 `json:"min_usd_internal"`
	MinUSDExternal        float64 `json:"min_usd_external"`
	CumulativeMinInternal float64 `json:"cumulative_min_internal"`
	CumulativeMinExternal float64 `json:"cumulative_min_external"`
	CumulativeWindowSecs  int     `json:"cumulative_window_seconds"`

	CooldownSecs int `json:"cooldown_seconds"`
	JitterSecs   int `json:"jitter_seconds"`

	TriggerLogic string `json:"trigger_logic"` // any | all
	Rules        []Rule `json:"rules"`
}

// DefaultThresholds are used until the KV document is first loaded.
func DefaultThresholds() *Thresholds {
	return &Thresholds{
		MinUSDInternal:        200,
		MinUSDExternal:        400,
		CumulativeMinInternal: 500,
		CumulativeMinExternal: 1000,
		CumulativeWindowSecs:  300,
		CooldownSecs:          180,
		JitterSecs:            30,
		TriggerLogic:          "any",
		Rules: []Rule{
			{Kind: RulePriceRise, Window: "1m", Threshold: 20, Enabled: true},
		},
	}
}

// ThresholdManager publishes the current Thresholds snapshot. Refresh
// swaps the pointer atomically; Current never blocks.
type ThresholdManager struct {
	kv      infra.Store
	current atomic.Pointer[Thresholds]
}

func NewThresholdManager(kv infra.Store) *ThresholdManager {
	m := &ThresholdManager{kv: kv}
	m.current.Store(DefaultThresholds())
	return m
}

// Current returns the live snapshot. Callers must not mutate it.
func (m *ThresholdManager) Current() *Thresholds {
	return m.current.Load()
}

// Refresh reloads the KV document. A missing key keeps the current
// snapshot; a malformed document is an error and changes nothing.
func (m *ThresholdManager) Refresh(ctx context.Context) error {
	raw, ok, err := m.kv.Get(ctx, ThresholdsKey)
	if err != nil {
		return fmt.Errorf("load thresholds: %w", err)
	}
	if !ok {
		slog.Debug("no threshold document in kv, keeping current snapshot")
		return nil
	}

	next := DefaultThresholds()
	if err := json.Unmarshal([]byte(raw), next); err != nil {
		return fmt.Errorf("parse thresholds: %w", err)
	}
	if err := next.validate(); err != nil {
		return err
	}
	m.current.Store(next)
	slog.Info("thresholds refreshed",
		"min_usd_internal", next.MinUSDInternal,
		"min_usd_external", next.MinUSDExternal,
		"rules", len(next.Rules),
		"trigger_logic", next.TriggerLogic)
	return nil
}

func (t *Thresholds) validate() error {
	if t.TriggerLogic != "any" && t.TriggerLogic != "all" {
		return fmt.Errorf("trigger_logic must be any or all, got %q", t.TriggerLogic)
	}
	if t.CooldownSecs <= 0 || t.JitterSecs < 0 {
		return fmt.Errorf("cooldown %ds jitter %ds invalid", t.CooldownSecs, t.JitterSecs)
	}
	if t.CumulativeWindowSecs <= 0 {
		return fmt.Errorf("cumulative window %ds invalid", t.CumulativeWindowSecs)
	}
	for _, r := range t.Rules {
		switch r.Kind {
		case RulePriceRise, RulePriceFall, RuleVolume, RuleTop10:
		default:
			return fmt.Errorf("unknown rule kind %q", r.Kind)
		}
		switch r.Window {
		case "1m", "5m", "1h":
		default:
			return fmt.Errorf("rule %s: unknown window %q", r.Kind, r.Window)
		}
	}
	return nil
}

// MinUSD returns the per-event threshold for the given origin.
func (t *Thresholds) MinUSD(internal bool) float64 {
	if internal {
		return t.MinUSDInternal
	}
	return t.MinUSDExternal
}

// CumulativeMin returns the rolling-window threshold for the origin.
func (t *Thresholds) CumulativeMin(internal bool) float64 {
	if internal {
		return t.CumulativeMinInternal
	}
	return t.CumulativeMinExternal
}
