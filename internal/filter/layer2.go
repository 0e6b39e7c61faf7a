package filter

import (
	"context"
	"fmt"
	"time"

	"github.com/chainsift/bscalert/internal/config"
	"github.com/chainsift/bscalert/internal/infra"
	"github.com/chainsift/bscalert/internal/metrics"
	"github.com/chainsift/bscalert/internal/stats"
)

// StatsSource is the pair statistics surface layer-2 queries.
type StatsSource interface {
	PairStats(ctx context.Context, pair, window string) (*stats.PairStat, error)
}

// fallbackNext widens an empty stat window one step at a time.
var fallbackNext = map[string]string{
	stats.Window1m: stats.Window5m,
	stats.Window5m: stats.Window1h,
}

const noDataTTL = 10 * time.Minute

func noDataKey(pair string) string { return "bsc:no_data_pair:" + pair }

// Verdict is the layer-2 outcome.
type Verdict struct {
	Pass    bool
	NoData  bool     // pair had no usable stats in any window
	Reasons []string // human-readable fired rules, for the alert text
}

// Layer2 evaluates the threshold rules against pair statistics,
// widening windows per the fallback table and negative-caching pairs
// the stats service knows nothing about.
type Layer2 struct {
	source StatsSource
	kv     infra.Store
	m      *metrics.Metrics
}

func NewLayer2(source StatsSource, kv infra.Store, m *metrics.Metrics) *Layer2 {
	return &Layer2{source: source, kv: kv, m: m}
}

// Evaluate runs the enabled rules for one pair under the given
// snapshot. Transient stats failures surface as errors so the caller
// can decide; a confirmed no-data pair is a clean rejection.
func (l *Layer2) Evaluate(ctx context.Context, pair string, th *config.Thresholds) (*Verdict, error) {
	if _, held, err := l.kv.Get(ctx, noDataKey(pair)); err == nil && held {
		return &Verdict{NoData: true}, nil
	}

	enabled := enabledRules(th)
	if len(enabled) == 0 {
		return &Verdict{Pass: true}, nil
	}

	fetched := map[string]*stats.PairStat{}
	var fired []string
	satisfied := map[int]bool{}

	// Rise and fall over the same window are one disjunctive condition:
	// in all-mode either firing satisfies the price leg.
	priceLegs := map[string][]int{}
	for i, r := range enabled {
		if r.Kind == config.RulePriceRise || r.Kind == config.RulePriceFall {
			priceLegs[r.Window] = append(priceLegs[r.Window], i)
		}
	}

	for i, rule := range enabled {
		st, err := l.statWithFallback(ctx, pair, rule.Window, fetched)
		if err != nil {
			return nil, err
		}
		if st == nil {
			// Every window along the chain came back empty.
			_ = l.kv.Set(ctx, noDataKey(pair), "1", noDataTTL)
			return &Verdict{NoData: true}, nil
		}
		if reason, ok := ruleFires(rule, st); ok {
			satisfied[i] = true
			fired = append(fired, reason)
		}
	}

	pass := false
	switch th.TriggerLogic {
	case "all":
		pass = true
		seenLeg := map[string]bool{}
		for i, r := range enabled {
			if r.Kind == config.RulePriceRise || r.Kind == config.RulePriceFall {
				if seenLeg[r.Window] {
					continue
				}
				seenLeg[r.Window] = true
				legOK := false
				for _, j := range priceLegs[r.Window] {
					legOK = legOK || satisfied[j]
				}
				pass = pass && legOK
				continue
			}
			pass = pass && satisfied[i]
		}
	default: // any
		pass = len(fired) > 0
	}

	return &Verdict{Pass: pass, Reasons: fired}, nil
}

// statWithFallback fetches stats for a window, widening one step at a
// time until a complete window appears. Returns nil when the whole
// chain is empty.
func (l *Layer2) statWithFallback(ctx context.Context, pair, window string, fetched map[string]*stats.PairStat) (*stats.PairStat, error) {
	var lastPartial *stats.PairStat
	for {
		st, ok := fetched[window]
		if !ok {
			var err error
			st, err = l.source.PairStats(ctx, pair, window)
			if err != nil {
				return nil, fmt.Errorf("layer2 %s window %s: %w", pair, window, err)
			}
			fetched[window] = st
		}

		switch st.Completeness {
		case stats.Complete:
			return st, nil
		case stats.Partial:
			lastPartial = st
		}

		next, hasNext := fallbackNext[window]
		if !hasNext {
			// End of the chain: a partial window beats nothing.
			return lastPartial, nil
		}
		if l.m != nil {
			l.m.Fallbacks.WithLabelValues(window + "->" + next).Inc()
		}
		window = next
	}
}

func enabledRules(th *config.Thresholds) []config.Rule {
	var out []config.Rule
	for _, r := range th.Rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

func ruleFires(r config.Rule, st *stats.PairStat) (string, bool) {
	switch r.Kind {
	case config.RulePriceRise:
		if st.PriceChange >= r.Threshold {
			return fmt.Sprintf("price +%.1f%% in %s (>= %.1f%%)", st.PriceChange, st.Window, r.Threshold), true
		}
	case config.RulePriceFall:
		if -st.PriceChange >= r.Threshold {
			return fmt.Sprintf("price %.1f%% in %s (fall >= %.1f%%)", st.PriceChange, st.Window, r.Threshold), true
		}
	case config.RuleVolume:
		if st.Volume >= r.Threshold {
			return fmt.Sprintf("volume $%.0f in %s (>= $%.0f)", st.Volume, st.Window, r.Threshold), true
		}
	case config.RuleTop10:
		if st.Top10Pct <= r.Threshold {
			return fmt.Sprintf("top10 holders %.1f%% (<= %.1f%%)", st.Top10Pct, r.Threshold), true
		}
	}
	return "", false
}
