// Package filter implements the two admission layers: a synchronous
// USD-notional check with cumulative rolling windows, and an
// asynchronous statistics check against the external stats API.
package filter

import (
	"sync"
	"time"

	"github.com/chainsift/bscalert/internal/config"
)

// Origin tags where a swap was observed.
type Origin string

const (
	// OriginInternal is a fourmeme proxy purchase seen via Transfer logs.
	OriginInternal Origin = "internal"
	// OriginExternal is a PancakeSwap V2 Swap event.
	OriginExternal Origin = "external"
)

// Decision is the layer-1 outcome for one event.
type Decision struct {
	Admitted   bool
	Cumulative bool    // admitted via the rolling window, not a single event
	WindowSum  float64 // USD retained in the window at decision time
}

type windowEvent struct {
	at  time.Time
	usd float64
}

type tokenWindow struct {
	mu     sync.Mutex
	events []windowEvent
}

// Layer1 admits events whose USD notional meets the per-event threshold
// and accumulates sub-threshold events into per-token rolling windows.
// Locking is per token; the outer map lock is held only for lookup.
type Layer1 struct {
	mu      sync.Mutex
	windows map[string]*tokenWindow
	now     func() time.Time
}

func NewLayer1() *Layer1 {
	return &Layer1{windows: make(map[string]*tokenWindow), now: time.Now}
}

func (l *Layer1) window(token string) *tokenWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[token]
	if !ok {
		w = &tokenWindow{}
		l.windows[token] = w
	}
	return w
}

// Admit applies the per-event threshold and, below it, the cumulative
// window. Only sub-threshold events accumulate; a cumulative admission
// clears the window so one burst fires once.
func (l *Layer1) Admit(token string, usd float64, origin Origin, th *config.Thresholds) Decision {
	internal := origin == OriginInternal
	if usd >= th.MinUSD(internal) {
		return Decision{Admitted: true}
	}

	w := l.window(token)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-time.Duration(th.CumulativeWindowSecs) * time.Second)
	w.evict(cutoff)

	w.events = append(w.events, windowEvent{at: now, usd: usd})
	sum := 0.0
	for _, e := range w.events {
		sum += e.usd
	}

	if sum >= th.CumulativeMin(internal) {
		w.events = w.events[:0]
		return Decision{Admitted: true, Cumulative: true, WindowSum: sum}
	}
	return Decision{WindowSum: sum}
}

// Sum reports the current window total for a token, evicting stale
// entries first.
func (l *Layer1) Sum(token string, windowLen time.Duration) float64 {
	w := l.window(token)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(l.now().Add(-windowLen))
	sum := 0.0
	for _, e := range w.events {
		sum += e.usd
	}
	return sum
}

func (w *tokenWindow) evict(cutoff time.Time) {
	keep := w.events[:0]
	for _, e := range w.events {
		if !e.at.Before(cutoff) {
			keep = append(keep, e)
		}
	}
	w.events = keep
}

// Sweep drops tokens whose windows have gone empty or fully stale.
func (l *Layer1) Sweep(windowLen time.Duration) {
	cutoff := l.now().Add(-windowLen)
	l.mu.Lock()
	defer l.mu.Unlock()
	for token, w := range l.windows {
		w.mu.Lock()
		w.evict(cutoff)
		empty := len(w.events) == 0
		w.mu.Unlock()
		if empty {
			delete(l.windows, token)
		}
	}
}
