package rpc

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit state for one upstream.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // requests pass through
	BreakerOpen                         // upstream shed, requests fail fast
	BreakerHalfOpen                     // probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned without touching the upstream while the
// circuit is open or half-open probes are exhausted.
var ErrBreakerOpen = errors.New("upstream circuit open")

// BreakerConfig tunes one Breaker.
type BreakerConfig struct {
	Name string

	// MaxProbes is how many requests may pass in half-open state.
	MaxProbes uint32

	// Interval clears closed-state counts; zero disables clearing.
	Interval time.Duration

	// OpenFor is how long the circuit stays open before probing.
	OpenFor time.Duration

	// TripAfter is the consecutive-failure count that opens the circuit.
	TripAfter uint32
}

// DefaultBreakerConfig suits the chain RPC and stats upstreams: trip
// after 5 consecutive failures, probe again after 30 seconds.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:      name,
		MaxProbes: 3,
		Interval:  time.Minute,
		OpenFor:   30 * time.Second,
		TripAfter: 5,
	}
}

type breakerCounts struct {
	requests      uint32
	consecFails   uint32
	consecSuccess uint32
}

// Breaker sheds load from a failing upstream. Results from a previous
// generation are discarded so a slow response cannot flip a circuit
// that already moved on.
type Breaker struct {
	cfg BreakerConfig

	mu         sync.Mutex
	state      BreakerState
	generation uint64
	counts     breakerCounts
	expiry     time.Time
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg, state: BreakerClosed}
}

// State reports the current state, advancing open to half-open when the
// open window has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(time.Now())
	return s
}

// Do runs fn under the breaker. When the circuit is open it returns
// ErrBreakerOpen without invoking fn.
func (b *Breaker) Do(fn func() error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.after(gen, false)
			panic(r)
		}
	}()
	err = fn()
	b.after(gen, err == nil)
	return err
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.currentState(now)
	if state == BreakerOpen {
		return gen, ErrBreakerOpen
	}
	if state == BreakerHalfOpen && b.counts.requests >= b.cfg.MaxProbes {
		return gen, ErrBreakerOpen
	}
	b.counts.requests++
	return gen, nil
}

func (b *Breaker) after(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.currentState(now)
	if gen != current {
		return
	}

	if success {
		b.counts.consecSuccess++
		b.counts.consecFails = 0
		if state == BreakerHalfOpen && b.counts.consecSuccess >= b.cfg.MaxProbes {
			b.setState(BreakerClosed, now)
		}
		return
	}

	b.counts.consecFails++
	b.counts.consecSuccess = 0
	switch state {
	case BreakerClosed:
		if b.counts.consecFails >= b.cfg.TripAfter {
			b.setState(BreakerOpen, now)
		}
	case BreakerHalfOpen:
		b.setState(BreakerOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (BreakerState, uint64) {
	switch b.state {
	case BreakerClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case BreakerOpen:
		if b.expiry.Before(now) {
			b.setState(BreakerHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state BreakerState, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)
	slog.Warn("circuit state change", "breaker", b.cfg.Name, "from", prev.String(), "to", state.String())
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = breakerCounts{}
	switch b.state {
	case BreakerClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case BreakerOpen:
		b.expiry = now.Add(b.cfg.OpenFor)
	default:
		b.expiry = time.Time{}
	}
}
