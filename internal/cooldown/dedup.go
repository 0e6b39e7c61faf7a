package cooldown

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	dedupTTL      = 10 * time.Minute
	dedupSweepGap = time.Minute
)

// Dedup is the in-memory (txHash, logIndex) set that suppresses
// reprocessing of a log within the dedup horizon.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewDedup() *Dedup {
	return &Dedup{seen: make(map[string]time.Time), now: time.Now}
}

func dedupKey(txHash string, logIndex uint64) string {
	return fmt.Sprintf("%s#%d", txHash, logIndex)
}

// Seen marks the log as processed and reports whether it already was.
// The first caller for a given (txHash, logIndex) gets false; everyone
// after gets true until the entry ages out.
func (d *Dedup) Seen(txHash string, logIndex uint64) bool {
	key := dedupKey(txHash, logIndex)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if at, ok := d.seen[key]; ok && now.Sub(at) < dedupTTL {
		return true
	}
	d.seen[key] = now
	return false
}

// Sweep drops entries past the dedup horizon.
func (d *Dedup) Sweep() {
	cutoff := d.now().Add(-dedupTTL)
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, k)
		}
	}
}

// Len reports the live entry count, for the cache-size gauge.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// RunSweeper sweeps once a minute until ctx is cancelled.
func (d *Dedup) RunSweeper(ctx context.Context) {
	t := time.NewTicker(dedupSweepGap)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.Sweep()
		}
	}
}
