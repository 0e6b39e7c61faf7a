// Package cache provides the in-memory tiers of the engine's cache
// layer: a sharded TTL map for warm entries and a single-flight loader
// that serializes concurrent misses per key. The hot tier is a plain
// hashicorp LRU owned by the metadata resolver; the persistent tier is
// the Redis store.
package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

// TTLMap is a bounded, sharded map whose entries expire after a fixed
// TTL. Expired entries are dropped lazily on read and by the sweeper.
type TTLMap struct {
	ttl    time.Duration
	max    int // per shard; 0 means unbounded
	shards [shardCount]*ttlShard
}

type ttlShard struct {
	mu sync.RWMutex
	m  map[string]ttlEntry
}

type ttlEntry struct {
	value   any
	expires time.Time
}

func NewTTLMap(ttl time.Duration, maxEntries int) *TTLMap {
	t := &TTLMap{ttl: ttl, max: maxEntries / shardCount}
	for i := range t.shards {
		t.shards[i] = &ttlShard{m: make(map[string]ttlEntry)}
	}
	return t
}

func (t *TTLMap) shard(key string) *ttlShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return t.shards[h.Sum32()%shardCount]
}

func (t *TTLMap) Get(key string) (any, bool) {
	s := t.shard(key)
	s.mu.RLock()
	e, ok := s.m[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		s.mu.Lock()
		delete(s.m, key)
		s.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Set stores a fully-populated value. Partially-resolved entries must
// never be written; the cache is valid-or-absent.
func (t *TTLMap) Set(key string, value any) {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.max > 0 && len(s.m) >= t.max {
		// Evict one arbitrary entry; the sweeper keeps pressure low
		// enough that this is a rare overflow valve.
		for k := range s.m {
			delete(s.m, k)
			break
		}
	}
	s.m[key] = ttlEntry{value: value, expires: time.Now().Add(t.ttl)}
}

func (t *TTLMap) Delete(key string) {
	s := t.shard(key)
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}

func (t *TTLMap) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// Sweep removes expired entries from every shard.
func (t *TTLMap) Sweep() {
	now := time.Now()
	for _, s := range t.shards {
		s.mu.Lock()
		for k, e := range s.m {
			if now.After(e.expires) {
				delete(s.m, k)
			}
		}
		s.mu.Unlock()
	}
}

// RunSweeper sweeps at the given interval until ctx is cancelled.
func (t *TTLMap) RunSweeper(ctx context.Context, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.Sweep()
		}
	}
}
