package infra

import (
	"context"
	"path"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by tests and by deployments that
// run without Redis. TTLs are honored lazily on read.
type MemStore struct {
	mu      sync.Mutex
	strings map[string]memEntry
	sets    map[string]map[string]struct{}
	setExp  map[string]time.Time
}

type memEntry struct {
	value   string
	expires time.Time // zero means no expiry
}

func NewMemStore() *MemStore {
	return &MemStore{
		strings: make(map[string]memEntry),
		sets:    make(map[string]map[string]struct{}),
		setExp:  make(map[string]time.Time),
	}
}

func (s *MemStore) expired(e memEntry) bool {
	return !e.expires.IsZero() && time.Now().After(e.expires)
}

func (s *MemStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.strings[key]
	if !ok || s.expired(e) {
		delete(s.strings, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.strings[key] = memEntry{value: value, expires: exp}
	return nil
}

func (s *MemStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.strings[key]; ok && !s.expired(e) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.strings[key] = memEntry{value: value, expires: exp}
	return true, nil
}

func (s *MemStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.strings, k)
		delete(s.sets, k)
		delete(s.setExp, k)
	}
	return nil
}

func (s *MemStore) SAdd(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *MemStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.setExp[key]; ok && time.Now().After(exp) {
		delete(s.sets, key)
		delete(s.setExp, key)
		return false, nil
	}
	set, ok := s.sets[key]
	if !ok {
		return false, nil
	}
	_, ok = set[member]
	return ok, nil
}

func (s *MemStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.strings[key]; ok {
		e.expires = time.Now().Add(ttl)
		s.strings[key] = e
	}
	if _, ok := s.sets[key]; ok {
		s.setExp[key] = time.Now().Add(ttl)
	}
	return nil
}

func (s *MemStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.strings[key]
	if !ok || s.expired(e) {
		return -2 * time.Second, nil
	}
	if e.expires.IsZero() {
		return -1 * time.Second, nil
	}
	return time.Until(e.expires), nil
}

func (s *MemStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k, e := range s.strings {
		if s.expired(e) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *MemStore) Close() error { return nil }
