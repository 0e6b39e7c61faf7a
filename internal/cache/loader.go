package cache

import "golang.org/x/sync/singleflight"

// Loader serializes concurrent cache misses for the same key: only one
// goroutine performs the upstream call, and every waiter observes the
// same value and error.
type Loader struct {
	sf singleflight.Group
}

func (l *Loader) Do(key string, fn func() (any, error)) (any, error) {
	v, err, _ := l.sf.Do(key, fn)
	return v, err
}

// Forget drops in-flight suppression for a key so the next miss
// re-resolves. Used after an upstream failure.
func (l *Loader) Forget(key string) {
	l.sf.Forget(key)
}
