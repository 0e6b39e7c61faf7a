// Package cooldown enforces the per-token alert cooldown and the
// short-horizon transaction dedup.
package cooldown

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/chainsift/bscalert/internal/infra"
)

func cooldownKey(token string) string { return "bsc:cooldown:" + token }

// Guard claims and releases per-token cooldowns in the KV store. A
// claim is one atomic set-if-absent, so two workers racing on the same
// token cannot both alert.
type Guard struct {
	kv       infra.Store
	base     time.Duration
	jitter   time.Duration
	randIntn func(n int64) int64
}

func NewGuard(kv infra.Store, base, jitter time.Duration) *Guard {
	return &Guard{kv: kv, base: base, jitter: jitter, randIntn: rand.Int63n}
}

// Claim attempts to take the cooldown for a token. Returns true iff the
// key was created; the TTL is base plus uniform jitter so a burst of
// tokens does not re-arm in lockstep.
func (g *Guard) Claim(ctx context.Context, token string) (bool, error) {
	ttl := g.base
	if g.jitter > 0 {
		ttl += time.Duration(g.randIntn(int64(g.jitter)))
	}
	ok, err := g.kv.SetNX(ctx, cooldownKey(token), "1", ttl)
	if err != nil {
		return false, fmt.Errorf("cooldown claim %s: %w", token, err)
	}
	return ok, nil
}

// Release drops the cooldown unconditionally. Called on every failure
// path after a successful claim; deleting an absent key is a no-op.
func (g *Guard) Release(ctx context.Context, token string) error {
	if err := g.kv.Del(ctx, cooldownKey(token)); err != nil {
		return fmt.Errorf("cooldown release %s: %w", token, err)
	}
	return nil
}

// Remaining reports the TTL left on a token's cooldown; negative when
// no cooldown is held.
func (g *Guard) Remaining(ctx context.Context, token string) (time.Duration, error) {
	return g.kv.TTL(ctx, cooldownKey(token))
}
