// Package ratelimit throttles inbound traffic per sender with fixed windows
// kept in an in-memory limiter store.
package ratelimit

import (
	"context"
	"sync"
	"time"

	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

const singleKey = "conn"

// Limiter allows a fixed number of events per window for a single sender.
type Limiter struct {
	lim *limiter.Limiter
}

// New creates a Limiter that allows rate events per window.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{lim: newStoreLimiter("ratelimit:conn:", rate, window)}
}

// Allow counts one event and reports whether it is within the limit.
func (l *Limiter) Allow() bool {
	return take(l.lim, singleKey)
}

// Keyed rate-limits many keys against one shared store.
type Keyed struct {
	lim  *limiter.Limiter
	rate int

	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewKeyed creates a per-key limiter. A non-positive rate disables limiting.
func NewKeyed(rate int, window time.Duration) *Keyed {
	k := &Keyed{rate: rate, seen: make(map[string]time.Time), now: time.Now}
	if rate > 0 {
		k.lim = newStoreLimiter("ratelimit:key:", rate, window)
	}
	return k
}

// Allow counts one event for key.
func (k *Keyed) Allow(key string) bool {
	if k.lim == nil {
		return true
	}
	k.mu.Lock()
	k.seen[key] = k.now()
	k.mu.Unlock()
	return take(k.lim, key)
}

// Prune forgets keys not seen for idle and returns how many were removed.
func (k *Keyed) Prune(idle time.Duration) int {
	k.mu.Lock()
	cutoff := k.now().Add(-idle)
	var stale []string
	for key, at := range k.seen {
		if at.Before(cutoff) {
			delete(k.seen, key)
			stale = append(stale, key)
		}
	}
	k.mu.Unlock()
	for _, key := range stale {
		_, _ = k.lim.Reset(context.Background(), key)
	}
	return len(stale)
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.seen)
}

func newStoreLimiter(prefix string, rate int, window time.Duration) *limiter.Limiter {
	store := memory.NewStoreWithOptions(limiter.StoreOptions{
		Prefix:          prefix,
		CleanUpInterval: max(window, time.Second),
	})
	return limiter.New(store, limiter.Rate{Period: window, Limit: int64(rate)})
}

// take fails open when the store errors.
func take(lim *limiter.Limiter, key string) bool {
	res, err := lim.Get(context.Background(), key)
	if err != nil {
		return true
	}
	return !res.Reached
}
