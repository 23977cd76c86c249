package transport

import (
	"sync"
	"time"
)

// Dedup remembers envelope ids for a TTL and drops repeats.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewDedup creates a Dedup that forgets ids after ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// Seen marks id and reports whether it had already been seen within the TTL.
func (d *Dedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if t, ok := d.seen[id]; ok && now.Sub(t) <= d.ttl {
		return true
	}
	d.seen[id] = now
	return false
}

// Wrap returns a handler that passes each envelope id through once.
func (d *Dedup) Wrap(h Handler) Handler {
	return func(env Envelope) {
		if env.ID != "" && d.Seen(env.ID) {
			return
		}
		h(env)
	}
}

// Prune removes expired ids and returns the number removed.
func (d *Dedup) Prune() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	n := 0
	for id, t := range d.seen {
		if now.Sub(t) > d.ttl {
			delete(d.seen, id)
			n++
		}
	}
	return n
}

// Len returns the number of remembered ids.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
