// Package membership tracks which swarm participants are alive. Members
// announce themselves with heartbeats and go offline when they stop.
package membership

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Member describes a swarm participant.
type Member struct {
	ID           string    `json:"id"`
	Address      string    `json:"address,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
	Online       bool      `json:"online"`
}

// Heartbeat is the message members publish periodically.
type Heartbeat struct {
	ID           string   `json:"id"`
	Address      string   `json:"address,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Leaving      bool     `json:"leaving,omitempty"`
}

// Stats summarises the directory.
type Stats struct {
	Online int `json:"online"`
	Total  int `json:"total"`
}

// Tracker is an in-memory member directory.
type Tracker struct {
	mu      sync.RWMutex
	members map[string]*Member
	now     func() time.Time
}

// NewTracker creates an empty directory.
func NewTracker() *Tracker {
	return &Tracker{members: make(map[string]*Member), now: time.Now}
}

// Observe applies a heartbeat: a leaving member is removed, anyone else is
// registered or refreshed and marked online.
func (t *Tracker) Observe(hb Heartbeat) {
	id := strings.TrimSpace(hb.ID)
	if id == "" {
		return
	}
	if hb.Leaving {
		t.Unregister(id)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.members[id]
	if !ok {
		m = &Member{ID: id}
		t.members[id] = m
	}
	if hb.Address != "" {
		m.Address = hb.Address
	}
	if hb.Capabilities != nil {
		m.Capabilities = append([]string(nil), hb.Capabilities...)
	}
	m.LastSeen = t.now()
	m.Online = true
}

// Touch refreshes a known member. Any authenticated message counts as proof
// of life; unknown ids are ignored.
func (t *Tracker) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.members[id]; ok {
		m.LastSeen = t.now()
		m.Online = true
	}
}

// Unregister removes a member entirely.
func (t *Tracker) Unregister(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.members, id)
}

// Member returns a copy of one member.
func (t *Tracker) Member(id string) (Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.members[id]
	if !ok {
		return Member{}, false
	}
	out := *m
	out.Capabilities = append([]string(nil), m.Capabilities...)
	return out, true
}

// Online returns copies of online members ordered by id.
func (t *Tracker) Online() []Member {
	t.mu.RLock()
	var out []Member
	for _, m := range t.members {
		if m.Online {
			c := *m
			c.Capabilities = append([]string(nil), m.Capabilities...)
			out = append(out, c)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EligibleVoters is the number of online members.
func (t *Tracker) EligibleVoters() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, m := range t.members {
		if m.Online {
			n++
		}
	}
	return n
}

// PruneOffline marks members offline when not seen within timeout and
// returns how many changed state.
func (t *Tracker) PruneOffline(timeout time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-timeout)
	n := 0
	for _, m := range t.members {
		if m.Online && m.LastSeen.Before(cutoff) {
			m.Online = false
			n++
		}
	}
	return n
}

// Stats returns directory counts.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Stats{Total: len(t.members)}
	for _, m := range t.members {
		if m.Online {
			s.Online++
		}
	}
	return s
}
