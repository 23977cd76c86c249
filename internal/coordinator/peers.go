package coordinator

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrPeerOwned is returned for a task or proposal another coordinator runs.
// Only the owner evaluates bids and counts votes for it.
var ErrPeerOwned = errors.New("owned by another coordinator")

const (
	kindTask     = "task"
	kindProposal = "proposal"
)

type peerEntry struct {
	owner string
	seen  time.Time
}

// peerIndex remembers which coordinator owns the tasks and proposals
// announced by peers.
type peerIndex struct {
	mu      sync.Mutex
	entries map[string]peerEntry
	now     func() time.Time
}

func newPeerIndex() *peerIndex {
	return &peerIndex{entries: make(map[string]peerEntry), now: time.Now}
}

func (x *peerIndex) record(kind, id, owner string) {
	x.mu.Lock()
	x.entries[kind+"/"+id] = peerEntry{owner: owner, seen: x.now()}
	x.mu.Unlock()
}

func (x *peerIndex) owner(kind, id string) (string, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.entries[kind+"/"+id]
	return e.owner, ok
}

// prune forgets entries recorded more than ttl ago.
func (x *peerIndex) prune(ttl time.Duration) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	cutoff := x.now().Add(-ttl)
	n := 0
	for k, e := range x.entries {
		if e.seen.Before(cutoff) {
			delete(x.entries, k)
			n++
		}
	}
	return n
}

// claims reports whether this node runs an item addressed to owner. An
// empty owner is claimed by whichever coordinator receives it.
func (c *Coordinator) claims(owner string) bool {
	return owner == "" || owner == c.opts.NodeID
}

// TaskOwner returns the peer coordinator that runs taskID, if any.
func (c *Coordinator) TaskOwner(taskID string) (string, bool) {
	return c.peers.owner(kindTask, taskID)
}

// ProposalOwner returns the peer coordinator that runs proposalID, if any.
func (c *Coordinator) ProposalOwner(proposalID string) (string, bool) {
	return c.peers.owner(kindProposal, proposalID)
}

// routed turns an unknown-id error into ErrPeerOwned when a peer runs id.
func (c *Coordinator) routed(kind, id string, err, unknown error) error {
	if err == nil || !errors.Is(err, unknown) {
		return err
	}
	if owner, ok := c.peers.owner(kind, id); ok {
		return fmt.Errorf("%w: %s %s is run by %s", ErrPeerOwned, kind, id, owner)
	}
	return err
}
