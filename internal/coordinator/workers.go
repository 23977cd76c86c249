package coordinator

import (
	"context"
	"time"
)

// StartWorkers launches the background loops. Cancel ctx to stop them.
func (c *Coordinator) StartWorkers(ctx context.Context) {
	go c.runSweep(ctx)
	go c.runMembershipPrune(ctx)
	go c.runDedupPrune(ctx)
}

// runSweep expires and purges proposals every SweepInterval.
func (c *Coordinator) runSweep(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.SweepInterval):
			expired, purged := c.Voting.Sweep()
			if expired > 0 || purged > 0 {
				c.log.Info().Str("worker", "sweep").Int("expired", expired).Int("purged", purged).Msg("proposals swept")
			}
		}
	}
}

// runMembershipPrune marks silent members offline.
func (c *Coordinator) runMembershipPrune(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.PruneInterval):
			if n := c.Members.PruneOffline(c.opts.MemberTimeout); n > 0 {
				c.log.Info().Str("worker", "membership").Int("offline", n).Int("online", c.Members.EligibleVoters()).Msg("members went offline")
			}
		}
	}
}

// runDedupPrune forgets old envelope ids, idle sender limiters and peer
// ownership records older than the proposal retention window.
func (c *Coordinator) runDedupPrune(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.DedupTTL):
			ids := c.dedup.Prune()
			limiters := c.limiter.Prune(c.opts.DedupTTL)
			peers := c.peers.prune(c.Voting.Config().Retention)
			if ids > 0 || limiters > 0 || peers > 0 {
				c.log.Debug().Str("worker", "dedup").Int("ids", ids).Int("limiters", limiters).Int("peers", peers).Msg("pruned")
			}
		}
	}
}
