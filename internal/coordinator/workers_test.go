package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/swarm/internal/membership"
	"github.com/ssd-technologies/swarm/internal/transport"
	"github.com/ssd-technologies/swarm/internal/voting"
)

func TestWorkers_PruneSilentMembers(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.PruneInterval = 10 * time.Millisecond
		o.MemberTimeout = 30 * time.Millisecond
	})
	f.send(t, transport.TopicHeartbeats, "quiet", membership.Heartbeat{})
	require.Equal(t, 1, f.coord.Members.EligibleVoters())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.coord.StartWorkers(ctx)

	require.Eventually(t, func() bool {
		return f.coord.Members.EligibleVoters() == 0
	}, 2*time.Second, 10*time.Millisecond)
	// the member is kept, only marked offline
	assert.Equal(t, 1, f.coord.Members.Stats().Total)
}

func TestWorkers_SweepExpiresProposals(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.SweepInterval = 10 * time.Millisecond
		o.Voting.VotingPeriod = 40 * time.Millisecond
		o.Voting.SweepGrace = 0
	})
	p, err := f.coord.Propose("t1", "p", 0.5, []byte("unanswered"))
	require.NoError(t, err)
	// without its deadline timer the proposal is only settled by the sweep
	f.coord.Voting.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.coord.StartWorkers(ctx)

	require.Eventually(t, func() bool {
		got, ok := f.coord.Voting.Proposal(p.ID)
		return ok && got.Status == voting.StatusExpired
	}, 2*time.Second, 10*time.Millisecond)
}
