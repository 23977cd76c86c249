package coordinator

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/swarm/internal/auction"
	"github.com/ssd-technologies/swarm/internal/blob"
	"github.com/ssd-technologies/swarm/internal/events"
	"github.com/ssd-technologies/swarm/internal/transport"
	"github.com/ssd-technologies/swarm/internal/voting"
)

type settledTask struct {
	sender string
	typ    events.Type
}

// watchSettlements collects auction outcome events per task from the shared
// events topic.
func watchSettlements(t *testing.T, bus *transport.Local) func(taskID string) []settledTask {
	t.Helper()
	var mu sync.Mutex
	seen := map[string][]settledTask{}
	bus.Subscribe(transport.TopicEvents, func(env transport.Envelope) {
		var e struct {
			Type events.Type     `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if !assert.NoError(t, env.Decode(&e)) {
			return
		}
		if e.Type != events.TaskAssigned && e.Type != events.TaskAssignmentFailed {
			return
		}
		var data struct {
			TaskID string `json:"task_id"`
		}
		if !assert.NoError(t, json.Unmarshal(e.Data, &data)) {
			return
		}
		mu.Lock()
		seen[data.TaskID] = append(seen[data.TaskID], settledTask{sender: env.Sender, typ: e.Type})
		mu.Unlock()
	})
	return func(taskID string) []settledTask {
		mu.Lock()
		defer mu.Unlock()
		return append([]settledTask(nil), seen[taskID]...)
	}
}

func TestPeers_OnlyOwnerRunsAuction(t *testing.T) {
	bus := transport.NewLocal()
	settled := watchSettlements(t, bus)
	a := newFixtureOn(t, bus, func(o *Options) {
		o.NodeID = "coord-a"
		o.Auction.BidWindow = 200 * time.Millisecond
	})
	b := newFixtureOn(t, bus, func(o *Options) {
		o.NodeID = "coord-b"
		o.Auction.BidWindow = 200 * time.Millisecond
	})

	a.announce(t, "t1")
	assert.Equal(t, []string{"t1"}, a.coord.Auction.OpenTasks())
	assert.Empty(t, b.coord.Auction.OpenTasks())
	owner, ok := b.coord.TaskOwner("t1")
	require.True(t, ok)
	assert.Equal(t, "coord-a", owner)

	require.NoError(t, a.coord.SubmitBid(auction.Bid{TaskID: "t1", BidderID: "agent-a", Confidence: 0.9, Capabilities: []string{"nlp"}}))
	err := b.coord.SubmitBid(auction.Bid{TaskID: "t1", BidderID: "agent-b", Confidence: 0.9, Capabilities: []string{"nlp"}})
	assert.ErrorIs(t, err, ErrPeerOwned)
	assert.Contains(t, err.Error(), "coord-a")

	// an agent's bid on the shared bus reaches both; only the owner keeps it
	a.send(t, transport.TopicBids, "agent-c", auction.Bid{TaskID: "t1", Confidence: 0.5, Capabilities: []string{"nlp"}})
	assert.Len(t, a.coord.Auction.Bids("t1"), 2)

	require.Eventually(t, func() bool { return len(settled("t1")) > 0 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []settledTask{{sender: "coord-a", typ: events.TaskAssigned}}, settled("t1"))

	as, ok := a.coord.Auction.Assignment("t1")
	require.True(t, ok)
	assert.ErrorIs(t, b.coord.CompleteTask("t1", as.Assignees[0], true), ErrPeerOwned)
	require.NoError(t, a.coord.CompleteTask("t1", as.Assignees[0], true))
}

func TestPeers_OnlyOwnerRunsVote(t *testing.T) {
	bus := transport.NewLocal()
	a := newFixtureOn(t, bus, func(o *Options) { o.NodeID = "coord-a" })
	b := newFixtureOn(t, bus, func(o *Options) { o.NodeID = "coord-b" })

	p, err := a.coord.Propose("t1", "solver", 0.7, []byte("answer"))
	require.NoError(t, err)
	assert.Empty(t, b.coord.Voting.Pending())
	owner, ok := b.coord.ProposalOwner(p.ID)
	require.True(t, ok)
	assert.Equal(t, "coord-a", owner)

	_, err = b.coord.Vote(p.ID, "v1", true, "")
	assert.ErrorIs(t, err, ErrPeerOwned)

	a.send(t, transport.TopicVotes, "v2", VoteMessage{ProposalID: p.ID, Support: true})
	tally, err := a.coord.Voting.Tally(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, tally.TotalVotes)
	_, err = b.coord.Voting.Tally(p.ID)
	assert.ErrorIs(t, err, voting.ErrUnknownProposal)
}

func TestPeers_ProposalMustComeFromProposer(t *testing.T) {
	f := newFixture(t, nil)
	ref := blob.RefFor([]byte("x"))

	f.send(t, transport.TopicProposals, "mallory", voting.Proposal{
		ID:         "impersonated",
		TaskID:     "t1",
		ProposerID: "victim",
		Solution:   ref,
		Deadline:   time.Now().Add(time.Minute),
	})
	assert.Empty(t, f.coord.Voting.Pending())

	f.coord.Ledger.Set("mallory", 60, "seed")
	f.send(t, transport.TopicProposals, "mallory", voting.Proposal{
		ID:         "stuffed",
		TaskID:     "t1",
		ProposerID: "mallory",
		Solution:   ref,
		Deadline:   time.Now().Add(time.Minute),
		Supporters: map[string]voting.Vote{
			"ghost1": {VoterID: "ghost1", Support: true, Weight: 1e6},
			"ghost2": {VoterID: "ghost2", Support: true, Weight: 1e6},
		},
	})
	got, ok := f.coord.Voting.Proposal("stuffed")
	require.True(t, ok)
	assert.Equal(t, []string{"mallory"}, voterIDs(got.Supporters))
	assert.Equal(t, 60.0, got.Supporters["mallory"].Weight)

	f.send(t, transport.TopicProposals, "mallory", voting.Proposal{
		ID:         "escape",
		TaskID:     "t1",
		ProposerID: "mallory",
		Solution:   blob.Ref{Hash: "../../outside"},
		Deadline:   time.Now().Add(time.Minute),
	})
	_, ok = f.coord.Voting.Proposal("escape")
	assert.False(t, ok)
}

func TestPeers_ForeignOwnerNeverShadowsLocal(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Auction.BidWindow = time.Hour })
	f.announce(t, "t1")

	task := auction.Task{ID: "t1", Bounty: decimal.NewFromInt(100), Deadline: time.Now().Add(time.Hour)}
	f.send(t, transport.TopicTasks, "coord-z", TaskMessage{Op: OpAnnounce, Task: &task, Owner: "coord-z"})
	_, ok := f.coord.TaskOwner("t1")
	assert.False(t, ok)
	require.NoError(t, f.coord.SubmitBid(auction.Bid{TaskID: "t1", BidderID: "agent-a", Confidence: 0.5, Capabilities: []string{"nlp"}}))

	// addressed to this node explicitly
	other := auction.Task{ID: "t2", Bounty: decimal.NewFromInt(100), Deadline: time.Now().Add(time.Hour)}
	f.send(t, transport.TopicTasks, "requester", TaskMessage{Op: OpAnnounce, Task: &other, Owner: "coord"})
	assert.Equal(t, []string{"t1", "t2"}, f.coord.Auction.OpenTasks())
}

func TestPeerIndex_Prune(t *testing.T) {
	x := newPeerIndex()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	x.now = func() time.Time { return now }
	x.record(kindTask, "old", "coord-a")
	now = now.Add(time.Hour)
	x.record(kindProposal, "old", "coord-b")

	assert.Equal(t, 1, x.prune(30*time.Minute))
	_, ok := x.owner(kindTask, "old")
	assert.False(t, ok)
	owner, ok := x.owner(kindProposal, "old")
	require.True(t, ok)
	assert.Equal(t, "coord-b", owner)
}

func voterIDs(m map[string]voting.Vote) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
