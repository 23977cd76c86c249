package voting

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/swarm/internal/blob"
	"github.com/ssd-technologies/swarm/internal/events"
	"github.com/ssd-technologies/swarm/internal/reputation"
)

type fakeTimer struct {
	mu      sync.Mutex
	fn      func()
	delay   time.Duration
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type scheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *scheduler) afterFunc(d time.Duration, fn func()) timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{fn: fn, delay: d}
	s.timers = append(s.timers, t)
	return t
}

func (s *scheduler) last() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers[len(s.timers)-1]
}

type fixedPopulation int

func (f fixedPopulation) EligibleVoters() int { return int(f) }

type harness struct {
	engine *Engine
	ledger *reputation.Ledger
	rec    *events.Recorder
	sched  *scheduler
	now    time.Time
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		ledger: reputation.NewLedger(),
		rec:    &events.Recorder{},
		sched:  &scheduler{},
		now:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	opts = append([]Option{WithEmitter(h.rec)}, opts...)
	h.engine = NewEngine(cfg, h.ledger, opts...)
	h.engine.now = func() time.Time { return h.now }
	h.engine.afterFunc = h.sched.afterFunc
	return h
}

var solution = blob.RefFor([]byte("answer: 42"))

func (h *harness) propose(t *testing.T, proposer string) Proposal {
	t.Helper()
	p, err := h.engine.Propose("task-1", solution, proposer, 0.9)
	require.NoError(t, err)
	return p
}

func (h *harness) outcomes() []Outcome {
	var out []Outcome
	for _, e := range h.rec.OfType(events.ConsensusReached) {
		out = append(out, e.Data.(Outcome))
	}
	return out
}

func TestPropose(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.ledger.Set("p", 120, "seed")

	p := h.propose(t, "p")
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, h.now.Add(5*time.Minute), p.Deadline)
	require.Contains(t, p.Supporters, "p")
	assert.Equal(t, 120.0, p.Supporters["p"].Weight)
	assert.Empty(t, p.Rejectors)
	assert.Equal(t, 5*time.Minute, h.sched.last().delay)
	assert.Len(t, h.rec.OfType(events.ProposalCreated), 1)
	assert.Equal(t, []string{p.ID}, h.engine.Pending())

	_, err := h.engine.Propose("task-1", solution, "p", 2)
	assert.ErrorIs(t, err, ErrInvalidProposal)
	_, err = h.engine.Propose("", solution, "p", 0.5)
	assert.ErrorIs(t, err, ErrInvalidProposal)
}

func TestVote_Accepted(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.ledger.Set("r", 50, "seed")

	p := h.propose(t, "p")
	_, err := h.engine.Vote(p.ID, "s", true, "")
	require.NoError(t, err)
	_, err = h.engine.Vote(p.ID, "r", false, "wrong units")
	require.NoError(t, err)

	tally, err := h.engine.Tally(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 200.0, tally.SupportWeight)
	assert.Equal(t, 50.0, tally.RejectWeight)
	assert.InDelta(t, 0.8, tally.SupportRatio, 1e-9)
	assert.True(t, tally.Accepted)
	// ten eligible voters leave plenty of undecided weight
	assert.Empty(t, h.outcomes())

	h.sched.last().fn()

	out := h.outcomes()
	require.Len(t, out, 1)
	assert.Equal(t, StatusAccepted, out[0].Status)
	assert.False(t, out[0].Early)
	assert.Equal(t, 115.0, h.ledger.Score("p"))
	assert.Equal(t, 105.0, h.ledger.Score("s"))
	assert.Equal(t, 48.0, h.ledger.Score("r"))

	got, ok := h.engine.Proposal(p.ID)
	require.True(t, ok)
	assert.Equal(t, StatusAccepted, got.Status)
	assert.Equal(t, h.now, got.FinalizedAt)
}

func TestVote_BelowMinParticipants(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	p := h.propose(t, "p")
	_, err := h.engine.Vote(p.ID, "s", true, "")
	require.NoError(t, err)

	h.now = p.Deadline
	h.sched.last().fn()

	out := h.outcomes()
	require.Len(t, out, 1)
	assert.Equal(t, StatusRejected, out[0].Status)
	assert.Equal(t, 1.0, out[0].Tally.SupportRatio)
	assert.Equal(t, 98.0, h.ledger.Score("p"))
	assert.Equal(t, 98.0, h.ledger.Score("s"))
}

func TestVote_EarlyTermination(t *testing.T) {
	h := newHarness(t, DefaultConfig(), WithPopulation(fixedPopulation(4)))
	p := h.propose(t, "p")

	_, err := h.engine.Vote(p.ID, "a", true, "")
	require.NoError(t, err)
	assert.Empty(t, h.outcomes())

	// 300 / (300 + 1*100) = 0.75 with one voter left
	_, err = h.engine.Vote(p.ID, "b", true, "")
	require.NoError(t, err)

	out := h.outcomes()
	require.Len(t, out, 1)
	assert.True(t, out[0].Early)
	assert.Equal(t, StatusAccepted, out[0].Status)
	tm := h.sched.last()
	assert.True(t, tm.isStopped())

	// the deadline timer firing anyway is a no-op
	tm.fn()
	assert.Len(t, h.outcomes(), 1)
	assert.Equal(t, 115.0, h.ledger.Score("p"))

	_, err = h.engine.Vote(p.ID, "c", false, "")
	assert.ErrorIs(t, err, ErrProposalNotPending)
}

func TestVote_NoEarlyTerminationWhenOutcomeOpen(t *testing.T) {
	h := newHarness(t, DefaultConfig(), WithPopulation(fixedPopulation(5)))
	p := h.propose(t, "p")
	for _, id := range []string{"a", "b"} {
		_, err := h.engine.Vote(p.ID, id, true, "")
		require.NoError(t, err)
	}
	// 300 / (300 + 2*100) = 0.6
	assert.Empty(t, h.outcomes())
}

func TestVote_FallbackPopulation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EligibleVoters = 3
	h := newHarness(t, cfg, WithPopulation(fixedPopulation(0)))
	p := h.propose(t, "p")
	for _, id := range []string{"a", "b"} {
		_, err := h.engine.Vote(p.ID, id, true, "")
		require.NoError(t, err)
	}
	require.Len(t, h.outcomes(), 1)
}

func TestVote_Errors(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	p := h.propose(t, "p")

	_, err := h.engine.Vote("missing", "a", true, "")
	assert.ErrorIs(t, err, ErrUnknownProposal)

	_, err = h.engine.Vote(p.ID, "p", false, "")
	assert.ErrorIs(t, err, ErrDuplicateVote)

	_, err = h.engine.Vote(p.ID, "a", false, "")
	require.NoError(t, err)
	_, err = h.engine.Vote(p.ID, "a", true, "")
	assert.ErrorIs(t, err, ErrDuplicateVote)

	h.now = p.Deadline.Add(time.Second)
	_, err = h.engine.Vote(p.ID, "b", true, "")
	assert.ErrorIs(t, err, ErrVotingExpired)

	h.sched.last().fn()
	// not pending is reported before expiry
	_, err = h.engine.Vote(p.ID, "b", true, "")
	assert.ErrorIs(t, err, ErrProposalNotPending)

	_, err = h.engine.Tally("missing")
	assert.ErrorIs(t, err, ErrUnknownProposal)
}

func TestVote_UnweightedMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReputationWeighting = false
	h := newHarness(t, cfg)
	h.ledger.Set("r", 200, "seed")

	p := h.propose(t, "p")
	v, err := h.engine.Vote(p.ID, "r", false, "")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v.Weight)

	tally, err := h.engine.Tally(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, tally.SupportWeight)
	assert.Equal(t, 1.0, tally.RejectWeight)
}

func TestVote_UnweightedEarlyTermination(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReputationWeighting = false
	cfg.EligibleVoters = 4
	h := newHarness(t, cfg)

	p := h.propose(t, "p")
	for _, id := range []string{"a", "b"} {
		_, err := h.engine.Vote(p.ID, id, true, "")
		require.NoError(t, err)
	}
	// one outstanding voter of weight 1 cannot pull 3/4 below 0.66
	got, ok := h.engine.Proposal(p.ID)
	require.True(t, ok)
	assert.Equal(t, StatusAccepted, got.Status)
}

func TestFinalize_Clamps(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.ledger.Set("p", 195, "seed")
	h.ledger.Set("r", 1, "seed")

	p := h.propose(t, "p")
	for _, id := range []string{"a", "b"} {
		_, err := h.engine.Vote(p.ID, id, true, "")
		require.NoError(t, err)
	}
	_, err := h.engine.Vote(p.ID, "r", false, "")
	require.NoError(t, err)
	h.sched.last().fn()

	assert.Equal(t, reputation.MaxScore, h.ledger.Score("p"))
	assert.Equal(t, reputation.MinScore, h.ledger.Score("r"))
}

func TestVote_ConcurrentSingleOutcome(t *testing.T) {
	h := newHarness(t, DefaultConfig(), WithPopulation(fixedPopulation(40)))
	p := h.propose(t, "p")

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = h.engine.Vote(p.ID, fmt.Sprintf("v%02d", i), true, "")
		}(i)
	}
	wg.Wait()
	h.sched.last().fn()

	out := h.outcomes()
	require.Len(t, out, 1)
	assert.Equal(t, StatusAccepted, out[0].Status)
}

func TestSweep(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	stale := h.propose(t, "p")
	done := h.propose(t, "q")
	for _, id := range []string{"a", "b"} {
		_, err := h.engine.Vote(done.ID, id, true, "")
		require.NoError(t, err)
	}
	h.sched.timers[1].fn()

	h.now = stale.Deadline.Add(10 * time.Second)
	expired, purged := h.engine.Sweep()
	assert.Zero(t, expired)
	assert.Zero(t, purged)

	h.now = stale.Deadline.Add(31 * time.Second)
	expired, purged = h.engine.Sweep()
	assert.Equal(t, 1, expired)
	assert.Zero(t, purged)

	got, ok := h.engine.Proposal(stale.ID)
	require.True(t, ok)
	assert.Equal(t, StatusExpired, got.Status)
	assert.True(t, h.sched.timers[0].isStopped())
	assert.Equal(t, reputation.InitialScore, h.ledger.Score("p"))
	require.Len(t, h.rec.OfType(events.ProposalExpired), 1)

	// expired proposals are terminal: the deadline timer cannot finalize them
	h.sched.timers[0].fn()
	assert.Len(t, h.outcomes(), 1)

	expired, _ = h.engine.Sweep()
	assert.Zero(t, expired)

	h.now = stale.Deadline.Add(time.Hour + time.Second)
	_, purged = h.engine.Sweep()
	assert.Equal(t, 2, purged)
	_, ok = h.engine.Proposal(stale.ID)
	assert.False(t, ok)
	assert.Empty(t, h.engine.Pending())
}

func TestReceive(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	remote := Proposal{
		ID:         "remote-1",
		TaskID:     "task-9",
		Solution:   solution,
		ProposerID: "far",
		CreatedAt:  h.now.Add(-time.Minute),
		Deadline:   h.now.Add(4 * time.Minute),
		Status:     StatusAccepted,
	}

	added, err := h.engine.Receive(remote)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, 4*time.Minute, h.sched.last().delay)

	got, ok := h.engine.Proposal("remote-1")
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)
	assert.Contains(t, got.Supporters, "far")

	added, err = h.engine.Receive(remote)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Len(t, h.rec.OfType(events.ProposalReceived), 1)

	_, err = h.engine.Receive(Proposal{ID: "x"})
	assert.ErrorIs(t, err, ErrInvalidProposal)
}

func TestReceive_DiscardsCarriedBallots(t *testing.T) {
	h := newHarness(t, DefaultConfig(), WithPopulation(fixedPopulation(4)))
	h.ledger.Set("mallory", 60, "seed")
	h.ledger.Set("honest", 150, "seed")
	forged := Proposal{
		ID:         "forged-1",
		TaskID:     "task-9",
		Solution:   solution,
		ProposerID: "mallory",
		CreatedAt:  h.now,
		Deadline:   h.now.Add(time.Minute),
		Supporters: map[string]Vote{
			"mallory": {VoterID: "mallory", Support: true, Weight: 1e6},
			"ghost1":  {VoterID: "ghost1", Support: true, Weight: 1e6},
			"ghost2":  {VoterID: "ghost2", Support: true, Weight: 1e6},
		},
		Rejectors: map[string]Vote{"honest": {VoterID: "honest", Weight: 0}},
	}

	added, err := h.engine.Receive(forged)
	require.NoError(t, err)
	require.True(t, added)

	got, ok := h.engine.Proposal("forged-1")
	require.True(t, ok)
	assert.Len(t, got.Supporters, 1)
	assert.Equal(t, 60.0, got.Supporters["mallory"].Weight)
	assert.Empty(t, got.Rejectors)

	tally, err := h.engine.Tally("forged-1")
	require.NoError(t, err)
	assert.Equal(t, 1, tally.TotalVotes)
	assert.Equal(t, 60.0, tally.SupportWeight)

	_, err = h.engine.Vote("forged-1", "honest", false, "")
	require.NoError(t, err)
	got, _ = h.engine.Proposal("forged-1")
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, h.outcomes())

	h.sched.last().fn()
	out := h.outcomes()
	require.Len(t, out, 1)
	assert.Equal(t, StatusRejected, out[0].Status)
	assert.False(t, h.ledger.Known("ghost1"))
	assert.Equal(t, 58.0, h.ledger.Score("mallory"))
	assert.Equal(t, 155.0, h.ledger.Score("honest"))
}

func TestReceive_Bounds(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	base := Proposal{
		ID:         "remote-2",
		TaskID:     "task-9",
		Solution:   solution,
		ProposerID: "far",
		Deadline:   h.now.Add(24 * time.Hour),
	}

	added, err := h.engine.Receive(base)
	require.NoError(t, err)
	require.True(t, added)
	got, _ := h.engine.Proposal("remote-2")
	assert.Equal(t, h.now.Add(DefaultConfig().VotingPeriod), got.Deadline)
	assert.Equal(t, h.now, got.CreatedAt)

	traversal := base
	traversal.ID = "remote-3"
	traversal.Solution = blob.Ref{Hash: "../../../etc/passwd"}
	_, err = h.engine.Receive(traversal)
	assert.ErrorIs(t, err, ErrInvalidProposal)

	confident := base
	confident.ID = "remote-4"
	confident.Confidence = 3
	_, err = h.engine.Receive(confident)
	assert.ErrorIs(t, err, ErrInvalidProposal)
}

func TestCount(t *testing.T) {
	p := Proposal{
		Supporters: map[string]Vote{"a": {Weight: 0}},
		Rejectors:  map[string]Vote{"b": {Weight: 0}, "c": {Weight: 0}},
	}
	tally := Count(p, 3, 0.66)
	assert.Zero(t, tally.SupportRatio)
	assert.False(t, tally.Accepted)
	assert.Zero(t, WorstCaseRatio(tally, 3, 100))
}
