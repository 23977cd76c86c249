package voting

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ssd-technologies/swarm/internal/blob"
	"github.com/ssd-technologies/swarm/internal/events"
)

// Reputation deltas applied on finalization.
const (
	WinnerDelta   = 5.0
	LoserDelta    = -2.0
	ProposerBonus = 10.0
)

// Config holds voting parameters. Start from DefaultConfig; NewEngine only
// fills zero numeric fields.
type Config struct {
	Threshold           float64
	VotingPeriod        time.Duration
	MinParticipants     int
	ReputationWeighting bool
	SweepGrace          time.Duration
	Retention           time.Duration
	// VoterWeightCap is the largest weight assumed for a voter who has not
	// voted yet when checking for early termination.
	VoterWeightCap float64
	// EligibleVoters is the population used when no Population is set or it
	// reports nobody.
	EligibleVoters int
}

// DefaultConfig returns threshold 0.66, a 5 minute period, 3 participants
// and reputation weighting on.
func DefaultConfig() Config {
	return Config{
		Threshold:           0.66,
		VotingPeriod:        5 * time.Minute,
		MinParticipants:     3,
		ReputationWeighting: true,
		SweepGrace:          30 * time.Second,
		Retention:           time.Hour,
		VoterWeightCap:      100,
		EligibleVoters:      10,
	}
}

// Ledger is the reputation store votes are weighted by and finalization
// adjusts.
type Ledger interface {
	Score(id string) float64
	Adjust(id string, delta float64, reason string) float64
}

// Population reports how many participants may vote.
type Population interface {
	EligibleVoters() int
}

type timer interface {
	Stop() bool
}

type entry struct {
	p     Proposal
	timer timer
}

// Engine owns proposals and their vote maps.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	ledger    Ledger
	pop       Population
	emitter   events.Emitter
	log       zerolog.Logger
	proposals map[string]*entry

	now       func() time.Time
	afterFunc func(time.Duration, func()) timer
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter routes voting events to em.
func WithEmitter(em events.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithPopulation sources the eligible-voter count from p.
func WithPopulation(p Population) Option {
	return func(e *Engine) { e.pop = p }
}

// NewEngine creates a voting engine.
func NewEngine(cfg Config, ledger Ledger, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.VotingPeriod <= 0 {
		cfg.VotingPeriod = def.VotingPeriod
	}
	if cfg.MinParticipants <= 0 {
		cfg.MinParticipants = def.MinParticipants
	}
	if cfg.SweepGrace < 0 {
		cfg.SweepGrace = 0
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.VoterWeightCap <= 0 {
		cfg.VoterWeightCap = def.VoterWeightCap
	}
	if cfg.EligibleVoters <= 0 {
		cfg.EligibleVoters = def.EligibleVoters
	}
	e := &Engine{
		cfg:       cfg,
		ledger:    ledger,
		emitter:   events.Discard{},
		log:       zerolog.Nop(),
		proposals: make(map[string]*entry),
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) weight(voterID string) float64 {
	if !e.cfg.ReputationWeighting {
		return 1
	}
	return e.ledger.Score(voterID)
}

// weightCap is the largest weight an outstanding voter could carry.
func (e *Engine) weightCap() float64 {
	if !e.cfg.ReputationWeighting {
		return 1
	}
	return e.cfg.VoterWeightCap
}

func (e *Engine) population() int {
	if e.pop != nil {
		if n := e.pop.EligibleVoters(); n > 0 {
			return n
		}
	}
	return e.cfg.EligibleVoters
}

// Propose opens a vote on a solution. The proposer is registered as the
// first supporter.
func (e *Engine) Propose(taskID string, solution blob.Ref, proposerID string, confidence float64) (Proposal, error) {
	taskID = strings.TrimSpace(taskID)
	proposerID = strings.TrimSpace(proposerID)
	switch {
	case taskID == "":
		return Proposal{}, fmt.Errorf("%w: missing task id", ErrInvalidProposal)
	case proposerID == "":
		return Proposal{}, fmt.Errorf("%w: missing proposer", ErrInvalidProposal)
	case confidence < 0 || confidence > 1:
		return Proposal{}, fmt.Errorf("%w: confidence %.3f outside [0,1]", ErrInvalidProposal, confidence)
	}
	if err := solution.Validate(); err != nil {
		return Proposal{}, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}

	now := e.now()
	p := Proposal{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		Solution:   solution,
		ProposerID: proposerID,
		Confidence: confidence,
		Supporters: map[string]Vote{
			proposerID: {VoterID: proposerID, Support: true, Weight: e.weight(proposerID), CastAt: now},
		},
		Rejectors: map[string]Vote{},
		CreatedAt: now,
		Deadline:  now.Add(e.cfg.VotingPeriod),
		Status:    StatusPending,
	}

	e.mu.Lock()
	e.track(p, now)
	e.mu.Unlock()

	e.log.Info().
		Str("proposal_id", p.ID).
		Str("task_id", taskID).
		Str("proposer_id", proposerID).
		Str("solution", p.Solution.Hash).
		Time("deadline", p.Deadline).
		Msg("proposal created")
	e.emitter.Emit(events.New(events.ProposalCreated, p.clone()))
	return p.clone(), nil
}

// track stores a pending proposal and schedules its deadline finalize.
// Must be called with e.mu held.
func (e *Engine) track(p Proposal, now time.Time) {
	id := p.ID
	ent := &entry{p: p}
	ent.timer = e.afterFunc(max(0, p.Deadline.Sub(now)), func() { e.finalize(id, false) })
	e.proposals[id] = ent
}

// Receive registers a proposal created elsewhere and delivered by the
// transport. It reports false for a proposal already known here.
//
// Only the proposal itself is taken from the sender. Any ballots it carries
// are discarded: the proposer is seated as the sole supporter with its weight
// read from the local ledger, and the deadline is held to one voting period
// from now.
func (e *Engine) Receive(p Proposal) (bool, error) {
	p.ID = strings.TrimSpace(p.ID)
	p.ProposerID = strings.TrimSpace(p.ProposerID)
	switch {
	case p.ID == "":
		return false, fmt.Errorf("%w: missing id", ErrInvalidProposal)
	case p.ProposerID == "":
		return false, fmt.Errorf("%w: missing proposer", ErrInvalidProposal)
	case p.Deadline.IsZero():
		return false, fmt.Errorf("%w: missing deadline", ErrInvalidProposal)
	case p.Confidence < 0 || p.Confidence > 1:
		return false, fmt.Errorf("%w: confidence %.3f outside [0,1]", ErrInvalidProposal, p.Confidence)
	}
	if err := p.Solution.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}

	now := e.now()
	if p.CreatedAt.IsZero() || p.CreatedAt.After(now) {
		p.CreatedAt = now
	}
	if limit := now.Add(e.cfg.VotingPeriod); p.Deadline.After(limit) {
		p.Deadline = limit
	}
	p.Status = StatusPending
	p.FinalizedAt = time.Time{}
	p.Supporters = map[string]Vote{
		p.ProposerID: {VoterID: p.ProposerID, Support: true, Weight: e.weight(p.ProposerID), CastAt: p.CreatedAt},
	}
	p.Rejectors = map[string]Vote{}

	e.mu.Lock()
	if _, ok := e.proposals[p.ID]; ok {
		e.mu.Unlock()
		return false, nil
	}
	e.track(p, now)
	e.mu.Unlock()

	e.log.Info().Str("proposal_id", p.ID).Str("task_id", p.TaskID).Str("proposer_id", p.ProposerID).Msg("proposal received")
	e.emitter.Emit(events.New(events.ProposalReceived, p.clone()))
	return true, nil
}

// Vote records a ballot and finalizes early when acceptance is already
// certain.
func (e *Engine) Vote(proposalID, voterID string, support bool, reason string) (Vote, error) {
	voterID = strings.TrimSpace(voterID)
	if voterID == "" {
		return Vote{}, fmt.Errorf("%w: missing voter", ErrInvalidProposal)
	}

	e.mu.Lock()
	ent, ok := e.proposals[proposalID]
	if !ok {
		e.mu.Unlock()
		return Vote{}, fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}
	p := &ent.p
	now := e.now()
	switch {
	case p.Status != StatusPending:
		e.mu.Unlock()
		return Vote{}, fmt.Errorf("%w: %s is %s", ErrProposalNotPending, proposalID, p.Status)
	case now.After(p.Deadline):
		e.mu.Unlock()
		return Vote{}, fmt.Errorf("%w: %s closed at %s", ErrVotingExpired, proposalID, p.Deadline.Format(time.RFC3339))
	case p.HasVoted(voterID):
		e.mu.Unlock()
		return Vote{}, fmt.Errorf("%w: %s on %s", ErrDuplicateVote, voterID, proposalID)
	}

	v := Vote{VoterID: voterID, Support: support, Weight: e.weight(voterID), CastAt: now, Reason: reason}
	if support {
		p.Supporters[voterID] = v
	} else {
		p.Rejectors[voterID] = v
	}
	t := Count(*p, e.cfg.MinParticipants, e.cfg.Threshold)
	early := decided(t, e.cfg.MinParticipants, e.population(), e.weightCap(), e.cfg.Threshold)
	e.mu.Unlock()

	e.log.Debug().
		Str("proposal_id", proposalID).
		Str("voter_id", voterID).
		Bool("support", support).
		Float64("weight", v.Weight).
		Int("total_votes", t.TotalVotes).
		Msg("vote received")
	e.emitter.Emit(events.New(events.VoteReceived, Cast{ProposalID: proposalID, Vote: v}))

	if early {
		e.finalize(proposalID, true)
	}
	return v, nil
}

// Tally counts a proposal's current votes.
func (e *Engine) Tally(proposalID string) (Tally, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.proposals[proposalID]
	if !ok {
		return Tally{}, fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}
	return Count(ent.p, e.cfg.MinParticipants, e.cfg.Threshold), nil
}

type adjustment struct {
	id    string
	delta float64
}

// finalize decides a pending proposal and applies reputation deltas. A
// second call, from the deadline timer after an early decision or the
// reverse, finds the proposal terminal and does nothing.
func (e *Engine) finalize(proposalID string, early bool) {
	e.mu.Lock()
	ent, ok := e.proposals[proposalID]
	if !ok || ent.p.Status != StatusPending {
		e.mu.Unlock()
		return
	}
	p := &ent.p
	now := e.now()
	t := Count(*p, e.cfg.MinParticipants, e.cfg.Threshold)
	if t.Accepted {
		p.Status = StatusAccepted
	} else {
		p.Status = StatusRejected
	}
	p.FinalizedAt = now
	if ent.timer != nil {
		ent.timer.Stop()
	}

	winners, losers := p.Supporters, p.Rejectors
	if !t.Accepted {
		winners, losers = losers, winners
	}
	var deltas []adjustment
	for _, id := range sortedVoters(winners) {
		deltas = append(deltas, adjustment{id, WinnerDelta})
	}
	for _, id := range sortedVoters(losers) {
		deltas = append(deltas, adjustment{id, LoserDelta})
	}
	if t.Accepted {
		deltas = append(deltas, adjustment{p.ProposerID, ProposerBonus})
	}
	out := Outcome{
		ProposalID: p.ID,
		TaskID:     p.TaskID,
		ProposerID: p.ProposerID,
		Solution:   p.Solution,
		Status:     p.Status,
		Tally:      t,
		Early:      early,
		DecidedAt:  now,
	}
	e.mu.Unlock()

	reason := fmt.Sprintf("proposal %s %s", out.ProposalID, out.Status)
	for _, d := range deltas {
		e.ledger.Adjust(d.id, d.delta, reason)
	}

	e.log.Info().
		Str("proposal_id", out.ProposalID).
		Str("task_id", out.TaskID).
		Str("status", string(out.Status)).
		Float64("support_ratio", t.SupportRatio).
		Int("total_votes", t.TotalVotes).
		Bool("early", early).
		Msg("consensus reached")
	e.emitter.Emit(events.New(events.ConsensusReached, out))
}

func sortedVoters(votes map[string]Vote) []string {
	ids := make([]string, 0, len(votes))
	for id := range votes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sweep expires pending proposals past their deadline plus grace and purges
// terminal ones older than the retention window. Expiry changes no
// reputation.
func (e *Engine) Sweep() (expired, purged int) {
	e.mu.Lock()
	now := e.now()
	var gone []Expiry
	for id, ent := range e.proposals {
		p := &ent.p
		switch {
		case p.Status == StatusPending && now.After(p.Deadline.Add(e.cfg.SweepGrace)):
			p.Status = StatusExpired
			p.FinalizedAt = now
			if ent.timer != nil {
				ent.timer.Stop()
			}
			gone = append(gone, Expiry{ProposalID: id, TaskID: p.TaskID, Deadline: p.Deadline})
		case p.Status.Terminal() && now.After(p.Deadline.Add(e.cfg.Retention)):
			delete(e.proposals, id)
			purged++
		}
	}
	e.mu.Unlock()

	sort.Slice(gone, func(i, j int) bool { return gone[i].ProposalID < gone[j].ProposalID })
	for _, x := range gone {
		e.log.Warn().Str("proposal_id", x.ProposalID).Str("task_id", x.TaskID).Msg("proposal expired")
		e.emitter.Emit(events.New(events.ProposalExpired, x))
	}
	return len(gone), purged
}

// Proposal returns a copy of a tracked proposal.
func (e *Engine) Proposal(id string) (Proposal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.proposals[id]
	if !ok {
		return Proposal{}, false
	}
	return ent.p.clone(), true
}

// Pending returns the ids of proposals still open, sorted.
func (e *Engine) Pending() []string {
	e.mu.Lock()
	var ids []string
	for id, ent := range e.proposals {
		if ent.p.Status == StatusPending {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close stops all deadline timers.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ent := range e.proposals {
		if ent.timer != nil {
			ent.timer.Stop()
		}
	}
}
