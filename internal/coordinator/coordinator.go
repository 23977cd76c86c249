// Package coordinator wires the reputation ledger, the auction and voting
// engines, the member directory, the broadcast transport and persistence
// into one swarm coordinator process.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ssd-technologies/swarm/internal/auction"
	"github.com/ssd-technologies/swarm/internal/blob"
	"github.com/ssd-technologies/swarm/internal/events"
	"github.com/ssd-technologies/swarm/internal/logging"
	"github.com/ssd-technologies/swarm/internal/membership"
	"github.com/ssd-technologies/swarm/internal/ratelimit"
	"github.com/ssd-technologies/swarm/internal/reputation"
	"github.com/ssd-technologies/swarm/internal/storage"
	"github.com/ssd-technologies/swarm/internal/transport"
	"github.com/ssd-technologies/swarm/internal/voting"
)

const publishTimeout = 5 * time.Second

// Options are the coordinator's own settings.
type Options struct {
	NodeID        string
	Auction       auction.Config
	Voting        voting.Config
	SweepInterval time.Duration
	MemberTimeout time.Duration
	PruneInterval time.Duration
	DedupTTL      time.Duration
	RateLimit     int
	RateWindow    time.Duration
}

func (o *Options) defaults() {
	if o.NodeID == "" {
		o.NodeID = "coordinator"
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 60 * time.Second
	}
	if o.MemberTimeout <= 0 {
		o.MemberTimeout = 90 * time.Second
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = 30 * time.Second
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = 10 * time.Minute
	}
	if o.RateWindow <= 0 {
		o.RateWindow = time.Minute
	}
}

// Deps are the collaborators a coordinator is built on. Store may be nil to
// run without persistence.
type Deps struct {
	Transport transport.Broadcaster
	Store     storage.Store
	Blobs     blob.Store
	Logger    zerolog.Logger
}

// Coordinator owns one swarm role's state.
type Coordinator struct {
	opts Options
	log  zerolog.Logger

	Bus     *events.Bus
	Ledger  *reputation.Ledger
	Auction *auction.Engine
	Voting  *voting.Engine
	Members *membership.Tracker

	transport transport.Broadcaster
	store     storage.Store
	blobs     blob.Store
	dedup     *transport.Dedup
	limiter   *ratelimit.Keyed
	peers     *peerIndex
}

// New builds a coordinator and subscribes it to every inbound topic.
func New(opts Options, deps Deps) (*Coordinator, error) {
	if deps.Transport == nil {
		return nil, errors.New("coordinator: transport is required")
	}
	if deps.Blobs == nil {
		return nil, errors.New("coordinator: blob store is required")
	}
	opts.defaults()

	c := &Coordinator{
		opts:      opts,
		log:       logging.Component(deps.Logger, "coordinator"),
		Bus:       events.NewBus(),
		Members:   membership.NewTracker(),
		transport: deps.Transport,
		store:     deps.Store,
		blobs:     deps.Blobs,
		dedup:     transport.NewDedup(opts.DedupTTL),
		limiter:   ratelimit.NewKeyed(opts.RateLimit, opts.RateWindow),
		peers:     newPeerIndex(),
	}

	ledgerOpts := []reputation.Option{
		reputation.WithEmitter(c.Bus),
		reputation.WithLogger(logging.Component(deps.Logger, "reputation")),
	}
	if deps.Store != nil {
		ledgerOpts = append(ledgerOpts, reputation.WithPersister(deps.Store))
	}
	c.Ledger = reputation.NewLedger(ledgerOpts...)
	c.Auction = auction.NewEngine(opts.Auction, c.Ledger,
		auction.WithEmitter(c.Bus),
		auction.WithLogger(logging.Component(deps.Logger, "auction")),
	)
	c.Voting = voting.NewEngine(opts.Voting, c.Ledger,
		voting.WithEmitter(c.Bus),
		voting.WithLogger(logging.Component(deps.Logger, "voting")),
		voting.WithPopulation(c.Members),
	)

	c.wireEvents()
	c.subscribe()
	return c, nil
}

// NodeID is the sender id used on outbound envelopes.
func (c *Coordinator) NodeID() string { return c.opts.NodeID }

// Restore seeds the ledger from the store and reinstates the assignments
// still active, so their assignees can report completion after a restart.
// Active-task counts are recomputed from the restored assignments.
func (c *Coordinator) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	profiles, err := c.store.LoadProfiles(ctx)
	if err != nil {
		return fmt.Errorf("restore profiles: %w", err)
	}
	c.Ledger.Load(profiles)

	active, err := c.store.ListAssignments(ctx, storage.AssignmentActive)
	if err != nil {
		return fmt.Errorf("restore assignments: %w", err)
	}
	counts := make(map[string]int)
	restored := 0
	for _, rec := range active {
		a, err := liveAssignment(rec)
		if err == nil {
			err = c.Auction.Restore(a, rec.Pending)
		}
		if err != nil {
			c.log.Warn().Err(err).Str("task_id", rec.TaskID).Msg("stored assignment not restored")
			continue
		}
		restored++
		for _, id := range rec.Pending {
			counts[id]++
		}
	}
	c.Ledger.RecountActive(counts)
	c.log.Info().Int("profiles", len(profiles)).Int("assignments", restored).Msg("state restored")
	return nil
}

// Close stops every pending timer. The transport and store belong to the
// caller.
func (c *Coordinator) Close() {
	c.Auction.Close()
	c.Voting.Close()
}

// SubmitBid places a bid on a task this coordinator runs.
func (c *Coordinator) SubmitBid(bid auction.Bid) error {
	return c.routed(kindTask, bid.TaskID, c.Auction.SubmitBid(bid), auction.ErrUnknownTask)
}

// CompleteTask records an assignee's result.
func (c *Coordinator) CompleteTask(taskID, agentID string, success bool) error {
	return c.routed(kindTask, taskID, c.Auction.CompleteTask(taskID, agentID, success), auction.ErrUnknownTask)
}

// CancelTask withdraws a task or its assignment.
func (c *Coordinator) CancelTask(taskID, reason string) error {
	return c.routed(kindTask, taskID, c.Auction.CancelTask(taskID, reason), auction.ErrUnknownTask)
}

// Vote casts a ballot on a proposal this coordinator runs.
func (c *Coordinator) Vote(proposalID, voterID string, support bool, reason string) (voting.Vote, error) {
	v, err := c.Voting.Vote(proposalID, voterID, support, reason)
	return v, c.routed(kindProposal, proposalID, err, voting.ErrUnknownProposal)
}

// Propose stores the solution payload and opens a vote on it.
func (c *Coordinator) Propose(taskID, proposerID string, confidence float64, solution []byte) (voting.Proposal, error) {
	ref, err := c.blobs.Put(solution)
	if err != nil {
		return voting.Proposal{}, fmt.Errorf("store solution: %w", err)
	}
	return c.Voting.Propose(taskID, ref, proposerID, confidence)
}

// Solution returns the payload a proposal points at.
func (c *Coordinator) Solution(proposalID string) ([]byte, error) {
	p, ok := c.Voting.Proposal(proposalID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", voting.ErrUnknownProposal, proposalID)
	}
	return c.blobs.Get(p.Solution)
}

// Assignment returns the live assignment for a task, falling back to the
// settlement record once the assignment has closed.
func (c *Coordinator) Assignment(ctx context.Context, taskID string) (storage.Assignment, error) {
	if a, ok := c.Auction.Assignment(taskID); ok {
		return assignmentRecord(a, storage.AssignmentActive, c.Auction.Outstanding(taskID)), nil
	}
	if c.store == nil {
		return storage.Assignment{}, fmt.Errorf("assignment %s: %w", taskID, storage.ErrNotFound)
	}
	return c.store.GetAssignment(ctx, taskID)
}

// Outcomes lists recent settled proposals.
func (c *Coordinator) Outcomes(ctx context.Context, limit int) ([]storage.Outcome, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.ListOutcomes(ctx, limit)
}

// publish sends v on topic. Failures are logged; state transitions never
// wait on or roll back because of the transport.
func (c *Coordinator) publish(topic string, v any) {
	env, err := transport.NewEnvelope(topic, c.opts.NodeID, v)
	if err != nil {
		c.log.Error().Err(err).Str("topic", topic).Msg("encode outbound message")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.transport.Deliver(ctx, topic, env); err != nil {
		c.log.Warn().Err(err).Str("topic", topic).Str("envelope_id", env.ID).Msg("broadcast failed")
	}
}
