package coordinator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ssd-technologies/swarm/internal/auction"
	"github.com/ssd-technologies/swarm/internal/membership"
	"github.com/ssd-technologies/swarm/internal/transport"
	"github.com/ssd-technologies/swarm/internal/voting"
)

func (c *Coordinator) subscribe() {
	c.transport.Subscribe(transport.TopicTasks, c.inbound(c.handleTask))
	c.transport.Subscribe(transport.TopicBids, c.inbound(c.handleBid))
	c.transport.Subscribe(transport.TopicProposals, c.inbound(c.handleProposal))
	c.transport.Subscribe(transport.TopicVotes, c.inbound(c.handleVote))
	c.transport.Subscribe(transport.TopicHeartbeats, c.inbound(c.handleHeartbeat))
}

// inbound filters an envelope before it reaches a topic handler: own
// messages are skipped, repeats dropped, and each sender is rate limited.
func (c *Coordinator) inbound(h transport.Handler) transport.Handler {
	return c.dedup.Wrap(func(env transport.Envelope) {
		sender := strings.TrimSpace(env.Sender)
		if sender == c.opts.NodeID {
			return
		}
		if sender == "" {
			c.log.Warn().Str("topic", env.Topic).Str("envelope_id", env.ID).Msg("envelope without sender dropped")
			return
		}
		if !c.limiter.Allow(sender) {
			c.log.Warn().Str("topic", env.Topic).Str("sender", sender).Msg("rate limit exceeded, envelope dropped")
			return
		}
		env.Sender = sender
		c.Members.Touch(sender)
		h(env)
	})
}

// malformed logs and drops an undecodable envelope.
func (c *Coordinator) malformed(env transport.Envelope, err error) {
	c.log.Warn().Err(err).Str("topic", env.Topic).Str("sender", env.Sender).Str("envelope_id", env.ID).Msg("malformed message dropped")
}

// rejected logs a caller error at debug; duplicates are expected under
// at-least-once delivery.
func (c *Coordinator) rejected(env transport.Envelope, err error) {
	level := zerolog.InfoLevel
	if errors.Is(err, auction.ErrDuplicateBid) || errors.Is(err, voting.ErrDuplicateVote) ||
		errors.Is(err, auction.ErrDuplicateTask) || errors.Is(err, ErrPeerOwned) {
		level = zerolog.DebugLevel
	}
	c.log.WithLevel(level).Err(err).Str("topic", env.Topic).Str("sender", env.Sender).Msg("message rejected")
}

func (c *Coordinator) handleTask(env transport.Envelope) {
	var msg TaskMessage
	if err := env.Decode(&msg); err != nil {
		c.malformed(env, err)
		return
	}
	var err error
	switch msg.Op {
	case OpAnnounce:
		if msg.Task == nil {
			c.malformed(env, errors.New("announce without task"))
			return
		}
		if !c.claims(msg.Owner) {
			c.trackPeerTask(msg.Task.ID, msg.Owner)
			return
		}
		_, err = c.Auction.Announce(*msg.Task)
	case OpComplete:
		err = c.CompleteTask(msg.TaskID, env.Sender, msg.Success)
	case OpCancel:
		err = c.CancelTask(msg.TaskID, msg.Reason)
	default:
		c.malformed(env, errors.New("unknown task op "+msg.Op))
		return
	}
	if err != nil {
		c.rejected(env, err)
	}
}

func (c *Coordinator) handleBid(env transport.Envelope) {
	var bid auction.Bid
	if err := env.Decode(&bid); err != nil {
		c.malformed(env, err)
		return
	}
	bid.BidderID = env.Sender
	if err := c.SubmitBid(bid); err != nil {
		c.rejected(env, err)
	}
}

func (c *Coordinator) handleProposal(env transport.Envelope) {
	var msg ProposalMessage
	if err := env.Decode(&msg); err != nil {
		c.malformed(env, err)
		return
	}
	if !c.claims(msg.Owner) {
		c.trackPeerProposal(msg.ID, msg.Owner)
		return
	}
	if proposer := strings.TrimSpace(msg.ProposerID); proposer != env.Sender {
		c.rejected(env, fmt.Errorf("%w: sender %s is not proposer %q", voting.ErrInvalidProposal, env.Sender, proposer))
		return
	}
	if _, err := c.Voting.Receive(msg.Proposal); err != nil {
		c.rejected(env, err)
	}
}

func (c *Coordinator) handleVote(env transport.Envelope) {
	var msg VoteMessage
	if err := env.Decode(&msg); err != nil {
		c.malformed(env, err)
		return
	}
	if _, err := c.Vote(msg.ProposalID, env.Sender, msg.Support, msg.Reason); err != nil {
		c.rejected(env, err)
	}
}

func (c *Coordinator) handleHeartbeat(env transport.Envelope) {
	var hb membership.Heartbeat
	if err := env.Decode(&hb); err != nil {
		c.malformed(env, err)
		return
	}
	hb.ID = env.Sender
	c.Members.Observe(hb)
}

// trackPeerTask records a task another coordinator announced. Its bids and
// results are left to the owner.
func (c *Coordinator) trackPeerTask(id, owner string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	if _, ok := c.Auction.Task(id); ok {
		c.log.Warn().Str("task_id", id).Str("owner", owner).Msg("peer announced a task already open here")
		return
	}
	c.peers.record(kindTask, id, owner)
	c.log.Debug().Str("task_id", id).Str("owner", owner).Msg("peer task tracked")
}

// trackPeerProposal records a proposal another coordinator opened.
func (c *Coordinator) trackPeerProposal(id, owner string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	if _, ok := c.Voting.Proposal(id); ok {
		c.log.Warn().Str("proposal_id", id).Str("owner", owner).Msg("peer announced a proposal already open here")
		return
	}
	c.peers.record(kindProposal, id, owner)
	c.log.Debug().Str("proposal_id", id).Str("owner", owner).Msg("peer proposal tracked")
}
