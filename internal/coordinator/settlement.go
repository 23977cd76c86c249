package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ssd-technologies/swarm/internal/auction"
	"github.com/ssd-technologies/swarm/internal/events"
	"github.com/ssd-technologies/swarm/internal/storage"
	"github.com/ssd-technologies/swarm/internal/transport"
	"github.com/ssd-technologies/swarm/internal/voting"
)

const storeTimeout = 5 * time.Second

// wireEvents broadcasts engine events and hands settlement records to the
// store.
func (c *Coordinator) wireEvents() {
	c.Bus.SubscribeAll(func(e events.Event) {
		c.publish(transport.TopicEvents, e)
	})
	c.Bus.Subscribe(events.TaskAnnounced, func(e events.Event) {
		task := e.Data.(auction.Task)
		c.publish(transport.TopicTasks, TaskMessage{Op: OpAnnounce, Task: &task, Owner: c.opts.NodeID})
	})
	c.Bus.Subscribe(events.ProposalCreated, func(e events.Event) {
		c.publish(transport.TopicProposals, ProposalMessage{Proposal: e.Data.(voting.Proposal), Owner: c.opts.NodeID})
	})

	if c.store == nil {
		return
	}
	c.Bus.Subscribe(events.TaskAssigned, func(e events.Event) {
		a := e.Data.(auction.Assignment)
		c.settle("save assignment", a.TaskID, func(ctx context.Context) error {
			return c.store.SaveAssignment(ctx, assignmentRecord(a, storage.AssignmentActive, a.Assignees))
		})
	})
	c.Bus.Subscribe(events.TaskCompleted, func(e events.Event) {
		done := e.Data.(auction.Completion)
		if len(done.Remaining) > 0 {
			c.settle("record completion", done.TaskID, func(ctx context.Context) error {
				rec, err := c.store.GetAssignment(ctx, done.TaskID)
				if err != nil {
					return err
				}
				rec.Pending = done.Remaining
				rec.UpdatedAt = time.Now().UTC()
				return c.store.SaveAssignment(ctx, rec)
			})
			return
		}
		c.settle("complete assignment", done.TaskID, func(ctx context.Context) error {
			return c.store.SetAssignmentStatus(ctx, done.TaskID, storage.AssignmentCompleted)
		})
	})
	c.Bus.Subscribe(events.TaskCancelled, func(e events.Event) {
		cancel := e.Data.(auction.Cancellation)
		if !cancel.WasAssigned {
			return
		}
		c.settle("cancel assignment", cancel.TaskID, func(ctx context.Context) error {
			return c.store.SetAssignmentStatus(ctx, cancel.TaskID, storage.AssignmentCancelled)
		})
	})
	c.Bus.Subscribe(events.ConsensusReached, func(e events.Event) {
		out := e.Data.(voting.Outcome)
		c.settle("save outcome", out.ProposalID, func(ctx context.Context) error {
			return c.store.SaveOutcome(ctx, outcomeRecord(out))
		})
	})
	c.Bus.Subscribe(events.ProposalExpired, func(e events.Event) {
		x := e.Data.(voting.Expiry)
		rec := storage.Outcome{
			ProposalID: x.ProposalID,
			TaskID:     x.TaskID,
			Status:     string(voting.StatusExpired),
			DecidedAt:  time.Now().UTC(),
		}
		if p, ok := c.Voting.Proposal(x.ProposalID); ok {
			t := voting.Count(p, c.Voting.Config().MinParticipants, c.Voting.Config().Threshold)
			rec.ProposerID = p.ProposerID
			rec.SolutionHash = p.Solution.Hash
			rec.SolutionURI = p.Solution.URI
			rec.SupportWeight = t.SupportWeight
			rec.RejectWeight = t.RejectWeight
			rec.TotalVotes = t.TotalVotes
		}
		c.settle("save expiry", x.ProposalID, func(ctx context.Context) error {
			return c.store.SaveOutcome(ctx, rec)
		})
	})
}

func (c *Coordinator) settle(op, id string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		c.log.Error().Err(err).Str("op", op).Str("id", id).Msg("settlement handoff failed")
	}
}

func assignmentRecord(a auction.Assignment, status string, pending []string) storage.Assignment {
	return storage.Assignment{
		TaskID:      a.TaskID,
		Assignees:   append([]string(nil), a.Assignees...),
		Pending:     append([]string(nil), pending...),
		TotalReward: a.TotalReward.String(),
		Deadline:    a.Deadline,
		AssignedAt:  a.AssignedAt,
		Status:      status,
		UpdatedAt:   a.AssignedAt,
	}
}

// liveAssignment rebuilds an engine assignment from its settlement record.
func liveAssignment(rec storage.Assignment) (auction.Assignment, error) {
	reward, err := decimal.NewFromString(rec.TotalReward)
	if err != nil {
		return auction.Assignment{}, fmt.Errorf("total reward %q: %w", rec.TotalReward, err)
	}
	return auction.Assignment{
		TaskID:      rec.TaskID,
		Assignees:   append([]string(nil), rec.Assignees...),
		TotalReward: reward,
		Deadline:    rec.Deadline,
		AssignedAt:  rec.AssignedAt,
	}, nil
}

func outcomeRecord(o voting.Outcome) storage.Outcome {
	return storage.Outcome{
		ProposalID:    o.ProposalID,
		TaskID:        o.TaskID,
		ProposerID:    o.ProposerID,
		SolutionHash:  o.Solution.Hash,
		SolutionURI:   o.Solution.URI,
		Status:        string(o.Status),
		SupportWeight: o.Tally.SupportWeight,
		RejectWeight:  o.Tally.RejectWeight,
		TotalVotes:    o.Tally.TotalVotes,
		Early:         o.Early,
		DecidedAt:     o.DecidedAt,
	}
}
