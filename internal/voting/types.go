// Package voting ratifies proposed task solutions with a reputation-weighted
// quorum vote. Proposals finalize at their deadline, or earlier once the
// outcome can no longer change.
package voting

import (
	"errors"
	"time"

	"github.com/ssd-technologies/swarm/internal/blob"
)

var (
	ErrUnknownProposal    = errors.New("unknown proposal")
	ErrProposalNotPending = errors.New("proposal is not pending")
	ErrVotingExpired      = errors.New("voting period has ended")
	ErrDuplicateVote      = errors.New("voter already voted")
	ErrInvalidProposal    = errors.New("invalid proposal")
)

// Status is a proposal's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s != StatusPending }

// Vote is one participant's ballot. Weight is captured when it is cast.
type Vote struct {
	VoterID string    `json:"voter_id"`
	Support bool      `json:"support"`
	Weight  float64   `json:"weight"`
	CastAt  time.Time `json:"cast_at"`
	Reason  string    `json:"reason,omitempty"`
}

// Proposal is a candidate solution for a task put to a vote.
type Proposal struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	Solution    blob.Ref        `json:"solution"`
	ProposerID  string          `json:"proposer_id"`
	Confidence  float64         `json:"confidence"`
	Supporters  map[string]Vote `json:"supporters"`
	Rejectors   map[string]Vote `json:"rejectors"`
	CreatedAt   time.Time       `json:"created_at"`
	Deadline    time.Time       `json:"deadline"`
	Status      Status          `json:"status"`
	FinalizedAt time.Time       `json:"finalized_at,omitempty"`
}

func (p Proposal) clone() Proposal {
	p.Supporters = cloneVotes(p.Supporters)
	p.Rejectors = cloneVotes(p.Rejectors)
	return p
}

func cloneVotes(in map[string]Vote) map[string]Vote {
	out := make(map[string]Vote, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// HasVoted reports whether voterID appears in either vote map.
func (p Proposal) HasVoted(voterID string) bool {
	_, s := p.Supporters[voterID]
	_, r := p.Rejectors[voterID]
	return s || r
}

// Tally is the weighted count of a proposal's votes.
type Tally struct {
	SupportWeight float64 `json:"support_weight"`
	RejectWeight  float64 `json:"reject_weight"`
	TotalVotes    int     `json:"total_votes"`
	SupportRatio  float64 `json:"support_ratio"`
	Accepted      bool    `json:"accepted"`
}

// Cast is the payload of voteReceived.
type Cast struct {
	ProposalID string `json:"proposal_id"`
	Vote       Vote   `json:"vote"`
}

// Outcome is the payload of consensusReached.
type Outcome struct {
	ProposalID string    `json:"proposal_id"`
	TaskID     string    `json:"task_id"`
	ProposerID string    `json:"proposer_id"`
	Solution   blob.Ref  `json:"solution"`
	Status     Status    `json:"status"`
	Tally      Tally     `json:"tally"`
	Early      bool      `json:"early"`
	DecidedAt  time.Time `json:"decided_at"`
}

// Expiry is the payload of proposalExpired.
type Expiry struct {
	ProposalID string    `json:"proposal_id"`
	TaskID     string    `json:"task_id"`
	Deadline   time.Time `json:"deadline"`
}
