// Package auction runs the sealed-bid task auction: it collects bids during a
// fixed window, scores them against the task and the bidder's reputation
// profile, and selects one or more assignees.
package auction

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownTask        = errors.New("unknown task")
	ErrDuplicateTask      = errors.New("task already announced")
	ErrInvalidTask        = errors.New("invalid task")
	ErrDuplicateBid       = errors.New("duplicate bid")
	ErrCapabilityMismatch = errors.New("bidder lacks a required capability")
	ErrInvalidBid         = errors.New("invalid bid")
	ErrTooManyBids        = errors.New("task bid limit reached")
	ErrNotAssignee        = errors.New("agent is not assigned to task")
)

// Failure reasons reported on taskAssignmentFailed.
const (
	ReasonNoBids           = "no bids"
	ReasonNoSuitableAgents = "no suitable agents"
)

// Priority is a free-form priority tag ("low", "normal", "high", ...).
type Priority string

// Task is a unit of work offered to the swarm. Immutable once announced.
type Task struct {
	ID                   string          `json:"id"`
	Description          string          `json:"description"`
	RequiredCapabilities []string        `json:"required_capabilities"`
	Bounty               decimal.Decimal `json:"bounty"`
	Deadline             time.Time       `json:"deadline"`
	MinAgents            int             `json:"min_agents"`
	MaxAgents            int             `json:"max_agents"`
	Priority             Priority        `json:"priority,omitempty"`
	AnnouncedAt          time.Time       `json:"announced_at"`
}

// Bid is one bidder's sealed offer for a task.
type Bid struct {
	TaskID          string          `json:"task_id"`
	BidderID        string          `json:"bidder_id"`
	EstimatedTime   time.Duration   `json:"estimated_time"`
	RequestedReward decimal.Decimal `json:"requested_reward"`
	Confidence      float64         `json:"confidence"`
	Capabilities    []string        `json:"capabilities"`
	// Reputation is captured from the ledger when the bid is accepted.
	Reputation  float64   `json:"reputation"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ScoredBid pairs a bid with its evaluation score.
type ScoredBid struct {
	Bid   Bid     `json:"bid"`
	Score float64 `json:"score"`
}

// Assignment is created exactly once per task when the auction succeeds.
type Assignment struct {
	TaskID      string          `json:"task_id"`
	Assignees   []string        `json:"assignees"`
	TotalReward decimal.Decimal `json:"total_reward"`
	Deadline    time.Time       `json:"deadline"`
	AssignedAt  time.Time       `json:"assigned_at"`
	Winners     []ScoredBid     `json:"winners"`
}

// AssignmentFailed is the payload of taskAssignmentFailed.
type AssignmentFailed struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
	Bids   int    `json:"bids"`
}

// Completion is the payload of taskCompleted.
type Completion struct {
	TaskID  string        `json:"task_id"`
	AgentID string        `json:"agent_id"`
	Success bool          `json:"success"`
	Took    time.Duration `json:"took"`
	// Remaining lists the assignees still to report; empty once the
	// assignment has closed.
	Remaining []string `json:"remaining,omitempty"`
}

// Cancellation is the payload of taskCancelled.
type Cancellation struct {
	TaskID      string   `json:"task_id"`
	Reason      string   `json:"reason"`
	WasAssigned bool     `json:"was_assigned"`
	Released    []string `json:"released,omitempty"`
}

// BidAccepted is the payload of bidSubmitted.
type BidAccepted struct {
	Bid      Bid `json:"bid"`
	BidCount int `json:"bid_count"`
}

func (t Task) clone() Task {
	t.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	return t
}

func (b Bid) clone() Bid {
	b.Capabilities = append([]string(nil), b.Capabilities...)
	return b
}

func (a Assignment) clone() Assignment {
	a.Assignees = append([]string(nil), a.Assignees...)
	winners := make([]ScoredBid, len(a.Winners))
	for i, w := range a.Winners {
		winners[i] = ScoredBid{Bid: w.Bid.clone(), Score: w.Score}
	}
	a.Winners = winners
	return a
}
