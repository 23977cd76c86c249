package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ssd-technologies/swarm/internal/reputation"
)

var ErrNotFound = errors.New("record not found")

// Assignment statuses.
const (
	AssignmentActive    = "active"
	AssignmentCompleted = "completed"
	AssignmentCancelled = "cancelled"
)

// Assignment is the settlement record of an auction result.
type Assignment struct {
	TaskID    string   `json:"task_id"`
	Assignees []string `json:"assignees"`
	// Pending lists the assignees that have not reported completion.
	Pending     []string  `json:"pending"`
	TotalReward string    `json:"total_reward"` // decimal string
	Deadline    time.Time `json:"deadline"`
	AssignedAt  time.Time `json:"assigned_at"`
	Status      string    `json:"status"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Outcome is the settlement record of a finalized or expired proposal.
type Outcome struct {
	ProposalID    string    `json:"proposal_id"`
	TaskID        string    `json:"task_id"`
	ProposerID    string    `json:"proposer_id"`
	SolutionHash  string    `json:"solution_hash"`
	SolutionURI   string    `json:"solution_uri"`
	Status        string    `json:"status"`
	SupportWeight float64   `json:"support_weight"`
	RejectWeight  float64   `json:"reject_weight"`
	TotalVotes    int       `json:"total_votes"`
	Early         bool      `json:"early"`
	DecidedAt     time.Time `json:"decided_at"`
}

// Store persists profiles and settlement records. SaveProfile has no context
// so a Store can serve as a reputation.Persister.
type Store interface {
	reputation.Persister
	LoadProfiles(ctx context.Context) ([]reputation.Profile, error)
	SaveAssignment(ctx context.Context, a Assignment) error
	SetAssignmentStatus(ctx context.Context, taskID, status string) error
	GetAssignment(ctx context.Context, taskID string) (Assignment, error)
	ListAssignments(ctx context.Context, status string) ([]Assignment, error)
	SaveOutcome(ctx context.Context, o Outcome) error
	GetOutcome(ctx context.Context, proposalID string) (Outcome, error)
	ListOutcomes(ctx context.Context, limit int) ([]Outcome, error)
	Close() error
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
