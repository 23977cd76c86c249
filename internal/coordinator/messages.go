package coordinator

import (
	"github.com/ssd-technologies/swarm/internal/auction"
	"github.com/ssd-technologies/swarm/internal/voting"
)

// Task operations carried on the tasks topic.
const (
	OpAnnounce = "announce"
	OpComplete = "complete"
	OpCancel   = "cancel"
)

// TaskMessage is the payload on the tasks topic. Owner names the coordinator
// that runs an announced task's auction; an empty owner is claimed by the
// receiving coordinator.
type TaskMessage struct {
	Op      string        `json:"op"`
	Owner   string        `json:"owner,omitempty"`
	Task    *auction.Task `json:"task,omitempty"`
	TaskID  string        `json:"task_id,omitempty"`
	Success bool          `json:"success,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}

// VoteMessage is the payload on the votes topic. The voter is the envelope
// sender.
type VoteMessage struct {
	ProposalID string `json:"proposal_id"`
	Support    bool   `json:"support"`
	Reason     string `json:"reason,omitempty"`
}

// ProposalMessage is the payload on the proposals topic. Owner works as on
// TaskMessage. A proposal without a foreign owner is only accepted from its
// proposer.
type ProposalMessage struct {
	voting.Proposal
	Owner string `json:"owner,omitempty"`
}
