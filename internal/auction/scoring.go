package auction

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// reputationNorm is the reputation at which the reputation term saturates.
	reputationNorm = 100.0
	// busyThreshold is the active-task count above which a bidder is penalized.
	busyThreshold = 3
	busyPenalty   = 0.8
	// extraCapabilityBonus is granted per non-required capability, capped.
	extraCapabilityBonus    = 0.05
	extraCapabilityBonusCap = 0.2
	// highScore lets a bid in regardless of coverage.
	highScore = 0.8
)

// Weights are the coefficients of the bid score terms.
type Weights struct {
	Reputation      float64 `yaml:"reputation"`
	Confidence      float64 `yaml:"confidence"`
	Price           float64 `yaml:"price"`
	CapabilityBonus float64 `yaml:"capability_bonus"`
	Time            float64 `yaml:"time"`
}

// DefaultWeights returns 0.4/0.3/0.3/0.2/0.1.
func DefaultWeights() Weights {
	return Weights{
		Reputation:      0.4,
		Confidence:      0.3,
		Price:           0.3,
		CapabilityBonus: 0.2,
		Time:            0.1,
	}
}

// Score evaluates a bid for a task at time now. activeTasks is the bidder's
// current load from the reputation ledger.
func Score(bid Bid, task Task, activeTasks int, now time.Time, w Weights) float64 {
	score := w.Reputation*reputationScore(bid.Reputation) +
		w.Confidence*bid.Confidence +
		w.Price*priceScore(bid.RequestedReward, task.Bounty) +
		w.CapabilityBonus*capabilityScore(task.RequiredCapabilities, bid.Capabilities) +
		w.Time*timeScore(bid.EstimatedTime, task.Deadline, now)
	if activeTasks > busyThreshold {
		score *= busyPenalty
	}
	return score
}

func reputationScore(rep float64) float64 {
	return min(rep/reputationNorm, 1)
}

// priceScore is 1 for a free bid, 0 at or above the bounty.
func priceScore(requested, bounty decimal.Decimal) float64 {
	if !bounty.IsPositive() {
		return 0
	}
	return max(0, 1-requested.Div(bounty).InexactFloat64())
}

// capabilityScore is the covered share of required capabilities plus a small
// bonus for extra ones, capped at 1. A task with no requirements counts as
// fully covered.
func capabilityScore(required, offered []string) float64 {
	req := tagSet(required)
	have := tagSet(offered)

	coverage := 1.0
	if len(req) > 0 {
		matched := 0
		for tag := range req {
			if have[tag] {
				matched++
			}
		}
		coverage = float64(matched) / float64(len(req))
	}

	extra := 0
	for tag := range have {
		if !req[tag] {
			extra++
		}
	}
	bonus := min(extraCapabilityBonus*float64(extra), extraCapabilityBonusCap)
	return min(coverage+bonus, 1)
}

// timeScore rewards estimates that are small relative to the time left.
func timeScore(estimated time.Duration, deadline, now time.Time) float64 {
	left := deadline.Sub(now)
	if left <= 0 {
		return 0
	}
	return max(0, 1-float64(estimated)/float64(left))
}

// missingCapabilities returns required tags absent from offered, in
// requirement order.
func missingCapabilities(required, offered []string) []string {
	have := tagSet(offered)
	var missing []string
	for _, tag := range required {
		if !have[tag] {
			missing = append(missing, tag)
		}
	}
	return missing
}

func tagSet(tags []string) map[string]bool {
	set := make(map[string]bool, len(tags))
	for _, tag := range tags {
		if tag != "" {
			set[tag] = true
		}
	}
	return set
}

// rank sorts scored bids by descending score. Ties keep submission order.
func rank(bids []ScoredBid) {
	sort.SliceStable(bids, func(i, j int) bool {
		return bids[i].Score > bids[j].Score
	})
}

// selectWinners walks ranked bids greedily. A bid is taken while the
// selection is below minAgents, when it adds a capability no selected bid
// covers yet, or when its score exceeds highScore; selection stops at
// maxAgents. If the greedy pass ends below minAgents but enough bids exist,
// the top minAgents bids win outright.
func selectWinners(ranked []ScoredBid, minAgents, maxAgents int) []ScoredBid {
	var selected []ScoredBid
	covered := make(map[string]bool)

	for _, sb := range ranked {
		if len(selected) >= maxAgents {
			break
		}
		take := len(selected) < minAgents || sb.Score > highScore
		if !take {
			for _, tag := range sb.Bid.Capabilities {
				if tag != "" && !covered[tag] {
					take = true
					break
				}
			}
		}
		if !take {
			continue
		}
		selected = append(selected, sb)
		for _, tag := range sb.Bid.Capabilities {
			covered[tag] = true
		}
	}

	if len(selected) < minAgents && len(ranked) >= minAgents {
		selected = append([]ScoredBid(nil), ranked[:minAgents]...)
	}
	return selected
}
