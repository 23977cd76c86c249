package voting

// Count tallies a proposal. Fewer than minParticipants votes can never
// accept, whatever the weights.
func Count(p Proposal, minParticipants int, threshold float64) Tally {
	var t Tally
	for _, v := range p.Supporters {
		t.SupportWeight += v.Weight
	}
	for _, v := range p.Rejectors {
		t.RejectWeight += v.Weight
	}
	t.TotalVotes = len(p.Supporters) + len(p.Rejectors)
	if total := t.SupportWeight + t.RejectWeight; total > 0 {
		t.SupportRatio = t.SupportWeight / total
	}
	t.Accepted = t.TotalVotes >= minParticipants && t.SupportRatio >= threshold
	return t
}

// WorstCaseRatio is the support ratio if every one of the remaining
// population voted against with weight capWeight.
func WorstCaseRatio(t Tally, population int, capWeight float64) float64 {
	remaining := max(0, population-t.TotalVotes)
	denom := t.SupportWeight + t.RejectWeight + float64(remaining)*capWeight
	if denom <= 0 {
		return 0
	}
	return t.SupportWeight / denom
}

// decided reports whether acceptance can no longer be overturned.
func decided(t Tally, minParticipants, population int, capWeight, threshold float64) bool {
	if t.TotalVotes < minParticipants {
		return false
	}
	return WorstCaseRatio(t, population, capWeight) >= threshold
}
