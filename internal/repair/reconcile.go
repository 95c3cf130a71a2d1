package repair

import "bytes"

// Vote is one node's answer to a read.
type Vote struct {
	NodeID string
	Value  []byte
	Found  bool
}

func (v Vote) same(o Vote) bool {
	if v.Found != o.Found {
		return false
	}
	return !v.Found || bytes.Equal(v.Value, o.Value)
}

// ReconcileResult is the outcome of tallying votes.
type ReconcileResult struct {
	// Winner is the most common answer. Absent counts as an answer.
	Winner Vote
	// Votes is how many nodes gave the winning answer.
	Votes int
	// Stale lists the nodes whose answer differed from Winner.
	Stale []string
}

// HasQuorum reports whether at least q nodes agreed on the winner.
func (r ReconcileResult) HasQuorum(q int) bool {
	return r.Votes >= q && r.Votes > 0
}

// IsNotFound reports whether the winning answer is "absent".
func (r ReconcileResult) IsNotFound() bool {
	return !r.Winner.Found
}

// Reconcile tallies votes and picks the answer given by the most nodes.
// Ties go to the answer seen first.
func Reconcile(votes []Vote) ReconcileResult {
	type tally struct {
		vote  Vote
		count int
	}

	var tallies []tally
	for _, v := range votes {
		matched := false
		for i := range tallies {
			if tallies[i].vote.same(v) {
				tallies[i].count++
				matched = true
				break
			}
		}
		if !matched {
			tallies = append(tallies, tally{vote: v, count: 1})
		}
	}

	if len(tallies) == 0 {
		return ReconcileResult{}
	}

	best := tallies[0]
	for _, t := range tallies[1:] {
		if t.count > best.count {
			best = t
		}
	}

	result := ReconcileResult{
		Winner: Vote{Value: best.vote.Value, Found: best.vote.Found},
		Votes:  best.count,
	}
	for _, v := range votes {
		if !v.same(best.vote) {
			result.Stale = append(result.Stale, v.NodeID)
		}
	}
	return result
}
