package mainchain

import "github.com/dagledger/node/ledger"

// SystemVote is one stabilized "system_vote" message, cast by an
// address for a value of a governed subject (spec §3 "System
// variables", SPEC_FULL §4 supplemental feature).
type SystemVote struct {
	Voter   string
	Subject ledger.SystemVarSubject
	Value   string
}

// TallyResult is the winning value for a subject, once the number of
// operators voting for it (one vote per operator) reaches the configured
// threshold.
type TallyResult struct {
	Subject ledger.SystemVarSubject
	Value   string
	Votes   int
}

// Tally counts votes cast by members of ops for each subject, keeping
// only the most recent vote per voter (a later stabilized vote
// supersedes an earlier one from the same address), and returns the
// value with the most votes for each subject that has reached
// thresholdSize, in stabilization order (the order of each subject's
// first counted vote in votes). Non-operator votes are
// ignored: only the committee's votes govern system variables.
func Tally(votes []SystemVote, ops ledger.OperatorSet, thresholdSize int) []TallyResult {
	latestBySubjectVoter := make(map[ledger.SystemVarSubject]map[string]string)
	var subjectOrder []ledger.SystemVarSubject
	for _, v := range votes {
		if !ops.Contains(v.Voter) {
			continue
		}
		bySub, ok := latestBySubjectVoter[v.Subject]
		if !ok {
			bySub = make(map[string]string)
			latestBySubjectVoter[v.Subject] = bySub
			subjectOrder = append(subjectOrder, v.Subject)
		}
		bySub[v.Voter] = v.Value
	}

	var results []TallyResult
	for _, subject := range subjectOrder {
		byVoter := latestBySubjectVoter[subject]
		counts := make(map[string]int)
		for _, val := range byVoter {
			counts[val]++
		}
		bestValue := ""
		bestCount := 0
		for val, count := range counts {
			if count > bestCount || (count == bestCount && val < bestValue) {
				bestValue = val
				bestCount = count
			}
		}
		if bestCount >= thresholdSize {
			results = append(results, TallyResult{Subject: subject, Value: bestValue, Votes: bestCount})
		}
	}
	return results
}
