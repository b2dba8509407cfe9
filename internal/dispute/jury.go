package dispute

import (
	"hash/fnv"
	"math/rand"

	"github.com/example/meshwork/internal/state"
)

// shuffleCandidates permutes the candidate pool with a generator seeded from
// the dispute ID, so re-running selection for the same dispute over the same
// pool invites the same jurors.
func shuffleCandidates(disputeID string, candidates []state.WorkerRecord) {
	h := fnv.New64a()
	h.Write([]byte(disputeID))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
}

// tally counts votes by verdict and reports how many accepted jurors have
// voted so far.
func tally(d *state.DisputeRecord) (counts map[string]int, voted, accepted int) {
	counts = map[string]int{}
	for i := range d.Jury {
		if !d.Jury[i].Accepted() {
			continue
		}
		accepted++
		if d.Jury[i].Voted() {
			voted++
			counts[string(d.Jury[i].Vote)]++
		}
	}
	return counts, voted, accepted
}

// verdictFromCounts decides whether voting is over. Before the deadline a
// verdict needs either the threshold or every juror's vote; at the deadline
// (final=true) a plurality wins, an exact tie for the lead splits, and zero
// votes is a timeout.
func verdictFromCounts(counts map[string]int, voted, accepted, threshold int, final bool) (state.Verdict, bool) {
	lead, leadCount, tied := state.Verdict(""), 0, false
	for _, v := range []state.Verdict{state.VerdictRequesterWin, state.VerdictWorkerWin, state.VerdictSplit} {
		n := counts[string(v)]
		if n > leadCount {
			lead, leadCount, tied = v, n, false
		} else if n == leadCount && n > 0 {
			tied = true
		}
	}
	if leadCount >= threshold {
		return lead, true
	}
	if voted >= accepted && accepted > 0 {
		// All ballots are in but nothing reached threshold.
		if tied {
			return state.VerdictSplit, true
		}
		if leadCount > 0 {
			return lead, true
		}
	}
	if !final {
		return "", false
	}
	if leadCount == 0 {
		return state.VerdictTimeout, true
	}
	if tied {
		return state.VerdictSplit, true
	}
	return lead, true
}
