// Package counting ranks candidates from decrypted per-candidate counts.
// A strategy is selected by the contest's counting_algorithm; every
// strategy breaks ties deterministically by candidate id, never by
// insertion order.
package counting

import (
	"sort"

	"github.com/scrutin-vote/scrutin/scrutin"
)

// ErrUnsupportedAlgorithm is returned for counting algorithms that cannot
// be computed from homomorphic sums. instant_runoff needs the individual
// ranked ballots in plaintext, which only a mixnet tally can provide.
var ErrUnsupportedAlgorithm = scrutin.ConfigErr("counting: algorithm not supported under homomorphic tally")

// Ranked is one candidate's final standing in a contest.
type Ranked struct {
	CandidateID     string `json:"candidateId"`
	CastVotes       uint64 `json:"castVotes"`
	WinningPosition int    `json:"winningPosition"` // 1-based
}

// Strategy ranks the candidates of a contest given the decrypted count per
// candidate. Positions are assigned only once every candidate's count is
// known, which is guaranteed by taking the full map at once.
type Strategy interface {
	Name() string
	Rank(contest *scrutin.Contest, counts map[string]uint64) ([]Ranked, error)
}

// ForContest picks the strategy for a contest's counting algorithm.
func ForContest(c *scrutin.Contest) (Strategy, error) {
	switch c.CountingAlgorithm {
	case "plurality", "":
		return plurality{}, nil
	case "approval":
		return approval{}, nil
	case "borda":
		return borda{}, nil
	}
	return nil, ErrUnsupportedAlgorithm
}

// rankByCount orders candidates by descending count, ties broken by
// ascending candidate id.
func rankByCount(contest *scrutin.Contest, counts map[string]uint64) ([]Ranked, error) {
	out := make([]Ranked, 0, len(contest.Candidates))
	for _, cand := range contest.Candidates {
		votes, ok := counts[cand.ID]
		if !ok {
			return nil, scrutin.ConfigErr("counting: contest %s missing count for candidate %s", contest.ID, cand.ID)
		}
		out = append(out, Ranked{CandidateID: cand.ID, CastVotes: votes})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CastVotes != out[j].CastVotes {
			return out[i].CastVotes > out[j].CastVotes
		}
		return out[i].CandidateID < out[j].CandidateID
	})
	for i := range out {
		out[i].WinningPosition = i + 1
	}
	return out, nil
}

// plurality: one choice per ballot, most votes wins.
type plurality struct{}

func (plurality) Name() string { return "plurality" }
func (plurality) Rank(c *scrutin.Contest, counts map[string]uint64) ([]Ranked, error) {
	return rankByCount(c, counts)
}

// approval: voters approve any number of candidates up to max_choices; the
// winning_candidates_num highest approval counts win.
type approval struct{}

func (approval) Name() string { return "approval" }
func (approval) Rank(c *scrutin.Contest, counts map[string]uint64) ([]Ranked, error) {
	return rankByCount(c, counts)
}

// borda: ballots carry per-candidate weights and the homomorphic sum of
// weights ranks the field.
type borda struct{}

func (borda) Name() string { return "borda" }
func (borda) Rank(c *scrutin.Contest, counts map[string]uint64) ([]Ranked, error) {
	return rankByCount(c, counts)
}
