// Package results materializes the append-once results hierarchy from a
// completed tally execution: event, election, contest and candidate rows,
// with area-scoped counterparts where the event is subdivided.
//
// Every percentage column documents its denominator: vote-share style
// percentages divide by the contest's total_votes, turnout percentages
// divide by the election's eligible_census. Results rows are never mutated;
// a re-tally produces a new results event from a new execution.
package results

import (
	"time"

	"github.com/scrutin-vote/scrutin/scrutin"
)

var (
	ErrExecutionNotCompleted = scrutin.ConfigErr("results: execution not completed")
	ErrAlreadyAggregated     = scrutin.ConfigErr("results: execution already aggregated")
	ErrNotFound              = scrutin.ConfigErr("results: not found")
)

// Counts is the ballot arithmetic shared by every level of the hierarchy.
// The invariant blank + explicit_invalid + implicit_invalid + valid =
// total_votes holds on every row.
type Counts struct {
	TotalVotes           uint64 `json:"totalVotes"`
	BlankVotes           uint64 `json:"blankVotes"`
	ExplicitInvalidVotes uint64 `json:"explicitInvalidVotes"` // spoiled by the voter
	ImplicitInvalidVotes uint64 `json:"implicitInvalidVotes"` // failed proof verification
	ValidVotes           uint64 `json:"validVotes"`
}

func (c *Counts) add(o Counts) {
	c.TotalVotes += o.TotalVotes
	c.BlankVotes += o.BlankVotes
	c.ExplicitInvalidVotes += o.ExplicitInvalidVotes
	c.ImplicitInvalidVotes += o.ImplicitInvalidVotes
	c.ValidVotes += o.ValidVotes
}

// CandidateResult is one candidate's standing within a contest row.
type CandidateResult struct {
	CandidateID string `json:"candidateId"`
	CastVotes   uint64 `json:"castVotes"`
	// denominator: the contest row's total_votes
	VoteSharePercent float64 `json:"voteSharePercent"`
	WinningPosition  int     `json:"winningPosition"`
}

// ContestResult is one contest row. AreaID is empty on the election-wide
// row and set on area-scoped rows.
type ContestResult struct {
	ContestID  string `json:"contestId"`
	ElectionID string `json:"electionId"`
	AreaID     string `json:"areaId,omitempty"`
	Counts
	// denominators: total_votes of this row
	BlankPercent           float64           `json:"blankPercent"`
	ExplicitInvalidPercent float64           `json:"explicitInvalidPercent"`
	ImplicitInvalidPercent float64           `json:"implicitInvalidPercent"`
	ValidPercent           float64           `json:"validPercent"`
	Candidates             []CandidateResult `json:"candidates"`
}

// ElectionResult is one election row plus its contest rows.
type ElectionResult struct {
	ElectionID string `json:"electionId"`
	Counts
	EligibleCensus uint64 `json:"eligibleCensus"`
	// denominator: eligible_census
	TurnoutPercent float64         `json:"turnoutPercent"`
	Contests       []ContestResult `json:"contests"`
	// area-scoped counterparts, present when the event has areas
	AreaContests []ContestResult `json:"areaContests,omitempty"`
}

// EventResult is the root of one aggregation run.
type EventResult struct {
	ID          string        `json:"id"`
	ExecutionID string        `json:"executionId"`
	Scope       scrutin.Scope `json:"scope"`
	Counts
	Elections []ElectionResult `json:"elections"`
	CreatedAt time.Time        `json:"createdAt"`
}

// pct computes value/denominator as a percentage, 0 when the denominator
// is 0 (an empty contest has no shares, not NaNs).
func pct(value, denominator uint64) float64 {
	if denominator == 0 {
		return 0
	}
	return float64(value) / float64(denominator) * 100
}
