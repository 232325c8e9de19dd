package scrutin

import (
	"sort"
	"time"
)

// VotingChannels enumerates how ballots may reach the ledger. The zero
// value disables everything, so configuration must opt channels in.
type VotingChannels struct {
	Online    bool `json:"online"`
	Kiosk     bool `json:"kiosk"`
	Telephone bool `json:"telephone"`
	Paper     bool `json:"paper"`
}

// Channel names as they appear on the wire.
const (
	ChannelOnline    = "online"
	ChannelKiosk     = "kiosk"
	ChannelTelephone = "telephone"
	ChannelPaper     = "paper"
)

// Enabled reports whether the named channel accepts votes.
func (vc VotingChannels) Enabled(channel string) bool {
	switch channel {
	case ChannelOnline:
		return vc.Online
	case ChannelKiosk:
		return vc.Kiosk
	case ChannelTelephone:
		return vc.Telephone
	case ChannelPaper:
		return vc.Paper
	}
	return false
}

// Election is one election within an election event. The voting window and
// channels gate the Ballot Ledger; the census feeds turnout percentages.
type Election struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenantId"`
	ElectionEventID   string         `json:"electionEventId"`
	Name              string         `json:"name"`
	NumAllowedRevotes int            `json:"numAllowedRevotes"`
	SpoilBallotOption bool           `json:"spoilBallotOption"`
	EligibleCensus    uint64         `json:"eligibleCensus"`
	Channels          VotingChannels `json:"votingChannels"`
	Window            VotingWindow   `json:"votingWindow"`
	KeysCeremonyID    string         `json:"keysCeremonyId,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
}

func (e *Election) Scope() Scope {
	return Scope{TenantID: e.TenantID, ElectionEventID: e.ElectionEventID}
}

// Open reports whether the election accepts ballots on the given channel
// at the given time.
func (e *Election) Open(channel string, at time.Time) bool {
	return e.Channels.Enabled(channel) && e.Window.Contains(at)
}

// Contest is a single race within an election. The candidate ordering in
// Candidates fixes the ballot slot layout, so it must never change once
// ballots exist; we keep it sorted by candidate id.
type Contest struct {
	ID                   string      `json:"id"`
	ElectionID           string      `json:"electionId"`
	Name                 string      `json:"name"`
	MinChoices           int         `json:"minChoices"`
	MaxChoices           int         `json:"maxChoices"`
	WinningCandidatesNum int         `json:"winningCandidatesNum"`
	VotingType           string      `json:"votingType"`        // see results/counting
	CountingAlgorithm    string      `json:"countingAlgorithm"` // see results/counting
	Candidates           []Candidate `json:"candidates"`
}

// SortCandidates enforces the canonical candidate ordering (by id).
func (c *Contest) SortCandidates() {
	sort.Slice(c.Candidates, func(i, j int) bool {
		return c.Candidates[i].ID < c.Candidates[j].ID
	})
}

func (c *Contest) Validate() error {
	if len(c.Candidates) == 0 {
		return ConfigErr("contest %s: no candidates", c.ID)
	}
	if c.MaxChoices < 1 || c.MaxChoices > len(c.Candidates) {
		return ConfigErr("contest %s: max choices %d out of range", c.ID, c.MaxChoices)
	}
	if c.MinChoices < 0 || c.MinChoices > c.MaxChoices {
		return ConfigErr("contest %s: min choices %d out of range", c.ID, c.MinChoices)
	}
	if c.WinningCandidatesNum < 1 {
		return ConfigErr("contest %s: winning candidates num must be >= 1", c.ID)
	}
	seen := map[string]bool{}
	for _, cand := range c.Candidates {
		if seen[cand.ID] {
			return ConfigErr("contest %s: duplicate candidate %s", c.ID, cand.ID)
		}
		seen[cand.ID] = true
	}
	return nil
}

// Candidate is one option in a contest.
type Candidate struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Area is a geographic or organisational subdivision; ballots carry an
// area id and results may be rolled up per area.
type Area struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
