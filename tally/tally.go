// Package tally implements the tally session execution engine: the
// message-sequenced, resumable state machine that turns the ballot ledger
// into per-contest plaintext counts using threshold decryption.
//
// An execution is planned as an ordered list of sub-sessions, one per
// (election, area, contest). Each sub-session contributes two steps to the
// global step sequence: accumulate (homomorphically fold the countable
// ballots into one ciphertext per slot) and combine (threshold-decrypt the
// aggregates with a quorum of trustee partial decryptions and recover the
// counts). Steps are numbered from 1 and executed strictly in order; the
// cursor (current_message_id) only ever advances, atomically with the
// step's output, so a crashed execution resumes exactly where it stopped.
package tally

import (
	"time"

	"github.com/scrutin-vote/scrutin/crypto"
	"github.com/scrutin-vote/scrutin/crypto/elgamal"
	"github.com/scrutin-vote/scrutin/scrutin"
)

// ExecState is the lifecycle of a TallySessionExecution.
type ExecState string

const (
	ExecNotStarted ExecState = "not_started"
	ExecRunning    ExecState = "running"
	ExecCompleted  ExecState = "completed"
	ExecFailed     ExecState = "failed"
)

func (s ExecState) Terminal() bool {
	return s == ExecCompleted || s == ExecFailed
}

var (
	ErrSessionNotFound      = scrutin.ConfigErr("tally: session not found")
	ErrExecutionNotFound    = scrutin.ConfigErr("tally: execution not found")
	ErrCeremonyNotCompleted = scrutin.ConfigErr("tally: keys ceremony not completed")
	ErrVotingStillOpen      = scrutin.ConfigErr("tally: voting window still open")
	ErrExecutionExists      = scrutin.ConfigErr("tally: session already has an execution")
	ErrExecutionNotRunnable = scrutin.ConfigErr("tally: execution is terminal")
	ErrOutOfOrder           = scrutin.ConfigErr("tally: step out of order")
	ErrAccumulateNotDone    = scrutin.ConfigErr("tally: sub-session not yet accumulated")
	ErrUnknownSubSession    = scrutin.ConfigErr("tally: unknown sub-session")
	ErrUnknownTrustee       = scrutin.ConfigErr("tally: trustee not part of the ceremony")
	ErrAlreadySubmitted     = scrutin.ConfigErr("tally: trustee already submitted partials for this sub-session")

	// quorum not met yet: retry once more partials have arrived
	ErrQuorumNotMet  = scrutin.ConflictErr("tally: quorum of partial decryptions not met")
	ErrQuorumTimeout = scrutin.TimeoutErr("tally: timed out waiting for quorum")

	ErrConflict = scrutin.ConflictErr("tally: execution advanced by another writer")
)

// Configuration is the typed tally session configuration.
type Configuration struct {
	ElectionIDs []string `json:"electionIds"`
}

func (c *Configuration) Validate() error {
	if c == nil || len(c.ElectionIDs) == 0 {
		return scrutin.ConfigErr("tally: configuration names no elections")
	}
	seen := map[string]bool{}
	for _, id := range c.ElectionIDs {
		if seen[id] {
			return scrutin.ConfigErr("tally: duplicate election %s in configuration", id)
		}
		seen[id] = true
	}
	return nil
}

// Session is a tally session over one or more elections of an event. It
// can only be created against a completed keys ceremony.
type Session struct {
	ID             string         `json:"id"`
	Scope          scrutin.Scope  `json:"scope"`
	Name           string         `json:"name"`
	KeysCeremonyID string         `json:"keysCeremonyId"`
	Threshold      int            `json:"threshold"`
	TallyType      string         `json:"tallyType"`
	Configuration  *Configuration `json:"configuration"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// SubSession is one (election, area, contest) unit of work within an
// execution. Index fixes its place in the global step ordering.
type SubSession struct {
	ID         string `json:"id"`
	ElectionID string `json:"electionId"`
	AreaID     string `json:"areaId"`
	ContestID  string `json:"contestId"`
	Index      int    `json:"index"`
}

// stepsPerSub: accumulate then combine.
const stepsPerSub = 2

// Execution is the resumable progress record of a session.
type Execution struct {
	ID               string        `json:"id"`
	SessionID        string        `json:"sessionId"`
	Scope            scrutin.Scope `json:"scope"`
	State            ExecState     `json:"status"`
	CurrentMessageID int64         `json:"currentMessageId"`
	SubSessions      []SubSession  `json:"subSessions"`
	FailingMessageID int64         `json:"failingMessageId,omitempty"`
	FailingTrustee   string        `json:"failingTrustee,omitempty"`
	FailureReason    string        `json:"failureReason,omitempty"`
	Version          int64         `json:"-"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// SessionIDs lists the dispatched sub-session ids in step order.
func (e *Execution) SessionIDs() []string {
	out := make([]string, len(e.SubSessions))
	for i, ss := range e.SubSessions {
		out[i] = ss.ID
	}
	return out
}

// TotalSteps is the length of the step sequence.
func (e *Execution) TotalSteps() int64 {
	return int64(len(e.SubSessions) * stepsPerSub)
}

// stepFor maps a message id onto its sub-session and phase.
func (e *Execution) stepFor(messageID int64) (sub *SubSession, combine bool, err error) {
	if messageID < 1 || messageID > e.TotalSteps() {
		return nil, false, scrutin.ConfigErr("tally: message id %d outside step sequence", messageID)
	}
	idx := (messageID - 1) / stepsPerSub
	return &e.SubSessions[idx], (messageID-1)%stepsPerSub == 1, nil
}

// subByID finds a dispatched sub-session.
func (e *Execution) subByID(id string) (*SubSession, bool) {
	for i := range e.SubSessions {
		if e.SubSessions[i].ID == id {
			return &e.SubSessions[i], true
		}
	}
	return nil, false
}

// accumulateMessageID is the step number of a sub-session's accumulate.
func accumulateMessageID(sub *SubSession) int64 {
	return int64(sub.Index*stepsPerSub) + 1
}

// AccumulateOutput is the persisted output of an accumulate step: one
// homomorphic aggregate per slot plus the ballot bookkeeping. Ballots whose
// proofs fail verification are excluded from the aggregates and counted as
// implicitly invalid.
type AccumulateOutput struct {
	SubSessionID    string                `json:"subSessionId"`
	ElectionID      string                `json:"electionId"`
	AreaID          string                `json:"areaId"`
	ContestID       string                `json:"contestId"`
	TotalBallots    uint64                `json:"totalBallots"`
	ImplicitInvalid uint64                `json:"implicitInvalid"`
	Choices         []*elgamal.CipherText `json:"choices"`
	Blank           *elgamal.CipherText   `json:"blank"`
	Spoil           *elgamal.CipherText   `json:"spoil"`
}

// slots in decryption order: choices, blank, spoil.
func (a *AccumulateOutput) slots() []*elgamal.CipherText {
	out := make([]*elgamal.CipherText, 0, len(a.Choices)+2)
	out = append(out, a.Choices...)
	return append(out, a.Blank, a.Spoil)
}

// CombineOutput is the persisted output of a combine step: the decrypted
// per-slot counts. CandidateCounts lines up with the contest's canonical
// candidate order.
type CombineOutput struct {
	SubSessionID    string   `json:"subSessionId"`
	ElectionID      string   `json:"electionId"`
	AreaID          string   `json:"areaId"`
	ContestID       string   `json:"contestId"`
	TotalBallots    uint64   `json:"totalBallots"`
	ImplicitInvalid uint64   `json:"implicitInvalid"`
	CandidateCounts []uint64 `json:"candidateCounts"`
	BlankVotes      uint64   `json:"blankVotes"`
	SpoilVotes      uint64   `json:"spoilVotes"`
	TrusteeIndices  []int    `json:"trusteeIndices"` // quorum used, ascending
}

// Partial is one trustee's partial decryption for a whole sub-session:
// a decryption factor and Chaum-Pedersen proof per slot, in slot order.
type Partial struct {
	TrusteeID string             `json:"trusteeId"`
	Values    crypto.BigIntSlice `json:"values"`
	Proofs    []*elgamal.ZKP     `json:"proofs"`
}
