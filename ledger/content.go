package ledger

import (
	"fmt"

	"github.com/scrutin-vote/scrutin/crypto/elgamal"
	"github.com/scrutin-vote/scrutin/crypto/random"
	"github.com/scrutin-vote/scrutin/scrutin"
)

// Ballot encoding.
//
// A ballot carries one selection per contest and a selection carries one
// exponential-ElGamal ciphertext per candidate slot, in the contest's
// canonical candidate order, plus a blank slot and a spoil slot. Each slot
// encrypts g^m where m is the slot weight, so the per-slot product over all
// counted ballots encrypts the per-slot sum and tallies never need the
// individual plaintexts.
//
// Every slot has an OR proof that it encrypts one of the allowed weights,
// bound to the voter and contest so a ciphertext cannot be replayed on a
// different ballot. Proofs are checked when the ballot is read for tallying;
// a failing ballot is counted as implicitly invalid, not dropped.

// ContestSelection is the encrypted vote for a single contest.
type ContestSelection struct {
	ContestID string                `json:"contestId"`
	Choices   []*elgamal.CipherText `json:"choices"`
	Blank     *elgamal.CipherText   `json:"blank"`
	Spoil     *elgamal.CipherText   `json:"spoil"`
	// one proof per choice slot, then blank, then spoil
	Proofs []elgamal.ZKPOr `json:"proofs"`
}

// Content is the full encrypted ballot payload.
type Content struct {
	ElectionID string             `json:"electionId"`
	Selections []ContestSelection `json:"selections"`
}

// Hash is the canonical content hash receipts and signatures bind to.
func (c *Content) Hash() ([]byte, error) {
	return scrutin.CanonicalJSON.Hash(nil, c)
}

// Selection picks out the selection for a contest, nil if absent.
func (c *Content) Selection(contestID string) *ContestSelection {
	for i := range c.Selections {
		if c.Selections[i].ContestID == contestID {
			return &c.Selections[i]
		}
	}
	return nil
}

// MaxSlotWeight is the largest weight a single candidate slot may carry
// under the contest's counting algorithm. Plurality and approval slots are
// 0/1; borda ranks count down from the number of candidates.
func MaxSlotWeight(contest *scrutin.Contest) int {
	if contest.CountingAlgorithm == "borda" {
		return len(contest.Candidates)
	}
	return 1
}

// proofMeta binds a slot proof to its voter, contest and slot.
func proofMeta(scope scrutin.Scope, electionID, contestID, voterID string, slot int) []byte {
	return []byte(fmt.Sprintf("slot:%s/%s:%s:%s:%s:%d",
		scope.TenantID, scope.ElectionEventID, electionID, contestID, voterID, slot))
}

// Choice is the plaintext selection for one contest, used by the encryptor.
// Weights line up with the contest's canonical candidate order.
type Choice struct {
	Weights []int
	Blank   bool
	Spoil   bool
}

// Encryptor builds ballot content for a voter. It lives here rather than in
// a client package so the tests and the kiosk/paper ingest paths share one
// codec with the verifier.
type Encryptor struct {
	PK      *elgamal.PublicKey
	Scope   scrutin.Scope
	options *elgamal.PlaintextOptionsCache
}

func NewEncryptor(pk *elgamal.PublicKey, scope scrutin.Scope) *Encryptor {
	return &Encryptor{PK: pk, Scope: scope, options: elgamal.NewPlaintextOptionsCache(pk.System)}
}

// Encrypt produces ballot content for the given choices, one entry per
// contest in the order given. Contests with no entry in choices are voted
// blank.
func (e *Encryptor) Encrypt(electionID, voterID string, contests []*scrutin.Contest, choices map[string]Choice) (*Content, error) {
	content := &Content{ElectionID: electionID}
	for _, contest := range contests {
		ch := choices[contest.ID]
		sel, err := e.encryptContest(electionID, voterID, contest, ch)
		if err != nil {
			return nil, err
		}
		content.Selections = append(content.Selections, *sel)
	}
	return content, nil
}

func (e *Encryptor) encryptContest(electionID, voterID string, contest *scrutin.Contest, ch Choice) (*ContestSelection, error) {
	n := len(contest.Candidates)
	if len(ch.Weights) != 0 && len(ch.Weights) != n {
		return nil, scrutin.ConfigErr("ballot: contest %s wants %d weights, got %d", contest.ID, n, len(ch.Weights))
	}
	maxW := MaxSlotWeight(contest)
	chosen := 0
	for _, w := range ch.Weights {
		if w < 0 || w > maxW {
			return nil, scrutin.ConfigErr("ballot: contest %s weight %d out of range", contest.ID, w)
		}
		if w > 0 {
			chosen++
		}
	}
	if ch.Spoil {
		// a spoiled ballot carries no candidate weights
		chosen = 0
		ch.Weights = nil
	}
	blank := 0
	if !ch.Spoil && chosen == 0 {
		blank = 1
	}
	spoil := 0
	if ch.Spoil {
		spoil = 1
	}

	sel := &ContestSelection{ContestID: contest.ID}
	slot := 0
	for i := 0; i < n; i++ {
		w := 0
		if i < len(ch.Weights) {
			w = ch.Weights[i]
		}
		ct, proof := e.encryptSlot(electionID, contest.ID, voterID, slot, w, maxW)
		sel.Choices = append(sel.Choices, ct)
		sel.Proofs = append(sel.Proofs, proof)
		slot++
	}
	var proof elgamal.ZKPOr
	sel.Blank, proof = e.encryptSlot(electionID, contest.ID, voterID, slot, blank, 1)
	sel.Proofs = append(sel.Proofs, proof)
	slot++
	sel.Spoil, proof = e.encryptSlot(electionID, contest.ID, voterID, slot, spoil, 1)
	sel.Proofs = append(sel.Proofs, proof)
	return sel, nil
}

func (e *Encryptor) encryptSlot(electionID, contestID, voterID string, slot, weight, maxW int) (*elgamal.CipherText, elgamal.ZKPOr) {
	opts := e.options.GetOptions(maxW)
	// we need to know the randomness to build the proof
	r := random.Int(e.PK.Q)
	ct := e.PK.Encrypt(opts[weight], r)
	meta := proofMeta(e.Scope, electionID, contestID, voterID, slot)
	return ct, elgamal.ProveEncryption(e.PK, ct, opts, weight, r, meta)
}

// VerifySelection checks every slot proof of a selection against the
// contest definition. Any failure means the whole ballot is implicitly
// invalid for tallying purposes.
func VerifySelection(pk *elgamal.PublicKey, scope scrutin.Scope, electionID, voterID string, contest *scrutin.Contest, sel *ContestSelection, options *elgamal.PlaintextOptionsCache) error {
	n := len(contest.Candidates)
	if sel == nil {
		return scrutin.CryptoErr("ballot: missing selection for contest %s", contest.ID)
	}
	if len(sel.Choices) != n || len(sel.Proofs) != n+2 || sel.Blank == nil || sel.Spoil == nil {
		return scrutin.CryptoErr("ballot: malformed selection for contest %s", contest.ID)
	}
	maxW := MaxSlotWeight(contest)
	slots := make([]*elgamal.CipherText, 0, n+2)
	slots = append(slots, sel.Choices...)
	slots = append(slots, sel.Blank, sel.Spoil)
	for slot, ct := range slots {
		max := maxW
		if slot >= n {
			max = 1 // blank and spoil are 0/1
		}
		meta := proofMeta(scope, electionID, contest.ID, voterID, slot)
		if err := elgamal.VerifyEncryptionProof(sel.Proofs[slot], pk, ct, options.GetOptions(max), meta); err != nil {
			return scrutin.CryptoErr("ballot: contest %s slot %d proof invalid: %v", contest.ID, slot, err)
		}
	}
	return nil
}
