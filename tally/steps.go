package tally

import (
	"bytes"
	"encoding/json"
	"io"
	"sort"

	big "github.com/ncw/gmp"

	"github.com/scrutin-vote/scrutin/crypto"
	"github.com/scrutin-vote/scrutin/crypto/elgamal"
	"github.com/scrutin-vote/scrutin/ledger"
	"github.com/scrutin-vote/scrutin/scrutin"
)

// accumulate folds the countable ballots of (election, area) into one
// aggregate ciphertext per slot of the contest. The ledger cursor yields
// the latest ballot per voter in voter-id order, so the fold is
// deterministic; with canonical JSON the output bytes are reproducible.
func (en *Engine) accumulate(scope scrutin.Scope, sess *Session, sub *SubSession) ([]byte, error) {
	cer, err := en.ceremonies.Get(scope, sess.KeysCeremonyID)
	if err != nil {
		return nil, err
	}
	pk := cer.PublicKey
	sys := cer.Settings.Params
	contest, err := en.reg.GetContest(scope, sub.ElectionID, sub.ContestID)
	if err != nil {
		return nil, err
	}
	options := elgamal.NewPlaintextOptionsCache(sys)

	n := len(contest.Candidates)
	slots := make([]*elgamal.CipherText, n+2)
	for i := range slots {
		// multiplicative identity, decrypts to g^0
		slots[i] = &elgamal.CipherText{A: big.NewInt(1), B: big.NewInt(1)}
	}

	out := &AccumulateOutput{
		SubSessionID: sub.ID,
		ElectionID:   sub.ElectionID,
		AreaID:       sub.AreaID,
		ContestID:    sub.ContestID,
	}
	cur := en.ledger.CursorForTally(scope, sub.ElectionID, sub.AreaID, "")
	for {
		cv, err := cur.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		out.TotalBallots++
		sel := cv.Content.Selection(sub.ContestID)
		if verr := ledger.VerifySelection(pk, scope, sub.ElectionID, cv.VoterID, contest, sel, options); verr != nil {
			// counted, not counted for: the ballot exists but its
			// cryptographic content cannot be trusted
			out.ImplicitInvalid++
			en.log.Warn().
				Str("subsession", sub.ID).
				Str("ballot", cv.ID).
				Err(verr).
				Msg("ballot failed verification, implicitly invalid")
			continue
		}
		for i := 0; i < n; i++ {
			slots[i].Mul(sys, sel.Choices[i])
		}
		slots[n].Mul(sys, sel.Blank)
		slots[n+1].Mul(sys, sel.Spoil)
	}
	out.Choices = slots[:n]
	out.Blank = slots[n]
	out.Spoil = slots[n+1]
	return canonicalBytes(out)
}

// combine threshold-decrypts a sub-session's aggregates with the first
// (lowest-indexed) quorum of submitted partials and recovers the counts
// via discrete log lookup. Quorum choice is deterministic so a re-run
// yields byte-identical output.
func (en *Engine) combine(scope scrutin.Scope, sess *Session, e *Execution, sub *SubSession) ([]byte, error) {
	raw, err := en.store.stepOutput(e.ID, accumulateMessageID(sub))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrAccumulateNotDone
	}
	acc := &AccumulateOutput{}
	if uerr := json.Unmarshal(raw, acc); uerr != nil {
		return nil, uerr
	}

	partials, err := en.store.partials(e.ID, sub.ID)
	if err != nil {
		return nil, err
	}
	if len(partials) < sess.Threshold {
		return nil, ErrQuorumNotMet
	}

	cer, err := en.ceremonies.Get(scope, sess.KeysCeremonyID)
	if err != nil {
		return nil, err
	}
	sys := cer.Settings.Params
	contest, err := en.reg.GetContest(scope, sub.ElectionID, sub.ContestID)
	if err != nil {
		return nil, err
	}

	type indexed struct {
		index   int
		partial *Partial
	}
	quorum := make([]indexed, 0, len(partials))
	for _, p := range partials {
		idx, ok := cer.TrusteeIndex(p.TrusteeID)
		if !ok {
			return nil, ErrUnknownTrustee
		}
		quorum = append(quorum, indexed{index: idx, partial: p})
	}
	sort.Slice(quorum, func(i, j int) bool { return quorum[i].index < quorum[j].index })
	quorum = quorum[:sess.Threshold]

	indices := make([]int, len(quorum))
	for i, q := range quorum {
		indices[i] = q.index
	}

	slots := acc.slots()
	maxCount := acc.TotalBallots * uint64(ledger.MaxSlotWeight(contest))
	lookup := elgamal.DiscreteLogLookup(sys, maxCount, nil)
	counts := make([]uint64, len(slots))
	for i, ct := range slots {
		factors := make(map[int]*big.Int, len(quorum))
		for _, q := range quorum {
			factors[q.index] = q.partial.Values[i]
		}
		pt := elgamal.ThresholdDecrypt(sys, ct, factors, indices)
		counts[i] = lookup(pt)
	}

	n := len(contest.Candidates)
	out := &CombineOutput{
		SubSessionID:    sub.ID,
		ElectionID:      sub.ElectionID,
		AreaID:          sub.AreaID,
		ContestID:       sub.ContestID,
		TotalBallots:    acc.TotalBallots,
		ImplicitInvalid: acc.ImplicitInvalid,
		CandidateCounts: counts[:n],
		BlankVotes:      counts[n],
		SpoilVotes:      counts[n+1],
		TrusteeIndices:  indices,
	}
	return canonicalBytes(out)
}

// verifyPartial checks a trustee's decryption factors against their shard
// key and the aggregate ciphertexts.
func verifyPartial(shardKey *elgamal.PublicKey, acc *AccumulateOutput, p *Partial) error {
	slots := acc.slots()
	if len(p.Values) != len(slots) || len(p.Proofs) != len(slots) {
		return scrutin.CryptoErr("tally: trustee %s sent %d factors for %d slots",
			p.TrusteeID, len(p.Values), len(slots))
	}
	for i, ct := range slots {
		if err := elgamal.VerifyPartialDecryptionProof(p.Proofs[i], shardKey, ct, p.Values[i]); err != nil {
			return scrutin.CryptoErr("tally: trustee %s slot %d proof invalid: %v", p.TrusteeID, i, err)
		}
	}
	return nil
}

// BuildPartial computes a trustee's partial decryption of a sub-session's
// aggregates from their shard secret. Trustee-side code; the engine only
// ever sees the result.
func BuildPartial(trusteeID string, shard *elgamal.SecretKey, acc *AccumulateOutput) *Partial {
	slots := acc.slots()
	p := &Partial{
		TrusteeID: trusteeID,
		Values:    make(crypto.BigIntSlice, len(slots)),
		Proofs:    make([]*elgamal.ZKP, len(slots)),
	}
	for i, ct := range slots {
		p.Values[i] = new(big.Int).Exp(ct.A, shard.X, shard.P)
		p.Proofs[i] = elgamal.ProveDecryption(shard, ct)
	}
	return p
}

func canonicalBytes(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := scrutin.CanonicalJSON.Encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
