package tally

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	big "github.com/ncw/gmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrutin-vote/scrutin/ceremony"
	"github.com/scrutin-vote/scrutin/crypto/elgamal"
	"github.com/scrutin-vote/scrutin/ledger"
	"github.com/scrutin-vote/scrutin/registry"
	"github.com/scrutin-vote/scrutin/scrutin"
	"github.com/scrutin-vote/scrutin/store"
)

var testSystem = &elgamal.System{
	P: big.NewInt(227),
	Q: big.NewInt(113),
	G: big.NewInt(69),
}

var testScope = scrutin.Scope{TenantID: "t1", ElectionEventID: "ev1"}

type testTrustee struct {
	id   string
	keys *elgamal.DerivedKeys
	part *elgamal.Participant
}

func (tr *testTrustee) commitment(ceremonyID string) *ceremony.Commitment {
	cm := &ceremony.Commitment{
		CeremonyID: ceremonyID,
		TrusteeID:  tr.id,
		Index:      tr.part.Index,
		SigKey:     tr.keys.Sig.Public(),
		Exponents:  elgamal.CreateExponents(testSystem, tr.part.Coeffs),
	}
	cm.Signature = tr.keys.Sig.Secret().Sign(cm)
	return cm
}

func (tr *testTrustee) share(ceremonyID string, all []*testTrustee) *ceremony.Share {
	tr.part.CombineShares(func(j, i int) *big.Int {
		return all[j-1].part.SecretShareFor(i)
	})
	return &ceremony.Share{
		CeremonyID: ceremonyID,
		TrusteeID:  tr.id,
		Index:      tr.part.Index,
		ShardKey:   tr.part.ShardKey.Public(),
		Proof:      tr.part.ShardKey.Secret().ProofOfKnowledge(),
	}
}

type fixture struct {
	engine     *Engine
	ledger     *ledger.Ledger
	ceremonies *ceremony.Machine
	reg        *registry.Registry
	enc        *ledger.Encryptor
	ceremonyID string
	trustees   []*testTrustee
	contest    *scrutin.Contest
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg, err := registry.New(db)
	require.NoError(t, err)
	contest := &scrutin.Contest{
		ID:                   "c1",
		ElectionID:           "el1",
		Name:                 "mayor",
		MaxChoices:           1,
		WinningCandidatesNum: 1,
		CountingAlgorithm:    "plurality",
		Candidates: []scrutin.Candidate{
			{ID: "cand-a", Name: "A"},
			{ID: "cand-b", Name: "B"},
		},
	}
	require.NoError(t, reg.PutElection(testScope, &scrutin.Election{
		ID:                "el1",
		Name:              "general",
		NumAllowedRevotes: 2,
		SpoilBallotOption: true,
		EligibleCensus:    100,
		Channels:          scrutin.VotingChannels{Online: true},
		Window: scrutin.VotingWindow{
			Timezone: "UTC",
			Opens:    "2020-01-01T00:00:00",
			Closes:   "2035-01-01T00:00:00",
		},
	}))
	require.NoError(t, reg.PutContest(testScope, contest))
	require.NoError(t, reg.PutArea(testScope, &scrutin.Area{ID: "a1", Name: "north"}))
	require.NoError(t, reg.PutArea(testScope, &scrutin.Area{ID: "a2", Name: "south"}))

	// run a 2-of-3 ceremony to completion
	cm, err := ceremony.NewMachine(db, zerolog.Nop())
	require.NoError(t, err)
	ts := &elgamal.ThresholdSystem{System: testSystem, K: 2, L: 3}
	trustees := []*testTrustee{}
	for i, spec := range []struct {
		id     string
		secret int64
	}{{"alice", 41}, {"bob", 59}, {"carol", 73}} {
		trustees = append(trustees, &testTrustee{
			id:   spec.id,
			keys: elgamal.DeriveKeys(testSystem, big.NewInt(spec.secret)),
			part: &elgamal.Participant{
				Sys:    ts,
				Index:  i + 1,
				Coeffs: elgamal.DeriveCoefficients(testSystem, big.NewInt(spec.secret), 2),
			},
		})
	}
	cer, err := cm.Create(testScope, ceremony.CreateParams{
		Name:       "event keys",
		Threshold:  2,
		TrusteeIDs: []string{"alice", "bob", "carol"},
		Settings:   &ceremony.Settings{Params: testSystem},
	})
	require.NoError(t, err)
	_, err = cm.Open(testScope, cer.ID)
	require.NoError(t, err)
	for _, tr := range trustees {
		_, err = cm.SubmitCommitment(testScope, cer.ID, tr.commitment(cer.ID))
		require.NoError(t, err)
	}
	_, err = cm.SubmitShare(testScope, cer.ID, trustees[0].share(cer.ID, trustees))
	require.NoError(t, err)
	_, err = cm.SubmitShare(testScope, cer.ID, trustees[1].share(cer.ID, trustees))
	require.NoError(t, err)
	// carol still combines her shard locally for partial decryptions later
	trustees[2].part.CombineShares(func(j, i int) *big.Int {
		return trustees[j-1].part.SecretShareFor(i)
	})

	done, err := cm.Get(testScope, cer.ID)
	require.NoError(t, err)
	require.Equal(t, ceremony.StateCompleted, done.State)

	ledgerKey := elgamal.GenerateKeyPair(testSystem)
	l, err := ledger.New(db, reg, ledgerKey, zerolog.Nop())
	require.NoError(t, err)

	en, err := New(db, reg, l, cm, zerolog.Nop())
	require.NoError(t, err)
	en.pollInterval = 5 * time.Millisecond

	return &fixture{
		engine:     en,
		ledger:     l,
		ceremonies: cm,
		reg:        reg,
		enc:        ledger.NewEncryptor(done.PublicKey, testScope),
		ceremonyID: cer.ID,
		trustees:   trustees,
		contest:    contest,
	}
}

// closeVoting moves the election's close into the past so executions can
// start.
func (f *fixture) closeVoting(t *testing.T) {
	t.Helper()
	el, err := f.reg.GetElection(testScope, "el1")
	require.NoError(t, err)
	el.Window.Closes = "2021-01-01T00:00:00"
	require.NoError(t, f.reg.PutElection(testScope, el))
}

func (f *fixture) cast(t *testing.T, voter, area string, choice ledger.Choice) {
	t.Helper()
	content, err := f.enc.Encrypt("el1", voter, []*scrutin.Contest{f.contest}, map[string]ledger.Choice{
		"c1": choice,
	})
	require.NoError(t, err)
	_, err = f.ledger.Cast(testScope, ledger.CastRequest{
		ElectionID: "el1",
		AreaID:     area,
		BallotID:   voter + "-ballot",
		VoterID:    voter,
		Channel:    scrutin.ChannelOnline,
		Content:    content,
	})
	require.NoError(t, err)
}

func (f *fixture) castAll(t *testing.T) {
	t.Helper()
	// north: two votes for A after a revote flips v2
	f.cast(t, "v1", "a1", ledger.Choice{Weights: []int{1, 0}})
	f.cast(t, "v2", "a1", ledger.Choice{Weights: []int{0, 1}})
	f.cast(t, "v2", "a1", ledger.Choice{Weights: []int{1, 0}})
	// south: one blank, one spoiled
	f.cast(t, "v3", "a2", ledger.Choice{})
	f.cast(t, "v4", "a2", ledger.Choice{Spoil: true})
}

func (f *fixture) session(t *testing.T) *Session {
	t.Helper()
	sess, err := f.engine.CreateSession(testScope, CreateSessionParams{
		Name:           "final tally",
		KeysCeremonyID: f.ceremonyID,
		Configuration:  &Configuration{ElectionIDs: []string{"el1"}},
	})
	require.NoError(t, err)
	return sess
}

func (f *fixture) submitQuorum(t *testing.T, execID, subID string, which []int) {
	t.Helper()
	acc, err := f.engine.GetAccumulate(testScope, execID, subID)
	require.NoError(t, err)
	for _, i := range which {
		tr := f.trustees[i]
		p := BuildPartial(tr.id, tr.part.ShardKey.Secret(), acc)
		require.NoError(t, f.engine.SubmitPartial(testScope, execID, subID, p))
	}
}

func TestCreateSessionNeedsCompletedCeremony(t *testing.T) {
	f := newFixture(t)
	pending, err := f.ceremonies.Create(testScope, ceremony.CreateParams{
		Threshold:  2,
		TrusteeIDs: []string{"x", "y", "z"},
		Settings:   &ceremony.Settings{Params: testSystem},
	})
	require.NoError(t, err)
	_, err = f.engine.CreateSession(testScope, CreateSessionParams{
		KeysCeremonyID: pending.ID,
		Configuration:  &Configuration{ElectionIDs: []string{"el1"}},
	})
	assert.ErrorIs(t, err, ErrCeremonyNotCompleted)
}

func TestExecutionPlanning(t *testing.T) {
	f := newFixture(t)
	f.closeVoting(t)
	sess := f.session(t)
	e, err := f.engine.StartExecution(testScope, sess.ID)
	require.NoError(t, err)

	assert.Equal(t, ExecNotStarted, e.State)
	assert.Zero(t, e.CurrentMessageID)
	// 1 election x 2 areas x 1 contest
	require.Len(t, e.SubSessions, 2)
	assert.Equal(t, int64(4), e.TotalSteps())
	assert.Equal(t, "a1", e.SubSessions[0].AreaID)
	assert.Equal(t, "a2", e.SubSessions[1].AreaID)
	assert.Len(t, e.SessionIDs(), 2)

	_, err = f.engine.StartExecution(testScope, sess.ID)
	assert.ErrorIs(t, err, ErrExecutionExists)
}

func TestExecutionRequiresClosedVoting(t *testing.T) {
	f := newFixture(t)
	f.castAll(t)
	sess := f.session(t)

	// the window is still open, so ballots could arrive after an
	// accumulate step had read the ledger
	_, err := f.engine.StartExecution(testScope, sess.ID)
	assert.ErrorIs(t, err, ErrVotingStillOpen)

	f.closeVoting(t)
	_, err = f.engine.StartExecution(testScope, sess.ID)
	require.NoError(t, err)
}

func TestExecutionUniquePerSession(t *testing.T) {
	f := newFixture(t)
	f.closeVoting(t)
	sess := f.session(t)
	e, err := f.engine.StartExecution(testScope, sess.ID)
	require.NoError(t, err)

	// a concurrent starter that raced past the existence check still
	// lands on the unique index and gets the typed error
	dup := *e
	dup.ID = "second-starter"
	err = f.engine.store.insertExecution(&dup)
	assert.ErrorIs(t, err, ErrExecutionExists)
}

func TestFullExecution(t *testing.T) {
	f := newFixture(t)
	f.castAll(t)
	f.closeVoting(t)
	sess := f.session(t)
	e, err := f.engine.StartExecution(testScope, sess.ID)
	require.NoError(t, err)

	// steps must run in order
	_, err = f.engine.ExecuteStep(testScope, e.ID, 2)
	assert.ErrorIs(t, err, ErrOutOfOrder)

	step1, err := f.engine.ExecuteStep(testScope, e.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "accumulate", step1.Kind)

	// combine cannot run before a quorum of partials is in
	_, err = f.engine.ExecuteStep(testScope, e.ID, 2)
	assert.ErrorIs(t, err, ErrQuorumNotMet)
	assert.True(t, scrutin.Retryable(err))

	sub1 := e.SubSessions[0].ID
	f.submitQuorum(t, e.ID, sub1, []int{0, 1})

	// quorum is already met, so the wait returns immediately
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, f.engine.WaitForQuorum(ctx, testScope, e.ID, sub1))

	step2, err := f.engine.ExecuteStep(testScope, e.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "combine", step2.Kind)

	var north CombineOutput
	require.NoError(t, unmarshalStep(step2, &north))
	assert.Equal(t, uint64(2), north.TotalBallots)
	assert.Equal(t, []uint64{2, 0}, north.CandidateCounts) // v2's revote flipped to A
	assert.Zero(t, north.BlankVotes)
	assert.Zero(t, north.SpoilVotes)
	assert.Zero(t, north.ImplicitInvalid)
	assert.Equal(t, []int{1, 2}, north.TrusteeIndices)

	// replaying an earlier step returns byte-identical output and does
	// not advance the cursor
	replay, err := f.engine.ExecuteStep(testScope, e.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte(step1.Output), []byte(replay.Output))
	cur, err := f.engine.GetExecution(testScope, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur.CurrentMessageID)
	assert.Equal(t, ExecRunning, cur.State)

	// south: blank and spoil slots carry the counts
	_, err = f.engine.ExecuteStep(testScope, e.ID, 3)
	require.NoError(t, err)
	sub2 := e.SubSessions[1].ID
	f.submitQuorum(t, e.ID, sub2, []int{0, 1})
	step4, err := f.engine.ExecuteStep(testScope, e.ID, 4)
	require.NoError(t, err)

	var south CombineOutput
	require.NoError(t, unmarshalStep(step4, &south))
	assert.Equal(t, uint64(2), south.TotalBallots)
	assert.Equal(t, []uint64{0, 0}, south.CandidateCounts)
	assert.Equal(t, uint64(1), south.BlankVotes)
	assert.Equal(t, uint64(1), south.SpoilVotes)

	final, err := f.engine.GetExecution(testScope, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, final.State)
	assert.Equal(t, int64(4), final.CurrentMessageID)
}

func TestResumeAfterCrash(t *testing.T) {
	f := newFixture(t)
	f.castAll(t)
	f.closeVoting(t)
	sess := f.session(t)
	e, err := f.engine.StartExecution(testScope, sess.ID)
	require.NoError(t, err)

	step1, err := f.engine.ExecuteStep(testScope, e.ID, 1)
	require.NoError(t, err)
	f.submitQuorum(t, e.ID, e.SubSessions[0].ID, []int{0, 1})
	step2, err := f.engine.ExecuteStep(testScope, e.ID, 2)
	require.NoError(t, err)

	// a "crashed" worker re-reads the execution and re-drives from
	// current_message_id + 1; the completed steps replay identically
	resumed, err := f.engine.GetExecution(testScope, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), resumed.CurrentMessageID)

	again1, err := f.engine.ExecuteStep(testScope, e.ID, 1)
	require.NoError(t, err)
	again2, err := f.engine.ExecuteStep(testScope, e.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte(step1.Output), []byte(again1.Output))
	assert.Equal(t, []byte(step2.Output), []byte(again2.Output))

	for id := resumed.CurrentMessageID + 1; id <= resumed.TotalSteps(); id++ {
		sub, isCombine, err := resumed.stepFor(id)
		require.NoError(t, err)
		if isCombine {
			f.submitQuorum(t, e.ID, sub.ID, []int{0, 1})
		}
		_, err = f.engine.ExecuteStep(testScope, e.ID, id)
		require.NoError(t, err)
	}
	final, err := f.engine.GetExecution(testScope, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, final.State)
}

func TestQuorumTimeout(t *testing.T) {
	f := newFixture(t)
	f.castAll(t)
	f.closeVoting(t)
	sess := f.session(t)
	e, err := f.engine.StartExecution(testScope, sess.ID)
	require.NoError(t, err)
	_, err = f.engine.ExecuteStep(testScope, e.ID, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	err = f.engine.WaitForQuorum(ctx, testScope, e.ID, e.SubSessions[0].ID)
	assert.ErrorIs(t, err, ErrQuorumTimeout)
	assert.True(t, scrutin.Retryable(err))
}

func TestBadPartialIsFatal(t *testing.T) {
	f := newFixture(t)
	f.castAll(t)
	f.closeVoting(t)
	sess := f.session(t)
	e, err := f.engine.StartExecution(testScope, sess.ID)
	require.NoError(t, err)
	_, err = f.engine.ExecuteStep(testScope, e.ID, 1)
	require.NoError(t, err)

	sub := e.SubSessions[0].ID
	acc, err := f.engine.GetAccumulate(testScope, e.ID, sub)
	require.NoError(t, err)

	// carol never submitted a ceremony share so she has no shard on file
	carol := BuildPartial("carol", f.trustees[2].part.ShardKey.Secret(), acc)
	err = f.engine.SubmitPartial(testScope, e.ID, sub, carol)
	assert.ErrorIs(t, err, ErrUnknownTrustee)

	// a tampered factor fails its proof and kills the execution
	bad := BuildPartial("alice", f.trustees[0].part.ShardKey.Secret(), acc)
	bad.Values[0] = new(big.Int).Add(bad.Values[0], big.NewInt(1))
	err = f.engine.SubmitPartial(testScope, e.ID, sub, bad)
	require.Error(t, err)
	assert.Equal(t, scrutin.KindCryptoVerification, scrutin.KindOf(err))

	failed, err := f.engine.GetExecution(testScope, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecFailed, failed.State)
	assert.Equal(t, "alice", failed.FailingTrustee)
	assert.Equal(t, int64(2), failed.FailingMessageID)
	// the accumulated output is preserved for the audit trail
	_, err = f.engine.GetAccumulate(testScope, e.ID, sub)
	assert.NoError(t, err)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	f.closeVoting(t)
	sess := f.session(t)
	e, err := f.engine.StartExecution(testScope, sess.ID)
	require.NoError(t, err)

	got, err := f.engine.Cancel(testScope, e.ID, "")
	require.NoError(t, err)
	assert.Equal(t, ExecFailed, got.State)
	assert.Equal(t, "cancelled by operator", got.FailureReason)

	_, err = f.engine.ExecuteStep(testScope, e.ID, 1)
	assert.ErrorIs(t, err, ErrExecutionNotRunnable)
	_, err = f.engine.Cancel(testScope, e.ID, "")
	assert.ErrorIs(t, err, ErrExecutionNotRunnable)
}

func unmarshalStep(s *Step, v interface{}) error {
	return json.Unmarshal(s.Output, v)
}
