package ledger

import (
	"io"
	"testing"
	"time"

	big "github.com/ncw/gmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrutin-vote/scrutin/crypto/elgamal"
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

type fixture struct {
	ledger   *Ledger
	reg      *registry.Registry
	enc      *Encryptor
	clock    time.Time
	contests []*scrutin.Contest
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg, err := registry.New(db)
	require.NoError(t, err)

	election := &scrutin.Election{
		ID:                "el1",
		Name:              "general",
		NumAllowedRevotes: 1,
		SpoilBallotOption: true,
		EligibleCensus:    100,
		Channels:          scrutin.VotingChannels{Online: true},
		Window: scrutin.VotingWindow{
			Timezone: "UTC",
			Opens:    "2026-01-01T08:00:00",
			Closes:   "2026-01-02T20:00:00",
		},
	}
	require.NoError(t, reg.PutElection(testScope, election))

	contest := &scrutin.Contest{
		ID:                   "c1",
		ElectionID:           "el1",
		Name:                 "mayor",
		MinChoices:           0,
		MaxChoices:           1,
		WinningCandidatesNum: 1,
		CountingAlgorithm:    "plurality",
		Candidates: []scrutin.Candidate{
			{ID: "cand-a", Name: "A"},
			{ID: "cand-b", Name: "B"},
		},
	}
	require.NoError(t, reg.PutContest(testScope, contest))

	electionKey := elgamal.GenerateKeyPair(testSystem)
	ledgerKey := elgamal.GenerateKeyPair(testSystem)
	l, err := New(db, reg, ledgerKey, zerolog.Nop())
	require.NoError(t, err)

	f := &fixture{
		ledger:   l,
		reg:      reg,
		enc:      NewEncryptor(electionKey.Public(), testScope),
		clock:    time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		contests: []*scrutin.Contest{contest},
	}
	l.now = func() time.Time {
		f.clock = f.clock.Add(time.Millisecond)
		return f.clock
	}
	return f
}

func (f *fixture) ballot(t *testing.T, voter string, weights []int) *Content {
	t.Helper()
	content, err := f.enc.Encrypt("el1", voter, f.contests, map[string]Choice{
		"c1": {Weights: weights},
	})
	require.NoError(t, err)
	return content
}

func (f *fixture) cast(t *testing.T, voter, ballotID string, weights []int) *CastVote {
	t.Helper()
	cv, err := f.ledger.Cast(testScope, CastRequest{
		ElectionID: "el1",
		AreaID:     "area1",
		BallotID:   ballotID,
		VoterID:    voter,
		Channel:    scrutin.ChannelOnline,
		Content:    f.ballot(t, voter, weights),
	})
	require.NoError(t, err)
	return cv
}

func TestCastAssignsReceipt(t *testing.T) {
	f := newFixture(t)
	cv := f.cast(t, "voter-1", "b1", []int{1, 0})

	assert.NotEmpty(t, cv.ID)
	assert.False(t, cv.CreatedAt.IsZero())
	assert.NotEmpty(t, cv.ContentHash)
	require.NotNil(t, cv.Signature)
	assert.NoError(t, f.ledger.SigningKey().Verify(cv, cv.Signature))

	// the stored row round-trips
	got, err := f.ledger.Get(testScope, cv.ID)
	require.NoError(t, err)
	assert.Equal(t, cv.BallotID, got.BallotID)
	assert.Equal(t, cv.ContentHash, got.ContentHash)
}

func TestCastGuards(t *testing.T) {
	f := newFixture(t)
	content := f.ballot(t, "voter-1", []int{1, 0})

	_, err := f.ledger.Cast(testScope, CastRequest{
		ElectionID: "nope", VoterID: "voter-1", Channel: scrutin.ChannelOnline, Content: content,
	})
	assert.ErrorIs(t, err, ErrUnknownElection)

	// paper channel is not enabled for this election
	_, err = f.ledger.Cast(testScope, CastRequest{
		ElectionID: "el1", VoterID: "voter-1", Channel: scrutin.ChannelPaper, Content: content,
	})
	assert.ErrorIs(t, err, ErrElectionNotOpen)

	// outside the voting window
	f.clock = time.Date(2026, 1, 3, 12, 0, 0, 0, time.UTC)
	_, err = f.ledger.Cast(testScope, CastRequest{
		ElectionID: "el1", VoterID: "voter-1", Channel: scrutin.ChannelOnline, Content: content,
	})
	assert.ErrorIs(t, err, ErrElectionNotOpen)
}

func TestRevoteLimit(t *testing.T) {
	f := newFixture(t)
	// num_allowed_revotes = 1, so two casts are fine and the third fails
	f.cast(t, "voter-1", "b1", []int{1, 0})
	f.cast(t, "voter-1", "b2", []int{0, 1})
	_, err := f.ledger.Cast(testScope, CastRequest{
		ElectionID: "el1",
		VoterID:    "voter-1",
		Channel:    scrutin.ChannelOnline,
		Content:    f.ballot(t, "voter-1", []int{1, 0}),
	})
	assert.ErrorIs(t, err, ErrRevoteLimitExceeded)
}

func TestCastRequiresRegisteredArea(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.PutArea(testScope, &scrutin.Area{ID: "area1", Name: "north"}))

	// registered area: accepted
	f.cast(t, "voter-1", "b1", []int{1, 0})

	// an unknown or empty area would never be read by any tally cursor,
	// so the vote would vanish without a trace
	for _, area := range []string{"ghost", ""} {
		_, err := f.ledger.Cast(testScope, CastRequest{
			ElectionID: "el1",
			AreaID:     area,
			BallotID:   "b2",
			VoterID:    "voter-2",
			Channel:    scrutin.ChannelOnline,
			Content:    f.ballot(t, "voter-2", []int{1, 0}),
		})
		assert.ErrorIs(t, err, ErrUnknownArea)
	}
}

func TestCursorLatestBallotWins(t *testing.T) {
	f := newFixture(t)
	f.cast(t, "voter-1", "v1-first", []int{1, 0})
	f.cast(t, "voter-2", "v2-only", []int{0, 1})
	f.cast(t, "voter-1", "v1-revote", []int{0, 1})
	f.cast(t, "voter-3", "v3-only", []int{1, 0})

	cur := f.ledger.CursorForTally(testScope, "el1", "", "")
	seen := map[string]string{}
	for {
		cv, err := cur.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		seen[cv.VoterID] = cv.BallotID
	}
	assert.Equal(t, map[string]string{
		"voter-1": "v1-revote",
		"voter-2": "v2-only",
		"voter-3": "v3-only",
	}, seen)
}

func TestCursorRestarts(t *testing.T) {
	f := newFixture(t)
	voters := []string{"v-a", "v-b", "v-c", "v-d"}
	for i, v := range voters {
		f.cast(t, v, v+"-ballot", []int{i % 2, (i + 1) % 2})
	}

	cur := f.ledger.CursorForTally(testScope, "el1", "", "")
	first, err := cur.Next()
	require.NoError(t, err)
	second, err := cur.Next()
	require.NoError(t, err)
	assert.Equal(t, "v-a", first.VoterID)
	assert.Equal(t, "v-b", second.VoterID)

	// resume from the recorded position, as after a crash
	resumed := f.ledger.CursorForTally(testScope, "el1", "", cur.Position())
	var rest []string
	for {
		cv, err := resumed.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		rest = append(rest, cv.VoterID)
	}
	assert.Equal(t, []string{"v-c", "v-d"}, rest)
}

func TestSelectionVerification(t *testing.T) {
	f := newFixture(t)
	content := f.ballot(t, "voter-1", []int{1, 0})
	options := elgamal.NewPlaintextOptionsCache(testSystem)

	sel := content.Selection("c1")
	require.NotNil(t, sel)
	require.NoError(t, VerifySelection(f.enc.PK, testScope, "el1", "voter-1", f.contests[0], sel, options))

	// a proof bound to one voter fails for another
	err := VerifySelection(f.enc.PK, testScope, "el1", "voter-2", f.contests[0], sel, options)
	require.Error(t, err)
	assert.Equal(t, scrutin.KindCryptoVerification, scrutin.KindOf(err))

	// tampering with a ciphertext invalidates the slot proof
	sel.Choices[0].B = new(big.Int).Add(sel.Choices[0].B, big.NewInt(1))
	err = VerifySelection(f.enc.PK, testScope, "el1", "voter-1", f.contests[0], sel, options)
	require.Error(t, err)
}

func TestSpoiledBallotEncoding(t *testing.T) {
	f := newFixture(t)
	content, err := f.enc.Encrypt("el1", "voter-1", f.contests, map[string]Choice{
		"c1": {Spoil: true},
	})
	require.NoError(t, err)
	sel := content.Selection("c1")
	require.NotNil(t, sel)
	options := elgamal.NewPlaintextOptionsCache(testSystem)
	assert.NoError(t, VerifySelection(f.enc.PK, testScope, "el1", "voter-1", f.contests[0], sel, options))
}
