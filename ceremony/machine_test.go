package ceremony

import (
	"database/sql"
	"testing"

	big "github.com/ncw/gmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrutin-vote/scrutin/crypto"
	"github.com/scrutin-vote/scrutin/crypto/elgamal"
	"github.com/scrutin-vote/scrutin/scrutin"
	"github.com/scrutin-vote/scrutin/store"
)

// small system so the tests run instantly
var testSystem = &elgamal.System{
	P: big.NewInt(227),
	Q: big.NewInt(113),
	G: big.NewInt(69),
}

var testScope = scrutin.Scope{TenantID: "t1", ElectionEventID: "ev1"}

// trustee is the client-side actor driving its part of the ceremony.
type trustee struct {
	id   string
	keys *elgamal.DerivedKeys
	part *elgamal.Participant
}

func newTrustee(t *testing.T, ts *elgamal.ThresholdSystem, id string, index int, secret int64) *trustee {
	t.Helper()
	keys := elgamal.DeriveKeys(ts.System, big.NewInt(secret))
	coeffs := elgamal.DeriveCoefficients(ts.System, big.NewInt(secret), ts.K)
	return &trustee{
		id:   id,
		keys: keys,
		part: &elgamal.Participant{
			Sys:    ts,
			Index:  index,
			Coeffs: coeffs,
		},
	}
}

func (tr *trustee) commitment(ceremonyID string) *Commitment {
	cm := &Commitment{
		CeremonyID: ceremonyID,
		TrusteeID:  tr.id,
		Index:      tr.part.Index,
		SigKey:     tr.keys.Sig.Public(),
		Exponents:  elgamal.CreateExponents(tr.part.Sys.System, tr.part.Coeffs),
	}
	cm.Signature = tr.keys.Sig.Secret().Sign(cm)
	return cm
}

func (tr *trustee) share(ceremonyID string, all []*trustee) *Share {
	// exchange share points off-band and combine the shard
	tr.part.CombineShares(func(j, i int) *big.Int {
		return all[j-1].part.SecretShareFor(i)
	})
	return &Share{
		CeremonyID: ceremonyID,
		TrusteeID:  tr.id,
		Index:      tr.part.Index,
		ShardKey:   tr.part.ShardKey.Public(),
		Proof:      tr.part.ShardKey.Secret().ProofOfKnowledge(),
	}
}

func testMachine(t *testing.T) *Machine {
	m, _ := testMachineDB(t)
	return m
}

func testMachineDB(t *testing.T) (*Machine, *sql.DB) {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	m, err := NewMachine(db, zerolog.Nop())
	require.NoError(t, err)
	return m, db
}

func runCeremony(t *testing.T, m *Machine, threshold int, trustees []*trustee) *Ceremony {
	t.Helper()
	ids := make([]string, len(trustees))
	for i, tr := range trustees {
		ids[i] = tr.id
	}
	c, err := m.Create(testScope, CreateParams{
		Name:       "test ceremony",
		Threshold:  threshold,
		TrusteeIDs: ids,
		Settings:   &Settings{Params: testSystem},
	})
	require.NoError(t, err)
	_, err = m.Open(testScope, c.ID)
	require.NoError(t, err)
	for _, tr := range trustees {
		_, err = m.SubmitCommitment(testScope, c.ID, tr.commitment(c.ID))
		require.NoError(t, err)
	}
	// every trustee needs everyone's exponents before combining shares
	for _, tr := range trustees {
		tr.part.PublicExp = map[int]crypto.BigIntSlice{}
		for _, other := range trustees {
			tr.part.PublicExp[other.part.Index] = elgamal.CreateExponents(testSystem, other.part.Coeffs)
		}
	}
	return c
}

func threeTrustees(t *testing.T) []*trustee {
	ts := &elgamal.ThresholdSystem{System: testSystem, K: 2, L: 3}
	return []*trustee{
		newTrustee(t, ts, "alice", 1, 41),
		newTrustee(t, ts, "bob", 2, 59),
		newTrustee(t, ts, "carol", 3, 73),
	}
}

func TestCeremonyCreateValidation(t *testing.T) {
	m := testMachine(t)
	settings := &Settings{Params: testSystem}

	_, err := m.Create(testScope, CreateParams{Threshold: 4, TrusteeIDs: []string{"a", "b", "c"}, Settings: settings})
	assert.ErrorIs(t, err, ErrInvalidThreshold)

	_, err = m.Create(testScope, CreateParams{Threshold: 0, TrusteeIDs: []string{"a", "b", "c"}, Settings: settings})
	assert.ErrorIs(t, err, ErrInvalidThreshold)

	_, err = m.Create(testScope, CreateParams{Threshold: 2, TrusteeIDs: []string{"a", "b", "a"}, Settings: settings})
	assert.ErrorIs(t, err, ErrDuplicateTrustee)

	c, err := m.Create(testScope, CreateParams{Threshold: 2, TrusteeIDs: []string{"a", "b", "c"}, Settings: settings})
	require.NoError(t, err)
	assert.Equal(t, StatePending, c.State)
	assert.NotEmpty(t, c.ID)
}

func TestCeremonyHappyPath(t *testing.T) {
	m := testMachine(t)
	trustees := threeTrustees(t)
	c := runCeremony(t, m, 2, trustees)

	got, err := m.Get(testScope, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCollectingShares, got.State)

	// threshold is 2, so the ceremony completes after two valid shares
	_, err = m.SubmitShare(testScope, c.ID, trustees[0].share(c.ID, trustees))
	require.NoError(t, err)
	got, err = m.Get(testScope, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCollectingShares, got.State)

	_, err = m.SubmitShare(testScope, c.ID, trustees[1].share(c.ID, trustees))
	require.NoError(t, err)
	got, err = m.Get(testScope, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	require.NotNil(t, got.PublicKey)

	// the election key is the product of the zero exponents
	want := big.NewInt(1)
	for _, tr := range trustees {
		e0 := new(big.Int).Exp(testSystem.G, tr.part.Coeffs[0], testSystem.P)
		want.Mul(want, e0)
		want.Mod(want, testSystem.P)
	}
	assert.Zero(t, want.Cmp(got.PublicKey.Y))

	// a third share is too late
	_, err = m.SubmitShare(testScope, c.ID, trustees[2].share(c.ID, trustees))
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestCeremonySubmissionGuards(t *testing.T) {
	m := testMachine(t)
	trustees := threeTrustees(t)

	ids := []string{"alice", "bob", "carol"}
	c, err := m.Create(testScope, CreateParams{
		Threshold: 2, TrusteeIDs: ids, Settings: &Settings{Params: testSystem},
	})
	require.NoError(t, err)

	// commitments are rejected until the ceremony is opened
	_, err = m.SubmitCommitment(testScope, c.ID, trustees[0].commitment(c.ID))
	assert.ErrorIs(t, err, ErrWrongState)

	_, err = m.Open(testScope, c.ID)
	require.NoError(t, err)
	_, err = m.Open(testScope, c.ID)
	assert.ErrorIs(t, err, ErrWrongState)

	cm := trustees[0].commitment(c.ID)
	cm.TrusteeID = "mallory"
	_, err = m.SubmitCommitment(testScope, c.ID, cm)
	assert.ErrorIs(t, err, ErrUnknownTrustee)

	// tampered exponents break the trustee's signature
	cm = trustees[0].commitment(c.ID)
	cm.Exponents[0] = big.NewInt(4)
	_, err = m.SubmitCommitment(testScope, c.ID, cm)
	require.Error(t, err)
	assert.Equal(t, scrutin.KindCryptoVerification, scrutin.KindOf(err))

	_, err = m.SubmitCommitment(testScope, c.ID, trustees[0].commitment(c.ID))
	require.NoError(t, err)
	_, err = m.SubmitCommitment(testScope, c.ID, trustees[0].commitment(c.ID))
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestCeremonyShareVerification(t *testing.T) {
	m := testMachine(t)
	trustees := threeTrustees(t)
	c := runCeremony(t, m, 2, trustees)

	// a shard key that does not match the commitments is rejected
	sh := trustees[0].share(c.ID, trustees)
	sh.ShardKey = &elgamal.PublicKey{System: testSystem, Y: big.NewInt(4)}
	_, err := m.SubmitShare(testScope, c.ID, sh)
	assert.ErrorIs(t, err, ErrShareVerificationFailed)

	// the rejected share was not stored, a correct resubmission works
	_, err = m.SubmitShare(testScope, c.ID, trustees[0].share(c.ID, trustees))
	require.NoError(t, err)
}

func TestCeremonyFail(t *testing.T) {
	m := testMachine(t)
	c, err := m.Create(testScope, CreateParams{
		Threshold: 2, TrusteeIDs: []string{"a", "b", "c"}, Settings: &Settings{Params: testSystem},
	})
	require.NoError(t, err)

	got, err := m.Fail(testScope, c.ID, "trustee compromised")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "trustee compromised", got.Failure)

	_, err = m.Fail(testScope, c.ID, "again")
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestReconstruct(t *testing.T) {
	m := testMachine(t)
	trustees := threeTrustees(t)
	c := runCeremony(t, m, 2, trustees)
	for _, tr := range trustees[:2] {
		_, err := m.SubmitShare(testScope, c.ID, tr.share(c.ID, trustees))
		require.NoError(t, err)
	}
	// carol never submitted but still holds a valid shard
	trustees[2].part.CombineShares(func(j, i int) *big.Int {
		return trustees[j-1].part.SecretShareFor(i)
	})

	got, err := m.Get(testScope, c.ID)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, got.State)

	// one shard short of the threshold
	_, err = m.Reconstruct(testScope, c.ID, map[string]*big.Int{
		"alice": trustees[0].part.ShardKey.Secret().X,
	})
	assert.ErrorIs(t, err, ErrInsufficientShares)

	// a corrupt shard is caught before interpolation
	_, err = m.Reconstruct(testScope, c.ID, map[string]*big.Int{
		"alice": trustees[0].part.ShardKey.Secret().X,
		"bob":   big.NewInt(7),
	})
	require.Error(t, err)
	assert.Equal(t, scrutin.KindCryptoVerification, scrutin.KindOf(err))

	// any two of the three shard combinations yield the same key
	combos := [][2]int{{0, 1}, {0, 2}, {1, 2}}
	for _, combo := range combos {
		shards := map[string]*big.Int{}
		for _, i := range combo {
			shards[trustees[i].id] = trustees[i].part.ShardKey.Secret().X
		}
		key, err := m.Reconstruct(testScope, c.ID, shards)
		require.NoError(t, err)
		sk := key.Secret()
		y := new(big.Int).Exp(testSystem.G, sk.X, testSystem.P)
		assert.Zero(t, y.Cmp(got.PublicKey.Y), "combo %v", combo)
	}

	// the reconstructed key actually decrypts
	shards := map[string]*big.Int{
		"alice": trustees[0].part.ShardKey.Secret().X,
		"carol": trustees[2].part.ShardKey.Secret().X,
	}
	key, err := m.Reconstruct(testScope, c.ID, shards)
	require.NoError(t, err)
	pt := big.NewInt(42)
	ct := got.PublicKey.Encrypt(pt, nil)
	// PublicKey from storage needs its system attached
	assert.Zero(t, key.Secret().Decrypt(ct).Cmp(pt))
}

func TestReconstructSurfacesStoreErrors(t *testing.T) {
	m, db := testMachineDB(t)
	trustees := threeTrustees(t)
	c := runCeremony(t, m, 2, trustees)
	for _, tr := range trustees[:2] {
		_, err := m.SubmitShare(testScope, c.ID, tr.share(c.ID, trustees))
		require.NoError(t, err)
	}
	trustees[2].part.CombineShares(func(j, i int) *big.Int {
		return trustees[j-1].part.SecretShareFor(i)
	})

	// carol never submitted a share, so her shard has to be checked
	// against the commitment simulation; make that read fail
	_, err := db.Exec(`DROP TABLE ceremony_commitments`)
	require.NoError(t, err)

	_, err = m.Reconstruct(testScope, c.ID, map[string]*big.Int{
		"alice": trustees[0].part.ShardKey.Secret().X,
		"carol": trustees[2].part.ShardKey.Secret().X,
	})
	require.Error(t, err)
	// the store failure comes through as-is, not dressed up as a shard
	// verification failure
	assert.NotEqual(t, scrutin.KindCryptoVerification, scrutin.KindOf(err))
}
