package ceremony

import (
	"crypto/subtle"
	"database/sql"
	"time"

	"github.com/google/uuid"
	big "github.com/ncw/gmp"
	"github.com/rs/zerolog"

	"github.com/scrutin-vote/scrutin/crypto"
	"github.com/scrutin-vote/scrutin/crypto/elgamal"
	"github.com/scrutin-vote/scrutin/scrutin"
)

// Machine drives ceremonies through their lifecycle. All operations load
// the current row, check the state, verify the submission and persist with
// an optimistic version check, so concurrent writers cannot corrupt a
// ceremony, the loser just sees ErrConflict.
type Machine struct {
	store *Store
	log   zerolog.Logger
}

func NewMachine(db *sql.DB, log zerolog.Logger) (*Machine, error) {
	st, err := NewStore(db)
	if err != nil {
		return nil, err
	}
	return &Machine{store: st, log: log.With().Str("component", "ceremony").Logger()}, nil
}

// CreateParams is the operator input for a new ceremony.
type CreateParams struct {
	ID         string    `json:"id"` // assigned if empty
	Name       string    `json:"name"`
	Threshold  int       `json:"threshold"`
	TrusteeIDs []string  `json:"trusteeIds"`
	Settings   *Settings `json:"settings"`
}

// Create registers a new ceremony in the pending state.
func (m *Machine) Create(scope scrutin.Scope, p CreateParams) (*Ceremony, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := p.Settings.Validate(); err != nil {
		return nil, err
	}
	if len(p.TrusteeIDs) == 0 {
		return nil, scrutin.ConfigErr("ceremony: no trustees")
	}
	if p.Threshold < 1 || p.Threshold > len(p.TrusteeIDs) {
		return nil, ErrInvalidThreshold
	}
	seen := map[string]bool{}
	for _, id := range p.TrusteeIDs {
		if seen[id] {
			return nil, ErrDuplicateTrustee
		}
		seen[id] = true
	}
	c := &Ceremony{
		ID:         p.ID,
		Scope:      scope,
		Name:       p.Name,
		Threshold:  p.Threshold,
		TrusteeIDs: p.TrusteeIDs,
		Settings:   p.Settings,
		State:      StatePending,
		Version:    1,
		CreatedAt:  time.Now().UTC(),
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := m.store.insertCeremony(c); err != nil {
		return nil, err
	}
	m.log.Info().
		Str("ceremony", c.ID).
		Int("threshold", c.Threshold).
		Int("trustees", len(c.TrusteeIDs)).
		Msg("ceremony created")
	return c, nil
}

func (m *Machine) Get(scope scrutin.Scope, id string) (*Ceremony, error) {
	return m.store.Get(scope, id)
}

// Open moves a pending ceremony into the commitment collection phase.
// Separated from Create so trustee onboarding can finish first.
func (m *Machine) Open(scope scrutin.Scope, id string) (*Ceremony, error) {
	c, err := m.store.Get(scope, id)
	if err != nil {
		return nil, err
	}
	if c.State != StatePending {
		return nil, ErrWrongState
	}
	if err := m.store.transition(c, StateCollectingCommitments, nil); err != nil {
		return nil, err
	}
	m.log.Info().Str("ceremony", c.ID).Msg("ceremony open for commitments")
	return c, nil
}

// SubmitCommitment accepts a trustee's polynomial commitment. Each trustee
// submits exactly once; when the last one lands the ceremony moves on to
// collecting shares.
func (m *Machine) SubmitCommitment(scope scrutin.Scope, id string, cm *Commitment) (*Ceremony, error) {
	c, err := m.store.Get(scope, id)
	if err != nil {
		return nil, err
	}
	if c.State != StateCollectingCommitments {
		return nil, ErrWrongState
	}
	idx, ok := c.TrusteeIndex(cm.TrusteeID)
	if !ok {
		return nil, ErrUnknownTrustee
	}
	done, err := m.store.hasCommitment(c.ID, cm.TrusteeID)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, ErrAlreadySubmitted
	}
	cm.CeremonyID = c.ID
	cm.Index = idx
	if err := m.verifyCommitment(c, cm); err != nil {
		return nil, err
	}
	if err := m.store.insertCommitment(cm); err != nil {
		return nil, err
	}
	m.log.Info().
		Str("ceremony", c.ID).
		Str("trustee", cm.TrusteeID).
		Int("index", idx).
		Msg("commitment accepted")

	all, err := m.store.Commitments(c.ID)
	if err != nil {
		return nil, err
	}
	if len(all) == len(c.TrusteeIDs) {
		if err := m.store.transition(c, StateCollectingShares, nil); err != nil {
			return nil, err
		}
		m.log.Info().Str("ceremony", c.ID).Msg("all commitments in, collecting shares")
	}
	return c, nil
}

func (m *Machine) verifyCommitment(c *Ceremony, cm *Commitment) error {
	sys := c.Settings.Params
	if cm.SigKey == nil || cm.Signature == nil {
		return scrutin.ConfigErr("ceremony: commitment missing signature")
	}
	cm.SigKey.System = sys
	if len(cm.Exponents) != c.Threshold {
		return scrutin.CryptoErr("ceremony: trustee %s published %d exponents, want %d",
			cm.TrusteeID, len(cm.Exponents), c.Threshold)
	}
	for k, ex := range cm.Exponents {
		pk := &elgamal.PublicKey{System: sys, Y: ex}
		if err := pk.Validate(); err != nil {
			return scrutin.CryptoErr("ceremony: trustee %s exponent %d not in group: %v", cm.TrusteeID, k, err)
		}
	}
	if err := cm.SigKey.Verify(cm, cm.Signature); err != nil {
		return scrutin.CryptoErr("ceremony: trustee %s commitment signature invalid: %v", cm.TrusteeID, err)
	}
	return nil
}

// SubmitShare accepts a trustee's combined shard public key, verified
// against the simulated value from every published commitment. Once at
// least threshold shards have verified, the election public key is
// combined from the commitments and the ceremony completes.
func (m *Machine) SubmitShare(scope scrutin.Scope, id string, sh *Share) (*Ceremony, error) {
	c, err := m.store.Get(scope, id)
	if err != nil {
		return nil, err
	}
	if c.State != StateCollectingShares {
		return nil, ErrWrongState
	}
	idx, ok := c.TrusteeIndex(sh.TrusteeID)
	if !ok {
		return nil, ErrUnknownTrustee
	}
	done, err := m.store.hasShare(c.ID, sh.TrusteeID)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, ErrAlreadySubmitted
	}
	sh.CeremonyID = c.ID
	sh.Index = idx

	exponents, err := m.exponents(c)
	if err != nil {
		return nil, err
	}
	if err := m.verifyShare(c, sh, exponents); err != nil {
		m.log.Error().
			Str("ceremony", c.ID).
			Str("trustee", sh.TrusteeID).
			Err(err).
			Msg("share rejected")
		return nil, err
	}
	if err := m.store.insertShare(sh); err != nil {
		return nil, err
	}
	m.log.Info().
		Str("ceremony", c.ID).
		Str("trustee", sh.TrusteeID).
		Int("index", idx).
		Msg("share accepted")

	shares, err := m.store.Shares(c.ID)
	if err != nil {
		return nil, err
	}
	if len(shares) >= c.Threshold {
		pk := elgamal.CombinePublicKey(c.Settings.Params, exponents)
		if err := pk.Validate(); err != nil {
			return nil, scrutin.CryptoErr("ceremony: combined public key invalid: %v", err)
		}
		if err := m.store.transition(c, StateCompleted, func(next *Ceremony) {
			next.PublicKey = pk
		}); err != nil {
			return nil, err
		}
		m.log.Info().Str("ceremony", c.ID).Msg("ceremony completed, election key combined")
	}
	return c, nil
}

func (m *Machine) verifyShare(c *Ceremony, sh *Share, exponents map[int]crypto.BigIntSlice) error {
	sys := c.Settings.Params
	if sh.ShardKey == nil || sh.Proof == nil {
		return scrutin.ConfigErr("ceremony: share missing shard key or proof")
	}
	sh.ShardKey.System = sys
	expected, err := c.ThresholdSystem().SimulateShardKey(sh.Index, exponents)
	if err != nil {
		return scrutin.CryptoErr("ceremony: cannot simulate shard for trustee %s: %v", sh.TrusteeID, err)
	}
	if expected.Y.Cmp(sh.ShardKey.Y) != 0 {
		return ErrShareVerificationFailed
	}
	if err := sh.ShardKey.VerifyProof(sh.Proof); err != nil {
		return scrutin.CryptoErr("ceremony: trustee %s shard proof invalid: %v", sh.TrusteeID, err)
	}
	return nil
}

func (m *Machine) exponents(c *Ceremony) (map[int]crypto.BigIntSlice, error) {
	all, err := m.store.Commitments(c.ID)
	if err != nil {
		return nil, err
	}
	out := make(map[int]crypto.BigIntSlice, len(all))
	for idx, cm := range all {
		out[idx] = cm.Exponents
	}
	return out, nil
}

// ShardKeys returns the shard public key of every trustee that submitted a
// verified share, keyed by trustee id, with system params attached. Used by
// the tally engine to verify partial decryptions.
func (m *Machine) ShardKeys(scope scrutin.Scope, id string) (map[string]*elgamal.PublicKey, error) {
	c, err := m.store.Get(scope, id)
	if err != nil {
		return nil, err
	}
	shares, err := m.store.Shares(c.ID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*elgamal.PublicKey, len(shares))
	for _, sh := range shares {
		sh.ShardKey.System = c.Settings.Params
		out[sh.TrusteeID] = sh.ShardKey
	}
	return out, nil
}

// Fail moves any non-terminal ceremony to failed with a reason. Used when
// a trustee is compromised or the ceremony is abandoned.
func (m *Machine) Fail(scope scrutin.Scope, id, reason string) (*Ceremony, error) {
	c, err := m.store.Get(scope, id)
	if err != nil {
		return nil, err
	}
	if c.State.Terminal() {
		return nil, ErrWrongState
	}
	if err := m.store.transition(c, StateFailed, func(next *Ceremony) {
		next.Failure = reason
	}); err != nil {
		return nil, err
	}
	m.log.Warn().Str("ceremony", c.ID).Str("reason", reason).Msg("ceremony failed")
	return c, nil
}

// Reconstruct interpolates the election private key from at least
// threshold trustee shard secrets, keyed by trustee id. Each shard is
// checked against the shard public key recorded during the ceremony, and
// the reconstructed key against the election public key. The key is
// returned to the caller and never persisted or logged.
func (m *Machine) Reconstruct(scope scrutin.Scope, id string, shards map[string]*big.Int) (*PrivateKey, error) {
	c, err := m.store.Get(scope, id)
	if err != nil {
		return nil, err
	}
	if c.State != StateCompleted {
		return nil, ErrNotCompleted
	}
	if len(shards) < c.Threshold {
		return nil, ErrInsufficientShares
	}
	recorded, err := m.store.Shares(c.ID)
	if err != nil {
		return nil, err
	}
	sys := c.Settings.Params
	indexed := make(map[int]*big.Int, len(shards))
	check := new(big.Int)
	for trusteeID, x := range shards {
		idx, ok := c.TrusteeIndex(trusteeID)
		if !ok {
			return nil, ErrUnknownTrustee
		}
		// a shard recorded during the ceremony pins what this trustee
		// must hold; a shard we never saw verified is checked the same
		// way against the commitment simulation
		var want *big.Int
		if rec, ok := recorded[idx]; ok {
			want = rec.ShardKey.Y
		} else {
			ex, xerr := m.exponents(c)
			if xerr != nil {
				return nil, xerr
			}
			sim, serr := c.ThresholdSystem().SimulateShardKey(idx, ex)
			if serr != nil {
				return nil, scrutin.CryptoErr("ceremony: cannot verify shard for trustee %s: %v", trusteeID, serr)
			}
			want = sim.Y
		}
		check.Exp(sys.G, x, sys.P)
		if check.Cmp(want) != 0 {
			return nil, scrutin.CryptoErr("ceremony: shard from trustee %s does not match ceremony record", trusteeID)
		}
		indexed[idx] = x
	}
	x := elgamal.ReconstructSecret(sys, indexed)
	// final check against the published election key, constant time over
	// fixed-width encodings
	y := new(big.Int).Exp(sys.G, x, sys.P)
	width := len(sys.P.Bytes())
	if subtle.ConstantTimeCompare(leftPad(y.Bytes(), width), leftPad(c.PublicKey.Y.Bytes(), width)) != 1 {
		return nil, scrutin.CryptoErr("ceremony: reconstructed key does not match election public key")
	}
	m.log.Info().
		Str("ceremony", c.ID).
		Int("shards", len(shards)).
		Msg("election key reconstructed")
	return &PrivateKey{sk: elgamal.SecretKeyFor(sys, x)}, nil
}

func leftPad(b []byte, width int) []byte {
	if len(b) >= width {
		return b
	}
	out := make([]byte, width)
	copy(out[width-len(b):], b)
	return out
}
