// Package ceremony implements the keys ceremony: the state machine that
// walks N trustees through distributed key generation with a (K,N)
// threshold and produces the single election public key.
//
// The ceremony is server-mediated but trust-minimal: trustees only ever
// submit public data (polynomial commitments, shard public keys, proofs)
// and the machine verifies every submission against what was committed
// before accepting it. Secret shards never touch the backend except in the
// explicit reconstruction operation, which takes them as input and returns
// the key without persisting or logging anything.
package ceremony

import (
	"bytes"
	"fmt"
	"time"

	"github.com/scrutin-vote/scrutin/crypto"
	"github.com/scrutin-vote/scrutin/crypto/elgamal"
	"github.com/scrutin-vote/scrutin/scrutin"
)

// State is the ceremony execution state. Transitions only ever move
// forward; failed is terminal and reachable from any non-terminal state.
type State string

const (
	StatePending               State = "pending"
	StateCollectingCommitments State = "collecting_commitments"
	StateCollectingShares      State = "collecting_shares"
	StateCompleted             State = "completed"
	StateFailed                State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var (
	ErrNotFound         = scrutin.ConfigErr("ceremony: not found")
	ErrInvalidThreshold = scrutin.ConfigErr("ceremony: invalid threshold")
	ErrDuplicateTrustee = scrutin.ConfigErr("ceremony: duplicate trustee id")
	ErrUnknownTrustee   = scrutin.ConfigErr("ceremony: unknown trustee")
	ErrWrongState       = scrutin.ConfigErr("ceremony: operation not valid in current state")
	ErrAlreadySubmitted = scrutin.ConfigErr("ceremony: trustee already submitted")
	ErrNotCompleted     = scrutin.ConfigErr("ceremony: not completed")

	ErrShareVerificationFailed = scrutin.CryptoErr("ceremony: share does not match trustee commitment")
	ErrInsufficientShares      = scrutin.ConfigErr("ceremony: fewer shares than threshold")

	ErrConflict = scrutin.ConflictErr("ceremony: state advanced by another writer")
)

// Settings are the ceremony parameters, validated at the boundary rather
// than carried as an untyped blob.
type Settings struct {
	Params *elgamal.System `json:"encryptionSharedParams"`
}

func (s *Settings) Validate() error {
	if s == nil || s.Params == nil {
		return scrutin.ConfigErr("ceremony: missing encryption parameters")
	}
	if err := s.Params.Validate(); err != nil {
		return scrutin.ConfigErr("ceremony: bad encryption parameters: %v", err)
	}
	return nil
}

// Ceremony is the persisted ceremony record. PublicKey is set exactly once,
// on the transition to completed, and is immutable afterwards.
type Ceremony struct {
	ID         string             `json:"id"`
	Scope      scrutin.Scope      `json:"scope"`
	Name       string             `json:"name"`
	Threshold  int                `json:"threshold"`
	TrusteeIDs []string           `json:"trusteeIds"`
	Settings   *Settings          `json:"settings"`
	State      State              `json:"executionStatus"`
	PublicKey  *elgamal.PublicKey `json:"publicKey,omitempty"`
	Failure    string             `json:"failure,omitempty"`
	Version    int64              `json:"-"`
	CreatedAt  time.Time          `json:"createdAt"`
}

// TrusteeIndex maps a trustee id to its 1-based share index.
// The ordering of TrusteeIDs is fixed at creation, the polynomial math
// depends on it.
func (c *Ceremony) TrusteeIndex(trusteeID string) (int, bool) {
	for i, id := range c.TrusteeIDs {
		if id == trusteeID {
			return i + 1, true
		}
	}
	return 0, false
}

// ThresholdSystem builds the (K,L) system for this ceremony.
func (c *Ceremony) ThresholdSystem() *elgamal.ThresholdSystem {
	return &elgamal.ThresholdSystem{
		System: c.Settings.Params,
		K:      c.Threshold,
		L:      len(c.TrusteeIDs),
	}
}

// Commitment is a trustee's phase-1 submission: their signing key and the
// public exponents of their share polynomial, signed so it cannot be
// replayed by another party.
type Commitment struct {
	CeremonyID string             `json:"ceremonyId"`
	TrusteeID  string             `json:"trusteeId"`
	Index      int                `json:"trusteeIndex"`
	SigKey     *elgamal.PublicKey `json:"verificationKey"`
	Exponents  crypto.BigIntSlice `json:"publicExponents"`
	Signature  *elgamal.Signature `json:"signature"`
}

var _ elgamal.Signable = (*Commitment)(nil)

func (cm *Commitment) SignatureMessage() []byte {
	var m bytes.Buffer
	fmt.Fprintf(&m, "commitment:%s:%d:%x", cm.CeremonyID, cm.Index, cm.SigKey.Y.Bytes())
	for _, ex := range cm.Exponents {
		fmt.Fprintf(&m, ":%x", ex.Bytes())
	}
	return m.Bytes()
}

// Share is a trustee's phase-2 submission: the public half of their
// combined key shard plus a proof of knowledge of the secret half. The
// machine checks the shard against the simulated value from all published
// commitments before accepting it.
type Share struct {
	CeremonyID string                    `json:"ceremonyId"`
	TrusteeID  string                    `json:"trusteeId"`
	Index      int                       `json:"trusteeIndex"`
	ShardKey   *elgamal.PublicKey        `json:"shardKey"`
	Proof      *elgamal.ProofOfKnowledge `json:"shardPoK"`
}

// reconstructed key material never renders itself accidentally
type reconstructed struct {
	sk *elgamal.SecretKey
}

func (r *reconstructed) String() string { return "reconstructed-key[redacted]" }

// PrivateKey is the reconstructed election private key. It deliberately
// does not marshal and stringifies to a redaction marker; callers get the
// raw key only via the Secret accessor.
type PrivateKey = reconstructed

func (r *reconstructed) Secret() *elgamal.SecretKey { return r.sk }
