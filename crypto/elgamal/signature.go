package elgamal

import (
	"bytes"
	"fmt"

	big "github.com/ncw/gmp"

	"github.com/scrutin-vote/scrutin/crypto/random"
)

// Signature is a Schnorr signature over an arbitrary message
// based on https://tools.ietf.org/html/rfc8235
type Signature struct {
	C, R *big.Int
}

// defined on System so it is present on public and private keys
func (s *System) createSigningChallenge(V, A *big.Int, msg []byte) *big.Int {
	var commit bytes.Buffer
	fmt.Fprintf(&commit, "sig|%x|%x|", V.Bytes(), A.Bytes())
	commit.Write(msg)
	return random.Oracle(commit.Bytes(), s.Q)
}

// CreateSignature signs the given message with this key using Schnorr
func (sk *SecretKey) CreateSignature(msg []byte) (sig *Signature) {
	sig = new(Signature)
	v := random.Int(sk.Q)
	V := new(big.Int).Exp(sk.G, v, sk.P)
	sig.C = sk.createSigningChallenge(V, sk.Y, msg)
	// response is (v - x*C) % Q
	sig.R = new(big.Int).Mul(sk.X, sig.C)
	sig.R.Sub(v, sig.R)
	sig.R.Mod(sig.R, sk.Q)
	return
}

// Signable is an object with a deterministic message to sign
type Signable interface {
	SignatureMessage() []byte
}

// Sign a signable object
func (sk *SecretKey) Sign(v Signable) *Signature {
	return sk.CreateSignature(v.SignatureMessage())
}

// Verify a signable object
func (pk *PublicKey) Verify(v Signable, s *Signature) error {
	return pk.VerifySignature(s, v.SignatureMessage())
}

// VerifySignature verifies a signature on a message
func (pk *PublicKey) VerifySignature(sig *Signature, message []byte) error {
	if err := pk.Validate(); err != nil {
		return fmt.Errorf("signature invalid: public key not valid: %w", err)
	}
	// V = (g^r * A^c) % p
	V := new(big.Int).Exp(pk.G, sig.R, pk.P)
	Ac := new(big.Int).Exp(pk.Y, sig.C, pk.P)
	V.Mul(V, Ac)
	V.Mod(V, pk.P)
	expected := pk.createSigningChallenge(V, pk.Y, message)
	if expected.Cmp(sig.C) != 0 {
		return fmt.Errorf("signature invalid: calculated challenge does not match expected")
	}
	return nil
}

var pokMessage = []byte("pok")

// alias so we can use the "right" one each time
type ProofOfKnowledge = Signature

// ProofOfKnowledge generates a ZKP of knowledge of the secret key,
// in essence a signature with a fixed message.
func (sk *SecretKey) ProofOfKnowledge() (pok *ProofOfKnowledge) {
	return sk.CreateSignature(pokMessage)
}

// VerifyProof checks a proof of knowledge of the secret key associated
// with the given public key.
func (pk *PublicKey) VerifyProof(pok *ProofOfKnowledge) error {
	return pk.VerifySignature(pok, pokMessage)
}
