package elgamal

import (
	"bytes"
	"fmt"

	big "github.com/ncw/gmp"

	"github.com/scrutin-vote/scrutin/crypto/random"
)

// KeyPair wraps a secret key with accessors for both halves.
type KeyPair struct {
	sk *SecretKey
}

// Secret gets the private part of this keypair
func (kp *KeyPair) Secret() *SecretKey {
	return kp.sk
}

// Public gets the public half of this keypair
func (kp *KeyPair) Public() *PublicKey {
	return kp.sk.PublicKey
}

// GenerateKeyPair creates a new random key pair
func GenerateKeyPair(sys *System) *KeyPair {
	return keypairForSecret(sys, random.Int(sys.Q))
}

func keypairForSecret(sys *System, x *big.Int) (kp *KeyPair) {
	kp = new(KeyPair)
	y := new(big.Int).Exp(sys.G, x, sys.P)
	kp.sk = &SecretKey{
		PublicKey: &PublicKey{System: sys, Y: y},
		X:         x,
	}
	return
}

// SecretKeyFor builds the secret key for a known x, used when a key has
// been reconstructed from shards rather than generated.
func SecretKeyFor(sys *System, x *big.Int) *SecretKey {
	return keypairForSecret(sys, x).Secret()
}

// KeyPairFor rebuilds a keypair from a persisted secret exponent.
func KeyPairFor(sys *System, x *big.Int) *KeyPair {
	return keypairForSecret(sys, x)
}

// DerivedKeys are keys deterministically derived from an initial secret,
// so a trustee only has to keep hold of one value.
type DerivedKeys struct {
	*System
	secret *big.Int
	Sig    *KeyPair // for signing submissions
	Enc    *KeyPair // for receiving encrypted share points
}

// DeriveKeys creates the KeyPairs from the given secret, or from a fresh
// random secret when nil.
func DeriveKeys(system *System, secret *big.Int) (dk *DerivedKeys) {
	dk = new(DerivedKeys)
	dk.System = system
	if secret == nil {
		dk.secret = random.Int(system.P)
	} else {
		dk.secret = new(big.Int).Set(secret)
	}
	dk.Sig = deriveKey(system, dk.secret, "sig")
	dk.Enc = deriveKey(system, dk.secret, "enc")
	return
}

func deriveKey(sys *System, secret *big.Int, kind string) *KeyPair {
	// feed the oracle the system prime, the secret and the key kind
	var b bytes.Buffer
	fmt.Fprintf(&b, "dk|%x|%x|%s", sys.P.Bytes(), secret.Bytes(), kind)
	return keypairForSecret(sys, random.Oracle(b.Bytes(), sys.Q))
}
