package elgamal

import (
	"fmt"

	big "github.com/ncw/gmp"

	"github.com/scrutin-vote/scrutin/crypto"
	"github.com/scrutin-vote/scrutin/crypto/random"
)

// System holds the shared parameters for an ElGamal cryptosystem:
// a Schnorr group with P = 2Q + 1 and G a generator of the order-Q subgroup.
type System struct {
	P, Q, G *big.Int
}

var (
	bigZero = big.NewInt(0)
	bigOne  = big.NewInt(1)
)

// New creates a new system with a safe prime of n bits.
// Very slow for large primes (>1024 bits), only for setup tooling.
func New(bits int) (sys *System) {
	sys = &System{}
	sys.P, sys.Q = random.SafePrimes(bits)
	var test big.Int
	for {
		sys.G = random.Int(sys.P)
		if test.Exp(sys.G, sys.Q, sys.P).Cmp(bigOne) == 0 {
			break
		}
	}
	return
}

// Validate checks P = 2Q + 1, both probably prime, and g^q = 1 mod p.
func (s *System) Validate() error {
	if !s.P.ProbablyPrime(20) {
		return fmt.Errorf("elgamal system invalid: p is not prime")
	}
	if !s.Q.ProbablyPrime(20) {
		return fmt.Errorf("elgamal system invalid: q is not prime")
	}
	pMinusOne := new(big.Int).Sub(s.P, bigOne)
	if new(big.Int).Rem(pMinusOne, s.Q).Cmp(bigZero) != 0 {
		return fmt.Errorf("elgamal system invalid: q does not divide p-1")
	}
	if new(big.Int).Exp(s.G, s.Q, s.P).Cmp(bigOne) != 0 {
		return fmt.Errorf("elgamal system invalid: g^q != 1 mod p")
	}
	return nil
}

// PublicKey is an ElGamal public key for encryption and signature verification
type PublicKey struct {
	*System
	Y *big.Int
}

func (pk *PublicKey) String() string {
	return fmt.Sprintf("pk:Y=%s", crypto.BigIntToJSON(pk.Y))
}

// SecretKey is an ElGamal secret key for decryption and signature creation
type SecretKey struct {
	*PublicKey
	X *big.Int
}

func (sk *SecretKey) String() string {
	return fmt.Sprintf("sk:X=%s", crypto.BigIntToJSON(sk.X))
}

// CipherText is the output of encryption of a plaintext
type CipherText struct {
	A, B *big.Int
}

// Mul is the homomorphic combination of two ciphertexts, assumed to be from
// the same system. It mutates the receiver and is designed for aggregation:
//
//	agg := &CipherText{}
//	agg.Mul(sys, ct1) // first round simply sets to ct1
//	agg.Mul(sys, ct2) // now ct1 * ct2
//
// For homomorphic _addition_ of votes we use exponential ElGamal (encoding
// g^m instead of m) so the product of ciphertexts encrypts the sum. After
// decryption the count is recovered via the discrete log lookup, see
// exponential.go.
func (ct *CipherText) Mul(sys *System, other *CipherText) *CipherText {
	if ct == nil {
		ct = &CipherText{}
	}
	if ct.A == nil {
		ct.A = new(big.Int).Set(other.A)
		ct.B = new(big.Int).Set(other.B)
	} else {
		ct.A.Mul(ct.A, other.A)
		ct.A.Mod(ct.A, sys.P)
		ct.B.Mul(ct.B, other.B)
		ct.B.Mod(ct.B, sys.P)
	}
	return ct
}

func (ct *CipherText) Equals(other *CipherText) bool {
	return ct.A.Cmp(other.A) == 0 && ct.B.Cmp(other.B) == 0
}

func (ct *CipherText) String() string {
	return fmt.Sprintf("CipherText[A=%s, B=%s]", ct.A, ct.B)
}

// Encrypt a plaintext with the public key and randomness r.
// If r is nil fresh randomness is drawn.
func (pk *PublicKey) Encrypt(pt *big.Int, r *big.Int) (ct *CipherText) {
	ct = new(CipherText)
	if r == nil {
		r = random.Int(pk.Q)
	} else {
		r.Mod(r, pk.Q)
	}
	// alpha = g^r mod p
	ct.A = new(big.Int).Exp(pk.G, r, pk.P)
	// beta = m * y^r mod p
	ct.B = new(big.Int).Exp(pk.Y, r, pk.P)
	ct.B.Mul(ct.B, pt)
	ct.B.Mod(ct.B, pk.P)
	return
}

// Validate that Y is an element of [1, p-1] under known system params.
func (pk *PublicKey) Validate() error {
	if pk.System == nil {
		return fmt.Errorf("public key invalid: no elgamal system parameters")
	}
	if pk.Y.Cmp(bigOne) == -1 {
		return fmt.Errorf("public key invalid: y < 1")
	}
	if pk.Y.Cmp(pk.P) != -1 {
		return fmt.Errorf("public key invalid: y > p-1")
	}
	return nil
}

// Decrypt a ciphertext with this single key, no threshold work here
func (sk *SecretKey) Decrypt(ct *CipherText) (pt *big.Int) {
	pt = new(big.Int)
	// s = alpha^x
	pt.Exp(ct.A, sk.X, sk.P)
	// s^-1 * beta
	pt.ModInverse(pt, sk.P)
	pt.Mul(pt, ct.B)
	pt.Mod(pt, sk.P)
	return
}

// Validate that X is an element of Z_q and that the public half is
// consistent (or derive it).
func (sk *SecretKey) Validate() error {
	if sk.System == nil {
		return fmt.Errorf("secret key invalid: no elgamal system parameters")
	}
	if sk.X.Cmp(bigZero) == -1 {
		return fmt.Errorf("secret key invalid: x < 0")
	}
	if sk.X.Cmp(sk.Q) != -1 {
		return fmt.Errorf("secret key invalid: x > q-1")
	}
	if sk.PublicKey == nil {
		sk.PublicKey = &PublicKey{System: sk.System, Y: new(big.Int).Exp(sk.G, sk.X, sk.P)}
	} else if err := sk.PublicKey.Validate(); err != nil {
		return fmt.Errorf("secret key invalid: %w", err)
	}
	return nil
}
