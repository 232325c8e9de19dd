package elgamal

import (
	"bytes"
	"fmt"

	big "github.com/ncw/gmp"

	"github.com/scrutin-vote/scrutin/crypto"
	"github.com/scrutin-vote/scrutin/crypto/random"
)

// The threshold encryption scheme.
//
// The aims:
//
//   - one election public key available to everyone
//   - each trustee holds a private key shard known only to them
//   - a (K,L) decryption threshold: any K of the L trustees can decrypt
//   - all published data can be made public
//
// Trustee indices are 1-based everywhere. This matters: the shares are
// evaluations of the secret polynomials at the trustee index, and index 0
// is the secret itself.

// ThresholdSystem is the distributed-decryption, public-encryption scheme
// with K of L participants required to decrypt.
type ThresholdSystem struct {
	*System
	K int // trustees required to decrypt (the ceremony threshold)
	L int // total number of trustees
}

// DeriveCoefficients returns the k coefficients (degree k-1 polynomial)
// for a trustee, derived deterministically from their secret so the same
// secret always reproduces the same polynomial and keys.
func DeriveCoefficients(params *System, secret *big.Int, k int) []*big.Int {
	coefficients := make([]*big.Int, k)
	buf := &bytes.Buffer{}
	for i := range coefficients {
		buf.Reset()
		fmt.Fprintf(buf, "coef|%x|%d|%x|%d", params.P.Bytes(), k, secret.Bytes(), i)
		coefficients[i] = random.Oracle(buf.Bytes(), params.Q)
	}
	return coefficients
}

// CreateExponents publishes the polynomial commitments E_k = g^c_k.
// E_0 is the trustee's contribution to the election public key.
func CreateExponents(s *System, coeffs []*big.Int) crypto.BigIntSlice {
	exponents := make(crypto.BigIntSlice, len(coeffs))
	for i, c := range coeffs {
		exponents[i] = new(big.Int).Exp(s.G, c, s.P)
	}
	return exponents
}

// CombinePublicKey computes the election public key as the product of the
// zero-index exponents of every trustee: Y = prod_j E_j0 mod P.
func CombinePublicKey(s *System, exponents map[int]crypto.BigIntSlice) *PublicKey {
	Y := big.NewInt(1)
	for _, E := range exponents {
		// order does not matter, multiplication commutes
		Y.Mul(Y, E[0])
		Y.Mod(Y, s.P)
	}
	return &PublicKey{System: s, Y: Y}
}

// SimulateShardKey derives the public key shard of trustee i purely from
// the published exponents of all trustees:
//
//	x_i = sum_j S_j(i)  so  y_i = prod_j g^{S_j(i)}
//	g^{S_j(i)} = prod_k (E_jk)^{i^k}
//
// This is how a verifier checks a submitted shard against the commitments
// without ever seeing a secret.
func (ts *ThresholdSystem) SimulateShardKey(i int, E map[int]crypto.BigIntSlice) (*PublicKey, error) {
	Y, I := big.NewInt(1), big.NewInt(int64(i))
	gSji, iK, x := new(big.Int), new(big.Int), new(big.Int)

	for j := 1; j <= ts.L; j++ {
		Ej, ok := E[j]
		if !ok {
			return nil, fmt.Errorf("missing exponents for trustee %d", j)
		}
		gSji.SetInt64(1)
		iK.SetInt64(1)
		for k := 0; k < ts.K; k++ {
			// (E_jk)^{i^k}
			x.Exp(Ej[k], iK, ts.P)
			gSji.Mul(gSji, x)
			gSji.Mod(gSji, ts.P)
			// raise i^k another power
			iK.Mul(iK, I)
			iK.Mod(iK, ts.Q)
		}
		Y.Mul(Y, gSji)
		Y.Mod(Y, ts.P)
	}

	pk := &PublicKey{System: ts.System, Y: Y}
	if err := pk.Validate(); err != nil {
		return nil, err
	}
	return pk, nil
}

// Participant is the private, trustee-side state of the key generation.
type Participant struct {
	Sys       *ThresholdSystem
	Index     int // 1-based
	Coeffs    crypto.BigIntSlice
	PublicExp map[int]crypto.BigIntSlice
	ShardKey  *KeyPair
}

// SecretShareFor evaluates our polynomial at j, the share destined for
// trustee j. Horner form, working back from the highest coefficient.
func (pp *Participant) SecretShareFor(j int) *big.Int {
	bigJ := big.NewInt(int64(j))
	Sij := big.NewInt(0)
	for n := len(pp.Coeffs) - 1; n >= 0; n-- {
		Sij.Mul(Sij, bigJ)
		Sij.Add(Sij, pp.Coeffs[n])
		Sij.Mod(Sij, pp.Sys.Q)
	}
	return Sij
}

// CheckShareFrom verifies the share point received from trustee j against
// j's published exponents: g^Sji == prod_k (E_jk)^{i^k}.
func (pp *Participant) CheckShareFrom(j int, Sji *big.Int) bool {
	bigI := big.NewInt(int64(pp.Index))
	calc, iK := big.NewInt(1), big.NewInt(1)
	tmp := new(big.Int)
	exponents := pp.PublicExp[j]
	for k := 0; k < pp.Sys.K; k++ {
		tmp.Exp(exponents[k], iK, pp.Sys.P)
		calc.Mul(calc, tmp)
		calc.Mod(calc, pp.Sys.P)
		iK.Mul(iK, bigI)
		iK.Mod(iK, pp.Sys.Q)
	}
	tmp.Exp(pp.Sys.G, Sji, pp.Sys.P)
	return tmp.Cmp(calc) == 0
}

// CombineShares assembles our private key shard from every trustee's share
// for us: x_i = sum_j S_j(i) mod Q. shareFn(j, i) supplies the share from
// trustee j for trustee i; our own share we compute ourselves.
func (pp *Participant) CombineShares(shareFn func(j, i int) *big.Int) {
	x := big.NewInt(0)
	for j := 1; j <= pp.Sys.L; j++ {
		if j == pp.Index {
			x.Add(x, pp.SecretShareFor(j))
		} else {
			x.Add(x, shareFn(j, pp.Index))
		}
		x.Mod(x, pp.Sys.Q)
	}
	pp.ShardKey = keypairForSecret(pp.Sys.System, x)
}

// PartialDecrypt computes our decryption factor A^x_i for a ciphertext.
func (pp *Participant) PartialDecrypt(ct *CipherText) *big.Int {
	return new(big.Int).Exp(ct.A, pp.ShardKey.Secret().X, pp.Sys.P)
}

// lagrangeAtZero computes the Lagrange basis coefficient for `index` over
// the given index set, evaluated at zero:
// prod_{i != index} i * (i - index)^{-1} mod modulus
func lagrangeAtZero(indices []int, index int, modulus *big.Int) (r *big.Int) {
	r = new(big.Int).Set(bigOne)
	var inv, idx big.Int
	for _, i := range indices {
		if i != index {
			idx.SetInt64(int64(i))
			inv.SetInt64(int64(i - index))
			inv.ModInverse(&inv, modulus)
			r.Mul(r, &idx)
			r.Mul(r, &inv)
			r.Mod(r, modulus)
		}
	}
	return
}

// ThresholdDecrypt combines partial decryptions into the plaintext:
//
//	m = ct.B * (prod_j c_j^LI_j)^-1
//
// where c_j is the partial decryption from trustee j and LI_j the Lagrange
// coefficient for j over the chosen index set. partials is keyed by 1-based
// trustee index and may be sparse; indices selects which partials to use.
func ThresholdDecrypt(s *System, ct *CipherText, partials map[int]*big.Int, indices []int) *big.Int {
	sigma := big.NewInt(1)
	for _, j := range indices {
		cj := partials[j]
		lij := lagrangeAtZero(indices, j, s.Q)
		raised := new(big.Int).Exp(cj, lij, s.P)
		sigma.Mul(sigma, raised)
		sigma.Mod(sigma, s.P)
	}
	sigma.ModInverse(sigma, s.P)
	sigma.Mul(sigma, ct.B)
	sigma.Mod(sigma, s.P)
	return sigma
}

// ReconstructSecret interpolates the master secret from shard secrets:
// x = sum_j x_j * LI_j(0) mod Q. shards is keyed by 1-based trustee index.
// The caller is responsible for enforcing the quorum size; this function
// combines whatever it is given.
func ReconstructSecret(s *System, shards map[int]*big.Int) *big.Int {
	indices := make([]int, 0, len(shards))
	for j := range shards {
		indices = append(indices, j)
	}
	x := big.NewInt(0)
	tmp := new(big.Int)
	for _, j := range indices {
		lij := lagrangeAtZero(indices, j, s.Q)
		tmp.Mul(shards[j], lij)
		x.Add(x, tmp)
		x.Mod(x, s.Q)
	}
	return x
}
