package random

import (
	"crypto/rand"
	"crypto/sha256"

	gbig "math/big"

	big "github.com/ncw/gmp"
)

// Int returns a uniform random int in [0, max)
func Int(max *big.Int) *big.Int {
	r, err := rand.Int(rand.Reader, new(gbig.Int).SetBytes(max.Bytes()))
	if err != nil {
		// the rand.Reader is broken. Nothing we can do.
		panic(err)
	}
	return new(big.Int).SetBytes(r.Bytes())
}

// Oracle turns arbitrary bytes into a deterministic integer mod max.
func Oracle(input []byte, max *big.Int) *big.Int {
	h := sha256.Sum256(input)
	var x big.Int
	x.SetBytes(h[:])
	x.Mod(&x, max)
	return &x
}

// SafePrimes returns two primes P and Q where P is pbits bits
// and P = 2Q + 1. Slow for large bit sizes, only used at setup time.
func SafePrimes(bits int) (*big.Int, *big.Int) {
	one := gbig.NewInt(1)
	two := gbig.NewInt(2)

	q := new(gbig.Int)
	for {
		p, err := rand.Prime(rand.Reader, bits)
		// will only err on a bad reader
		if err != nil {
			panic(err)
		}
		q.Sub(p, one)
		q.Div(q, two)
		// 20 rounds to match rand.Prime
		if q.ProbablyPrime(20) {
			P := new(big.Int).SetBytes(p.Bytes())
			Q := new(big.Int).SetBytes(q.Bytes())
			return P, Q
		}
	}
}
