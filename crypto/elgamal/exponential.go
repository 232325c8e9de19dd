package elgamal

import (
	big "github.com/ncw/gmp"
)

type dlogEntry struct {
	exp *big.Int
	log uint64
}

const dlogSparseLimit = 100000

// DiscreteLogLookup recovers vote counts from exponential ElGamal
// decryptions, i.e. finds m given g^m with m bounded by max.
//
// For small max we build a lazy table of every power. For a national sized
// election the table would be huge (two bignums per entry), so above the
// sparse limit we instead iterate once over the powers of g matching only
// the requested targets. Do not modify targets after calling this.
func DiscreteLogLookup(sys *System, max uint64, targets []*big.Int) func(n *big.Int) uint64 {
	if max < dlogSparseLimit {
		return lazyLookup(sys, max)
	}
	remaining := len(targets)
	found := make([]*dlogEntry, len(targets))
	last := big.NewInt(1)
	counter := uint64(0)
	for counter <= max && remaining > 0 {
		for i := range targets {
			if found[i] == nil && targets[i].Cmp(last) == 0 {
				found[i] = &dlogEntry{exp: new(big.Int).Set(last), log: counter}
				remaining--
			}
		}
		counter++
		last.Mul(last, sys.G)
		last.Mod(last, sys.P)
	}
	return func(n *big.Int) uint64 {
		for _, t := range found {
			if t != nil && t.exp.Cmp(n) == 0 {
				return t.log
			}
		}
		panic("requested value not targetted")
	}
}

// *big.Int is not comparable so we cannot key a map on it directly,
// instead we use a fixed-width byte representation.
func lazyLookup(sys *System, max uint64) func(n *big.Int) uint64 {
	cache := map[[256]byte]uint64{}
	last := big.NewInt(1)
	counter := uint64(0)
	key := func(x *big.Int) (b [256]byte) {
		bs := x.Bytes()
		copy(b[len(b)-len(bs):], bs)
		return
	}
	incr := func(x *big.Int) uint64 {
		for counter <= max*2 {
			counter++
			last.Mul(last, sys.G)
			last.Mod(last, sys.P)
			k := key(last)
			cache[k] = counter
			if x.Cmp(last) == 0 {
				return counter
			}
		}
		panic("lazy dlog max exceeded")
	}
	cache[key(last)] = counter

	return func(n *big.Int) uint64 {
		k := key(n)
		if x, ok := cache[k]; ok {
			return x
		}
		return incr(n)
	}
}
