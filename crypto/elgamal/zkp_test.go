package elgamal

import (
	"testing"

	big "github.com/ncw/gmp"

	"github.com/scrutin-vote/scrutin/crypto/random"
)

func TestDecryptionProof(t *testing.T) {
	eg := testSys()
	kp := GenerateKeyPair(eg)
	m := new(big.Int).Exp(eg.G, big.NewInt(3), eg.P)
	ct := kp.Public().Encrypt(m, nil)
	pt := kp.Secret().Decrypt(ct)

	zkp := ProveDecryption(kp.Secret(), ct)
	if err := VerifyDecryptionProof(zkp, kp.Public(), ct, pt); err != nil {
		t.Fatalf("decryption proof failed: %v", err)
	}
	// wrong plaintext must not verify
	if err := VerifyDecryptionProof(zkp, kp.Public(), ct, eg.G); err == nil {
		t.Fatal("decryption proof verified for the wrong plaintext")
	}
}

func TestPartialDecryptionProof(t *testing.T) {
	sys := &ThresholdSystem{System: testSys(), K: 2, L: 3}
	parts, _, pk := buildParticipants(t, sys)

	m := new(big.Int).Exp(sys.G, big.NewInt(2), sys.P)
	ct := pk.Encrypt(m, nil)

	for i, pp := range parts {
		partial := pp.PartialDecrypt(ct)
		zkp := ProveDecryption(pp.ShardKey.Secret(), ct)
		if err := VerifyPartialDecryptionProof(zkp, pp.ShardKey.Public(), ct, partial); err != nil {
			t.Fatalf("partial decryption proof for trustee %d failed: %v", i, err)
		}
		// a factor from a different shard must not verify
		other := parts[i%sys.L+1]
		if err := VerifyPartialDecryptionProof(zkp, pp.ShardKey.Public(), ct, other.PartialDecrypt(ct)); err == nil {
			t.Fatalf("partial decryption proof for trustee %d verified a foreign factor", i)
		}
	}
}

func TestEncryptionORProof(t *testing.T) {
	eg := testSys()
	kp := GenerateKeyPair(eg)
	options := NewPlaintextOptionsCache(eg).GetOptions(1) // {g^0, g^1}
	meta := []byte("ballot:v1:slot:0")

	for index := range options {
		r := random.Int(eg.Q)
		ct := kp.Public().Encrypt(options[index], r)
		zkp := ProveEncryption(kp.Public(), ct, options, index, r, meta)

		if err := VerifyEncryptionProof(zkp, kp.Public(), ct, options, meta); err != nil {
			t.Fatalf("OR proof for index %d failed: %v", index, err)
		}
		// binding: the same proof must fail under different metadata
		if err := VerifyEncryptionProof(zkp, kp.Public(), ct, options, []byte("ballot:v2:slot:0")); err == nil {
			t.Fatal("OR proof verified with foreign metadata")
		}
		// a different ciphertext must fail
		ct2 := kp.Public().Encrypt(options[index], nil)
		if err := VerifyEncryptionProof(zkp, kp.Public(), ct2, options, meta); err == nil {
			t.Fatal("OR proof verified a different ciphertext")
		}
	}

	// a value outside the option set cannot be proven honestly, check the
	// dishonest route: prove index 0 while encrypting g^2
	r := random.Int(eg.Q)
	outside := new(big.Int).Exp(eg.G, big.NewInt(2), eg.P)
	ct := kp.Public().Encrypt(outside, r)
	zkp := ProveEncryption(kp.Public(), ct, options, 0, r, meta)
	if err := VerifyEncryptionProof(zkp, kp.Public(), ct, options, meta); err == nil {
		t.Fatal("OR proof verified a plaintext outside the option set")
	}
}

func TestPlaintextOptionsCache(t *testing.T) {
	eg := testSys()
	cache := NewPlaintextOptionsCache(eg)
	opts := cache.GetOptions(3)
	if len(opts) != 4 {
		t.Fatalf("expected 4 options, got %d", len(opts))
	}
	for i, o := range opts {
		want := new(big.Int).Exp(eg.G, big.NewInt(int64(i)), eg.P)
		if o.Cmp(want) != 0 {
			t.Fatalf("option %d is not g^%d", i, i)
		}
	}
	// cached: same slice back
	again := cache.GetOptions(3)
	if &opts[0] != &again[0] {
		t.Fatal("options were rebuilt instead of cached")
	}
}
