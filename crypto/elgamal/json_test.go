package elgamal

import (
	"encoding/json"
	"testing"

	big "github.com/ncw/gmp"
)

func TestSystemJSON(t *testing.T) {
	eg := testSys()
	b, err := json.Marshal(eg)
	if err != nil {
		t.Fatal(err)
	}
	back := &System{}
	if err := json.Unmarshal(b, back); err != nil {
		t.Fatal(err)
	}
	if back.P.Cmp(eg.P) != 0 || back.Q.Cmp(eg.Q) != 0 || back.G.Cmp(eg.G) != 0 {
		t.Fatal("system did not survive the round trip")
	}
	// unmarshal validates: a non-prime p must be rejected
	if err := json.Unmarshal([]byte(`{"p":"kA","q":"SA","g":"RQ"}`), &System{}); err == nil {
		t.Fatal("bogus system parameters unmarshalled without error")
	}
}

func TestSecretKeyJSON(t *testing.T) {
	eg := testSys()
	kp := GenerateKeyPair(eg)
	b, err := json.Marshal(kp.Secret())
	if err != nil {
		t.Fatal(err)
	}
	back := &SecretKey{}
	if err := json.Unmarshal(b, back); err != nil {
		t.Fatal(err)
	}
	// system parameters travel separately and must be reattached
	back.PublicKey.System = eg
	if back.X.Cmp(kp.Secret().X) != 0 || back.PublicKey.Y.Cmp(kp.Public().Y) != 0 {
		t.Fatal("secret key did not survive the round trip")
	}
	m := new(big.Int).Exp(eg.G, big.NewInt(6), eg.P)
	if back.Decrypt(kp.Public().Encrypt(m, nil)).Cmp(m) != 0 {
		t.Fatal("rehydrated key cannot decrypt")
	}
}

func TestDerivedKeysJSON(t *testing.T) {
	eg := testSys()
	dk := DeriveKeys(eg, big.NewInt(77))
	b, err := json.Marshal(dk)
	if err != nil {
		t.Fatal(err)
	}
	back := &DerivedKeys{}
	if err := json.Unmarshal(b, back); err != nil {
		t.Fatal(err)
	}
	back.ReSystem(eg)
	if back.Sig.Secret().X.Cmp(dk.Sig.Secret().X) != 0 {
		t.Fatal("signing key did not survive the round trip")
	}
	// the rehydrated signing key produces verifiable signatures
	sig := back.Sig.Secret().CreateSignature([]byte("check"))
	if err := dk.Sig.Public().VerifySignature(sig, []byte("check")); err != nil {
		t.Fatalf("signature from rehydrated key failed: %v", err)
	}
}
