package elgamal

import (
	"encoding/json"
	"fmt"
	"reflect"

	big "github.com/ncw/gmp"

	"github.com/scrutin-vote/scrutin/crypto"
)

// Go natively encodes big.Int values as JSON numbers, which is hopeless for
// 2048-bit integers: massive decimal strings and interop problems. So every
// type here explicitly marshals its big.Ints as base64url strings of the
// unsigned big-endian bytes. All our values are >= 0 so this is lossless.

func bigIntAtKey(k string, m map[string]interface{}) (*big.Int, error) {
	v, ok := m[k]
	if !ok {
		return nil, fmt.Errorf("no field '%s' in JSON object", k)
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("invalid type at field '%s' (expecting string, got %s)", k, reflect.TypeOf(v).Kind())
	}
	return crypto.BigIntFromJSON(s)
}

func getMap(b []byte) (map[string]interface{}, error) {
	m := map[string]interface{}{}
	err := json.Unmarshal(b, &m)
	return m, err
}

func intAtKey(k string, m map[string]interface{}) (int, error) {
	v, ok := m[k]
	if !ok {
		return 0, fmt.Errorf("no '%s' value in JSON", k)
	}
	x, ok := v.(float64)
	n := int(x)
	if !ok || float64(n) != x {
		return 0, fmt.Errorf("non integer '%s' value in JSON", k)
	}
	return n, nil
}

func (s *System) toJSON() map[string]interface{} {
	return map[string]interface{}{
		"p": crypto.BigIntToJSON(s.P),
		"q": crypto.BigIntToJSON(s.Q),
		"g": crypto.BigIntToJSON(s.G),
	}
}

func (s *System) fromJSON(m map[string]interface{}) (err error) {
	s.P, err = bigIntAtKey("p", m)
	if err != nil {
		return err
	}
	s.Q, err = bigIntAtKey("q", m)
	if err != nil {
		return err
	}
	s.G, err = bigIntAtKey("g", m)
	if err != nil {
		return err
	}
	return s.Validate()
}

func (s *System) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.toJSON())
}

func (s *System) UnmarshalJSON(b []byte) error {
	m, err := getMap(b)
	if err != nil {
		return err
	}
	return s.fromJSON(m)
}

func (ts *ThresholdSystem) MarshalJSON() ([]byte, error) {
	m := ts.System.toJSON()
	m["k"] = ts.K
	m["l"] = ts.L
	return json.Marshal(m)
}

func (ts *ThresholdSystem) UnmarshalJSON(b []byte) error {
	m, err := getMap(b)
	if err != nil {
		return err
	}
	if ts.K, err = intAtKey("k", m); err != nil {
		return err
	}
	if ts.L, err = intAtKey("l", m); err != nil {
		return err
	}
	if ts.K < 1 || ts.L < ts.K {
		return fmt.Errorf("invalid threshold parameters in JSON")
	}
	ts.System = &System{}
	return ts.System.fromJSON(m)
}

func (pk *PublicKey) toJSON() map[string]string {
	return map[string]string{
		"y": crypto.BigIntToJSON(pk.Y),
	}
}

func (pk *PublicKey) fromJSON(m map[string]interface{}) (err error) {
	pk.Y, err = bigIntAtKey("y", m)
	return err
}

func (pk *PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(pk.toJSON())
}

// note: no validation here, the system parameters arrive separately
func (pk *PublicKey) UnmarshalJSON(b []byte) error {
	m, err := getMap(b)
	if err != nil {
		return err
	}
	return pk.fromJSON(m)
}

func (sk *SecretKey) toJSON() map[string]string {
	m := sk.PublicKey.toJSON()
	m["x"] = crypto.BigIntToJSON(sk.X)
	return m
}

func (sk *SecretKey) fromJSON(m map[string]interface{}) (err error) {
	sk.PublicKey = &PublicKey{}
	if err = sk.PublicKey.fromJSON(m); err != nil {
		return err
	}
	sk.X, err = bigIntAtKey("x", m)
	return err
}

func (sk *SecretKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(sk.toJSON())
}

func (sk *SecretKey) UnmarshalJSON(b []byte) error {
	m, err := getMap(b)
	if err != nil {
		return err
	}
	return sk.fromJSON(m)
}

func (ct *CipherText) toJSON() map[string]string {
	return map[string]string{
		"a": crypto.BigIntToJSON(ct.A),
		"b": crypto.BigIntToJSON(ct.B),
	}
}

func (ct *CipherText) MarshalJSON() ([]byte, error) {
	return json.Marshal(ct.toJSON())
}

func (ct *CipherText) UnmarshalJSON(b []byte) error {
	m, err := getMap(b)
	if err != nil {
		return err
	}
	ct.A, err = bigIntAtKey("a", m)
	if err != nil {
		return err
	}
	ct.B, err = bigIntAtKey("b", m)
	return err
}

func (s *Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"c": crypto.BigIntToJSON(s.C),
		"r": crypto.BigIntToJSON(s.R),
	})
}

func (s *Signature) UnmarshalJSON(b []byte) error {
	m, err := getMap(b)
	if err != nil {
		return err
	}
	s.C, err = bigIntAtKey("c", m)
	if err != nil {
		return err
	}
	s.R, err = bigIntAtKey("r", m)
	return err
}

func (zkp *ZKP) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"a": crypto.BigIntToJSON(zkp.A),
		"b": crypto.BigIntToJSON(zkp.B),
		"c": crypto.BigIntToJSON(zkp.C),
		"r": crypto.BigIntToJSON(zkp.R),
	})
}

func (zkp *ZKP) UnmarshalJSON(b []byte) error {
	m, err := getMap(b)
	if err != nil {
		return err
	}
	if zkp.A, err = bigIntAtKey("a", m); err != nil {
		return err
	}
	if zkp.B, err = bigIntAtKey("b", m); err != nil {
		return err
	}
	if zkp.C, err = bigIntAtKey("c", m); err != nil {
		return err
	}
	zkp.R, err = bigIntAtKey("r", m)
	return err
}

// DerivedKeys persist as just the two secret keys.
func (dk *DerivedKeys) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]*SecretKey{
		"sig": dk.Sig.Secret(),
		"enc": dk.Enc.Secret(),
	})
}

func (dk *DerivedKeys) UnmarshalJSON(b []byte) error {
	dk.Sig = &KeyPair{}
	dk.Enc = &KeyPair{}
	m := map[string]*SecretKey{}
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	sig, ok := m["sig"]
	if !ok {
		return fmt.Errorf("no signing key in derived keys")
	}
	dk.Sig.sk = sig
	enc, ok := m["enc"]
	if !ok {
		return fmt.Errorf("no encryption key in derived keys")
	}
	dk.Enc.sk = enc
	return nil
}

// ReSystem reattaches system parameters after unmarshalling.
func (dk *DerivedKeys) ReSystem(s *System) {
	dk.System = s
	dk.Sig = keypairForSecret(s, dk.Sig.sk.X)
	dk.Enc = keypairForSecret(s, dk.Enc.sk.X)
}

func (kp *KeyPair) MarshalJSON() ([]byte, error) {
	return json.Marshal(kp.sk)
}

func (kp *KeyPair) UnmarshalJSON(b []byte) error {
	kp.sk = &SecretKey{}
	return json.Unmarshal(b, kp.sk)
}
