package scrutin

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"io"
)

type canonicalJSON struct{}

// Encode the object in its canonical representation to the output stream.
// Round-tripping through map[string]interface{} sorts the keys.
func (c canonicalJSON) Encode(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "")
	enc.SetEscapeHTML(false)
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var t interface{}
	if err := json.Unmarshal(b, &t); err != nil {
		return err
	}
	return enc.Encode(t)
}

// Hash the object in its canonical JSON representation (SHA256).
func (c canonicalJSON) Hash(b []byte, v interface{}) ([]byte, error) {
	h := sha256.New()
	if err := c.Encode(h, v); err != nil {
		return nil, err
	}
	return h.Sum(b), nil
}

// EncodeAndHash encodes to the output stream and hashes at the same time.
func (c canonicalJSON) EncodeAndHash(out io.Writer, hash []byte, v interface{}) ([]byte, error) {
	h := sha256.New()
	m := io.MultiWriter(out, h)
	if err := c.Encode(m, v); err != nil {
		return nil, err
	}
	return h.Sum(hash), nil
}

func (c canonicalJSON) HashCheck(v interface{}, expected []byte) bool {
	actual, err := c.Hash(nil, v)
	if err != nil {
		return false
	}
	return bytes.Equal(actual, expected)
}

// CanonicalJSON is the encoding used wherever bytes are signed or hashed:
// sorted keys, minimal whitespace, big.Ints as unpadded base64url strings,
// a trailing newline after the final close. Signatures will not verify if
// a non-canonical representation is used.
var CanonicalJSON = canonicalJSON{}
