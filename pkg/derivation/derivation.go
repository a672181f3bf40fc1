// Package derivation implements the derivation-prefix codec: self-describing
// textual identifiers for public keys, digests and signatures, each tagged
// with a one-character code identifying its cryptographic kind.
package derivation

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tdalabs/tda/pkg/crypto"
)

// Code identifies the derivation kind of a Prefix.
type Code byte

const (
	// Basic is a raw Ed25519 public key (non-transferable, identifies a key).
	Basic Code = 'D'
	// SelfAddressing is a Blake3-256 digest of some referenced data.
	SelfAddressing Code = 'E'
	// SelfSigning is an Ed25519 signature over some referenced data.
	SelfSigning Code = 'G'
)

var (
	// ErrMalformedPrefix is returned when a prefix string cannot be decoded
	// at all (empty, no recognized tag).
	ErrMalformedPrefix = errors.New("malformed derivation prefix")
	// ErrShortPrefix is returned when a prefix string is the right shape but
	// the decoded raw bytes are the wrong length for its tag.
	ErrShortPrefix = errors.New("derivation prefix too short for its tag")
)

// Prefix is a tagged, self-describing derivation value: a one-byte code and
// the raw bytes it tags (a public key, a digest, or a signature).
type Prefix struct {
	Code Code
	Raw  []byte
}

func rawLenForCode(c Code) (int, error) {
	switch c {
	case Basic:
		return 32, nil // ed25519.PublicKeySize
	case SelfAddressing:
		return crypto.DigestSize, nil
	case SelfSigning:
		return 64, nil // ed25519.SignatureSize
	default:
		return 0, fmt.Errorf("%w: unknown code %q", ErrMalformedPrefix, byte(c))
	}
}

// String renders the prefix as "<tag><base64url(raw)>" with no padding.
func (p Prefix) String() string {
	return string(p.Code) + base64.RawURLEncoding.EncodeToString(p.Raw)
}

// Parse decodes a "<tag><base64url(raw)>" string into a Prefix, validating
// that the decoded length matches what the tag requires.
func Parse(s string) (Prefix, error) {
	if len(s) < 2 {
		return Prefix{}, ErrMalformedPrefix
	}
	code := Code(s[0])
	want, err := rawLenForCode(code)
	if err != nil {
		return Prefix{}, err
	}
	raw, err := base64.RawURLEncoding.DecodeString(s[1:])
	if err != nil {
		return Prefix{}, fmt.Errorf("%w: %v", ErrMalformedPrefix, err)
	}
	if len(raw) != want {
		return Prefix{}, fmt.Errorf("%w: code %q wants %d bytes, got %d", ErrShortPrefix, byte(code), want, len(raw))
	}
	return Prefix{Code: code, Raw: raw}, nil
}

// FromPublicKey derives a Basic prefix from an Ed25519 public key.
func FromPublicKey(pub []byte) Prefix {
	return Prefix{Code: Basic, Raw: pub}
}

// FromDigest derives a SelfAddressing prefix from data by hashing it.
func FromDigest(data []byte) Prefix {
	d := crypto.DigestBlake3(data)
	return Prefix{Code: SelfAddressing, Raw: d[:]}
}

// FromSignature derives a SelfSigning prefix from a raw Ed25519 signature.
func FromSignature(sig []byte) Prefix {
	return Prefix{Code: SelfSigning, Raw: sig}
}

// VerifyDigest reports whether p is a SelfAddressing prefix matching the
// Blake3 digest of data.
func VerifyDigest(p Prefix, data []byte) bool {
	if p.Code != SelfAddressing {
		return false
	}
	d := crypto.DigestBlake3(data)
	if len(p.Raw) != len(d) {
		return false
	}
	for i := range d {
		if p.Raw[i] != d[i] {
			return false
		}
	}
	return true
}

// MarshalJSON renders the prefix as its canonical textual form.
func (p Prefix) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// UnmarshalJSON parses the prefix from its canonical textual form.
func (p *Prefix) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPrefix, err)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// IndexedSignature is an attached signature with its key-index within a
// KeyConfig, used when serializing the signature trailer of a signed event.
type IndexedSignature struct {
	Index int    `json:"index"`
	Sig   Prefix `json:"sig"` // Code == SelfSigning
}

// String renders "<index>.<SelfSigning prefix>".
func (is IndexedSignature) String() string {
	return fmt.Sprintf("%d.%s", is.Index, is.Sig.String())
}

// ParseIndexedSignature decodes an "<index>.<prefix>" attached-signature.
func ParseIndexedSignature(s string) (IndexedSignature, error) {
	dot := -1
	for i, r := range s {
		if r == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return IndexedSignature{}, fmt.Errorf("%w: missing index separator", ErrMalformedPrefix)
	}
	var index int
	if _, err := fmt.Sscanf(s[:dot], "%d", &index); err != nil {
		return IndexedSignature{}, fmt.Errorf("%w: bad index: %v", ErrMalformedPrefix, err)
	}
	sig, err := Parse(s[dot+1:])
	if err != nil {
		return IndexedSignature{}, err
	}
	if sig.Code != SelfSigning {
		return IndexedSignature{}, fmt.Errorf("%w: expected self-signing code", ErrMalformedPrefix)
	}
	return IndexedSignature{Index: index, Sig: sig}, nil
}
