package derivation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/tdalabs/tda/pkg/crypto"
)

func TestFromPublicKeyRoundTrip(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	p := FromPublicKey(kp.Public)
	if p.Code != Basic {
		t.Fatalf("expected Basic code, got %q", byte(p.Code))
	}

	parsed, err := Parse(p.String())
	if err != nil {
		t.Fatalf("parse %q: %v", p.String(), err)
	}
	if parsed.String() != p.String() {
		t.Fatalf("round trip mismatch: %q != %q", parsed.String(), p.String())
	}
}

func TestFromDigestAndVerifyDigest(t *testing.T) {
	data := []byte("event bytes")
	p := FromDigest(data)
	if p.Code != SelfAddressing {
		t.Fatalf("expected SelfAddressing code, got %q", byte(p.Code))
	}
	if !VerifyDigest(p, data) {
		t.Fatalf("VerifyDigest rejected its own digest")
	}
	if VerifyDigest(p, []byte("other bytes")) {
		t.Fatalf("VerifyDigest accepted a digest of different data")
	}
}

func TestParseRejectsWrongLength(t *testing.T) {
	// A SelfAddressing prefix carrying only 1 raw byte instead of 32.
	short := string(SelfAddressing) + "AA"
	if _, err := Parse(short); !errors.Is(err, ErrShortPrefix) {
		t.Fatalf("expected ErrShortPrefix, got %v", err)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	if _, err := Parse(""); !errors.Is(err, ErrMalformedPrefix) {
		t.Fatalf("expected ErrMalformedPrefix for empty string, got %v", err)
	}
	if _, err := Parse("Z" + "not-base64url!!"); err == nil {
		t.Fatalf("expected an error for an unrecognized code")
	}
}

func TestPrefixJSONRoundTrip(t *testing.T) {
	p := FromDigest([]byte("anchor this"))
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out Prefix
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.String() != p.String() {
		t.Fatalf("json round trip mismatch: %q != %q", out.String(), p.String())
	}
}

func TestIndexedSignatureRoundTrip(t *testing.T) {
	sig := FromSignature(make([]byte, 64))
	is := IndexedSignature{Index: 3, Sig: sig}

	parsed, err := ParseIndexedSignature(is.String())
	if err != nil {
		t.Fatalf("parse indexed signature: %v", err)
	}
	if parsed.Index != 3 || parsed.Sig.String() != sig.String() {
		t.Fatalf("indexed signature round trip mismatch: got %+v", parsed)
	}
}

func TestParseIndexedSignatureRejectsNonSigningCode(t *testing.T) {
	pub := FromPublicKey(make([]byte, 32))
	if _, err := ParseIndexedSignature("0." + pub.String()); err == nil {
		t.Fatalf("expected an error for a non-signing prefix in a signature slot")
	}
}
