package crypto

import "testing"

func TestGenerateKeyPairSignVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	data := []byte("hello tda")
	sig := Sign(kp.Private, data)

	if !Verify(kp.Public, data, sig) {
		t.Fatalf("verify failed for a valid signature")
	}
}

func TestVerifyRejectsTamperedData(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	sig := Sign(kp.Private, []byte("original"))
	if Verify(kp.Public, []byte("tampered"), sig) {
		t.Fatalf("verify succeeded over tampered data")
	}
}

func TestVerifyRejectsWrongSizedInputs(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	if Verify(kp.Public, []byte("x"), []byte("too-short")) {
		t.Fatalf("verify succeeded over a malformed signature")
	}
	if Verify([]byte("too-short"), []byte("x"), Sign(kp.Private, []byte("x"))) {
		t.Fatalf("verify succeeded over a malformed public key")
	}
}

func TestDigestBlake3Deterministic(t *testing.T) {
	a := DigestBlake3([]byte("same input"))
	b := DigestBlake3([]byte("same input"))
	if a != b {
		t.Fatalf("digest not deterministic: %x != %x", a, b)
	}

	c := DigestBlake3([]byte("different input"))
	if a == c {
		t.Fatalf("digest collided across different inputs")
	}
}
