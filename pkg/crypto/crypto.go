// Package crypto provides the primitive signing and digest functions the
// rest of the agent builds on: Ed25519 key generation/signing/verification
// and Blake3-256 content digests. These are pure functions over byte
// slices; the derivation codec (pkg/derivation) gives them textual,
// self-describing form.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"lukechampine.com/blake3"
)

// KeyPair is an Ed25519 signing key pair.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh random Ed25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate ed25519 key pair: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// Sign signs data with the private key.
func Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// Verify checks sig over data against the public key.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// DigestSize is the size in bytes of a Blake3-256 digest.
const DigestSize = 32

// DigestBlake3 returns the 32-byte Blake3 digest of data.
func DigestBlake3(data []byte) [DigestSize]byte {
	return blake3.Sum256(data)
}
