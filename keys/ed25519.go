// Package keys implements the cryptographic primitives a homeserver needs to
// sign, verify, and hash its own federation traffic: Ed25519 signing keys,
// SHA-256 content hashing, PBKDF2 password hashing, and rejection-sampled
// random tokens.
package keys

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/ed25519"
)

// KeyID identifies one of a server's signing keys, e.g. "ed25519:a_1".
type KeyID string

// KeyPair is a named Ed25519 signing key.
type KeyPair struct {
	KeyID      KeyID
	PrivateKey ed25519.PrivateKey
}

// PublicKey returns the public half of the pair.
func (k KeyPair) PublicKey() ed25519.PublicKey {
	return k.PrivateKey.Public().(ed25519.PublicKey)
}

// GenerateKeyPair creates a fresh Ed25519 key pair with the given key ID.
func GenerateKeyPair(keyID KeyID) (KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keys: failed to generate key pair: %w", err)
	}
	return KeyPair{KeyID: keyID, PrivateKey: priv}, nil
}

// KeyPairFromSeed reconstructs a key pair from a 32-byte Ed25519 seed, the
// format Synapse and Dendrite persist signing keys in.
func KeyPairFromSeed(keyID KeyID, seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, fmt.Errorf("keys: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return KeyPair{KeyID: keyID, PrivateKey: ed25519.NewKeyFromSeed(seed)}, nil
}
