package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

var (
	// ErrInvalidEd25519KeySize indicates wrong key size.
	ErrInvalidEd25519KeySize = errors.New("invalid Ed25519 key size")
)

const (
	// Ed25519PublicKeySize is the size of a Ed25519 public key in bytes.
	Ed25519PublicKeySize = ed25519.PublicKeySize // 32 bytes

	// Ed25519PrivateKeySize is the size of a Ed25519 private key in bytes.
	Ed25519PrivateKeySize = ed25519.PrivateKeySize // 64 bytes

	// Ed25519SignatureSize is the size of an Ed25519 signature in bytes.
	Ed25519SignatureSize = ed25519.SignatureSize // 64 bytes
)

// Ed25519PrivateKey wraps stdlib Ed25519 private key.
type Ed25519PrivateKey struct {
	key ed25519.PrivateKey
}

// Ed25519PublicKey wraps stdlib Ed25519 public key.
type Ed25519PublicKey struct {
	key ed25519.PublicKey
}

var (
	_ PrivateKey = (*Ed25519PrivateKey)(nil)
	_ PublicKey  = (*Ed25519PublicKey)(nil)
)

// GenerateEd25519Key generates a new Ed25519 key pair.
func GenerateEd25519Key() (*Ed25519PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	return &Ed25519PrivateKey{key: priv}, nil
}

// Ed25519KeyFromSeed derives a key pair from a 32-byte seed.
func Ed25519KeyFromSeed(seed []byte) (*Ed25519PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrInvalidEd25519KeySize, ed25519.SeedSize, len(seed))
	}
	return &Ed25519PrivateKey{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// Sign signs a message with this private key.
func (sk *Ed25519PrivateKey) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(sk.key, message), nil
}

// PublicKey returns the public half of the key pair.
func (sk *Ed25519PrivateKey) PublicKey() *Ed25519PublicKey {
	pub, _ := sk.key.Public().(ed25519.PublicKey)
	return &Ed25519PublicKey{key: pub}
}

// PublicKeyBytes returns the 32-byte public key.
func (sk *Ed25519PrivateKey) PublicKeyBytes() []byte {
	return sk.PublicKey().Bytes()
}

// Bytes returns the 64-byte private key.
func (sk *Ed25519PrivateKey) Bytes() []byte {
	return []byte(sk.key)
}

// Scheme returns SchemeEd25519.
func (sk *Ed25519PrivateKey) Scheme() string {
	return SchemeEd25519
}

// Ed25519PrivateKeyFromBytes reconstructs a private key from bytes.
func Ed25519PrivateKeyFromBytes(data []byte) (*Ed25519PrivateKey, error) {
	if len(data) != Ed25519PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrInvalidEd25519KeySize, Ed25519PrivateKeySize, len(data))
	}
	key := make(ed25519.PrivateKey, Ed25519PrivateKeySize)
	copy(key, data)
	return &Ed25519PrivateKey{key: key}, nil
}

// Verify verifies a signature over a message with this public key.
func (pk *Ed25519PublicKey) Verify(message, signature []byte) bool {
	if len(signature) != Ed25519SignatureSize {
		return false
	}
	return ed25519.Verify(pk.key, message, signature)
}

// Bytes returns the 32-byte public key.
func (pk *Ed25519PublicKey) Bytes() []byte {
	return []byte(pk.key)
}

// Ed25519PublicKeyFromBytes reconstructs a public key from bytes.
func Ed25519PublicKeyFromBytes(data []byte) (*Ed25519PublicKey, error) {
	if len(data) != Ed25519PublicKeySize {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrInvalidEd25519KeySize, Ed25519PublicKeySize, len(data))
	}
	key := make(ed25519.PublicKey, Ed25519PublicKeySize)
	copy(key, data)
	return &Ed25519PublicKey{key: key}, nil
}
