package crypto

import (
	"errors"
	"fmt"
	"math/big"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

// BLS12-381 signatures using gnark-crypto. Public keys live in G2 (96 bytes
// compressed), signatures in G1 (48 bytes compressed).

// blsDST is the hash-to-curve domain separation tag.
var blsDST = []byte("BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_")

// ErrInvalidSignature indicates a malformed BLS signature.
var ErrInvalidSignature = errors.New("invalid signature")

// BLSPrivateKey wraps a BLS12-381 private key.
type BLSPrivateKey struct {
	scalar fr.Element
}

// BLSPublicKey wraps a BLS12-381 public key (G2 point).
type BLSPublicKey struct {
	point bls12381.G2Affine
}

var (
	_ PrivateKey = (*BLSPrivateKey)(nil)
	_ PublicKey  = (*BLSPublicKey)(nil)
)

// GenerateBLSKey generates a new BLS12-381 key pair.
func GenerateBLSKey() (*BLSPrivateKey, error) {
	var scalar fr.Element
	if _, err := scalar.SetRandom(); err != nil {
		return nil, fmt.Errorf("failed to generate random scalar: %w", err)
	}
	return &BLSPrivateKey{scalar: scalar}, nil
}

// PublicKey returns the public key corresponding to this private key.
func (sk *BLSPrivateKey) PublicKey() *BLSPublicKey {
	// Public key = scalar * G2.Generator
	var pk bls12381.G2Affine
	_, _, _, g2Gen := bls12381.Generators()
	pk.ScalarMultiplication(&g2Gen, sk.scalar.BigInt(new(big.Int)))
	return &BLSPublicKey{point: pk}
}

// PublicKeyBytes returns the compressed public key.
func (sk *BLSPrivateKey) PublicKeyBytes() []byte {
	return sk.PublicKey().Bytes()
}

// Sign hashes message to G1 and multiplies by the private scalar.
// The result is the compressed 48-byte G1 point.
func (sk *BLSPrivateKey) Sign(message []byte) ([]byte, error) {
	hashPoint, err := bls12381.HashToG1(message, blsDST)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message to G1: %w", err)
	}

	var sig bls12381.G1Affine
	sig.ScalarMultiplication(&hashPoint, sk.scalar.BigInt(new(big.Int)))
	b := sig.Bytes()
	return b[:], nil
}

// Bytes returns the 32-byte scalar representation.
func (sk *BLSPrivateKey) Bytes() []byte {
	b := sk.scalar.Bytes()
	return b[:]
}

// Scheme returns SchemeBLS.
func (sk *BLSPrivateKey) Scheme() string {
	return SchemeBLS
}

// BLSPrivateKeyFromBytes reconstructs a private key from bytes.
func BLSPrivateKeyFromBytes(data []byte) (*BLSPrivateKey, error) {
	if len(data) != fr.Bytes {
		return nil, fmt.Errorf("invalid private key length: expected %d, got %d", fr.Bytes, len(data))
	}
	var scalar fr.Element
	scalar.SetBytes(data)
	return &BLSPrivateKey{scalar: scalar}, nil
}

// Verify checks e(H(m), pk) == e(sig, G2).
func (pk *BLSPublicKey) Verify(message, signature []byte) bool {
	var sig bls12381.G1Affine
	if _, err := sig.SetBytes(signature); err != nil {
		return false
	}

	hashPoint, err := bls12381.HashToG1(message, blsDST)
	if err != nil {
		return false
	}

	_, _, _, g2Gen := bls12381.Generators()
	left, err := bls12381.Pair([]bls12381.G1Affine{hashPoint}, []bls12381.G2Affine{pk.point})
	if err != nil {
		return false
	}
	right, err := bls12381.Pair([]bls12381.G1Affine{sig}, []bls12381.G2Affine{g2Gen})
	if err != nil {
		return false
	}
	return left.Equal(&right)
}

// Bytes returns the compressed 96-byte G2 point representation.
func (pk *BLSPublicKey) Bytes() []byte {
	b := pk.point.Bytes()
	return b[:]
}

// BLSPublicKeyFromBytes reconstructs a public key from bytes.
func BLSPublicKeyFromBytes(data []byte) (*BLSPublicKey, error) {
	var point bls12381.G2Affine
	if _, err := point.SetBytes(data); err != nil {
		return nil, fmt.Errorf("failed to deserialize public key: %w", err)
	}
	return &BLSPublicKey{point: point}, nil
}
