// Package crypto provides the signature schemes used to authenticate PBFT
// messages.
//
// Two schemes are supported:
//  1. Ed25519 - fast individual sign/verify (ed25519.go)
//  2. BLS12-381 - pairing-based signatures via gnark-crypto (bls.go)
package crypto

import (
	"errors"
	"fmt"
)

const (
	// SchemeEd25519 selects Ed25519 signatures.
	SchemeEd25519 = "ed25519"

	// SchemeBLS selects BLS12-381 signatures.
	SchemeBLS = "bls"
)

// ErrUnknownScheme indicates an unsupported signature scheme name.
var ErrUnknownScheme = errors.New("unknown signature scheme")

// PrivateKey signs messages under one scheme.
type PrivateKey interface {
	// Sign returns the signature of message.
	Sign(message []byte) ([]byte, error)

	// PublicKeyBytes returns the encoded public key.
	PublicKeyBytes() []byte

	// Bytes returns the encoded private key.
	Bytes() []byte

	// Scheme returns the scheme name.
	Scheme() string
}

// PublicKey verifies signatures under one scheme.
type PublicKey interface {
	Verify(message, signature []byte) bool
	Bytes() []byte
}

// GenerateKey creates a fresh key pair for scheme.
func GenerateKey(scheme string) (PrivateKey, error) {
	switch scheme {
	case SchemeEd25519:
		return GenerateEd25519Key()
	case SchemeBLS:
		return GenerateBLSKey()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
}

// PrivateKeyFromBytes decodes a private key of scheme.
func PrivateKeyFromBytes(scheme string, data []byte) (PrivateKey, error) {
	switch scheme {
	case SchemeEd25519:
		return Ed25519PrivateKeyFromBytes(data)
	case SchemeBLS:
		return BLSPrivateKeyFromBytes(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
}

// ParsePublicKey decodes a public key of scheme.
func ParsePublicKey(scheme string, data []byte) (PublicKey, error) {
	switch scheme {
	case SchemeEd25519:
		return Ed25519PublicKeyFromBytes(data)
	case SchemeBLS:
		return BLSPublicKeyFromBytes(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
}
