package pbft

import (
	"sync"

	"github.com/splintercommunity/sawtooth-pbft/internal/crypto"
)

// Authenticator signs outgoing messages and verifies incoming ones.
type Authenticator interface {
	// ID returns the identity messages are signed as.
	ID() ValidatorID

	// Sign sets msg.Signer and msg.Signature.
	Sign(msg *Message) error

	// Verify checks msg.Signature against msg.Signer.
	Verify(msg *Message) error
}

// Signature schemes accepted by NewKeyAuthenticator.
const (
	CryptoSchemeEd25519 = crypto.SchemeEd25519
	CryptoSchemeBLS     = crypto.SchemeBLS
)

// KeyAuthenticator signs with a local private key and verifies against the
// public key encoded in each signer's ValidatorID. Parsed keys are cached.
// Safe for concurrent use.
type KeyAuthenticator struct {
	scheme string
	key    crypto.PrivateKey
	id     ValidatorID

	mu   sync.Mutex
	keys map[ValidatorID]crypto.PublicKey
}

var _ Authenticator = (*KeyAuthenticator)(nil)

// NewKeyAuthenticator creates an authenticator for key.
func NewKeyAuthenticator(key crypto.PrivateKey) *KeyAuthenticator {
	return &KeyAuthenticator{
		scheme: key.Scheme(),
		key:    key,
		id:     ValidatorIDFromKey(key.PublicKeyBytes()),
		keys:   make(map[ValidatorID]crypto.PublicKey),
	}
}

// GenerateAuthenticator creates a fresh key for scheme and wraps it.
func GenerateAuthenticator(scheme string) (*KeyAuthenticator, error) {
	key, err := crypto.GenerateKey(scheme)
	if err != nil {
		return nil, wrapConfigf("generate %s key: %v", scheme, err)
	}
	return NewKeyAuthenticator(key), nil
}

// LoadAuthenticator decodes a private key of scheme and wraps it.
func LoadAuthenticator(scheme string, privateKey []byte) (*KeyAuthenticator, error) {
	key, err := crypto.PrivateKeyFromBytes(scheme, privateKey)
	if err != nil {
		return nil, wrapConfigf("load %s key: %v", scheme, err)
	}
	return NewKeyAuthenticator(key), nil
}

// ID returns the local validator id.
func (a *KeyAuthenticator) ID() ValidatorID {
	return a.id
}

// Scheme returns the signature scheme name.
func (a *KeyAuthenticator) Scheme() string {
	return a.scheme
}

// Sign signs msg as the local validator.
func (a *KeyAuthenticator) Sign(msg *Message) error {
	msg.Signer = a.id
	msg.Signature = nil

	data, err := SigningBytes(msg)
	if err != nil {
		return wrapInternalf("encode for signing: %v", err)
	}
	sig, err := a.key.Sign(data)
	if err != nil {
		return wrapInternalf("sign %s: %v", msg.Type, err)
	}
	msg.Signature = sig
	return nil
}

// Verify checks the signature of msg.
func (a *KeyAuthenticator) Verify(msg *Message) error {
	if len(msg.Signature) == 0 {
		return wrapInvalidMessagef("unsigned %s from %s", msg.Type, msg.Signer.Short())
	}

	pub, err := a.publicKey(msg.Signer)
	if err != nil {
		return err
	}
	data, err := SigningBytes(msg)
	if err != nil {
		return wrapInvalidMessagef("encode %s: %v", msg.Type, err)
	}
	if !pub.Verify(data, msg.Signature) {
		return wrapByzantinef("bad signature on %s from %s", msg.Type, msg.Signer.Short())
	}
	return nil
}

func (a *KeyAuthenticator) publicKey(id ValidatorID) (crypto.PublicKey, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if pub, ok := a.keys[id]; ok {
		return pub, nil
	}
	raw, err := id.PublicKey()
	if err != nil {
		return nil, wrapInvalidMessagef("signer id %s is not hex: %v", id.Short(), err)
	}
	pub, err := crypto.ParsePublicKey(a.scheme, raw)
	if err != nil {
		return nil, wrapInvalidMessagef("signer id %s: %v", id.Short(), err)
	}
	a.keys[id] = pub
	return pub, nil
}
