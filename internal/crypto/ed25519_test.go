package crypto

import (
	"bytes"
	"testing"
)

func TestEd25519KeyGeneration(t *testing.T) {
	key, err := GenerateEd25519Key()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	if len(key.Bytes()) != Ed25519PrivateKeySize {
		t.Errorf("Private key size mismatch: expected %d, got %d", Ed25519PrivateKeySize, len(key.Bytes()))
	}
	if len(key.PublicKeyBytes()) != Ed25519PublicKeySize {
		t.Errorf("Public key size mismatch: expected %d, got %d", Ed25519PublicKeySize, len(key.PublicKeyBytes()))
	}
	if key.Scheme() != SchemeEd25519 {
		t.Errorf("Unexpected scheme %q", key.Scheme())
	}
}

func TestEd25519SignAndVerify(t *testing.T) {
	key, err := GenerateEd25519Key()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	message := []byte("PREPARE v=0 n=1")
	signature, err := key.Sign(message)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}
	if len(signature) != Ed25519SignatureSize {
		t.Errorf("Signature size mismatch: expected %d, got %d", Ed25519SignatureSize, len(signature))
	}

	pubKey := key.PublicKey()
	if !pubKey.Verify(message, signature) {
		t.Error("Valid signature failed verification")
	}
	if pubKey.Verify([]byte("COMMIT v=0 n=1"), signature) {
		t.Error("Signature verified with wrong message")
	}
	if pubKey.Verify(message, make([]byte, Ed25519SignatureSize)) {
		t.Error("Zero signature incorrectly verified")
	}
	if pubKey.Verify(message, signature[:10]) {
		t.Error("Truncated signature incorrectly verified")
	}

	otherKey, _ := GenerateEd25519Key()
	if otherKey.PublicKey().Verify(message, signature) {
		t.Error("Signature verified with wrong public key")
	}
}

func TestEd25519KeySerialization(t *testing.T) {
	key, err := GenerateEd25519Key()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	restoredKey, err := Ed25519PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("Failed to restore private key: %v", err)
	}
	if !bytes.Equal(key.Bytes(), restoredKey.Bytes()) {
		t.Error("Restored private key doesn't match original")
	}

	restoredPubKey, err := Ed25519PublicKeyFromBytes(key.PublicKeyBytes())
	if err != nil {
		t.Fatalf("Failed to restore public key: %v", err)
	}

	message := []byte("checkpoint 100")
	signature, _ := restoredKey.Sign(message)
	if !restoredPubKey.Verify(message, signature) {
		t.Error("Signature verification failed with restored keys")
	}
}

func TestEd25519KeyFromSeed(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)

	a, err := Ed25519KeyFromSeed(seed)
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	b, err := Ed25519KeyFromSeed(seed)
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	if !bytes.Equal(a.PublicKeyBytes(), b.PublicKeyBytes()) {
		t.Error("Same seed produced different keys")
	}

	if _, err := Ed25519KeyFromSeed(seed[:31]); err == nil {
		t.Error("Expected error for short seed")
	}
}

func TestEd25519InvalidInputs(t *testing.T) {
	if _, err := Ed25519PrivateKeyFromBytes(make([]byte, 10)); err == nil {
		t.Error("Expected error for short private key")
	}
	if _, err := Ed25519PublicKeyFromBytes(make([]byte, 10)); err == nil {
		t.Error("Expected error for short public key")
	}
}
