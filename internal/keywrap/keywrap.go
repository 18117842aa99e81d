package keywrap

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const kekSize = 32

// Keyring wraps and unwraps DEKs. Recovery private-key unwrapping uses the
// long-lived recovery keys it holds (keyed by key ID); credential KEKs are
// derived per call from PRF output or an OPAQUE export key via HKDF-SHA256.
type Keyring struct {
	recoveryKeys map[string][]byte
}

// NewKeyring creates a keyring over the given recovery keys (keyID -> 32-byte key)
func NewKeyring(recoveryKeys map[string][]byte) (*Keyring, error) {
	for id, key := range recoveryKeys {
		if len(key) != kekSize {
			return nil, fmt.Errorf("recovery key %q must be %d bytes, got %d", id, kekSize, len(key))
		}
	}
	return &Keyring{recoveryKeys: recoveryKeys}, nil
}

// UnwrapWithRecoveryKey opens a DEK wrapped under the recovery key named by keyID
func (k *Keyring) UnwrapWithRecoveryKey(_ context.Context, wrappedDEK []byte, keyID string) ([]byte, error) {
	key, ok := k.recoveryKeys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown recovery key %q", keyID)
	}
	dek, err := open(key, wrappedDEK, []byte("recovery:"+keyID))
	if err != nil {
		return nil, fmt.Errorf("unwrap dek: %w", err)
	}
	return dek, nil
}

// WrapWithPRF wraps a DEK under a KEK derived from WebAuthn PRF output
func (k *Keyring) WrapWithPRF(_ context.Context, secretID uuid.UUID, credentialID string, dek, prfOutput []byte) ([]byte, error) {
	info := fmt.Sprintf("keyfold/prf/v1:%s:%s", credentialID, secretID)
	kek, err := deriveKEK(prfOutput, info)
	if err != nil {
		return nil, err
	}
	return seal(kek, dek, []byte(info))
}

// WrapWithOpaqueExport wraps a DEK under a KEK derived from an OPAQUE export key
func (k *Keyring) WrapWithOpaqueExport(_ context.Context, secretID, userID uuid.UUID, dek, exportKey []byte) ([]byte, error) {
	info := fmt.Sprintf("keyfold/opaque/v1:%s:%s", userID, secretID)
	kek, err := deriveKEK(exportKey, info)
	if err != nil {
		return nil, err
	}
	return seal(kek, dek, []byte(info))
}

// WrapWithRecoveryKey seals a DEK under a recovery key. Used at opt-in time to
// produce the escrow wrapper that finalize later consumes.
func (k *Keyring) WrapWithRecoveryKey(_ context.Context, dek []byte, keyID string) ([]byte, error) {
	key, ok := k.recoveryKeys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown recovery key %q", keyID)
	}
	return seal(key, dek, []byte("recovery:"+keyID))
}

// deriveKEK expands credential key material into a 32-byte KEK. The info
// string binds the KEK to one secret and one credential.
func deriveKEK(keyMaterial []byte, info string) ([]byte, error) {
	if len(keyMaterial) == 0 {
		return nil, fmt.Errorf("empty key material")
	}
	kek := make([]byte, kekSize)
	r := hkdf.New(sha256.New, keyMaterial, nil, []byte(info))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("derive kek: %w", err)
	}
	return kek, nil
}

// seal encrypts with AES-256-GCM, nonce prepended
func seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// open decrypts a seal() ciphertext
func open(key, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
