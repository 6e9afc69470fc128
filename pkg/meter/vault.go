package meter

import (
	"context"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// CredentialVault exposes an account's optional private upstream credential.
// Presence changes who pays: BYOK calls go upstream on the caller's own key
// and are exempt from quota and billing.
type CredentialVault interface {
	// HasPrivateCredential reports whether a credential is on file.
	HasPrivateCredential(ctx context.Context, accountID string) (bool, error)

	// PrivateCredential returns the decrypted credential.
	// Returns ErrNoCredential when none is stored.
	PrivateCredential(ctx context.Context, accountID string) (string, error)
}

// SealedVault stores credentials as AEAD-sealed blobs in the Store. The
// plaintext never touches logs or API responses.
type SealedVault struct {
	store Store
	key   []byte
}

// NewSealedVault creates a vault sealing with XChaCha20-Poly1305 under the
// given 32-byte key.
func NewSealedVault(store Store, key []byte) (*SealedVault, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &SealedVault{store: store, key: key}, nil
}

// HasPrivateCredential implements CredentialVault.
func (v *SealedVault) HasPrivateCredential(ctx context.Context, accountID string) (bool, error) {
	blob, err := v.store.GetCredential(ctx, accountID)
	if err != nil {
		return false, err
	}
	return len(blob) > 0, nil
}

// PrivateCredential implements CredentialVault.
func (v *SealedVault) PrivateCredential(ctx context.Context, accountID string) (string, error) {
	blob, err := v.store.GetCredential(ctx, accountID)
	if err != nil {
		return "", err
	}
	if len(blob) == 0 {
		return "", ErrNoCredential
	}
	return v.open(blob)
}

// SetPrivateCredential seals and stores a credential. An empty secret clears
// the stored credential.
func (v *SealedVault) SetPrivateCredential(ctx context.Context, accountID, secret string) error {
	if secret == "" {
		return v.store.SetCredential(ctx, accountID, nil)
	}
	blob, err := v.seal([]byte(secret))
	if err != nil {
		return err
	}
	return v.store.SetCredential(ctx, accountID, blob)
}

func (v *SealedVault) seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *SealedVault) open(blob []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", err
	}
	if len(blob) < aead.NonceSize() {
		return "", fmt.Errorf("sealed credential too short")
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to open sealed credential: %w", err)
	}
	return string(plaintext), nil
}
