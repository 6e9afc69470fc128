package meter_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cursive-ai/gateway/pkg/meter"
)

func TestSealedVaultRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	createAccount(t, store, "u1", meter.TierPro)

	vault, err := meter.NewSealedVault(store, testKey)
	if err != nil {
		t.Fatalf("NewSealedVault failed: %v", err)
	}

	ctx := context.Background()
	if err := vault.SetPrivateCredential(ctx, "u1", "sk-ant-private-key"); err != nil {
		t.Fatalf("SetPrivateCredential failed: %v", err)
	}

	has, err := vault.HasPrivateCredential(ctx, "u1")
	if err != nil {
		t.Fatalf("HasPrivateCredential failed: %v", err)
	}
	if !has {
		t.Fatal("credential reported absent after storing")
	}

	secret, err := vault.PrivateCredential(ctx, "u1")
	if err != nil {
		t.Fatalf("PrivateCredential failed: %v", err)
	}
	if secret != "sk-ant-private-key" {
		t.Errorf("decrypted credential = %q, want original secret", secret)
	}

	// The stored blob must not contain the plaintext.
	blob, err := store.GetCredential(ctx, "u1")
	if err != nil {
		t.Fatalf("GetCredential failed: %v", err)
	}
	if string(blob) == "sk-ant-private-key" {
		t.Error("credential stored in plaintext")
	}
}

func TestSealedVaultClear(t *testing.T) {
	store, _ := newTestStore(t)
	createAccount(t, store, "u1", meter.TierPro)
	vault, err := meter.NewSealedVault(store, testKey)
	if err != nil {
		t.Fatalf("NewSealedVault failed: %v", err)
	}

	ctx := context.Background()
	if err := vault.SetPrivateCredential(ctx, "u1", "secret"); err != nil {
		t.Fatalf("SetPrivateCredential failed: %v", err)
	}
	if err := vault.SetPrivateCredential(ctx, "u1", ""); err != nil {
		t.Fatalf("clearing credential failed: %v", err)
	}

	has, err := vault.HasPrivateCredential(ctx, "u1")
	if err != nil {
		t.Fatalf("HasPrivateCredential failed: %v", err)
	}
	if has {
		t.Error("credential still reported present after clearing")
	}
	if _, err := vault.PrivateCredential(ctx, "u1"); !errors.Is(err, meter.ErrNoCredential) {
		t.Errorf("PrivateCredential after clear = %v, want ErrNoCredential", err)
	}
}

func TestSealedVaultMissingCredential(t *testing.T) {
	store, _ := newTestStore(t)
	createAccount(t, store, "u1", meter.TierFree)
	vault, err := meter.NewSealedVault(store, testKey)
	if err != nil {
		t.Fatalf("NewSealedVault failed: %v", err)
	}

	if _, err := vault.PrivateCredential(context.Background(), "u1"); !errors.Is(err, meter.ErrNoCredential) {
		t.Errorf("PrivateCredential = %v, want ErrNoCredential", err)
	}
}

func TestSealedVaultRejectsBadKeyLength(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := meter.NewSealedVault(store, make([]byte, 16)); err == nil {
		t.Fatal("expected error for a 16-byte key")
	}
}

func TestSealedVaultWrongKeyFailsToOpen(t *testing.T) {
	store, _ := newTestStore(t)
	createAccount(t, store, "u1", meter.TierPro)

	sealer, err := meter.NewSealedVault(store, testKey)
	if err != nil {
		t.Fatalf("NewSealedVault failed: %v", err)
	}
	ctx := context.Background()
	if err := sealer.SetPrivateCredential(ctx, "u1", "secret"); err != nil {
		t.Fatalf("SetPrivateCredential failed: %v", err)
	}

	otherKey := make([]byte, 32)
	otherKey[0] = 1
	opener, err := meter.NewSealedVault(store, otherKey)
	if err != nil {
		t.Fatalf("NewSealedVault failed: %v", err)
	}
	if _, err := opener.PrivateCredential(ctx, "u1"); err == nil {
		t.Fatal("opening with the wrong key succeeded")
	}
}
