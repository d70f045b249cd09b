package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGenerateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "user_seller", "Test key")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if !strings.HasPrefix(rawKey, "sk_") {
		t.Errorf("Expected raw key to start with sk_, got %s", rawKey[:10])
	}
	if len(rawKey) != 67 { // "sk_" + 64 hex chars
		t.Errorf("Expected raw key length 67, got %d", len(rawKey))
	}
	if !strings.HasPrefix(key.ID, "ak_") {
		t.Errorf("Expected key ID to start with ak_, got %s", key.ID)
	}
	if key.UserID != "user_seller" {
		t.Errorf("Expected user ID user_seller, got %s", key.UserID)
	}
	if key.Hash == rawKey || key.Hash == "" {
		t.Error("Expected only the hash of the key to be stored")
	}
}

func TestGenerateKey_RequiresUser(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	if _, _, err := mgr.GenerateKey(context.Background(), "  ", "x"); err == nil {
		t.Fatal("Expected error for empty user ID")
	}
}

func TestValidateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, "user_buyer", "Primary")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	key, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Fatalf("ValidateKey failed for valid key: %v", err)
	}
	if key.UserID != "user_buyer" {
		t.Errorf("Expected user_buyer, got %s", key.UserID)
	}
	if key.LastUsed.IsZero() {
		t.Error("Expected LastUsed to be set")
	}

	if _, err := mgr.ValidateKey(ctx, "Bearer "+rawKey); err != nil {
		t.Errorf("ValidateKey failed with Bearer prefix: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, "sk_invalid"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("Expected ErrInvalidAPIKey, got %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, "pk_wrongprefix"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("Expected ErrInvalidAPIKey for bad prefix, got %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, ""); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("Expected ErrNoAPIKey, got %v", err)
	}
}

func TestValidateKey_Expired(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, "user_1", "short-lived")
	past := time.Now().Add(-time.Hour)
	key.ExpiresAt = &past
	if err := store.Update(ctx, key); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := mgr.ValidateKey(ctx, rawKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("Expected expired key to be rejected, got %v", err)
	}
}

func TestListKeys(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	_, _, _ = mgr.GenerateKey(ctx, "user_a", "Key 1")
	_, _, _ = mgr.GenerateKey(ctx, "user_a", "Key 2")
	_, _, _ = mgr.GenerateKey(ctx, "user_b", "Other")

	keys, err := mgr.ListKeys(ctx, "user_a")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected 2 keys, got %d", len(keys))
	}
}

func TestRevokeKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, "user_a", "To revoke")

	if err := mgr.RevokeKey(ctx, key.ID, "user_b"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected another user's revoke to fail, got %v", err)
	}
	if err := mgr.RevokeKey(ctx, key.ID, "user_a"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}
	if _, err := mgr.ValidateKey(ctx, rawKey); err == nil {
		t.Error("Expected revoked key to be invalid")
	}
}
