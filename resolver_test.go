package sealog

import (
	"bytes"
	"testing"

	"southwinds.dev/sealog/keystore"
)

func TestResolverActiveKey(t *testing.T) {
	store := keystore.NewMemoryStore()
	key, err := keystore.GenerateKey(store, CurrentKeyID)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	resolver := NewResolver(store)
	got, err := resolver.ActiveKey()
	if err != nil {
		t.Fatalf("Failed to resolve active key: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Error("Resolved key doesn't match the stored key")
	}

	// cached copies survive deletion from the backing store
	if _, err = store.Delete(CurrentKeyID); err != nil {
		t.Fatalf("Failed to delete key: %v", err)
	}
	if _, err = resolver.ActiveKey(); err != nil {
		t.Errorf("Expected cached key after store deletion, got %v", err)
	}

	resolver.InvalidateCache()
	if _, err = resolver.ActiveKey(); err == nil {
		t.Error("Expected resolution failure after cache invalidation")
	}
}

func TestResolverKeyForVersion(t *testing.T) {
	store := keystore.NewMemoryStore()
	current, err := keystore.GenerateKey(store, CurrentKeyID)
	if err != nil {
		t.Fatalf("Failed to generate current key: %v", err)
	}
	legacy, err := keystore.GenerateKey(store, CurrentKeyID+"-v1.0")
	if err != nil {
		t.Fatalf("Failed to generate legacy key: %v", err)
	}

	resolver := NewResolver(store)

	tests := []struct {
		version  string
		expected []byte
	}{
		{"", current},
		{"current", current},
		{EntryVersion, current},
		{"1.0", legacy},
		// no dedicated key exists, falls back to the current id
		{"0.9", current},
	}
	for _, tt := range tests {
		t.Run("Version_"+tt.version, func(t *testing.T) {
			got, err := resolver.KeyForVersion(tt.version)
			if err != nil {
				t.Fatalf("Failed to resolve version %q: %v", tt.version, err)
			}
			if !bytes.Equal(got, tt.expected) {
				t.Errorf("Wrong key for version %q", tt.version)
			}
		})
	}
}

func TestResolverKeyForVersionUnresolvable(t *testing.T) {
	resolver := NewResolver(keystore.NewMemoryStore())
	_, err := resolver.KeyForVersion("1.0")
	if err == nil {
		t.Fatal("Expected resolution failure on an empty store")
	}
	if KindOf(err) != ErrorKindKey {
		t.Errorf("Expected key error, got kind %s: %v", KindOf(err), err)
	}
}

func TestResolveForEntry(t *testing.T) {
	store := keystore.NewMemoryStore()
	legacy, err := keystore.GenerateKey(store, CurrentKeyID+"-v1.0")
	if err != nil {
		t.Fatalf("Failed to generate legacy key: %v", err)
	}

	resolver := NewResolver(store)
	entry := &EncryptedEntry{Version: "1.0", Algorithm: AlgorithmAESGCM}

	// no current key in the store, the entry's version hint resolves
	key, version, err := resolver.ResolveForEntry(entry)
	if err != nil {
		t.Fatalf("Failed to resolve entry key: %v", err)
	}
	if version != "1.0" {
		t.Errorf("Expected version label 1.0, got %s", version)
	}
	if !bytes.Equal(key, legacy) {
		t.Error("Resolved the wrong key for a legacy entry")
	}

	// once the current key exists it wins
	if _, err = keystore.GenerateKey(store, CurrentKeyID); err != nil {
		t.Fatalf("Failed to generate current key: %v", err)
	}
	resolver.InvalidateCache()
	_, version, err = resolver.ResolveForEntry(entry)
	if err != nil {
		t.Fatalf("Failed to resolve entry key: %v", err)
	}
	if version != "current" {
		t.Errorf("Expected version label current, got %s", version)
	}
}

func TestResolverCustomCurrentID(t *testing.T) {
	store := keystore.NewMemoryStore()
	key, err := keystore.GenerateKey(store, "tenant-a-key")
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	resolver := NewResolverFor(store, "tenant-a-key", []string{"0.1"})
	got, err := resolver.ActiveKey()
	if err != nil {
		t.Fatalf("Failed to resolve active key: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Error("Resolved key doesn't match the stored key")
	}
}
