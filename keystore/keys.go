package keystore

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// GenerateKey creates a fresh 32-byte key from a cryptographically secure
// source and stores it under keyID.
func GenerateKey(store Store, keyID string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}

	if err := store.Put(keyID, key); err != nil {
		return nil, fmt.Errorf("failed to store generated key %s: %w", keyID, err)
	}
	return key, nil
}

// GetOrCreateKey returns the key stored under keyID, generating and storing
// a new one when absent.
func GetOrCreateKey(store Store, keyID string) ([]byte, error) {
	key, err := store.Get(keyID)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return GenerateKey(store, keyID)
}
