//go:build darwin

package keystore

import (
	"errors"
	"fmt"
	"sync"

	keychain "github.com/99designs/go-keychain"
)

// KeychainStore implements Store on macOS using the system Keychain.
// Keys are generic password items: service = installation namespace,
// account = key id, data = raw 32-byte key.
type KeychainStore struct {
	namespace string
	mu        sync.Mutex
}

func newPlatformStore(namespace string) (Store, error) {
	store := &KeychainStore{namespace: namespace}
	if !store.Probe() {
		return nil, fmt.Errorf("%w: macOS Keychain not accessible", ErrUnavailable)
	}
	return store, nil
}

func (k *KeychainStore) Get(keyID string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	return retryOperation(func() ([]byte, error) {
		query := keychain.NewItem()
		query.SetSecClass(keychain.SecClassGenericPassword)
		query.SetService(k.namespace)
		query.SetAccount(keyID)
		query.SetMatchLimit(keychain.MatchLimitOne)
		query.SetReturnData(true)

		results, err := keychain.QueryItem(query)
		if err != nil {
			return nil, translateKeychainError(err, keyID)
		}
		if len(results) == 0 || len(results[0].Data) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, keyID)
		}
		return results[0].Data, nil
	})
}

func (k *KeychainStore) Put(keyID string, key []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	_, err := retryOperation(func() (struct{}, error) {
		item := keychain.NewItem()
		item.SetSecClass(keychain.SecClassGenericPassword)
		item.SetService(k.namespace)
		item.SetAccount(keyID)
		item.SetLabel(credentialName(k.namespace, keyID))
		item.SetData(key)
		item.SetAccessible(keychain.AccessibleWhenUnlocked)
		item.SetSynchronizable(keychain.SynchronizableNo)

		err := keychain.AddItem(item)
		if errors.Is(err, keychain.ErrorDuplicateItem) {
			// Upsert: replace the stored key material
			query := keychain.NewItem()
			query.SetSecClass(keychain.SecClassGenericPassword)
			query.SetService(k.namespace)
			query.SetAccount(keyID)

			update := keychain.NewItem()
			update.SetData(key)
			err = keychain.UpdateItem(query, update)
		}
		if err != nil {
			return struct{}{}, translateKeychainError(err, keyID)
		}
		return struct{}{}, nil
	})
	return err
}

func (k *KeychainStore) Delete(keyID string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	return retryOperation(func() (bool, error) {
		err := keychain.DeleteGenericPasswordItem(k.namespace, keyID)
		if errors.Is(err, keychain.ErrorItemNotFound) {
			return false, nil
		}
		if err != nil {
			return false, translateKeychainError(err, keyID)
		}
		return true, nil
	})
}

func (k *KeychainStore) Exists(keyID string) (bool, error) {
	_, err := k.Get(keyID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (k *KeychainStore) Probe() bool {
	// Side-effect free: query for an item that cannot exist and check the
	// keychain answered at all.
	query := keychain.NewItem()
	query.SetSecClass(keychain.SecClassGenericPassword)
	query.SetService(k.namespace)
	query.SetAccount("sealog-probe-nonexistent")
	query.SetMatchLimit(keychain.MatchLimitOne)

	_, err := keychain.QueryItem(query)
	return err == nil || errors.Is(err, keychain.ErrorItemNotFound)
}

func (k *KeychainStore) Close() error { return nil }

func (k *KeychainStore) GetType() string { return string(StoreTypeKeychain) }

func translateKeychainError(err error, keyID string) error {
	switch {
	case errors.Is(err, keychain.ErrorItemNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, keyID)
	case errors.Is(err, keychain.ErrorAuthFailed),
		errors.Is(err, keychain.ErrorInteractionNotAllowed):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
