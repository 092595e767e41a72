//go:build windows

package keystore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/danieljoos/wincred"
	"golang.org/x/sys/windows"
)

// WincredStore implements Store on Windows using the Credential Manager.
// Keys are generic credentials in the current user vault: target name =
// namespace-keyid, blob = raw 32-byte key.
type WincredStore struct {
	namespace string
	mu        sync.Mutex
}

func newPlatformStore(namespace string) (Store, error) {
	store := &WincredStore{namespace: namespace}
	if !store.Probe() {
		return nil, fmt.Errorf("%w: Credential Manager not accessible", ErrUnavailable)
	}
	return store, nil
}

func (w *WincredStore) Get(keyID string) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return retryOperation(func() ([]byte, error) {
		cred, err := wincred.GetGenericCredential(credentialName(w.namespace, keyID))
		if err != nil {
			return nil, translateWincredError(err, keyID)
		}
		if len(cred.CredentialBlob) == 0 {
			return nil, fmt.Errorf("%w: %s is empty", ErrNotFound, keyID)
		}
		key := make([]byte, len(cred.CredentialBlob))
		copy(key, cred.CredentialBlob)
		return key, nil
	})
}

func (w *WincredStore) Put(keyID string, key []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := retryOperation(func() (struct{}, error) {
		cred := wincred.NewGenericCredential(credentialName(w.namespace, keyID))
		cred.CredentialBlob = key
		cred.Comment = "sealog audit encryption key: " + keyID
		cred.Persist = wincred.PersistLocalMachine

		if err := cred.Write(); err != nil {
			return struct{}{}, translateWincredError(err, keyID)
		}
		return struct{}{}, nil
	})
	return err
}

func (w *WincredStore) Delete(keyID string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return retryOperation(func() (bool, error) {
		cred, err := wincred.GetGenericCredential(credentialName(w.namespace, keyID))
		if err != nil {
			if isWincredNotFound(err) {
				return false, nil
			}
			return false, translateWincredError(err, keyID)
		}
		if err = cred.Delete(); err != nil {
			if isWincredNotFound(err) {
				return false, nil
			}
			return false, translateWincredError(err, keyID)
		}
		return true, nil
	})
}

func (w *WincredStore) Exists(keyID string) (bool, error) {
	_, err := w.Get(keyID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (w *WincredStore) Probe() bool {
	// Listing answers whether the vault is reachable without creating anything
	_, err := wincred.List()
	return err == nil || isWincredNotFound(err)
}

func (w *WincredStore) Close() error { return nil }

func (w *WincredStore) GetType() string { return string(StoreTypeWincred) }

func isWincredNotFound(err error) bool {
	return errors.Is(err, windows.ERROR_NOT_FOUND) || errors.Is(err, windows.ERROR_FILE_NOT_FOUND)
}

func translateWincredError(err error, keyID string) error {
	switch {
	case isWincredNotFound(err):
		return fmt.Errorf("%w: %s", ErrNotFound, keyID)
	case errors.Is(err, windows.ERROR_ACCESS_DENIED):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
