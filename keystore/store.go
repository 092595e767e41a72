// Package keystore provides symmetric key storage backed by the host's
// native secure-credential facility: the macOS Keychain, the Windows
// Credential Manager and the freedesktop Secret Service, plus a
// passphrase-sealed file vault for headless hosts and an in-memory store
// for tests. All backends are safe for concurrent use and never write key
// material to unencrypted application storage.
package keystore

import (
	"errors"
	"fmt"

	icrypto "southwinds.dev/sealog/internal/crypto"
)

// KeySize is the required symmetric key length in bytes (AES-256).
const KeySize = 32

// Sentinel errors returned by Store implementations. Backends wrap these so
// callers can classify failures with errors.Is.
var (
	// ErrNotFound indicates the requested key id has no stored key.
	ErrNotFound = errors.New("key not found")

	// ErrUnavailable indicates the credential facility cannot be reached.
	ErrUnavailable = errors.New("key store unavailable")

	// ErrPermission indicates the facility denied access.
	ErrPermission = errors.New("key store access denied")

	// ErrTimeout indicates a bounded retry or queued operation exceeded its deadline.
	ErrTimeout = errors.New("key store operation timed out")

	// ErrInvalidKeySize indicates key material of the wrong length was offered.
	ErrInvalidKeySize = fmt.Errorf("key must be exactly %d bytes", KeySize)

	// ErrWeakKey indicates key material with obviously insufficient entropy.
	ErrWeakKey = errors.New("key material has insufficient entropy")
)

// Store defines the capability contract over a secure-credential facility.
//
// Implementations must serialize access to any shared native handle or
// connection state internally; callers may invoke methods from multiple
// goroutines concurrently.
type Store interface {

	// Get retrieves the key stored under keyID.
	// Fails with ErrNotFound, ErrUnavailable, ErrPermission or ErrTimeout.
	Get(keyID string) ([]byte, error)

	// Put stores key under keyID, replacing any existing value (idempotent upsert).
	Put(keyID string, key []byte) error

	// Delete removes the key under keyID. Returns false (and no error) if
	// the key did not exist.
	Delete(keyID string) (bool, error)

	// Exists reports whether a key is stored under keyID.
	Exists(keyID string) (bool, error)

	// Probe reports whether the underlying facility is reachable.
	// It is side-effect free and never creates credentials.
	Probe() bool

	// Close releases any connection or worker resources held by the store.
	Close() error

	// GetType returns the backend identifier (e.g. "keychain", "wincred").
	GetType() string
}

// StoreType identifies a keystore backend.
type StoreType string

const (
	StoreTypeKeychain      StoreType = "keychain"
	StoreTypeWincred       StoreType = "wincred"
	StoreTypeSecretService StoreType = "secretservice"
	StoreTypeFile          StoreType = "file"
	StoreTypeMemory        StoreType = "memory"
)

// StoreConfig selects and configures a keystore backend.
type StoreConfig struct {
	// Type selects the backend. Empty means the platform default.
	Type StoreType `json:"type"`

	// Namespace overrides the derived installation namespace. Leave empty
	// to use the deterministic per-installation prefix.
	Namespace string `json:"namespace,omitempty"`

	// Path is the vault file location for the file backend.
	Path string `json:"path,omitempty"`

	// Passphrase seals the file backend. Never serialized.
	Passphrase string `json:"-"`
}

// NewStore creates a keystore backend from config.
func NewStore(config StoreConfig) (Store, error) {
	namespace := config.Namespace
	if namespace == "" {
		namespace = InstallationNamespace()
	}

	switch config.Type {
	case "":
		return newPlatformStore(namespace)
	case StoreTypeFile:
		if config.Path == "" {
			return nil, fmt.Errorf("file keystore requires 'path' in config")
		}
		if config.Passphrase == "" {
			return nil, fmt.Errorf("file keystore requires a passphrase")
		}
		return NewFileStore(config.Path, config.Passphrase, namespace)
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeKeychain, StoreTypeWincred, StoreTypeSecretService:
		store, err := newPlatformStore(namespace)
		if err != nil {
			return nil, err
		}
		if StoreType(store.GetType()) != config.Type {
			_ = store.Close()
			return nil, fmt.Errorf("keystore backend %q not available on this platform", config.Type)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported keystore type: %s", config.Type)
	}
}

// NewPlatformStore returns the native credential-facility backend for the
// current platform under the deterministic installation namespace.
func NewPlatformStore() (Store, error) {
	return newPlatformStore(InstallationNamespace())
}

func validateKey(key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("%w, got %d", ErrInvalidKeySize, len(key))
	}
	if icrypto.IsWeakKey(key) {
		return ErrWeakKey
	}
	return nil
}
