package keystore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"southwinds.dev/sealog/internal/crypto"
	"southwinds.dev/sealog/internal/fsutil"
	"southwinds.dev/sealog/internal/misc"
)

// FileStore implements Store as a passphrase-sealed vault file for hosts
// without a native credential facility (headless servers, CI). The vault is
// a JSON map of namespaced key ids to base64 key material, sealed as a whole
// with Argon2id + ChaCha20-Poly1305; key material never touches disk in the
// clear. Writes are atomic (write-then-rename).
type FileStore struct {
	path       string
	passphrase string
	namespace  string
	mu         sync.Mutex
}

// NewFileStore opens or creates a sealed vault file at path.
func NewFileStore(path, passphrase, namespace string) (*FileStore, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), misc.DirPermissions); err != nil {
		return nil, fmt.Errorf("%w: failed to create vault directory: %v", ErrUnavailable, err)
	}

	fs := &FileStore{path: path, passphrase: passphrase, namespace: namespace}

	// Fail fast on a wrong passphrase or corrupt vault
	if _, err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

// load reads and unseals the vault map. A missing file is an empty vault.
func (f *FileStore) load() (map[string]string, error) {
	sealed, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read vault file: %v", ErrUnavailable, err)
	}

	plaintext, err := crypto.OpenWithPassphrase(sealed, f.passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unseal vault (wrong passphrase or corrupt file): %v", ErrPermission, err)
	}

	var vault map[string]string
	if err = json.Unmarshal(plaintext, &vault); err != nil {
		return nil, fmt.Errorf("%w: corrupt vault contents: %v", ErrUnavailable, err)
	}
	return vault, nil
}

func (f *FileStore) save(vault map[string]string) error {
	plaintext, err := json.Marshal(vault)
	if err != nil {
		return fmt.Errorf("failed to marshal vault: %w", err)
	}

	sealed, err := crypto.SealWithPassphrase(plaintext, f.passphrase)
	if err != nil {
		return fmt.Errorf("failed to seal vault: %w", err)
	}

	if err = fsutil.WriteAtomic(f.path, sealed, misc.FilePermissions); err != nil {
		return fmt.Errorf("%w: failed to write vault file: %v", ErrUnavailable, err)
	}
	return nil
}

func (f *FileStore) Get(keyID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	vault, err := f.load()
	if err != nil {
		return nil, err
	}

	encoded, ok := vault[credentialName(f.namespace, keyID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, keyID)
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt key entry %s: %v", ErrUnavailable, keyID, err)
	}
	return key, nil
}

func (f *FileStore) Put(keyID string, key []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	vault, err := f.load()
	if err != nil {
		return err
	}

	vault[credentialName(f.namespace, keyID)] = base64.StdEncoding.EncodeToString(key)
	return f.save(vault)
}

func (f *FileStore) Delete(keyID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	vault, err := f.load()
	if err != nil {
		return false, err
	}

	name := credentialName(f.namespace, keyID)
	if _, ok := vault[name]; !ok {
		return false, nil
	}

	delete(vault, name)
	if err = f.save(vault); err != nil {
		return false, err
	}
	return true, nil
}

func (f *FileStore) Exists(keyID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	vault, err := f.load()
	if err != nil {
		return false, err
	}
	_, ok := vault[credentialName(f.namespace, keyID)]
	return ok, nil
}

func (f *FileStore) Probe() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, err := f.load()
	return err == nil
}

func (f *FileStore) Close() error { return nil }

func (f *FileStore) GetType() string { return string(StoreTypeFile) }
