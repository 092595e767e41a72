package keystore

import (
	"fmt"
	"sync"
)

// MemoryStore is a volatile Store for tests. It honors the same namespace
// and validation rules as the real backends.
type MemoryStore struct {
	namespace string
	keys      map[string][]byte
	mu        sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		namespace: InstallationNamespace(),
		keys:      make(map[string][]byte),
	}
}

func (m *MemoryStore) Get(keyID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.keys[credentialName(m.namespace, keyID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, keyID)
	}
	out := make([]byte, len(key))
	copy(out, key)
	return out, nil
}

func (m *MemoryStore) Put(keyID string, key []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(key))
	copy(stored, key)
	m.keys[credentialName(m.namespace, keyID)] = stored
	return nil
}

func (m *MemoryStore) Delete(keyID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := credentialName(m.namespace, keyID)
	if _, ok := m.keys[name]; !ok {
		return false, nil
	}
	delete(m.keys, name)
	return true, nil
}

func (m *MemoryStore) Exists(keyID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.keys[credentialName(m.namespace, keyID)]
	return ok, nil
}

func (m *MemoryStore) Probe() bool { return true }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) GetType() string { return string(StoreTypeMemory) }
