package sealog

import (
	"fmt"
	"sync"

	"github.com/awnumar/memguard"

	"southwinds.dev/sealog/keystore"
)

// CurrentKeyID is the well-known identifier of the active audit key.
const CurrentKeyID = "sealog-audit-key"

// legacyVersions are the version labels tried last when resolving a key
// for an entry of unknown generation.
var legacyVersions = []string{"1.0", "1.1", "legacy"}

// Resolver finds the key for an encrypted entry of unknown key generation.
// Retrieved keys are held in memguard enclaves, scoped to this resolver and
// invalidated only on explicit rotation events. A Resolver is safe for
// concurrent use.
type Resolver struct {
	store     keystore.Store
	currentID string
	legacy    []string
	mu        sync.Mutex
	cache     map[string]*memguard.Enclave
}

// NewResolver creates a resolver backed by the given key store, using the
// well-known current key id and the default legacy version labels.
func NewResolver(store keystore.Store) *Resolver {
	return NewResolverFor(store, CurrentKeyID, nil)
}

// NewResolverFor creates a resolver with an explicit current key id and,
// optionally, overridden legacy version labels.
func NewResolverFor(store keystore.Store, currentID string, legacy []string) *Resolver {
	if currentID == "" {
		currentID = CurrentKeyID
	}
	if len(legacy) == 0 {
		legacy = legacyVersions
	}
	return &Resolver{
		store:     store,
		currentID: currentID,
		legacy:    legacy,
		cache:     make(map[string]*memguard.Enclave),
	}
}

// ActiveKey returns the key under the current identifier.
// The caller owns the returned copy and should wipe it when done.
func (r *Resolver) ActiveKey() ([]byte, error) {
	return r.retrieve(r.currentID)
}

// KeyForVersion maps a version label to candidate key store identifiers and
// returns the first key that resolves.
func (r *Resolver) KeyForVersion(version string) ([]byte, error) {
	var lastErr error
	for _, keyID := range r.candidateKeyIDs(version) {
		key, err := r.retrieve(keyID)
		if err == nil {
			return key, nil
		}
		lastErr = err
	}
	return nil, wrapError(ErrorKindKey, lastErr,
		fmt.Sprintf("no key resolves for version %q", version))
}

// ResolveForEntry returns a key for the given entry together with the
// version label it resolved under: the active key first, then the entry's
// embedded version hint, then the fixed legacy labels.
//
// Resolution means the key was retrievable from the store, not that it
// authenticates the entry. Callers must still attempt decryption and treat
// an authentication failure as a hard failure rather than retrying further
// candidates.
func (r *Resolver) ResolveForEntry(entry *EncryptedEntry) ([]byte, string, error) {
	if key, err := r.ActiveKey(); err == nil {
		return key, "current", nil
	}

	tried := map[string]bool{}
	versions := make([]string, 0, len(r.legacy)+1)
	if entry.Version != "" {
		versions = append(versions, entry.Version)
	}
	versions = append(versions, r.legacy...)

	for _, version := range versions {
		if tried[version] {
			continue
		}
		tried[version] = true
		if key, err := r.KeyForVersion(version); err == nil {
			return key, version, nil
		}
	}
	return nil, "", newError(ErrorKindKey,
		fmt.Sprintf("no key resolves for entry version %q", entry.Version))
}

// InvalidateCache drops all cached keys. Call it after a rotation event so
// subsequent lookups hit the store again.
func (r *Resolver) InvalidateCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*memguard.Enclave)
}

// retrieve returns a copy of the key for keyID, fetching it from the store
// and caching it in an enclave on first use.
func (r *Resolver) retrieve(keyID string) ([]byte, error) {
	r.mu.Lock()
	enclave, cached := r.cache[keyID]
	r.mu.Unlock()

	if !cached {
		key, err := r.store.Get(keyID)
		if err != nil {
			return nil, err
		}
		// NewEnclave wipes the source slice.
		enclave = memguard.NewEnclave(key)
		r.mu.Lock()
		r.cache[keyID] = enclave
		r.mu.Unlock()
	}

	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("cannot open key enclave for %s: %w", keyID, err)
	}
	defer buf.Destroy()

	key := make([]byte, buf.Size())
	copy(key, buf.Bytes())
	return key, nil
}

// candidateKeyIDs expands a version label into the key store identifiers
// tried for it, in order.
func (r *Resolver) candidateKeyIDs(version string) []string {
	if version == "" || version == "current" || version == EntryVersion {
		return []string{r.currentID}
	}
	return []string{
		fmt.Sprintf("%s-v%s", r.currentID, version),
		fmt.Sprintf("%s-%s", r.currentID, version),
		r.currentID,
	}
}
