//go:build linux

package keystore

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	libsecret "github.com/gsterjov/go-libsecret"
)

const defaultCollection = "login"

// SecretServiceStore implements Store on Linux over the freedesktop Secret
// Service D-Bus API. Keys are collection items labelled namespace-keyid with
// the raw 32-byte key as the secret value.
//
// Desktop keyrings may be locked and require an interactive unlock. Lock
// conditions are handed to a background worker that waits (bounded) for the
// session to unlock instead of failing immediately.
type SecretServiceStore struct {
	namespace  string
	collection string
	service    *libsecret.Service
	session    *libsecret.Session
	queue      *deferQueue
	mu         sync.Mutex
}

func newPlatformStore(namespace string) (Store, error) {
	service, err := libsecret.NewService()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to Secret Service: %v", ErrUnavailable, err)
	}

	session, err := service.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open Secret Service session: %v", ErrUnavailable, err)
	}

	return &SecretServiceStore{
		namespace:  namespace,
		collection: defaultCollection,
		service:    service,
		session:    session,
		queue:      newDeferQueue(),
	}, nil
}

func (s *SecretServiceStore) getCollection() (*libsecret.Collection, error) {
	collections, err := s.service.Collections()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list collections: %v", ErrUnavailable, err)
	}

	suffix := "/" + s.collection
	for i := range collections {
		if strings.HasSuffix(string(collections[i].Path()), suffix) {
			return &collections[i], nil
		}
	}

	created, err := s.service.CreateCollection(s.collection)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create collection %q: %v", ErrUnavailable, s.collection, err)
	}
	return created, nil
}

// withUnlocked runs op against the collection, deferring onto the queue
// worker when the collection is locked so the caller waits (bounded) for an
// interactive unlock instead of failing outright.
func (s *SecretServiceStore) withUnlocked(op func(col *libsecret.Collection) error) error {
	col, err := s.getCollection()
	if err != nil {
		return err
	}

	locked, err := col.Locked()
	if err != nil {
		return fmt.Errorf("%w: failed to query lock state: %v", ErrUnavailable, err)
	}

	if !locked {
		return op(col)
	}

	return s.queue.run(func() error {
		if err := s.service.Unlock(col); err != nil {
			return fmt.Errorf("%w: unlock failed: %v", errLocked, err)
		}
		return op(col)
	})
}

func (s *SecretServiceStore) findItem(col *libsecret.Collection, keyID string) (*libsecret.Item, error) {
	items, err := col.SearchItems(credentialName(s.namespace, keyID))
	if err != nil {
		return nil, fmt.Errorf("%w: item search failed: %v", ErrUnavailable, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, keyID)
	}
	return &items[0], nil
}

func (s *SecretServiceStore) Get(keyID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryOperation(func() ([]byte, error) {
		var key []byte
		err := s.withUnlocked(func(col *libsecret.Collection) error {
			item, err := s.findItem(col, keyID)
			if err != nil {
				return err
			}
			secret, err := item.GetSecret(s.session)
			if err != nil {
				return fmt.Errorf("%w: failed to read secret: %v", ErrUnavailable, err)
			}
			if len(secret.Value) == 0 {
				return fmt.Errorf("%w: %s is empty", ErrNotFound, keyID)
			}
			key = make([]byte, len(secret.Value))
			copy(key, secret.Value)
			return nil
		})
		return key, err
	})
}

func (s *SecretServiceStore) Put(keyID string, key []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := retryOperation(func() (struct{}, error) {
		err := s.withUnlocked(func(col *libsecret.Collection) error {
			secret := libsecret.NewSecret(s.session, []byte{}, key, "application/octet-stream")
			if _, err := col.CreateItem(credentialName(s.namespace, keyID), secret, true); err != nil {
				return fmt.Errorf("%w: failed to store item: %v", ErrUnavailable, err)
			}
			return nil
		})
		return struct{}{}, err
	})
	return err
}

func (s *SecretServiceStore) Delete(keyID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return retryOperation(func() (bool, error) {
		deleted := false
		err := s.withUnlocked(func(col *libsecret.Collection) error {
			item, err := s.findItem(col, keyID)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if err = item.Delete(); err != nil {
				return fmt.Errorf("%w: failed to delete item: %v", ErrUnavailable, err)
			}
			deleted = true
			return nil
		})
		return deleted, err
	})
}

func (s *SecretServiceStore) Exists(keyID string) (bool, error) {
	_, err := s.Get(keyID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SecretServiceStore) Probe() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.service.Collections()
	return err == nil
}

func (s *SecretServiceStore) Close() error {
	s.queue.close()
	return nil
}

func (s *SecretServiceStore) GetType() string { return string(StoreTypeSecretService) }
