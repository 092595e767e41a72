package persist

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newS3TestStore connects to the MinIO endpoint named by
// SEALOG_TEST_S3_ENDPOINT, skipping the test when none is configured.
func newS3TestStore(t *testing.T) *S3Store {
	t.Helper()
	endpoint := os.Getenv("SEALOG_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("SEALOG_TEST_S3_ENDPOINT not set, skipping S3 store tests")
	}

	store, err := NewS3Store(S3Config{
		Endpoint:        endpoint,
		AccessKeyID:     envOr("SEALOG_TEST_S3_ACCESS_KEY", "minioadmin"),
		SecretAccessKey: envOr("SEALOG_TEST_S3_SECRET_KEY", "minioadmin"),
		Bucket:          fmt.Sprintf("sealog-test-%d", time.Now().UnixNano()),
		KeyPrefix:       "test",
		UseSSL:          false,
	})
	require.NoError(t, err)
	return store
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func TestS3StoreRoundTrip(t *testing.T) {
	store := newS3TestStore(t)
	defer store.Close()

	data := []byte(`{"operation_id":"op1"}`)
	require.NoError(t, store.Save("op1", data))

	loaded, err := store.Load("op1")
	require.NoError(t, err)
	assert.Equal(t, data, loaded)

	ids, err := store.List()
	require.NoError(t, err)
	assert.Contains(t, ids, "op1")

	deleted, err := store.Delete("op1")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = store.Load("op1")
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err = store.Delete("op1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestS3StorePing(t *testing.T) {
	store := newS3TestStore(t)
	defer store.Close()

	assert.NoError(t, store.Ping())
	assert.Equal(t, string(StoreTypeS3), store.GetType())
}

func TestS3StoreFromConfigRejectsWrongType(t *testing.T) {
	_, err := NewS3StoreFromConfig(StoreConfig{Type: StoreTypeFileSystem})
	assert.Error(t, err)
}
