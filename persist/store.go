// Package persist provides durable checkpoint storage for re-encryption
// operations. One record is kept per operation id, addressable by that id,
// surviving process restarts. All writes are complete-or-nothing.
package persist

import "errors"

// ErrNotFound is returned when no checkpoint exists for an operation id.
var ErrNotFound = errors.New("checkpoint not found")

// CheckpointStore defines the interface for persisting serialized
// checkpoints. Implementations must never leave a partially written record
// visible to readers (write-then-rename or equivalent).
type CheckpointStore interface {

	// Save stores the serialized checkpoint for the given operation id,
	// replacing any previous record atomically.
	Save(operationID string, data []byte) error

	// Load retrieves the serialized checkpoint for the given operation id.
	// Returns ErrNotFound if no record exists.
	Load(operationID string) ([]byte, error)

	// List returns the operation ids of all stored checkpoints.
	List() ([]string, error)

	// Delete removes the checkpoint for the given operation id.
	// Returns:
	// - A boolean indicating whether a record was removed.
	// - An error if the operation fails.
	Delete(operationID string) (bool, error)

	// Ping tests the connectivity for remote backends.
	Ping() error

	// Close closes the store and releases any resources it holds.
	Close() error

	// GetType retrieves the type of store being used.
	GetType() string
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	// StoreTypeFileSystem keeps checkpoints in a directory under a
	// platform-appropriate scratch area.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeS3 keeps checkpoints in an S3-compatible bucket, so an
	// interrupted operation can be resumed from another host.
	StoreTypeS3 StoreType = "s3"
)

// StoreConfig provides configuration for the different storage backends.
// Type selects the backend; Config carries backend-specific settings, e.g.
// "base_path" for the filesystem store or "endpoint" and "bucket" for S3.
type StoreConfig struct {
	Type   StoreType              `json:"type"`
	Config map[string]interface{} `json:"config"`
}
