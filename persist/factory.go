package persist

import (
	"fmt"
	"strings"
)

// NewStore factory function to create checkpoint storage backends
func NewStore(config StoreConfig) (CheckpointStore, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		basePath, _ := config.Config["base_path"].(string)
		return NewFileSystemStore(basePath)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateOperationID guards against path traversal through operation ids,
// which become file names and object keys.
func validateOperationID(operationID string) error {
	if operationID == "" {
		return fmt.Errorf("operation ID cannot be empty")
	}

	if strings.Contains(operationID, "..") ||
		strings.Contains(operationID, "/") ||
		strings.Contains(operationID, "\\") ||
		strings.Contains(operationID, " ") {
		return fmt.Errorf("operation ID contains invalid characters")
	}

	if len(operationID) > 100 {
		return fmt.Errorf("operation ID too long (max 100 characters)")
	}

	return nil
}
