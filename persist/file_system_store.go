package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"southwinds.dev/sealog/internal/fsutil"
	"southwinds.dev/sealog/internal/misc"
)

const checkpointExt = ".checkpoint.json"

// FileSystemStore implements CheckpointStore on the local filesystem, one
// file per operation id. Writes go through a temp file and rename so a
// crashed save never leaves a truncated checkpoint behind.
type FileSystemStore struct {
	baseDir string
}

// NewFileSystemStore initializes a checkpoint store rooted at baseDir,
// creating the directory if needed.
func NewFileSystemStore(baseDir string) (*FileSystemStore, error) {
	if baseDir == "" {
		baseDir = DefaultCheckpointDir()
	}
	if err := os.MkdirAll(baseDir, misc.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory %s: %w", baseDir, err)
	}
	return &FileSystemStore{baseDir: baseDir}, nil
}

// DefaultCheckpointDir returns the platform scratch location used when no
// explicit base path is configured.
func DefaultCheckpointDir() string {
	return filepath.Join(os.TempDir(), "sealog-checkpoints")
}

func (fs *FileSystemStore) Save(operationID string, data []byte) error {
	if err := validateOperationID(operationID); err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("checkpoint data cannot be empty")
	}
	return fsutil.WriteAtomic(fs.path(operationID), data, misc.FilePermissions)
}

func (fs *FileSystemStore) Load(operationID string) ([]byte, error) {
	if err := validateOperationID(operationID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fs.path(operationID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", operationID, err)
	}
	return data, nil
}

func (fs *FileSystemStore) List() ([]string, error) {
	entries, err := os.ReadDir(fs.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, checkpointExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, checkpointExt))
	}
	sort.Strings(ids)
	return ids, nil
}

func (fs *FileSystemStore) Delete(operationID string) (bool, error) {
	if err := validateOperationID(operationID); err != nil {
		return false, err
	}
	if err := os.Remove(fs.path(operationID)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete checkpoint %s: %w", operationID, err)
	}
	return true, nil
}

func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.baseDir)
	return err
}

func (fs *FileSystemStore) Close() error {
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func (fs *FileSystemStore) path(operationID string) string {
	return filepath.Join(fs.baseDir, operationID+checkpointExt)
}
