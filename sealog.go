// Package sealog manages the lifecycle of an append-only, per-entry
// encrypted audit log: authenticated encryption of individual entries,
// storage of the symmetric keys in the host's native secure-credential
// facility, re-encryption of an entire log when a key is rotated, and
// recovery decryption of logs written under several key generations.
package sealog

import (
	"context"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"

	"southwinds.dev/sealog/audit"
	"southwinds.dev/sealog/keystore"
	"southwinds.dev/sealog/persist"
)

// Initialize memguard before any lifecycle operation
func init() {
	memguard.CatchInterrupt()
}

// Service is the interface the lifecycle core exposes to its callers (CLI,
// audit writer). Callers supply plaintext records and consume results; they
// never see key material.
type Service interface {
	// EncryptRecord seals one plaintext record under the active key.
	EncryptRecord(record Record) (*EncryptedEntry, error)

	// DecryptRecord opens one entry, resolving its key generation as needed.
	DecryptRecord(entry *EncryptedEntry) (Record, error)

	// RotateLog re-encrypts the log at path from the retiring key to the
	// active key, in crash-recoverable batches with a final atomic swap.
	RotateLog(ctx context.Context, path, retiringKeyID, activeKeyID string) (*Result, error)

	// ResumeRotation continues an interrupted rotation from its last
	// completed batch.
	ResumeRotation(ctx context.Context, operationID string) (*Result, error)

	// RecoverLog streams decrypted records from the log at path into sink.
	RecoverLog(ctx context.Context, path string, sink func(Record) error) (*RecoveryResult, error)

	// RecoverLogToFile streams decrypted records into a JSONL file.
	RecoverLogToFile(ctx context.Context, sourcePath, targetPath string) (*RecoveryResult, error)

	// ValidateLog scores what fraction of the log at path looks recoverable.
	ValidateLog(path string) (*IntegrityReport, error)

	// ListCheckpoints returns all stored rotation checkpoints.
	ListCheckpoints() ([]*Checkpoint, error)

	// Close releases the key store, checkpoint store and audit logger.
	Close() error
}

// Manager is the Service implementation tying the cipher, key store,
// resolver, re-encryption engine and recovery pipeline together.
type Manager struct {
	options     Options
	keys        keystore.Store
	checkpoints persist.CheckpointStore
	resolver    *Resolver
	engine      *Engine
	recoverer   *Recoverer
	auditor     audit.Logger

	mu     sync.Mutex
	active *Cipher // lazily built from the active key, dropped on rotation
	closed bool
}

// NewManager creates a lifecycle manager over the given key store. The
// active key is created on first use if it does not exist yet. A nil
// checkpoint store defaults to the filesystem store under the platform
// scratch directory; a nil audit logger is built from options.AuditConfig.
func NewManager(options Options, keys keystore.Store, checkpoints persist.CheckpointStore, auditLogger audit.Logger) (*Manager, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	options = options.withDefaults()

	if keys == nil {
		return nil, fmt.Errorf("key store is required")
	}

	if checkpoints == nil {
		var err error
		if checkpoints, err = persist.NewFileSystemStore(""); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
		}
	}
	if err := checkpoints.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to checkpoint store: %w", err)
	}

	if auditLogger == nil {
		var err error
		if auditLogger, err = audit.NewLogger(options.AuditConfig); err != nil {
			return nil, fmt.Errorf("failed to create audit logger: %w", err)
		}
	}

	resolver := NewResolverFor(keys, options.KeyID, options.LegacyKeyVersions)

	m := &Manager{
		options:     options,
		keys:        keys,
		checkpoints: checkpoints,
		resolver:    resolver,
		engine:      NewEngine(keys, checkpoints, auditLogger, options),
		recoverer:   NewRecoverer(resolver, auditLogger),
		auditor:     auditLogger,
	}

	_ = auditLogger.Log("MANAGER_OPEN", true, map[string]interface{}{
		"key_id":           options.KeyID,
		"keystore_type":    keys.GetType(),
		"checkpoint_store": checkpoints.GetType(),
	})
	return m, nil
}

// EncryptRecord seals one record under the active key, creating the key on
// first use.
func (m *Manager) EncryptRecord(record Record) (*EncryptedEntry, error) {
	cipher, err := m.activeCipher()
	if err != nil {
		return nil, err
	}
	entry, err := cipher.EncryptEntry(record)
	if err != nil {
		_ = m.auditor.Log("RECORD_ENCRYPT", false, map[string]interface{}{
			"key_id": m.options.KeyID,
			"error":  err.Error(),
		})
		return nil, err
	}
	return entry, nil
}

// DecryptRecord opens one entry. The key is resolved through the rotation
// resolver, so entries written under retired key generations still open;
// an authentication failure is hard and reported as an integrity error.
func (m *Manager) DecryptRecord(entry *EncryptedEntry) (Record, error) {
	key, _, err := m.resolver.ResolveForEntry(entry)
	if err != nil {
		return nil, err
	}
	cipher, err := NewCipher(key)
	memguard.WipeBytes(key)
	if err != nil {
		return nil, err
	}
	return cipher.DecryptEntry(entry)
}

// RotateLog runs a full re-encryption of the log at path and invalidates
// the resolver's key cache afterwards.
func (m *Manager) RotateLog(ctx context.Context, path, retiringKeyID, activeKeyID string) (*Result, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	result, err := m.engine.Run(ctx, path, retiringKeyID, activeKeyID)
	m.invalidateKeys()
	return result, err
}

// ResumeRotation continues an interrupted rotation. Resuming a completed
// operation is a no-op that still reports success.
func (m *Manager) ResumeRotation(ctx context.Context, operationID string) (*Result, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	result, err := m.engine.Resume(ctx, operationID)
	m.invalidateKeys()
	return result, err
}

func (m *Manager) RecoverLog(ctx context.Context, path string, sink func(Record) error) (*RecoveryResult, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return m.recoverer.Recover(ctx, path, sink)
}

func (m *Manager) RecoverLogToFile(ctx context.Context, sourcePath, targetPath string) (*RecoveryResult, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return m.recoverer.RecoverToFile(ctx, sourcePath, targetPath)
}

func (m *Manager) ValidateLog(path string) (*IntegrityReport, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return m.recoverer.ValidateIntegrity(path)
}

// ListCheckpoints loads every stored rotation checkpoint, newest last.
func (m *Manager) ListCheckpoints() ([]*Checkpoint, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := m.checkpoints.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	checkpoints := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		data, err := m.checkpoints.Load(id)
		if err != nil {
			return nil, fmt.Errorf("failed to load checkpoint %s: %w", id, err)
		}
		checkpoint, err := UnmarshalCheckpoint(data)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, checkpoint)
	}
	return checkpoints, nil
}

// Close releases the stores and the audit trail. The manager cannot be used
// afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.active = nil
	m.resolver.InvalidateCache()

	_ = m.auditor.Log("MANAGER_CLOSE", true, nil)

	var firstErr error
	if err := m.checkpoints.Close(); err != nil {
		firstErr = err
	}
	if err := m.keys.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.auditor.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// activeCipher returns the cipher for the active key, building it on first
// use and creating the key if the store has none.
func (m *Manager) activeCipher() (*Cipher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("manager is closed")
	}
	if m.active != nil {
		return m.active, nil
	}

	key, err := keystore.GetOrCreateKey(m.keys, m.options.KeyID)
	if err != nil {
		return nil, wrapError(ErrorKindKey, err,
			fmt.Sprintf("active key %s is not available", m.options.KeyID))
	}
	cipher, err := NewCipher(key)
	memguard.WipeBytes(key)
	if err != nil {
		return nil, err
	}
	m.active = cipher
	return cipher, nil
}

// invalidateKeys drops every cached key after a rotation event.
func (m *Manager) invalidateKeys() {
	m.mu.Lock()
	m.active = nil
	m.mu.Unlock()
	m.resolver.InvalidateCache()
}

func (m *Manager) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("manager is closed")
	}
	return nil
}

var _ Service = (*Manager)(nil)
