package sealog

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"southwinds.dev/sealog/keystore"
	"southwinds.dev/sealog/persist"
)

func newTestManager(t *testing.T, options Options, keys keystore.Store) *Manager {
	t.Helper()
	checkpoints, err := persist.NewFileSystemStore(filepath.Join(t.TempDir(), "checkpoints"))
	if err != nil {
		t.Fatalf("Failed to create checkpoint store: %v", err)
	}
	manager, err := NewManager(options, keys, checkpoints, nil)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestManagerEncryptDecryptRoundTrip(t *testing.T) {
	manager := newTestManager(t, Options{}, keystore.NewMemoryStore())

	record := Record{"event": "login", "user": "alice"}
	entry, err := manager.EncryptRecord(record)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}
	if entry.Version != EntryVersion {
		t.Errorf("Expected version %s, got %s", EntryVersion, entry.Version)
	}

	decrypted, err := manager.DecryptRecord(entry)
	if err != nil {
		t.Fatalf("Failed to decrypt: %v", err)
	}
	if decrypted["event"] != "login" || decrypted["user"] != "alice" {
		t.Errorf("Unexpected decrypted record: %v", decrypted)
	}
}

func TestManagerCreatesActiveKeyOnFirstUse(t *testing.T) {
	keys := keystore.NewMemoryStore()
	manager := newTestManager(t, Options{KeyID: "fresh-key"}, keys)

	exists, err := keys.Exists("fresh-key")
	if err != nil {
		t.Fatalf("Failed to check key: %v", err)
	}
	if exists {
		t.Fatal("Key should not exist before first encryption")
	}

	if _, err = manager.EncryptRecord(Record{"event": "x"}); err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}
	if exists, err = keys.Exists("fresh-key"); err != nil || !exists {
		t.Errorf("Expected the active key to be created on first use, exists=%v err=%v", exists, err)
	}
}

func TestManagerRotateLog(t *testing.T) {
	keys := keystore.NewMemoryStore()
	retiringKey, err := keystore.GenerateKey(keys, "audit-retired")
	if err != nil {
		t.Fatalf("Failed to generate retiring key: %v", err)
	}
	if _, err = keystore.GenerateKey(keys, "audit-active"); err != nil {
		t.Fatalf("Failed to generate active key: %v", err)
	}
	retiring, err := NewCipher(retiringKey)
	if err != nil {
		t.Fatalf("Failed to create cipher: %v", err)
	}

	var lines []string
	for i := 0; i < 10; i++ {
		entry, err := retiring.EncryptEntry(Record{"event": "access", "seq": float64(i)})
		if err != nil {
			t.Fatalf("Failed to encrypt fixture entry: %v", err)
		}
		data, err := entry.Marshal()
		if err != nil {
			t.Fatalf("Failed to marshal fixture entry: %v", err)
		}
		lines = append(lines, string(data))
	}
	path := filepath.Join(t.TempDir(), "audit.log")
	if err = os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("Failed to write fixture log: %v", err)
	}

	manager := newTestManager(t, Options{KeyID: "audit-active", BatchSize: 4}, keys)
	result, err := manager.RotateLog(context.Background(), path, "audit-retired", "audit-active")
	if err != nil {
		t.Fatalf("Rotation failed: %v", err)
	}
	if result.Status != StatusCompleted || result.TotalEntries != 10 {
		t.Fatalf("Unexpected result: status=%s total=%d", result.Status, result.TotalEntries)
	}

	// rotated entries open through the manager's resolver
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open rotated log: %v", err)
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		entry, err := ParseEntry(scanner.Bytes())
		if err != nil {
			t.Fatalf("Failed to parse rotated line: %v", err)
		}
		if _, err = manager.DecryptRecord(entry); err != nil {
			t.Fatalf("Rotated entry doesn't decrypt: %v", err)
		}
	}

	checkpoints, err := manager.ListCheckpoints()
	if err != nil {
		t.Fatalf("Failed to list checkpoints: %v", err)
	}
	if len(checkpoints) != 1 || checkpoints[0].OperationID != result.OperationID {
		t.Errorf("Expected one checkpoint for %s, got %d", result.OperationID, len(checkpoints))
	}
	if checkpoints[0].Status != StatusCompleted {
		t.Errorf("Expected completed checkpoint, got %s", checkpoints[0].Status)
	}
}

func TestManagerRequiresKeyStore(t *testing.T) {
	if _, err := NewManager(Options{}, nil, nil, nil); err == nil {
		t.Fatal("Expected an error without a key store")
	}
}

func TestManagerRejectsInvalidOptions(t *testing.T) {
	_, err := NewManager(Options{BatchSize: -1}, keystore.NewMemoryStore(), nil, nil)
	if err == nil {
		t.Fatal("Expected an error for a negative batch size")
	}
}

func TestManagerClosed(t *testing.T) {
	manager := newTestManager(t, Options{}, keystore.NewMemoryStore())
	if err := manager.Close(); err != nil {
		t.Fatalf("Failed to close manager: %v", err)
	}
	// closing twice is fine
	if err := manager.Close(); err != nil {
		t.Fatalf("Second close failed: %v", err)
	}

	if _, err := manager.EncryptRecord(Record{"event": "x"}); err == nil {
		t.Error("Expected encryption on a closed manager to fail")
	}
	if _, err := manager.ValidateLog("anything"); err == nil {
		t.Error("Expected validation on a closed manager to fail")
	}
}
