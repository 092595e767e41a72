package sealog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	icrypto "southwinds.dev/sealog/internal/crypto"
	"southwinds.dev/sealog/keystore"
	"southwinds.dev/sealog/persist"
)

const (
	testRetiringKeyID = "audit-key-old"
	testActiveKeyID   = "audit-key-new"
)

// rotationFixture wires an engine against a memory key store and a
// filesystem checkpoint store rooted in a test temp dir.
type rotationFixture struct {
	keys        keystore.Store
	checkpoints persist.CheckpointStore
	engine      *Engine
	retiring    *Cipher
	active      *Cipher
	dir         string
}

func newRotationFixture(t *testing.T, opts Options) *rotationFixture {
	t.Helper()
	keys := keystore.NewMemoryStore()
	retiringKey, err := keystore.GenerateKey(keys, testRetiringKeyID)
	if err != nil {
		t.Fatalf("Failed to generate retiring key: %v", err)
	}
	activeKey, err := keystore.GenerateKey(keys, testActiveKeyID)
	if err != nil {
		t.Fatalf("Failed to generate active key: %v", err)
	}
	retiring, err := NewCipher(retiringKey)
	if err != nil {
		t.Fatalf("Failed to create retiring cipher: %v", err)
	}
	active, err := NewCipher(activeKey)
	if err != nil {
		t.Fatalf("Failed to create active cipher: %v", err)
	}

	dir := t.TempDir()
	checkpoints, err := persist.NewFileSystemStore(filepath.Join(dir, "checkpoints"))
	if err != nil {
		t.Fatalf("Failed to create checkpoint store: %v", err)
	}
	return &rotationFixture{
		keys:        keys,
		checkpoints: checkpoints,
		engine:      NewEngine(keys, checkpoints, nil, opts),
		retiring:    retiring,
		active:      active,
		dir:         dir,
	}
}

// writeLog writes count entries encrypted under the retiring key, plus any
// extra verbatim lines, and returns the log path.
func (f *rotationFixture) writeLog(t *testing.T, count int, extra ...string) string {
	t.Helper()
	var lines []string
	for i := 0; i < count; i++ {
		entry, err := f.retiring.EncryptEntry(Record{"event": "login", "seq": float64(i)})
		if err != nil {
			t.Fatalf("Failed to encrypt fixture entry: %v", err)
		}
		data, err := entry.Marshal()
		if err != nil {
			t.Fatalf("Failed to marshal fixture entry: %v", err)
		}
		lines = append(lines, string(data))
	}
	lines = append(lines, extra...)

	var content string
	if len(lines) > 0 {
		content = strings.Join(lines, "\n") + "\n"
	}
	path := filepath.Join(f.dir, "audit.log")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write fixture log: %v", err)
	}
	return path
}

// assertDecryptsWith checks every encrypted line of the log against the
// given cipher and returns the line count.
func assertDecryptsWith(t *testing.T, path string, cipher *Cipher) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	var n int
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		n++
		if !LooksEncrypted([]byte(line)) {
			continue
		}
		entry, err := ParseEntry([]byte(line))
		if err != nil {
			t.Fatalf("Failed to parse line %d: %v", n, err)
		}
		if _, err = cipher.DecryptEntry(entry); err != nil {
			t.Fatalf("Line %d doesn't decrypt under expected key: %v", n, err)
		}
	}
	return n
}

func TestRotationEndToEnd(t *testing.T) {
	fixture := newRotationFixture(t, Options{BatchSize: 7, CheckpointInterval: 2})
	sourcePath := fixture.writeLog(t, 25)

	result, err := fixture.engine.Run(context.Background(), sourcePath, testRetiringKeyID, testActiveKeyID)
	if err != nil {
		t.Fatalf("Rotation failed: %v", err)
	}
	if !result.Success || result.Status != StatusCompleted {
		t.Fatalf("Expected completed rotation, got success=%v status=%s", result.Success, result.Status)
	}
	if result.TotalEntries != 25 || result.ProcessedEntries != 25 || result.FailedEntries != 0 {
		t.Errorf("Unexpected counts: total=%d processed=%d failed=%d",
			result.TotalEntries, result.ProcessedEntries, result.FailedEntries)
	}
	if !result.IntegrityVerified {
		t.Error("Expected integrity to be verified")
	}
	if result.BatchesProcessed != 4 {
		t.Errorf("Expected 4 batches for 25 entries at size 7, got %d", result.BatchesProcessed)
	}

	if got := assertDecryptsWith(t, sourcePath, fixture.active); got != 25 {
		t.Errorf("Expected 25 lines after rotation, got %d", got)
	}

	backupPath := fmt.Sprintf("%s.backup.%s", sourcePath, result.OperationID)
	if _, err = os.Stat(backupPath); err != nil {
		t.Fatalf("Expected backup after swap: %v", err)
	}
	if got := assertDecryptsWith(t, backupPath, fixture.retiring); got != 25 {
		t.Errorf("Expected 25 original lines in backup, got %d", got)
	}

	// the checkpoint records the verified checksum of the backup copy
	data, err := fixture.checkpoints.Load(result.OperationID)
	if err != nil {
		t.Fatalf("Failed to load checkpoint: %v", err)
	}
	checkpoint, err := UnmarshalCheckpoint(data)
	if err != nil {
		t.Fatalf("Failed to parse checkpoint: %v", err)
	}
	backup, err := os.ReadFile(backupPath)
	if err != nil {
		t.Fatalf("Failed to read backup: %v", err)
	}
	if got, want := checkpoint.Metadata["backup_checksum"], icrypto.CalculateChecksum(backup); got != want {
		t.Errorf("Expected backup checksum %s, got %q", want, got)
	}

	// scratch target is removed during cleanup
	if _, err = os.Stat(fmt.Sprintf("%s.reencrypt.%s", sourcePath, result.OperationID)); !os.IsNotExist(err) {
		t.Error("Expected scratch target to be removed")
	}
}

func TestRotationPassThrough(t *testing.T) {
	fixture := newRotationFixture(t, Options{BatchSize: 10})

	// a tampered entry fails the transform and passes through unchanged
	entry, err := fixture.retiring.EncryptEntry(Record{"event": "tampered"})
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}
	entry.Ciphertext = entry.Tag
	tampered, err := entry.Marshal()
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	plaintext := `{"event":"legacy","user":"bob"}`
	sourcePath := fixture.writeLog(t, 3, plaintext, "", string(tampered))

	result, err := fixture.engine.Run(context.Background(), sourcePath, testRetiringKeyID, testActiveKeyID)
	if err != nil {
		t.Fatalf("Rotation failed: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("Expected completed status, got %s", result.Status)
	}
	if result.TotalEntries != 6 {
		t.Errorf("Expected 6 total lines, got %d", result.TotalEntries)
	}
	if result.FailedEntries != 1 {
		t.Errorf("Expected 1 failed entry, got %d", result.FailedEntries)
	}

	data, err := os.ReadFile(sourcePath)
	if err != nil {
		t.Fatalf("Failed to read rotated log: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, plaintext) {
		t.Error("Plaintext line was not copied verbatim")
	}
	if !strings.Contains(content, string(tampered)) {
		t.Error("Untransformable line was not preserved")
	}
}

func TestRotationMissingKeyLeavesSourceUntouched(t *testing.T) {
	fixture := newRotationFixture(t, Options{})
	sourcePath := fixture.writeLog(t, 5)
	original, err := os.ReadFile(sourcePath)
	if err != nil {
		t.Fatalf("Failed to read fixture log: %v", err)
	}

	result, err := fixture.engine.Run(context.Background(), sourcePath, "no-such-key", testActiveKeyID)
	if err == nil {
		t.Fatal("Expected rotation to fail on a missing retiring key")
	}
	if KindOf(err) != ErrorKindKey {
		t.Errorf("Expected key error, got kind %s: %v", KindOf(err), err)
	}
	if result.Success || result.Status != StatusFailed {
		t.Errorf("Expected failed result, got success=%v status=%s", result.Success, result.Status)
	}

	after, err := os.ReadFile(sourcePath)
	if err != nil {
		t.Fatalf("Failed to re-read log: %v", err)
	}
	if string(after) != string(original) {
		t.Error("Source log changed despite a failed rotation")
	}
}

// corruptingStore flips a byte in the scratch target right before the
// verification phase starts, simulating silent write corruption.
type corruptingStore struct {
	persist.CheckpointStore
	t         *testing.T
	corrupted bool
}

func (c *corruptingStore) Save(operationID string, data []byte) error {
	checkpoint, err := UnmarshalCheckpoint(data)
	if err == nil && checkpoint.Phase == PhaseIntegrityVerification && !c.corrupted {
		c.corrupted = true
		raw, err := os.ReadFile(checkpoint.TargetPath)
		if err != nil {
			c.t.Fatalf("Failed to read scratch target: %v", err)
		}
		raw[0] ^= 0x01
		if err = os.WriteFile(checkpoint.TargetPath, raw, 0o600); err != nil {
			c.t.Fatalf("Failed to corrupt scratch target: %v", err)
		}
	}
	return c.CheckpointStore.Save(operationID, data)
}

func TestRotationCorruptionAbortsBeforeSwap(t *testing.T) {
	fixture := newRotationFixture(t, Options{BatchSize: 5})
	sourcePath := fixture.writeLog(t, 12)
	original, err := os.ReadFile(sourcePath)
	if err != nil {
		t.Fatalf("Failed to read fixture log: %v", err)
	}

	engine := NewEngine(fixture.keys,
		&corruptingStore{CheckpointStore: fixture.checkpoints, t: t},
		nil, Options{BatchSize: 5})

	result, err := engine.Run(context.Background(), sourcePath, testRetiringKeyID, testActiveKeyID)
	if err == nil {
		t.Fatal("Expected rotation to fail on a corrupted scratch target")
	}
	if KindOf(err) != ErrorKindIntegrity {
		t.Errorf("Expected integrity error, got kind %s: %v", KindOf(err), err)
	}
	if result.Status != StatusFailed {
		t.Errorf("Expected failed status, got %s", result.Status)
	}

	after, err := os.ReadFile(sourcePath)
	if err != nil {
		t.Fatalf("Failed to re-read log: %v", err)
	}
	if string(after) != string(original) {
		t.Error("Source log changed despite a failed verification")
	}
}

// interruptingStore cancels the run's context once the first completed
// batch has been checkpointed, simulating an external kill mid-operation.
type interruptingStore struct {
	persist.CheckpointStore
	cancel    context.CancelFunc
	triggered bool
}

func (i *interruptingStore) Save(operationID string, data []byte) error {
	if err := i.CheckpointStore.Save(operationID, data); err != nil {
		return err
	}
	checkpoint, err := UnmarshalCheckpoint(data)
	if err == nil && !i.triggered && checkpoint.Phase == PhaseBatchProcessing && len(checkpoint.Batches) > 0 {
		i.triggered = true
		i.cancel()
	}
	return nil
}

func TestRotationInterruptAndResume(t *testing.T) {
	fixture := newRotationFixture(t, Options{BatchSize: 4, CheckpointInterval: 1})
	sourcePath := fixture.writeLog(t, 20)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine := NewEngine(fixture.keys,
		&interruptingStore{CheckpointStore: fixture.checkpoints, cancel: cancel},
		nil, Options{BatchSize: 4, CheckpointInterval: 1})

	result, err := engine.Run(ctx, sourcePath, testRetiringKeyID, testActiveKeyID)
	if err == nil {
		t.Fatal("Expected the interrupted rotation to report an error")
	}
	if KindOf(err) != ErrorKindTimeout {
		t.Errorf("Expected timeout error, got kind %s: %v", KindOf(err), err)
	}
	if result.ProcessedEntries == 0 || result.ProcessedEntries >= 20 {
		t.Fatalf("Expected a partial run, got %d processed entries", result.ProcessedEntries)
	}

	resumed, err := fixture.engine.Resume(context.Background(), result.OperationID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if resumed.Status != StatusCompleted {
		t.Fatalf("Expected completed resume, got %s", resumed.Status)
	}
	if resumed.TotalEntries != 20 || resumed.ProcessedEntries != 20 {
		t.Errorf("Unexpected counts after resume: total=%d processed=%d",
			resumed.TotalEntries, resumed.ProcessedEntries)
	}

	if got := assertDecryptsWith(t, sourcePath, fixture.active); got != 20 {
		t.Errorf("Expected 20 lines after resume, got %d", got)
	}
}

func TestResumeCompletedOperationIsNoOp(t *testing.T) {
	fixture := newRotationFixture(t, Options{BatchSize: 10})
	sourcePath := fixture.writeLog(t, 8)

	first, err := fixture.engine.Run(context.Background(), sourcePath, testRetiringKeyID, testActiveKeyID)
	if err != nil {
		t.Fatalf("Rotation failed: %v", err)
	}
	rotated, err := os.ReadFile(sourcePath)
	if err != nil {
		t.Fatalf("Failed to read rotated log: %v", err)
	}

	second, err := fixture.engine.Resume(context.Background(), first.OperationID)
	if err != nil {
		t.Fatalf("Resume of a completed operation failed: %v", err)
	}
	if !second.Success || second.Status != StatusCompleted {
		t.Errorf("Expected a completed no-op, got success=%v status=%s", second.Success, second.Status)
	}
	if second.TotalEntries != first.TotalEntries || second.ProcessedEntries != first.ProcessedEntries {
		t.Errorf("Resume reported different counts: total=%d processed=%d",
			second.TotalEntries, second.ProcessedEntries)
	}

	after, err := os.ReadFile(sourcePath)
	if err != nil {
		t.Fatalf("Failed to re-read log: %v", err)
	}
	if string(after) != string(rotated) {
		t.Error("Resuming a completed operation modified the log")
	}
}

func TestResumeUnknownOperation(t *testing.T) {
	fixture := newRotationFixture(t, Options{})
	_, err := fixture.engine.Resume(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatal("Expected resume of an unknown operation to fail")
	}
	if KindOf(err) != ErrorKindIO {
		t.Errorf("Expected io error, got kind %s: %v", KindOf(err), err)
	}
}

func TestRotationEmptyLog(t *testing.T) {
	fixture := newRotationFixture(t, Options{})
	sourcePath := fixture.writeLog(t, 0)

	result, err := fixture.engine.Run(context.Background(), sourcePath, testRetiringKeyID, testActiveKeyID)
	if err != nil {
		t.Fatalf("Rotation of an empty log failed: %v", err)
	}
	if result.Status != StatusCompleted || result.TotalEntries != 0 {
		t.Errorf("Expected a completed empty rotation, got status=%s total=%d",
			result.Status, result.TotalEntries)
	}
}
