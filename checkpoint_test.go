package sealog

import (
	"testing"
	"time"
)

func TestCheckpointLifecycle(t *testing.T) {
	checkpoint := NewCheckpoint("op123", "/var/log/audit.log", "old-key", "new-key")
	if checkpoint.Phase != PhaseInitialization {
		t.Errorf("Expected phase %s, got %s", PhaseInitialization, checkpoint.Phase)
	}
	if checkpoint.Status != StatusPending {
		t.Errorf("Expected status %s, got %s", StatusPending, checkpoint.Status)
	}
	if checkpoint.TargetPath != "/var/log/audit.log.reencrypt.op123" {
		t.Errorf("Unexpected target path: %s", checkpoint.TargetPath)
	}
	if checkpoint.IsTerminal() {
		t.Error("Fresh checkpoint should not be terminal")
	}

	checkpoint.Transition(PhaseBatchProcessing)
	if checkpoint.Status != StatusInProgress {
		t.Errorf("Expected status %s after transition, got %s", StatusInProgress, checkpoint.Status)
	}

	checkpoint.Complete()
	if !checkpoint.IsTerminal() {
		t.Error("Completed checkpoint should be terminal")
	}
	if checkpoint.Phase != PhaseCleanup {
		t.Errorf("Expected phase %s, got %s", PhaseCleanup, checkpoint.Phase)
	}
}

func TestCheckpointFailRecordsCause(t *testing.T) {
	checkpoint := NewCheckpoint("op123", "/tmp/audit.log", "old-key", "new-key")
	checkpoint.Fail(newError(ErrorKindIntegrity, "hash mismatch"))
	if !checkpoint.IsTerminal() {
		t.Error("Failed checkpoint should be terminal")
	}
	if checkpoint.Metadata["failure"] == "" {
		t.Error("Expected the failure cause in metadata")
	}
}

func TestCheckpointNextIndex(t *testing.T) {
	checkpoint := NewCheckpoint("op123", "/tmp/audit.log", "old-key", "new-key")
	if got := checkpoint.NextIndex(); got != 0 {
		t.Errorf("Expected next index 0 on a fresh checkpoint, got %d", got)
	}

	checkpoint.AppendBatch(BatchRecord{
		ID: "batch-000001", StartIndex: 0, EndIndex: 1000, EntryCount: 1000,
		Status: StatusCompleted, CompletedAt: time.Now().UTC(),
	})
	checkpoint.AppendBatch(BatchRecord{
		ID: "batch-000002", StartIndex: 1000, EndIndex: 2000, EntryCount: 1000,
		Status: StatusCompleted, CompletedAt: time.Now().UTC(),
	})
	// incomplete batches don't advance the resume point
	checkpoint.AppendBatch(BatchRecord{
		ID: "batch-000003", StartIndex: 2000, EndIndex: 3000, EntryCount: 1000,
		Status: StatusInProgress,
	})

	if got := checkpoint.NextIndex(); got != 2000 {
		t.Errorf("Expected next index 2000, got %d", got)
	}
	if checkpoint.ProcessedEntries != 3000 {
		t.Errorf("Expected 3000 processed entries, got %d", checkpoint.ProcessedEntries)
	}
}

func TestCheckpointSerialization(t *testing.T) {
	checkpoint := NewCheckpoint("op123", "/tmp/audit.log", "old-key", "new-key")
	checkpoint.Transition(PhaseBatchProcessing)
	checkpoint.TotalEntries = 500
	checkpoint.AppendBatch(BatchRecord{
		ID: "batch-000001", StartIndex: 0, EndIndex: 500, EntryCount: 500,
		SourceHash: "abc", TargetHash: "def",
		Status: StatusCompleted, CompletedAt: time.Now().UTC(),
	})

	data, err := checkpoint.Marshal()
	if err != nil {
		t.Fatalf("Failed to marshal checkpoint: %v", err)
	}
	restored, err := UnmarshalCheckpoint(data)
	if err != nil {
		t.Fatalf("Failed to unmarshal checkpoint: %v", err)
	}

	if restored.OperationID != checkpoint.OperationID {
		t.Errorf("Operation id mismatch: %s", restored.OperationID)
	}
	if restored.NextIndex() != 500 {
		t.Errorf("Expected next index 500 after restore, got %d", restored.NextIndex())
	}
	if restored.VerificationHashes["batch-000001"] != "def" {
		t.Error("Verification hash lost in round trip")
	}
}
