package sealog

import (
	"encoding/json"
	"fmt"
	"time"
)

// Phase is the re-encryption state machine phase. Phases advance strictly
// in declaration order; any phase may transition to a failed terminal state.
type Phase string

const (
	PhaseInitialization        Phase = "INITIALIZATION"
	PhaseKeyValidation         Phase = "KEY_VALIDATION"
	PhaseBatchProcessing       Phase = "BATCH_PROCESSING"
	PhaseIntegrityVerification Phase = "INTEGRITY_VERIFICATION"
	PhaseAtomicSwap            Phase = "ATOMIC_SWAP"
	PhaseCleanup               Phase = "CLEANUP"
)

// Status is the overall state of an operation or batch.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPartial    Status = "partial"
)

// BatchRecord describes one contiguous, non-overlapping slice of log
// entries processed by the re-encryption engine. Indices are zero-based and
// the end index is exclusive; for a completed operation the ordered union
// of all batch ranges spans exactly [0, total_entries).
type BatchRecord struct {
	ID          string    `json:"id"`
	StartIndex  int64     `json:"start_index"`
	EndIndex    int64     `json:"end_index"`
	EntryCount  int64     `json:"entry_count"`
	SourceHash  string    `json:"source_hash"`
	TargetHash  string    `json:"target_hash"`
	Status      Status    `json:"status"`
	CompletedAt time.Time `json:"completed_at"`
}

// Checkpoint is the durable, resumable record of one rotation operation.
// It is created at operation start, mutated after every completed batch and
// phase transition, and persisted complete-or-nothing on every save.
type Checkpoint struct {
	OperationID        string            `json:"operation_id"`
	Phase              Phase             `json:"phase"`
	Status             Status            `json:"status"`
	SourcePath         string            `json:"source_path"`
	TargetPath         string            `json:"target_path"`
	RetiringKeyID      string            `json:"retiring_key_id"`
	ActiveKeyID        string            `json:"active_key_id"`
	TotalEntries       int64             `json:"total_entries"`
	ProcessedEntries   int64             `json:"processed_entries"`
	FailedEntries      int64             `json:"failed_entries"`
	Batches            []BatchRecord     `json:"batches"`
	VerificationHashes map[string]string `json:"verification_hashes"`
	StartedAt          time.Time         `json:"started_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// NewCheckpoint creates the checkpoint for a fresh rotation operation.
func NewCheckpoint(operationID, sourcePath, retiringKeyID, activeKeyID string) *Checkpoint {
	now := time.Now().UTC()
	return &Checkpoint{
		OperationID:        operationID,
		Phase:              PhaseInitialization,
		Status:             StatusPending,
		SourcePath:         sourcePath,
		TargetPath:         fmt.Sprintf("%s.reencrypt.%s", sourcePath, operationID),
		RetiringKeyID:      retiringKeyID,
		ActiveKeyID:        activeKeyID,
		Batches:            []BatchRecord{},
		VerificationHashes: map[string]string{},
		StartedAt:          now,
		UpdatedAt:          now,
	}
}

// Transition moves the checkpoint to the given phase.
func (c *Checkpoint) Transition(phase Phase) {
	c.Phase = phase
	c.Status = StatusInProgress
	c.UpdatedAt = time.Now().UTC()
}

// Complete marks the operation terminal-successful.
func (c *Checkpoint) Complete() {
	c.Phase = PhaseCleanup
	c.Status = StatusCompleted
	c.UpdatedAt = time.Now().UTC()
}

// Fail marks the operation terminal-failed and records the cause.
func (c *Checkpoint) Fail(cause error) {
	c.Status = StatusFailed
	c.UpdatedAt = time.Now().UTC()
	if cause != nil {
		if c.Metadata == nil {
			c.Metadata = map[string]string{}
		}
		c.Metadata["failure"] = cause.Error()
	}
}

// AppendBatch records a completed batch and its verification hash.
func (c *Checkpoint) AppendBatch(batch BatchRecord) {
	c.Batches = append(c.Batches, batch)
	c.VerificationHashes[batch.ID] = batch.TargetHash
	c.ProcessedEntries += batch.EntryCount
	c.UpdatedAt = time.Now().UTC()
}

// NextIndex returns the index of the first entry not covered by a completed
// batch, which is where a resumed run picks up.
func (c *Checkpoint) NextIndex() int64 {
	var next int64
	for _, batch := range c.Batches {
		if batch.Status == StatusCompleted && batch.EndIndex > next {
			next = batch.EndIndex
		}
	}
	return next
}

// IsTerminal reports whether the operation has finished, successfully or not.
func (c *Checkpoint) IsTerminal() bool {
	return c.Status == StatusCompleted || c.Status == StatusFailed
}

// Marshal serializes the checkpoint for durable storage.
func (c *Checkpoint) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("cannot serialize checkpoint %s: %w", c.OperationID, err)
	}
	return data, nil
}

// UnmarshalCheckpoint deserializes a stored checkpoint.
func UnmarshalCheckpoint(data []byte) (*Checkpoint, error) {
	checkpoint := new(Checkpoint)
	if err := json.Unmarshal(data, checkpoint); err != nil {
		return nil, fmt.Errorf("cannot deserialize checkpoint: %w", err)
	}
	if checkpoint.VerificationHashes == nil {
		checkpoint.VerificationHashes = map[string]string{}
	}
	return checkpoint, nil
}
