package sealog

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"

	"southwinds.dev/sealog/audit"
	icrypto "southwinds.dev/sealog/internal/crypto"
	"southwinds.dev/sealog/internal/fsutil"
	"southwinds.dev/sealog/internal/mem"
	"southwinds.dev/sealog/internal/misc"
	"southwinds.dev/sealog/keystore"
	"southwinds.dev/sealog/persist"
)

const (
	// DefaultBatchSize is the number of entries per re-encryption batch.
	DefaultBatchSize = 1000

	// DefaultCheckpointInterval is the number of completed batches between
	// checkpoint persists during batch processing.
	DefaultCheckpointInterval = 10

	// estimatedEntrySize is the assumed bytes-per-entry used to estimate a
	// total entry count from file size when the source cannot be line-counted.
	estimatedEntrySize = 200

	// scannerBufferSize bounds the longest log line the engine accepts.
	scannerBufferSize = 4 * 1024 * 1024
)

// Result reports the outcome of one rotation operation.
type Result struct {
	Success           bool          `json:"success"`
	Status            Status        `json:"status"`
	OperationID       string        `json:"operation_id"`
	TotalEntries      int64         `json:"total_entries"`
	ProcessedEntries  int64         `json:"processed_entries"`
	FailedEntries     int64         `json:"failed_entries"`
	BatchesProcessed  int           `json:"batches_processed"`
	IntegrityVerified bool          `json:"integrity_verified"`
	Duration          time.Duration `json:"duration"`
	Error             string        `json:"error,omitempty"`
	Warnings          []string      `json:"warnings,omitempty"`
}

// Engine re-encrypts an entire log from a retiring key to the active key in
// crash-recoverable batches, finishing with an atomic file swap. Progress is
// checkpointed so an externally killed run is always resumable from the last
// completed batch.
type Engine struct {
	keys               keystore.Store
	checkpoints        persist.CheckpointStore
	auditor            audit.Logger
	batchSize          int
	checkpointInterval int
	memoryLock         bool
}

// NewEngine creates a re-encryption engine. A nil auditor disables the
// audit trail.
func NewEngine(keys keystore.Store, checkpoints persist.CheckpointStore, auditor audit.Logger, opts Options) *Engine {
	opts = opts.withDefaults()
	if auditor == nil {
		auditor = audit.NewNoOpLogger()
	}
	return &Engine{
		keys:               keys,
		checkpoints:        checkpoints,
		auditor:            auditor,
		batchSize:          opts.BatchSize,
		checkpointInterval: opts.CheckpointInterval,
		memoryLock:         opts.EnableMemoryLock,
	}
}

// Run executes a fresh rotation operation over the log at sourcePath,
// decrypting every entry with the retiring key and re-encrypting it with
// the active key. Entries that fail the transform pass through unchanged
// and are counted; the original file is only replaced after every batch
// hash has been verified.
func (e *Engine) Run(ctx context.Context, sourcePath, retiringKeyID, activeKeyID string) (*Result, error) {
	checkpoint := NewCheckpoint(newOperationID(), sourcePath, retiringKeyID, activeKeyID)
	e.log("LOG_REENCRYPT_START", true, map[string]interface{}{
		"operation_id": checkpoint.OperationID,
		"source":       sourcePath,
	})
	return e.execute(ctx, checkpoint)
}

// Resume continues a previously interrupted operation from its last
// completed batch. Resuming a completed operation performs no transforms
// and reports the recorded final counts.
func (e *Engine) Resume(ctx context.Context, operationID string) (*Result, error) {
	data, err := e.checkpoints.Load(operationID)
	if err != nil {
		return nil, wrapError(ErrorKindIO, err, fmt.Sprintf("cannot load checkpoint %s", operationID))
	}
	checkpoint, err := UnmarshalCheckpoint(data)
	if err != nil {
		return nil, err
	}

	if checkpoint.Status == StatusCompleted {
		e.log("LOG_REENCRYPT_RESUME", true, map[string]interface{}{
			"operation_id": operationID,
			"already":      "completed",
		})
		return e.result(checkpoint, time.Now(), true, ""), nil
	}

	e.log("LOG_REENCRYPT_RESUME", true, map[string]interface{}{
		"operation_id": operationID,
		"phase":        string(checkpoint.Phase),
	})
	return e.execute(ctx, checkpoint)
}

// execute drives the state machine from the checkpoint's current position
// to a terminal state.
func (e *Engine) execute(ctx context.Context, checkpoint *Checkpoint) (*Result, error) {
	start := time.Now()

	if e.memoryLock {
		// best-effort, unsupported platforms proceed without it
		if _, err := mem.Lock(); err == nil {
			defer func() { _ = mem.Unlock() }()
		}
	}

	checkpoint.Transition(PhaseInitialization)
	if err := e.save(checkpoint); err != nil {
		return e.fail(checkpoint, start, err)
	}

	// Key validation is fatal on failure and leaves the source untouched.
	e.transition(checkpoint, PhaseKeyValidation)
	retiring, active, err := e.validateKeys(checkpoint)
	if err != nil {
		return e.fail(checkpoint, start, err)
	}

	var warnings []string
	if checkpoint.TotalEntries == 0 {
		total, warning := countEntries(checkpoint.SourcePath)
		if warning != "" {
			warnings = append(warnings, warning)
		}
		checkpoint.TotalEntries = total
	}

	if err = e.transition(checkpoint, PhaseBatchProcessing); err != nil {
		return e.fail(checkpoint, start, err)
	}
	if err = e.processBatches(ctx, checkpoint, retiring, active); err != nil {
		return e.fail(checkpoint, start, err)
	}

	if err = e.transition(checkpoint, PhaseIntegrityVerification); err != nil {
		return e.fail(checkpoint, start, err)
	}
	if err = e.verifyIntegrity(checkpoint); err != nil {
		return e.fail(checkpoint, start, err)
	}

	if err = e.transition(checkpoint, PhaseAtomicSwap); err != nil {
		return e.fail(checkpoint, start, err)
	}
	if err = e.atomicSwap(checkpoint); err != nil {
		return e.fail(checkpoint, start, err)
	}

	if err = e.transition(checkpoint, PhaseCleanup); err != nil {
		return e.fail(checkpoint, start, err)
	}
	_ = os.Remove(checkpoint.TargetPath)

	checkpoint.Complete()
	if err = e.save(checkpoint); err != nil {
		return e.fail(checkpoint, start, err)
	}

	result := e.result(checkpoint, start, true, "")
	result.Warnings = warnings
	e.log("LOG_REENCRYPT_COMPLETE", true, map[string]interface{}{
		"operation_id": checkpoint.OperationID,
		"total":        checkpoint.TotalEntries,
		"processed":    checkpoint.ProcessedEntries,
		"failed":       checkpoint.FailedEntries,
	})
	return result, nil
}

// validateKeys resolves both key ids and builds their cipher contexts.
// Key material is wiped as soon as the ciphers exist.
func (e *Engine) validateKeys(checkpoint *Checkpoint) (retiring, active *Cipher, err error) {
	retiringKey, err := e.keys.Get(checkpoint.RetiringKeyID)
	if err != nil {
		return nil, nil, wrapError(ErrorKindKey, err,
			fmt.Sprintf("retiring key %s is not available", checkpoint.RetiringKeyID))
	}
	defer memguard.WipeBytes(retiringKey)

	activeKey, err := e.keys.Get(checkpoint.ActiveKeyID)
	if err != nil {
		return nil, nil, wrapError(ErrorKindKey, err,
			fmt.Sprintf("active key %s is not available", checkpoint.ActiveKeyID))
	}
	defer memguard.WipeBytes(activeKey)

	if retiring, err = NewCipher(retiringKey); err != nil {
		return nil, nil, err
	}
	if active, err = NewCipher(activeKey); err != nil {
		return nil, nil, err
	}
	return retiring, active, nil
}

// processBatches streams the source, transforms entries batch by batch and
// appends each completed batch to the checkpoint. When resuming, entries
// already covered by completed batches are skipped and the scratch target
// is truncated back to the last recorded boundary first.
func (e *Engine) processBatches(ctx context.Context, checkpoint *Checkpoint, retiring, active *Cipher) error {
	skip := checkpoint.NextIndex()

	if skip > 0 {
		if err := truncateToLines(checkpoint.TargetPath, skip); err != nil {
			return wrapError(ErrorKindIO, err, "cannot prepare scratch target for resume")
		}
	}

	source, err := os.Open(checkpoint.SourcePath)
	if err != nil {
		return wrapError(ErrorKindIO, err, "cannot open source log")
	}
	defer source.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if skip > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	target, err := os.OpenFile(checkpoint.TargetPath, flags, misc.FilePermissions)
	if err != nil {
		return wrapError(ErrorKindIO, err, "cannot open scratch target")
	}
	defer target.Close()

	writer := bufio.NewWriter(target)
	scanner := bufio.NewScanner(source)
	scanner.Buffer(make([]byte, 64*1024), scannerBufferSize)

	var index int64
	batch := make([]string, 0, e.batchSize)
	batchesSinceSave := 0

	flushBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		output, failed := transformBatch(batch, retiring, active)

		for _, line := range output {
			if _, err = writer.WriteString(line + "\n"); err != nil {
				return wrapError(ErrorKindIO, err, "cannot write scratch target")
			}
		}
		if err = writer.Flush(); err != nil {
			return wrapError(ErrorKindIO, err, "cannot flush scratch target")
		}
		if err = target.Sync(); err != nil {
			return wrapError(ErrorKindIO, err, "cannot sync scratch target")
		}

		record := BatchRecord{
			ID:          fmt.Sprintf("batch-%06d", len(checkpoint.Batches)),
			StartIndex:  index - int64(len(batch)),
			EndIndex:    index,
			EntryCount:  int64(len(batch)),
			SourceHash:  icrypto.HashLines(batch),
			TargetHash:  icrypto.HashLines(output),
			Status:      StatusCompleted,
			CompletedAt: time.Now().UTC(),
		}
		checkpoint.AppendBatch(record)
		checkpoint.FailedEntries += failed
		batch = batch[:0]

		batchesSinceSave++
		if batchesSinceSave >= e.checkpointInterval {
			batchesSinceSave = 0
			return e.save(checkpoint)
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if index < skip {
			index++
			continue
		}
		if err = ctx.Err(); err != nil {
			_ = e.save(checkpoint)
			return wrapError(ErrorKindTimeout, err, "rotation interrupted")
		}

		batch = append(batch, line)
		index++
		if len(batch) >= e.batchSize {
			if err = flushBatch(); err != nil {
				return err
			}
		}
	}
	if err = scanner.Err(); err != nil {
		return wrapError(ErrorKindIO, err, "cannot read source log")
	}
	if err = flushBatch(); err != nil {
		return err
	}

	// The estimate may disagree with what the stream actually held.
	if checkpoint.TotalEntries != index {
		checkpoint.TotalEntries = index
	}
	return e.save(checkpoint)
}

// transformBatch re-encrypts one batch of lines. A failed transform writes
// the original line through and counts as a failure; it never aborts the
// batch.
func transformBatch(lines []string, retiring, active *Cipher) (output []string, failed int64) {
	output = make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || !LooksEncrypted([]byte(trimmed)) {
			// blank and plaintext pass-through entries are copied verbatim
			output = append(output, line)
			continue
		}

		reencrypted, err := reencryptLine(trimmed, retiring, active)
		if err != nil {
			output = append(output, line)
			failed++
			continue
		}
		output = append(output, reencrypted)
	}
	return output, failed
}

func reencryptLine(line string, retiring, active *Cipher) (string, error) {
	entry, err := ParseEntry([]byte(line))
	if err != nil {
		return "", err
	}
	record, err := retiring.DecryptEntry(entry)
	if err != nil {
		return "", err
	}
	fresh, err := active.EncryptEntry(record)
	if err != nil {
		return "", err
	}
	data, err := fresh.Marshal()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// verifyIntegrity re-reads the scratch target batch by batch using the
// recorded entry-count boundaries and requires every recomputed hash to
// match the recorded verification hash. Any mismatch is fatal and the
// source file is left untouched.
func (e *Engine) verifyIntegrity(checkpoint *Checkpoint) error {
	target, err := os.Open(checkpoint.TargetPath)
	if err != nil {
		return wrapError(ErrorKindIO, err, "cannot open scratch target for verification")
	}
	defer target.Close()

	scanner := bufio.NewScanner(target)
	scanner.Buffer(make([]byte, 64*1024), scannerBufferSize)

	for _, batch := range checkpoint.Batches {
		lines := make([]string, 0, batch.EntryCount)
		for int64(len(lines)) < batch.EntryCount && scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		if err = scanner.Err(); err != nil {
			return wrapError(ErrorKindIO, err, "cannot read scratch target for verification")
		}
		if int64(len(lines)) != batch.EntryCount {
			return newError(ErrorKindIntegrity,
				fmt.Sprintf("batch %s is truncated: %d of %d entries", batch.ID, len(lines), batch.EntryCount))
		}

		recorded := checkpoint.VerificationHashes[batch.ID]
		if actual := icrypto.HashLines(lines); actual != recorded {
			return newError(ErrorKindIntegrity,
				fmt.Sprintf("batch %s hash mismatch: expected %s, actual %s", batch.ID, recorded, actual))
		}
	}
	return nil
}

// atomicSwap backs up the original source and replaces it with the fully
// verified target in a single rename, so no reader ever observes a
// partially written log.
func (e *Engine) atomicSwap(checkpoint *Checkpoint) error {
	backupPath := fmt.Sprintf("%s.backup.%s", checkpoint.SourcePath, checkpoint.OperationID)
	source, err := os.ReadFile(checkpoint.SourcePath)
	if err != nil {
		return wrapError(ErrorKindIO, err, "cannot read source log for backup")
	}
	if err = fsutil.CopyFile(checkpoint.SourcePath, backupPath); err != nil {
		return wrapError(ErrorKindIO, err, "cannot back up source log")
	}
	backup, err := os.ReadFile(backupPath)
	if err != nil {
		return wrapError(ErrorKindIO, err, "cannot read back backup copy")
	}
	checksum := icrypto.CalculateChecksum(source)
	if got := icrypto.CalculateChecksum(backup); got != checksum {
		return wrapError(ErrorKindIO,
			fmt.Errorf("backup checksum %s does not match source %s", got, checksum),
			"backup copy verification failed")
	}
	if err = os.Rename(checkpoint.TargetPath, checkpoint.SourcePath); err != nil {
		return wrapError(ErrorKindIO, err, "cannot swap re-encrypted log into place")
	}
	if checkpoint.Metadata == nil {
		checkpoint.Metadata = map[string]string{}
	}
	checkpoint.Metadata["backup_path"] = backupPath
	checkpoint.Metadata["backup_checksum"] = checksum

	e.log("LOG_ATOMIC_SWAP", true, map[string]interface{}{
		"operation_id": checkpoint.OperationID,
		"source":       checkpoint.SourcePath,
		"backup":       backupPath,
	})
	return nil
}

func (e *Engine) transition(checkpoint *Checkpoint, phase Phase) error {
	checkpoint.Transition(phase)
	e.log("LOG_REENCRYPT_PHASE", true, map[string]interface{}{
		"operation_id": checkpoint.OperationID,
		"phase":        string(phase),
	})
	return e.save(checkpoint)
}

func (e *Engine) save(checkpoint *Checkpoint) error {
	data, err := checkpoint.Marshal()
	if err != nil {
		return err
	}
	if err = e.checkpoints.Save(checkpoint.OperationID, data); err != nil {
		return wrapError(ErrorKindIO, err,
			fmt.Sprintf("cannot persist checkpoint %s", checkpoint.OperationID))
	}
	return nil
}

func (e *Engine) fail(checkpoint *Checkpoint, start time.Time, cause error) (*Result, error) {
	checkpoint.Fail(cause)
	_ = e.save(checkpoint)
	e.log("LOG_REENCRYPT_FAILED", false, map[string]interface{}{
		"operation_id": checkpoint.OperationID,
		"phase":        string(checkpoint.Phase),
		"error":        cause.Error(),
	})
	return e.result(checkpoint, start, false, cause.Error()), cause
}

func (e *Engine) result(checkpoint *Checkpoint, start time.Time, success bool, errMsg string) *Result {
	return &Result{
		Success:           success,
		Status:            checkpoint.Status,
		OperationID:       checkpoint.OperationID,
		TotalEntries:      checkpoint.TotalEntries,
		ProcessedEntries:  checkpoint.ProcessedEntries,
		FailedEntries:     checkpoint.FailedEntries,
		BatchesProcessed:  len(checkpoint.Batches),
		IntegrityVerified: success,
		Duration:          time.Since(start),
		Error:             errMsg,
	}
}

func (e *Engine) log(action string, success bool, metadata map[string]interface{}) {
	_ = e.auditor.Log(action, success, metadata)
}

// countEntries counts the lines of the source log. On read failure it falls
// back to a size-based estimate so that counting problems alone do not
// block a rotation; the estimate is corrected once the stream has been
// fully processed.
func countEntries(path string) (int64, string) {
	count, err := fsutil.CountLines(path)
	if err == nil {
		return int64(count), ""
	}
	info, statErr := os.Stat(path)
	if statErr != nil {
		return 0, fmt.Sprintf("cannot count entries: %v", err)
	}
	estimate := info.Size() / estimatedEntrySize
	return estimate, fmt.Sprintf("entry count estimated from file size: %v", err)
}

// truncateToLines rewrites path so it holds exactly n lines, discarding
// anything a crashed run may have written past the last recorded batch.
func truncateToLines(path string, n int64) error {
	exists, err := fsutil.FileExists(path)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("scratch target %s is missing, cannot resume", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var kept []byte
	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), scannerBufferSize)
	for count < n && scanner.Scan() {
		kept = append(kept, scanner.Bytes()...)
		kept = append(kept, '\n')
		count++
	}
	if err = scanner.Err(); err != nil {
		return err
	}
	if count < n {
		return fmt.Errorf("scratch target %s holds %d of %d recorded entries", path, count, n)
	}
	return fsutil.WriteAtomic(path, kept, misc.FilePermissions)
}
