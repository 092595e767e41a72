package sealog

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/awnumar/memguard"

	"southwinds.dev/sealog/audit"
	"southwinds.dev/sealog/internal/misc"
)

// maxReportedIssues bounds the per-entry issue list carried in results so a
// badly corrupted log cannot grow a report without bound. Counts are always
// exact.
const maxReportedIssues = 100

// RecoveryMetrics aggregates one recovery run. It is created fresh per run
// and finalized once at stream end.
type RecoveryMetrics struct {
	TotalEntries     int64               `json:"total_entries"`
	DecryptedEntries int64               `json:"decrypted_entries"`
	FailedEntries    int64               `json:"failed_entries"`
	SkippedEntries   int64               `json:"skipped_entries"`
	ErrorCounts      map[ErrorKind]int64 `json:"error_counts"`
	KeyVersionsUsed  []string            `json:"key_versions_used"`
	StartedAt        time.Time           `json:"started_at"`
	FinishedAt       time.Time           `json:"finished_at"`
	EntriesPerSecond float64             `json:"entries_per_second"`
}

// EntryIssue describes one failed entry: its 1-based line number, the error
// kind and what went wrong.
type EntryIssue struct {
	Line    int64     `json:"line"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// RecoveryResult is the outcome of one recovery run.
type RecoveryResult struct {
	Status  Status          `json:"status"`
	Metrics RecoveryMetrics `json:"metrics"`
	Issues  []EntryIssue    `json:"issues,omitempty"`
}

// IntegrityReport scores what fraction of a log looks recoverable without
// committing to a full recovery run.
type IntegrityReport struct {
	TotalEntries   int64        `json:"total_entries"`
	ValidEntries   int64        `json:"valid_entries"`
	InvalidEntries int64        `json:"invalid_entries"`
	IntegrityScore float64      `json:"integrity_score"`
	Issues         []EntryIssue `json:"issues,omitempty"`
}

// Recoverer streams a log of unknown, possibly mixed key generations and
// produces decrypted records plus per-entry failure classification. A single
// bad entry never aborts a run.
type Recoverer struct {
	resolver *Resolver
	auditor  audit.Logger
}

// NewRecoverer creates a recovery pipeline over the given resolver. A nil
// auditor disables the audit trail.
func NewRecoverer(resolver *Resolver, auditor audit.Logger) *Recoverer {
	if auditor == nil {
		auditor = audit.NewNoOpLogger()
	}
	return &Recoverer{resolver: resolver, auditor: auditor}
}

// Recover streams the log at sourcePath line by line, delivering every
// successfully decrypted record to sink as it is produced. Blank lines are
// skipped; malformed lines count as format errors; plaintext records pass
// through marked as legacy. A sink error aborts the run.
func (r *Recoverer) Recover(ctx context.Context, sourcePath string, sink func(Record) error) (*RecoveryResult, error) {
	source, err := os.Open(sourcePath)
	if err != nil {
		return nil, wrapError(ErrorKindIO, err, "cannot open source log")
	}
	defer source.Close()

	metrics := RecoveryMetrics{
		ErrorCounts: map[ErrorKind]int64{},
		StartedAt:   time.Now().UTC(),
	}
	result := &RecoveryResult{}
	versionsUsed := map[string]bool{}

	// per-run cipher cache keyed by the version label a key resolved under
	ciphers := map[string]*Cipher{}

	recordFailure := func(line int64, err error) {
		kind := KindOf(err)
		metrics.FailedEntries++
		metrics.ErrorCounts[kind]++
		if len(result.Issues) < maxReportedIssues {
			result.Issues = append(result.Issues, EntryIssue{Line: line, Kind: kind, Message: err.Error()})
		}
	}

	scanner := bufio.NewScanner(source)
	scanner.Buffer(make([]byte, 64*1024), scannerBufferSize)

	var lineNo int64
	for scanner.Scan() {
		lineNo++
		if err = ctx.Err(); err != nil {
			return nil, wrapError(ErrorKindTimeout, err, "recovery interrupted")
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			metrics.SkippedEntries++
			continue
		}
		metrics.TotalEntries++

		var record Record
		if err = json.Unmarshal([]byte(line), &record); err != nil {
			recordFailure(lineNo, wrapError(ErrorKindFormat, err, "cannot parse line"))
			continue
		}

		if !IsEncryptedRecord(record) {
			// already plaintext, deliver as-is
			metrics.DecryptedEntries++
			if err = sink(LegacyRecord(record)); err != nil {
				return nil, wrapError(ErrorKindIO, err, "sink rejected record")
			}
			continue
		}

		entry, err := EntryFromRecord(record)
		if err != nil {
			recordFailure(lineNo, err)
			continue
		}

		decrypted, version, err := r.decryptWithResolver(entry, ciphers)
		if err != nil {
			recordFailure(lineNo, err)
			continue
		}

		metrics.DecryptedEntries++
		versionsUsed[version] = true
		if err = sink(decrypted); err != nil {
			return nil, wrapError(ErrorKindIO, err, "sink rejected record")
		}
	}
	if err = scanner.Err(); err != nil {
		return nil, wrapError(ErrorKindIO, err, "cannot read source log")
	}

	metrics.FinishedAt = time.Now().UTC()
	if elapsed := metrics.FinishedAt.Sub(metrics.StartedAt).Seconds(); elapsed > 0 {
		metrics.EntriesPerSecond = float64(metrics.TotalEntries) / elapsed
	}
	for version := range versionsUsed {
		metrics.KeyVersionsUsed = append(metrics.KeyVersionsUsed, version)
	}
	sort.Strings(metrics.KeyVersionsUsed)

	result.Metrics = metrics
	result.Status = recoveryStatus(metrics)

	_ = r.auditor.Log("LOG_RECOVER", result.Status != StatusFailed, map[string]interface{}{
		"source":    sourcePath,
		"status":    string(result.Status),
		"total":     metrics.TotalEntries,
		"decrypted": metrics.DecryptedEntries,
		"failed":    metrics.FailedEntries,
	})
	return result, nil
}

// decryptWithResolver resolves a key for the entry and attempts decryption.
// An authentication failure is a hard failure; no further key candidates
// are tried.
func (r *Recoverer) decryptWithResolver(entry *EncryptedEntry, ciphers map[string]*Cipher) (Record, string, error) {
	key, version, err := r.resolver.ResolveForEntry(entry)
	if err != nil {
		return nil, "", err
	}

	cipher, cached := ciphers[version]
	if !cached {
		cipher, err = NewCipher(key)
		if err != nil {
			memguard.WipeBytes(key)
			return nil, "", err
		}
		ciphers[version] = cipher
	}
	memguard.WipeBytes(key)

	record, err := cipher.DecryptEntry(entry)
	if err != nil {
		return nil, "", err
	}
	return record, version, nil
}

// RecoverToFile streams decrypted records from the log at sourcePath into a
// JSONL file at targetPath.
func (r *Recoverer) RecoverToFile(ctx context.Context, sourcePath, targetPath string) (*RecoveryResult, error) {
	target, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, misc.FilePermissions)
	if err != nil {
		return nil, wrapError(ErrorKindIO, err, "cannot create recovery output")
	}
	defer target.Close()

	writer := bufio.NewWriter(target)
	result, err := r.Recover(ctx, sourcePath, func(record Record) error {
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if _, err = writer.Write(append(data, '\n')); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err = writer.Flush(); err != nil {
		return nil, wrapError(ErrorKindIO, err, "cannot flush recovery output")
	}
	if err = target.Sync(); err != nil {
		return nil, wrapError(ErrorKindIO, err, "cannot sync recovery output")
	}
	return result, nil
}

// ValidateIntegrity is a lighter-weight pass that only attempts key
// resolution per entry, not full decryption, to cheaply score what fraction
// of a log looks recoverable before committing to a full run.
func (r *Recoverer) ValidateIntegrity(sourcePath string) (*IntegrityReport, error) {
	source, err := os.Open(sourcePath)
	if err != nil {
		return nil, wrapError(ErrorKindIO, err, "cannot open source log")
	}
	defer source.Close()

	report := &IntegrityReport{}
	addIssue := func(line int64, err error) {
		report.InvalidEntries++
		if len(report.Issues) < maxReportedIssues {
			report.Issues = append(report.Issues, EntryIssue{Line: line, Kind: KindOf(err), Message: err.Error()})
		}
	}

	scanner := bufio.NewScanner(source)
	scanner.Buffer(make([]byte, 64*1024), scannerBufferSize)

	var lineNo int64
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		report.TotalEntries++

		var record Record
		if err = json.Unmarshal([]byte(line), &record); err != nil {
			addIssue(lineNo, wrapError(ErrorKindFormat, err, "cannot parse line"))
			continue
		}
		if !IsEncryptedRecord(record) {
			report.ValidEntries++
			continue
		}

		entry, err := EntryFromRecord(record)
		if err != nil {
			addIssue(lineNo, err)
			continue
		}
		if _, _, err = r.resolver.ResolveForEntry(entry); err != nil {
			addIssue(lineNo, err)
			continue
		}
		report.ValidEntries++
	}
	if err = scanner.Err(); err != nil {
		return nil, wrapError(ErrorKindIO, err, "cannot read source log")
	}

	if report.TotalEntries > 0 {
		report.IntegrityScore = float64(report.ValidEntries) / float64(report.TotalEntries)
	} else {
		report.IntegrityScore = 1.0
	}
	return report, nil
}

// recoveryStatus applies the partial-failure rules: COMPLETED when nothing
// failed, PARTIAL when some entries decrypted and some failed, FAILED when
// nothing decrypted out of a nonzero total.
func recoveryStatus(metrics RecoveryMetrics) Status {
	switch {
	case metrics.FailedEntries == 0:
		return StatusCompleted
	case metrics.DecryptedEntries > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}
