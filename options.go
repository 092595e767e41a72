package sealog

import (
	"fmt"

	"southwinds.dev/sealog/audit"
)

// Options represents configuration parameters for the lifecycle manager.
//
// All fields have working defaults; a zero Options value configures a
// manager with the well-known current key id, the default batch size and
// auditing disabled.
type Options struct {
	// KeyID is the key store identifier of the active audit key.
	// Defaults to CurrentKeyID.
	KeyID string `json:"key_id,omitempty"`

	// BatchSize is the number of entries processed per re-encryption batch.
	// Defaults to DefaultBatchSize.
	BatchSize int `json:"batch_size,omitempty"`

	// CheckpointInterval is the number of completed batches between
	// checkpoint persists during batch processing. Phase transitions always
	// persist regardless. Defaults to DefaultCheckpointInterval.
	CheckpointInterval int `json:"checkpoint_interval,omitempty"`

	// LegacyKeyVersions overrides the version labels tried when resolving
	// keys for entries of unknown generation. Leave empty for the defaults.
	LegacyKeyVersions []string `json:"legacy_key_versions,omitempty"`

	// EnableMemoryLock locks process memory during rotation runs so key
	// material is not paged to disk. Best-effort; unsupported platforms
	// proceed without it.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// AuditConfig configures the audit trail. Nil disables auditing.
	AuditConfig *audit.Config `json:"audit_config,omitempty"`
}

// Validate validates the Options configuration
func (o Options) Validate() error {
	if o.BatchSize < 0 {
		return fmt.Errorf("batch size cannot be negative")
	}
	if o.CheckpointInterval < 0 {
		return fmt.Errorf("checkpoint interval cannot be negative")
	}
	return nil
}

// withDefaults returns a copy with zero fields replaced by defaults.
func (o Options) withDefaults() Options {
	if o.KeyID == "" {
		o.KeyID = CurrentKeyID
	}
	if o.BatchSize == 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.CheckpointInterval == 0 {
		o.CheckpointInterval = DefaultCheckpointInterval
	}
	return o
}
