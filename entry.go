package sealog

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const (
	// EntryVersion is the wire format version written by this release.
	EntryVersion = "1.1"

	// LegacyVersion marks entries written before versioned key ids existed.
	LegacyVersion = "1.0"

	// AlgorithmAESGCM is the only algorithm tag this module produces or accepts.
	AlgorithmAESGCM = "AES-256-GCM"

	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12

	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

// defaultAssociatedData binds every entry to this wire format version.
var defaultAssociatedData = []byte("sealog-audit-entry-v1.1")

// Record is one audit record. The schema is owned by the caller; sealog
// treats it as an opaque structured payload.
type Record map[string]interface{}

// EncryptedEntry is the sealed form of one audit record, one JSON object
// per log line. Binary fields are base64-encoded for the line-oriented log.
// Any mutation after creation invalidates the authentication tag.
type EncryptedEntry struct {
	Version        string `json:"version"`
	Algorithm      string `json:"algorithm"`
	Timestamp      string `json:"timestamp"`
	Nonce          string `json:"nonce"`
	Ciphertext     string `json:"ciphertext"`
	Tag            string `json:"tag"`
	AssociatedData string `json:"associated_data,omitempty"`
}

// Marshal serializes the entry to its JSON line form.
func (e *EncryptedEntry) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("cannot serialize encrypted entry: %w", err)
	}
	return data, nil
}

// ParseEntry deserializes one log line into an EncryptedEntry. It does not
// validate field contents; DecryptEntry does.
func ParseEntry(raw []byte) (*EncryptedEntry, error) {
	entry := new(EncryptedEntry)
	if err := json.Unmarshal(raw, entry); err != nil {
		return nil, wrapError(ErrorKindFormat, err, "cannot parse encrypted entry")
	}
	return entry, nil
}

// LooksEncrypted reports whether a raw log line is structurally an
// encrypted entry. It is a cheap predicate, not a validation: it checks that
// the required fields are present and the algorithm tag matches, nothing
// more. Lines that fail it pass through rotation and recovery unchanged.
func LooksEncrypted(raw []byte) bool {
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return false
	}
	return IsEncryptedRecord(record)
}

// IsEncryptedRecord is the structural predicate applied to an already
// parsed record.
func IsEncryptedRecord(record Record) bool {
	if record == nil {
		return false
	}
	for _, field := range []string{"version", "algorithm", "nonce", "ciphertext", "tag"} {
		value, ok := record[field].(string)
		if !ok || value == "" {
			return false
		}
	}
	return record["algorithm"] == AlgorithmAESGCM
}

// EntryFromRecord converts a parsed record that passed IsEncryptedRecord
// back into its typed entry form.
func EntryFromRecord(record Record) (*EncryptedEntry, error) {
	if !IsEncryptedRecord(record) {
		return nil, newError(ErrorKindFormat, "record is not an encrypted entry")
	}
	entry := &EncryptedEntry{
		Version:    record["version"].(string),
		Algorithm:  record["algorithm"].(string),
		Nonce:      record["nonce"].(string),
		Ciphertext: record["ciphertext"].(string),
		Tag:        record["tag"].(string),
	}
	if ts, ok := record["timestamp"].(string); ok {
		entry.Timestamp = ts
	}
	if aad, ok := record["associated_data"].(string); ok {
		entry.AssociatedData = aad
	}
	return entry, nil
}

// LegacyRecord marks a plaintext record that passed through recovery
// unencrypted, so downstream consumers can tell it apart from a decrypted one.
func LegacyRecord(record Record) Record {
	marked := make(Record, len(record)+2)
	for k, v := range record {
		marked[k] = v
	}
	marked["_format"] = "legacy-plaintext"
	marked["_encrypted"] = false
	return marked
}

func decodeField(name, value string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, wrapError(ErrorKindFormat, err, fmt.Sprintf("cannot decode %s", name))
	}
	return data, nil
}
