package sealog

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"southwinds.dev/sealog/keystore"
)

// Cipher seals and opens individual audit records under one 32-byte key
// using AES-256-GCM. A Cipher is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a cipher context for the given key. It fails before any
// data is processed unless the key is exactly 32 bytes.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != keystore.KeySize {
		return nil, newError(ErrorKindFormat,
			fmt.Sprintf("invalid key size %d, expected %d bytes", len(key), keystore.KeySize))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cannot create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cannot create GCM cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// EncryptEntry seals one record into an EncryptedEntry. The record is
// serialized to canonical JSON (map keys sorted), a fresh nonce is drawn
// from crypto/rand for every call, and the fixed wire format tag is bound
// as associated data.
func (c *Cipher) EncryptEntry(record Record) (*EncryptedEntry, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, wrapError(ErrorKindFormat, err, "cannot serialize record")
	}

	nonce := make([]byte, NonceSize)
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cannot generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, payload, defaultAssociatedData)
	// GCM appends the tag to the ciphertext; the wire format carries it separately.
	ciphertext := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]

	return &EncryptedEntry{
		Version:        EntryVersion,
		Algorithm:      AlgorithmAESGCM,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Nonce:          base64.StdEncoding.EncodeToString(nonce),
		Ciphertext:     base64.StdEncoding.EncodeToString(ciphertext),
		Tag:            base64.StdEncoding.EncodeToString(tag),
		AssociatedData: base64.StdEncoding.EncodeToString(defaultAssociatedData),
	}, nil
}

// DecryptEntry opens an EncryptedEntry and returns the original record.
// Malformed fields are reported as format errors before any AEAD work; a
// failed authentication check is reported as an integrity error, so callers
// can tell "tampered or wrong-keyed" apart from "malformed".
func (c *Cipher) DecryptEntry(entry *EncryptedEntry) (Record, error) {
	if entry.Algorithm != AlgorithmAESGCM {
		return nil, newError(ErrorKindFormat,
			fmt.Sprintf("unsupported algorithm %q", entry.Algorithm))
	}
	nonce, err := decodeField("nonce", entry.Nonce)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, newError(ErrorKindFormat,
			fmt.Sprintf("invalid nonce length %d, expected %d bytes", len(nonce), NonceSize))
	}
	ciphertext, err := decodeField("ciphertext", entry.Ciphertext)
	if err != nil {
		return nil, err
	}
	tag, err := decodeField("tag", entry.Tag)
	if err != nil {
		return nil, err
	}
	if len(tag) != TagSize {
		return nil, newError(ErrorKindFormat,
			fmt.Sprintf("invalid tag length %d, expected %d bytes", len(tag), TagSize))
	}

	associatedData := defaultAssociatedData
	if entry.AssociatedData != "" {
		if associatedData, err = decodeField("associated data", entry.AssociatedData); err != nil {
			return nil, err
		}
	}

	payload, err := c.aead.Open(nil, nonce, append(ciphertext, tag...), associatedData)
	if err != nil {
		return nil, wrapError(ErrorKindIntegrity, err,
			"authentication failed, entry is tampered with or sealed under a different key")
	}

	var record Record
	if err = json.Unmarshal(payload, &record); err != nil {
		return nil, wrapError(ErrorKindFormat, err, "cannot deserialize decrypted record")
	}
	return record, nil
}
