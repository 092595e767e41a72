package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"southwinds.dev/sealog/internal/misc"
)

// SealWithPassphrase encrypts data using a passphrase with Argon2id + ChaCha20-Poly1305.
// Output layout: salt + nonce + ciphertext.
func SealWithPassphrase(data []byte, passphrase string) ([]byte, error) {
	// Generate random salt for key derivation
	salt := make([]byte, misc.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	// Derive key using Argon2id
	key := argon2.IDKey([]byte(passphrase), salt, misc.ArgonTime, misc.ArgonMemory, misc.ArgonThreads, misc.ArgonKeyLen)
	defer memguard.WipeBytes(key)

	// Create cipher
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// Generate nonce
	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Encrypt
	ciphertext := aead.Seal(nil, nonce, data, nil)

	// Combine: salt + nonce + ciphertext
	result := make([]byte, len(salt)+len(nonce)+len(ciphertext))
	copy(result[:len(salt)], salt)
	copy(result[len(salt):len(salt)+len(nonce)], nonce)
	copy(result[len(salt)+len(nonce):], ciphertext)

	return result, nil
}

// OpenWithPassphrase decrypts data produced by SealWithPassphrase.
func OpenWithPassphrase(sealedData []byte, passphrase string) ([]byte, error) {
	if len(sealedData) < misc.SaltSize+chacha20poly1305.NonceSize {
		return nil, errors.New("sealed data too short")
	}

	// Extract components
	salt := sealedData[:misc.SaltSize]
	nonce := sealedData[misc.SaltSize : misc.SaltSize+chacha20poly1305.NonceSize]
	ciphertext := sealedData[misc.SaltSize+chacha20poly1305.NonceSize:]

	// Derive key
	key := argon2.IDKey([]byte(passphrase), salt, misc.ArgonTime, misc.ArgonMemory, misc.ArgonThreads, misc.ArgonKeyLen)
	defer memguard.WipeBytes(key)

	// Create cipher
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// Decrypt
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// HashLines computes the SHA-256 hash over a sequence of log lines, in order.
func HashLines(lines []string) string {
	hasher := sha256.New()
	for _, line := range lines {
		hasher.Write([]byte(line))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// IsWeakKey reports whether key material has obviously insufficient entropy:
// all-zero, all-ones, or a single repeated byte.
func IsWeakKey(key []byte) bool {
	if len(key) == 0 {
		return true
	}

	first := key[0]
	for _, b := range key[1:] {
		if b != first {
			return false
		}
	}
	return true
}
