// Package crypto seals credential secrets for storage.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// sealedPrefix versions the stored format.
const sealedPrefix = "v1:"

var (
	// ErrInvalidKey is returned when the encryption key is empty.
	ErrInvalidKey = errors.New("invalid encryption key: must not be empty")
	// ErrDecryptionFailed covers a wrong key, a tampered blob and a blob bound to another record.
	ErrDecryptionFailed = errors.New("decryption failed: invalid ciphertext, wrong key or wrong binding")
)

// CredentialCipher seals secrets with AES-256-GCM. Every sealed value is
// bound to a caller-chosen identifier (the credential ID) through the GCM
// additional data, so a blob copied onto another record does not open.
type CredentialCipher struct {
	gcm cipher.AEAD
}

// NewCredentialCipher creates a cipher from a key string: either a base64
// encoded 32-byte key (openssl rand -base64 32) or any passphrase, which is
// hashed with SHA-256.
func NewCredentialCipher(keyInput string) (*CredentialCipher, error) {
	if keyInput == "" {
		return nil, ErrInvalidKey
	}

	key, err := base64.StdEncoding.DecodeString(keyInput)
	if err != nil || len(key) != 32 {
		sum := sha256.Sum256([]byte(keyInput))
		key = sum[:]
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &CredentialCipher{gcm: gcm}, nil
}

// Seal encrypts plaintext bound to binding and returns
// "v1:" + base64(nonce || ciphertext || tag).
func (c *CredentialCipher) Seal(plaintext, binding []byte) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.gcm.Seal(nonce, nonce, plaintext, binding)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. The binding must match the one used to seal.
func (c *CredentialCipher) Open(sealed string, binding []byte) ([]byte, error) {
	encoded, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: unknown format", ErrDecryptionFailed)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode failed", ErrDecryptionFailed)
	}

	nonceSize := c.gcm.NonceSize()
	if len(data) < nonceSize+c.gcm.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	plaintext, err := c.gcm.Open(nil, data[:nonceSize], data[nonceSize:], binding)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}
	return plaintext, nil
}

// GenerateKey returns a fresh base64 encoded 32-byte key.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
