// Package crypto provides the symmetric cipher used for token bundles and
// cached message bodies. One Cipher is constructed at startup and injected
// into everything that needs it.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/mailvault/mailvault/internal/errs"
)

const keySize = 32 // AES-256

// Cipher encrypts and decrypts opaque blobs with AES-GCM. The key is
// lazily materialized at the configured path on first construction.
type Cipher struct {
	aead   cipher.AEAD
	logger *logrus.Logger
}

// NewCipher loads the key at keyPath, generating and persisting a fresh one
// if the file does not exist.
func NewCipher(keyPath string, logger *logrus.Logger) (*Cipher, error) {
	key, created, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}
	if created {
		logger.WithField("path", keyPath).Info("Generated new encryption key")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	return &Cipher{aead: aead, logger: logger}, nil
}

func loadOrCreateKey(keyPath string) ([]byte, bool, error) {
	if key, err := os.ReadFile(keyPath); err == nil && len(key) == keySize {
		return key, false, nil
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, false, fmt.Errorf("failed to create key directory: %w", err)
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.WriteFile(keyPath, key, 0600); err != nil {
		return nil, false, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, true, nil
}

// Encrypt seals plaintext into an opaque blob. The nonce is prepended.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. Corruption or a key mismatch
// returns errs.ErrDecryption, never garbage.
func (c *Cipher) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < c.aead.NonceSize() {
		return nil, fmt.Errorf("%w: blob too short", errs.ErrDecryption)
	}

	nonce, ciphertext := blob[:c.aead.NonceSize()], blob[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecryption, err)
	}
	return plaintext, nil
}
