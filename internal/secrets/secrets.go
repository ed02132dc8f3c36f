// Package secrets encrypts credential values (passwords, private keys,
// passphrases) before they reach the on-disk connection document.
//
// The key comes from the HOSTBRIDGE_ENCRYPTION_KEY environment variable
// (32-byte hex string). If unset, a deterministic dev-only key is used so
// local development works out of the box.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	// EnvKey is the environment variable holding the hex-encoded 256-bit key.
	EnvKey = "HOSTBRIDGE_ENCRYPTION_KEY"

	// devKey is used ONLY when EnvKey is unset. Not suitable for production.
	devKey = "6d61676963206973206e6f7420656e6f7567682c20726f74617465206b657973"

	// prefix marks sealed values so unencrypted documents keep loading.
	prefix = "enc:"
)

var (
	keyOnce  sync.Once
	keyBytes []byte

	ErrCiphertextTooShort = errors.New("secrets: ciphertext too short")
)

func key() ([]byte, error) {
	var resolveErr error
	keyOnce.Do(func() {
		hexKey := os.Getenv(EnvKey)
		if hexKey == "" {
			hexKey = devKey
		}
		keyBytes, resolveErr = hex.DecodeString(hexKey)
		if resolveErr != nil {
			resolveErr = fmt.Errorf("secrets: invalid hex key in %s: %w", EnvKey, resolveErr)
			return
		}
		if len(keyBytes) != 32 {
			resolveErr = fmt.Errorf("secrets: key must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	})
	return keyBytes, resolveErr
}

// Seal encrypts a plaintext secret with AES-256-GCM and returns a prefixed
// hex string (nonce || ciphertext || tag). Empty values pass through.
func Seal(plaintext string) (string, error) {
	if plaintext == "" || strings.HasPrefix(plaintext, prefix) {
		return plaintext, nil
	}
	k, err := key()
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return "", fmt.Errorf("secrets: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secrets: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + hex.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. Values without the prefix are
// returned unchanged, which lets hand-written plaintext documents load.
func Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, prefix) {
		return stored, nil
	}
	k, err := key()
	if err != nil {
		return "", err
	}
	data, err := hex.DecodeString(strings.TrimPrefix(stored, prefix))
	if err != nil {
		return "", fmt.Errorf("secrets: invalid hex ciphertext: %w", err)
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return "", fmt.Errorf("secrets: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secrets: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrCiphertextTooShort
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// ResetKey resets the cached key so it can be re-resolved. Test use only.
func ResetKey() {
	keyOnce = sync.Once{}
	keyBytes = nil
}
