// Package secrets provides AES-GCM encryption for sensitive values held
// at rest, such as per-credential webhook signing secrets.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Encryptor encrypts and decrypts short secret strings with a key
// derived from a passphrase.
type Encryptor struct {
	key []byte
}

// NewEncryptor derives a 32-byte AES key from the passphrase using
// PBKDF2-SHA256. The salt is fixed so the same passphrase always yields
// the same key across restarts.
func NewEncryptor(passphrase string) *Encryptor {
	salt := []byte("reel-webhook-secret-salt-v1")
	key := pbkdf2.Key([]byte(passphrase), salt, 100000, 32, sha256.New)
	return &Encryptor{key: key}
}

// Encrypt seals plaintext with AES-GCM and returns base64 ciphertext.
// Empty input encrypts to empty output.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens base64 ciphertext produced by Encrypt. Empty input
// decrypts to empty output.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	if len(ciphertext) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether the value looks like ciphertext produced
// by this package: valid base64 at least as long as nonce plus GCM tag.
func (e *Encryptor) IsEncrypted(value string) bool {
	if value == "" {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return false
	}
	// 12-byte nonce plus 16-byte tag is the minimum sealed size.
	return len(decoded) >= 28
}
