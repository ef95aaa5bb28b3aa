// Package cipher implements the field ciphers used to encrypt secret document
// fields at rest.
//
// Ciphertexts are base64(nonce || sealed) so they fit in a JSON string.
package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2Iterations is the iteration count used by DeriveKey.
const PBKDF2Iterations = 600_000

var (
	errShortCipherText = errors.New("ciphertext too short")
)

// AEAD encrypts strings with an authenticated cipher.
type AEAD struct {
	aead gocipher.AEAD
}

// NewAESGCM returns an AES-GCM cipher for a base64 encoded 16, 24 or 32 byte
// key.
func NewAESGCM(key string) (*AEAD, error) {
	raw, err := decodeKey(key)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid AES key: %w", err)
	}
	aead, err := gocipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &AEAD{aead: aead}, nil
}

// NewXChaCha20 returns an XChaCha20-Poly1305 cipher for a base64 encoded 32
// byte key.
func NewXChaCha20(key string) (*AEAD, error) {
	raw, err := decodeKey(key)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid XChaCha20 key: %w", err)
	}
	return &AEAD{aead: aead}, nil
}

// New returns the cipher named algo: "aes-gcm" or "xchacha20".
func New(algo, key string) (*AEAD, error) {
	switch algo {
	case "", "aes-gcm":
		return NewAESGCM(key)
	case "xchacha20":
		return NewXChaCha20(key)
	default:
		return nil, fmt.Errorf("unknown cipher %q", algo)
	}
}

// Encrypt seals plain with a random nonce.
func (a *AEAD) Encrypt(plain string) (string, error) {
	nonce := make([]byte, a.aead.NonceSize(), a.aead.NonceSize()+len(plain)+a.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := a.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (a *AEAD) Decrypt(cipherText string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	n := a.aead.NonceSize()
	if len(data) < n+a.aead.Overhead() {
		return "", errShortCipherText
	}
	plain, err := a.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plain), nil
}

// GenerateKey returns a random base64 encoded key of size bytes.
func GenerateKey(size int) (string, error) {
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// DeriveKey derives a base64 encoded key of size bytes from a password with
// PBKDF2-SHA256.
func DeriveKey(password, salt string, size int) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	if len(salt) < 8 {
		return "", errors.New("salt must be at least 8 bytes")
	}
	key := pbkdf2.Key([]byte(password), []byte(salt), PBKDF2Iterations, size, sha256.New)
	return base64.StdEncoding.EncodeToString(key), nil
}

func decodeKey(key string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	return raw, nil
}
