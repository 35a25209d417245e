package security

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

const (
	// keySize is the AES-256 key length in bytes.
	keySize = 32

	// deriveIterations is the PBKDF2 iteration count for DeriveKey.
	deriveIterations = 600_000
)

// Encryptor seals and opens serialized session records using AES-256-GCM.
// Sessions hold long-lived refresh tokens, so callers that persist a
// portable record (the only persistence contract this library exposes)
// should not write it to disk in the clear.
//
// A nil or empty key disables sealing: Seal and Open become identity
// functions, which keeps the call sites unconditional.
type Encryptor struct {
	key     []byte
	enabled bool
}

// NewEncryptor creates a new encryptor. The key must be exactly 32 bytes
// for AES-256; nil or empty disables encryption.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{enabled: false}, nil
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d", keySize, len(key))
	}
	return &Encryptor{
		key:     key,
		enabled: true,
	}, nil
}

// Enabled reports whether sealing is active.
func (e *Encryptor) Enabled() bool {
	return e.enabled
}

// Seal encrypts a serialized session record and returns base64-encoded
// ciphertext in the storage format [nonce][ciphertext].
func (e *Encryptor) Seal(record []byte) (string, error) {
	if !e.enabled {
		return string(record), nil
	}

	gcm, err := e.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal prepends the nonce by using the nonce slice as destination.
	sealed := gcm.Seal(nonce, nonce, record, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed session record produced by Seal.
func (e *Encryptor) Open(sealed string) ([]byte, error) {
	if !e.enabled {
		return []byte(sealed), nil
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	gcm, err := e.aead()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return nil, fmt.Errorf("sealed record too short")
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	record, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return record, nil
}

func (e *Encryptor) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// GenerateKey generates a new random 32-byte key for AES-256.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// DeriveKey derives a 32-byte AES-256 key from a passphrase and salt using
// PBKDF2-SHA256. The salt must be stored alongside the sealed record; it
// does not need to be secret.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, deriveIterations, keySize, sha256.New)
}
