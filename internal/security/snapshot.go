package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// SnapshotCipher encrypts the cached heartbeat snapshot so a copied file is
// useless on another machine. The key is derived from an application secret
// and the device id, binding the snapshot to the device that wrote it.
type SnapshotCipher struct {
	aead cipher.AEAD
}

const snapshotSaltPrefix = "licensectl-snapshot-v1"

// NewSnapshotCipher derives a device-bound AES-GCM cipher.
func NewSnapshotCipher(appSecret, deviceID string) (*SnapshotCipher, error) {
	if appSecret == "" {
		return nil, errors.New("snapshot secret must not be empty")
	}

	key, err := scrypt.Key([]byte(appSecret), []byte(snapshotSaltPrefix+deviceID), 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive snapshot key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &SnapshotCipher{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh nonce. The nonce is prepended to the
// ciphertext.
func (sc *SnapshotCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, sc.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return sc.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt. Tampered or foreign snapshots fail
// authentication.
func (sc *SnapshotCipher) Decrypt(data []byte) ([]byte, error) {
	if len(data) < sc.aead.NonceSize() {
		return nil, errors.New("snapshot data too short")
	}
	nonce, ciphertext := data[:sc.aead.NonceSize()], data[sc.aead.NonceSize():]
	plaintext, err := sc.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	return plaintext, nil
}
