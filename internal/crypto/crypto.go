// Package crypto keeps the platform access token encrypted at rest so the
// client can authenticate again after a restart without asking the student.
// Uses AES-256-GCM for authenticated encryption.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	apperrors "github.com/coursely/offline/internal/errors"
)

// Encrypt encrypts plaintext using AES-256-GCM and returns base64 text.
// The cipher key is SHA-256 of key.
func Encrypt(plaintext, key []byte) (string, error) {
	if len(key) == 0 {
		return "", apperrors.New(apperrors.ErrInvalid, "encryption key is empty")
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "generate nonce", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Tampered or foreign ciphertext yields
// ErrValidation.
func Decrypt(ciphertext string, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "encryption key is empty")
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "ciphertext is not base64", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, apperrors.New(apperrors.ErrValidation, "ciphertext too short")
	}
	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "ciphertext rejected", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	derived := sha256.Sum256(key)
	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "init cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "init gcm", err)
	}
	return gcm, nil
}

// DeriveKey derives the store key from a machine identifier.
func DeriveKey(machineID string) []byte {
	if machineID == "" {
		machineID = "default"
	}
	hash := sha256.Sum256([]byte("coursely-offline:" + machineID))
	return hash[:]
}
