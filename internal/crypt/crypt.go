// Package crypt provides envelope encryption for buffered records.
//
// Every payload is sealed with AES-256-GCM under a long-lived symmetric
// key and a fresh random 96-bit nonce, stored as nonce || ciphertext.
// Key material is derived and validated the same way across the daemon:
// HKDF-SHA256 with domain-separated labels.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Cryptographic errors.
var (
	ErrAuthentication      = errors.New("crypt: authentication failed")
	ErrInvalidKeySize      = errors.New("crypt: invalid key size")
	ErrWeakKey             = errors.New("crypt: key is too weak")
	ErrInsufficientEntropy = errors.New("crypt: insufficient entropy")
)

// KeySize is the required key size in bytes (AES-256).
const KeySize = 32

// NonceSize is the GCM nonce size in bytes.
const NonceSize = 12

// Seal encrypts plaintext under key with a freshly generated random
// nonce and returns nonce || ciphertext+tag. Two seals of the same
// plaintext differ because the nonce is random.
func Seal(plaintext, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}

	// Seal appends ciphertext to the nonce so the result is
	// self-contained: nonce || ciphertext || tag.
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed payload produced by Seal. It returns
// ErrAuthentication if the payload is truncated, tampered with, or
// sealed under a different key. Callers must treat that as
// unrecoverable for the record: drop and count, never crash.
func Open(sealed, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(sealed) < NonceSize+aead.Overhead() {
		return nil, fmt.Errorf("%w: payload truncated (%d bytes)", ErrAuthentication, len(sealed))
	}

	nonce, ciphertext := sealed[:NonceSize], sealed[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrInvalidKeySize, len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypt: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// GenerateKey generates a cryptographically secure random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	return key, nil
}

// DeriveKeyWithLabel derives a subkey from a master key using
// HKDF-SHA256 with a domain separation label. The label prevents key
// reuse across contexts (e.g. "buffer" vs "ipc").
func DeriveKeyWithLabel(masterKey []byte, label string) ([]byte, error) {
	if len(masterKey) < KeySize {
		return nil, fmt.Errorf("%w: master key is %d bytes, minimum %d required",
			ErrWeakKey, len(masterKey), KeySize)
	}

	reader := hkdf.New(sha256.New, masterKey, nil, []byte("activityd:"+label))
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("crypt: key derivation failed: %w", err)
	}
	return derived, nil
}

// ValidateKeyStrength checks a key against minimum requirements.
func ValidateKeyStrength(key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("%w: key is %d bytes, need %d", ErrInvalidKeySize, len(key), KeySize)
	}

	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return fmt.Errorf("%w: key is all zeros", ErrWeakKey)
	}

	pattern := key[0]
	allSame := true
	for _, b := range key {
		if b != pattern {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("%w: key has repeating pattern", ErrWeakKey)
	}

	return nil
}

// Wipe overwrites sensitive key material in place.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
