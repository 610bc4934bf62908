// Package platform isolates the per-OS capabilities the agent needs:
// data directory layout, the IPC endpoint, at-rest protection for the
// buffer key, and the enrollment token source.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"activityd/internal/crypt"
)

// TokenEnv is the environment variable consulted first for the
// enrollment token.
const TokenEnv = "ACTIVITYD_TOKEN"

// ErrNoToken is returned when no token source has one.
var ErrNoToken = errors.New("platform: no enrollment token available")

// Platform is the per-OS capability surface. One value is constructed
// at startup and injected everywhere it is needed.
type Platform interface {
	// DataDir is the agent's writable state directory.
	DataDir() string

	// SocketPath is the IPC endpoint (unix socket path or pipe name).
	SocketPath() string

	// EncryptionKey loads the buffer master key, generating and
	// persisting one on first run. The key file is protected with
	// whatever the OS offers (DPAPI on Windows, 0600 elsewhere).
	EncryptionKey() ([]byte, error)

	// Token returns the enrollment bearer token, trying the
	// environment, the OS credential store, then the token file.
	Token() (string, error)

	// StoreToken persists a token for later runs.
	StoreToken(token string) error

	// OwnerOnly restricts a file to the owning user.
	OwnerOnly(path string) error
}

// Options configures platform construction. Empty fields get OS
// defaults derived from DataDir.
type Options struct {
	DataDir    string
	SocketPath string
	KeyPath    string
	TokenPath  string
}

func (o *Options) applyDefaults(dataDir string) {
	if o.DataDir == "" {
		o.DataDir = dataDir
	}
	if o.KeyPath == "" {
		o.KeyPath = filepath.Join(o.DataDir, "buffer.key")
	}
	if o.TokenPath == "" {
		o.TokenPath = filepath.Join(o.DataDir, "token")
	}
}

// loadOrCreateKey reads the protected key file, creating a fresh key
// on first run. protect/unprotect apply the OS at-rest wrapping.
func loadOrCreateKey(path string, protect func([]byte) ([]byte, error), unprotect func([]byte) ([]byte, error)) ([]byte, error) {
	wrapped, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, err := unprotect(wrapped)
		if err != nil {
			return nil, fmt.Errorf("platform: unwrap key file: %w", err)
		}
		if err := crypt.ValidateKeyStrength(key); err != nil {
			return nil, fmt.Errorf("platform: stored key rejected: %w", err)
		}
		return key, nil
	case os.IsNotExist(err):
		// First run, fall through to generate.
	default:
		return nil, fmt.Errorf("platform: read key file: %w", err)
	}

	key, err := crypt.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("platform: generate key: %w", err)
	}
	wrapped, err = protect(key)
	if err != nil {
		return nil, fmt.Errorf("platform: wrap key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("platform: create key directory: %w", err)
	}
	if err := writeFileAtomic(path, wrapped, 0o600); err != nil {
		return nil, fmt.Errorf("platform: write key file: %w", err)
	}
	return key, nil
}

// writeFileAtomic writes via a temp file and rename so a crash never
// leaves a truncated key or token on disk.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// tokenFromFile reads and trims the token file.
func tokenFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("platform: read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}
