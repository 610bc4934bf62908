//go:build !windows

package platform

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

// unixPlatform covers linux and darwin. The key file has no OS
// wrapping beyond 0600 permissions; linux additionally consults the
// D-Bus Secret Service for the token.
type unixPlatform struct {
	opts Options
}

// New constructs the platform capability for this OS.
func New(opts Options) (Platform, error) {
	opts.applyDefaults(defaultDataDir())
	if opts.SocketPath == "" {
		opts.SocketPath = defaultSocketPath(opts.DataDir)
	}
	return &unixPlatform{opts: opts}, nil
}

func (p *unixPlatform) DataDir() string {
	return p.opts.DataDir
}

func (p *unixPlatform) SocketPath() string {
	return p.opts.SocketPath
}

func (p *unixPlatform) EncryptionKey() ([]byte, error) {
	identity := func(b []byte) ([]byte, error) { return b, nil }
	return loadOrCreateKey(p.opts.KeyPath, identity, identity)
}

func (p *unixPlatform) Token() (string, error) {
	if tok := os.Getenv(TokenEnv); tok != "" {
		return tok, nil
	}
	if tok, err := secretStoreToken(); err == nil && tok != "" {
		return tok, nil
	}
	return tokenFromFile(p.opts.TokenPath)
}

func (p *unixPlatform) StoreToken(token string) error {
	if err := secretStoreSave(token); err == nil {
		return nil
	} else if !errors.Is(err, errSecretUnavailable) {
		return err
	}
	return writeFileAtomic(p.opts.TokenPath, []byte(token+"\n"), 0o600)
}

func (p *unixPlatform) OwnerOnly(path string) error {
	return os.Chmod(path, 0o600)
}

func defaultDataDir() string {
	home, _ := os.UserHomeDir()
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "activityd")
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "activityd")
	}
	return filepath.Join(home, ".local", "share", "activityd")
}

func defaultSocketPath(dataDir string) string {
	if runtime.GOOS == "linux" {
		if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
			return filepath.Join(xdgRuntime, "activityd.sock")
		}
	}
	return filepath.Join(dataDir, "activityd.sock")
}
