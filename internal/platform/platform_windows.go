//go:build windows

package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/windows"
)

// windowsPlatform wraps the buffer key with DPAPI so only the current
// user account can unwrap it.
type windowsPlatform struct {
	opts Options
}

// New constructs the platform capability for this OS.
func New(opts Options) (Platform, error) {
	opts.applyDefaults(defaultDataDir())
	if opts.SocketPath == "" {
		opts.SocketPath = `\\.\pipe\activityd`
	}
	return &windowsPlatform{opts: opts}, nil
}

func (p *windowsPlatform) DataDir() string {
	return p.opts.DataDir
}

func (p *windowsPlatform) SocketPath() string {
	return p.opts.SocketPath
}

func (p *windowsPlatform) EncryptionKey() ([]byte, error) {
	return loadOrCreateKey(p.opts.KeyPath, dpapiProtect, dpapiUnprotect)
}

func (p *windowsPlatform) Token() (string, error) {
	if tok := os.Getenv(TokenEnv); tok != "" {
		return tok, nil
	}
	return tokenFromFile(p.opts.TokenPath)
}

func (p *windowsPlatform) StoreToken(token string) error {
	return writeFileAtomic(p.opts.TokenPath, []byte(token+"\r\n"), 0o600)
}

// OwnerOnly is a no-op beyond the default file DACL; the data
// directory lives under the user profile.
func (p *windowsPlatform) OwnerOnly(string) error {
	return nil
}

func defaultDataDir() string {
	if appData := os.Getenv("LOCALAPPDATA"); appData != "" {
		return filepath.Join(appData, "activityd")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "AppData", "Local", "activityd")
}

const dpapiDescription = "activityd buffer key"

func dpapiProtect(data []byte) ([]byte, error) {
	in := windows.DataBlob{Size: uint32(len(data)), Data: &data[0]}
	var out windows.DataBlob

	desc, err := windows.UTF16PtrFromString(dpapiDescription)
	if err != nil {
		return nil, err
	}
	if err := windows.CryptProtectData(&in, desc, nil, 0, nil, windows.CRYPTPROTECT_UI_FORBIDDEN, &out); err != nil {
		return nil, fmt.Errorf("CryptProtectData: %w", err)
	}
	defer windows.LocalFree(windows.Handle(unsafe.Pointer(out.Data)))

	return append([]byte(nil), unsafe.Slice(out.Data, out.Size)...), nil
}

func dpapiUnprotect(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty key file")
	}
	in := windows.DataBlob{Size: uint32(len(data)), Data: &data[0]}
	var out windows.DataBlob

	if err := windows.CryptUnprotectData(&in, nil, nil, 0, nil, windows.CRYPTPROTECT_UI_FORBIDDEN, &out); err != nil {
		return nil, fmt.Errorf("CryptUnprotectData: %w", err)
	}
	defer windows.LocalFree(windows.Handle(unsafe.Pointer(out.Data)))

	return append([]byte(nil), unsafe.Slice(out.Data, out.Size)...), nil
}
