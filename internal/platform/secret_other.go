//go:build !linux && !windows

package platform

import "errors"

var errSecretUnavailable = errors.New("platform: secret service unavailable")

// No OS credential store is wired on this platform; the env var and
// token file are the only sources.
func secretStoreToken() (string, error) {
	return "", errSecretUnavailable
}

func secretStoreSave(string) error {
	return errSecretUnavailable
}
