//go:build linux

package platform

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Secret Service (org.freedesktop.secrets) constants.
const (
	secretsDest       = "org.freedesktop.secrets"
	secretsPath       = dbus.ObjectPath("/org/freedesktop/secrets")
	serviceIface      = "org.freedesktop.Secret.Service"
	itemIface         = "org.freedesktop.Secret.Item"
	collectionDefault = dbus.ObjectPath("/org/freedesktop/secrets/aliases/default")
	collectionIface   = "org.freedesktop.Secret.Collection"
	plainAlgo         = "plain"
)

var errSecretUnavailable = errors.New("platform: secret service unavailable")

// tokenAttributes identify the agent's token item in the keyring.
var tokenAttributes = map[string]string{
	"application": "activityd",
	"purpose":     "enrollment-token",
}

// secretStoreToken looks the token up in the session keyring. Any
// D-Bus failure degrades to the file fallback, it is never fatal.
func secretStoreToken() (string, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return "", errSecretUnavailable
	}

	svc := conn.Object(secretsDest, secretsPath)

	var unlocked, locked []dbus.ObjectPath
	if err := svc.Call(serviceIface+".SearchItems", 0, tokenAttributes).Store(&unlocked, &locked); err != nil {
		return "", errSecretUnavailable
	}
	if len(unlocked) == 0 {
		return "", ErrNoToken
	}

	var output dbus.Variant
	var session dbus.ObjectPath
	if err := svc.Call(serviceIface+".OpenSession", 0, plainAlgo, dbus.MakeVariant("")).Store(&output, &session); err != nil {
		return "", errSecretUnavailable
	}

	item := conn.Object(secretsDest, unlocked[0])

	// Secret is (session, parameters, value, content_type).
	var secret struct {
		Session     dbus.ObjectPath
		Parameters  []byte
		Value       []byte
		ContentType string
	}
	if err := item.Call(itemIface+".GetSecret", 0, session).Store(&secret); err != nil {
		return "", errSecretUnavailable
	}
	if len(secret.Value) == 0 {
		return "", ErrNoToken
	}
	return string(secret.Value), nil
}

// secretStoreSave writes the token into the default collection.
func secretStoreSave(token string) error {
	conn, err := dbus.SessionBus()
	if err != nil {
		return errSecretUnavailable
	}

	svc := conn.Object(secretsDest, secretsPath)

	var output dbus.Variant
	var session dbus.ObjectPath
	if err := svc.Call(serviceIface+".OpenSession", 0, plainAlgo, dbus.MakeVariant("")).Store(&output, &session); err != nil {
		return errSecretUnavailable
	}

	props := map[string]dbus.Variant{
		"org.freedesktop.Secret.Item.Label":      dbus.MakeVariant("activityd enrollment token"),
		"org.freedesktop.Secret.Item.Attributes": dbus.MakeVariant(tokenAttributes),
	}
	secret := struct {
		Session     dbus.ObjectPath
		Parameters  []byte
		Value       []byte
		ContentType string
	}{
		Session:     session,
		Value:       []byte(token),
		ContentType: "text/plain",
	}

	collection := conn.Object(secretsDest, collectionDefault)
	var itemPath, promptPath dbus.ObjectPath
	if err := collection.Call(collectionIface+".CreateItem", 0, props, secret, true).Store(&itemPath, &promptPath); err != nil {
		return fmt.Errorf("platform: store token in keyring: %w", err)
	}
	return nil
}
