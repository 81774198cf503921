// Package vault resolves backend API keys from the OS keychain or the
// environment. Most llama.cpp deployments run keyless; the vault only comes
// into play for backends started with --api-key.
package vault

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const serviceName = "proxycache"

// Vault provides secure API key storage using the OS keychain,
// with fallback to environment variables.
type Vault struct{}

// New creates a new Vault instance.
func New() *Vault {
	return &Vault{}
}

// Set stores an API key for the given backend name in the OS keychain.
func (v *Vault) Set(name, key string) error {
	return keyring.Set(serviceName, name, key)
}

// Get retrieves the API key for the given backend name. It first checks the
// OS keychain, then falls back to the environment variable
// PROXYCACHE_KEY_{UPPER(name)}.
func (v *Vault) Get(name string) (string, error) {
	secret, err := keyring.Get(serviceName, name)
	if err == nil && secret != "" {
		return secret, nil
	}

	envKey := "PROXYCACHE_KEY_" + strings.ToUpper(name)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}

	return "", fmt.Errorf("no key found for backend %q: not in keychain and %s not set", name, envKey)
}

// Delete removes the API key for the given backend name from the OS keychain.
func (v *Vault) Delete(name string) error {
	return keyring.Delete(serviceName, name)
}

// ResolveKeyRef parses a key reference and retrieves the corresponding key.
// Supported formats:
//   - "" (no key; returns empty)
//   - "keyring://proxycache/<name>"
//   - "env:VARIABLE_NAME"
//   - "file:///path/to/key"
func (v *Vault) ResolveKeyRef(keyRef string) (string, error) {
	if keyRef == "" {
		return "", nil
	}

	if strings.HasPrefix(keyRef, "keyring://") {
		path := strings.TrimPrefix(keyRef, "keyring://")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://proxycache/<name>\")", keyRef)
		}
		return v.Get(parts[1])
	}

	if strings.HasPrefix(keyRef, "env:") {
		envVar := strings.TrimPrefix(keyRef, "env:")
		if val := os.Getenv(envVar); val != "" {
			return val, nil
		}
		return "", fmt.Errorf("environment variable %q is not set", envVar)
	}

	if strings.HasPrefix(keyRef, "file://") {
		filePath := strings.TrimPrefix(keyRef, "file://")
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("reading key file %q: %w", filePath, err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("key file %q is empty", filePath)
		}
		return key, nil
	}

	return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://proxycache/<name>\", \"env:VARIABLE_NAME\", or \"file:///path/to/key\")", keyRef)
}
