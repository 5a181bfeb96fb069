package config

import (
	"errors"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

// Credential holds the API key shared by the responder and the
// orchestrator. It can be replaced at runtime.
type Credential struct {
	mu        sync.RWMutex
	key       string
	source    string
	listeners []func(present bool)
}

// NewCredential returns a holder seeded with key.
func NewCredential(key, source string) *Credential {
	return &Credential{key: strings.TrimSpace(key), source: source}
}

// APIKey returns the current key, empty when unset.
func (c *Credential) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key
}

// Source names where the current key came from.
func (c *Credential) Source() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.source
}

// Present reports whether a non-empty key is configured.
func (c *Credential) Present() bool {
	return c.APIKey() != ""
}

// Set replaces the key and notifies listeners when it changed.
func (c *Credential) Set(key, source string) bool {
	key = strings.TrimSpace(key)

	c.mu.Lock()
	if key == c.key {
		c.mu.Unlock()
		return false
	}
	c.key = key
	c.source = source
	listeners := append([]func(bool){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(key != "")
	}
	return true
}

// OnChange registers fn to run after every effective Set.
func (c *Credential) OnChange(fn func(present bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// CredentialStore persists the API key outside the config file.
type CredentialStore interface {
	Get() (string, error)
	Set(key string) error
	Delete() error
}

// KeyringStore keeps the key in the OS keychain.
type KeyringStore struct {
	Service string
	User    string
}

// NewKeyringStore returns the store used by the yaoay binary.
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{Service: "yaoay", User: "openai"}
}

// Get returns the stored key, or "" when nothing is stored.
func (k *KeyringStore) Get() (string, error) {
	value, err := keyring.Get(k.Service, k.User)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	return value, err
}

// Set stores key.
func (k *KeyringStore) Set(key string) error {
	return keyring.Set(k.Service, k.User, key)
}

// Delete removes the stored key; deleting a missing key is not an error.
func (k *KeyringStore) Delete() error {
	err := keyring.Delete(k.Service, k.User)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// Credential sources reported by ResolveCredential.
const (
	SourceEnv     = "env"
	SourceKeyring = "keyring"
	SourceConfig  = "config"
	SourceRuntime = "runtime"
	SourceNone    = "none"
)

// ResolveCredential picks the startup key: OPENAI_API_KEY, then the store,
// then ai.api_key (which YAOAY_AI_API_KEY overrides). A failing store is
// skipped and its error returned alongside the fallback.
func ResolveCredential(cfg *Config, store CredentialStore, getenv func(string) string) (string, string, error) {
	if key := strings.TrimSpace(getenv("OPENAI_API_KEY")); key != "" {
		return key, SourceEnv, nil
	}

	var storeErr error
	if store != nil {
		key, err := store.Get()
		if err != nil {
			storeErr = err
		} else if key = strings.TrimSpace(key); key != "" {
			return key, SourceKeyring, nil
		}
	}

	if key := strings.TrimSpace(cfg.AI.APIKey); key != "" {
		return key, SourceConfig, storeErr
	}
	return "", SourceNone, storeErr
}
