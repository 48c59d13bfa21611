// Package credentials provides secure storage and retrieval of the mail
// service API token using OS-native keyrings with fallback to environment
// variables. Tokens never pass through the cache or the action queue.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Source indicates where the token was retrieved from
type Source string

const (
	SourceKeyring     Source = "keyring"
	SourceEnvironment Source = "environment"
	SourceNone        Source = "none"
)

// TokenInfo contains token information returned by Get()
type TokenInfo struct {
	Source  Source // Where the token came from
	Account string // Mail account identifier
	Token   string // API token (never serialized)
	Found   bool   // Whether a token was found
}

// JSON serializes the token info to JSON (token excluded for security)
func (t *TokenInfo) JSON() ([]byte, error) {
	output := struct {
		Account string `json:"account"`
		Source  string `json:"source"`
		Found   bool   `json:"found"`
	}{
		Account: t.Account,
		Source:  string(t.Source),
		Found:   t.Found,
	}
	return json.Marshal(output)
}

// Manager handles token operations
type Manager struct {
	keyring Keyring
}

// ManagerOption is a functional option for Manager
type ManagerOption func(*Manager)

// WithKeyring sets a custom keyring implementation
func WithKeyring(k Keyring) ManagerOption {
	return func(m *Manager) {
		m.keyring = k
	}
}

// NewManager creates a new token manager
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		keyring: &systemKeyring{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// normalizeAccount normalizes account identifiers to lowercase
func normalizeAccount(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}

// serviceName returns the keyring service name for an account
func serviceName(account string) string {
	return fmt.Sprintf("mailkeep-%s", normalizeAccount(account))
}

// Set stores the API token in the keyring
func (m *Manager) Set(ctx context.Context, account, token string) error {
	account = normalizeAccount(account)
	return m.keyring.Set(serviceName(account), account, token)
}

// Get retrieves the API token from available sources (keyring first,
// then the MAILKEEP_API_TOKEN environment variable)
func (m *Manager) Get(ctx context.Context, account string) (*TokenInfo, error) {
	account = normalizeAccount(account)

	token, err := m.keyring.Get(serviceName(account), account)
	if err == nil && token != "" {
		return &TokenInfo{
			Source:  SourceKeyring,
			Account: account,
			Token:   token,
			Found:   true,
		}, nil
	}

	if envToken := os.Getenv("MAILKEEP_API_TOKEN"); envToken != "" {
		return &TokenInfo{
			Source:  SourceEnvironment,
			Account: account,
			Token:   envToken,
			Found:   true,
		}, nil
	}

	return &TokenInfo{
		Source:  SourceNone,
		Account: account,
		Found:   false,
	}, nil
}

// Delete removes the API token from the keyring. Called on logout so a
// purged cache cannot be repopulated with a stale identity.
func (m *Manager) Delete(ctx context.Context, account string) error {
	account = normalizeAccount(account)

	err := m.keyring.Delete(serviceName(account), account)
	// Idempotent: return nil if not found
	if err != nil && strings.Contains(err.Error(), "not found") {
		return nil
	}
	return err
}
