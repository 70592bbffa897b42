// Package credstore defines the credential store used for account
// tokens and the persisted account list.
package credstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no value exists for a key.
var ErrNotFound = errors.New("credential not found")

// Well-known keys. The account list and the pre-multi-account legacy
// token share the store with per-account tokens.
const (
	KeyAccounts    = "accounts"
	KeyLegacyToken = "legacy-token"
)

// TokenKey returns the store key holding the API token for an account.
func TokenKey(accountID string) string {
	return "token/" + accountID
}

// Store is the abstraction for credential backends. Implementations
// must be safe for concurrent use.
type Store interface {
	// Get returns the plaintext value for a key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores a plaintext value, creating or updating as needed.
	Set(ctx context.Context, key, value string) error
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
