// Package storage provides the durable key-value surface used to keep session
// tokens across process restarts.
package storage

import (
	"context"
	"errors"
)

// CredentialStore defines the interface for storing and retrieving session credentials.
// Keys are short opaque names such as constants.AccessTokenKey; values are opaque strings.
// Implementations must be safe for concurrent use.
type CredentialStore interface {
	// Load returns the value stored under key.
	// Returns ErrStorageNotFound if nothing is stored.
	Load(ctx context.Context, key string) (string, error)

	// Store writes value under key, replacing any previous value.
	Store(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// GetStoragePath returns a human-readable location of the store.
	// This is used for informational purposes and debugging.
	GetStoragePath() string
}

// Sentinel errors for storage operations
var (
	ErrStorageNotFound   = errors.New("storage item not found")
	ErrStorageCorrupted  = errors.New("storage data corrupted")
	ErrStoragePermission = errors.New("storage permission denied")
	ErrStorageLocked     = errors.New("storage locked by another process")
)
