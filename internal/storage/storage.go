// Package storage provides the key-value persistence contract used by the
// social core, plus file, sqlite, and in-memory backends. Values are stored
// as JSON; keys follow a flat slash-delimited layout.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// Logical keys used by the social core.
const (
	// KeyLocalPeer holds the local identity ("me") record.
	KeyLocalPeer = "me"
	// KeyOptions holds operator-tunable settings.
	KeyOptions = "options"
	// KeyInstanceIndex holds the array of known remote instance ids. It is
	// rewritten on every full save so removed ids fall out of the index.
	KeyInstanceIndex = "instanceIds"
	// InstanceKeyPrefix prefixes one record per remote instance.
	InstanceKeyPrefix = "instance/"
)

// InstanceKey returns the storage key for a remote instance record.
func InstanceKey(instanceID string) string {
	return InstanceKeyPrefix + instanceID
}

var (
	// ErrNotFound is returned by Load when the key is absent.
	ErrNotFound = errors.New("storage: key not found")
	// ErrLocked is returned by encrypted backends before Unlock succeeds.
	ErrLocked = errors.New("storage: store is locked")
	// ErrNotInitialized means the backing file does not exist yet.
	ErrNotInitialized = errors.New("storage: store not initialized")
	// ErrAlreadyExists means Initialize found an existing backing file.
	ErrAlreadyExists = errors.New("storage: store already exists")
	// ErrInvalidPass means the passphrase failed to open the store.
	ErrInvalidPass = errors.New("storage: invalid passphrase")
	// ErrCorrupt means the backing file could not be decoded.
	ErrCorrupt = errors.New("storage: corrupted store")
)

// Store is asynchronous key-value persistence for JSON-encodable records.
// Writes under different keys are independent; callers that need ordered
// persistence of one record must await each Save before the next mutation.
type Store interface {
	// Load decodes the value at key into out, or returns ErrNotFound.
	Load(ctx context.Context, key string, out any) error
	// Save encodes val and writes it under key, overwriting any prior value.
	Save(ctx context.Context, key string, val any) error
	// Keys lists all stored keys in lexical order.
	Keys(ctx context.Context) ([]string, error)
	// Reset removes every stored record.
	Reset(ctx context.Context) error
}

func keyError(op, key string, err error) error {
	return fmt.Errorf("%s %q: %w", op, key, err)
}
