// Package storage defines the key-value port the SDK persists tokens
// through. Drivers live under storage/drivers.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when no value is stored under the key.
var ErrNotFound = errors.New("storage: not found")

// Store is a key-value persistence backend. Values are either serialized
// strings or structured records depending on the backend; readers must
// accept both.
type Store interface {
	// Get returns the stored value or ErrNotFound.
	Get(ctx context.Context, key string) (any, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value any) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}

// RecordStore is implemented by backends that keep values as structured
// records rather than serialized strings.
type RecordStore interface {
	Store
	StoresRecords() bool
}

// StoresRecords reports whether s keeps structured records. Writers use it
// to decide between handing over the value or its JSON encoding.
func StoresRecords(s Store) bool {
	rs, ok := s.(RecordStore)
	return ok && rs.StoresRecords()
}

// Stringify converts a value into the string form kept by string-only
// backends. Strings and byte slices pass through; anything else is JSON
// encoded.
func Stringify(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", errors.New("storage: nil value")
	}

	b, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("storage: encode value: %w", err)
	}
	return string(b), nil
}
