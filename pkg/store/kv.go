// Package store defines the KVStore port the engine persists through, with
// in-memory, Redis and database/sql implementations. Values are opaque
// encoded bytes; a single CompareAndSwap is linearisable per key.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrCASConflict is returned when a compare-and-swap loses the race.
var ErrCASConflict = errors.New("compare-and-swap conflict")

// KV is the persistence port.
type KV interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set unconditionally writes value. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// CompareAndSwap writes next iff the current value equals expected.
	// expected == nil means "insert only if absent". Returns false on
	// conflict without error.
	CompareAndSwap(ctx context.Context, key string, expected, next []byte, ttl time.Duration) (bool, error)
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// ScanPrefix returns all live entries whose key starts with prefix.
	ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error)
}
