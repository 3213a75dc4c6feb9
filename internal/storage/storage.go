// Package storage persists the session's token material.
//
// A Store is a small string key/value abstraction. The session layer reads
// the four token entries with one GetMany call, writes them with one SetMany
// call and removes them with one Remove call, so every backend must apply a
// batch as a unit where it can: SQLite and PostgreSQL use a single statement
// or a transaction, Redis uses MGET and MULTI/EXEC.
//
// Backends register a Factory under their type name. The memory and redis
// backends register from this package; sqlite and postgres register from
// their own packages when imported:
//
//	import _ "flora-session/internal/storage/sqlite"
//
//	store, err := storage.Create("sqlite", storage.Options{DatabasePath: "flora.db"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
// All backend failures are returned as errors of type storage (see
// common/errors.StorageError).
package storage

import (
	"context"
)

// Pair is one key/value entry of a batch write.
type Pair struct {
	Key   string
	Value string
}

// Store is durable key/value persistence for token material.
type Store interface {
	// Get returns the value at key. A missing key is reported through ok.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// GetMany reads all keys at one point in time. Missing keys are absent
	// from the result.
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)

	// SetMany writes all pairs together.
	SetMany(ctx context.Context, pairs ...Pair) error

	// Remove deletes all keys together. Missing keys are ignored.
	Remove(ctx context.Context, keys ...string) error

	Close() error
}

// Options carries the settings any registered backend may need.
type Options struct {
	DatabasePath string
	PostgresDSN  string
	Redis        RedisClient
}

// Factory builds a Store from Options.
type Factory interface {
	Create(opts Options) (Store, error)
	GetType() string
}
