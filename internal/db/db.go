package db

import (
	"context"
	"time"
)

// Store is the persistence facade shared by all drivers.
type Store interface {
	Pinger
	KVStore
	Close()
	WaitForReady(ctx context.Context, timeout time.Duration) error
}

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// KVItem holds a single key+value pair for multi-key writes.
type KVItem struct {
	Key   string
	Value []byte
}

// KVStore provides key-value operations with atomic create-if-absent primitives.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// MGet returns values in key order; missing keys yield nil entries.
	MGet(ctx context.Context, keys []string) ([][]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// SetNX stores the value only if the key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte) (bool, error)
	// MSetNX stores all items only if none of the keys exist. All or nothing.
	MSetNX(ctx context.Context, items []KVItem) (bool, error)
	// Incr atomically increments an integer counter and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	Del(ctx context.Context, keys ...string) error
	// ScanPrefix returns every key starting with prefix, in no particular order.
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
}
