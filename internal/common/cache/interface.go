// Package cache wraps the Redis operations used by the judge.
package cache

import (
	"context"
	"time"
)

// Cache is the subset of Redis the judge relies on.
type Cache interface {
	BasicOps
	LockOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get returns "" and no error when the key is missing.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair. A ttl of 0 means no expiry.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// LockOps defines distributed lock operations.
// A lock is owned by the token passed to TryLock; only that owner may release or extend it.
type LockOps interface {
	TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, owner string) error
	ExtendLock(ctx context.Context, key, owner string, ttl time.Duration) error
}
