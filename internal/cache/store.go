// Package cache provides the shared key-value store used for idempotency
// locks and results, webhook replay protection and dependency overrides.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by a store after Close
var ErrClosed = errors.New("cache store closed")

// Store is a key-value store with per-entry TTL.
// Get returns (nil, false, nil) for a missing or expired key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// SetNX stores value only if key is absent and reports whether it did
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only if it currently holds value
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)

	Close() error
}
