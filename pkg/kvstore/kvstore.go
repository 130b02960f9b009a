// Package kvstore abstracts the durable key-value backend the command core
// runs against. Production uses Redis; tests and offline operation use the
// in-memory implementation. The backend is chosen at startup and injected,
// never probed at runtime.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the minimal surface the command core needs from its backend.
// Incr and SetNX must be atomic; everything else is plain read/write.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets the key only if it does not exist. Returns true when the
	// write happened. This is the compare-and-set primitive used to
	// serialize same-key idempotency races.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Incr atomically increments the integer at key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL returns the remaining lifetime, or a negative duration when the
	// key has no expiry or does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)
	ListPush(ctx context.Context, key string, values ...string) error
	// ListRange returns elements [start, stop] inclusive; negative indexes
	// count from the tail, Redis semantics.
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ListLen(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
}
