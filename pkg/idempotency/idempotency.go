// Package idempotency caches the result of each processed command under its
// caller-supplied key, so a retransmitted command returns the original result
// instead of executing twice.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chaoskey333/pkg/kvstore"
)

const (
	keyPrefix = "idempotency:"
	// Retention covers a full day of retries before a key may execute again.
	Retention = 24 * time.Hour
	// pendingSentinel marks a key reserved by an in-flight execution. The
	// reservation closes the read-then-write race between two concurrent
	// requests carrying the same key.
	pendingSentinel = `{"__pending":true}`
	// pendingTTL bounds how long a crashed execution can hold a key.
	pendingTTL = 30 * time.Second
)

// ErrInFlight means another request holding the same key is still executing.
var ErrInFlight = errors.New("idempotency: key reserved by an in-flight execution")

// Store persists results as opaque JSON; the bus owns the result shape.
type Store struct {
	kv kvstore.Store
}

func NewStore(kv kvstore.Store) *Store {
	return &Store{kv: kv}
}

// Check looks up a previously stored result. A storage error reads as
// not-found: the deliberate failure mode is re-execution, not refusal.
// A pending reservation also reads as not-found; Reserve is what detects the
// in-flight case.
func (s *Store) Check(ctx context.Context, key string) (bool, []byte) {
	raw, err := s.kv.Get(ctx, keyPrefix+key)
	if err != nil || raw == pendingSentinel {
		return false, nil
	}
	return true, []byte(raw)
}

// Reserve claims the key for the current execution via SetNX. Returns
// ErrInFlight when another execution holds the reservation, and the cached
// result when the key already completed.
func (s *Store) Reserve(ctx context.Context, key string) ([]byte, error) {
	ok, err := s.kv.SetNX(ctx, keyPrefix+key, pendingSentinel, pendingTTL)
	if err != nil {
		// Same policy as Check: proceed and risk re-execution.
		return nil, nil
	}
	if ok {
		return nil, nil
	}
	raw, err := s.kv.Get(ctx, keyPrefix+key)
	if err != nil {
		return nil, nil
	}
	if raw == pendingSentinel {
		return nil, ErrInFlight
	}
	return []byte(raw), nil
}

// Release drops a reservation without storing a result, so the key can be
// retried. Used for commands short-circuited after reservation.
func (s *Store) Release(ctx context.Context, key string) {
	if raw, err := s.kv.Get(ctx, keyPrefix+key); err != nil || raw != pendingSentinel {
		return
	}
	_ = s.kv.Delete(ctx, keyPrefix+key)
}

// StoreResult overwrites the reservation with the final result for the full
// retention window.
func (s *Store) StoreResult(ctx context.Context, key string, result []byte) error {
	if err := s.kv.Set(ctx, keyPrefix+key, string(result), Retention); err != nil {
		return fmt.Errorf("store idempotency result: %w", err)
	}
	return nil
}
