package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chaoskey333/pkg/kvstore"
)

func TestCheckMissThenHit(t *testing.T) {
	s := NewStore(kvstore.NewMemoryStore())
	ctx := context.Background()

	exists, _ := s.Check(ctx, "k1")
	assert.False(t, exists)

	require.NoError(t, s.StoreResult(ctx, "k1", []byte(`{"success":true}`)))

	exists, raw := s.Check(ctx, "k1")
	assert.True(t, exists)
	assert.JSONEq(t, `{"success":true}`, string(raw))
}

func TestReserveBlocksConcurrentSameKey(t *testing.T) {
	s := NewStore(kvstore.NewMemoryStore())
	ctx := context.Background()

	cached, err := s.Reserve(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, cached)

	// Second request with the same key while the first is still running.
	_, err = s.Reserve(ctx, "k1")
	assert.ErrorIs(t, err, ErrInFlight)

	// A pending reservation must not read as a stored result.
	exists, _ := s.Check(ctx, "k1")
	assert.False(t, exists)

	// After completion the reservation is replaced by the result.
	require.NoError(t, s.StoreResult(ctx, "k1", []byte(`{"success":true,"message":"done"}`)))
	cached, err = s.Reserve(ctx, "k1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"message":"done"}`, string(cached))
}

func TestReleaseAllowsRetry(t *testing.T) {
	s := NewStore(kvstore.NewMemoryStore())
	ctx := context.Background()

	_, err := s.Reserve(ctx, "k1")
	require.NoError(t, err)
	s.Release(ctx, "k1")

	cached, err := s.Reserve(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, cached, "released key should be claimable again")
}

func TestReleaseKeepsStoredResult(t *testing.T) {
	s := NewStore(kvstore.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, s.StoreResult(ctx, "k1", []byte(`{"success":true}`)))
	s.Release(ctx, "k1")

	exists, _ := s.Check(ctx, "k1")
	assert.True(t, exists, "Release must never drop a completed result")
}

// failingStore errors on every call; the store must fail toward re-execution.
type failingStore struct{ kvstore.Store }

func (failingStore) Get(context.Context, string) (string, error) {
	return "", errors.New("backend down")
}
func (failingStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("backend down")
}

func TestStorageErrorsFailTowardReexecution(t *testing.T) {
	s := NewStore(failingStore{})
	ctx := context.Background()

	exists, _ := s.Check(ctx, "k1")
	assert.False(t, exists)

	cached, err := s.Reserve(ctx, "k1")
	assert.NoError(t, err)
	assert.Nil(t, cached)
}
