package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"chaoskey333/pkg/kvstore"
)

func TestCheckEnforcesCommandLimit(t *testing.T) {
	store := kvstore.NewMemoryStore()
	l := NewLimiter(store)
	ctx := context.Background()

	// RELIC.EVOLVE.TRIGGER allows 5 per window; the 6th is denied.
	for i := 0; i < 5; i++ {
		d := l.Check(ctx, "owner:abc", "RELIC.EVOLVE.TRIGGER", 0)
		assert.True(t, d.Allowed, "attempt %d", i+1)
		assert.Equal(t, int64(4-i), d.Remaining, "attempt %d", i+1)
	}
	d := l.Check(ctx, "owner:abc", "RELIC.EVOLVE.TRIGGER", 0)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.Positive(t, d.ResetSeconds)
}

func TestCheckIsolatesActorAndCommand(t *testing.T) {
	store := kvstore.NewMemoryStore()
	l := NewLimiter(store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Check(ctx, "owner:abc", "RELIC.EVOLVE.TRIGGER", 0)
	}
	assert.False(t, l.Check(ctx, "owner:abc", "RELIC.EVOLVE.TRIGGER", 0).Allowed)

	// Other actors and other command types keep their own budgets.
	assert.True(t, l.Check(ctx, "owner:xyz", "RELIC.EVOLVE.TRIGGER", 0).Allowed)
	assert.True(t, l.Check(ctx, "owner:abc", "BROADCAST.PULSE", 0).Allowed)
}

func TestCheckWindowResets(t *testing.T) {
	store := kvstore.NewMemoryStore()
	now := time.Now()
	store.SetClock(func() time.Time { return now })
	l := NewLimiterWindow(store, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.True(t, l.Check(ctx, "bot:p", "X", 2).Allowed)
	}
	assert.False(t, l.Check(ctx, "bot:p", "X", 2).Allowed)

	now = now.Add(61 * time.Second)
	assert.True(t, l.Check(ctx, "bot:p", "X", 2).Allowed, "counter should reset after the window")
}

func TestCheckCustomLimitOverride(t *testing.T) {
	store := kvstore.NewMemoryStore()
	l := NewLimiter(store)
	ctx := context.Background()

	assert.True(t, l.Check(ctx, "a", "BROADCAST.PULSE", 1).Allowed)
	assert.False(t, l.Check(ctx, "a", "BROADCAST.PULSE", 1).Allowed)
}

func TestLimitFor(t *testing.T) {
	assert.Equal(t, int64(5), LimitFor("RELIC.EVOLVE.TRIGGER"))
	assert.Equal(t, int64(30), LimitFor("BROADCAST.PULSE"))
	assert.Equal(t, int64(100), LimitFor("SOMETHING.ELSE"))
}

// brokenStore fails every operation; the limiter must allow anyway.
type brokenStore struct{ kvstore.Store }

func (brokenStore) Incr(context.Context, string) (int64, error) {
	return 0, errors.New("backend down")
}

func TestCheckFailsOpenOnStorageError(t *testing.T) {
	l := NewLimiter(brokenStore{})
	d := l.Check(context.Background(), "owner:abc", "RELIC.EVOLVE.TRIGGER", 0)
	assert.True(t, d.Allowed, "storage outage must not deny commands")
	assert.Equal(t, int64(5), d.Remaining)
}
