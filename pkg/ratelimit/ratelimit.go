// Package ratelimit bounds how often each actor may run each command type.
// Fixed-window counters live in the shared key-value store so the limit holds
// across process instances.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"chaoskey333/pkg/kvstore"
)

const (
	keyPrefix    = "rate_limit:"
	window       = time.Hour
	defaultLimit = 100
)

// commandLimits is the per-command ceiling per actor per window. These values
// are part of the service contract; the evolution trigger gets the smallest
// budget because its state effect is irreversible.
var commandLimits = map[string]int64{
	"RELIC.EVOLVE.TRIGGER": 5,
	"BROADCAST.PULSE":      30,
	"REPLAY.START":         20,
	"REPLAY.STOP":          20,
	"HUD.DECODE.ENABLE":    60,
	"HUD.DECODE.DISABLE":   60,
	"MINT.GATE.OPEN":       10,
	"MINT.GATE.CLOSE":      10,
}

// Decision is the outcome of a rate-limit check. ResetSeconds is how long
// until the current window expires; it is positive whenever the request was
// denied.
type Decision struct {
	Allowed      bool
	Remaining    int64
	ResetSeconds int64
}

// Limiter counts requests per (limit type, identifier) in the key-value
// store. A storage outage fails open: refusing all commands because the
// counter backend is down would turn a partial outage into a full one.
type Limiter struct {
	store kvstore.Store
	win   time.Duration
}

func NewLimiter(store kvstore.Store) *Limiter {
	return &Limiter{store: store, win: window}
}

// NewLimiterWindow overrides the window length. Test hook.
func NewLimiterWindow(store kvstore.Store, win time.Duration) *Limiter {
	return &Limiter{store: store, win: win}
}

// LimitFor returns the ceiling for a command type.
func LimitFor(limitType string) int64 {
	if l, ok := commandLimits[limitType]; ok {
		return l
	}
	return defaultLimit
}

// Check increments the window counter for (limitType, identifier) and
// compares it against the ceiling. customLimit overrides the table when > 0.
// The first increment in a window stamps the TTL; counters therefore reset
// one window after first use, not on a wall-clock boundary.
func (l *Limiter) Check(ctx context.Context, identifier, limitType string, customLimit int64) Decision {
	limit := customLimit
	if limit <= 0 {
		limit = LimitFor(limitType)
	}
	key := fmt.Sprintf("%s%s:%s", keyPrefix, identifier, limitType)

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		// Fail open on storage errors.
		return Decision{Allowed: true, Remaining: limit}
	}
	if count == 1 {
		if err := l.store.Expire(ctx, key, l.win); err != nil {
			return Decision{Allowed: true, Remaining: limit - 1}
		}
	}

	resetSeconds := int64(l.win / time.Second)
	if ttl, err := l.store.TTL(ctx, key); err == nil && ttl > 0 {
		resetSeconds = int64(ttl / time.Second)
		if resetSeconds < 1 {
			resetSeconds = 1
		}
	}

	if count > limit {
		return Decision{Allowed: false, Remaining: 0, ResetSeconds: resetSeconds}
	}
	return Decision{Allowed: true, Remaining: limit - count, ResetSeconds: resetSeconds}
}
