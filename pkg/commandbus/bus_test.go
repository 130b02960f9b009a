package commandbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chaoskey333/pkg/audit"
	"chaoskey333/pkg/eventlog"
	"chaoskey333/pkg/idempotency"
	"chaoskey333/pkg/kvstore"
	"chaoskey333/pkg/policy"
	"chaoskey333/pkg/ratelimit"
	"chaoskey333/pkg/state"
)

const testSecret = "chaos-test-secret"

type fixture struct {
	bus       *Bus
	store     *kvstore.MemoryStore
	events    *eventlog.Log
	projector *state.Projector
	auditLog  *audit.Log
}

func newFixture(t *testing.T, paused, dryRun bool) *fixture {
	t.Helper()
	store := kvstore.NewMemoryStore()
	auditLog, err := audit.NewKVLog(store)
	require.NoError(t, err)
	f := &fixture{
		store:     store,
		events:    eventlog.New(store),
		projector: state.NewProjector(store),
		auditLog:  auditLog,
	}
	f.bus = New(Config{
		SigningSecret: testSecret,
		Policy:        policy.NewEngine("abc:operator"),
		Limiter:       ratelimit.NewLimiter(store),
		Idempotency:   idempotency.NewStore(store),
		Events:        f.events,
		Audit:         auditLog,
		Projector:     f.projector,
		Paused:        paused,
		DryRun:        dryRun,
	})
	return f
}

func signedCommand(t *testing.T, cmdType, actor, key string, payload map[string]any) Command {
	t.Helper()
	cmd := Command{
		Type:           cmdType,
		Payload:        payload,
		IdempotencyKey: key,
		Timestamp:      time.Now().UnixMilli(),
		Actor:          actor,
	}
	sig, err := Sign(cmd, testSecret)
	require.NoError(t, err)
	cmd.Signature = sig
	return cmd
}

func (f *fixture) stateSection(t *testing.T, section string) map[string]any {
	t.Helper()
	doc, err := f.projector.Current(context.Background())
	require.NoError(t, err)
	m, _ := doc[section].(map[string]any)
	require.NotNil(t, m, "section %s", section)
	return m
}

func TestExecuteAcceptsValidCommand(t *testing.T) {
	f := newFixture(t, false, false)
	ctx := context.Background()

	res := f.bus.Execute(ctx, signedCommand(t, "MINT.GATE.OPEN", "owner:333", "k-open", nil), Meta{IP: "10.0.0.1", Path: "/command"})
	assert.True(t, res.Success)
	assert.Equal(t, "MINT.GATE.OPEN accepted", res.Message)
	assert.NotEmpty(t, res.EventID)
	assert.Equal(t, true, res.Data["gateOpen"])

	mint := f.stateSection(t, "mint")
	assert.Equal(t, true, mint["gateOpen"])
	assert.Equal(t, "owner:333", mint["gateOpenedBy"])

	events, err := f.events.Query(ctx, eventlog.Filter{Type: "MINT.GATE.OPEN"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, res.EventID, events[0].ID)
}

// Scenario: the same BROADCAST.PULSE submitted twice returns the cached
// result and the pulse counter increments exactly once.
func TestExecuteIdempotentResubmission(t *testing.T) {
	f := newFixture(t, false, false)
	ctx := context.Background()

	cmd := signedCommand(t, "BROADCAST.PULSE", "operator:abc", "k1", map[string]any{"color": "violet"})
	first := f.bus.Execute(ctx, cmd, Meta{})
	require.True(t, first.Success)

	second := f.bus.Execute(ctx, cmd, Meta{})
	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(firstJSON), string(secondJSON), "resubmission must return the cached result unchanged")

	broadcast := f.stateSection(t, "broadcast")
	assert.Equal(t, int64(1), state.AsInt64(broadcast["pulseCount"]))

	events, err := f.events.Query(ctx, eventlog.Filter{Type: "BROADCAST.PULSE"})
	require.NoError(t, err)
	assert.Len(t, events, 1, "no second event for the replayed key")
}

func TestExecuteRejectsTamperedCommand(t *testing.T) {
	f := newFixture(t, false, false)
	ctx := context.Background()

	for _, cmdType := range policy.CommandTypes() {
		cmd := signedCommand(t, cmdType, "owner:333", "k-"+cmdType, map[string]any{"n": 1})
		cmd.Payload["n"] = 2 // tamper after signing
		res := f.bus.Execute(ctx, cmd, Meta{})
		assert.False(t, res.Success, "%s", cmdType)
		assert.Contains(t, res.Message, "authentication failed", "%s", cmdType)
	}

	// No state change and no events from rejected commands.
	system := f.stateSection(t, "system")
	assert.Equal(t, int64(0), state.AsInt64(system["version"]))
}

func TestExecuteRejectsBadSignatureVariants(t *testing.T) {
	f := newFixture(t, false, false)
	ctx := context.Background()

	missing := signedCommand(t, "REPLAY.START", "owner:333", "k1", nil)
	missing.Signature = ""
	assert.Contains(t, f.bus.Execute(ctx, missing, Meta{}).Message, "authentication failed")

	wrongKey := signedCommand(t, "REPLAY.START", "owner:333", "k2", nil)
	sig, err := Sign(wrongKey, "other-secret")
	require.NoError(t, err)
	wrongKey.Signature = sig
	assert.Contains(t, f.bus.Execute(ctx, wrongKey, Meta{}).Message, "authentication failed")
}

// Scenario: a bot may not trigger an evolution; only owner is permitted.
func TestExecuteAuthorization(t *testing.T) {
	f := newFixture(t, false, false)
	ctx := context.Background()

	res := f.bus.Execute(ctx, signedCommand(t, "RELIC.EVOLVE.TRIGGER", "bot:pulsar", "k1", nil), Meta{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "authorization failed")

	res = f.bus.Execute(ctx, signedCommand(t, "RELIC.EVOLVE.TRIGGER", "owner:333", "k2", nil), Meta{})
	assert.True(t, res.Success)
	relic := f.stateSection(t, "relic")
	assert.Equal(t, int64(1), state.AsInt64(relic["evolutionStage"]))
}

func TestExecuteRejectsUnknownActor(t *testing.T) {
	f := newFixture(t, false, false)
	res := f.bus.Execute(context.Background(), signedCommand(t, "BROADCAST.PULSE", "stranger", "k1", nil), Meta{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "authorization failed")
}

// Scenario: the 6th RELIC.EVOLVE.TRIGGER from one actor within the window is
// rejected with a positive retry-after.
func TestExecuteRateLimit(t *testing.T) {
	f := newFixture(t, false, false)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res := f.bus.Execute(ctx, signedCommand(t, "RELIC.EVOLVE.TRIGGER", "owner:333", fmt.Sprintf("k%d", i), nil), Meta{})
		require.True(t, res.Success, "attempt %d", i)
	}
	res := f.bus.Execute(ctx, signedCommand(t, "RELIC.EVOLVE.TRIGGER", "owner:333", "k6", nil), Meta{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "rate limit exceeded")
	assert.Positive(t, state.AsInt64(res.Data["retryAfterSeconds"]))

	relic := f.stateSection(t, "relic")
	assert.Equal(t, int64(5), state.AsInt64(relic["evolutionStage"]))
}

func TestExecuteValidation(t *testing.T) {
	f := newFixture(t, false, false)
	ctx := context.Background()

	cases := map[string]Command{
		"unknown type":  {Type: "RELIC.DESTROY", IdempotencyKey: "k", Actor: "owner:333", Timestamp: 1},
		"missing type":  {IdempotencyKey: "k", Actor: "owner:333", Timestamp: 1},
		"missing key":   {Type: "BROADCAST.PULSE", Actor: "owner:333", Timestamp: 1},
		"missing actor": {Type: "BROADCAST.PULSE", IdempotencyKey: "k", Timestamp: 1},
		"bad timestamp": {Type: "BROADCAST.PULSE", IdempotencyKey: "k", Actor: "owner:333"},
	}
	for name, cmd := range cases {
		res := f.bus.Execute(ctx, cmd, Meta{})
		assert.False(t, res.Success, name)
		assert.True(t, strings.HasPrefix(res.Message, "validation failed"), "%s: %s", name, res.Message)
	}
}

// Scenario: with the paused flag set, an otherwise-valid command reports
// success with data.paused and leaves state untouched. The same key can
// execute after the breaker clears.
func TestExecutePausedCircuitBreaker(t *testing.T) {
	f := newFixture(t, true, false)
	ctx := context.Background()

	cmd := signedCommand(t, "MINT.GATE.OPEN", "owner:333", "k1", nil)
	res := f.bus.Execute(ctx, cmd, Meta{})
	assert.True(t, res.Success)
	assert.Equal(t, true, res.Data["paused"])
	assert.NotEmpty(t, res.EventID, "paused commands are still event-logged")

	mint := f.stateSection(t, "mint")
	assert.Equal(t, false, mint["gateOpen"], "paused command must not project")

	// Same backing store, breaker cleared: the key is retryable because
	// paused outcomes are never cached.
	clearedBus := New(Config{
		SigningSecret: testSecret,
		Policy:        policy.NewEngine(""),
		Limiter:       ratelimit.NewLimiter(f.store),
		Idempotency:   idempotency.NewStore(f.store),
		Events:        eventlog.New(f.store),
		Audit:         f.auditLog,
		Projector:     state.NewProjector(f.store),
	})
	res = clearedBus.Execute(ctx, cmd, Meta{})
	assert.True(t, res.Success)
	assert.Nil(t, res.Data["paused"])
	mint = f.stateSection(t, "mint")
	assert.Equal(t, true, mint["gateOpen"])
}

func TestExecuteDryRun(t *testing.T) {
	f := newFixture(t, false, true)
	ctx := context.Background()

	res := f.bus.Execute(ctx, signedCommand(t, "HUD.DECODE.ENABLE", "operator:abc", "k1", nil), Meta{})
	assert.True(t, res.Success)
	assert.Equal(t, true, res.Data["dryRun"])

	hud := f.stateSection(t, "hud")
	assert.Equal(t, false, hud["decodeEnabled"])
}

func TestExecutePausedWinsOverDryRun(t *testing.T) {
	f := newFixture(t, true, true)
	res := f.bus.Execute(context.Background(), signedCommand(t, "REPLAY.START", "owner:333", "k1", nil), Meta{})
	assert.True(t, res.Success)
	assert.Equal(t, true, res.Data["paused"])
	assert.Nil(t, res.Data["dryRun"])
}

// auditPoisonStore breaks writes to audit keys only.
type auditPoisonStore struct{ kvstore.Store }

func (s auditPoisonStore) ListPush(ctx context.Context, key string, values ...string) error {
	if strings.HasPrefix(key, "audit:") {
		return errors.New("audit backend down")
	}
	return s.Store.ListPush(ctx, key, values...)
}
func (s auditPoisonStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if strings.HasPrefix(key, "audit:") {
		return errors.New("audit backend down")
	}
	return s.Store.Set(ctx, key, value, ttl)
}

func TestExecuteSurvivesBrokenAuditBackend(t *testing.T) {
	mem := kvstore.NewMemoryStore()
	poisoned := auditPoisonStore{mem}
	auditLog, err := audit.NewKVLog(poisoned)
	require.NoError(t, err)

	bus := New(Config{
		SigningSecret: testSecret,
		Policy:        policy.NewEngine(""),
		Limiter:       ratelimit.NewLimiter(mem),
		Idempotency:   idempotency.NewStore(mem),
		Events:        eventlog.New(mem),
		Audit:         auditLog,
		Projector:     state.NewProjector(mem),
	})
	res := bus.Execute(context.Background(), signedCommand(t, "BROADCAST.PULSE", "owner:333", "k1", nil), Meta{})
	assert.True(t, res.Success, "a broken audit backend must not break command processing")
}

// eventPoisonStore breaks the event log while everything else works.
type eventPoisonStore struct{ kvstore.Store }

func (s eventPoisonStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if strings.HasPrefix(key, "events:log:") {
		return errors.New("event backend down")
	}
	return s.Store.Set(ctx, key, value, ttl)
}

func TestExecuteSurvivesBrokenEventLog(t *testing.T) {
	mem := kvstore.NewMemoryStore()
	poisoned := eventPoisonStore{mem}
	auditLog, err := audit.NewKVLog(mem)
	require.NoError(t, err)

	bus := New(Config{
		SigningSecret: testSecret,
		Policy:        policy.NewEngine(""),
		Limiter:       ratelimit.NewLimiter(mem),
		Idempotency:   idempotency.NewStore(mem),
		Events:        eventlog.New(poisoned),
		Audit:         auditLog,
		Projector:     state.NewProjector(mem),
	})
	res := bus.Execute(context.Background(), signedCommand(t, "REPLAY.START", "owner:333", "k1", nil), Meta{})
	assert.True(t, res.Success)
	assert.Empty(t, res.EventID, "event append failure degrades to a missing eventId")
}

func TestExecuteRecordsAuditCheckpoints(t *testing.T) {
	f := newFixture(t, false, false)
	ctx := context.Background()

	f.bus.Execute(ctx, signedCommand(t, "RELIC.EVOLVE.TRIGGER", "bot:pulsar", "k1", nil), Meta{IP: "10.1.1.1", Path: "/command"})
	bad := signedCommand(t, "REPLAY.START", "owner:333", "k2", nil)
	bad.Signature = "feedface"
	f.bus.Execute(ctx, bad, Meta{IP: "10.1.1.2", Path: "/command"})
	f.bus.Execute(ctx, signedCommand(t, "REPLAY.START", "owner:333", "k3", nil), Meta{IP: "10.1.1.3", Path: "/command"})

	entries, err := f.auditLog.Recent(ctx, 10)
	require.NoError(t, err)
	types := make([]string, len(entries))
	for i, e := range entries {
		types[i] = e.Type
	}
	assert.Contains(t, types, "auth.role_mismatch")
	assert.Contains(t, types, "auth.signature_invalid")
	assert.Contains(t, types, "command.accepted")

	rep, err := f.auditLog.VerifyChain(ctx, 10)
	require.NoError(t, err)
	assert.True(t, rep.Valid)
}

func TestExecuteFullStateProjectionMatrix(t *testing.T) {
	f := newFixture(t, false, false)
	ctx := context.Background()

	steps := []struct {
		cmdType string
		actor   string
		check   func(t *testing.T)
	}{
		{"REPLAY.START", "operator:abc", func(t *testing.T) {
			replay := f.stateSection(t, "replay")
			assert.Equal(t, true, replay["active"])
			assert.Equal(t, "operator:abc", replay["startedBy"])
			assert.Positive(t, state.AsInt64(replay["startedAt"]))
		}},
		{"REPLAY.STOP", "operator:abc", func(t *testing.T) {
			assert.Equal(t, false, f.stateSection(t, "replay")["active"])
		}},
		{"HUD.DECODE.ENABLE", "operator:abc", func(t *testing.T) {
			assert.Equal(t, true, f.stateSection(t, "hud")["decodeEnabled"])
		}},
		{"HUD.DECODE.DISABLE", "operator:abc", func(t *testing.T) {
			assert.Equal(t, false, f.stateSection(t, "hud")["decodeEnabled"])
		}},
		{"MINT.GATE.OPEN", "owner:333", func(t *testing.T) {
			assert.Equal(t, true, f.stateSection(t, "mint")["gateOpen"])
		}},
		{"MINT.GATE.CLOSE", "owner:333", func(t *testing.T) {
			assert.Equal(t, false, f.stateSection(t, "mint")["gateOpen"])
		}},
	}
	for i, step := range steps {
		res := f.bus.Execute(ctx, signedCommand(t, step.cmdType, step.actor, fmt.Sprintf("matrix-%d", i), nil), Meta{})
		require.True(t, res.Success, step.cmdType)
		step.check(t)
	}

	system := f.stateSection(t, "system")
	assert.Equal(t, int64(len(steps)), state.AsInt64(system["version"]))
}
