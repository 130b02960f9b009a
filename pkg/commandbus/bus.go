// Package commandbus composes validation, authentication, authorization,
// idempotency, rate limiting, the circuit breaker, state projection, and the
// two logs into one request-processing pipeline. The bus never lets an error
// escape: every path terminates in a Result.
package commandbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"chaoskey333/pkg/audit"
	"chaoskey333/pkg/eventlog"
	"chaoskey333/pkg/idempotency"
	"chaoskey333/pkg/policy"
	"chaoskey333/pkg/ratelimit"
	"chaoskey333/pkg/signature"
	"chaoskey333/pkg/state"
)

// Meta carries request context the bus only needs for audit entries.
type Meta struct {
	IP   string
	Path string
}

// Bus is built once at process start and shared by every request handler;
// all of its state lives in the injected stores.
type Bus struct {
	secret    string
	policy    *policy.Engine
	limiter   *ratelimit.Limiter
	idem      *idempotency.Store
	events    *eventlog.Log
	auditLog  *audit.Log
	projector *state.Projector
	paused    bool
	dryRun    bool
	now       func() time.Time
}

// Config wires the bus. Paused and DryRun are the circuit breaker: read once
// here and fixed for the process lifetime; changing them requires a restart.
type Config struct {
	SigningSecret string
	Policy        *policy.Engine
	Limiter       *ratelimit.Limiter
	Idempotency   *idempotency.Store
	Events        *eventlog.Log
	Audit         *audit.Log
	Projector     *state.Projector
	Paused        bool
	DryRun        bool
}

func New(cfg Config) *Bus {
	return &Bus{
		secret:    cfg.SigningSecret,
		policy:    cfg.Policy,
		limiter:   cfg.Limiter,
		idem:      cfg.Idempotency,
		events:    cfg.Events,
		auditLog:  cfg.Audit,
		projector: cfg.Projector,
		paused:    cfg.Paused,
		dryRun:    cfg.DryRun,
		now:       time.Now,
	}
}

// Execute runs the full pipeline for one command. Check order is fixed:
// structure, signature, authorization, idempotency, rate limit, circuit
// breaker, then projection plus event append. Any failed check
// short-circuits with a message naming that check.
func (b *Bus) Execute(ctx context.Context, cmd Command, meta Meta) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("commandbus panic recovered type=%s actor=%s: %v", cmd.Type, cmd.Actor, r)
			res = Result{Success: false, Message: "internal error: unexpected failure"}
		}
	}()

	if err := cmd.validate(); err != nil {
		return Result{Success: false, Message: fmt.Sprintf("validation failed: %v", err)}
	}

	if !signature.Verify(cmd.signedFields(), cmd.Signature, b.secret) {
		b.auditBestEffort(ctx, "auth.signature_invalid", meta, map[string]any{
			"commandType": cmd.Type,
			"actor":       cmd.Actor,
		})
		return Result{Success: false, Message: "authentication failed: invalid command signature"}
	}

	if !b.policy.ValidateCommand(cmd.Actor, cmd.Type) {
		b.auditBestEffort(ctx, "auth.role_mismatch", meta, map[string]any{
			"commandType": cmd.Type,
			"actor":       cmd.Actor,
		})
		return Result{Success: false, Message: fmt.Sprintf("authorization failed: actor %q may not run %s", cmd.Actor, cmd.Type)}
	}

	if exists, raw := b.idem.Check(ctx, cmd.IdempotencyKey); exists {
		if res, ok := decodeResult(raw); ok {
			return res
		}
	}

	decision := b.limiter.Check(ctx, cmd.Actor, cmd.Type, 0)
	if !decision.Allowed {
		b.auditBestEffort(ctx, "rate_limit.exceeded", meta, map[string]any{
			"commandType":       cmd.Type,
			"actor":             cmd.Actor,
			"retryAfterSeconds": decision.ResetSeconds,
		})
		return Result{
			Success: false,
			Message: fmt.Sprintf("rate limit exceeded for %s", cmd.Type),
			Data: map[string]any{
				"retryAfterSeconds": decision.ResetSeconds,
				"remaining":         int64(0),
			},
		}
	}

	// Circuit breaker: log but never project, and never cache the result,
	// so the same key can be retried once the breaker clears.
	if b.paused || b.dryRun {
		marker := "paused"
		if !b.paused {
			marker = "dryRun"
		}
		eventID := b.appendEventBestEffort(ctx, cmd, map[string]any{marker: true})
		b.auditBestEffort(ctx, "command."+marker, meta, map[string]any{
			"commandType": cmd.Type,
			"actor":       cmd.Actor,
		})
		return Result{
			Success: true,
			Message: fmt.Sprintf("%s logged without execution (%s)", cmd.Type, marker),
			Data:    map[string]any{marker: true},
			EventID: eventID,
		}
	}

	// Reserve the key before projecting: two near-simultaneous requests
	// with the same key race the earlier Check, and only one may execute.
	cached, err := b.idem.Reserve(ctx, cmd.IdempotencyKey)
	if errors.Is(err, idempotency.ErrInFlight) {
		return Result{Success: false, Message: fmt.Sprintf("command with idempotency key %q is already executing", cmd.IdempotencyKey)}
	}
	if cached != nil {
		if res, ok := decodeResult(cached); ok {
			return res
		}
	}

	updated, err := b.project(ctx, cmd)
	if err != nil {
		log.Printf("commandbus projection failed type=%s actor=%s err=%v", cmd.Type, cmd.Actor, err)
		b.idem.Release(ctx, cmd.IdempotencyKey)
		return Result{Success: false, Message: "internal error: state projection failed"}
	}

	eventID := b.appendEventBestEffort(ctx, cmd, nil)
	b.auditBestEffort(ctx, "command.accepted", meta, map[string]any{
		"commandType": cmd.Type,
		"actor":       cmd.Actor,
		"eventId":     eventID,
	})

	result := Result{
		Success: true,
		Message: fmt.Sprintf("%s accepted", cmd.Type),
		Data:    resultData(cmd.Type, updated),
		EventID: eventID,
	}
	if raw, err := json.Marshal(result); err == nil {
		if err := b.idem.StoreResult(ctx, cmd.IdempotencyKey, raw); err != nil {
			log.Printf("commandbus idempotency store failed key=%s err=%v", cmd.IdempotencyKey, err)
		}
	}
	return result
}

// project translates an accepted command into its partial state update and
// applies it through the projector.
func (b *Bus) project(ctx context.Context, cmd Command) (map[string]any, error) {
	nowMs := b.now().UnixMilli()
	var partial map[string]any

	switch cmd.Type {
	case "REPLAY.START":
		partial = map[string]any{"replay": map[string]any{
			"active":    true,
			"startedBy": cmd.Actor,
			"startedAt": nowMs,
		}}
	case "REPLAY.STOP":
		partial = map[string]any{"replay": map[string]any{"active": false}}
	case "HUD.DECODE.ENABLE":
		partial = map[string]any{"hud": map[string]any{"decodeEnabled": true}}
	case "HUD.DECODE.DISABLE":
		partial = map[string]any{"hud": map[string]any{"decodeEnabled": false}}
	case "RELIC.EVOLVE.TRIGGER":
		doc, err := b.projector.Current(ctx)
		if err != nil {
			return nil, err
		}
		partial = map[string]any{"relic": map[string]any{
			"evolutionStage": sectionInt(doc, "relic", "evolutionStage") + 1,
			"lastEvolvedAt":  nowMs,
		}}
	case "BROADCAST.PULSE":
		doc, err := b.projector.Current(ctx)
		if err != nil {
			return nil, err
		}
		pulse := cmd.Payload
		if pulse == nil {
			pulse = map[string]any{}
		}
		partial = map[string]any{"broadcast": map[string]any{
			"pulseCount": sectionInt(doc, "broadcast", "pulseCount") + 1,
			"lastPulse":  pulse,
		}}
	case "MINT.GATE.OPEN":
		partial = map[string]any{"mint": map[string]any{
			"gateOpen":     true,
			"gateOpenedBy": cmd.Actor,
		}}
	case "MINT.GATE.CLOSE":
		partial = map[string]any{"mint": map[string]any{"gateOpen": false}}
	default:
		return nil, fmt.Errorf("no projection for command type %s", cmd.Type)
	}

	return b.projector.Apply(ctx, partial)
}

// resultData surfaces the piece of state a caller most likely wants back.
func resultData(cmdType string, doc map[string]any) map[string]any {
	switch cmdType {
	case "RELIC.EVOLVE.TRIGGER":
		return map[string]any{"evolutionStage": sectionInt(doc, "relic", "evolutionStage")}
	case "BROADCAST.PULSE":
		return map[string]any{"pulseCount": sectionInt(doc, "broadcast", "pulseCount")}
	case "MINT.GATE.OPEN", "MINT.GATE.CLOSE":
		gate, _ := doc["mint"].(map[string]any)
		if gate != nil {
			if open, ok := gate["gateOpen"].(bool); ok {
				return map[string]any{"gateOpen": open}
			}
		}
	}
	return nil
}

func sectionInt(doc map[string]any, section, field string) int64 {
	m, _ := doc[section].(map[string]any)
	if m == nil {
		return 0
	}
	return state.AsInt64(m[field])
}

// appendEventBestEffort logs the command to the event log; a broken event
// store degrades to a missing eventId, never to a failed command.
func (b *Bus) appendEventBestEffort(ctx context.Context, cmd Command, extra map[string]any) string {
	payload := map[string]any{
		"command":        cmd.Payload,
		"idempotencyKey": cmd.IdempotencyKey,
	}
	for k, v := range extra {
		payload[k] = v
	}
	evt, err := b.events.Append(ctx, cmd.Type, payload, cmd.Actor)
	if err != nil {
		log.Printf("commandbus event append failed type=%s err=%v", cmd.Type, err)
		return ""
	}
	return evt.ID
}

func (b *Bus) auditBestEffort(ctx context.Context, entryType string, meta Meta, details map[string]any) {
	if b.auditLog == nil {
		return
	}
	if _, err := b.auditLog.Append(ctx, entryType, meta.IP, meta.Path, details); err != nil {
		log.Printf("commandbus audit append failed type=%s err=%v", entryType, err)
	}
}

func decodeResult(raw []byte) (Result, bool) {
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, false
	}
	return res, true
}
