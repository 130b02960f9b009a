// Package state owns the shared application-state document. Every mutation
// flows through the projector; callers never write the document directly.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chaoskey333/pkg/kvstore"
)

const stateKey = "chaoskey:state"

// Projector deep-merges partial updates into the persisted document and
// stamps system.lastUpdated / system.version on every write.
type Projector struct {
	kv  kvstore.Store
	now func() time.Time
}

func NewProjector(kv kvstore.Store) *Projector {
	return &Projector{kv: kv, now: time.Now}
}

// defaultState is the document created lazily on first read. Sub-sections
// are independent; commands touch one section each.
func defaultState() map[string]any {
	return map[string]any{
		"replay": map[string]any{
			"active":    false,
			"startedBy": "",
			"startedAt": int64(0),
		},
		"hud": map[string]any{
			"decodeEnabled": false,
		},
		"relic": map[string]any{
			"evolutionStage": int64(0),
			"lastEvolvedAt":  int64(0),
		},
		"broadcast": map[string]any{
			"pulseCount": int64(0),
			"lastPulse":  map[string]any{},
		},
		"mint": map[string]any{
			"gateOpen":     false,
			"gateOpenedBy": "",
		},
		"system": map[string]any{
			"version":     int64(0),
			"lastUpdated": int64(0),
		},
	}
}

// Current returns the persisted document, initializing the default one on
// first read.
func (p *Projector) Current(ctx context.Context) (map[string]any, error) {
	raw, err := p.kv.Get(ctx, stateKey)
	if err == kvstore.ErrNotFound {
		doc := defaultState()
		if err := p.persist(ctx, doc); err != nil {
			return nil, err
		}
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return doc, nil
}

// Apply merges the partial update into the current document, bumps the
// system stamps, and persists the result as a single write.
func (p *Projector) Apply(ctx context.Context, partial map[string]any) (map[string]any, error) {
	doc, err := p.Current(ctx)
	if err != nil {
		return nil, err
	}
	merged := deepMerge(doc, partial)

	system, _ := merged["system"].(map[string]any)
	if system == nil {
		system = map[string]any{}
		merged["system"] = system
	}
	system["lastUpdated"] = p.now().UnixMilli()
	system["version"] = asInt64(system["version"]) + 1

	if err := p.persist(ctx, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func (p *Projector) persist(ctx context.Context, doc map[string]any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := p.kv.Set(ctx, stateKey, string(raw), 0); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// deepMerge overlays src onto dst, recursing into maps and replacing
// everything else. dst is modified and returned.
func deepMerge(dst, src map[string]any) map[string]any {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				dst[k] = deepMerge(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// AsInt64 exposes the numeric coercion the projector uses internally; JSON
// round-trips turn counters into float64 and callers need one rule for both.
func AsInt64(v any) int64 { return asInt64(v) }
